package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/paulomaciel91/cactosaude-sub003/internal/media"
	"github.com/paulomaciel91/cactosaude-sub003/internal/middleware"
	"github.com/paulomaciel91/cactosaude-sub003/internal/models"
	"github.com/paulomaciel91/cactosaude-sub003/internal/monitor"
	"github.com/paulomaciel91/cactosaude-sub003/internal/session"
	"github.com/rs/zerolog"
)

const startTimeout = 30 * time.Second

// SessionFactory builds a manager for userID reporting to cb.
type SessionFactory func(userID string, cb session.Callbacks) *session.Manager

// Sessions keeps the consultations this process takes part in, one
// manager each, addressed by a session id handed to the UI.
type Sessions struct {
	factory SessionFactory
	logger  zerolog.Logger

	mu   sync.RWMutex
	live map[string]*liveSession
}

type liveSession struct {
	id      string
	owner   string
	manager *session.Manager
	events  *eventStream
}

func NewSessions(factory SessionFactory, logger zerolog.Logger) *Sessions {
	return &Sessions{
		factory: factory,
		logger:  logger.With().Str("module", "handlers").Logger(),
		live:    make(map[string]*liveSession),
	}
}

// Start starts or joins a room for the authenticated user.
func (h *Sessions) Start(c *gin.Context) {
	userID := middleware.UserID(c)

	var req models.StartSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	id := uuid.New().String()
	events := newEventStream(id, h.logger)
	live := &liveSession{
		id:     id,
		owner:  userID,
		events: events,
	}
	live.manager = h.factory(userID, session.Callbacks{
		OnRoomCreated: func(r session.StartResult) {
			events.publish(models.EventRoomCreated, r)
		},
		OnConnectionStateChanged: func(s monitor.State) {
			events.publish(models.EventConnectionState, gin.H{"state": s})
		},
		OnParticipantCountChanged: func(n int) {
			events.publish(models.EventParticipantCount, gin.H{"count": n})
		},
		OnRemoteStreamChanged: func(d monitor.StreamDescriptor) {
			events.publish(models.EventRemoteStream, d)
		},
		OnMediaStateChanged: func(s media.State) {
			events.publish(models.EventMediaState, s)
		},
		OnSignalingError: func(err error) {
			events.publish(models.EventSignalingError, gin.H{"error": err.Error()})
		},
	})

	h.mu.Lock()
	h.live[id] = live
	h.mu.Unlock()

	// Media and presence outlive the request.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), startTimeout)
	defer cancel()
	res, err := live.manager.StartSession(ctx, req.RoomID)
	if err != nil {
		h.end(id)
		status, msg := startError(err)
		h.logger.Warn().Err(err).Str("user", userID).Str("room", req.RoomID).Msg("Session start failed")
		c.JSON(status, gin.H{"error": msg})
		return
	}

	h.logger.Info().
		Str("session", id).
		Str("room", res.RoomID).
		Str("user", userID).
		Msg("Session started")

	c.JSON(http.StatusCreated, models.StartSessionResponse{
		SessionID: id,
		RoomID:    res.RoomID,
		Code:      res.Code,
		JoinLink:  res.JoinLink,
	})
}

func startError(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrRoomNotFound):
		return http.StatusNotFound, "Room not found"
	case errors.Is(err, session.ErrRoomFull):
		return http.StatusConflict, "Room is full"
	case errors.Is(err, media.ErrPermissionDenied):
		return http.StatusForbidden, "Camera or microphone access denied"
	case errors.Is(err, media.ErrDeviceNotFound):
		return http.StatusUnprocessableEntity, "Camera or microphone not found"
	default:
		return http.StatusInternalServerError, "Failed to start session"
	}
}

// Status returns a snapshot of the session.
func (h *Sessions) Status(c *gin.Context) {
	live, ok := h.authorize(c)
	if !ok {
		return
	}
	m := live.manager
	status := models.SessionStatus{
		SessionID:        live.id,
		ParticipantID:    m.ParticipantID(),
		State:            string(m.State()),
		Room:             m.Room(),
		ParticipantCount: m.ParticipantCount(),
		Media:            m.MediaState(),
		RemoteStream:     m.RemoteStream(),
	}
	if err := m.Err(); err != nil {
		status.Error = err.Error()
	}
	c.JSON(http.StatusOK, status)
}

// Toggle flips mic, camera or screen share.
func (h *Sessions) Toggle(c *gin.Context) {
	live, ok := h.authorize(c)
	if !ok {
		return
	}

	var (
		enabled bool
		err     error
	)
	switch c.Param("device") {
	case "mic":
		enabled, err = live.manager.ToggleMic()
	case "camera":
		enabled, err = live.manager.ToggleCamera(c.Request.Context())
	case "screen":
		enabled, err = live.manager.ToggleScreenShare(c.Request.Context())
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown device"})
		return
	}

	switch {
	case err == nil:
		c.JSON(http.StatusOK, models.ToggleResponse{Enabled: enabled})
	case errors.Is(err, session.ErrMediaNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": "Media not ready"})
	case errors.Is(err, media.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "Capture access denied"})
	case errors.Is(err, media.ErrDeviceNotFound):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Capture device not found"})
	default:
		h.logger.Error().Err(err).Str("session", live.id).Str("device", c.Param("device")).Msg("Toggle failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Toggle failed"})
	}
}

// End hangs up. Ending an unknown or already ended session succeeds.
func (h *Sessions) End(c *gin.Context) {
	id := c.Param("sessionId")
	h.mu.RLock()
	live, ok := h.live[id]
	h.mu.RUnlock()

	if ok && live.owner != middleware.UserID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the session owner can end it"})
		return
	}
	h.end(id)
	c.JSON(http.StatusOK, gin.H{"message": "Session ended"})
}

func (h *Sessions) end(id string) {
	h.mu.Lock()
	live, ok := h.live[id]
	delete(h.live, id)
	h.mu.Unlock()
	if !ok {
		return
	}

	live.manager.EndSession()
	live.events.publish(models.EventConnectionState, gin.H{"state": live.manager.State()})
	live.events.close()
}

// Shutdown ends every session, used when the server stops.
func (h *Sessions) Shutdown() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.live))
	for id := range h.live {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.end(id)
	}
	if len(ids) > 0 {
		h.logger.Info().Int("sessions", len(ids)).Msg("Ended running sessions")
	}
}

// authorize finds the session in the path and checks the caller owns it.
func (h *Sessions) authorize(c *gin.Context) (*liveSession, bool) {
	h.mu.RLock()
	live, ok := h.live[c.Param("sessionId")]
	h.mu.RUnlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return nil, false
	}
	if live.owner != middleware.UserID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not your session"})
		return nil, false
	}
	return live, true
}
