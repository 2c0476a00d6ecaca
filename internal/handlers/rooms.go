package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paulomaciel91/cactosaude-sub003/internal/middleware"
	"github.com/paulomaciel91/cactosaude-sub003/internal/models"
	"github.com/paulomaciel91/cactosaude-sub003/internal/presence"
	"github.com/paulomaciel91/cactosaude-sub003/internal/session"
	"github.com/rs/zerolog"
)

// Rooms exposes room metadata to the page a join link opens.
type Rooms struct {
	store    session.RoomStore
	presence presence.Store
	ttl      time.Duration
	logger   zerolog.Logger
}

func NewRooms(store session.RoomStore, p presence.Store, presenceTTL time.Duration, logger zerolog.Logger) *Rooms {
	return &Rooms{
		store:    store,
		presence: p,
		ttl:      presenceTTL,
		logger:   logger.With().Str("module", "handlers").Logger(),
	}
}

// Get returns a room by id or join code, with its live participant count
// (public).
func (h *Rooms) Get(c *gin.Context) {
	ctx := c.Request.Context()
	room, err := h.store.Lookup(ctx, c.Param("roomId"))
	if errors.Is(err, session.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("room", c.Param("roomId")).Msg("Failed to load room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return
	}

	count := 0
	live, err := h.presence.Live(ctx, room.ID, time.Now(), h.ttl)
	if err != nil {
		h.logger.Warn().Err(err).Str("room", room.ID).Msg("Failed to count participants")
	} else {
		count = len(live)
	}

	c.JSON(http.StatusOK, models.RoomInfo{
		ID:               room.ID,
		Code:             room.Code,
		CreatedAt:        room.CreatedAt,
		JoinLink:         room.JoinLink,
		ParticipantCount: count,
		MaxParticipants:  models.MaxParticipants,
	})
}

// Delete removes a room with its signaling log and presence set (creator
// only).
func (h *Rooms) Delete(c *gin.Context) {
	ctx := c.Request.Context()
	room, err := h.store.Lookup(ctx, c.Param("roomId"))
	if errors.Is(err, session.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return
	}

	userID := middleware.UserID(c)
	if room.CreatorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}

	if err := h.store.Delete(ctx, room.ID); err != nil {
		h.logger.Error().Err(err).Str("room", room.ID).Msg("Failed to delete room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}

	h.logger.Info().Str("room", room.ID).Str("user", userID).Msg("Room deleted")
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}
