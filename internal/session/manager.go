package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulomaciel91/cactosaude-sub003/config"
	"github.com/paulomaciel91/cactosaude-sub003/internal/media"
	"github.com/paulomaciel91/cactosaude-sub003/internal/models"
	"github.com/paulomaciel91/cactosaude-sub003/internal/monitor"
	"github.com/paulomaciel91/cactosaude-sub003/internal/negotiator"
	"github.com/paulomaciel91/cactosaude-sub003/internal/presence"
	"github.com/paulomaciel91/cactosaude-sub003/internal/rtc"
	"github.com/paulomaciel91/cactosaude-sub003/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrMediaNotReady = errors.New("local media not acquired yet")
	ErrSessionActive = errors.New("session already started")
	ErrSessionEnded  = errors.New("session ended")
)

const leaveTimeout = 2 * time.Second

// StartResult is what the caller needs to share the room.
type StartResult struct {
	RoomID   string `json:"roomId"`
	Code     string `json:"code"`
	JoinLink string `json:"joinLink"`
}

// Callbacks are invoked in order on a dedicated goroutine. Any of them may
// be nil.
type Callbacks struct {
	OnRoomCreated             func(StartResult)
	OnConnectionStateChanged  func(monitor.State)
	OnParticipantCountChanged func(int)
	OnRemoteStreamChanged     func(monitor.StreamDescriptor)
	OnMediaStateChanged       func(media.State)
	// OnSignalingError reports that a message could not be written to the
	// shared log. The session keeps going.
	OnSignalingError func(error)
}

// Deps are the process-wide pieces a Manager builds its session from.
type Deps struct {
	Config   *config.Config
	API      *webrtc.API
	Signals  signaling.Backend
	Presence presence.Store
	Rooms    RoomStore
	Devices  media.Devices
	// Role picks the offer rule. The zero value is the deterministic
	// lowest-id rule.
	Role negotiator.Role
	// UserID is recorded as the creator of rooms this manager creates.
	UserID string
	Logger zerolog.Logger
}

// Manager runs one participant's side of one consultation: it is started
// once and ended once.
type Manager struct {
	deps   Deps
	cb     Callbacks
	logger zerolog.Logger

	mon    *monitor.Monitor
	remote *monitor.RemoteStream
	media  *media.Controller
	events *dispatcher

	mu            sync.Mutex
	started       bool
	ended         bool
	participantID string
	room          models.Session
	relay         *signaling.Relay
	registry      *presence.Registry
	neg           *negotiator.Negotiator
	unsubscribe   []func()
}

func NewManager(deps Deps, cb Callbacks) *Manager {
	logger := deps.Logger.With().Str("module", "session").Logger()
	m := &Manager{
		deps:   deps,
		cb:     cb,
		logger: logger,
		mon:    monitor.New(deps.Logger),
		remote: monitor.NewRemoteStream(),
		media:  media.NewController(deps.Devices, deps.Logger),
		events: newDispatcher(),
	}

	m.mon.OnStateChange(func(s monitor.State) {
		if fn := m.cb.OnConnectionStateChanged; fn != nil {
			m.events.post(func() { fn(s) })
		}
	})
	m.remote.OnChange(func(d monitor.StreamDescriptor) {
		if fn := m.cb.OnRemoteStreamChanged; fn != nil {
			m.events.post(func() { fn(d) })
		}
	})
	m.media.OnChange(func(s media.State) {
		if fn := m.cb.OnMediaStateChanged; fn != nil {
			m.events.post(func() { fn(s) })
		}
	})
	return m
}

// StartSession creates a room when roomID is empty, or joins the room with
// that id or join code, then acquires media and starts negotiating. A
// failure leaves the session in failed; EndSession still has to be called.
func (m *Manager) StartSession(ctx context.Context, roomID string) (StartResult, error) {
	m.mu.Lock()
	switch {
	case m.ended:
		m.mu.Unlock()
		return StartResult{}, ErrSessionEnded
	case m.started:
		m.mu.Unlock()
		return StartResult{}, ErrSessionActive
	}
	m.started = true
	m.participantID = uuid.New().String()
	pid := m.participantID
	m.mu.Unlock()

	cfg := m.deps.Config
	logger := m.logger.With().Str("participant", pid).Logger()
	m.mon.Begin()

	room, created, err := m.deps.Rooms.Ensure(ctx, roomID, m.deps.UserID)
	if err != nil {
		return StartResult{}, m.fail(fmt.Errorf("resolve room: %w", err))
	}
	logger = logger.With().Str("room", room.ID).Logger()

	live, err := m.deps.Presence.Live(ctx, room.ID, time.Now(), cfg.Presence.TTL)
	if err != nil {
		logger.Warn().Err(err).Msg("Could not check room capacity")
	} else if len(live) >= models.MaxParticipants {
		return StartResult{}, m.fail(ErrRoomFull)
	}

	result := StartResult{RoomID: room.ID, Code: room.Code, JoinLink: room.JoinLink}
	m.mu.Lock()
	m.room = room
	m.mu.Unlock()
	if created {
		logger.Info().Str("code", room.Code).Msg("Room created")
		if fn := m.cb.OnRoomCreated; fn != nil {
			m.events.post(func() { fn(result) })
		}
	}

	if _, err := m.media.AcquireLocalMedia(ctx, media.DefaultConstraints()); err != nil {
		return StartResult{}, m.fail(fmt.Errorf("acquire local media: %w", err))
	}

	relay := signaling.NewRelay(
		m.deps.Signals.Log(room.ID),
		m.deps.Signals.Broadcaster(room.ID),
		signaling.Options{
			RoomID:        room.ID,
			ParticipantID: pid,
			PollInterval:  cfg.Signaling.PollInterval,
			DedupSize:     cfg.Signaling.DedupSize,
			StaleAfter:    cfg.Signaling.StaleAfter,
			Logger:        m.deps.Logger,
		},
	)
	registry := presence.NewRegistry(m.deps.Presence, relay, presence.Options{
		RoomID:           room.ID,
		ParticipantID:    pid,
		AnnounceInterval: cfg.Presence.AnnounceInterval,
		TTL:              cfg.Presence.TTL,
		Logger:           m.deps.Logger,
	})
	neg := negotiator.New(negotiator.Config{
		RoomID:           room.ID,
		ParticipantID:    pid,
		ICEServers:       rtc.ICEServers(cfg.WebRTC),
		Role:             m.deps.Role,
		Timeout:          cfg.Negotiation.Timeout,
		MaxRetries:       cfg.Negotiation.MaxRetries,
		BackoffBase:      cfg.Negotiation.BackoffBase,
		BackoffMax:       cfg.Negotiation.BackoffMax,
		DedupSize:        cfg.Signaling.DedupSize,
		Logger:           m.deps.Logger,
		OnSignalingError: m.signalingError,
	}, m.deps.API, relay, registry, m.media, m.mon, m.remote)

	registry.OnCountChanged(func(n int) {
		neg.PresenceChanged(n)
		if fn := m.cb.OnParticipantCountChanged; fn != nil {
			m.events.post(func() { fn(n) })
		}
	})

	m.mu.Lock()
	if m.ended {
		m.mu.Unlock()
		_ = neg.Close()
		_ = relay.Close()
		return StartResult{}, ErrSessionEnded
	}
	m.relay = relay
	m.registry = registry
	m.neg = neg
	m.unsubscribe = append(m.unsubscribe, relay.Subscribe(registry), relay.Subscribe(neg))
	m.mu.Unlock()

	if err := neg.Start(); err != nil {
		return StartResult{}, m.fail(fmt.Errorf("start negotiation: %w", err))
	}
	if err := registry.AnnounceJoin(ctx); err != nil {
		// The heartbeat keeps retrying the presence write.
		logger.Warn().Err(err).Msg("Presence announcement failed")
		m.signalingError(err)
	}

	logger.Info().Bool("created", created).Msg("Session started")
	return result, nil
}

func (m *Manager) fail(err error) error {
	m.logger.Error().Err(err).Msg("Session failed")
	m.mon.Fail(err)
	return err
}

func (m *Manager) signalingError(err error) {
	if fn := m.cb.OnSignalingError; fn != nil {
		m.events.post(func() { fn(err) })
	}
}

func (m *Manager) mediaReady(op string) error {
	if !m.media.State().Acquired {
		m.logger.Warn().Str("op", op).Msg("Toggle ignored, media not ready")
		return ErrMediaNotReady
	}
	return nil
}

// ToggleMic flips the microphone and returns the new state.
func (m *Manager) ToggleMic() (bool, error) {
	if err := m.mediaReady("mic"); err != nil {
		return false, err
	}
	next := !m.media.State().MicEnabled
	if err := m.media.SetMicEnabled(next); err != nil {
		return !next, err
	}
	return next, nil
}

// ToggleCamera flips the camera and returns the new state.
func (m *Manager) ToggleCamera(ctx context.Context) (bool, error) {
	if err := m.mediaReady("camera"); err != nil {
		return false, err
	}
	next := !m.media.State().CameraEnabled
	if err := m.media.SetCameraEnabled(ctx, next); err != nil {
		return m.media.State().CameraEnabled, err
	}
	return next, nil
}

// ToggleScreenShare starts or stops sharing and reports whether sharing is
// on afterwards. A refused capture is returned but does not end the session.
func (m *Manager) ToggleScreenShare(ctx context.Context) (bool, error) {
	if err := m.mediaReady("screen"); err != nil {
		return false, err
	}
	if m.media.State().ScreenSharing {
		err := m.media.StopScreenShare()
		return m.media.State().ScreenSharing, err
	}
	if err := m.media.StartScreenShare(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// EndSession hangs up: peer connection, relay subscriptions, presence
// entry, relay, then local tracks. It is safe to call any number of times,
// before, during or after a failed start.
func (m *Manager) EndSession() {
	m.mu.Lock()
	if m.ended {
		m.mu.Unlock()
		return
	}
	m.ended = true
	neg, registry, relay := m.neg, m.registry, m.relay
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if neg != nil {
		if err := neg.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("Peer connection close")
		}
	}
	for _, unsub := range unsubscribe {
		unsub()
	}
	// The leave announcement travels over the relay, so it goes out
	// before the relay closes.
	if registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		_ = registry.AnnounceLeave(ctx)
		cancel()
	}
	if relay != nil {
		_ = relay.Close()
	}
	m.media.ReleaseAll()
	m.mon.Close()
	m.events.close()

	m.logger.Info().Str("participant", m.ParticipantID()).Msg("Session ended")
}

func (m *Manager) State() monitor.State { return m.mon.State() }

// Err is the reason the session failed, if it did.
func (m *Manager) Err() error { return m.mon.Err() }

func (m *Manager) MediaState() media.State { return m.media.State() }

func (m *Manager) RemoteStream() monitor.StreamDescriptor { return m.remote.Descriptor() }

func (m *Manager) ParticipantID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.participantID
}

// Room returns the room with its live participants.
func (m *Manager) Room() models.Session {
	m.mu.Lock()
	room, registry := m.room, m.registry
	m.mu.Unlock()
	if registry != nil {
		room.Participants = registry.Participants()
	}
	return room
}

func (m *Manager) ParticipantCount() int {
	m.mu.Lock()
	registry := m.registry
	m.mu.Unlock()
	if registry == nil {
		return 0
	}
	return registry.CurrentCount()
}

// Tracks exposes the local track set, empty once the session has ended.
func (m *Manager) Tracks() media.TrackSet { return m.media.Tracks() }

// Stats returns the negotiation counters.
func (m *Manager) Stats() negotiator.Stats {
	m.mu.Lock()
	neg := m.neg
	m.mu.Unlock()
	if neg == nil {
		return negotiator.Stats{}
	}
	return neg.Stats()
}
