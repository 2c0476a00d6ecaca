package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/paulomaciel91/cactosaude-sub003/config"
	"github.com/paulomaciel91/cactosaude-sub003/internal/media"
	"github.com/paulomaciel91/cactosaude-sub003/internal/models"
	"github.com/paulomaciel91/cactosaude-sub003/internal/monitor"
	"github.com/paulomaciel91/cactosaude-sub003/internal/negotiator"
	"github.com/paulomaciel91/cactosaude-sub003/internal/presence"
	"github.com/paulomaciel91/cactosaude-sub003/internal/rtc"
	"github.com/paulomaciel91/cactosaude-sub003/internal/signaling"
	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clinic is the shared side of a test: one signaling backend, one presence
// store and one room store, plus a virtual LAN.
type clinic struct {
	t        *testing.T
	cfg      *config.Config
	signals  *signaling.MemoryBackend
	presence *presence.MemoryStore
	rooms    *MemoryRoomStore
	router   *vnet.Router
	nextIP   int
}

func newClinic(t *testing.T) *clinic {
	t.Helper()

	cfg := config.Default()
	cfg.Signaling.PollInterval = 50 * time.Millisecond
	cfg.Presence.AnnounceInterval = 100 * time.Millisecond
	cfg.Presence.TTL = time.Second
	cfg.Negotiation.Timeout = 10 * time.Second
	cfg.WebRTC.ICEServers = nil
	cfg.PublicBaseURL = "https://clinic.example"

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	require.NoError(t, err)

	return &clinic{
		t:        t,
		cfg:      cfg,
		signals:  signaling.NewMemoryBackend(cfg.Signaling.LogCap),
		presence: presence.NewMemoryStore(),
		rooms:    NewMemoryRoomStore(cfg.PublicBaseURL),
		router:   router,
		nextIP:   1,
	}
}

// start must be called after every participant's network was added.
func (c *clinic) start() {
	require.NoError(c.t, c.router.Start())
	c.t.Cleanup(func() { _ = c.router.Stop() })
}

func (c *clinic) api() *webrtc.API {
	c.t.Helper()
	ip := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}[c.nextIP-1]
	c.nextIP++

	n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
	require.NoError(c.t, err)
	require.NoError(c.t, c.router.AddNet(n))

	api, err := rtc.NewAPI(rtc.Options{Net: n, Logger: zerolog.Nop()})
	require.NoError(c.t, err)
	return api
}

type recorder struct {
	mu      sync.Mutex
	created []StartResult
	states  []monitor.State
	counts  []int
	streams []monitor.StreamDescriptor
	errs    []error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnRoomCreated: func(res StartResult) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.created = append(r.created, res)
		},
		OnConnectionStateChanged: func(s monitor.State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s)
		},
		OnParticipantCountChanged: func(n int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.counts = append(r.counts, n)
		},
		OnRemoteStreamChanged: func(d monitor.StreamDescriptor) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.streams = append(r.streams, d)
		},
		OnSignalingError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) lastCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.counts) == 0 {
		return 0
	}
	return r.counts[len(r.counts)-1]
}

func (c *clinic) participant(devices media.Devices, rec *recorder) *Manager {
	c.t.Helper()
	if devices == nil {
		devices = media.NewSyntheticDevices(20*time.Millisecond, zerolog.Nop())
	}
	var cb Callbacks
	if rec != nil {
		cb = rec.callbacks()
	}
	m := NewManager(Deps{
		Config:   c.cfg,
		API:      c.api(),
		Signals:  c.signals,
		Presence: c.presence,
		Rooms:    c.rooms,
		Devices:  devices,
		UserID:   "dr-silva",
		Logger:   zerolog.Nop(),
	}, cb)
	c.t.Cleanup(m.EndSession)
	return m
}

func countType(t *testing.T, log signaling.Log, typ models.SignalType) (int, []models.SignalingMessage) {
	t.Helper()
	msgs, err := log.Read(context.Background())
	require.NoError(t, err)
	var out []models.SignalingMessage
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return len(out), out
}

func TestDoctorAndPatientConnect(t *testing.T) {
	c := newClinic(t)
	docRec, patRec := &recorder{}, &recorder{}
	doctor := c.participant(nil, docRec)
	patient := c.participant(nil, patRec)
	c.start()
	ctx := context.Background()

	res, err := doctor.StartSession(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, res.RoomID)
	assert.Len(t, res.Code, 6)
	assert.Equal(t, "https://clinic.example/telemedicina/sala/"+res.RoomID, res.JoinLink)

	joined, err := patient.StartSession(ctx, res.RoomID)
	require.NoError(t, err)
	assert.Equal(t, res, joined)

	connected := func(m *Manager) func() bool {
		return func() bool { return m.State() == monitor.StateConnected }
	}
	require.Eventually(t, connected(doctor), 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, connected(patient), 5*time.Second, 20*time.Millisecond)

	log := c.signals.Log(res.RoomID)
	offers, offerMsgs := countType(t, log, models.SignalTypeOffer)
	answers, _ := countType(t, log, models.SignalTypeAnswer)
	assert.Equal(t, 1, offers)
	assert.Equal(t, 1, answers)
	sd, err := offerMsgs[0].SessionDescription()
	require.NoError(t, err)
	assert.NotEmpty(t, sd.SDP)

	require.Eventually(t, func() bool {
		d := patient.RemoteStream()
		return d.HasAudio() && d.HasVideo()
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		docRec.mu.Lock()
		defer docRec.mu.Unlock()
		return len(docRec.states) > 0 && docRec.states[len(docRec.states)-1] == monitor.StateConnected
	}, time.Second, 10*time.Millisecond)

	docRec.mu.Lock()
	assert.Equal(t, []StartResult{res}, docRec.created)
	assert.Contains(t, docRec.counts, 2)
	docRec.mu.Unlock()
	patRec.mu.Lock()
	assert.Empty(t, patRec.created)
	patRec.mu.Unlock()

	assert.Equal(t, 2, doctor.ParticipantCount())
	assert.Len(t, doctor.Room().Participants, 2)
}

func TestPeerLeavesAndCountDrops(t *testing.T) {
	c := newClinic(t)
	rec := &recorder{}
	doctor := c.participant(nil, rec)
	patient := c.participant(nil, nil)
	c.start()
	ctx := context.Background()

	res, err := doctor.StartSession(ctx, "")
	require.NoError(t, err)
	_, err = patient.StartSession(ctx, res.Code)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return doctor.State() == monitor.StateConnected }, 5*time.Second, 20*time.Millisecond)

	patient.EndSession()
	assert.Equal(t, monitor.StateClosed, patient.State())

	require.Eventually(t, func() bool { return rec.lastCount() == 1 }, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return doctor.State() == monitor.StateNegotiating }, 3*time.Second, 20*time.Millisecond)
	assert.False(t, doctor.RemoteStream().Active)
}

func TestLegacyRoleBothOfferAndStillConnect(t *testing.T) {
	c := newClinic(t)
	a := c.participant(nil, nil)
	b := c.participant(nil, nil)
	a.deps.Role = negotiator.RoleAnyone
	b.deps.Role = negotiator.RoleAnyone
	c.start()
	ctx := context.Background()

	res, err := a.StartSession(ctx, "")
	require.NoError(t, err)
	_, err = b.StartSession(ctx, res.RoomID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.State() == monitor.StateConnected && b.State() == monitor.StateConnected
	}, 10*time.Second, 20*time.Millisecond)
}

func TestUnknownCodeFails(t *testing.T) {
	c := newClinic(t)
	m := c.participant(nil, nil)
	c.start()

	_, err := m.StartSession(context.Background(), "ZZZZZZ")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.Equal(t, monitor.StateFailed, m.State())

	m.EndSession()
	assert.Equal(t, monitor.StateClosed, m.State())
}

func TestRoomFull(t *testing.T) {
	c := newClinic(t)
	m := c.participant(nil, nil)
	c.start()
	ctx := context.Background()

	room, _, err := c.rooms.Ensure(ctx, "", "someone")
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, c.presence.Touch(ctx, room.ID, "p1", now))
	require.NoError(t, c.presence.Touch(ctx, room.ID, "p2", now))

	_, err = m.StartSession(ctx, room.ID)
	assert.ErrorIs(t, err, ErrRoomFull)
	assert.ErrorIs(t, m.Err(), ErrRoomFull)
	assert.True(t, m.Tracks().Empty())
}

func TestPermissionDeniedFailsAndEndIsIdempotent(t *testing.T) {
	c := newClinic(t)
	devices := media.NewSyntheticDevices(20*time.Millisecond, zerolog.Nop())
	devices.Deny(media.SourceCamera)
	m := c.participant(devices, nil)
	c.start()

	_, err := m.StartSession(context.Background(), "")
	assert.ErrorIs(t, err, media.ErrPermissionDenied)
	assert.Equal(t, monitor.StateFailed, m.State())
	assert.True(t, m.Tracks().Empty(), "partial microphone must be stopped")

	m.EndSession()
	m.EndSession()
	assert.Equal(t, monitor.StateClosed, m.State())
	assert.True(t, m.Tracks().Empty())
}

func TestTogglesBeforeMediaAreIgnored(t *testing.T) {
	c := newClinic(t)
	m := c.participant(nil, nil)
	c.start()

	_, err := m.ToggleMic()
	assert.ErrorIs(t, err, ErrMediaNotReady)
	_, err = m.ToggleCamera(context.Background())
	assert.ErrorIs(t, err, ErrMediaNotReady)
	_, err = m.ToggleScreenShare(context.Background())
	assert.ErrorIs(t, err, ErrMediaNotReady)
	assert.Equal(t, monitor.StateIdle, m.State())
}

func TestToggles(t *testing.T) {
	c := newClinic(t)
	devices := media.NewSyntheticDevices(20*time.Millisecond, zerolog.Nop())
	m := c.participant(devices, nil)
	c.start()
	ctx := context.Background()

	_, err := m.StartSession(ctx, "")
	require.NoError(t, err)

	on, err := m.ToggleMic()
	require.NoError(t, err)
	assert.False(t, on)
	on, err = m.ToggleMic()
	require.NoError(t, err)
	assert.True(t, on)

	on, err = m.ToggleCamera(ctx)
	require.NoError(t, err)
	assert.False(t, on)
	assert.NotNil(t, m.Tracks().Camera)
	on, err = m.ToggleCamera(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	sharing, err := m.ToggleScreenShare(ctx)
	require.NoError(t, err)
	assert.True(t, sharing)
	assert.False(t, m.MediaState().CameraEnabled)

	sharing, err = m.ToggleScreenShare(ctx)
	require.NoError(t, err)
	assert.False(t, sharing)
	assert.True(t, m.MediaState().CameraEnabled)

	devices.Deny(media.SourceScreen)
	_, err = m.ToggleScreenShare(ctx)
	assert.ErrorIs(t, err, media.ErrPermissionDenied)
	assert.NotEqual(t, monitor.StateFailed, m.State())
}

func TestStartTwice(t *testing.T) {
	c := newClinic(t)
	m := c.participant(nil, nil)
	c.start()
	ctx := context.Background()

	_, err := m.StartSession(ctx, "")
	require.NoError(t, err)
	_, err = m.StartSession(ctx, "")
	assert.ErrorIs(t, err, ErrSessionActive)

	m.EndSession()
	_, err = m.StartSession(ctx, "")
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestEndSessionFromCallback(t *testing.T) {
	c := newClinic(t)
	devices := media.NewSyntheticDevices(20*time.Millisecond, zerolog.Nop())
	devices.Remove(media.SourceMicrophone)

	var m *Manager
	done := make(chan struct{})
	m = NewManager(Deps{
		Config:   c.cfg,
		API:      c.api(),
		Signals:  c.signals,
		Presence: c.presence,
		Rooms:    c.rooms,
		Devices:  devices,
		Logger:   zerolog.Nop(),
	}, Callbacks{
		OnConnectionStateChanged: func(s monitor.State) {
			if s == monitor.StateFailed {
				m.EndSession()
				close(done)
			}
		},
	})
	c.start()

	_, err := m.StartSession(context.Background(), "")
	assert.ErrorIs(t, err, media.ErrDeviceNotFound)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not run")
	}
	assert.Equal(t, monitor.StateClosed, m.State())
}

func TestSignalingErrorIsReported(t *testing.T) {
	c := newClinic(t)
	rec := &recorder{}
	m := c.participant(nil, rec)
	c.start()
	failing := errors.New("quota exceeded")
	m.deps.Presence = failingStore{err: failing}

	_, err := m.StartSession(context.Background(), "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.errs) > 0
	}, time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	assert.ErrorIs(t, rec.errs[0], failing)
	rec.mu.Unlock()
	assert.Equal(t, monitor.StateNegotiating, m.State())
}

type failingStore struct{ err error }

func (s failingStore) Touch(context.Context, string, string, time.Time) error { return s.err }
func (s failingStore) Remove(context.Context, string, string) error          { return s.err }
func (s failingStore) Live(context.Context, string, time.Time, time.Duration) ([]models.ParticipantRef, error) {
	return nil, s.err
}

func TestDispatcherKeepsOrder(t *testing.T) {
	d := newDispatcher()
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		d.post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	d.post(func() { close(done) })
	d.close()
	d.post(func() { t.Error("posted after close") })

	<-done
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}
