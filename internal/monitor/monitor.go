package monitor

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// State is the single connection status shown to the user.
type State string

const (
	StateIdle           State = "idle"
	StateAcquiringMedia State = "acquiring-media"
	StateNegotiating    State = "negotiating"
	StateConnected      State = "connected"
	StateDisconnected   State = "disconnected"
	StateFailed         State = "failed"
	StateClosed         State = "closed"
)

var ErrICEFailed = errors.New("ice connection failed")

// Monitor reduces the peer-connection and ICE-connection states, which can
// disagree for a while, to one State. Closed is terminal and failed only
// moves on to closed.
type Monitor struct {
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	pc       webrtc.PeerConnectionState
	ice      webrtc.ICEConnectionState
	err      error
	handlers []func(State)

	notifyMu sync.Mutex
}

func New(logger zerolog.Logger) *Monitor {
	return &Monitor{
		logger: logger.With().Str("module", "monitor").Logger(),
		state:  StateIdle,
	}
}

// OnStateChange registers fn for every transition.
func (m *Monitor) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns why the session failed, nil otherwise.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Begin marks the start of a session attempt.
func (m *Monitor) Begin() {
	m.transition(func() (State, bool) {
		return StateAcquiringMedia, m.state == StateIdle
	})
}

// MediaReady moves on to negotiating once local media is attached.
func (m *Monitor) MediaReady() {
	m.transition(func() (State, bool) {
		return StateNegotiating, m.state == StateAcquiringMedia
	})
}

// Fail records err and moves to failed unless the session is closed.
func (m *Monitor) Fail(err error) {
	m.transition(func() (State, bool) {
		if m.state == StateClosed || m.state == StateFailed {
			return m.state, false
		}
		m.err = err
		return StateFailed, true
	})
}

// Renegotiate returns to negotiating when the peer went away and a new
// connection replaces the old one. The observed pion states are forgotten.
func (m *Monitor) Renegotiate() {
	m.transition(func() (State, bool) {
		switch m.state {
		case StateNegotiating, StateConnected, StateDisconnected:
			m.pc = webrtc.PeerConnectionStateNew
			m.ice = webrtc.ICEConnectionStateNew
			return StateNegotiating, true
		}
		return m.state, false
	})
}

func (m *Monitor) Close() {
	m.transition(func() (State, bool) {
		return StateClosed, m.state != StateClosed
	})
}

func (m *Monitor) ObservePeerConnectionState(s webrtc.PeerConnectionState) {
	m.transition(func() (State, bool) {
		m.pc = s
		return m.reduce()
	})
}

func (m *Monitor) ObserveICEConnectionState(s webrtc.ICEConnectionState) {
	m.transition(func() (State, bool) {
		m.ice = s
		return m.reduce()
	})
}

// reduce applies the combination rules. Called with mu held.
func (m *Monitor) reduce() (State, bool) {
	switch m.state {
	case StateNegotiating, StateConnected, StateDisconnected:
	default:
		return m.state, false
	}

	iceUp := m.ice == webrtc.ICEConnectionStateConnected || m.ice == webrtc.ICEConnectionStateCompleted

	switch {
	case m.pc == webrtc.PeerConnectionStateFailed || m.ice == webrtc.ICEConnectionStateFailed:
		m.err = ErrICEFailed
		return StateFailed, true
	case m.pc == webrtc.PeerConnectionStateConnected && iceUp:
		return StateConnected, m.state != StateConnected
	case m.pc == webrtc.PeerConnectionStateDisconnected || m.ice == webrtc.ICEConnectionStateDisconnected:
		// Only a link that was up can drop. Until then this is still
		// part of negotiation.
		if m.state == StateConnected {
			return StateDisconnected, true
		}
	}
	return m.state, false
}

func (m *Monitor) transition(step func() (State, bool)) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	prev := m.state
	next, ok := step()
	if !ok || next == prev {
		m.mu.Unlock()
		return
	}
	m.state = next
	err := m.err
	handlers := append([]func(State){}, m.handlers...)
	pc, ice := m.pc, m.ice
	m.mu.Unlock()

	ev := m.logger.Info()
	if next == StateFailed {
		ev = m.logger.Error().Err(err)
	}
	ev.Str("from", string(prev)).
		Str("to", string(next)).
		Str("pc", pc.String()).
		Str("ice", ice.String()).
		Msg("Connection state changed")

	for _, fn := range handlers {
		fn(next)
	}
}
