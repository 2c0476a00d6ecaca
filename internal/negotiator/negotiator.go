package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/paulomaciel91/cactosaude-sub003/internal/media"
	"github.com/paulomaciel91/cactosaude-sub003/internal/models"
	"github.com/paulomaciel91/cactosaude-sub003/internal/monitor"
	"github.com/paulomaciel91/cactosaude-sub003/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrClosed             = errors.New("negotiator closed")
)

// Role decides who sends the first offer.
type Role int

const (
	// RoleLowestID makes the participant with the lexicographically
	// smallest id the only offerer.
	RoleLowestID Role = iota
	// RoleAnyone lets both sides offer as soon as a peer is present, as
	// older clients do. Glare is then resolved by rollback on the side with
	// the larger id.
	RoleAnyone
)

type Publisher interface {
	Publish(ctx context.Context, msg models.SignalingMessage) (models.SignalingMessage, error)
}

type Presence interface {
	Participants() []models.ParticipantRef
}

// Media attaches local tracks to a new peer connection.
type Media interface {
	Attach(pc media.PeerConnection) error
	Detach()
}

type Config struct {
	RoomID        string
	ParticipantID string
	ICEServers    []webrtc.ICEServer
	Role          Role
	// Timeout bounds each attempt once a peer is present. Waiting for the
	// peer to show up is not bounded.
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	DedupSize   int
	Logger      zerolog.Logger
	// OnSignalingError is told when an offer, answer or candidate could not
	// be published.
	OnSignalingError func(error)
}

// Stats counts protocol events, mostly for tests and diagnostics.
type Stats struct {
	OffersSent       int
	AnswersSent      int
	CandidatesSent   int
	CandidatesAdded  int
	CandidatesQueued int
	Rollbacks        int
	Retries          int
}

// Negotiator drives one peer connection to connected. Every input (relay
// messages, presence changes, pion callbacks, timers) is serialized onto a
// single event loop, so the fields below the loop marker need no lock.
type Negotiator struct {
	cfg      Config
	api      *webrtc.API
	pub      Publisher
	presence Presence
	media    Media
	mon      *monitor.Monitor
	remote   *monitor.RemoteStream
	logger   zerolog.Logger

	events    chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// loop
	pc            *webrtc.PeerConnection
	started       bool
	closed        bool
	offerSent     bool
	offerReceived bool
	remoteID      string
	remoteSeen    bool
	pending       candidateQueue
	early         []models.SignalingMessage
	seen          *signaling.Deduper
	timer         *time.Timer
	timerGen      int
	attempt       int
	stats         Stats
}

func New(cfg Config, api *webrtc.API, pub Publisher, presence Presence, m Media, mon *monitor.Monitor, remote *monitor.RemoteStream) *Negotiator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = 8 * cfg.BackoffBase
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = 256
	}
	seen, err := signaling.NewDeduper(cfg.DedupSize)
	if err != nil {
		panic(err)
	}

	n := &Negotiator{
		cfg:      cfg,
		api:      api,
		pub:      pub,
		presence: presence,
		media:    m,
		mon:      mon,
		remote:   remote,
		logger: cfg.Logger.With().
			Str("module", "negotiator").
			Str("room", cfg.RoomID).
			Str("participant", cfg.ParticipantID).
			Logger(),
		events: make(chan func(), 128),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		seen:   seen,
	}
	go n.loop()
	return n
}

func (n *Negotiator) loop() {
	defer close(n.done)
	for {
		select {
		case fn := <-n.events:
			fn()
		case <-n.quit:
			return
		}
	}
}

// post schedules fn on the loop. It never blocks once the negotiator is
// closed.
func (n *Negotiator) post(fn func()) {
	select {
	case n.events <- fn:
	case <-n.quit:
	}
}

// call runs fn on the loop and waits for it.
func (n *Negotiator) call(fn func()) bool {
	finished := make(chan struct{})
	n.post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return true
	case <-n.done:
		return false
	}
}

// Start creates the peer connection, attaches local media and, if a peer
// is already present and this side offers, sends the offer.
func (n *Negotiator) Start() error {
	var err error
	ok := n.call(func() {
		if n.closed {
			err = ErrClosed
			return
		}
		if n.started {
			return
		}
		if err = n.newPeerConnection(); err != nil {
			return
		}
		n.started = true
		n.mon.MediaReady()
		early := n.early
		n.early = nil
		for _, msg := range early {
			n.handle(msg)
		}
		n.onPresence()
	})
	if !ok {
		return ErrClosed
	}
	return err
}

// HandleSignal implements signaling.Handler.
func (n *Negotiator) HandleSignal(msg models.SignalingMessage) {
	n.post(func() { n.handle(msg) })
}

// PresenceChanged is wired to the registry's count handler.
func (n *Negotiator) PresenceChanged(int) {
	n.post(n.onPresence)
}

// Stats returns a snapshot of the protocol counters.
func (n *Negotiator) Stats() Stats {
	var s Stats
	n.call(func() { s = n.stats })
	return s
}

// SignalingState exposes the pion signaling state, "closed" once torn down.
func (n *Negotiator) SignalingState() webrtc.SignalingState {
	s := webrtc.SignalingStateClosed
	n.call(func() {
		if n.pc != nil {
			s = n.pc.SignalingState()
		}
	})
	return s
}

// Close tears the peer connection down. It is idempotent.
func (n *Negotiator) Close() error {
	var err error
	n.closeOnce.Do(func() {
		var pc *webrtc.PeerConnection
		n.call(func() {
			n.closed = true
			n.stopTimer()
			pc = n.pc
			n.pc = nil
		})
		close(n.quit)
		<-n.done

		if pc != nil {
			err = pc.Close()
		}
		n.media.Detach()
		n.remote.Reset()
		n.logger.Debug().Msg("Negotiator closed")
	})
	return err
}

func (n *Negotiator) newPeerConnection() error {
	pc, err := n.api.NewPeerConnection(webrtc.Configuration{ICEServers: n.cfg.ICEServers})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	if err := n.media.Attach(pc); err != nil {
		_ = pc.Close()
		return fmt.Errorf("attach local media: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		n.post(func() {
			if n.pc == pc {
				n.sendCandidate(c)
			}
		})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		n.post(func() {
			if n.pc == pc {
				n.onConnectionState(s)
			}
		})
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		n.post(func() {
			if n.pc == pc {
				n.mon.ObserveICEConnectionState(s)
			}
		})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		n.post(func() {
			if n.pc == pc {
				n.remote.AddTrack(track.Kind(), track.ID(), track.StreamID())
			}
		})
		go n.drain(pc, track)
	})

	n.pc = pc
	return nil
}

// drain reads the remote track so pion's buffers never fill, and drops the
// track from the merged stream once it ends.
func (n *Negotiator) drain(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			break
		}
	}
	n.post(func() {
		if n.pc == pc {
			n.remote.RemoveTrack(track.ID())
		}
	})
}

func (n *Negotiator) handle(msg models.SignalingMessage) {
	if n.closed {
		return
	}

	switch msg.Type {
	case models.SignalTypeParticipantJoined, models.SignalTypeParticipantLeft:
		if !n.seen.Seen(msg.ID) {
			n.onPresence()
		}
		return
	}

	// The relay will not deliver it again, so keep it for Start.
	if n.pc == nil {
		n.logger.Debug().Str("type", string(msg.Type)).Msg("Signal before start, held")
		n.early = append(n.early, msg)
		return
	}
	if n.seen.Seen(msg.ID) {
		return
	}
	if !n.acceptSender(msg.SenderID) {
		return
	}

	switch msg.Type {
	case models.SignalTypeOffer:
		n.handleOffer(msg)
	case models.SignalTypeAnswer:
		n.handleAnswer(msg)
	case models.SignalTypeICECandidate:
		n.handleCandidate(msg)
	}
}

// acceptSender binds the session to the first remote participant that
// negotiates. A different sender is only accepted once the bound one has
// left the room.
func (n *Negotiator) acceptSender(sender string) bool {
	if n.remoteID == sender {
		return true
	}
	if n.remoteID == "" {
		n.remoteID = sender
		n.remoteSeen = n.isPresent(sender)
		return true
	}
	if !n.remoteGone() {
		n.logger.Warn().Str("sender", sender).Str("remote", n.remoteID).Msg("Ignoring signal from third participant")
		return false
	}
	n.logger.Info().Str("sender", sender).Str("previous", n.remoteID).Msg("Peer replaced, starting over")
	if err := n.resetPeer(); err != nil {
		n.mon.Fail(err)
		return false
	}
	n.remoteID = sender
	n.remoteSeen = n.isPresent(sender)
	return true
}

func (n *Negotiator) handleOffer(msg models.SignalingMessage) {
	sd, err := msg.SessionDescription()
	if err != nil || sd.SDP == "" {
		n.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Malformed offer")
		return
	}
	if n.mon.State() == monitor.StateConnected {
		n.logger.Debug().Str("msg_id", msg.ID).Msg("Offer while connected, ignored")
		return
	}

	if n.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if !n.polite() {
			n.logger.Info().Str("msg_id", msg.ID).Msg("Glare: keeping local offer")
			return
		}
		n.logger.Info().Str("msg_id", msg.ID).Msg("Glare: rolling back local offer")
		if err := n.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			n.logFailure(err, "Rollback failed")
			return
		}
		n.offerSent = false
		n.stats.Rollbacks++
	}

	n.offerReceived = true
	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sd.SDP}); err != nil {
		n.logFailure(err, "Failed to apply remote offer")
		return
	}
	n.flushCandidates()

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		n.logFailure(err, "Failed to create answer")
		return
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		n.logFailure(err, "Failed to apply local answer")
		return
	}
	if n.publish(models.SignalTypeAnswer, models.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}) {
		n.stats.AnswersSent++
	}
	n.armTimer()
}

func (n *Negotiator) handleAnswer(msg models.SignalingMessage) {
	sd, err := msg.SessionDescription()
	if err != nil || sd.SDP == "" {
		n.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Malformed answer")
		return
	}

	switch n.pc.SignalingState() {
	case webrtc.SignalingStateHaveLocalOffer, webrtc.SignalingStateStable:
	default:
		n.logger.Debug().Str("state", n.pc.SignalingState().String()).Msg("Answer in unexpected state, ignored")
		return
	}
	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sd.SDP}); err != nil {
		n.logFailure(err, "Failed to apply remote answer")
		return
	}
	n.flushCandidates()
}

func (n *Negotiator) handleCandidate(msg models.SignalingMessage) {
	c, err := msg.ICECandidate()
	if err != nil {
		n.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Malformed candidate")
		return
	}
	init := toPion(c)

	if n.pc.RemoteDescription() == nil {
		n.pending.push(init)
		n.stats.CandidatesQueued++
		return
	}
	n.addCandidate(init)
}

func (n *Negotiator) flushCandidates() {
	queued := n.pending.take()
	if len(queued) > 0 {
		n.logger.Debug().Int("count", len(queued)).Msg("Flushing queued candidates")
	}
	for _, c := range queued {
		n.addCandidate(c)
	}
}

func (n *Negotiator) addCandidate(c webrtc.ICECandidateInit) {
	if err := n.pc.AddICECandidate(c); err != nil {
		n.logFailure(err, "Failed to add ICE candidate")
		return
	}
	if c.Candidate != "" {
		n.stats.CandidatesAdded++
	}
}

func (n *Negotiator) sendCandidate(c *webrtc.ICECandidate) {
	if n.publish(models.SignalTypeICECandidate, fromPion(c)) && c != nil {
		n.stats.CandidatesSent++
	}
}

// onPresence offers when this side is due to, and bounds the attempt once a
// peer is around.
func (n *Negotiator) onPresence() {
	if n.closed || n.pc == nil {
		return
	}
	if n.remoteGone() {
		n.peerLeft()
		return
	}
	if !n.peerPresent() {
		return
	}
	n.armTimer()
	if n.shouldOffer() {
		n.sendOffer(false)
	}
}

func (n *Negotiator) shouldOffer() bool {
	if n.offerSent || n.offerReceived || !n.peerPresent() {
		return false
	}
	if n.cfg.Role == RoleAnyone {
		return true
	}
	for _, p := range n.presence.Participants() {
		if p.ID < n.cfg.ParticipantID {
			return false
		}
	}
	return true
}

// polite is the side that yields on glare: the one that is not the
// designated offerer.
func (n *Negotiator) polite() bool {
	return n.remoteID != "" && n.cfg.ParticipantID > n.remoteID
}

func (n *Negotiator) sendOffer(iceRestart bool) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := n.pc.CreateOffer(opts)
	if err != nil {
		n.logFailure(err, "Failed to create offer")
		return
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		n.logFailure(err, "Failed to apply local offer")
		return
	}
	n.offerSent = true
	if n.publish(models.SignalTypeOffer, models.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}) {
		n.stats.OffersSent++
		n.logger.Info().Bool("ice_restart", iceRestart).Msg("Offer sent")
	}
}

func (n *Negotiator) onConnectionState(s webrtc.PeerConnectionState) {
	n.mon.ObservePeerConnectionState(s)
	if n.mon.State() == monitor.StateConnected {
		n.stopTimer()
		n.attempt = 0
	}
}

func (n *Negotiator) peerPresent() bool {
	for _, p := range n.presence.Participants() {
		if p.ID != n.cfg.ParticipantID {
			return true
		}
	}
	return false
}

// remoteGone reports whether the bound peer was seen in the room and is no
// longer there. A peer whose first signal beats its presence entry is not
// gone.
func (n *Negotiator) remoteGone() bool {
	if n.remoteID == "" {
		return false
	}
	if n.isPresent(n.remoteID) {
		n.remoteSeen = true
		return false
	}
	return n.remoteSeen
}

func (n *Negotiator) isPresent(id string) bool {
	for _, p := range n.presence.Participants() {
		if p.ID == id {
			return true
		}
	}
	return false
}

// peerLeft drops the dead connection and waits for the next peer with a
// fresh one.
func (n *Negotiator) peerLeft() {
	if n.remoteID == "" {
		return
	}
	n.logger.Info().Str("remote", n.remoteID).Msg("Peer left")
	if err := n.resetPeer(); err != nil {
		n.mon.Fail(err)
		return
	}
	n.onPresence()
}

func (n *Negotiator) resetPeer() error {
	n.stopTimer()
	old := n.pc
	n.pc = nil
	if old != nil {
		go old.Close()
	}
	n.media.Detach()
	n.remote.Reset()

	n.offerSent = false
	n.offerReceived = false
	n.remoteID = ""
	n.remoteSeen = false
	n.pending = candidateQueue{}
	n.attempt = 0
	n.mon.Renegotiate()

	return n.newPeerConnection()
}

func (n *Negotiator) armTimer() {
	if n.timer != nil || n.mon.State() == monitor.StateConnected {
		return
	}
	n.timerGen++
	gen := n.timerGen
	n.timer = time.AfterFunc(n.cfg.Timeout, func() {
		n.post(func() {
			if gen == n.timerGen {
				n.onTimeout()
			}
		})
	})
}

func (n *Negotiator) stopTimer() {
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.timerGen++
}

func (n *Negotiator) onTimeout() {
	n.timer = nil
	switch n.mon.State() {
	case monitor.StateConnected, monitor.StateFailed, monitor.StateClosed:
		return
	}

	n.attempt++
	if n.attempt > n.cfg.MaxRetries {
		n.logger.Error().Int("attempts", n.attempt).Msg("Negotiation did not complete")
		n.mon.Fail(ErrNegotiationTimeout)
		return
	}

	delay := backoff(n.cfg.BackoffBase, n.cfg.BackoffMax, n.attempt)
	n.logger.Warn().Int("attempt", n.attempt).Dur("backoff", delay).Msg("Negotiation timed out, retrying")
	gen := n.timerGen
	n.timer = time.AfterFunc(delay, func() {
		n.post(func() {
			if gen == n.timerGen {
				n.retry()
			}
		})
	})
}

func (n *Negotiator) retry() {
	n.timer = nil
	if n.closed || n.pc == nil || n.mon.State() == monitor.StateConnected {
		return
	}
	n.stats.Retries++
	if n.offerer() {
		n.sendOffer(true)
	}
	n.armTimer()
}

// offerer reports whether this side re-offers on retry: the side that sent
// the current offer, or the designated offerer when none was exchanged.
func (n *Negotiator) offerer() bool {
	if n.offerSent {
		return true
	}
	if n.offerReceived {
		return false
	}
	return n.peerPresent() && (n.cfg.Role == RoleAnyone || n.shouldOffer())
}

// backoff doubles base per attempt, capped at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

func (n *Negotiator) publish(t models.SignalType, payload any) bool {
	msg, err := models.NewMessage(t, payload)
	if err != nil {
		n.logger.Error().Err(err).Msg("Failed to encode signal")
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := n.pub.Publish(ctx, msg); err != nil {
		n.logger.Error().Err(err).Str("type", string(t)).Msg("Failed to publish signal")
		if n.cfg.OnSignalingError != nil {
			n.cfg.OnSignalingError(err)
		}
		return false
	}
	return true
}

func (n *Negotiator) logFailure(err error, msg string) {
	if isBenign(err) {
		n.logger.Debug().Err(err).Msg(msg + " (ignored)")
		return
	}
	n.logger.Error().Err(err).Msg(msg)
}
