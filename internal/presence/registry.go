package presence

import (
	"context"
	"sync"
	"time"

	"github.com/paulomaciel91/cactosaude-sub003/internal/models"
	"github.com/rs/zerolog"
)

// Publisher is the part of the signaling relay the registry needs.
type Publisher interface {
	Publish(ctx context.Context, msg models.SignalingMessage) (models.SignalingMessage, error)
}

type Options struct {
	RoomID           string
	ParticipantID    string
	AnnounceInterval time.Duration
	TTL              time.Duration
	Logger           zerolog.Logger
	Now              func() time.Time
}

// Registry tracks who is in the room. The local participant heartbeats into
// the shared store every AnnounceInterval; entries not refreshed within TTL
// are dropped, so a crashed peer disappears without a leave message.
type Registry struct {
	store  Store
	pub    Publisher
	opts   Options
	logger zerolog.Logger

	mu           sync.Mutex
	participants []models.ParticipantRef
	handlers     []func(int)
	joined       bool
	gen          uint64
	cancel       context.CancelFunc
	done         chan struct{}

	refreshMu sync.Mutex
}

func NewRegistry(store Store, pub Publisher, opts Options) *Registry {
	if opts.AnnounceInterval <= 0 {
		opts.AnnounceInterval = time.Second
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * opts.AnnounceInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		store: store,
		pub:   pub,
		opts:  opts,
		logger: opts.Logger.With().
			Str("module", "presence").
			Str("room", opts.RoomID).
			Str("participant", opts.ParticipantID).
			Logger(),
	}
}

// OnCountChanged registers fn to run whenever the number of live
// participants changes. Handlers run on the goroutine that noticed the
// change and must not block.
func (r *Registry) OnCountChanged(fn func(int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, fn)
}

// AnnounceJoin writes the first heartbeat, tells the peer, and starts the
// periodic re-announce. If the first write fails the heartbeat keeps
// retrying it and the error is returned.
func (r *Registry) AnnounceJoin(ctx context.Context) error {
	r.mu.Lock()
	if r.joined {
		r.mu.Unlock()
		return nil
	}
	r.joined = true
	r.gen++
	gen := r.gen
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancel, r.done = cancel, done
	r.mu.Unlock()

	go r.heartbeat(loopCtx, done)

	// AnnounceLeave cancels loopCtx, which aborts a write still in flight.
	joinCtx, stop := context.WithCancel(ctx)
	defer stop()
	defer context.AfterFunc(loopCtx, stop)()

	err := r.store.Touch(joinCtx, r.opts.RoomID, r.opts.ParticipantID, r.opts.Now())
	if current, rejoined := r.current(gen); !current {
		if rejoined {
			return nil
		}
		// Left meanwhile. The leave's Remove may have run before this
		// write landed, so remove again.
		rmCtx, rmCancel := context.WithTimeout(context.Background(), r.opts.AnnounceInterval)
		defer rmCancel()
		if rmErr := r.store.Remove(rmCtx, r.opts.RoomID, r.opts.ParticipantID); rmErr != nil {
			r.logger.Warn().Err(rmErr).Msg("Failed to remove presence entry, it will expire")
		}
		return nil
	}
	if err != nil {
		return err
	}
	r.announce(ctx, models.SignalTypeParticipantJoined)

	r.logger.Info().Msg("Joined room")
	_, err = r.Refresh(ctx)
	return err
}

// AnnounceLeave stops heartbeating and removes the local entry. Calling it
// without a prior join, or twice, does nothing. It may run while
// AnnounceJoin is still in progress.
func (r *Registry) AnnounceLeave(ctx context.Context) error {
	r.mu.Lock()
	if !r.joined {
		r.mu.Unlock()
		return nil
	}
	r.joined = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done

	err := r.store.Remove(ctx, r.opts.RoomID, r.opts.ParticipantID)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to remove presence entry, it will expire")
	}
	r.announce(ctx, models.SignalTypeParticipantLeft)

	r.refreshMu.Lock()
	r.update(nil)
	r.refreshMu.Unlock()

	r.logger.Info().Msg("Left room")
	return err
}

// current reports whether the join numbered gen has not been left, and
// whether a later join has taken over the entry.
func (r *Registry) current(gen uint64) (current, rejoined bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joined && r.gen == gen, r.joined && r.gen != gen
}

func (r *Registry) CurrentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

func (r *Registry) Participants() []models.ParticipantRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ParticipantRef, len(r.participants))
	copy(out, r.participants)
	return out
}

// HandleSignal reacts to presence messages from the relay with an
// immediate recount instead of waiting for the next heartbeat.
func (r *Registry) HandleSignal(msg models.SignalingMessage) {
	switch msg.Type {
	case models.SignalTypeParticipantJoined, models.SignalTypeParticipantLeft:
	default:
		return
	}
	r.mu.Lock()
	joined := r.joined
	r.mu.Unlock()
	if !joined {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.AnnounceInterval)
	defer cancel()
	if _, err := r.Refresh(ctx); err != nil {
		r.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("Recount after presence message failed")
	}
}

// Refresh reads the live set from the store and fires count handlers if
// the count changed.
func (r *Registry) Refresh(ctx context.Context) (int, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	live, err := r.store.Live(ctx, r.opts.RoomID, r.opts.Now(), r.opts.TTL)
	if err != nil {
		return r.CurrentCount(), err
	}

	r.mu.Lock()
	joined := r.joined
	r.mu.Unlock()
	if !joined {
		live = nil
	}
	r.update(live)
	return len(live), nil
}

func (r *Registry) update(live []models.ParticipantRef) {
	r.mu.Lock()
	prev := len(r.participants)
	r.participants = live
	handlers := append([]func(int){}, r.handlers...)
	r.mu.Unlock()

	if n := len(live); n != prev {
		r.logger.Debug().Int("count", n).Int("previous", prev).Msg("Participant count changed")
		for _, fn := range handlers {
			fn(n)
		}
	}
}

func (r *Registry) heartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.opts.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, r.opts.AnnounceInterval)
			if err := r.store.Touch(tickCtx, r.opts.RoomID, r.opts.ParticipantID, r.opts.Now()); err != nil {
				r.logger.Warn().Err(err).Msg("Heartbeat failed")
			}
			if _, err := r.Refresh(tickCtx); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("Presence refresh failed")
			}
			cancel()
		}
	}
}

func (r *Registry) announce(ctx context.Context, t models.SignalType) {
	if r.pub == nil {
		return
	}
	msg, err := models.NewMessage(t, models.Presence{ParticipantID: r.opts.ParticipantID})
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to build presence message")
		return
	}
	if _, err := r.pub.Publish(ctx, msg); err != nil {
		// Presence still propagates through the shared store.
		r.logger.Warn().Err(err).Str("type", string(t)).Msg("Presence announcement not published")
	}
}
