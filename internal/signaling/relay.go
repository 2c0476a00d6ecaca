package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulomaciel91/cactosaude-sub003/internal/models"
	"github.com/rs/zerolog"
)

var (
	// ErrSignalingUnavailable is returned by Publish when the shared log
	// rejected the message. Callers surface it to the user.
	ErrSignalingUnavailable = errors.New("signaling unavailable")
	ErrRelayClosed          = errors.New("relay closed")
)

// Handler receives every message published by the other participants of the
// room, at most once per subscription.
type Handler interface {
	HandleSignal(msg models.SignalingMessage)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(models.SignalingMessage)

func (f HandlerFunc) HandleSignal(msg models.SignalingMessage) { f(msg) }

type Options struct {
	RoomID        string
	ParticipantID string
	PollInterval  time.Duration
	DedupSize     int
	// Messages published more than StaleAfter before the relay started are
	// treated as leftovers of earlier attempts and never delivered.
	StaleAfter time.Duration
	Logger     zerolog.Logger
}

const inboxSize = 256

type subscription struct {
	handler Handler
	dedup   *Deduper
}

// Relay is an at-least-once pub/sub channel between the participants of one
// room. Messages travel two paths: a synchronous broadcast and a periodic
// scan of the shared log. Subscribers see each message id once.
type Relay struct {
	log    Log
	bus    Broadcaster
	opts   Options
	logger zerolog.Logger
	since  int64

	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
	closed bool

	inbox      chan models.SignalingMessage
	stopListen func()
	cancel     context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
}

// NewRelay attaches to the room's broadcaster and starts the poll loop.
func NewRelay(log Log, bus Broadcaster, opts Options) *Relay {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = 256
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		log:  log,
		bus:  bus,
		opts: opts,
		logger: opts.Logger.With().
			Str("module", "signaling").
			Str("room", opts.RoomID).
			Str("participant", opts.ParticipantID).
			Logger(),
		since:  time.Now().Add(-opts.StaleAfter).UnixMilli(),
		subs:   make(map[int]*subscription),
		inbox:  make(chan models.SignalingMessage, inboxSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	stop, err := bus.Listen(r.enqueue)
	if err != nil {
		// The poll path alone still delivers everything.
		r.logger.Warn().Err(err).Msg("Broadcast path unavailable, relying on log polling")
		stop = func() {}
	}
	r.stopListen = stop

	go r.loop(ctx)
	return r
}

// Publish stamps msg with a fresh id, the local sender id and the current
// time, appends it to the shared log and broadcasts it.
func (r *Relay) Publish(ctx context.Context, msg models.SignalingMessage) (models.SignalingMessage, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return msg, ErrRelayClosed
	}
	if !msg.Type.Valid() {
		return msg, fmt.Errorf("unknown message type %q", msg.Type)
	}

	msg.ID = uuid.NewString()
	msg.SenderID = r.opts.ParticipantID
	msg.Timestamp = time.Now().UnixMilli()

	if err := r.log.Append(ctx, msg); err != nil {
		r.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("Failed to append to signaling log")
		return msg, fmt.Errorf("%w: %w", ErrSignalingUnavailable, err)
	}

	if err := r.bus.Broadcast(ctx, msg); err != nil {
		r.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Broadcast failed, log poll will deliver")
	}

	r.logger.Debug().Str("msg_id", msg.ID).Str("type", string(msg.Type)).Msg("Published")
	return msg, nil
}

// Subscribe registers h. The returned function removes it.
func (r *Relay) Subscribe(h Handler) func() {
	dedup, err := NewDeduper(r.opts.DedupSize)
	if err != nil {
		// Only fails for a non-positive size, which NewRelay rules out.
		panic(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return func() {}
	}
	id := r.nextID
	r.nextID++
	r.subs[id] = &subscription{handler: h, dedup: dedup}

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Close stops both delivery paths. It is safe to call more than once.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.subs = map[int]*subscription{}
		r.mu.Unlock()

		r.stopListen()
		r.cancel()
		<-r.done
		r.logger.Debug().Msg("Relay closed")
	})
	return nil
}

// enqueue never blocks the publisher. A dropped message is picked up again
// by the next log scan.
func (r *Relay) enqueue(msg models.SignalingMessage) {
	select {
	case r.inbox <- msg:
	default:
		r.logger.Warn().Str("msg_id", msg.ID).Msg("Inbox full, deferring to log poll")
	}
}

func (r *Relay) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	r.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.inbox:
			r.dispatch(msg)
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Relay) poll(ctx context.Context) {
	readCtx, cancel := context.WithTimeout(ctx, r.opts.PollInterval*4)
	defer cancel()

	msgs, err := r.log.Read(readCtx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("Signaling log poll failed")
		}
		return
	}
	for _, msg := range msgs {
		r.dispatch(msg)
	}
}

func (r *Relay) dispatch(msg models.SignalingMessage) {
	if msg.SenderID == r.opts.ParticipantID || msg.Timestamp < r.since {
		return
	}

	r.mu.Lock()
	targets := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		targets = append(targets, s)
	}
	r.mu.Unlock()

	for _, s := range targets {
		if s.dedup.Seen(msg.ID) {
			continue
		}
		s.handler.HandleSignal(msg)
	}
}
