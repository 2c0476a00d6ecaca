package signaling

import (
	"context"
	"errors"
	"sync"

	"github.com/paulomaciel91/cactosaude-sub003/internal/models"
)

// Log is the durable log shared by both participants of a room. Append must
// keep only the most recent entries; Read returns them oldest first.
type Log interface {
	Append(ctx context.Context, msg models.SignalingMessage) error
	Read(ctx context.Context) ([]models.SignalingMessage, error)
}

// Broadcaster is the low latency delivery path. Delivery through it is best
// effort; the log poll covers anything it misses.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg models.SignalingMessage) error
	Listen(fn func(models.SignalingMessage)) (stop func(), err error)
}

// Backend hands out the log and broadcaster of a room.
type Backend interface {
	Log(roomID string) Log
	Broadcaster(roomID string) Broadcaster
}

var errBroadcasterClosed = errors.New("broadcaster closed")

// MemoryLog is a capped in-process log.
type MemoryLog struct {
	mu      sync.Mutex
	cap     int
	entries []models.SignalingMessage
}

func NewMemoryLog(capacity int) *MemoryLog {
	return &MemoryLog{cap: capacity}
}

func (l *MemoryLog) Append(_ context.Context, msg models.SignalingMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, msg)
	if over := len(l.entries) - l.cap; over > 0 {
		l.entries = append(l.entries[:0:0], l.entries[over:]...)
	}
	return nil
}

func (l *MemoryLog) Read(_ context.Context) ([]models.SignalingMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.SignalingMessage, len(l.entries))
	copy(out, l.entries)
	return out, nil
}

// LocalBroadcaster fans a message out synchronously to every listener in the
// same process.
type LocalBroadcaster struct {
	mu        sync.RWMutex
	next      int
	listeners map[int]func(models.SignalingMessage)
	closed    bool
}

func NewLocalBroadcaster() *LocalBroadcaster {
	return &LocalBroadcaster{listeners: make(map[int]func(models.SignalingMessage))}
}

func (b *LocalBroadcaster) Broadcast(_ context.Context, msg models.SignalingMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errBroadcasterClosed
	}
	for _, fn := range b.listeners {
		fn(msg)
	}
	return nil
}

func (b *LocalBroadcaster) Listen(fn func(models.SignalingMessage)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errBroadcasterClosed
	}
	id := b.next
	b.next++
	b.listeners[id] = fn

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}, nil
}

// Close drops all listeners; later broadcasts fail.
func (b *LocalBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.listeners = map[int]func(models.SignalingMessage){}
}

// MemoryBackend keeps one log and one broadcaster per room in process
// memory. Two sessions sharing a MemoryBackend can talk to each other.
type MemoryBackend struct {
	mu    sync.Mutex
	cap   int
	logs  map[string]*MemoryLog
	buses map[string]*LocalBroadcaster
}

func NewMemoryBackend(logCap int) *MemoryBackend {
	return &MemoryBackend{
		cap:   logCap,
		logs:  make(map[string]*MemoryLog),
		buses: make(map[string]*LocalBroadcaster),
	}
}

func (b *MemoryBackend) Log(roomID string) Log {
	return b.MemoryLog(roomID)
}

// MemoryLog returns the concrete log of a room, creating it on first use.
func (b *MemoryBackend) MemoryLog(roomID string) *MemoryLog {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.logs[roomID]
	if !ok {
		l = NewMemoryLog(b.cap)
		b.logs[roomID] = l
	}
	return l
}

func (b *MemoryBackend) Broadcaster(roomID string) Broadcaster {
	b.mu.Lock()
	defer b.mu.Unlock()

	bus, ok := b.buses[roomID]
	if !ok {
		bus = NewLocalBroadcaster()
		b.buses[roomID] = bus
	}
	return bus
}
