package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/paulomaciel91/cactosaude-sub003/internal/models"
	rediskeys "github.com/paulomaciel91/cactosaude-sub003/internal/redis"
	"github.com/redis/go-redis/v9"
)

// Store is the presence set shared by the participants of a room. Entries
// older than ttl are expired by Live.
type Store interface {
	Touch(ctx context.Context, roomID, participantID string, at time.Time) error
	Remove(ctx context.Context, roomID, participantID string) error
	Live(ctx context.Context, roomID string, now time.Time, ttl time.Duration) ([]models.ParticipantRef, error)
}

type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]map[string]time.Time)}
}

func (s *MemoryStore) Touch(_ context.Context, roomID, participantID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		room = make(map[string]time.Time)
		s.rooms[roomID] = room
	}
	room[participantID] = at
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, roomID, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room, ok := s.rooms[roomID]; ok {
		delete(room, participantID)
		if len(room) == 0 {
			delete(s.rooms, roomID)
		}
	}
	return nil
}

func (s *MemoryStore) Live(_ context.Context, roomID string, now time.Time, ttl time.Duration) ([]models.ParticipantRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.rooms[roomID]
	out := make([]models.ParticipantRef, 0, len(room))
	for id, seen := range room {
		if now.Sub(seen) > ttl {
			delete(room, id)
			continue
		}
		out = append(out, models.ParticipantRef{ID: id, LastSeen: seen})
	}
	sortRefs(out)
	return out, nil
}

// RedisStore keeps presence in a sorted set scored by last-seen time in
// milliseconds.
type RedisStore struct {
	client *redis.Client
	keyTTL time.Duration
}

func NewRedisStore(client *redis.Client, keyTTL time.Duration) *RedisStore {
	return &RedisStore{client: client, keyTTL: keyTTL}
}

func (s *RedisStore) Touch(ctx context.Context, roomID, participantID string, at time.Time) error {
	key := rediskeys.PresenceKey(roomID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: participantID})
		if s.keyTTL > 0 {
			pipe.Expire(ctx, key, s.keyTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, roomID, participantID string) error {
	if err := s.client.ZRem(ctx, rediskeys.PresenceKey(roomID), participantID).Err(); err != nil {
		return fmt.Errorf("remove presence: %w", err)
	}
	return nil
}

func (s *RedisStore) Live(ctx context.Context, roomID string, now time.Time, ttl time.Duration) ([]models.ParticipantRef, error) {
	key := rediskeys.PresenceKey(roomID)
	cutoff := now.Add(-ttl).UnixMilli()

	// Exclusive bound: an entry exactly ttl old is still live.
	if err := s.client.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return nil, fmt.Errorf("expire presence: %w", err)
	}
	entries, err := s.client.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence: %w", err)
	}

	out := make([]models.ParticipantRef, 0, len(entries))
	for _, z := range entries {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, models.ParticipantRef{ID: id, LastSeen: time.UnixMilli(int64(z.Score))})
	}
	sortRefs(out)
	return out, nil
}

func sortRefs(refs []models.ParticipantRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
}
