package session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulomaciel91/cactosaude-sub003/internal/models"
	rdb "github.com/paulomaciel91/cactosaude-sub003/internal/redis"
	"github.com/redis/go-redis/v9"
)

// RoomTTL bounds how long a room and its signaling state live in Redis.
const RoomTTL = 24 * time.Hour

const (
	roomCodeLength = 6
	codeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0/O, 1/I
	joinPath       = "/telemedicina/sala/"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
)

// RoomStore keeps room metadata and the short join codes pointing at it.
type RoomStore interface {
	// Ensure returns the room with the given id or code, creating it when
	// roomID is empty or an unknown id. An unknown code is ErrRoomNotFound.
	Ensure(ctx context.Context, roomID, creatorID string) (room models.Session, created bool, err error)
	// Lookup resolves an id or a join code.
	Lookup(ctx context.Context, idOrCode string) (models.Session, error)
	Delete(ctx context.Context, roomID string) error
}

// JoinLink is the URL the other party opens to join roomID.
func JoinLink(baseURL, roomID string) string {
	return strings.TrimRight(baseURL, "/") + joinPath + roomID
}

func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}

func looksLikeCode(s string) bool {
	return len(s) == roomCodeLength
}

func newRoom(roomID, creatorID, baseURL string) models.Session {
	if roomID == "" {
		roomID = uuid.New().String()
	}
	return models.Session{
		ID:        roomID,
		Code:      generateRoomCode(),
		CreatorID: creatorID,
		CreatedAt: time.Now().UTC(),
		JoinLink:  JoinLink(baseURL, roomID),
	}
}

// RedisRoomStore stores "room:<id>" as JSON and "code:<code>" as the id,
// both expiring after a day.
type RedisRoomStore struct {
	client  *redis.Client
	baseURL string
	ttl     time.Duration
}

func NewRedisRoomStore(client *redis.Client, baseURL string) *RedisRoomStore {
	return &RedisRoomStore{client: client, baseURL: baseURL, ttl: RoomTTL}
}

func (s *RedisRoomStore) Ensure(ctx context.Context, roomID, creatorID string) (models.Session, bool, error) {
	if roomID != "" {
		room, err := s.Lookup(ctx, roomID)
		if err == nil {
			return room, false, nil
		}
		if !errors.Is(err, ErrRoomNotFound) || looksLikeCode(roomID) {
			return models.Session{}, false, err
		}
	}

	room := newRoom(roomID, creatorID, s.baseURL)
	data, err := json.Marshal(room)
	if err != nil {
		return models.Session{}, false, fmt.Errorf("encode room: %w", err)
	}

	ok, err := s.client.SetNX(ctx, rdb.RoomKey(room.ID), data, s.ttl).Result()
	if err != nil {
		return models.Session{}, false, fmt.Errorf("store room: %w", err)
	}
	if !ok {
		// Someone else created it in between.
		existing, err := s.Lookup(ctx, room.ID)
		return existing, false, err
	}
	if err := s.client.Set(ctx, rdb.CodeKey(room.Code), room.ID, s.ttl).Err(); err != nil {
		return models.Session{}, false, fmt.Errorf("store room code: %w", err)
	}
	return room, true, nil
}

func (s *RedisRoomStore) Lookup(ctx context.Context, idOrCode string) (models.Session, error) {
	roomID := idOrCode
	if looksLikeCode(idOrCode) {
		id, err := s.client.Get(ctx, rdb.CodeKey(strings.ToUpper(idOrCode))).Result()
		if rdb.IsNil(err) {
			return models.Session{}, ErrRoomNotFound
		}
		if err != nil {
			return models.Session{}, fmt.Errorf("resolve room code: %w", err)
		}
		roomID = id
	}

	data, err := s.client.Get(ctx, rdb.RoomKey(roomID)).Result()
	if rdb.IsNil(err) {
		return models.Session{}, ErrRoomNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("load room: %w", err)
	}

	var room models.Session
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return models.Session{}, fmt.Errorf("parse room data: %w", err)
	}
	return room, nil
}

// Delete removes the room with its code, signaling log and presence set.
func (s *RedisRoomStore) Delete(ctx context.Context, roomID string) error {
	room, err := s.Lookup(ctx, roomID)
	if err != nil {
		return err
	}
	return s.client.Del(ctx,
		rdb.RoomKey(room.ID),
		rdb.CodeKey(room.Code),
		rdb.SignalLogKey(room.ID),
		rdb.PresenceKey(room.ID),
	).Err()
}

// MemoryRoomStore is the single-process RoomStore.
type MemoryRoomStore struct {
	baseURL string

	mu    sync.Mutex
	rooms map[string]models.Session
	codes map[string]string
}

func NewMemoryRoomStore(baseURL string) *MemoryRoomStore {
	return &MemoryRoomStore{
		baseURL: baseURL,
		rooms:   make(map[string]models.Session),
		codes:   make(map[string]string),
	}
}

func (s *MemoryRoomStore) Ensure(_ context.Context, roomID, creatorID string) (models.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if roomID != "" {
		if room, ok := s.lookupLocked(roomID); ok {
			return room, false, nil
		}
		if looksLikeCode(roomID) {
			return models.Session{}, false, ErrRoomNotFound
		}
	}
	room := newRoom(roomID, creatorID, s.baseURL)
	s.rooms[room.ID] = room
	s.codes[room.Code] = room.ID
	return room, true, nil
}

func (s *MemoryRoomStore) Lookup(_ context.Context, idOrCode string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if room, ok := s.lookupLocked(idOrCode); ok {
		return room, nil
	}
	return models.Session{}, ErrRoomNotFound
}

func (s *MemoryRoomStore) lookupLocked(idOrCode string) (models.Session, bool) {
	if looksLikeCode(idOrCode) {
		if id, ok := s.codes[strings.ToUpper(idOrCode)]; ok {
			idOrCode = id
		}
	}
	room, ok := s.rooms[idOrCode]
	return room, ok
}

func (s *MemoryRoomStore) Delete(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.lookupLocked(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	delete(s.rooms, room.ID)
	delete(s.codes, room.Code)
	return nil
}
