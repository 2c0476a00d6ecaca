package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/paulomaciel91/cactosaude-sub003/internal/models"
	rediskeys "github.com/paulomaciel91/cactosaude-sub003/internal/redis"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisLog stores a room's messages in a Redis list trimmed to the most
// recent Cap entries.
type RedisLog struct {
	client *redis.Client
	key    string
	cap    int
	ttl    time.Duration
	logger zerolog.Logger
}

func NewRedisLog(client *redis.Client, roomID string, capacity int, ttl time.Duration, logger zerolog.Logger) *RedisLog {
	return &RedisLog{
		client: client,
		key:    rediskeys.SignalLogKey(roomID),
		cap:    capacity,
		ttl:    ttl,
		logger: logger,
	}
}

func (l *RedisLog) Append(ctx context.Context, msg models.SignalingMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, l.key, data)
		pipe.LTrim(ctx, l.key, int64(-l.cap), -1)
		if l.ttl > 0 {
			pipe.Expire(ctx, l.key, l.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append to %s: %w", l.key, err)
	}
	return nil
}

func (l *RedisLog) Read(ctx context.Context) ([]models.SignalingMessage, error) {
	raw, err := l.client.LRange(ctx, l.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", l.key, err)
	}

	out := make([]models.SignalingMessage, 0, len(raw))
	for _, entry := range raw {
		var msg models.SignalingMessage
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			l.logger.Warn().Err(err).Str("key", l.key).Msg("Skipping corrupted log entry")
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// RedisBroadcaster uses Redis pub/sub so participants in different processes
// get messages without waiting for the next poll.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
}

func NewRedisBroadcaster(client *redis.Client, roomID string, logger zerolog.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		client:  client,
		channel: rediskeys.SignalChannel(roomID),
		logger:  logger,
	}
}

func (b *RedisBroadcaster) Broadcast(ctx context.Context, msg models.SignalingMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

func (b *RedisBroadcaster) Listen(fn func(models.SignalingMessage)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, b.channel)

	// Wait for the subscription to be confirmed so nothing published after
	// Listen returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range pubsub.Channel() {
			var msg models.SignalingMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.logger.Warn().Err(err).Str("channel", b.channel).Msg("Dropping malformed broadcast")
				continue
			}
			fn(msg)
		}
	}()

	return func() {
		cancel()
		_ = pubsub.Close()
		<-done
	}, nil
}

// RedisBackend builds Redis-backed logs and broadcasters.
type RedisBackend struct {
	Client *redis.Client
	Cap    int
	TTL    time.Duration
	Logger zerolog.Logger
}

func (b *RedisBackend) Log(roomID string) Log {
	return NewRedisLog(b.Client, roomID, b.Cap, b.TTL, b.Logger)
}

func (b *RedisBackend) Broadcaster(roomID string) Broadcaster {
	return NewRedisBroadcaster(b.Client, roomID, b.Logger)
}
