package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events on one Redis pub/sub channel.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	log     *slog.Logger
}

// NewRedisPublisher dials Redis and pings it, failing fast on bad
// configuration.
func NewRedisPublisher(addr, channel string, logger *slog.Logger) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisPublisher{
		rdb:     rdb,
		channel: channel,
		log:     logger.With("component", "RedisPublisher"),
	}, nil
}

// Publish implements Publisher. Marshal or publish failures are logged, not
// returned.
func (p *RedisPublisher) Publish(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		p.log.Error("Failed to encode event.", "action", e.Action, "err", err)
		return
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.log.Error("Failed to publish event.", "action", e.Action, "err", err)
	}
}

func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
