package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"orb-trader/internal/models"
)

// RedisPublisher publishes breakout events on a Redis channel and keeps the
// latest event per symbol under a key.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	prefix  string
	ttl     time.Duration
}

// RedisConfig configures a RedisPublisher.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Channel == "" {
		cfg.Channel = "orb:breakouts"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.Ping(pingCtx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	return newRedisPublisher(client, cfg.Channel), nil
}

func newRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{
		client:  client,
		channel: channel,
		prefix:  "orb:breakout:",
		ttl:     24 * time.Hour,
	}
}

// Channel returns the publish channel.
func (p *RedisPublisher) Channel() string {
	return p.channel
}

// Record publishes the event and stores it as the symbol's latest breakout.
func (p *RedisPublisher) Record(ctx context.Context, event models.BreakoutEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode breakout: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, p.prefix+event.Symbol, payload, p.ttl)
	pipe.Publish(ctx, p.channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish breakout: %w", err)
	}
	return nil
}

// Latest returns the most recent breakout stored for symbol, or nil.
func (p *RedisPublisher) Latest(ctx context.Context, symbol string) (*models.BreakoutEvent, error) {
	data, err := p.client.Get(ctx, p.prefix+symbol).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read breakout: %w", err)
	}

	var event models.BreakoutEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to decode breakout: %w", err)
	}
	return &event, nil
}

// Close closes the Redis client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
