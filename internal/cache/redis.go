// Package cache keeps recent call results in Redis so hits can skip the
// document store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "fnexec:call:"

// Entry is a cached call result.
type Entry struct {
	Output    any       `json:"output"`
	Reasoning string    `json:"reasoning,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Redis stores entries keyed by call fingerprint.
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis connects to redisURL. Entries expire after ttl.
func NewRedis(ctx context.Context, redisURL string, ttl time.Duration, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("Redis connected", zap.String("addr", opts.Addr))
	return &Redis{rdb: rdb, ttl: ttl, logger: logger}, nil
}

// Get returns the entry for fingerprint, or nil when there is none.
func (c *Redis) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	raw, err := c.rdb.Get(ctx, keyPrefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", fingerprint, err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", fingerprint, err)
	}
	return &e, nil
}

// Set stores e for fingerprint. A zero ttl uses the default.
func (c *Redis) Set(ctx context.Context, fingerprint string, e *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", fingerprint, err)
	}
	if err := c.rdb.Set(ctx, keyPrefix+fingerprint, data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", fingerprint, err)
	}
	c.logger.Debug("cached call result", zap.String("fingerprint", fingerprint), zap.Duration("ttl", ttl))
	return nil
}

// Close releases the client.
func (c *Redis) Close() error {
	return c.rdb.Close()
}
