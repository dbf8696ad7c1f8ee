// Package ratelimit implements fixed-window request counters shared across
// gateway processes, and the rule-based limiter built on them.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore is an atomic fixed-window counter.
//
// The first Increment for a key starts its window; later increments inside
// the window never move the reset time. Implementations must be safe for
// concurrent use.
type CounterStore interface {
	// Increment adds one to key and returns the new count and when the window resets.
	Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)
	// Peek returns the current count without modifying it. Missing keys count zero.
	Peek(ctx context.Context, key string) (int64, error)
	// Close releases background resources.
	Close() error
}

// RedisConfig selects and configures the distributed backend.
type RedisConfig struct {
	// Addr is host:port. Empty selects the in-process store.
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	Timeout  time.Duration `yaml:"timeout"`
}

const defaultDialTimeout = 2 * time.Second

// NewCounterStore returns a RedisStore when cfg.Addr is set and reachable,
// and a MemoryStore otherwise.
func NewCounterStore(ctx context.Context, cfg RedisConfig, logger *slog.Logger) CounterStore {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		logger.Info("counter_store_selected", "backend", "memory")
		return NewMemoryStore(logger)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("counter_store_fallback",
			"backend", "memory",
			"redis_addr", cfg.Addr,
			"error", err,
		)
		_ = client.Close()
		return NewMemoryStore(logger)
	}

	logger.Info("counter_store_selected", "backend", "redis", "redis_addr", cfg.Addr)
	return NewRedisStore(client, cfg.Prefix)
}
