// Package cache is the fleet-shared key-value layer behind the session store.
//
// Two backends are provided: Redis for multi-node deployments and an
// in-process map for single-node installs and tests. Both honour per-key TTLs
// and report missing keys with ErrMiss.
package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspot/pkg/clock"
)

// ErrMiss is returned when a key does not exist or has expired.
var ErrMiss = errors.New("cache: miss")

// Cache is the subset of key-value operations the core relies on.
type Cache interface {
	// Get returns the value stored under key or ErrMiss.
	Get(ctx context.Context, key string) (string, error)

	// PutIndexed writes value under primary and points every index key at
	// owner, all with the same TTL, as one logical update. Unless claim is
	// set, an index key already held by a different owner is left alone.
	PutIndexed(ctx context.Context, primary, value, owner string, indexes []string, claim bool, ttl time.Duration) error

	// SetNX writes key only if it does not already exist.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Expire re-arms the TTL of every existing key.
	Expire(ctx context.Context, ttl time.Duration, keys ...string) error

	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// DeleteIfValue removes each key whose current value equals value.
	DeleteIfValue(ctx context.Context, value string, keys ...string) error

	// TTL returns the remaining lifetime of key or ErrMiss.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// KeysWithPrefix lists live keys beginning with prefix.
	KeysWithPrefix(ctx context.Context, prefix string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Config selects and tunes the cache backend.
type Config struct {
	// Addr is the Redis host:port. Empty selects the in-memory backend.
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Username string        `mapstructure:"username" yaml:"username"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db" validate:"gte=0"`
	PoolSize int           `mapstructure:"pool_size" yaml:"pool_size" validate:"gte=0"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"` // dial, read and write timeout
}

// DefaultConfig returns in-memory defaults with a conservative Redis timeout.
func DefaultConfig() Config {
	return Config{
		PoolSize: 20,
		Timeout:  200 * time.Millisecond,
	}
}

// New returns a Redis cache when an address is configured, otherwise an
// in-memory cache driven by clk.
func New(ctx context.Context, cfg Config, clk clock.Clock, logger *zap.Logger) (Cache, error) {
	if cfg.Addr == "" {
		logger.Info("Using in-memory session cache")
		return NewMemoryCache(clk), nil
	}

	rc, err := NewRedisCache(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("Using Redis session cache",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
	)
	return rc, nil
}
