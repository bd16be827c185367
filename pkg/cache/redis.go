package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache on a Redis server shared by every node.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, cfg Config) (*RedisCache, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Client exposes the underlying client for publishers sharing the connection.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// Get returns the value for key.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// putIndexedScript sets KEYS[1] to ARGV[1] and each further key to the
// owner in ARGV[2], skipping keys held by another owner unless ARGV[4] is
// "1". ARGV[3] is the TTL in milliseconds, 0 for none.
var putIndexedScript = redis.NewScript(`
local function set(key, val)
  if tonumber(ARGV[3]) > 0 then
    redis.call('SET', key, val, 'PX', ARGV[3])
  else
    redis.call('SET', key, val)
  end
end
set(KEYS[1], ARGV[1])
for i = 2, #KEYS do
  local current = redis.call('GET', KEYS[i])
  if ARGV[4] == '1' or not current or current == ARGV[2] then
    set(KEYS[i], ARGV[2])
  end
end
return 1
`)

// deleteIfValueScript deletes each key whose value equals ARGV[1].
var deleteIfValueScript = redis.NewScript(`
local n = 0
for i = 1, #KEYS do
  if redis.call('GET', KEYS[i]) == ARGV[1] then
    n = n + redis.call('DEL', KEYS[i])
  end
end
return n
`)

// PutIndexed runs the whole write as one script so readers never observe a
// partial update and ownership checks cannot race another node.
func (c *RedisCache) PutIndexed(ctx context.Context, primary, value, owner string, indexes []string, claim bool, ttl time.Duration) error {
	keys := append([]string{primary}, indexes...)
	claimArg := "0"
	if claim {
		claimArg = "1"
	}
	var ms int64
	if ttl > 0 {
		ms = ttl.Milliseconds()
		if ms == 0 {
			ms = 1
		}
	}
	return putIndexedScript.Run(ctx, c.client, keys, value, owner, ms, claimArg).Err()
}

// SetNX sets key if absent.
func (c *RedisCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

// Expire re-arms the TTL on every key in one round trip.
func (c *RedisCache) Expire(ctx context.Context, ttl time.Duration, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	return err
}

// Delete removes keys.
func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// DeleteIfValue removes keys still holding value.
func (c *RedisCache) DeleteIfValue(ctx context.Context, value string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return deleteIfValueScript.Run(ctx, c.client, keys, value).Err()
}

// TTL returns the remaining lifetime of key. A key without expiry reports 0.
func (c *RedisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// go-redis reports -2 for a missing key and -1 for a key without expiry.
	switch {
	case ttl == -2:
		return 0, ErrMiss
	case ttl < 0:
		return 0, nil
	}
	return ttl, nil
}

// KeysWithPrefix walks the keyspace with SCAN.
func (c *RedisCache) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
