package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codelaboratoryltd/hotspot/pkg/clock"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryCache implements Cache in process memory. Expiry is evaluated lazily
// against the injected clock.
type MemoryCache struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache(clk clock.Clock) *MemoryCache {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryCache{
		clock:   clk,
		entries: make(map[string]memoryEntry),
	}
}

func (c *MemoryCache) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.clock.Now().Add(ttl)
}

// lookup returns a live entry, evicting it if expired. Caller holds mu.
func (c *MemoryCache) lookup(key string) (memoryEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if e.expired(c.clock.Now()) {
		delete(c.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

// Get returns the value for key.
func (c *MemoryCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lookup(key)
	if !ok {
		return "", ErrMiss
	}
	return e.value, nil
}

// PutIndexed writes the primary and its index keys under one lock.
func (c *MemoryCache) PutIndexed(_ context.Context, primary, value, owner string, indexes []string, claim bool, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	exp := c.deadline(ttl)
	c.entries[primary] = memoryEntry{value: value, expiresAt: exp}
	for _, key := range indexes {
		if e, ok := c.lookup(key); ok && !claim && e.value != owner {
			continue
		}
		c.entries[key] = memoryEntry{value: owner, expiresAt: exp}
	}
	return nil
}

// SetNX sets key if absent.
func (c *MemoryCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.lookup(key); ok {
		return false, nil
	}
	c.entries[key] = memoryEntry{value: value, expiresAt: c.deadline(ttl)}
	return true, nil
}

// Expire re-arms TTLs of existing keys.
func (c *MemoryCache) Expire(_ context.Context, ttl time.Duration, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	exp := c.deadline(ttl)
	for _, key := range keys {
		if e, ok := c.lookup(key); ok {
			e.expiresAt = exp
			c.entries[key] = e
		}
	}
	return nil
}

// Delete removes keys.
func (c *MemoryCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}

// DeleteIfValue removes keys still holding value.
func (c *MemoryCache) DeleteIfValue(_ context.Context, value string, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		if e, ok := c.lookup(key); ok && e.value == value {
			delete(c.entries, key)
		}
	}
	return nil
}

// TTL returns the remaining lifetime of key.
func (c *MemoryCache) TTL(_ context.Context, key string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lookup(key)
	if !ok {
		return 0, ErrMiss
	}
	if e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(c.clock.Now()), nil
}

// KeysWithPrefix lists live keys in lexical order.
func (c *MemoryCache) KeysWithPrefix(_ context.Context, prefix string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keys []string
	for key := range c.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := c.lookup(key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping always succeeds.
func (c *MemoryCache) Ping(context.Context) error { return nil }

// Close is a no-op.
func (c *MemoryCache) Close() error { return nil }

// Len returns the number of stored entries, including ones not yet evicted.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
