// Package cache provides byte caches for rendered page rasters.
package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrCacheMiss indicates a cache miss.
var ErrCacheMiss = errors.New("cache miss")

// Client defines the cache interface.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
	Close() error
}

// DefaultMaxBytes bounds a MemoryClient when no byte budget is given.
const DefaultMaxBytes int64 = 512 << 20

// MemoryClient implements an in-memory cache bounded by entry count and by
// the total size of stored values.
type MemoryClient struct {
	mu       sync.RWMutex
	data     map[string]cacheEntry
	maxSize  int
	maxBytes int64
	bytes    int64

	stop     chan struct{}
	stopOnce sync.Once
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryClient creates a new in-memory cache client holding at most
// maxSize entries and maxBytes of values.
func NewMemoryClient(maxSize int, maxBytes int64) *MemoryClient {
	if maxSize <= 0 {
		maxSize = 256
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	c := &MemoryClient{
		data:     make(map[string]cacheEntry),
		maxSize:  maxSize,
		maxBytes: maxBytes,
		stop:     make(chan struct{}),
	}

	go c.cleanup(time.Minute)

	return c
}

// Get retrieves a value from cache.
func (c *MemoryClient) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}

	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		return nil, ErrCacheMiss
	}

	return entry.value, nil
}

// Set stores a value in cache with TTL. A zero TTL never expires. A value
// larger than the whole byte budget is not stored.
func (c *MemoryClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.remove(key)
	size := int64(len(value))
	if size > c.maxBytes {
		return nil
	}

	for len(c.data) > 0 && (len(c.data) >= c.maxSize || c.bytes+size > c.maxBytes) {
		c.evictOldest()
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: expiresAt,
	}
	c.bytes += size

	return nil
}

// Delete removes a value from cache.
func (c *MemoryClient) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.remove(key)
	return nil
}

// DeleteByPrefix removes all keys with the given prefix.
func (c *MemoryClient) DeleteByPrefix(ctx context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.data {
		if strings.HasPrefix(key, prefix) {
			c.remove(key)
		}
	}

	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryClient) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Bytes returns the total size of stored values.
func (c *MemoryClient) Bytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bytes
}

// Close stops the cleanup goroutine.
func (c *MemoryClient) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

// evictOldest removes the entry with the earliest expiration.
// Entries without expiration are evicted last.
func (c *MemoryClient) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.data {
		if oldestKey == "" {
			oldestKey, oldestTime = key, entry.expiresAt
			continue
		}
		if entry.expiresAt.IsZero() {
			continue
		}
		if oldestTime.IsZero() || entry.expiresAt.Before(oldestTime) {
			oldestKey, oldestTime = key, entry.expiresAt
		}
	}

	if oldestKey != "" {
		c.remove(oldestKey)
	}
}

// remove deletes key and releases its bytes. Callers hold mu.
func (c *MemoryClient) remove(key string) {
	if entry, ok := c.data[key]; ok {
		c.bytes -= int64(len(entry.value))
		delete(c.data, key)
	}
}

// cleanup periodically removes expired entries.
func (c *MemoryClient) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, entry := range c.data {
				if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
					c.remove(key)
				}
			}
			c.mu.Unlock()
		}
	}
}

// NopClient caches nothing.
type NopClient struct{}

func (NopClient) Get(context.Context, string) ([]byte, error)              { return nil, ErrCacheMiss }
func (NopClient) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (NopClient) Delete(context.Context, string) error                     { return nil }
func (NopClient) DeleteByPrefix(context.Context, string) error             { return nil }
func (NopClient) Close() error                                             { return nil }

// CacheKey generates a cache key from components.
func CacheKey(parts ...string) string {
	return strings.Join(parts, ":")
}
