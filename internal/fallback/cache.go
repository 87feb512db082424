// Package fallback provides the bounded, TTL-aware cache that serves
// degraded reads while a service's circuit is open.
//
// Expired entries are deliberately not purged on read: during an outage a
// stale task list beats no task list. They stay servable until LRU pressure
// or the periodic sweep removes them. Only idempotent read operations are
// cached, and a successful mutation synchronously invalidates the entries
// it touches.
package fallback

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nerio-ai/taskgate/internal/metrics"
)

// Entry is one cached read result. Immutable once stored; a newer read for
// the same key replaces it wholesale.
type Entry struct {
	Key      string
	Value    json.RawMessage
	StoredAt time.Time
	TTL      time.Duration
}

// Expired reports whether the entry is past its freshness window at now.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.StoredAt.Add(e.TTL))
}

// Cache is a process-lifetime LRU cache of backend read responses.
// Safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	lru        *lru.Cache[string, Entry]
	defaultTTL time.Duration
	recorder   *metrics.Recorder
	logger     *slog.Logger
}

// New creates a Cache holding at most capacity entries with the given
// default TTL.
func New(capacity int, defaultTTL time.Duration, recorder *metrics.Recorder, logger *slog.Logger) (*Cache, error) {
	c := &Cache{
		defaultTTL: defaultTTL,
		recorder:   recorder,
		logger:     logger,
	}
	inner, err := lru.NewWithEvict(capacity, func(string, Entry) {
		recorder.RecordCacheEviction()
	})
	if err != nil {
		return nil, err
	}
	c.lru = inner
	return c, nil
}

// Get returns the entry for key, expired or not — the caller decides what
// staleness means for its request. The second return is false on a miss.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.recorder.RecordCacheMiss()
		return Entry{}, false
	}
	c.recorder.RecordCacheHit()
	return e, true
}

// Set stores value under key. A non-positive ttl uses the cache default.
func (c *Cache) Set(key string, value json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Add(key, Entry{
		Key:      key,
		Value:    value,
		StoredAt: time.Now(),
		TTL:      ttl,
	})
	c.recorder.SetCacheSize(c.lru.Len())
}

// Invalidate removes the entry for key, if present.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Remove(key)
	c.recorder.SetCacheSize(c.lru.Len())
}

// InvalidatePrefix removes every entry whose key starts with prefix.
// Mutations use this to drop the list-query entries that may include the
// mutated resource.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
			removed++
		}
	}
	c.recorder.SetCacheSize(c.lru.Len())
	return removed
}

// EvictExpired removes every expired entry and returns how many were removed.
func (c *Cache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var removed int
	for _, key := range c.lru.Keys() {
		// Peek so the sweep doesn't refresh recency.
		if e, ok := c.lru.Peek(key); ok && e.Expired(now) {
			c.lru.Remove(key)
			removed++
		}
	}
	c.recorder.SetCacheSize(c.lru.Len())
	return removed
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// SweepLoop runs EvictExpired every interval until ctx is cancelled.
func (c *Cache) SweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.EvictExpired(); n > 0 && c.logger != nil {
				c.logger.Debug("cache sweep evicted expired entries", "count", n)
			}
		}
	}
}
