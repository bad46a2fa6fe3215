package esi

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrCacheMiss is returned by Cache.Get when no entry is retained.
var ErrCacheMiss = errors.New("esi: cache miss")

// RevalidateGrace is how long an expired entry that carries an ETag is
// retained so the next request can revalidate it with If-None-Match.
// Such entries are never returned as fresh data.
const RevalidateGrace = 10 * time.Minute

// CacheEntry is one cached GET response.
type CacheEntry struct {
	Data      json.RawMessage `json:"data"`
	ETag      string          `json:"etag,omitempty"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Live reports whether the entry may be served without a request.
func (e *CacheEntry) Live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// retainUntil is when a backend may drop the entry.
func (e *CacheEntry) retainUntil() time.Time {
	if e.ETag != "" {
		return e.ExpiresAt.Add(RevalidateGrace)
	}
	return e.ExpiresAt
}

// Cache stores gateway responses keyed by request fingerprint.
// Implementations must be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) (*CacheEntry, error)
	Set(ctx context.Context, key string, entry CacheEntry) error
	Delete(ctx context.Context, key string) error
}

type memoryEntry struct {
	entry  CacheEntry
	dropAt time.Time
}

// MemoryCache is an in-process Cache with a background janitor.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	clock   Clock

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates an in-memory cache with automatic cleanup.
// A nil clock means the wall clock.
func NewMemoryCache(clock Clock) *MemoryCache {
	if clock == nil {
		clock = SystemClock()
	}
	c := &MemoryCache{
		entries:         make(map[string]memoryEntry),
		clock:           clock,
		cleanupInterval: time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	go c.cleanup()
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) (*CacheEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.entries[key]
	if !ok || !c.clock.Now().Before(m.dropAt) {
		return nil, ErrCacheMiss
	}
	e := m.entry
	e.Data = append(json.RawMessage(nil), m.entry.Data...)
	return &e, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, entry CacheEntry) error {
	entry.Data = append(json.RawMessage(nil), entry.Data...)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{entry: entry, dropAt: entry.retainUntil()}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Len returns the number of retained entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the background cleanup goroutine.
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
	return nil
}

func (c *MemoryCache) cleanup() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *MemoryCache) removeExpired() {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, m := range c.entries {
		if !now.Before(m.dropAt) {
			delete(c.entries, key)
		}
	}
}
