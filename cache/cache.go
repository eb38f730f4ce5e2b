/*
Package cache provides the short-TTL read cache in front of rollup queries.

PURPOSE:
  A load-shedding layer, not a source of truth. Entries expire after a
  short TTL (default 90s) and the whole tenant prefix is dropped after any
  recompute, so readers never see stale data past one TTL window.

DESIGN:
  - Backed by an expirable LRU (hashicorp/golang-lru); eviction by TTL or
    capacity, whichever hits first
  - InvalidateByPrefix walks current keys; coarse per-tenant invalidation
    keeps the write path simple
  - Nop implements the same interface as "always miss": an unavailable
    cache must never fail a request

SEE ALSO:
  - key.go: deterministic key construction
  - dashboard/facade.go: the only consumer
*/
package cache

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultTTL bounds staleness of served entries.
const DefaultTTL = 90 * time.Second

// DefaultMaxEntries bounds cache memory; oldest entries evict first.
const DefaultMaxEntries = 4096

// Entry is one cached payload with its generation timestamp. GeneratedAt
// is surfaced to consumers in the response envelope.
type Entry struct {
	Data        any
	GeneratedAt time.Time
}

// Cache is the read-cache contract the query facade depends on.
type Cache interface {
	Get(key string) (Entry, bool)
	Set(key string, e Entry)
	InvalidateByPrefix(prefix string)
}

// =============================================================================
// TTL CACHE
// =============================================================================

// TTLCache is the in-process implementation backed by an expirable LRU.
type TTLCache struct {
	lru *expirable.LRU[string, Entry]
}

// New creates a TTL cache. Non-positive ttl or maxEntries fall back to the
// defaults.
func New(ttl time.Duration, maxEntries int) *TTLCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &TTLCache{lru: expirable.NewLRU[string, Entry](maxEntries, nil, ttl)}
}

func (c *TTLCache) Get(key string) (Entry, bool) {
	return c.lru.Get(key)
}

func (c *TTLCache) Set(key string, e Entry) {
	if e.GeneratedAt.IsZero() {
		e.GeneratedAt = time.Now().UTC()
	}
	c.lru.Add(key, e)
}

// InvalidateByPrefix removes every entry whose key starts with prefix.
func (c *TTLCache) InvalidateByPrefix(prefix string) {
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
		}
	}
}

// Len returns the current entry count (for tests and metrics).
func (c *TTLCache) Len() int { return c.lru.Len() }

// =============================================================================
// NOP CACHE
// =============================================================================

// Nop is the always-miss cache used when no backing store is available.
type Nop struct{}

func (Nop) Get(string) (Entry, bool)  { return Entry{}, false }
func (Nop) Set(string, Entry)         {}
func (Nop) InvalidateByPrefix(string) {}
