// Package cache is a TTL cache of indicator series keyed by
// (instrument, type, period, timeframe).
//
// Expired entries are evicted lazily when read; nothing sweeps in the
// background. There is no size bound: entries go away on expiry or on
// explicit Invalidate/InvalidateAll.
package cache

import (
	"sync"
	"time"

	"marketview/internal/model"
)

// DefaultTTL is how long a fetched series stays valid.
const DefaultTTL = 5 * time.Minute

// Entry is one cached series.
type Entry struct {
	Key       model.IndicatorKey
	Data      model.IndicatorSeries
	FetchedAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[model.IndicatorKey]Entry

	// invalidation counters; see Generation
	genAll  uint64
	genInst map[string]uint64

	// Hooks (optional)
	OnHit   func(key model.IndicatorKey)
	OnMiss  func(key model.IndicatorKey)
	OnEvict func(key model.IndicatorKey)
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache. ttl <= 0 selects DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[model.IndicatorKey]Entry),
		genInst: make(map[string]uint64),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// TTL returns the configured time-to-live.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the series for key if present and younger than the TTL.
// An expired entry is removed and reported as absent.
func (c *Cache) Get(key model.IndicatorKey) (model.IndicatorSeries, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && c.now().Sub(e.FetchedAt) >= c.ttl {
		delete(c.entries, key)
		c.mu.Unlock()
		if c.OnEvict != nil {
			c.OnEvict(key)
		}
		if c.OnMiss != nil {
			c.OnMiss(key)
		}
		return model.IndicatorSeries{}, false
	}
	c.mu.Unlock()

	if !ok {
		if c.OnMiss != nil {
			c.OnMiss(key)
		}
		return model.IndicatorSeries{}, false
	}
	if c.OnHit != nil {
		c.OnHit(key)
	}
	return e.Data, true
}

// Put stores series under key, replacing any previous entry.
func (c *Cache) Put(key model.IndicatorKey, series model.IndicatorSeries) {
	c.mu.Lock()
	c.entries[key] = Entry{Key: key, Data: series, FetchedAt: c.now()}
	c.mu.Unlock()
}

// Generation returns a value that changes whenever an invalidation covers
// key. Read it before a fetch and pass it to PutIfCurrent.
func (c *Cache) Generation(key model.IndicatorKey) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.genAll + c.genInst[key.Instrument]
}

// PutIfCurrent stores series unless key was invalidated since gen was read.
func (c *Cache) PutIfCurrent(key model.IndicatorKey, series model.IndicatorSeries, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.genAll+c.genInst[key.Instrument] != gen {
		return false
	}
	c.entries[key] = Entry{Key: key, Data: series, FetchedAt: c.now()}
	return true
}

// Invalidate removes every entry for instrument and returns how many were removed.
func (c *Cache) Invalidate(instrument string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.genInst[instrument]++
	n := 0
	for k := range c.entries {
		if k.Instrument == instrument {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// InvalidateAll empties the cache and returns how many entries were removed.
func (c *Cache) InvalidateAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.genAll++
	n := len(c.entries)
	c.entries = make(map[model.IndicatorKey]Entry)
	return n
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
