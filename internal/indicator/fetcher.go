// Package indicator fetches indicator series through the TTL cache.
//
// A Fetcher checks the cache first and only calls its Source on a miss.
// Concurrent misses for the same key share one Source call unless
// coalescing is disabled. Session-token checks are the caller's job.
package indicator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"marketview/internal/indicator/cache"
	"marketview/internal/model"
)

// Source produces an indicator series; mds.Client and calc.Source implement it.
type Source interface {
	Indicator(ctx context.Context, key model.IndicatorKey) (model.IndicatorSeries, error)
}

// FetchError reports a failed or malformed indicator fetch.
type FetchError struct {
	Key model.IndicatorKey
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch indicator %s: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher is safe for concurrent use.
type Fetcher struct {
	src      Source
	cache    *cache.Cache
	coalesce bool
	group    singleflight.Group

	mu       sync.Mutex
	inflight map[model.IndicatorKey]int

	// Optional hook, called after each Source call.
	OnRequest func(key model.IndicatorKey, d time.Duration, err error)
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithCoalescing turns in-flight request sharing on or off (default on).
func WithCoalescing(on bool) Option {
	return func(f *Fetcher) { f.coalesce = on }
}

// NewFetcher creates a Fetcher over src backed by c.
func NewFetcher(src Source, c *cache.Cache, opts ...Option) *Fetcher {
	f := &Fetcher{
		src:      src,
		cache:    c,
		coalesce: true,
		inflight: make(map[model.IndicatorKey]int),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Cache returns the backing cache.
func (f *Fetcher) Cache() *cache.Cache { return f.cache }

// Fetch returns the series for key, from the cache when fresh, otherwise
// from the Source (storing the result). Errors are *FetchError.
//
// A caller whose ctx ends stops waiting; a shared Source call keeps
// running for the remaining waiters and still fills the cache.
func (f *Fetcher) Fetch(ctx context.Context, key model.IndicatorKey) (model.IndicatorSeries, error) {
	if s, ok := f.cache.Get(key); ok {
		return s, nil
	}

	gen := f.cache.Generation(key)
	if !f.coalesce {
		return f.load(ctx, key, gen)
	}

	// Callers arriving after an invalidation must not join a call that
	// started before it.
	ch := f.group.DoChan(fmt.Sprintf("%s#%d", key, gen), func() (any, error) {
		return f.load(context.WithoutCancel(ctx), key, gen)
	})
	select {
	case <-ctx.Done():
		return model.IndicatorSeries{}, &FetchError{Key: key, Err: ctx.Err()}
	case r := <-ch:
		if r.Err != nil {
			return model.IndicatorSeries{}, r.Err
		}
		return r.Val.(model.IndicatorSeries), nil
	}
}

func (f *Fetcher) load(ctx context.Context, key model.IndicatorKey, gen uint64) (model.IndicatorSeries, error) {
	f.track(key, 1)
	defer f.track(key, -1)

	start := time.Now()
	s, err := f.src.Indicator(ctx, key)
	if err == nil {
		err = validate(s)
	}
	if f.OnRequest != nil {
		f.OnRequest(key, time.Since(start), err)
	}
	if err != nil {
		log.Printf("[indicator] fetch %s failed: %v", key, err)
		return model.IndicatorSeries{}, &FetchError{Key: key, Err: err}
	}

	s.Key = key
	if !f.cache.PutIfCurrent(key, s, gen) {
		log.Printf("[indicator] %s invalidated during fetch, not cached", key)
	}
	return s, nil
}

// validate rejects series whose points are not strictly increasing in time
// or whose secondary lines do not align with the primary line.
func validate(s model.IndicatorSeries) error {
	for i := 1; i < len(s.Points); i++ {
		if !s.Points[i].Time.After(s.Points[i-1].Time) {
			return fmt.Errorf("malformed series: point %d not after point %d", i, i-1)
		}
	}
	for name, line := range s.Lines {
		if len(line) != len(s.Points) {
			return fmt.Errorf("malformed series: line %q has %d points, want %d", name, len(line), len(s.Points))
		}
	}
	return nil
}

func (f *Fetcher) track(key model.IndicatorKey, d int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight[key] += d
	if f.inflight[key] <= 0 {
		delete(f.inflight, key)
	}
}

// Loading returns the number of Source calls currently in flight.
func (f *Fetcher) Loading() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.inflight {
		n += c
	}
	return n
}

// IsLoading reports whether a Source call for key is in flight.
func (f *Fetcher) IsLoading(key model.IndicatorKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight[key] > 0
}
