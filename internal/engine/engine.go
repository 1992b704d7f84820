// Package engine ties the session manager, aggregator, loader, fetcher,
// live feed and synchronizer together.
//
// One goroutine (Run) owns all mutable state. Public methods post commands
// into it and wait for the answer. Historical loads and indicator fetches
// run in their own goroutines and post results back stamped with the
// session token they were started under; results whose token is no longer
// current are dropped. Feed events are read from the current subscription
// in delivery order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"marketview/internal/chart"
	"marketview/internal/feed"
	"marketview/internal/indicator/calc"
	"marketview/internal/logger"
	"marketview/internal/marketdata/agg"
	"marketview/internal/marketdata/history"
	"marketview/internal/model"
	"marketview/internal/session"
)

// ErrStale is returned to callers whose command or result belongs to a
// session that is no longer current. It is never surfaced through OnError.
var ErrStale = session.ErrStale

// ErrStopped is returned by commands issued after Run has returned.
var ErrStopped = errors.New("engine stopped")

// Loader loads historical snapshots; *history.Loader implements it.
type Loader interface {
	Load(ctx context.Context, instrument string, tf model.Timeframe) (history.Snapshot, error)
	FromPayload(instrument string, tf model.Timeframe, p *history.Payload) (history.Snapshot, error)
}

// Fetcher fetches indicator series; *indicator.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, key model.IndicatorKey) (model.IndicatorSeries, error)
}

// Cache is the explicit-invalidation side of the indicator cache.
type Cache interface {
	Invalidate(instrument string) int
	InvalidateAll() int
}

// Stream is an open feed subscription.
type Stream interface {
	Events() <-chan feed.Event
}

// Feed opens and closes the single live subscription. Use FeedAdapter to
// wrap a *feed.Adapter.
type Feed interface {
	Subscribe(ctx context.Context, instrument string, tf model.Timeframe, token uint64) (Stream, error)
	Unsubscribe(s Stream)
}

// Hooks are optional observers, all called on the engine goroutine.
type Hooks struct {
	OnSession     func(s model.Session)
	OnError       func(err error) // *history.LoadError, *indicator.FetchError, *feed.StreamError
	OnTick        func(t model.Tick)
	OnDroppedTick func(t model.Tick)
	OnStale       func(kind string)
	OnBarClosed   func(b model.ClosedBar)
	OnSinkDrop    func(b model.ClosedBar)
}

// Config holds engine options.
type Config struct {
	ChartType  chart.ChartType
	ShowVolume bool

	// LiveIndicators extends active indicator lines from the live bars.
	LiveIndicators bool
}

// Deps are the engine's collaborators. Sink is optional.
type Deps struct {
	Loader   Loader
	Fetcher  Fetcher
	Cache    Cache
	Feed     Feed
	Surface  chart.Surface
	Sessions *session.Manager

	// Sink receives closed bars. Sends never block; a full sink drops.
	Sink chan<- model.ClosedBar
}

// active is one toggled-on indicator. data is nil while its fetch is in flight.
type active struct {
	spec    model.IndicatorSpec
	data    *model.IndicatorSeries
	tracker *calc.Tracker
}

// Engine is created with New and driven by Run.
type Engine struct {
	cfg      Config
	deps     Deps
	sessions *session.Manager
	sync     *chart.Synchronizer
	hooks    Hooks

	cmds    chan func(ctx context.Context)
	results chan func(ctx context.Context)
	done    chan struct{}

	// loop-owned state
	series     *agg.Series
	loaded     bool
	info       *model.InstrumentInfo
	chartType  chart.ChartType
	showVolume bool
	active     []*active
	stream     Stream
}

// New creates an engine.
func New(cfg Config, deps Deps, hooks Hooks) (*Engine, error) {
	if deps.Loader == nil || deps.Fetcher == nil || deps.Feed == nil || deps.Surface == nil {
		return nil, fmt.Errorf("engine: loader, fetcher, feed and surface are required")
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewManager()
	}
	if cfg.ChartType == "" {
		cfg.ChartType = chart.Candlestick
	}
	e := &Engine{
		cfg:        cfg,
		deps:       deps,
		sessions:   deps.Sessions,
		sync:       chart.NewSynchronizer(deps.Surface),
		hooks:      hooks,
		cmds:       make(chan func(ctx context.Context)),
		results:    make(chan func(ctx context.Context), 64),
		done:       make(chan struct{}),
		chartType:  cfg.ChartType,
		showVolume: cfg.ShowVolume,
	}
	return e, nil
}

// Sessions returns the session manager (read-only use from other goroutines).
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Run processes commands, async results and feed events until ctx ends.
// It closes the live subscription on the way out.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	defer func() {
		if e.stream != nil {
			e.deps.Feed.Unsubscribe(e.stream)
			e.stream = nil
		}
	}()

	for {
		var events <-chan feed.Event
		if e.stream != nil {
			events = e.stream.Events()
		}

		select {
		case <-ctx.Done():
			return nil
		case cmd := <-e.cmds:
			cmd(ctx)
		case res := <-e.results:
			res(ctx)
		case ev, ok := <-events:
			if !ok {
				e.stream = nil
				continue
			}
			e.handleFeed(ev)
		}
	}
}

// do runs fn on the engine goroutine and waits for it.
func (e *Engine) do(fn func(ctx context.Context) error) error {
	errCh := make(chan error, 1)
	select {
	case e.cmds <- func(ctx context.Context) { errCh <- fn(ctx) }:
	case <-e.done:
		return ErrStopped
	}
	return <-errCh
}

// post queues an async result for the engine goroutine.
func (e *Engine) post(fn func(ctx context.Context)) {
	select {
	case e.results <- fn:
	case <-e.done:
	}
}

func (e *Engine) stale(kind string, token uint64) {
	log.Printf("[engine] dropped stale %s result (token %d, current %d)", kind, token, e.sessions.CurrentToken())
	if e.hooks.OnStale != nil {
		e.hooks.OnStale(kind)
	}
}

func (e *Engine) reportError(err error) {
	if e.hooks.OnError != nil {
		e.hooks.OnError(err)
	}
}

func (e *Engine) transition(token uint64, to model.SessionState) {
	if err := e.sessions.Transition(token, to); err != nil {
		if !errors.Is(err, ErrStale) {
			log.Printf("[engine] %v", err)
		}
		return
	}
	if e.hooks.OnSession != nil {
		e.hooks.OnSession(e.sessions.Current())
	}
}

func (e *Engine) logTag(ctx context.Context) string {
	return logger.Tag(e.sessions.Context(ctx))
}
