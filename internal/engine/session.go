package engine

import (
	"context"
	"fmt"
	"log"

	"marketview/internal/chart"
	"marketview/internal/marketdata/agg"
	"marketview/internal/marketdata/history"
	"marketview/internal/model"
)

// StartSession switches to (instrument, tf) and returns the new session.
// The previous subscription is closed, the active indicators are cleared,
// the surface is emptied and the historical load starts. Work still in
// flight for the previous session is left to finish and then dropped.
func (e *Engine) StartSession(instrument string, tf model.Timeframe) (model.Session, error) {
	if instrument == "" {
		return model.Session{}, fmt.Errorf("start session: empty instrument")
	}
	if !tf.Valid() {
		return model.Session{}, fmt.Errorf("start session: invalid timeframe %q", tf)
	}

	var s model.Session
	err := e.do(func(ctx context.Context) error {
		s = e.startSession(ctx, instrument, tf)
		return nil
	})
	return s, err
}

func (e *Engine) startSession(ctx context.Context, instrument string, tf model.Timeframe) model.Session {
	if e.stream != nil {
		e.deps.Feed.Unsubscribe(e.stream)
		e.stream = nil
	}

	s := e.sessions.Start(instrument, tf)
	if e.hooks.OnSession != nil {
		e.hooks.OnSession(s)
	}

	e.series = agg.NewSeries(tf.BucketWidth())
	e.series.OnDroppedTick = e.hooks.OnDroppedTick
	e.series.OnBarClosed = func(b model.Bar) { e.barClosed(s, b) }
	e.loaded = false
	e.info = nil
	e.active = nil

	if err := e.sync.Clear(s.Token); err != nil {
		log.Printf("[engine] clear surface: %v", err)
	}

	e.transition(s.Token, model.StateLoading)
	e.loadAsync(ctx, s)
	return e.sessions.Current()
}

// Reload retries the historical load of the current session, e.g. after
// it ended in the Error state.
func (e *Engine) Reload() error {
	return e.do(func(ctx context.Context) error {
		s := e.sessions.Current()
		if s.Token == 0 {
			return fmt.Errorf("reload: no session")
		}
		if s.State != model.StateError {
			return fmt.Errorf("reload: session is %s", s.State)
		}
		e.transition(s.Token, model.StateLoading)
		e.loadAsync(ctx, s)
		return nil
	})
}

func (e *Engine) loadAsync(ctx context.Context, s model.Session) {
	go func() {
		snap, err := e.deps.Loader.Load(ctx, s.Instrument, s.Timeframe)
		e.post(func(ctx context.Context) { e.applyLoad(ctx, s, snap, err) })
	}()
}

func (e *Engine) applyLoad(ctx context.Context, s model.Session, snap history.Snapshot, err error) {
	if !e.sessions.IsCurrent(s.Token) {
		e.stale("historical", s.Token)
		return
	}
	if err != nil {
		log.Printf("[engine] %s: historical load failed: %v", e.logTag(ctx), err)
		e.transition(s.Token, model.StateError)
		e.reportError(err)
		return
	}

	e.seed(snap)
	e.resync()

	stream, err := e.deps.Feed.Subscribe(ctx, s.Instrument, s.Timeframe, s.Token)
	if err != nil {
		log.Printf("[engine] %s: live feed unavailable: %v", e.logTag(ctx), err)
		e.transition(s.Token, model.StateHistoricalOnly)
		e.reportError(err)
		return
	}
	e.stream = stream
	e.transition(s.Token, model.StateLive)
	log.Printf("[engine] %s: live with %d bars", e.logTag(ctx), len(snap.Bars))
}

// seed installs a snapshot and rebuilds the live indicator trackers.
func (e *Engine) seed(snap history.Snapshot) {
	e.series.Seed(snap.Bars)
	e.loaded = true
	if snap.Info != nil {
		e.info = snap.Info
	}
	e.dropTrackers()
}

// resync pushes the desired series of the current session to the surface.
func (e *Engine) resync() {
	if !e.loaded {
		return
	}
	token := e.sessions.CurrentToken()
	e.ensureTrackers()
	desired := chart.Desired(e.series.Bars(), e.chartType, e.showVolume, e.ready())
	if err := e.sync.Sync(token, desired); err != nil {
		log.Printf("[engine] sync: %v", err)
	}
}

func (e *Engine) barClosed(s model.Session, b model.Bar) {
	cb := model.ClosedBar{Instrument: s.Instrument, Timeframe: s.Timeframe, Session: s.Token, Bar: b}
	for _, a := range e.active {
		if a.tracker != nil {
			a.tracker.Close(b)
		}
	}
	if e.hooks.OnBarClosed != nil {
		e.hooks.OnBarClosed(cb)
	}
	if e.deps.Sink == nil {
		return
	}
	select {
	case e.deps.Sink <- cb:
	default:
		if e.hooks.OnSinkDrop != nil {
			e.hooks.OnSinkDrop(cb)
		} else {
			log.Printf("[engine] sink full, dropping closed bar %s", cb.Key())
		}
	}
}

// SetChartType changes how the price series is drawn.
func (e *Engine) SetChartType(ct chart.ChartType) error {
	if _, err := chart.ParseChartType(string(ct)); err != nil {
		return err
	}
	return e.do(func(context.Context) error {
		e.chartType = ct
		e.resync()
		return nil
	})
}

// SetVolume shows or hides the volume series.
func (e *Engine) SetVolume(show bool) error {
	return e.do(func(context.Context) error {
		e.showVolume = show
		e.resync()
		return nil
	})
}

// View is a consistent copy of what the engine currently shows.
type View struct {
	Session    model.Session         `json:"session"`
	Info       *model.InstrumentInfo `json:"info,omitempty"`
	ChartType  chart.ChartType       `json:"chart_type"`
	ShowVolume bool                  `json:"show_volume"`
	Active     []string              `json:"active"`
	Loading    []string              `json:"loading,omitempty"`
	Connected  bool                  `json:"connected"`
	Series     []chart.Series        `json:"series"`
}

// View returns the current view.
func (e *Engine) View() (View, error) {
	var v View
	err := e.do(func(context.Context) error {
		v = View{
			Session:    e.sessions.Current(),
			ChartType:  e.chartType,
			ShowVolume: e.showVolume,
			Connected:  e.sessions.Current().State == model.StateLive,
			Series:     e.sync.Current(),
		}
		if e.info != nil {
			info := *e.info
			v.Info = &info
		}
		for _, a := range e.active {
			v.Active = append(v.Active, a.spec.ID)
			if a.data == nil {
				v.Loading = append(v.Loading, a.spec.ID)
			}
		}
		return nil
	})
	return v, err
}
