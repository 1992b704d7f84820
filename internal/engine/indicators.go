package engine

import (
	"context"
	"fmt"
	"log"

	"marketview/internal/chart"
	"marketview/internal/indicator/calc"
	"marketview/internal/model"
)

// ToggleIndicator turns the catalogue indicator id on or off for the
// current session and reports whether it is now active. Turning it on
// starts a fetch; if that fetch fails the indicator reverts to inactive
// and the error goes to OnError.
func (e *Engine) ToggleIndicator(id string) (bool, error) {
	spec, ok := model.LookupIndicator(id)
	if !ok {
		return false, fmt.Errorf("unknown indicator %q", id)
	}
	var on bool
	err := e.do(func(ctx context.Context) error {
		s := e.sessions.Current()
		if s.Token == 0 {
			return fmt.Errorf("toggle %s: no session", id)
		}
		if i := e.indexOf(id); i >= 0 {
			e.active = append(e.active[:i], e.active[i+1:]...)
			e.resync()
			return nil
		}
		e.active = append(e.active, &active{spec: spec})
		e.fetchAsync(ctx, s, spec)
		on = true
		return nil
	})
	return on, err
}

func (e *Engine) fetchAsync(ctx context.Context, s model.Session, spec model.IndicatorSpec) {
	key := spec.Key(s.Instrument, s.Timeframe)
	go func() {
		series, err := e.deps.Fetcher.Fetch(ctx, key)
		e.post(func(context.Context) { e.applyFetch(s.Token, spec, series, err) })
	}()
}

func (e *Engine) applyFetch(token uint64, spec model.IndicatorSpec, series model.IndicatorSeries, err error) {
	if !e.sessions.IsCurrent(token) {
		e.stale("indicator", token)
		return
	}
	i := e.indexOf(spec.ID)
	if i < 0 || e.active[i].data != nil {
		// Toggled off (or off and on again) while this fetch was in flight
		e.stale("indicator", token)
		return
	}
	if err != nil {
		log.Printf("[engine] indicator %s failed, deactivating: %v", spec.ID, err)
		e.active = append(e.active[:i], e.active[i+1:]...)
		e.reportError(err)
		return
	}
	data := cloneSeries(series)
	e.active[i].data = &data
	e.resync()
}

// ClearCache drops cached indicator series for instrument, or everything
// when instrument is empty, and returns how many entries were removed.
func (e *Engine) ClearCache(instrument string) int {
	if e.deps.Cache == nil {
		return 0
	}
	if instrument == "" {
		return e.deps.Cache.InvalidateAll()
	}
	return e.deps.Cache.Invalidate(instrument)
}

// ActiveIndicators returns the IDs of the active indicators in toggle order.
func (e *Engine) ActiveIndicators() ([]string, error) {
	var ids []string
	err := e.do(func(context.Context) error {
		for _, a := range e.active {
			ids = append(ids, a.spec.ID)
		}
		return nil
	})
	return ids, err
}

func (e *Engine) indexOf(id string) int {
	for i, a := range e.active {
		if a.spec.ID == id {
			return i
		}
	}
	return -1
}

// ready returns the active indicators whose data has arrived.
func (e *Engine) ready() []chart.Indicator {
	out := make([]chart.Indicator, 0, len(e.active))
	for _, a := range e.active {
		if a.data != nil {
			out = append(out, chart.Indicator{Spec: a.spec, Data: *a.data})
		}
	}
	return out
}

// ensureTrackers builds live trackers for indicators that have data but no
// tracker yet, priming them with the settled bars.
func (e *Engine) ensureTrackers() {
	if !e.cfg.LiveIndicators || !e.loaded {
		return
	}
	var settled []model.Bar
	for _, a := range e.active {
		if a.data == nil || a.tracker != nil {
			continue
		}
		if settled == nil {
			settled = e.series.Bars()
			if e.series.Live() && len(settled) > 0 {
				settled = settled[:len(settled)-1]
			}
		}
		t, err := calc.NewTracker(a.data.Key, settled)
		if err != nil {
			log.Printf("[engine] no live tracking for %s: %v", a.spec.ID, err)
			continue
		}
		a.tracker = t
	}
}

func (e *Engine) dropTrackers() {
	for _, a := range e.active {
		a.tracker = nil
	}
}

// rebuildTrackers primes fresh trackers from the current settled bars.
func (e *Engine) rebuildTrackers() {
	e.dropTrackers()
	e.ensureTrackers()
}

// extendIndicators pushes the forming point of every tracked indicator
// for the open bar.
func (e *Engine) extendIndicators(token uint64, bar model.Bar) {
	for _, a := range e.active {
		if a.tracker == nil || a.data == nil {
			continue
		}
		p, lines := a.tracker.Forming(bar)
		for _, ls := range a.spec.Lines {
			pt := p
			if ls.Name != "" {
				var ok bool
				if pt, ok = lines[ls.Name]; !ok {
					continue
				}
			}
			a.data.Upsert(ls.Name, pt)
			if err := e.sync.UpdatePoint(token, a.spec.SeriesID(ls), pt); err != nil {
				log.Printf("[engine] indicator update %s: %v", a.spec.SeriesID(ls), err)
			}
		}
	}
}

func cloneSeries(s model.IndicatorSeries) model.IndicatorSeries {
	out := model.IndicatorSeries{Key: s.Key, Points: append([]model.Point(nil), s.Points...)}
	if s.Lines != nil {
		out.Lines = make(map[string][]model.Point, len(s.Lines))
		for k, v := range s.Lines {
			out.Lines[k] = append([]model.Point(nil), v...)
		}
	}
	return out
}
