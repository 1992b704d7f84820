package calc

import (
	"time"

	"marketview/internal/model"
)

// Tracker keeps a streaming indicator in step with a live bar series so an
// indicator line can be extended as bars form and close. It is fed the
// settled bars once, then Close for each bar the live feed closes and
// Forming for the open bar. Not safe for concurrent use.
type Tracker struct {
	key  model.IndicatorKey
	ind  Indicator
	macd *MACD
	last time.Time // time of the last closed bar fed
}

// NewTracker creates a tracker for key primed with settled bars.
func NewTracker(key model.IndicatorKey, settled []model.Bar) (*Tracker, error) {
	ind, err := New(key.Type, key.Period)
	if err != nil {
		return nil, err
	}
	t := &Tracker{key: key, ind: ind}
	t.macd, _ = ind.(*MACD)
	for _, b := range settled {
		t.Close(b)
	}
	return t, nil
}

// Key returns the indicator key being tracked.
func (t *Tracker) Key() model.IndicatorKey { return t.key }

// Close feeds a closed bar. Bars at or before the last fed bar are ignored.
func (t *Tracker) Close(b model.Bar) {
	if !t.last.IsZero() && !b.Time.After(t.last) {
		return
	}
	t.ind.Update(b.Close)
	t.last = b.Time
}

// Forming returns the points the indicator would have if the open bar
// closed now: the primary line point and, for two-line indicators, the
// secondary line points by name.
func (t *Tracker) Forming(b model.Bar) (model.Point, map[string]model.Point) {
	p := model.Point{Time: b.Time, Value: t.ind.Peek(b.Close), Valid: t.readyAfterOne()}
	if t.macd == nil {
		return p, nil
	}
	sig := model.Point{Time: b.Time}
	if t.macd.Ready() {
		sig.Value = t.macd.PeekSignal(b.Close)
		sig.Valid = t.macd.signal.count+1 >= t.macd.signal.period
	}
	return p, map[string]model.Point{"signal": sig}
}

// readyAfterOne reports whether the indicator will be ready after one more close.
func (t *Tracker) readyAfterOne() bool {
	switch ind := t.ind.(type) {
	case *SMA:
		return ind.count+1 >= ind.period
	case *EMA:
		return ind.count+1 >= ind.period
	case *RSI:
		return ind.count+1 > ind.period
	case *MACD:
		return ind.fast.count+1 >= ind.fast.period && ind.slow.count+1 >= ind.slow.period
	}
	return t.ind.Ready()
}
