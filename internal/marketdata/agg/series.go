package agg

import (
	"time"

	"marketview/internal/model"
)

// Series holds the bar sequence of one session.
//
// Seeded bars are settled: the live feed never merges into them. The first
// live tick opens a bar; if that bar has the same timestamp as the last
// settled bar it supersedes it, and ticks older than the last settled bar
// are dropped. From then on the last bar is the open bar and ApplyTick rules
// apply. Not safe for concurrent use; the engine loop owns it.
type Series struct {
	width time.Duration
	bars  []model.Bar
	open  bool // last bar is the live, still-forming bar

	// Hooks (optional)
	OnDroppedTick func(t model.Tick)
	OnBarClosed   func(b model.Bar)
}

// NewSeries creates an empty series for the given bucket width.
func NewSeries(width time.Duration) *Series {
	return &Series{width: width}
}

// Width returns the bucket width.
func (s *Series) Width() time.Duration { return s.width }

// Seed replaces the series with a normalized historical snapshot.
func (s *Series) Seed(bars []model.Bar) {
	s.bars = make([]model.Bar, len(bars), len(bars)+16)
	copy(s.bars, bars)
	s.open = false
}

// Reset discards all bars.
func (s *Series) Reset() {
	s.bars = nil
	s.open = false
}

// Apply feeds one tick and returns the touched bar and what happened.
// On Dropped the returned bar is the unchanged open bar (zero if none).
func (s *Series) Apply(tick model.Tick) (model.Bar, Action) {
	if !s.open {
		return s.openFirst(tick)
	}

	last := len(s.bars) - 1
	b, act := ApplyTick(&s.bars[last], tick, s.width)
	switch act {
	case Dropped:
		s.dropped(tick)
	case Updated:
		s.bars[last] = b
	case Opened:
		closed := s.bars[last]
		s.bars = append(s.bars, b)
		if s.OnBarClosed != nil {
			s.OnBarClosed(closed)
		}
	}
	return b, act
}

func (s *Series) openFirst(tick model.Tick) (model.Bar, Action) {
	b, act := ApplyTick(nil, tick, s.width)
	if act == Dropped {
		s.dropped(tick)
		return model.Bar{}, Dropped
	}

	n := len(s.bars)
	if n > 0 {
		settled := s.bars[n-1]
		if b.Time.Before(settled.Time) {
			s.dropped(tick)
			return model.Bar{}, Dropped
		}
		if b.Time.Equal(settled.Time) {
			s.bars[n-1] = b
			s.open = true
			return b, Opened
		}
	}
	s.bars = append(s.bars, b)
	s.open = true
	return b, Opened
}

func (s *Series) dropped(t model.Tick) {
	if s.OnDroppedTick != nil {
		s.OnDroppedTick(t)
	}
}

// Bars returns a copy of the bar sequence.
func (s *Series) Bars() []model.Bar {
	out := make([]model.Bar, len(s.bars))
	copy(out, s.bars)
	return out
}

// Len returns the number of bars.
func (s *Series) Len() int { return len(s.bars) }

// Last returns the most recent bar.
func (s *Series) Last() (model.Bar, bool) {
	if len(s.bars) == 0 {
		return model.Bar{}, false
	}
	return s.bars[len(s.bars)-1], true
}

// Live reports whether the last bar is being formed by the live feed.
func (s *Series) Live() bool { return s.open }
