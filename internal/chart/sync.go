package chart

import (
	"fmt"
	"log"

	"marketview/internal/model"
)

// OpKind is the kind of surface operation.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpUpdate OpKind = "update"
	OpRemove OpKind = "remove"
)

// Op is one surface operation.
//
// Add carries the style and full data. Update with Partial unset replaces
// the data; with Partial set each bar/point replaces the element with the
// same time or is appended after the last one. Remove carries only the ID.
type Op struct {
	Kind    OpKind        `json:"op"`
	ID      string        `json:"id"`
	Style   *Style        `json:"style,omitempty"`
	Bars    []model.Bar   `json:"bars,omitempty"`
	Points  []model.Point `json:"points,omitempty"`
	Partial bool          `json:"partial,omitempty"`
}

// Surface is the external render surface.
type Surface interface {
	Apply(ops []Op) error
}

// Reconcile returns the operations that turn current into desired:
// removals first, then adds and updates in desired order. A series whose
// style changed is removed and re-added.
func Reconcile(current, desired []Series) []Op {
	want := make(map[string]*Series, len(desired))
	for i := range desired {
		want[desired[i].ID] = &desired[i]
	}
	have := make(map[string]*Series, len(current))
	for i := range current {
		have[current[i].ID] = &current[i]
	}

	var ops []Op
	for i := range current {
		c := &current[i]
		d, ok := want[c.ID]
		if !ok || !c.Style.equal(d.Style) {
			ops = append(ops, Op{Kind: OpRemove, ID: c.ID})
		}
	}
	for i := range desired {
		d := &desired[i]
		c, ok := have[d.ID]
		switch {
		case !ok || !c.Style.equal(d.Style):
			ops = append(ops, addOp(d))
		case !c.sameData(d):
			ops = append(ops, Op{Kind: OpUpdate, ID: d.ID, Bars: d.Bars, Points: d.Points})
		}
	}
	return ops
}

// Rebuild returns operations that remove everything in current and add
// everything in desired, with no diffing.
func Rebuild(current, desired []Series) []Op {
	ops := make([]Op, 0, len(current)+len(desired))
	for i := range current {
		ops = append(ops, Op{Kind: OpRemove, ID: current[i].ID})
	}
	for i := range desired {
		ops = append(ops, addOp(&desired[i]))
	}
	return ops
}

func addOp(s *Series) Op {
	st := s.Style
	return Op{Kind: OpAdd, ID: s.ID, Style: &st, Bars: s.Bars, Points: s.Points}
}

// Synchronizer keeps a Surface matching the desired series of the current
// session. Not safe for concurrent use; the engine loop owns it.
type Synchronizer struct {
	surface Surface
	session uint64
	series  []Series
	index   map[string]int

	// Optional hook, called with every batch applied.
	OnApply func(session uint64, ops []Op)
}

// NewSynchronizer creates a synchronizer drawing on surface.
func NewSynchronizer(surface Surface) *Synchronizer {
	return &Synchronizer{surface: surface, index: map[string]int{}}
}

// Session returns the session the surface currently shows.
func (s *Synchronizer) Session() uint64 { return s.session }

// Current returns a copy of the series on the surface.
func (s *Synchronizer) Current() []Series {
	out := make([]Series, len(s.series))
	for i := range s.series {
		out[i] = s.series[i].clone()
	}
	return out
}

// Sync brings the surface to desired. When session differs from the one
// on the surface everything is torn down and rebuilt; otherwise only the
// difference is applied.
func (s *Synchronizer) Sync(session uint64, desired []Series) error {
	var ops []Op
	if session != s.session {
		ops = Rebuild(s.series, desired)
	} else {
		ops = Reconcile(s.series, desired)
	}

	next := make([]Series, len(desired))
	for i := range desired {
		next[i] = desired[i].clone()
	}
	if err := s.apply(session, ops); err != nil {
		return err
	}
	s.session = session
	s.setSeries(next)
	return nil
}

// Clear removes every series from the surface.
func (s *Synchronizer) Clear(session uint64) error {
	ops := Rebuild(s.series, nil)
	if err := s.apply(session, ops); err != nil {
		return err
	}
	s.session = session
	s.setSeries(nil)
	return nil
}

// UpdateBar pushes the bar touched by a tick to the price series and, if
// shown, the volume series.
func (s *Synchronizer) UpdateBar(session uint64, bar model.Bar) error {
	if session != s.session {
		return fmt.Errorf("update for session %d, surface shows %d", session, s.session)
	}
	var ops []Op
	var touched []int
	for _, id := range []string{PriceID, VolumeID} {
		i, ok := s.index[id]
		if !ok {
			continue
		}
		touched = append(touched, i)
		ops = append(ops, Op{Kind: OpUpdate, ID: id, Bars: []model.Bar{bar}, Partial: true})
	}
	if err := s.apply(session, ops); err != nil {
		return err
	}
	for _, i := range touched {
		s.series[i].Bars = upsertBar(s.series[i].Bars, bar)
	}
	return nil
}

// UpdatePoint pushes one point to an indicator series.
func (s *Synchronizer) UpdatePoint(session uint64, id string, p model.Point) error {
	if session != s.session {
		return fmt.Errorf("update for session %d, surface shows %d", session, s.session)
	}
	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("no series %q on surface", id)
	}
	if err := s.apply(session, []Op{{Kind: OpUpdate, ID: id, Points: []model.Point{p}, Partial: true}}); err != nil {
		return err
	}
	s.series[i].Points = upsertPoint(s.series[i].Points, p)
	return nil
}

func (s *Synchronizer) apply(session uint64, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	if err := s.surface.Apply(ops); err != nil {
		log.Printf("[chart] surface apply failed (session %d, %d ops): %v", session, len(ops), err)
		return fmt.Errorf("apply %d ops: %w", len(ops), err)
	}
	if s.OnApply != nil {
		s.OnApply(session, ops)
	}
	return nil
}

func (s *Synchronizer) setSeries(series []Series) {
	s.series = series
	s.index = make(map[string]int, len(series))
	for i := range series {
		s.index[series[i].ID] = i
	}
}

func upsertBar(bars []model.Bar, b model.Bar) []model.Bar {
	if n := len(bars); n > 0 && bars[n-1].Time.Equal(b.Time) {
		bars[n-1] = b
		return bars
	}
	return append(bars, b)
}

func upsertPoint(pts []model.Point, p model.Point) []model.Point {
	if n := len(pts); n > 0 && pts[n-1].Time.Equal(p.Time) {
		pts[n-1] = p
		return pts
	}
	return append(pts, p)
}
