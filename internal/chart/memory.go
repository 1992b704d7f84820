package chart

import (
	"fmt"
	"log"

	"marketview/internal/model"
)

// Memory is an in-process Surface that keeps the series it is told to
// draw. The gateway uses one to answer late joiners with the current
// picture. Not safe for concurrent use.
type Memory struct {
	series []Series
	index  map[string]int
}

// NewMemory creates an empty Memory surface.
func NewMemory() *Memory {
	return &Memory{index: map[string]int{}}
}

// Apply implements Surface. Ops are applied in order; an op naming an
// unknown series (or adding a duplicate) fails the batch at that op.
func (m *Memory) Apply(ops []Op) error {
	for _, op := range ops {
		i, exists := m.index[op.ID]
		switch op.Kind {
		case OpAdd:
			if exists {
				return fmt.Errorf("add %q: already present", op.ID)
			}
			s := Series{ID: op.ID, Bars: op.Bars, Points: op.Points}
			if op.Style != nil {
				s.Style = *op.Style
			}
			m.series = append(m.series, s.clone())
			m.index[op.ID] = len(m.series) - 1
		case OpUpdate:
			if !exists {
				return fmt.Errorf("update %q: not present", op.ID)
			}
			s := &m.series[i]
			if !op.Partial {
				s.Bars = append([]model.Bar(nil), op.Bars...)
				s.Points = append([]model.Point(nil), op.Points...)
				continue
			}
			for _, b := range op.Bars {
				s.Bars = upsertBar(s.Bars, b)
			}
			for _, p := range op.Points {
				s.Points = upsertPoint(s.Points, p)
			}
		case OpRemove:
			if !exists {
				return fmt.Errorf("remove %q: not present", op.ID)
			}
			m.series = append(m.series[:i], m.series[i+1:]...)
			m.reindex()
		default:
			return fmt.Errorf("unknown op %q", op.Kind)
		}
	}
	return nil
}

func (m *Memory) reindex() {
	m.index = make(map[string]int, len(m.series))
	for i := range m.series {
		m.index[m.series[i].ID] = i
	}
}

// Series returns a copy of the series currently drawn, in draw order.
func (m *Memory) Series() []Series {
	out := make([]Series, len(m.series))
	for i := range m.series {
		out[i] = m.series[i].clone()
	}
	return out
}

// Snapshot returns the Add ops that would recreate the current picture on
// an empty surface.
func (m *Memory) Snapshot() []Op {
	ops := make([]Op, 0, len(m.series))
	for i := range m.series {
		s := m.series[i].clone()
		ops = append(ops, addOp(&s))
	}
	return ops
}

// Tee returns a Surface that applies every batch to primary and then to
// each mirror. Only the primary's error is returned; mirror failures are
// logged.
func Tee(primary Surface, mirrors ...Surface) Surface {
	return tee{primary: primary, mirrors: mirrors}
}

type tee struct {
	primary Surface
	mirrors []Surface
}

func (t tee) Apply(ops []Op) error {
	if err := t.primary.Apply(ops); err != nil {
		return err
	}
	for _, m := range t.mirrors {
		if err := m.Apply(ops); err != nil {
			log.Printf("[chart] mirror apply failed: %v", err)
		}
	}
	return nil
}
