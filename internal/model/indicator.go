package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// IndicatorKey identifies one fetched indicator series.
type IndicatorKey struct {
	Instrument string    `json:"instrument"`
	Type       string    `json:"type"` // "sma", "ema", "rsi", "macd"
	Period     int       `json:"period"`
	Timeframe  Timeframe `json:"timeframe"`
}

// String returns "instrument:type:period:timeframe".
func (k IndicatorKey) String() string {
	return k.Instrument + ":" + k.Type + ":" + strconv.Itoa(k.Period) + ":" + k.Timeframe.String()
}

// Point is one sample of an indicator line. Valid is false for warm-up
// points where the indicator has no value yet.
type Point struct {
	Time  time.Time
	Value float64
	Valid bool
}

type pointJSON struct {
	Time  int64    `json:"time"`
	Value *float64 `json:"value"`
}

// MarshalJSON encodes the point as {"time": unix, "value": number|null}.
func (p Point) MarshalJSON() ([]byte, error) {
	out := pointJSON{Time: p.Time.Unix()}
	if p.Valid {
		v := p.Value
		out.Value = &v
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (p *Point) UnmarshalJSON(data []byte) error {
	var in pointJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	p.Time = time.Unix(in.Time, 0).UTC()
	p.Valid = in.Value != nil
	p.Value = 0
	if in.Value != nil {
		p.Value = *in.Value
	}
	return nil
}

// IndicatorSeries is a fetched indicator. Points is the primary line;
// multi-line indicators carry their secondary lines in Lines, keyed by
// the line name declared in the matching IndicatorSpec.
type IndicatorSeries struct {
	Key    IndicatorKey       `json:"key"`
	Points []Point            `json:"points"`
	Lines  map[string][]Point `json:"lines,omitempty"`
}

// Line returns the points for a named line; "" is the primary line.
func (s *IndicatorSeries) Line(name string) []Point {
	if name == "" {
		return s.Points
	}
	return s.Lines[name]
}

// IndicatorKind is the closed set of indicator families.
type IndicatorKind int

const (
	KindMovingAverage     IndicatorKind = iota // overlays the price pane
	KindOscillator                             // own pane, single line
	KindTwoLineOscillator                      // own pane, main + signal line
)

func (k IndicatorKind) String() string {
	switch k {
	case KindMovingAverage:
		return "moving_average"
	case KindOscillator:
		return "oscillator"
	case KindTwoLineOscillator:
		return "two_line_oscillator"
	default:
		return "unknown"
	}
}

// PricePane is the pane shared with the price series.
const PricePane = "price"

// LineStyle is the rendering hint for one logical series of an indicator.
// Name is "" for the primary line.
type LineStyle struct {
	Name  string `json:"name"`
	Color string `json:"color"`
	Width int    `json:"width"`
}

// IndicatorSpec describes a user-selectable indicator together with how it
// is drawn. Specs are values; build them with MovingAverage, Oscillator or
// TwoLineOscillator.
type IndicatorSpec struct {
	ID     string        `json:"id"`
	Kind   IndicatorKind `json:"kind"`
	Type   string        `json:"type"`
	Period int           `json:"period"`
	// Slow and Signal are only set for KindTwoLineOscillator.
	Slow   int         `json:"slow,omitempty"`
	Signal int         `json:"signal,omitempty"`
	Pane   string      `json:"pane"`
	Lines  []LineStyle `json:"lines"`
}

// MovingAverage returns a price-pane overlay spec ("sma" or "ema").
func MovingAverage(id, typ string, period int, color string) IndicatorSpec {
	return IndicatorSpec{
		ID:     id,
		Kind:   KindMovingAverage,
		Type:   typ,
		Period: period,
		Pane:   PricePane,
		Lines:  []LineStyle{{Color: color, Width: 2}},
	}
}

// Oscillator returns a single-line spec drawn on its own pane.
func Oscillator(id, typ string, period int, color string) IndicatorSpec {
	return IndicatorSpec{
		ID:     id,
		Kind:   KindOscillator,
		Type:   typ,
		Period: period,
		Pane:   typ,
		Lines:  []LineStyle{{Color: color, Width: 1}},
	}
}

// TwoLineOscillator returns a main + signal line spec drawn on its own pane.
func TwoLineOscillator(id, typ string, fast, slow, signal int, color, signalColor string) IndicatorSpec {
	return IndicatorSpec{
		ID:     id,
		Kind:   KindTwoLineOscillator,
		Type:   typ,
		Period: fast,
		Slow:   slow,
		Signal: signal,
		Pane:   typ,
		Lines: []LineStyle{
			{Color: color, Width: 1},
			{Name: "signal", Color: signalColor, Width: 1},
		},
	}
}

// Key returns the cache key of this indicator for an instrument and timeframe.
func (s IndicatorSpec) Key(instrument string, tf Timeframe) IndicatorKey {
	return IndicatorKey{Instrument: instrument, Type: s.Type, Period: s.Period, Timeframe: tf}
}

// SeriesID returns the logical series identifier of one of this indicator's lines.
func (s IndicatorSpec) SeriesID(line LineStyle) string {
	if line.Name == "" {
		return s.ID
	}
	return s.ID + "_" + line.Name
}

var catalogue = []IndicatorSpec{
	MovingAverage("sma20", "sma", 20, "#4fc3f7"),
	MovingAverage("sma50", "sma", 50, "#ff6d00"),
	MovingAverage("ema20", "ema", 20, "#e91e63"),
	Oscillator("rsi", "rsi", 14, "#9c27b0"),
	TwoLineOscillator("macd", "macd", 12, 26, 9, "#00bcd4", "#ff9800"),
}

// Indicators returns the built-in indicator catalogue.
func Indicators() []IndicatorSpec {
	out := make([]IndicatorSpec, len(catalogue))
	copy(out, catalogue)
	return out
}

// LookupIndicator returns the catalogue spec with the given ID.
func LookupIndicator(id string) (IndicatorSpec, bool) {
	for _, s := range catalogue {
		if s.ID == id {
			return s, true
		}
	}
	return IndicatorSpec{}, false
}

// Upsert sets the point of a named line ("" is the primary line): it
// replaces the last point when the times match and appends otherwise.
func (s *IndicatorSeries) Upsert(line string, p Point) {
	pts := s.Line(line)
	if n := len(pts); n > 0 && pts[n-1].Time.Equal(p.Time) {
		pts[n-1] = p
	} else {
		pts = append(pts, p)
	}
	if line == "" {
		s.Points = pts
		return
	}
	if s.Lines == nil {
		s.Lines = make(map[string][]Point)
	}
	s.Lines[line] = pts
}
