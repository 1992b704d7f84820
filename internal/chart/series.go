// Package chart turns the engine's bars and active indicators into the set
// of logical series a render surface draws, and keeps the surface in step
// with add/update/remove operations.
package chart

import (
	"fmt"

	"marketview/internal/model"
)

// ChartType is how the price series is drawn.
type ChartType string

const (
	Candlestick ChartType = "candlestick"
	Line        ChartType = "line"
	Area        ChartType = "area"
)

// ParseChartType validates a chart type name.
func ParseChartType(s string) (ChartType, error) {
	switch ct := ChartType(s); ct {
	case Candlestick, Line, Area:
		return ct, nil
	}
	return "", fmt.Errorf("unknown chart type %q", s)
}

// Draw is the primitive a logical series is rendered with.
type Draw string

const (
	DrawCandlestick Draw = "candlestick"
	DrawLine        Draw = "line"
	DrawArea        Draw = "area"
	DrawHistogram   Draw = "histogram"
)

// Series IDs of the price and volume series.
const (
	PriceID  = "price"
	VolumeID = "volume"
	// VolumePane is the overlay scale the volume histogram sits on.
	VolumePane = "volume"
)

// ValueRange pins a pane's axis.
type ValueRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Style is everything about a series except its data. A style change
// cannot be applied in place; the series is removed and re-added.
type Style struct {
	Draw  Draw        `json:"draw"`
	Pane  string      `json:"pane"`
	Color string      `json:"color,omitempty"`
	Width int         `json:"width,omitempty"`
	Range *ValueRange `json:"range,omitempty"`
}

func (s Style) equal(o Style) bool {
	if s.Draw != o.Draw || s.Pane != o.Pane || s.Color != o.Color || s.Width != o.Width {
		return false
	}
	if (s.Range == nil) != (o.Range == nil) {
		return false
	}
	return s.Range == nil || *s.Range == *o.Range
}

// Series is one logical series. Price and volume series carry Bars;
// indicator series carry Points.
type Series struct {
	ID        string        `json:"id"`
	Indicator string        `json:"indicator,omitempty"` // owning indicator ID
	Style     Style         `json:"style"`
	Bars      []model.Bar   `json:"bars,omitempty"`
	Points    []model.Point `json:"points,omitempty"`
}

func (s *Series) clone() Series {
	c := *s
	if s.Bars != nil {
		c.Bars = append([]model.Bar(nil), s.Bars...)
	}
	if s.Points != nil {
		c.Points = append([]model.Point(nil), s.Points...)
	}
	return c
}

func (s *Series) sameData(o *Series) bool {
	if len(s.Bars) != len(o.Bars) || len(s.Points) != len(o.Points) {
		return false
	}
	for i := range s.Bars {
		if s.Bars[i] != o.Bars[i] {
			return false
		}
	}
	for i := range s.Points {
		if s.Points[i] != o.Points[i] {
			return false
		}
	}
	return true
}

// Indicator is an active indicator whose data has arrived.
type Indicator struct {
	Spec model.IndicatorSpec
	Data model.IndicatorSeries
}

// oscillatorRange is the fixed axis of single-line oscillators (RSI).
var oscillatorRange = ValueRange{Min: 0, Max: 100}

// Desired returns the logical series that should be on the surface: the
// price series, the volume series when showVolume is set, then one series
// per indicator line in the order given.
func Desired(bars []model.Bar, ct ChartType, showVolume bool, active []Indicator) []Series {
	out := make([]Series, 0, 2+len(active)*2)

	price := Series{ID: PriceID, Style: Style{Draw: priceDraw(ct), Pane: model.PricePane}, Bars: bars}
	out = append(out, price)

	if showVolume {
		out = append(out, Series{ID: VolumeID, Style: Style{Draw: DrawHistogram, Pane: VolumePane}, Bars: bars})
	}

	for _, ind := range active {
		for _, line := range ind.Spec.Lines {
			st := Style{Draw: DrawLine, Pane: ind.Spec.Pane, Color: line.Color, Width: line.Width}
			if ind.Spec.Kind == model.KindOscillator {
				r := oscillatorRange
				st.Range = &r
			}
			out = append(out, Series{
				ID:        ind.Spec.SeriesID(line),
				Indicator: ind.Spec.ID,
				Style:     st,
				Points:    ind.Data.Line(line.Name),
			})
		}
	}
	return out
}

func priceDraw(ct ChartType) Draw {
	switch ct {
	case Line:
		return DrawLine
	case Area:
		return DrawArea
	default:
		return DrawCandlestick
	}
}
