package history

import (
	"fmt"
	"math"
	"time"

	"marketview/internal/model"
)

// Payload is the columnar historical_data body shared by the HTTP endpoint
// and the push channel's "historical" message. Timestamps are unix seconds.
type Payload struct {
	Symbol     string    `json:"symbol,omitempty"`
	Timeframe  string    `json:"timeframe,omitempty"`
	Timestamps []int64   `json:"timestamps"`
	Open       []float64 `json:"open"`
	High       []float64 `json:"high"`
	Low        []float64 `json:"low"`
	Close      []float64 `json:"close"`
	Volume     []float64 `json:"volume"`

	Info *model.InstrumentInfo `json:"stock_info,omitempty"`
}

// Bars validates the columns and converts them to bars in payload order.
func (p *Payload) Bars() ([]model.Bar, error) {
	n := len(p.Timestamps)
	if n == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if len(p.Open) != n || len(p.High) != n || len(p.Low) != n || len(p.Close) != n || len(p.Volume) != n {
		return nil, fmt.Errorf("column length mismatch: timestamps=%d open=%d high=%d low=%d close=%d volume=%d",
			n, len(p.Open), len(p.High), len(p.Low), len(p.Close), len(p.Volume))
	}

	bars := make([]model.Bar, n)
	for i := 0; i < n; i++ {
		b := model.Bar{
			Time:   time.Unix(p.Timestamps[i], 0).UTC(),
			Open:   p.Open[i],
			High:   p.High[i],
			Low:    p.Low[i],
			Close:  p.Close[i],
			Volume: p.Volume[i],
		}
		if !finite(b.Open, b.High, b.Low, b.Close, b.Volume) {
			return nil, fmt.Errorf("row %d (t=%d): non-finite value", i, p.Timestamps[i])
		}
		if b.Volume < 0 {
			return nil, fmt.Errorf("row %d (t=%d): negative volume %v", i, p.Timestamps[i], b.Volume)
		}
		bars[i] = b
	}
	return bars, nil
}

// FromBars builds a payload from bars (used by the simulator).
func FromBars(symbol, timeframe string, bars []model.Bar) *Payload {
	p := &Payload{
		Symbol:     symbol,
		Timeframe:  timeframe,
		Timestamps: make([]int64, len(bars)),
		Open:       make([]float64, len(bars)),
		High:       make([]float64, len(bars)),
		Low:        make([]float64, len(bars)),
		Close:      make([]float64, len(bars)),
		Volume:     make([]float64, len(bars)),
	}
	for i, b := range bars {
		p.Timestamps[i] = b.Time.Unix()
		p.Open[i] = b.Open
		p.High[i] = b.High
		p.Low[i] = b.Low
		p.Close[i] = b.Close
		p.Volume[i] = b.Volume
	}
	return p
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
