package model

import (
	"encoding/json"
	"math"
	"time"
)

// Bar is one OHLCV bucket of a price series.
// Time is the bucket start (UTC).
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Valid reports whether the bar satisfies low <= min(open,close),
// high >= max(open,close) and volume >= 0.
func (b *Bar) Valid() bool {
	if math.IsNaN(b.Open) || math.IsNaN(b.High) || math.IsNaN(b.Low) || math.IsNaN(b.Close) {
		return false
	}
	return b.Low <= math.Min(b.Open, b.Close) &&
		b.High >= math.Max(b.Open, b.Close) &&
		b.Volume >= 0
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	out, _ := json.Marshal(b)
	return out
}

// Tick is a single trade from the live feed.
// Session is the token that was current when the subscription delivering
// this tick was opened; ticks whose Session is stale are dropped by the engine.
type Tick struct {
	Instrument string    `json:"instrument"`
	Price      float64   `json:"price"`
	Volume     float64   `json:"volume"`
	Time       time.Time `json:"time"`
	Session    uint64    `json:"session"`
}

// ClosedBar is a bar whose bucket has been left behind by the live feed.
// It is what the bar sinks (redis, sqlite) receive.
type ClosedBar struct {
	Instrument string    `json:"instrument"`
	Timeframe  Timeframe `json:"timeframe"`
	Session    uint64    `json:"session"`
	Bar        Bar       `json:"bar"`
}

// Key returns "instrument:timeframe".
func (c *ClosedBar) Key() string {
	return c.Instrument + ":" + c.Timeframe.String()
}

// JSON returns the JSON-encoded closed bar.
func (c *ClosedBar) JSON() []byte {
	out, _ := json.Marshal(c)
	return out
}
