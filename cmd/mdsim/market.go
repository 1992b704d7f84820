package main

import (
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"marketview/internal/model"
)

// market holds the simulated price of every instrument asked for so far.
// History is generated deterministically per (symbol, timeframe) and the
// live walk continues from the last historical close.
type market struct {
	bars int

	mu     sync.Mutex
	prices map[string]float64
	rng    *rand.Rand
}

func newMarket(bars int) *market {
	return &market{
		bars:   bars,
		prices: make(map[string]float64),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func seed(symbol string, tf model.Timeframe) int64 {
	h := fnv.New64a()
	h.Write([]byte(strings.ToUpper(symbol)))
	h.Write([]byte(tf))
	return int64(h.Sum64() & math.MaxInt64)
}

func basePrice(symbol string) float64 {
	return 20 + float64(seed(symbol, "")%480)
}

// history returns bars ending with the bucket that contains now.
func (m *market) history(symbol string, tf model.Timeframe, now time.Time) []model.Bar {
	width := tf.BucketWidth()
	rng := rand.New(rand.NewSource(seed(symbol, tf)))
	start := model.BucketStart(now, width).Add(-time.Duration(m.bars-1) * width)

	price := basePrice(symbol)
	bars := make([]model.Bar, m.bars)
	for i := range bars {
		open := price
		closePx := walk(rng, open, 0.02)
		high := math.Max(open, closePx) * (1 + rng.Float64()*0.01)
		low := math.Min(open, closePx) * (1 - rng.Float64()*0.01)
		bars[i] = model.Bar{
			Time:   start.Add(time.Duration(i) * width),
			Open:   round(open),
			High:   round(high),
			Low:    round(low),
			Close:  round(closePx),
			Volume: float64(1000 + rng.Intn(9000)),
		}
		price = closePx
	}

	m.mu.Lock()
	if _, ok := m.prices[symbol]; !ok {
		m.prices[symbol] = bars[len(bars)-1].Close
	}
	m.mu.Unlock()
	return bars
}

// trade advances symbol's price by one small step.
func (m *market) trade(symbol string) (price, volume float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[symbol]
	if !ok {
		p = basePrice(symbol)
	}
	p = round(walk(m.rng, p, 0.002))
	m.prices[symbol] = p
	return p, float64(1 + m.rng.Intn(100))
}

func (m *market) info(symbol string, bars []model.Bar) *model.InstrumentInfo {
	last := bars[len(bars)-1]
	prev := bars[0].Close
	if len(bars) > 1 {
		prev = bars[len(bars)-2].Close
	}
	return &model.InstrumentInfo{
		Symbol:        strings.ToUpper(symbol),
		DisplayName:   strings.ToUpper(symbol) + " Inc.",
		Exchange:      "SIM",
		Currency:      "USD",
		LastPrice:     last.Close,
		Change:        round(last.Close - prev),
		ChangePercent: round((last.Close - prev) / prev * 100),
	}
}

// walk moves p by up to ±step (fraction), never below one cent.
func walk(rng *rand.Rand, p, step float64) float64 {
	p *= 1 + (rng.Float64()*2-1)*step
	return math.Max(p, 0.01)
}

func round(v float64) float64 { return math.Round(v*100) / 100 }
