package calc

import (
	"context"
	"fmt"

	"marketview/internal/marketdata/history"
	"marketview/internal/model"
)

// MACD slow/signal periods used when the key's fast period does not
// match a catalogue spec.
const (
	DefaultMACDSlow   = 26
	DefaultMACDSignal = 9
)

// New returns a streaming indicator for typ ("sma", "ema", "rsi", "macd").
func New(typ string, period int) (Indicator, error) {
	if period <= 0 {
		return nil, fmt.Errorf("invalid period %d", period)
	}
	switch typ {
	case "sma":
		return NewSMA(period), nil
	case "ema":
		return NewEMA(period), nil
	case "rsi":
		return NewRSI(period), nil
	case "macd":
		slow, signal := macdParams(period)
		return NewMACD(period, slow, signal), nil
	default:
		return nil, fmt.Errorf("unknown indicator type %q", typ)
	}
}

func macdParams(fast int) (slow, signal int) {
	for _, s := range model.Indicators() {
		if s.Kind == model.KindTwoLineOscillator && s.Period == fast {
			return s.Slow, s.Signal
		}
	}
	return DefaultMACDSlow, DefaultMACDSignal
}

// Compute runs the indicator named by key over the closes of bars.
// Points align one-to-one with bars; warm-up points are not Valid.
func Compute(key model.IndicatorKey, bars []model.Bar) (model.IndicatorSeries, error) {
	ind, err := New(key.Type, key.Period)
	if err != nil {
		return model.IndicatorSeries{}, err
	}

	out := model.IndicatorSeries{Key: key, Points: make([]model.Point, len(bars))}
	macd, isMACD := ind.(*MACD)
	var signal []model.Point
	if isMACD {
		signal = make([]model.Point, len(bars))
	}

	for i, b := range bars {
		ind.Update(b.Close)
		out.Points[i] = model.Point{Time: b.Time, Value: ind.Value(), Valid: ind.Ready()}
		if isMACD {
			signal[i] = model.Point{Time: b.Time, Value: macd.Signal(), Valid: macd.SignalReady()}
		}
	}
	if isMACD {
		out.Lines = map[string][]model.Point{"signal": signal}
	}
	return out, nil
}

// BarSource supplies the bars indicators are computed from.
// history.Loader satisfies it.
type BarSource interface {
	Load(ctx context.Context, instrument string, tf model.Timeframe) (history.Snapshot, error)
}

// Source computes indicator series locally, fetching bars from a BarSource.
// It satisfies indicator.Source.
type Source struct {
	bars BarSource
}

// NewSource creates a local indicator source.
func NewSource(bars BarSource) *Source {
	return &Source{bars: bars}
}

// Indicator loads the bars for key and computes the series.
func (s *Source) Indicator(ctx context.Context, key model.IndicatorKey) (model.IndicatorSeries, error) {
	snap, err := s.bars.Load(ctx, key.Instrument, key.Timeframe)
	if err != nil {
		return model.IndicatorSeries{}, err
	}
	return Compute(key, snap.Bars)
}
