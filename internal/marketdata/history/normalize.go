package history

import (
	"math"
	"sort"

	"marketview/internal/model"
)

// Normalize returns bars sorted ascending by time with duplicate timestamps
// collapsed (the later row in input order wins). Rows whose high/low do not
// bracket open/close are widened to do so. The input is not modified and
// Normalize(Normalize(x)) == Normalize(x).
func Normalize(bars []model.Bar) []model.Bar {
	if len(bars) == 0 {
		return nil
	}

	out := make([]model.Bar, len(bars))
	copy(out, bars)

	// Stable sort keeps input order among equal timestamps, so the last
	// one in each run is the last write.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time.Before(out[j].Time)
	})

	n := 0
	for i := range out {
		b := repair(out[i])
		if n > 0 && out[n-1].Time.Equal(b.Time) {
			out[n-1] = b
			continue
		}
		out[n] = b
		n++
	}
	return out[:n]
}

// IsNormalized reports whether bars are strictly increasing by time and
// every bar satisfies the OHLC invariant.
func IsNormalized(bars []model.Bar) bool {
	for i := range bars {
		if !bars[i].Valid() {
			return false
		}
		if i > 0 && !bars[i].Time.After(bars[i-1].Time) {
			return false
		}
	}
	return true
}

func repair(b model.Bar) model.Bar {
	b.Time = b.Time.UTC()
	b.High = math.Max(b.High, math.Max(b.Open, b.Close))
	b.Low = math.Min(b.Low, math.Min(b.Open, b.Close))
	return b
}
