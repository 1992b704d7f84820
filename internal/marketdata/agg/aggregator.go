// Package agg folds live ticks into OHLCV bars.
//
// ApplyTick is the pure per-tick step. Series owns the bar sequence of one
// session and applies ticks to its open (most recent) bar, appending a new
// bar whenever a tick crosses into a later bucket.
package agg

import (
	"math"
	"time"

	"marketview/internal/model"
)

// Action reports what ApplyTick did with a tick.
type Action int

const (
	Opened  Action = iota // tick started a new bar
	Updated               // tick was merged into the current bar
	Dropped               // tick was older than the current bucket (or malformed)
)

func (a Action) String() string {
	switch a {
	case Opened:
		return "opened"
	case Updated:
		return "updated"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// ApplyTick returns the bar that results from applying tick to cur.
// cur is never modified. Bucket = floor(tick.Time / width) * width.
//
//   - cur == nil or tick in a later bucket: a new bar at the tick price.
//   - tick in cur's bucket: high/low widened, close set, volume added.
//   - tick in an earlier bucket: cur is returned unchanged with Dropped.
func ApplyTick(cur *model.Bar, tick model.Tick, width time.Duration) (model.Bar, Action) {
	if !tickOK(tick) {
		if cur != nil {
			return *cur, Dropped
		}
		return model.Bar{}, Dropped
	}

	bucket := model.BucketStart(tick.Time, width)

	if cur != nil && bucket.Before(cur.Time) {
		// Late tick; settled history is not rewritten from the live feed
		return *cur, Dropped
	}

	if cur == nil || bucket.After(cur.Time) {
		return model.Bar{
			Time:   bucket,
			Open:   tick.Price,
			High:   tick.Price,
			Low:    tick.Price,
			Close:  tick.Price,
			Volume: tick.Volume,
		}, Opened
	}

	// Same bucket
	b := *cur
	if tick.Price > b.High {
		b.High = tick.Price
	}
	if tick.Price < b.Low {
		b.Low = tick.Price
	}
	b.Close = tick.Price
	b.Volume += tick.Volume
	return b, Updated
}

func tickOK(t model.Tick) bool {
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price <= 0 {
		return false
	}
	if math.IsNaN(t.Volume) || t.Volume < 0 {
		return false
	}
	return !t.Time.IsZero()
}
