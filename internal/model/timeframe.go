package model

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe selects the bar bucket width and the historical fetch interval.
// The string value is what goes on the wire as the timeframe parameter.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1D  Timeframe = "1D"
	TF1W  Timeframe = "1W"
	TF1M  Timeframe = "1M"
)

const day = 24 * time.Hour

var bucketWidths = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1h:  time.Hour,
	TF4h:  4 * time.Hour,
	TF1D:  day,
	TF1W:  7 * day,
	TF1M:  30 * day, // fixed-width month; calendar alignment is the server's concern
}

// Timeframes lists every supported timeframe, shortest first.
func Timeframes() []Timeframe {
	return []Timeframe{TF1m, TF5m, TF15m, TF30m, TF1h, TF4h, TF1D, TF1W, TF1M}
}

// aliases accepted by ParseTimeframe in addition to the canonical values.
var aliases = map[string]Timeframe{
	"d":   TF1D,
	"1d":  TF1D,
	"1w":  TF1W,
	"1wk": TF1W,
	"1mo": TF1M,
}

// ParseTimeframe parses a timeframe string. Canonical values are
// case-sensitive ("1m" is a minute, "1M" a month); the aliases used by the
// market data service ("D", "1d", "1wk", "1mo") are accepted too.
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.TrimSpace(s)
	if _, ok := bucketWidths[Timeframe(s)]; ok {
		return Timeframe(s), nil
	}
	if tf, ok := aliases[strings.ToLower(s)]; ok {
		return tf, nil
	}
	return "", fmt.Errorf("unknown timeframe %q", s)
}

// BucketWidth returns the aggregation bucket width. Zero for unknown values.
func (tf Timeframe) BucketWidth() time.Duration {
	return bucketWidths[tf]
}

// Valid reports whether tf is one of the supported timeframes.
func (tf Timeframe) Valid() bool {
	_, ok := bucketWidths[tf]
	return ok
}

func (tf Timeframe) String() string { return string(tf) }

// BucketStart returns floor(t / width) * width as a UTC time.
func BucketStart(t time.Time, width time.Duration) time.Time {
	if width <= 0 {
		return t.UTC()
	}
	ns := t.UnixNano()
	w := int64(width)
	b := ns - ns%w
	if ns < 0 && ns%w != 0 {
		b -= w
	}
	return time.Unix(0, b).UTC()
}
