// Package history loads historical bar snapshots from the Market Data
// Service and normalizes them before anything downstream sees them.
package history

import (
	"context"
	"fmt"
	"log"

	"marketview/internal/model"
)

// Source returns the raw historical_data payload for an instrument.
// Implemented by mds.Client.
type Source interface {
	HistoricalData(ctx context.Context, instrument string, tf model.Timeframe) (*Payload, error)
}

// Snapshot is a validated, normalized historical series.
type Snapshot struct {
	Instrument string
	Timeframe  model.Timeframe
	Bars       []model.Bar
	Info       *model.InstrumentInfo // nil when the service sent no metadata
}

// LoadError reports a failed or invalid historical load.
type LoadError struct {
	Instrument string
	Timeframe  model.Timeframe
	Err        error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s %s: %v", e.Instrument, e.Timeframe, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Loader fetches and normalizes snapshots.
type Loader struct {
	src Source

	// Optional hook, called with the number of rows discarded by normalization.
	OnCollapsed func(instrument string, n int)
}

// NewLoader creates a Loader over src.
func NewLoader(src Source) *Loader {
	return &Loader{src: src}
}

// Load fetches the snapshot for (instrument, tf). It either returns a fully
// normalized snapshot or a *LoadError; partial data is never returned.
func (l *Loader) Load(ctx context.Context, instrument string, tf model.Timeframe) (Snapshot, error) {
	p, err := l.src.HistoricalData(ctx, instrument, tf)
	if err != nil {
		return Snapshot{}, &LoadError{Instrument: instrument, Timeframe: tf, Err: err}
	}
	if p == nil {
		return Snapshot{}, &LoadError{Instrument: instrument, Timeframe: tf, Err: fmt.Errorf("empty payload")}
	}
	return l.FromPayload(instrument, tf, p)
}

// FromPayload validates and normalizes an already-received payload, e.g. a
// "historical" message from the push channel.
func (l *Loader) FromPayload(instrument string, tf model.Timeframe, p *Payload) (Snapshot, error) {
	raw, err := p.Bars()
	if err != nil {
		return Snapshot{}, &LoadError{Instrument: instrument, Timeframe: tf, Err: err}
	}

	bars := Normalize(raw)
	if n := len(raw) - len(bars); n > 0 {
		log.Printf("[history] %s %s: collapsed %d duplicate rows", instrument, tf, n)
		if l.OnCollapsed != nil {
			l.OnCollapsed(instrument, n)
		}
	}

	snap := Snapshot{Instrument: instrument, Timeframe: tf, Bars: bars}
	if p.Info != nil {
		info := *p.Info
		if info.Symbol == "" {
			info.Symbol = instrument
		}
		snap.Info = &info
	}
	return snap, nil
}
