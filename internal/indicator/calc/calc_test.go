package calc

import (
	"context"
	"math"
	"testing"
	"time"

	"marketview/internal/marketdata/history"
	"marketview/internal/model"
)

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (tol=%.6f, diff=%.6f)", label, got, want, tol, math.Abs(got-want))
	}
}

func TestSMA_Correctness_Period3(t *testing.T) {
	// SMA(3) over 100, 102, 104, 103, 105
	sma := NewSMA(3)
	prices := []float64{100, 102, 104, 103, 105}
	expected := []float64{0, 0, 102.0, 103.0, 104.0}
	ready := []bool{false, false, true, true, true}

	for i, p := range prices {
		sma.Update(p)
		if sma.Ready() != ready[i] {
			t.Errorf("close %d: Ready()=%v, want %v", i, sma.Ready(), ready[i])
		}
		if ready[i] {
			assertClose(t, "SMA(3)", sma.Value(), expected[i], 0.0001)
		}
	}
}

func TestSMA_Peek_DoesNotMutate(t *testing.T) {
	sma := NewSMA(3)
	for _, p := range []float64{100, 102, 104} {
		sma.Update(p)
	}
	before := sma.Value()
	assertClose(t, "peek", sma.Peek(106), 104.0, 0.0001)
	if sma.Value() != before {
		t.Errorf("Peek mutated state: %v -> %v", before, sma.Value())
	}
}

func TestEMA_SeededWithSMA(t *testing.T) {
	// EMA(3): seed = (10+11+12)/3 = 11, k = 0.5, next = 13*0.5 + 11*0.5 = 12
	ema := NewEMA(3)
	for _, p := range []float64{10, 11, 12} {
		ema.Update(p)
	}
	if !ema.Ready() {
		t.Fatal("expected ready after period closes")
	}
	assertClose(t, "seed", ema.Value(), 11, 0.0001)
	ema.Update(13)
	assertClose(t, "EMA(3)", ema.Value(), 12, 0.0001)
}

func TestRSI_AllGains(t *testing.T) {
	r := NewRSI(3)
	for _, p := range []float64{1, 2, 3, 4} {
		r.Update(p)
	}
	if !r.Ready() {
		t.Fatal("expected ready after period+1 closes")
	}
	assertClose(t, "RSI", r.Value(), 100, 0.0001)
}

func TestRSI_Bounded(t *testing.T) {
	r := NewRSI(14)
	p := 100.0
	for i := 0; i < 200; i++ {
		p += math.Sin(float64(i)) * 3
		r.Update(p)
		if r.Ready() && (r.Value() < 0 || r.Value() > 100) {
			t.Fatalf("RSI out of range at %d: %v", i, r.Value())
		}
	}
}

func TestMACD_ConstantSeriesIsZero(t *testing.T) {
	m := NewMACD(3, 6, 2)
	for i := 0; i < 10; i++ {
		m.Update(50)
	}
	if !m.Ready() || !m.SignalReady() {
		t.Fatal("expected MACD and signal ready")
	}
	assertClose(t, "macd", m.Value(), 0, 1e-9)
	assertClose(t, "signal", m.Signal(), 0, 1e-9)
}

func bars(closes ...float64) []model.Bar {
	out := make([]model.Bar, len(closes))
	for i, c := range closes {
		out[i] = model.Bar{Time: time.Unix(int64(i)*86400, 0).UTC(), Open: c, High: c, Low: c, Close: c}
	}
	return out
}

func TestCompute_WarmupAbsent(t *testing.T) {
	key := model.IndicatorKey{Instrument: "AAPL", Type: "sma", Period: 3, Timeframe: model.TF1D}
	s, err := Compute(key, bars(1, 2, 3, 4))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(s.Points) != 4 {
		t.Fatalf("expected 4 points, got %d", len(s.Points))
	}
	if s.Points[0].Valid || s.Points[1].Valid {
		t.Error("warm-up points should be absent")
	}
	assertClose(t, "sma[2]", s.Points[2].Value, 2, 0.0001)
	assertClose(t, "sma[3]", s.Points[3].Value, 3, 0.0001)
	if s.Key != key {
		t.Errorf("unexpected key %v", s.Key)
	}
}

func TestCompute_MACDHasSignalLine(t *testing.T) {
	key := model.IndicatorKey{Instrument: "AAPL", Type: "macd", Period: 12, Timeframe: model.TF1D}
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	s, err := Compute(key, bars(closes...))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	sig := s.Line("signal")
	if len(sig) != 60 {
		t.Fatalf("expected 60 signal points, got %d", len(sig))
	}
	// slow EMA ready at index 25, signal after 9 MACD values
	if s.Points[24].Valid || !s.Points[25].Valid {
		t.Error("unexpected MACD warm-up boundary")
	}
	if sig[32].Valid || !sig[33].Valid {
		t.Error("unexpected signal warm-up boundary")
	}
	if s.Points[59].Value <= 0 {
		t.Errorf("rising series should have positive MACD, got %v", s.Points[59].Value)
	}
}

func TestCompute_UnknownType(t *testing.T) {
	if _, err := Compute(model.IndicatorKey{Type: "vwap", Period: 1}, nil); err == nil {
		t.Error("expected error for unknown type")
	}
	if _, err := Compute(model.IndicatorKey{Type: "sma", Period: 0}, nil); err == nil {
		t.Error("expected error for zero period")
	}
}

type staticBars []model.Bar

func (s staticBars) Load(_ context.Context, instrument string, tf model.Timeframe) (history.Snapshot, error) {
	return history.Snapshot{Instrument: instrument, Timeframe: tf, Bars: s}, nil
}

func TestSource(t *testing.T) {
	src := NewSource(staticBars(bars(1, 2, 3)))
	key := model.IndicatorKey{Instrument: "AAPL", Type: "ema", Period: 2, Timeframe: model.TF1D}
	s, err := src.Indicator(context.Background(), key)
	if err != nil {
		t.Fatalf("indicator: %v", err)
	}
	if len(s.Points) != 3 || !s.Points[1].Valid {
		t.Errorf("unexpected series %+v", s.Points)
	}
}

func TestRSI_PeekMatchesUpdate(t *testing.T) {
	prices := []float64{44, 44.3, 44.1, 43.6, 44.3, 44.8, 45.1}
	r := NewRSI(4)
	for _, p := range prices {
		peek := r.Peek(p)
		r.Update(p)
		if r.Ready() {
			assertClose(t, "peek vs update", peek, r.Value(), 1e-9)
		}
	}
}

func TestTracker_FormingMatchesCompute(t *testing.T) {
	closes := []float64{10, 11, 12, 11, 13, 14, 12, 15}
	all := bars(closes...)
	key := model.IndicatorKey{Instrument: "AAPL", Type: "sma", Period: 3, Timeframe: model.TF1D}

	tr, err := NewTracker(key, all[:len(all)-1])
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	full, _ := Compute(key, all)

	p, lines := tr.Forming(all[len(all)-1])
	if lines != nil {
		t.Errorf("sma should have no secondary lines")
	}
	want := full.Points[len(all)-1]
	if !p.Valid || !p.Time.Equal(want.Time) {
		t.Fatalf("unexpected forming point %+v", p)
	}
	assertClose(t, "forming", p.Value, want.Value, 1e-9)

	// Forming does not advance state; closing the bar does.
	tr.Close(all[len(all)-1])
	tr.Close(all[len(all)-1]) // duplicate ignored
	next := model.Bar{Time: all[len(all)-1].Time.Add(24 * time.Hour), Close: 15}
	p, _ = tr.Forming(next)
	assertClose(t, "after close", p.Value, (12.0+15+15)/3, 1e-9)
}

func TestTracker_MACDSignal(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100 + float64(i%7)
	}
	all := bars(closes...)
	key := model.IndicatorKey{Instrument: "AAPL", Type: "macd", Period: 12, Timeframe: model.TF1D}
	tr, err := NewTracker(key, all[:39])
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	full, _ := Compute(key, all)

	p, lines := tr.Forming(all[39])
	sig, ok := lines["signal"]
	if !ok {
		t.Fatal("expected signal line")
	}
	assertClose(t, "macd", p.Value, full.Points[39].Value, 1e-9)
	assertClose(t, "signal", sig.Value, full.Line("signal")[39].Value, 1e-9)
	if sig.Valid != full.Line("signal")[39].Valid {
		t.Errorf("signal validity mismatch")
	}
}
