package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketview/internal/model"
)

type fakeSource struct {
	p   *Payload
	err error
}

func (f *fakeSource) HistoricalData(_ context.Context, _ string, _ model.Timeframe) (*Payload, error) {
	return f.p, f.err
}

func bar(sec int64, o, h, l, c, v float64) model.Bar {
	return model.Bar{Time: time.Unix(sec, 0).UTC(), Open: o, High: h, Low: l, Close: c, Volume: v}
}

func TestNormalize_SortsAndCollapses(t *testing.T) {
	in := []model.Bar{
		bar(3, 1, 1, 1, 1, 3),
		bar(1, 1, 1, 1, 1, 1),
		bar(2, 1, 1, 1, 1, 2),
		bar(1, 2, 2, 2, 2, 9), // later write for t=1
	}
	out := Normalize(in)

	require.Len(t, out, 3)
	assert.Equal(t, int64(1), out[0].Time.Unix())
	assert.Equal(t, 9.0, out[0].Volume, "last write wins")
	assert.Equal(t, int64(2), out[1].Time.Unix())
	assert.Equal(t, int64(3), out[2].Time.Unix())
	assert.True(t, IsNormalized(out))

	// input untouched
	assert.Equal(t, int64(3), in[0].Time.Unix())
}

func TestNormalize_Idempotent(t *testing.T) {
	in := []model.Bar{
		bar(5, 10, 9, 11, 10, 1), // high/low inverted
		bar(2, 10, 12, 9, 11, 1),
		bar(2, 10, 12, 9, 11, 7),
		bar(4, 10, 12, 9, 11, 1),
	}
	once := Normalize(in)
	twice := Normalize(once)
	assert.Equal(t, once, twice)
	assert.True(t, IsNormalized(once))
}

func TestNormalize_RepairsOHLC(t *testing.T) {
	out := Normalize([]model.Bar{bar(1, 10, 10.5, 9, 11, 1)})
	require.Len(t, out, 1)
	assert.Equal(t, 11.0, out[0].High)
	assert.True(t, out[0].Valid())
}

func TestLoader_Load(t *testing.T) {
	src := &fakeSource{p: &Payload{
		Timestamps: []int64{1, 0, 1},
		Open:       []float64{11, 10, 11},
		High:       []float64{11, 12, 11},
		Low:        []float64{10, 9, 10},
		Close:      []float64{10, 11, 10},
		Volume:     []float64{70, 100, 80},
		Info:       &model.InstrumentInfo{DisplayName: "Apple Inc.", Currency: "USD"},
	}}
	collapsed := 0
	l := NewLoader(src)
	l.OnCollapsed = func(_ string, n int) { collapsed += n }

	snap, err := l.Load(context.Background(), "AAPL", model.TF1D)
	require.NoError(t, err)
	require.Len(t, snap.Bars, 2)
	assert.Equal(t, bar(0, 10, 12, 9, 11, 100), snap.Bars[0])
	assert.Equal(t, bar(1, 11, 11, 10, 10, 80), snap.Bars[1])
	assert.Equal(t, 1, collapsed)
	require.NotNil(t, snap.Info)
	assert.Equal(t, "AAPL", snap.Info.Symbol)
	assert.Equal(t, "Apple Inc.", snap.Info.DisplayName)
}

func TestLoader_Errors(t *testing.T) {
	cases := map[string]*fakeSource{
		"transport": {err: errors.New("connection refused")},
		"nil":       {},
		"empty":     {p: &Payload{}},
		"ragged": {p: &Payload{
			Timestamps: []int64{1, 2},
			Open:       []float64{1},
			High:       []float64{1, 1},
			Low:        []float64{1, 1},
			Close:      []float64{1, 1},
			Volume:     []float64{1, 1},
		}},
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewLoader(src).Load(context.Background(), "AAPL", model.TF1D)
			require.Error(t, err)
			var le *LoadError
			require.True(t, errors.As(err, &le), "expected *LoadError, got %T", err)
			assert.Equal(t, "AAPL", le.Instrument)
		})
	}
}

func TestFromBarsRoundTrip(t *testing.T) {
	bars := []model.Bar{bar(0, 10, 12, 9, 11, 100), bar(60, 11, 11, 10, 10, 80)}
	got, err := FromBars("AAPL", "1m", bars).Bars()
	require.NoError(t, err)
	assert.Equal(t, bars, got)
}
