package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketview/internal/model"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func key(inst, typ string, period int) model.IndicatorKey {
	return model.IndicatorKey{Instrument: inst, Type: typ, Period: period, Timeframe: model.TF1D}
}

func series(k model.IndicatorKey, v float64) model.IndicatorSeries {
	return model.IndicatorSeries{Key: k, Points: []model.Point{{Time: time.Unix(0, 0), Value: v, Valid: true}}}
}

func TestGetBeforeAndAfterTTL(t *testing.T) {
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(5*time.Minute, WithClock(clk.now))
	k := key("AAPL", "sma", 20)
	c.Put(k, series(k, 1))

	clk.advance(5*time.Minute - time.Nanosecond)
	got, ok := c.Get(k)
	require.True(t, ok)
	assert.Equal(t, 1.0, got.Points[0].Value)

	clk.advance(time.Nanosecond) // now - fetchedAt == TTL
	_, ok = c.Get(k)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry evicted on read")
}

func TestLazyEviction(t *testing.T) {
	clk := &clock{t: time.Unix(0, 0)}
	c := New(time.Minute, WithClock(clk.now))
	k := key("AAPL", "ema", 20)
	c.Put(k, series(k, 1))

	clk.advance(time.Hour)
	assert.Equal(t, 1, c.Len(), "no background sweep")

	evicted := 0
	c.OnEvict = func(model.IndicatorKey) { evicted++ }
	_, ok := c.Get(k)
	assert.False(t, ok)
	assert.Equal(t, 1, evicted)
}

func TestPutRefreshesFetchedAt(t *testing.T) {
	clk := &clock{t: time.Unix(0, 0)}
	c := New(time.Minute, WithClock(clk.now))
	k := key("AAPL", "rsi", 14)
	c.Put(k, series(k, 1))
	clk.advance(50 * time.Second)
	c.Put(k, series(k, 2))
	clk.advance(50 * time.Second)

	got, ok := c.Get(k)
	require.True(t, ok)
	assert.Equal(t, 2.0, got.Points[0].Value)
}

func TestInvalidate(t *testing.T) {
	c := New(0)
	assert.Equal(t, DefaultTTL, c.TTL())

	for _, k := range []model.IndicatorKey{
		key("AAPL", "sma", 20), key("AAPL", "rsi", 14), key("MSFT", "sma", 20),
	} {
		c.Put(k, series(k, 1))
	}

	assert.Equal(t, 2, c.Invalidate("AAPL"))
	_, ok := c.Get(key("AAPL", "sma", 20))
	assert.False(t, ok)
	_, ok = c.Get(key("MSFT", "sma", 20))
	assert.True(t, ok)

	assert.Equal(t, 0, c.Invalidate("AAPL"))
	assert.Equal(t, 1, c.InvalidateAll())
	assert.Equal(t, 0, c.Len())
}

func TestPutIfCurrent(t *testing.T) {
	c := New(0)
	aapl, msft := key("AAPL", "sma", 20), key("MSFT", "sma", 20)

	gA, gM := c.Generation(aapl), c.Generation(msft)
	c.Invalidate("AAPL")
	assert.False(t, c.PutIfCurrent(aapl, series(aapl, 1), gA), "AAPL was invalidated")
	assert.True(t, c.PutIfCurrent(msft, series(msft, 1), gM), "MSFT was not")
	_, ok := c.Get(aapl)
	assert.False(t, ok)

	gM = c.Generation(msft)
	c.InvalidateAll()
	assert.False(t, c.PutIfCurrent(msft, series(msft, 2), gM))
	assert.True(t, c.PutIfCurrent(msft, series(msft, 3), c.Generation(msft)))
	got, ok := c.Get(msft)
	require.True(t, ok)
	assert.Equal(t, 3.0, got.Points[0].Value)
}

func TestKeyDistinguishesTimeframe(t *testing.T) {
	c := New(0)
	daily := key("AAPL", "sma", 20)
	weekly := daily
	weekly.Timeframe = model.TF1W
	c.Put(daily, series(daily, 1))

	_, ok := c.Get(weekly)
	assert.False(t, ok)
}

func TestHooks(t *testing.T) {
	c := New(0)
	var hits, misses int
	c.OnHit = func(model.IndicatorKey) { hits++ }
	c.OnMiss = func(model.IndicatorKey) { misses++ }
	k := key("AAPL", "sma", 20)

	c.Get(k)
	c.Put(k, series(k, 1))
	c.Get(k)
	c.Get(k)
	assert.Equal(t, 2, hits)
	assert.Equal(t, 1, misses)
}
