package mds

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketview/internal/model"
)

func TestHistoricalData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/historical_data", r.URL.Path)
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1D", r.URL.Query().Get("timeframe"))
		w.Write([]byte(`{"symbol":"AAPL","timeframe":"1D",
			"timestamps":[0,86400],"open":[10,11],"high":[12,11],"low":[9,10],"close":[11,10],"volume":[100,80],
			"stock_info":{"company_name":"Apple Inc.","currency":"USD","current_price":10}}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", 0)
	p, err := c.HistoricalData(context.Background(), "AAPL", model.TF1D)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 86400}, p.Timestamps)
	require.NotNil(t, p.Info)
	assert.Equal(t, "Apple Inc.", p.Info.DisplayName)

	bars, err := p.Bars()
	require.NoError(t, err)
	assert.Len(t, bars, 2)
}

func TestIndicator_NullWarmup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/indicators", r.URL.Path)
		assert.Equal(t, "sma", r.URL.Query().Get("indicator_type"))
		assert.Equal(t, "20", r.URL.Query().Get("period"))
		w.Write([]byte(`{"data":{"timestamps":[1,2,3],"values":[null,null,10.5]}}`))
	}))
	defer srv.Close()

	key := model.IndicatorKey{Instrument: "AAPL", Type: "sma", Period: 20, Timeframe: model.TF1D}
	s, err := New(srv.URL, 0).Indicator(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, s.Points, 3)
	assert.False(t, s.Points[0].Valid)
	assert.True(t, s.Points[2].Valid)
	assert.Equal(t, 10.5, s.Points[2].Value)
	assert.Equal(t, key, s.Key)
}

func TestIndicator_Signal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"timestamps":[1,2],"values":[1,2],"signal":[null,1.5]}}`))
	}))
	defer srv.Close()

	s, err := New(srv.URL, 0).Indicator(context.Background(), model.IndicatorKey{Type: "macd", Period: 12})
	require.NoError(t, err)
	sig := s.Line("signal")
	require.Len(t, sig, 2)
	assert.False(t, sig[0].Valid)
	assert.Equal(t, 1.5, sig[1].Value)
}

func TestErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"No data available for ZZZZ"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, 0).HistoricalData(context.Background(), "ZZZZ", model.TF1D)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Contains(t, se.Error(), "No data available for ZZZZ")
}

func TestMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/indicators" {
			w.Write([]byte(`{"data":{"timestamps":[1,2],"values":[1]}}`))
			return
		}
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()
	c := New(srv.URL, 0)

	_, err := c.HistoricalData(context.Background(), "AAPL", model.TF1D)
	assert.Error(t, err)
	_, err = c.Indicator(context.Background(), model.IndicatorKey{Type: "sma", Period: 5})
	assert.Error(t, err)
}
