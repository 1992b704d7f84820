package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketview/internal/model"
)

func TestNewMetricsOwnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.TicksTotal.Inc()
	m.StaleResults.WithLabelValues("historical").Add(2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TicksTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StaleResults.WithLabelValues("historical")))

	// Registering twice on the same registry panics; a fresh one does not.
	assert.Panics(t, func() { NewMetrics(reg) })
	assert.NotPanics(t, func() { NewMetrics(prometheus.NewRegistry()) })
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "error", Outcome(errors.New("x")))
}

func healthz(t *testing.T, h *HealthStatus) (int, healthReport) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var rep healthReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rep))
	return rec.Code, rep
}

func TestHealth(t *testing.T) {
	h := NewHealthStatus()
	code, rep := healthz(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", rep.Status)
	assert.Equal(t, "idle", rep.SessionState)

	h.SetSession(model.Session{Instrument: "AAPL", Timeframe: model.TF1D, Token: 1, State: model.StateLive})
	code, rep = healthz(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, rep.FeedConnected)

	h.SetSession(model.Session{Instrument: "AAPL", Timeframe: model.TF1D, Token: 1, State: model.StateHistoricalOnly})
	code, rep = healthz(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", rep.Status)
	assert.False(t, rep.FeedConnected)
}

func TestHealthSinks(t *testing.T) {
	h := NewHealthStatus()
	h.EnableSQLite()
	code, _ := healthz(t, h)
	assert.Equal(t, http.StatusOK, code)

	h.mu.Lock()
	h.SQLiteOK = false
	h.mu.Unlock()
	code, rep := healthz(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.True(t, rep.SQLiteEnabled)
	assert.False(t, rep.RedisEnabled, "redis not enabled does not degrade")
}
