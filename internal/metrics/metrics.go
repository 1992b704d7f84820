// Package metrics exposes Prometheus metrics and the /healthz endpoint.
package metrics

import (
	"context"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the chart engine.
type Metrics struct {
	// Live feed
	TicksTotal      prometheus.Counter
	DroppedTicks    prometheus.Counter
	FeedReconnects  prometheus.Counter
	FeedParseErrors prometheus.Counter
	BarsClosed      prometheus.Counter
	SinkDrops       prometheus.Counter

	// Sessions
	SessionsStarted    prometheus.Counter
	SessionTransitions *prometheus.CounterVec // labels: state
	SessionState       prometheus.Gauge       // model.SessionState value
	StaleResults       *prometheus.CounterVec // labels: kind
	Errors             *prometheus.CounterVec // labels: kind

	// Historical + indicators
	HistoricalLoadDur   *prometheus.HistogramVec // labels: outcome
	CollapsedBars       prometheus.Counter
	IndicatorFetchDur   *prometheus.HistogramVec // labels: type, outcome
	IndicatorCacheHits  prometheus.Counter
	IndicatorCacheMiss  prometheus.Counter
	IndicatorCacheEvict prometheus.Counter
	CacheFlushes        prometheus.Counter

	// Surface
	OpsApplied     *prometheus.CounterVec // labels: op
	GatewayClients prometheus.Gauge

	// Sinks
	FanoutDropsTotal         *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct     *prometheus.GaugeVec   // labels: channel_name
	SQLiteCommitDur          prometheus.Histogram
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
	RedisMirrorDrops         prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	durBuckets := []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartengine_ticks_total",
			Help: "Ticks received for the current session",
		}),
		DroppedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartengine_dropped_ticks_total",
			Help: "Ticks dropped because they fell before the open bar",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartengine_feed_reconnects_total",
			Help: "Push channel reconnection attempts",
		}),
		FeedParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartengine_feed_parse_errors_total",
			Help: "Push channel messages that could not be decoded",
		}),
		BarsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartengine_bars_closed_total",
			Help: "Bars closed by the live feed",
		}),
		SinkDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartengine_sink_drops_total",
			Help: "Closed bars dropped because the sink was full",
		}),

		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartengine_sessions_started_total",
			Help: "Sessions started",
		}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartengine_session_transitions_total",
			Help: "Session state transitions by target state",
		}, []string{"state"}),
		SessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartengine_session_state",
			Help: "Current session state (0=idle, 1=loading, 2=live, 3=error, 4=historical_only)",
		}),
		StaleResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartengine_stale_results_total",
			Help: "Async results discarded because their session was no longer current",
		}, []string{"kind"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartengine_errors_total",
			Help: "Errors reported by the engine",
		}, []string{"kind"}),

		HistoricalLoadDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chartengine_historical_load_duration_seconds",
			Help:    "Historical snapshot request latency",
			Buckets: durBuckets,
		}, []string{"outcome"}),
		CollapsedBars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartengine_collapsed_bars_total",
			Help: "Duplicate-time bars collapsed while normalizing history",
		}),
		IndicatorFetchDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chartengine_indicator_fetch_duration_seconds",
			Help:    "Indicator source request latency",
			Buckets: durBuckets,
		}, []string{"type", "outcome"}),
		IndicatorCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartengine_indicator_cache_hits_total",
			Help: "Indicator cache hits",
		}),
		IndicatorCacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartengine_indicator_cache_misses_total",
			Help: "Indicator cache misses",
		}),
		IndicatorCacheEvict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartengine_indicator_cache_evictions_total",
			Help: "Expired indicator entries evicted on read",
		}),
		CacheFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartengine_indicator_cache_flushes_total",
			Help: "Explicit indicator cache invalidations",
		}),

		OpsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartengine_surface_ops_total",
			Help: "Series operations applied to the surface",
		}, []string{"op"}),
		GatewayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartengine_gateway_clients",
			Help: "Connected gateway websocket clients",
		}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartengine_fanout_drops_total",
			Help: "Closed bars dropped by the fan-out bus per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chartengine_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartengine_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartengine_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartengine_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartengine_redis_buffered_writes_total",
			Help: "Closed bars buffered while the Redis circuit was open",
		}),
		RedisMirrorDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartengine_redis_mirror_drops_total",
			Help: "Chart op batches not mirrored to Redis (queue full or publish failed)",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.DroppedTicks,
		m.FeedReconnects,
		m.FeedParseErrors,
		m.BarsClosed,
		m.SinkDrops,
		m.SessionsStarted,
		m.SessionTransitions,
		m.SessionState,
		m.StaleResults,
		m.Errors,
		m.HistoricalLoadDur,
		m.CollapsedBars,
		m.IndicatorFetchDur,
		m.IndicatorCacheHits,
		m.IndicatorCacheMiss,
		m.IndicatorCacheEvict,
		m.CacheFlushes,
		m.OpsApplied,
		m.GatewayClients,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.SQLiteCommitDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.RedisMirrorDrops,
	)

	return m
}

// Outcome returns the outcome label for err.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
