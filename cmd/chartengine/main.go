package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketview/config"
	"marketview/internal/chart"
	"marketview/internal/engine"
	"marketview/internal/feed"
	"marketview/internal/gateway"
	"marketview/internal/indicator"
	"marketview/internal/indicator/cache"
	"marketview/internal/indicator/calc"
	"marketview/internal/logger"
	"marketview/internal/marketdata/bus"
	"marketview/internal/marketdata/history"
	"marketview/internal/mds"
	"marketview/internal/metrics"
	"marketview/internal/model"
	"marketview/internal/scheduler"
	"marketview/internal/session"
	redisstore "marketview/internal/store/redis"
	sqlitestore "marketview/internal/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[chartengine] config: %v", err)
	}
	logger.Init("chartengine", logger.ParseLevel(cfg.LogLevel))
	log.Printf("[chartengine] starting (api=%s ws=%s indicators=%s)", cfg.APIBaseURL, cfg.WSBaseURL, cfg.IndicatorSource)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Market data service ----
	client := mds.New(cfg.APIBaseURL, cfg.HTTPTimeout)
	client.OnRequest = func(endpoint string, d time.Duration, err error) {
		if endpoint == "historical_data" {
			prom.HistoricalLoadDur.WithLabelValues(metrics.Outcome(err)).Observe(d.Seconds())
		}
	}
	loader := history.NewLoader(client)
	loader.OnCollapsed = func(instrument string, n int) {
		prom.CollapsedBars.Add(float64(n))
		log.Printf("[chartengine] %s: collapsed %d historical rows", instrument, n)
	}

	var src indicator.Source = client
	if cfg.IndicatorSource == config.SourceLocal {
		src = calc.NewSource(loader)
	}
	indCache := cache.New(cfg.IndicatorCacheTTL)
	indCache.OnHit = func(model.IndicatorKey) { prom.IndicatorCacheHits.Inc() }
	indCache.OnMiss = func(model.IndicatorKey) { prom.IndicatorCacheMiss.Inc() }
	indCache.OnEvict = func(model.IndicatorKey) { prom.IndicatorCacheEvict.Inc() }
	fetcher := indicator.NewFetcher(src, indCache, indicator.WithCoalescing(cfg.CoalesceFetches))
	fetcher.OnRequest = func(key model.IndicatorKey, d time.Duration, err error) {
		prom.IndicatorFetchDur.WithLabelValues(key.Type, metrics.Outcome(err)).Observe(d.Seconds())
	}

	adapter, err := feed.New(feed.Config{BaseURL: cfg.WSBaseURL})
	if err != nil {
		log.Fatalf("[chartengine] feed: %v", err)
	}
	defer adapter.Close()
	adapter.OnReconnect = func(string) { prom.FeedReconnects.Inc() }
	adapter.OnParseError = func(raw []byte, err error) { prom.FeedParseErrors.Inc() }

	// ---- Gateway ----
	hub := gateway.NewHub(nil, 1000)
	hub.OnClientCount = func(n int) { prom.GatewayClients.Set(float64(n)) }

	// ---- Sinks (optional) ----
	var (
		redisWriter *redisstore.Writer
		redisReader *redisstore.Reader
		breaker     *redisstore.CircuitBreaker
		sqlWriter   *sqlitestore.Writer
		sqlReader   *sqlitestore.Reader
	)
	if cfg.RedisAddr != "" {
		health.EnableRedis()
		redisWriter, err = redisstore.New(redisstore.WriterConfig{
			Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB,
		})
		if err != nil {
			log.Printf("[chartengine] WARNING: redis unavailable: %v (continuing without redis)", err)
		} else {
			defer redisWriter.Close()
			breaker = redisstore.NewCircuitBreaker(5, 10*time.Second)
			breaker.OnStateChange = func(from, to redisstore.State) {
				prom.RedisCircuitBreakerState.Set(float64(to))
				if to == redisstore.StateOpen {
					prom.RedisCircuitBreakerTrips.Inc()
				}
			}
			if redisReader, err = redisstore.NewReader(redisstore.ReaderConfig{
				Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB,
			}); err != nil {
				log.Printf("[chartengine] WARNING: redis reader unavailable: %v", err)
				redisReader = nil
			} else {
				defer redisReader.Close()
			}
		}
	}
	if cfg.SQLitePath != "" {
		health.EnableSQLite()
		sqlWriter, err = sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath})
		if err != nil {
			log.Fatalf("[chartengine] sqlite: %v", err)
		}
		defer sqlWriter.Close()
		sqlWriter.OnCommit = func(n int, d time.Duration) { prom.SQLiteCommitDur.Observe(d.Seconds()) }
		if sqlReader, err = sqlitestore.NewReader(cfg.SQLitePath); err != nil {
			log.Fatalf("[chartengine] sqlite reader: %v", err)
		}
		defer sqlReader.Close()
	}
	var (
		rdbCheck = redisClient(redisWriter)
		sqlCheck = sqlDB(sqlWriter)
	)
	health.StartLivenessChecker(ctx, rdbCheck, sqlCheck, 10*time.Second)

	// ---- Closed bar fan-out ----
	sink := make(chan model.ClosedBar, cfg.SinkBuffer)
	fanout := bus.New(cfg.SinkBuffer)
	fanout.OnDrop = func(name string, b model.ClosedBar) {
		prom.FanoutDropsTotal.WithLabelValues(name).Inc()
	}
	if redisWriter != nil {
		bw := redisstore.NewBufferedWriter(ctx, redisWriter, breaker, 10000)
		bw.OnBuffer = func() { prom.RedisBufferedWrites.Inc() }
		go bw.Run(ctx, fanout.Subscribe("redis"))
	}
	if sqlWriter != nil {
		go sqlWriter.Run(ctx, fanout.Subscribe("sqlite"))
	}
	go fanout.Run(ctx, sink)
	go reportSaturation(ctx, fanout, prom)

	// Session journal: written off the engine goroutine.
	sessions := make(chan model.Session, 64)
	go journalSessions(ctx, sessions, redisWriter, breaker, sqlWriter)

	// ---- Engine ----
	var surface chart.Surface = hub
	if redisWriter != nil {
		mirror := redisstore.NewMirror(redisWriter, breaker, 1024, time.Second)
		mirror.OnDrop = func() { prom.RedisMirrorDrops.Inc() }
		go mirror.Run(ctx)
		surface = chart.Tee(hub, mirror)
	}
	surface = countedSurface{next: surface, prom: prom}

	eng, err := engine.New(
		engine.Config{
			ChartType:      cfg.ChartType,
			ShowVolume:     cfg.ShowVolume,
			LiveIndicators: cfg.LiveIndicators,
		},
		engine.Deps{
			Loader:   loader,
			Fetcher:  fetcher,
			Cache:    indCache,
			Feed:     engine.FeedAdapter(adapter),
			Surface:  surface,
			Sessions: session.NewManager(),
			Sink:     sink,
		},
		engine.Hooks{
			OnSession: func(s model.Session) {
				if s.State == model.StateIdle {
					prom.SessionsStarted.Inc()
				}
				prom.SessionTransitions.WithLabelValues(s.State.String()).Inc()
				prom.SessionState.Set(float64(s.State))
				health.SetSession(s)
				hub.SetSession(s)
				select {
				case sessions <- s:
				default:
				}
			},
			OnError: func(err error) {
				prom.Errors.WithLabelValues(errorKind(err)).Inc()
				log.Printf("[chartengine] engine error: %v", err)
				hub.ReportError(err)
			},
			OnTick: func(t model.Tick) {
				prom.TicksTotal.Inc()
				health.SetLastTickTime(time.Now())
			},
			OnDroppedTick: func(model.Tick) { prom.DroppedTicks.Inc() },
			OnStale:       func(kind string) { prom.StaleResults.WithLabelValues(kind).Inc() },
			OnBarClosed:   func(model.ClosedBar) { prom.BarsClosed.Inc() },
			OnSinkDrop:    func(model.ClosedBar) { prom.SinkDrops.Inc() },
		},
	)
	if err != nil {
		log.Fatalf("[chartengine] engine: %v", err)
	}
	hub.SetController(eng)

	engDone := make(chan struct{})
	go func() {
		defer close(engDone)
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[chartengine] engine stopped: %v", err)
		}
	}()

	// ---- Scheduled cache flush ----
	sched := scheduler.New()
	if cfg.CacheFlushCron != "" {
		if err := sched.RegisterCacheFlush(cfg.CacheFlushCron,
			func() int { return eng.ClearCache("") },
			func(int) { prom.CacheFlushes.Inc() },
		); err != nil {
			log.Fatalf("[chartengine] %v", err)
		}
	}
	sched.Start()

	// ---- Commands published on Redis ----
	if redisReader != nil {
		go runRedisCommands(ctx, redisReader, eng, hub.Latency)
	}

	// ---- HTTP gateway ----
	mux := http.NewServeMux()
	routes := gateway.Routes{Health: health, Started: time.Now()}
	if redisReader != nil {
		routes.Bars = redisReader
	}
	if sqlReader != nil {
		routes.Journal = sqlReader
	}
	gateway.RegisterRoutes(mux, hub, routes)
	srv := &http.Server{Addr: cfg.GatewayAddr, Handler: mux}
	go func() {
		log.Printf("[chartengine] gateway listening on %s", cfg.GatewayAddr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[chartengine] gateway: %v", err)
		}
	}()

	// ---- Default view ----
	if cfg.DefaultSymbol != "" {
		if _, err := eng.StartSession(cfg.DefaultSymbol, cfg.DefaultTimeframe); err != nil {
			log.Printf("[chartengine] default session: %v", err)
		}
	}

	<-sigCh
	log.Println("[chartengine] shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	sched.Stop()
	cancel()
	<-engDone
	metricsSrv.Stop(shutdownCtx)
	log.Println("[chartengine] shutdown complete")
}
