package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"marketview/internal/chart"
	"marketview/internal/feed"
	"marketview/internal/gateway"
	"marketview/internal/indicator"
	"marketview/internal/marketdata/bus"
	"marketview/internal/marketdata/history"
	"marketview/internal/metrics"
	"marketview/internal/model"
	redisstore "marketview/internal/store/redis"
	sqlitestore "marketview/internal/store/sqlite"
)

// countedSurface counts applied ops by kind.
type countedSurface struct {
	next chart.Surface
	prom *metrics.Metrics
}

func (c countedSurface) Apply(ops []chart.Op) error {
	for _, op := range ops {
		c.prom.OpsApplied.WithLabelValues(string(op.Kind)).Inc()
	}
	return c.next.Apply(ops)
}

func errorKind(err error) string {
	var (
		le *history.LoadError
		fe *indicator.FetchError
		se *feed.StreamError
	)
	switch {
	case errors.As(err, &le):
		return "historical"
	case errors.As(err, &fe):
		return "indicator"
	case errors.As(err, &se):
		return "feed"
	default:
		return "other"
	}
}

func redisClient(w *redisstore.Writer) *goredis.Client {
	if w == nil {
		return nil
	}
	return w.Client()
}

func sqlDB(w *sqlitestore.Writer) *sql.DB {
	if w == nil {
		return nil
	}
	return w.DB()
}

func reportSaturation(ctx context.Context, f *bus.FanOut, prom *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range f.ChannelStats() {
				if s.Cap > 0 {
					prom.ChannelSaturationPct.WithLabelValues("fanout_" + s.Name).Set(float64(s.Len) / float64(s.Cap) * 100)
				}
			}
		}
	}
}

// journalSessions records session changes in SQLite and publishes them on
// Redis. Either sink may be nil.
func journalSessions(ctx context.Context, ch <-chan model.Session, rw *redisstore.Writer, cb *redisstore.CircuitBreaker, sw *sqlitestore.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-ch:
			if sw != nil {
				if err := sw.RecordSession(s, time.Now()); err != nil {
					log.Printf("[chartengine] journal session: %v", err)
				}
			}
			if rw != nil {
				if err := cb.Execute(func() error { return rw.PublishSession(ctx, s) }); err != nil {
					log.Printf("[chartengine] publish session: %v", err)
				}
			}
		}
	}
}

// runRedisCommands executes commands published on the Redis command
// channel, as if they came from a websocket client.
func runRedisCommands(ctx context.Context, r *redisstore.Reader, ctl gateway.Controller, lt *gateway.LatencyTracker) {
	raw := make(chan []byte, 16)
	go func() {
		if err := r.SubscribeCommands(ctx, raw); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[chartengine] redis command subscription ended: %v", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-raw:
			cmd, err := gateway.DecodeCommand(msg)
			if err != nil {
				log.Printf("[chartengine] redis command rejected: %v", err)
				continue
			}
			start := time.Now()
			reply := gateway.Dispatch(ctl, cmd)
			lt.Observe(time.Since(start))
			log.Printf("[chartengine] redis command %s ok=%v %s", cmd.Type, reply.OK, reply.Error)
		}
	}
}
