package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"marketview/internal/chart"
	"marketview/internal/model"
)

const (
	defaultStreamMaxLen = 5000
	defaultLatestTTL    = 24 * time.Hour
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	// StreamMaxLen caps each bar stream (approximate trim). 0 = 5000.
	StreamMaxLen int64
}

// Writer publishes closed bars, chart ops and session changes to Redis.
type Writer struct {
	client *goredis.Client
	maxLen int64
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	maxLen := cfg.StreamMaxLen
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Writer{client: client, maxLen: maxLen}, nil
}

// Ping checks the connection.
func (w *Writer) Ping(ctx context.Context) error {
	return w.client.Ping(ctx).Err()
}

// WriteBar appends a closed bar to its stream, updates the latest key and
// publishes it, in one pipeline.
func (w *Writer) WriteBar(ctx context.Context, cb model.ClosedBar) error {
	jsonData := string(cb.JSON())

	pipe := w.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: BarStream(cb.Instrument, cb.Timeframe),
		MaxLen: w.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Set(ctx, BarLatest(cb.Instrument, cb.Timeframe), jsonData, defaultLatestTTL)
	pipe.Publish(ctx, BarChannel(cb.Instrument, cb.Timeframe), jsonData)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write bar %s: %w", cb.Key(), err)
	}
	return nil
}

// opsMessage is what goes out on OpsChannel.
type opsMessage struct {
	Ops []chart.Op `json:"ops"`
}

// EncodeOps encodes a batch of chart ops as an OpsChannel message.
func EncodeOps(ops []chart.Op) ([]byte, error) {
	data, err := json.Marshal(opsMessage{Ops: ops})
	if err != nil {
		return nil, fmt.Errorf("marshal ops: %w", err)
	}
	return data, nil
}

// PublishOps publishes an encoded ops batch.
func (w *Writer) PublishOps(ctx context.Context, data []byte) error {
	if err := w.client.Publish(ctx, OpsChannel, data).Err(); err != nil {
		return fmt.Errorf("publish ops: %w", err)
	}
	return nil
}

// PublishSession stores the current session and announces the change.
func (w *Writer) PublishSession(ctx context.Context, s model.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	pipe := w.client.Pipeline()
	pipe.Set(ctx, SessionKey, data, 0)
	pipe.Publish(ctx, SessionChannel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish session %d: %w", s.Token, err)
	}
	return nil
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
