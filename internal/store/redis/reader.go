package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"marketview/internal/model"
)

// ReaderConfig configures the Redis reader.
type ReaderConfig struct {
	Addr     string
	Password string
	DB       int
}

// Reader reads back closed bars and listens for remote commands.
type Reader struct {
	client *goredis.Client
}

// NewReader creates a new Redis Reader and pings the server.
func NewReader(cfg ReaderConfig) (*Reader, error) {
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

	log.Printf("[redis-reader] connected to %s", cfg.Addr)
	return &Reader{client: client}, nil
}

// RecentBars returns up to n of the most recent closed bars, oldest first.
func (r *Reader) RecentBars(ctx context.Context, instrument string, tf model.Timeframe, n int64) ([]model.ClosedBar, error) {
	msgs, err := r.client.XRevRangeN(ctx, BarStream(instrument, tf), "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", BarStream(instrument, tf), err)
	}
	out := make([]model.ClosedBar, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		cb, err := decodeBar(msgs[i])
		if err != nil {
			log.Printf("[redis-reader] skipping %s: %v", msgs[i].ID, err)
			continue
		}
		out = append(out, cb)
	}
	return out, nil
}

// Latest returns the most recent closed bar, if any.
func (r *Reader) Latest(ctx context.Context, instrument string, tf model.Timeframe) (model.ClosedBar, bool, error) {
	data, err := r.client.Get(ctx, BarLatest(instrument, tf)).Bytes()
	if err == goredis.Nil {
		return model.ClosedBar{}, false, nil
	}
	if err != nil {
		return model.ClosedBar{}, false, fmt.Errorf("get latest: %w", err)
	}
	var cb model.ClosedBar
	if err := json.Unmarshal(data, &cb); err != nil {
		return model.ClosedBar{}, false, fmt.Errorf("decode latest: %w", err)
	}
	return cb, true, nil
}

// SubscribeCommands forwards raw messages published on CommandChannel to
// out until ctx is cancelled.
func (r *Reader) SubscribeCommands(ctx context.Context, out chan<- []byte) error {
	pubsub := r.client.Subscribe(ctx, CommandChannel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", CommandChannel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}

func decodeBar(msg goredis.XMessage) (model.ClosedBar, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return model.ClosedBar{}, fmt.Errorf("no data field")
	}
	var cb model.ClosedBar
	if err := json.Unmarshal([]byte(data), &cb); err != nil {
		return model.ClosedBar{}, err
	}
	return cb, nil
}
