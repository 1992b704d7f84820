// Package feed owns the push-channel subscription to the Market Data Service.
//
// At most one subscription is open at a time: Subscribe tears down the
// previous one (and waits for its connection to close) before dialing.
// Every event a subscription delivers is stamped with the session token
// captured at Subscribe time, including events received after a reconnect.
//
// Wire format (JSON text frames):
//
//	out: {"type":"subscribe","symbol":"AAPL","timeframe":"1D"}
//	in:  {"type":"trade","symbol":"AAPL","price":189.5,"volume":12,"timestamp":1700000000000}
//	in:  {"type":"historical","symbol":"AAPL","timeframe":"1D","data":{...historical_data...}}
//
// Trade timestamps are unix milliseconds.
package feed

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketview/internal/marketdata/history"
	"marketview/internal/model"
)

// StreamError reports a push-channel connect, read or protocol failure.
type StreamError struct {
	Instrument string
	Err        error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Instrument, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// EventKind discriminates Event.
type EventKind int

const (
	EventTick       EventKind = iota // Tick is set
	EventHistorical                  // Payload is set
	EventState                       // Connected/Err are set
)

// Event is one item delivered on a subscription.
type Event struct {
	Kind      EventKind
	Token     uint64
	Tick      model.Tick
	Payload   *history.Payload
	Connected bool
	Err       error // *StreamError when a connection was lost or failed
}

// Config holds configuration for the adapter.
type Config struct {
	// BaseURL of the push channel, e.g. "ws://localhost:8000".
	BaseURL string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 1 second if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration

	// Buffer is the per-subscription event channel size. Defaults to 1024.
	Buffer int

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.Buffer == 0 {
		c.Buffer = 1024
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// Subscription is a handle to one open push-channel subscription.
type Subscription struct {
	Instrument string
	Timeframe  model.Timeframe
	Token      uint64

	url    string
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

// Events returns the channel events are delivered on. It is closed once the
// subscription has fully stopped.
func (s *Subscription) Events() <-chan Event { return s.events }

// Adapter manages the single live subscription.
type Adapter struct {
	cfg Config

	mu      sync.Mutex
	sub     *Subscription
	conn    bool
	lastErr error

	// Hooks (optional)
	OnReconnect  func(instrument string)
	OnParseError func(raw []byte, err error)
}

// New creates an adapter. Returns an error if BaseURL is unparseable.
func New(cfg Config) (*Adapter, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("feed base url %q: scheme must be ws or wss", cfg.BaseURL)
	}
	return &Adapter{cfg: cfg}, nil
}

// URL returns the subscription URL for instrument and tf.
func (a *Adapter) URL(instrument string, tf model.Timeframe) string {
	base := strings.TrimRight(a.cfg.BaseURL, "/")
	return base + "/ws/" + url.PathEscape(instrument) + "?timeframe=" + url.QueryEscape(tf.String())
}

// Subscribe opens the subscription for (instrument, tf) stamped with token,
// first tearing down any existing one. Connecting happens in the
// background; connection state arrives as EventState events. The
// subscription lives until Unsubscribe, a later Subscribe, or ctx ends.
func (a *Adapter) Subscribe(ctx context.Context, instrument string, tf model.Timeframe, token uint64) (*Subscription, error) {
	if instrument == "" {
		return nil, fmt.Errorf("subscribe: empty instrument")
	}
	if !tf.Valid() {
		return nil, fmt.Errorf("subscribe: invalid timeframe %q", tf)
	}

	a.mu.Lock()
	prev := a.sub
	a.sub = nil
	a.mu.Unlock()
	if prev != nil {
		a.stop(prev)
	}

	sctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		Instrument: instrument,
		Timeframe:  tf,
		Token:      token,
		url:        a.URL(instrument, tf),
		events:     make(chan Event, a.cfg.Buffer),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	a.mu.Lock()
	a.sub = sub
	a.conn = false
	a.lastErr = nil
	a.mu.Unlock()

	go a.run(sctx, sub)
	return sub, nil
}

// Unsubscribe closes sub and waits until its connection is gone.
// Unsubscribing a subscription that is no longer current is a no-op
// beyond making sure it is stopped.
func (a *Adapter) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	a.mu.Lock()
	if a.sub == sub {
		a.sub = nil
		a.conn = false
	}
	a.mu.Unlock()
	a.stop(sub)
}

// Close tears down the current subscription, if any.
func (a *Adapter) Close() {
	a.mu.Lock()
	sub := a.sub
	a.mu.Unlock()
	a.Unsubscribe(sub)
}

// Current returns the open subscription or nil.
func (a *Adapter) Current() *Subscription {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sub
}

// Connected reports whether the current subscription has a live connection.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

// LastError returns the most recent *StreamError of the current subscription.
func (a *Adapter) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

func (a *Adapter) stop(sub *Subscription) {
	sub.cancel()
	<-sub.done
}

func (a *Adapter) setState(sub *Subscription, connected bool, err error) {
	a.mu.Lock()
	if a.sub == sub {
		a.conn = connected
		if err != nil {
			a.lastErr = err
		}
	}
	a.mu.Unlock()
}
