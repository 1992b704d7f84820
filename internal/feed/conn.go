package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"marketview/internal/marketdata/history"
	"marketview/internal/model"
)

type subscribeMsg struct {
	Type      string `json:"type"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

type inbound struct {
	Type      string           `json:"type"`
	Symbol    string           `json:"symbol"`
	Timeframe string           `json:"timeframe"`
	Price     float64          `json:"price"`
	Volume    float64          `json:"volume"`
	Timestamp int64            `json:"timestamp"` // unix ms
	Data      *history.Payload `json:"data"`
	Message   string           `json:"message"`
}

// run is the subscription goroutine: connect, read until disconnect,
// back off, repeat until ctx ends.
func (a *Adapter) run(ctx context.Context, sub *Subscription) {
	defer close(sub.done)
	defer close(sub.events)

	delay := a.cfg.ReconnectDelay
	for {
		connected, err := a.runOnce(ctx, sub)
		if ctx.Err() != nil {
			return
		}
		if connected {
			// Reset backoff after a connection that actually came up
			delay = a.cfg.ReconnectDelay
		}

		serr := &StreamError{Instrument: sub.Instrument, Err: err}
		a.setState(sub, false, serr)
		if !a.emit(ctx, sub, Event{Kind: EventState, Token: sub.Token, Connected: false, Err: serr}) {
			return
		}

		log.Printf("[feed] %s disconnected (%v), reconnecting in %s...", sub.Instrument, err, delay)
		if a.OnReconnect != nil {
			a.OnReconnect(sub.Instrument)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		// Exponential backoff
		delay *= 2
		if delay > a.cfg.MaxReconnectDelay {
			delay = a.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or
// ctx cancel. connected reports whether the dial and subscribe succeeded.
func (a *Adapter) runOnce(ctx context.Context, sub *Subscription) (connected bool, err error) {
	conn, _, err := a.cfg.Dialer.DialContext(ctx, sub.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Async context watcher: closes the connection when ctx is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unsubscribe"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	if err := conn.WriteJSON(subscribeMsg{
		Type:      "subscribe",
		Symbol:    sub.Instrument,
		Timeframe: sub.Timeframe.String(),
	}); err != nil {
		return false, fmt.Errorf("send subscribe: %w", err)
	}

	log.Printf("[feed] connected to %s (session %d)", sub.url, sub.Token)
	a.setState(sub, true, nil)
	if !a.emit(ctx, sub, Event{Kind: EventState, Token: sub.Token, Connected: true}) {
		return true, nil
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("read: %w", err)
		}

		ev, ok := a.decode(sub, raw)
		if !ok {
			continue
		}
		if !a.emit(ctx, sub, ev) {
			return true, nil
		}
	}
}

func (a *Adapter) decode(sub *Subscription, raw []byte) (Event, bool) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		a.parseError(raw, err)
		return Event{}, false
	}
	if msg.Symbol != "" && msg.Symbol != sub.Instrument {
		return Event{}, false
	}

	switch msg.Type {
	case "trade", "realtime":
		if msg.Timestamp <= 0 {
			a.parseError(raw, errors.New("trade without timestamp"))
			return Event{}, false
		}
		return Event{
			Kind:  EventTick,
			Token: sub.Token,
			Tick: model.Tick{
				Instrument: sub.Instrument,
				Price:      msg.Price,
				Volume:     msg.Volume,
				Time:       time.UnixMilli(msg.Timestamp).UTC(),
				Session:    sub.Token,
			},
		}, true

	case "historical":
		if msg.Data == nil {
			a.parseError(raw, errors.New("historical message without data"))
			return Event{}, false
		}
		if msg.Timeframe != "" && msg.Timeframe != sub.Timeframe.String() {
			return Event{}, false
		}
		return Event{Kind: EventHistorical, Token: sub.Token, Payload: msg.Data}, true

	case "error":
		log.Printf("[feed] %s: server error: %s", sub.Instrument, msg.Message)
		return Event{}, false

	default:
		return Event{}, false
	}
}

func (a *Adapter) parseError(raw []byte, err error) {
	log.Printf("[feed] parse error: %v (raw: %.200s)", err, raw)
	if a.OnParseError != nil {
		a.OnParseError(raw, err)
	}
}

// emit delivers ev in order, blocking while the consumer is behind.
// Returns false once ctx is done.
func (a *Adapter) emit(ctx context.Context, sub *Subscription, ev Event) bool {
	select {
	case sub.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
