package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketview/internal/model"
)

// mockServer is a push channel that records subscribe directives and runs
// script on each accepted connection.
type mockServer struct {
	srv    *httptest.Server
	active atomic.Int32
	total  atomic.Int32

	mu    sync.Mutex
	subs  []subscribeMsg
	paths []string
}

func newMockServer(t *testing.T, script func(n int32, conn *websocket.Conn)) *mockServer {
	t.Helper()
	m := &mockServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		m.active.Add(1)
		defer m.active.Add(-1)
		n := m.total.Add(1)

		var sub subscribeMsg
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		m.mu.Lock()
		m.subs = append(m.subs, sub)
		m.paths = append(m.paths, r.URL.RequestURI())
		m.mu.Unlock()

		script(n, conn)
	}))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockServer) wsURL() string {
	return "ws" + strings.TrimPrefix(m.srv.URL, "http")
}

// drain keeps the connection open until the client goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func trade(symbol string, price, vol float64, ms int64) map[string]any {
	return map[string]any{"type": "trade", "symbol": symbol, "price": price, "volume": vol, "timestamp": ms}
}

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func newAdapter(t *testing.T, base string) *Adapter {
	t.Helper()
	a, err := New(Config{BaseURL: base, ReconnectDelay: 10 * time.Millisecond, MaxReconnectDelay: 50 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestSubscribe_StampsTicks(t *testing.T) {
	m := newMockServer(t, func(_ int32, conn *websocket.Conn) {
		conn.WriteJSON(trade("AAPL", 10.5, 5, 1500))
		conn.WriteJSON(trade("MSFT", 99, 1, 1600)) // other symbol, ignored
		conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		conn.WriteJSON(trade("AAPL", 10.7, 2, 1700))
		drain(conn)
	})
	a := newAdapter(t, m.wsURL())
	var parseErrs atomic.Int32
	a.OnParseError = func([]byte, error) { parseErrs.Add(1) }

	sub, err := a.Subscribe(context.Background(), "AAPL", model.TF1D, 7)
	require.NoError(t, err)

	ev := next(t, sub)
	assert.Equal(t, EventState, ev.Kind)
	assert.True(t, ev.Connected)
	assert.True(t, a.Connected())

	ev = next(t, sub)
	require.Equal(t, EventTick, ev.Kind)
	assert.Equal(t, uint64(7), ev.Token)
	assert.Equal(t, uint64(7), ev.Tick.Session)
	assert.Equal(t, 10.5, ev.Tick.Price)
	assert.Equal(t, time.UnixMilli(1500).UTC(), ev.Tick.Time)

	ev = next(t, sub)
	require.Equal(t, EventTick, ev.Kind)
	assert.Equal(t, 10.7, ev.Tick.Price)
	assert.Equal(t, int32(1), parseErrs.Load())

	m.mu.Lock()
	assert.Equal(t, subscribeMsg{Type: "subscribe", Symbol: "AAPL", Timeframe: "1D"}, m.subs[0])
	assert.Equal(t, "/ws/AAPL?timeframe=1D", m.paths[0])
	m.mu.Unlock()
}

func TestSubscribe_ReplacesPrevious(t *testing.T) {
	m := newMockServer(t, func(_ int32, conn *websocket.Conn) { drain(conn) })
	a := newAdapter(t, m.wsURL())

	first, err := a.Subscribe(context.Background(), "AAPL", model.TF1D, 3)
	require.NoError(t, err)
	require.True(t, next(t, first).Connected)

	second, err := a.Subscribe(context.Background(), "MSFT", model.TF1D, 4)
	require.NoError(t, err)

	// The first subscription is fully stopped before the second dials.
	for range first.Events() {
	}
	require.True(t, next(t, second).Connected)
	assert.Same(t, second, a.Current())
	require.Eventually(t, func() bool { return m.active.Load() == 1 }, time.Second, 5*time.Millisecond)

	a.Unsubscribe(second)
	assert.Nil(t, a.Current())
	assert.False(t, a.Connected())
	require.Eventually(t, func() bool { return m.active.Load() == 0 }, time.Second, 5*time.Millisecond)
}

func TestReconnect_KeepsToken(t *testing.T) {
	m := newMockServer(t, func(n int32, conn *websocket.Conn) {
		if n == 1 {
			conn.WriteJSON(trade("AAPL", 1, 1, 1000))
			return // drop the connection
		}
		conn.WriteJSON(trade("AAPL", 2, 1, 2000))
		drain(conn)
	})
	a := newAdapter(t, m.wsURL())
	reconnects := atomic.Int32{}
	a.OnReconnect = func(string) { reconnects.Add(1) }

	sub, err := a.Subscribe(context.Background(), "AAPL", model.TF1m, 11)
	require.NoError(t, err)

	assert.True(t, next(t, sub).Connected)
	assert.Equal(t, 1.0, next(t, sub).Tick.Price)

	lost := next(t, sub)
	require.Equal(t, EventState, lost.Kind)
	assert.False(t, lost.Connected)
	var se *StreamError
	require.True(t, errors.As(lost.Err, &se))
	assert.Equal(t, "AAPL", se.Instrument)

	assert.True(t, next(t, sub).Connected)
	ev := next(t, sub)
	assert.Equal(t, 2.0, ev.Tick.Price)
	assert.Equal(t, uint64(11), ev.Tick.Session, "re-stamped with the subscribe-time token")
	assert.Equal(t, int32(1), reconnects.Load())
	assert.Equal(t, int32(2), m.total.Load())
}

func TestHistoricalMessage(t *testing.T) {
	m := newMockServer(t, func(_ int32, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"historical","symbol":"AAPL","timeframe":"1W",
			"data":{"timestamps":[0],"open":[1],"high":[2],"low":[0.5],"close":[1.5],"volume":[10]}}`))
		drain(conn)
	})
	a := newAdapter(t, m.wsURL())
	sub, err := a.Subscribe(context.Background(), "AAPL", model.TF1W, 2)
	require.NoError(t, err)
	next(t, sub) // connected

	ev := next(t, sub)
	require.Equal(t, EventHistorical, ev.Kind)
	require.NotNil(t, ev.Payload)
	assert.Equal(t, []int64{0}, ev.Payload.Timestamps)
	assert.Equal(t, uint64(2), ev.Token)
}

func TestDialFailureReported(t *testing.T) {
	a := newAdapter(t, "ws://127.0.0.1:1")
	sub, err := a.Subscribe(context.Background(), "AAPL", model.TF1D, 1)
	require.NoError(t, err)

	ev := next(t, sub)
	assert.Equal(t, EventState, ev.Kind)
	assert.False(t, ev.Connected)
	assert.Error(t, ev.Err)
	assert.Error(t, a.LastError())
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{BaseURL: "http://localhost:8000"})
	assert.Error(t, err)

	a, err := New(Config{BaseURL: "ws://localhost:8000/"})
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8000/ws/BRK.B?timeframe=1M", a.URL("BRK.B", model.TF1M))

	_, err = a.Subscribe(context.Background(), "", model.TF1D, 1)
	assert.Error(t, err)
	_, err = a.Subscribe(context.Background(), "AAPL", model.Timeframe("7x"), 1)
	assert.Error(t, err)
}
