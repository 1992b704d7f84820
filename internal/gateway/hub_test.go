package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketview/internal/chart"
	"marketview/internal/engine"
	"marketview/internal/model"
)

type fakeController struct {
	mu       sync.Mutex
	started  []string
	toggled  map[string]bool
	volume   bool
	chart    chart.ChartType
	reloadFn func() error
}

func newFakeController() *fakeController {
	return &fakeController{toggled: make(map[string]bool)}
}

func (f *fakeController) StartSession(inst string, tf model.Timeframe) (model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst == "" {
		return model.Session{}, errors.New("instrument required")
	}
	f.started = append(f.started, inst+":"+string(tf))
	return model.Session{Instrument: inst, Timeframe: tf, Token: uint64(len(f.started)), State: model.StateLoading}, nil
}

func (f *fakeController) ToggleIndicator(id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := model.LookupIndicator(id); !ok {
		return false, errors.New("unknown indicator")
	}
	f.toggled[id] = !f.toggled[id]
	return f.toggled[id], nil
}

func (f *fakeController) SetChartType(ct chart.ChartType) error {
	f.mu.Lock()
	f.chart = ct
	f.mu.Unlock()
	return nil
}

func (f *fakeController) SetVolume(show bool) error {
	f.mu.Lock()
	f.volume = show
	f.mu.Unlock()
	return nil
}

func (f *fakeController) ClearCache(inst string) int {
	if inst == "" {
		return 7
	}
	return 2
}

func (f *fakeController) Reload() error {
	if f.reloadFn != nil {
		return f.reloadFn()
	}
	return nil
}

func (f *fakeController) View() (engine.View, error) {
	return engine.View{ChartType: chart.Candlestick, Active: []string{"rsi"}}, nil
}

type env struct {
	Type string          `json:"type"`
	Seq  int64           `json:"seq"`
	Data json.RawMessage `json:"data"`
}

func addPrice(close float64) []chart.Op {
	return []chart.Op{{
		Kind: chart.OpAdd,
		ID:   chart.PriceID,
		Bars: []model.Bar{{Time: time.Unix(0, 0).UTC(), Open: close, High: close, Low: close, Close: close}},
	}}
}

func startServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	RegisterRoutes(mux, hub, Routes{Started: time.Now()})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// reader splits coalesced frames back into individual messages.
type reader struct {
	t       *testing.T
	conn    *websocket.Conn
	pending [][]byte
}

func (r *reader) next() []byte {
	r.t.Helper()
	for len(r.pending) == 0 {
		r.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := r.conn.ReadMessage()
		require.NoError(r.t, err)
		r.pending = bytes.Split(msg, []byte{'\n'})
	}
	m := r.pending[0]
	r.pending = r.pending[1:]
	return m
}

func (r *reader) env() env {
	r.t.Helper()
	var e env
	require.NoError(r.t, json.Unmarshal(r.next(), &e))
	return e
}

func TestSnapshotThenOps(t *testing.T) {
	hub := NewHub(nil, 10)
	require.NoError(t, hub.Apply(addPrice(10)))
	hub.SetSession(model.Session{Instrument: "AAPL", Timeframe: model.TF1D, Token: 1, State: model.StateLive})

	srv := startServer(t, hub)
	r := &reader{t: t, conn: dial(t, srv, "")}

	snap := r.env()
	assert.Equal(t, EnvSnapshot, snap.Type)
	assert.Equal(t, int64(2), snap.Seq)
	var data snapshotData
	require.NoError(t, json.Unmarshal(snap.Data, &data))
	require.NotNil(t, data.Session)
	assert.Equal(t, "AAPL", data.Session.Instrument)
	require.Len(t, data.Ops, 1)
	assert.Equal(t, chart.OpAdd, data.Ops[0].Kind)
	assert.Equal(t, 10.0, data.Ops[0].Bars[0].Close)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	upd := []chart.Op{{Kind: chart.OpUpdate, ID: chart.PriceID, Partial: true,
		Bars: []model.Bar{{Time: time.Unix(0, 0).UTC(), Open: 10, High: 12, Low: 10, Close: 12}}}}
	require.NoError(t, hub.Apply(upd))

	e := r.env()
	assert.Equal(t, EnvOps, e.Type)
	assert.Equal(t, int64(3), e.Seq)

	hub.ReportError(errors.New("load failed"))
	e = r.env()
	assert.Equal(t, EnvError, e.Type)
	assert.JSONEq(t, `{"message":"load failed"}`, string(e.Data))

	assert.Equal(t, 12.0, hub.Series()[0].Bars[0].Close)
}

func TestInconsistentOpsRejected(t *testing.T) {
	hub := NewHub(nil, 10)
	err := hub.Apply([]chart.Op{{Kind: chart.OpRemove, ID: "nope"}})
	assert.Error(t, err)
	assert.Equal(t, int64(0), hub.Seq(), "nothing broadcast")
}

func TestResumeFromReplay(t *testing.T) {
	hub := NewHub(nil, 10)
	require.NoError(t, hub.Apply(addPrice(10)))
	hub.SetSession(model.Session{Instrument: "AAPL", Token: 1})
	hub.SetSession(model.Session{Instrument: "AAPL", Token: 1, State: model.StateLive})

	srv := startServer(t, hub)
	r := &reader{t: t, conn: dial(t, srv, "?since=1")}

	e := r.env()
	assert.Equal(t, EnvSession, e.Type)
	assert.Equal(t, int64(2), e.Seq)
	assert.Equal(t, int64(3), r.env().Seq)
}

func TestResumeTooOldGetsSnapshot(t *testing.T) {
	hub := NewHub(nil, 2)
	require.NoError(t, hub.Apply(addPrice(10)))
	for i := 0; i < 3; i++ {
		hub.SetSession(model.Session{Instrument: "AAPL", Token: 1})
	}

	srv := startServer(t, hub)
	r := &reader{t: t, conn: dial(t, srv, "?since=1")}
	e := r.env()
	assert.Equal(t, EnvSnapshot, e.Type)
	assert.Equal(t, int64(4), e.Seq)
}

func TestResumeBacklogTooLongGetsSnapshot(t *testing.T) {
	hub := NewHub(nil, 1000)
	require.NoError(t, hub.Apply(addPrice(10)))
	for i := 0; i < sendBuffer+10; i++ {
		hub.SetSession(model.Session{Instrument: "AAPL", Token: 1})
	}

	srv := startServer(t, hub)
	r := &reader{t: t, conn: dial(t, srv, "?since=1")}
	e := r.env()
	assert.Equal(t, EnvSnapshot, e.Type, "backlog does not fit the send buffer")
	assert.Equal(t, hub.Seq(), e.Seq)
}

func TestCommandOverWebsocket(t *testing.T) {
	ctl := newFakeController()
	hub := NewHub(ctl, 10)
	srv := startServer(t, hub)
	conn := dial(t, srv, "")
	r := &reader{t: t, conn: conn}
	assert.Equal(t, EnvSnapshot, r.env().Type)

	require.NoError(t, conn.WriteJSON(Command{Type: CmdToggleIndicator, ReqID: "r1", Indicator: "rsi"}))
	var reply Reply
	require.NoError(t, json.Unmarshal(r.next(), &reply))
	assert.Equal(t, "r1", reply.ReqID)
	assert.True(t, reply.OK)
	require.NotNil(t, reply.Active)
	assert.True(t, *reply.Active)
	assert.Equal(t, 1, hub.Latency.Stats().Count)

	require.NoError(t, conn.WriteJSON(map[string]int64{"ping": 42}))
	var pong struct {
		Type string `json:"type"`
		Ping int64  `json:"ping"`
	}
	require.NoError(t, json.Unmarshal(r.next(), &pong))
	assert.Equal(t, "pong", pong.Type)
	assert.Equal(t, int64(42), pong.Ping)
}

func TestReadOnlyHubRejectsCommands(t *testing.T) {
	hub := NewHub(nil, 10)
	srv := startServer(t, hub)
	conn := dial(t, srv, "")
	r := &reader{t: t, conn: conn}
	r.next()

	require.NoError(t, conn.WriteJSON(Command{Type: CmdReload, ReqID: "x"}))
	var reply Reply
	require.NoError(t, json.Unmarshal(r.next(), &reply))
	assert.False(t, reply.OK)
	assert.Equal(t, "read-only gateway", reply.Error)
}

func TestClientCountHook(t *testing.T) {
	hub := NewHub(nil, 10)
	var mu sync.Mutex
	var counts []int
	hub.OnClientCount = func(n int) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	}
	srv := startServer(t, hub)
	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 0}, counts)
}

func TestRESTEndpoints(t *testing.T) {
	hub := NewHub(newFakeController(), 10)
	require.NoError(t, hub.Apply(addPrice(10)))
	require.NoError(t, hub.Apply([]chart.Op{{Kind: chart.OpRemove, ID: chart.PriceID}}))
	srv := startServer(t, hub)

	get := func(path string) (int, []byte) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		return resp.StatusCode, buf.Bytes()
	}

	code, body := get("/api/missed?from=2&to=2")
	assert.Equal(t, http.StatusOK, code)
	var missed []env
	require.NoError(t, json.Unmarshal(body, &missed))
	require.Len(t, missed, 1)
	assert.Equal(t, int64(2), missed[0].Seq)

	code, _ = get("/api/missed?from=3")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = get("/api/view")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"active":["rsi"]`)

	code, body = get("/api/timeframes")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `{"value":"1h","seconds":3600}`)

	code, body = get("/api/indicators")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"id":"macd"`)

	code, _ = get("/api/journal/sessions")
	assert.Equal(t, http.StatusNotFound, code, "journal disabled")

	resp, err := http.Post(srv.URL+"/api/command", "application/json",
		strings.NewReader(`{"type":"start_session","instrument":"MSFT","timeframe":"1h"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var reply Reply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	require.NotNil(t, reply.Session)
	assert.Equal(t, "MSFT", reply.Session.Instrument)
}

func TestDispatch(t *testing.T) {
	ctl := newFakeController()

	r := Dispatch(ctl, Command{Type: CmdStartSession, Instrument: "AAPL", Timeframe: "bogus"})
	assert.False(t, r.OK)

	r = Dispatch(ctl, Command{Type: CmdStartSession, Instrument: "AAPL", Timeframe: "1d"})
	require.True(t, r.OK, r.Error)
	assert.Equal(t, model.TF1D, r.Session.Timeframe)

	r = Dispatch(ctl, Command{Type: CmdSetChartType, ChartType: "line"})
	assert.True(t, r.OK, r.Error)
	assert.Equal(t, chart.Line, ctl.chart)

	r = Dispatch(ctl, Command{Type: CmdSetChartType, ChartType: "pie"})
	assert.False(t, r.OK)

	r = Dispatch(ctl, Command{Type: CmdSetVolume, Show: true})
	assert.True(t, r.OK)
	assert.True(t, ctl.volume)

	r = Dispatch(ctl, Command{Type: CmdClearCache})
	require.True(t, r.OK)
	assert.Equal(t, 7, *r.Cleared)

	ctl.reloadFn = func() error { return errors.New("not in error state") }
	r = Dispatch(ctl, Command{Type: CmdReload})
	assert.Equal(t, "not in error state", r.Error)

	r = Dispatch(ctl, Command{Type: "launch"})
	assert.Contains(t, r.Error, "unknown command")
}

func TestDecodeCommand(t *testing.T) {
	_, err := DecodeCommand([]byte(`{"req_id":"1"}`))
	assert.Error(t, err)
	_, err = DecodeCommand([]byte(`nope`))
	assert.Error(t, err)

	cmd, err := DecodeCommand([]byte(`{"type":"toggle_indicator","indicator":"sma20"}`))
	require.NoError(t, err)
	assert.Equal(t, "sma20", cmd.Indicator)
}

func TestEnvelope(t *testing.T) {
	raw := envelope(EnvOps, 9, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), []byte(`[1,2]`))
	assert.JSONEq(t, `{"type":"ops","seq":9,"ts":"2024-01-02T03:04:05Z","data":[1,2]}`, string(raw))
}
