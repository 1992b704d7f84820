// mdsim is a simulated market data service for running chartengine
// without a real backend. It serves /historical_data and /indicators over
// HTTP and pushes trades on /ws/{symbol}.
//
// Config (env vars):
//
//	SIM_ADDR         listen address (default ":8000")
//	SIM_BARS         bars per historical snapshot (default 300)
//	SIM_INTERVAL_MS  trade interval in milliseconds (default 250)
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"marketview/internal/indicator/calc"
	"marketview/internal/marketdata/history"
	"marketview/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

type server struct {
	mkt      *market
	interval time.Duration
	now      func() time.Time
}

type indicatorResponse struct {
	Symbol        string `json:"symbol"`
	IndicatorType string `json:"indicator_type"`
	Period        int    `json:"period"`
	Timeframe     string `json:"timeframe"`
	Data          struct {
		Timestamps []int64    `json:"timestamps"`
		Values     []*float64 `json:"values"`
		Signal     []*float64 `json:"signal,omitempty"`
	} `json:"data"`
}

type pushMsg struct {
	Type      string           `json:"type"`
	Symbol    string           `json:"symbol"`
	Timeframe string           `json:"timeframe,omitempty"`
	Price     float64          `json:"price,omitempty"`
	Volume    float64          `json:"volume,omitempty"`
	Timestamp int64            `json:"timestamp,omitempty"`
	Data      *history.Payload `json:"data,omitempty"`
	Message   string           `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"detail": msg})
}

func (s *server) snapshot(symbol string, tf model.Timeframe) *history.Payload {
	bars := s.mkt.history(symbol, tf, s.now())
	p := history.FromBars(strings.ToUpper(symbol), tf.String(), bars)
	p.Info = s.mkt.info(symbol, bars)
	return p
}

func (s *server) handleHistorical(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	tf, err := model.ParseTimeframe(r.URL.Query().Get("timeframe"))
	if symbol == "" || err != nil {
		badRequest(w, "symbol and a valid timeframe are required")
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot(symbol, tf))
}

func (s *server) handleIndicators(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tf, err := model.ParseTimeframe(q.Get("timeframe"))
	period, perr := strconv.Atoi(q.Get("period"))
	if q.Get("symbol") == "" || err != nil || perr != nil {
		badRequest(w, "symbol, indicator_type, period and timeframe are required")
		return
	}
	key := model.IndicatorKey{Instrument: q.Get("symbol"), Type: q.Get("indicator_type"), Period: period, Timeframe: tf}
	series, err := calc.Compute(key, s.mkt.history(key.Instrument, tf, s.now()))
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	resp := indicatorResponse{Symbol: strings.ToUpper(key.Instrument), IndicatorType: key.Type, Period: period, Timeframe: tf.String()}
	resp.Data.Timestamps = make([]int64, len(series.Points))
	resp.Data.Values = values(series.Points)
	for i, p := range series.Points {
		resp.Data.Timestamps[i] = p.Time.Unix()
	}
	if sig := series.Line("signal"); sig != nil && key.Type == "macd" {
		resp.Data.Signal = values(sig)
	}
	writeJSON(w, http.StatusOK, resp)
}

func values(pts []model.Point) []*float64 {
	out := make([]*float64, len(pts))
	for i, p := range pts {
		if p.Valid {
			v := p.Value
			out[i] = &v
		}
	}
	return out
}

// handleWS pushes a historical snapshot after the subscribe message, then
// one trade per interval until the client goes away.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimPrefix(r.URL.Path, "/ws/")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[mdsim] upgrade error: %v", err)
		return
	}
	defer conn.Close()

	var sub pushMsg
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := conn.ReadJSON(&sub); err != nil || sub.Type != "subscribe" {
		conn.WriteJSON(pushMsg{Type: "error", Symbol: symbol, Message: "expected subscribe"})
		return
	}
	conn.SetReadDeadline(time.Time{})
	if sub.Symbol != "" {
		symbol = sub.Symbol
	}
	tf, err := model.ParseTimeframe(sub.Timeframe)
	if err != nil {
		tf = model.TF1D
	}
	log.Printf("[mdsim] client %s subscribed %s %s", r.RemoteAddr, symbol, tf)

	// Detect client close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(m pushMsg) bool {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteJSON(m) == nil
	}
	if !send(pushMsg{Type: "historical", Symbol: symbol, Timeframe: tf.String(), Data: s.snapshot(symbol, tf)}) {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			log.Printf("[mdsim] client %s disconnected", r.RemoteAddr)
			return
		case <-ticker.C:
			price, vol := s.mkt.trade(symbol)
			if !send(pushMsg{Type: "trade", Symbol: symbol, Price: price, Volume: vol, Timestamp: s.now().UnixMilli()}) {
				return
			}
		}
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/historical_data", s.handleHistorical)
	mux.HandleFunc("/indicators", s.handleIndicators)
	mux.HandleFunc("/ws/", s.handleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "mdsim"})
	})
	return mux
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	addr := envOrDefault("SIM_ADDR", ":8000")
	s := &server{
		mkt:      newMarket(envIntOrDefault("SIM_BARS", 300)),
		interval: time.Duration(envIntOrDefault("SIM_INTERVAL_MS", 250)) * time.Millisecond,
		now:      time.Now,
	}

	log.Printf("[mdsim] listening on %s (trades every %s)", addr, s.interval)
	if err := http.ListenAndServe(addr, s.routes()); err != nil {
		log.Fatalf("[mdsim] server error: %v", err)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
