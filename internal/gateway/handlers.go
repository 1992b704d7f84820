package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"marketview/internal/model"
	"marketview/internal/store/sqlite"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// BarHistory serves recently closed bars; *redis.Reader implements it.
type BarHistory interface {
	RecentBars(ctx context.Context, instrument string, tf model.Timeframe, n int64) ([]model.ClosedBar, error)
}

// Journal serves the durable bar and session journal; *sqlite.Reader implements it.
type Journal interface {
	ReadBars(instrument string, tf model.Timeframe, after time.Time) ([]model.ClosedBar, error)
	ReadSessions(limit int) ([]sqlite.SessionEvent, error)
}

// Routes are the optional collaborators of RegisterRoutes.
type Routes struct {
	Bars    BarHistory   // nil disables /api/bars/recent
	Journal Journal      // nil disables /api/journal/*
	Health  http.Handler // nil serves a minimal /health
	Started time.Time
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	SetCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// instrumentQuery reads instrument and timeframe, defaulting to the
// current session.
func instrumentQuery(r *http.Request, hub *Hub) (string, model.Timeframe, error) {
	inst := r.URL.Query().Get("instrument")
	tfStr := r.URL.Query().Get("timeframe")

	hub.mu.RLock()
	if hub.session != nil {
		if inst == "" {
			inst = hub.session.Instrument
		}
		if tfStr == "" {
			tfStr = string(hub.session.Timeframe)
		}
	}
	hub.mu.RUnlock()

	tf, err := model.ParseTimeframe(tfStr)
	return inst, tf, err
}

func intQuery(r *http.Request, name string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// RegisterRoutes registers the websocket and REST endpoints on mux.
func RegisterRoutes(mux *http.ServeMux, hub *Hub, rt Routes) {
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		since := int64(-1)
		if s := r.URL.Query().Get("since"); s != "" {
			if v, err := strconv.ParseInt(s, 10, 64); err == nil {
				since = v
			}
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[gateway] ws upgrade failed: %v", err)
			return
		}
		hub.HandleWSRequest(conn, since)
	})

	mux.HandleFunc("/api/view", func(w http.ResponseWriter, r *http.Request) {
		ctl := hub.controller()
		if ctl == nil {
			writeError(w, http.StatusServiceUnavailable, "no engine attached")
			return
		}
		v, err := ctl.View()
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, v)
	})

	mux.HandleFunc("/api/command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			SetCORS(w)
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "POST only")
			return
		}
		ctl := hub.controller()
		if ctl == nil {
			writeError(w, http.StatusServiceUnavailable, "no engine attached")
			return
		}
		var cmd Command
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil || cmd.Type == "" {
			writeError(w, http.StatusBadRequest, "invalid command")
			return
		}
		reply := timedDispatch(ctl, cmd, hub.Latency)
		status := http.StatusOK
		if !reply.OK {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, reply)
	})

	mux.HandleFunc("/api/indicators", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, model.Indicators())
	})

	mux.HandleFunc("/api/timeframes", func(w http.ResponseWriter, r *http.Request) {
		type tfInfo struct {
			Value   model.Timeframe `json:"value"`
			Seconds int64           `json:"seconds"`
		}
		tfs := model.Timeframes()
		out := make([]tfInfo, len(tfs))
		for i, tf := range tfs {
			out[i] = tfInfo{Value: tf, Seconds: int64(tf.BucketWidth().Seconds())}
		}
		writeJSON(w, http.StatusOK, out)
	})

	// Gap backfill: envelopes with seq in [from, to].
	mux.HandleFunc("/api/missed", func(w http.ResponseWriter, r *http.Request) {
		from, err1 := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
		to, err2 := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
		if err1 != nil || err2 != nil || from > to {
			writeError(w, http.StatusBadRequest, "from and to are required, from <= to")
			return
		}
		envs := hub.ReplayRange(from, to)
		out := make([]json.RawMessage, len(envs))
		for i, e := range envs {
			out[i] = e
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("/api/latency", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hub.Latency.Stats())
	})

	if rt.Bars != nil {
		mux.HandleFunc("/api/bars/recent", func(w http.ResponseWriter, r *http.Request) {
			inst, tf, err := instrumentQuery(r, hub)
			if err != nil || inst == "" {
				writeError(w, http.StatusBadRequest, "instrument and a valid timeframe are required")
				return
			}
			bars, err := rt.Bars.RecentBars(r.Context(), inst, tf, int64(intQuery(r, "limit", 200, 1000)))
			if err != nil {
				writeError(w, http.StatusBadGateway, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, bars)
		})
	}

	if rt.Journal != nil {
		mux.HandleFunc("/api/journal/bars", func(w http.ResponseWriter, r *http.Request) {
			inst, tf, err := instrumentQuery(r, hub)
			if err != nil || inst == "" {
				writeError(w, http.StatusBadRequest, "instrument and a valid timeframe are required")
				return
			}
			var after time.Time
			if s := r.URL.Query().Get("after"); s != "" {
				if after, err = time.Parse(time.RFC3339, s); err != nil {
					writeError(w, http.StatusBadRequest, "after must be RFC3339")
					return
				}
			}
			bars, err := rt.Journal.ReadBars(inst, tf, after)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, bars)
		})
		mux.HandleFunc("/api/journal/sessions", func(w http.ResponseWriter, r *http.Request) {
			events, err := rt.Journal.ReadSessions(intQuery(r, "limit", 50, 500))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, events)
		})
	}

	if rt.Health != nil {
		mux.Handle("/health", rt.Health)
	} else {
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"status":     "ok",
				"ws_clients": hub.ClientCount(),
				"seq":        hub.Seq(),
				"uptime_sec": int64(time.Since(rt.Started).Seconds()),
			})
		})
	}
}
