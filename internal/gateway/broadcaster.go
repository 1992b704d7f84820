package gateway

import (
	"encoding/json"
	"strconv"
	"time"
)

// Envelope types sent to clients.
const (
	EnvSnapshot = "snapshot"
	EnvOps      = "ops"
	EnvSession  = "session"
	EnvError    = "error"
)

// envelope hand-crafts {"type":..,"seq":..,"ts":..,"data":..} around an
// already encoded payload, skipping a second json.Marshal on the hot path.
func envelope(typ string, seq int64, now time.Time, data []byte) []byte {
	buf := make([]byte, 0, len(data)+96)
	buf = append(buf, `{"type":"`...)
	buf = append(buf, typ...)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"ts":"`...)
	buf = now.UTC().AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, '}')
	return buf
}

// broadcastLocked queues msg on every client without blocking; a client
// whose send buffer is full misses it and can backfill via /api/missed.
// Caller holds h.mu.
func (h *Hub) broadcastLocked(msg []byte) {
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			if h.OnDrop != nil {
				h.OnDrop()
			}
		}
	}
}

// publish sequences payload, stores it for replay and fans it out.
// Caller holds h.mu for writing.
func (h *Hub) publishLocked(typ string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	h.seq++
	env := envelope(typ, h.seq, time.Now(), data)
	h.replay.Push(h.seq, env)
	h.broadcastLocked(env)
	return nil
}
