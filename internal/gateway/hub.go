package gateway

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketview/internal/chart"
	"marketview/internal/model"
)

// Hub fans the engine's chart operations out to websocket clients.
//
// It is a chart.Surface: every batch is applied to an in-memory mirror and
// broadcast as one sequenced "ops" envelope. A joining client gets the
// mirror as a snapshot and then every later envelope, with no gap, because
// both happen under the same lock.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	seq     int64
	mirror  *chart.Memory
	session *model.Session
	replay  *ReplayBuffer
	ctl     Controller

	// Latency tracks command round trips.
	Latency *LatencyTracker

	// Hooks (optional)
	OnClientCount func(n int)
	OnDrop        func()
}

type snapshotData struct {
	Session *model.Session `json:"session,omitempty"`
	Ops     []chart.Op     `json:"ops"`
}

type errorData struct {
	Message string `json:"message"`
}

// NewHub creates a hub. ctl may be nil, in which case clients are read-only.
func NewHub(ctl Controller, replayCap int) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		mirror:  chart.NewMemory(),
		replay:  NewReplayBuffer(replayCap),
		ctl:     ctl,
		Latency: NewLatencyTracker(1000),
	}
}

// SetController attaches the engine after construction.
func (h *Hub) SetController(ctl Controller) {
	h.mu.Lock()
	h.ctl = ctl
	h.mu.Unlock()
}

func (h *Hub) controller() Controller {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ctl
}

// Apply implements chart.Surface.
func (h *Hub) Apply(ops []chart.Op) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.mirror.Apply(ops); err != nil {
		return fmt.Errorf("gateway mirror: %w", err)
	}
	return h.publishLocked(EnvOps, ops)
}

// SetSession broadcasts a session change or state transition.
func (h *Hub) SetSession(s model.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.session = &s
	if err := h.publishLocked(EnvSession, s); err != nil {
		log.Printf("[gateway] encode session: %v", err)
	}
}

// ReportError broadcasts a user-visible engine error.
func (h *Hub) ReportError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e := h.publishLocked(EnvError, errorData{Message: err.Error()}); e != nil {
		log.Printf("[gateway] encode error: %v", e)
	}
}

// Seq returns the sequence number of the last broadcast envelope.
func (h *Hub) Seq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// snapshotLocked encodes the current mirror. Caller holds h.mu.
func (h *Hub) snapshotLocked() ([]byte, error) {
	data, err := json.Marshal(snapshotData{Session: h.session, Ops: h.mirror.Snapshot()})
	if err != nil {
		return nil, err
	}
	return envelope(EnvSnapshot, h.seq, time.Now(), data), nil
}

// HandleWSRequest registers conn as a client. With since >= 0 and the
// envelopes after it still buffered, the client is caught up from the
// replay buffer; otherwise it gets a full snapshot.
func (h *Hub) HandleWSRequest(conn *websocket.Conn, since int64) *Client {
	c := &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  h,
	}
	conn.EnableWriteCompression(true)

	h.mu.Lock()
	var backlog [][]byte
	resumed := false
	if since >= 0 && since <= h.seq {
		backlog, resumed = h.replay.Since(since)
		if resumed && len(backlog) > cap(c.send) {
			// Too far behind to queue; start over from a snapshot.
			backlog, resumed = nil, false
		}
	}
	if !resumed {
		snap, err := h.snapshotLocked()
		if err != nil {
			h.mu.Unlock()
			log.Printf("[gateway] encode snapshot: %v", err)
			conn.Close()
			return nil
		}
		backlog = [][]byte{snap}
	}
	for _, msg := range backlog {
		select {
		case c.send <- msg:
		default:
		}
	}
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[gateway] ws client %s connected (clients=%d resumed=%v)", c.id, count, resumed)
	if h.OnClientCount != nil {
		h.OnClientCount(count)
	}

	go c.writePump()
	go c.readPump()
	return c
}

// RemoveClient unregisters c and closes its send channel.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	count := len(h.clients)
	h.mu.Unlock()

	if h.OnClientCount != nil {
		h.OnClientCount(count)
	}
}

// sendTo queues msg for c if it is still registered.
func (h *Hub) sendTo(c *Client, msg []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ReplayRange returns buffered envelopes with seq in [from, to].
func (h *Hub) ReplayRange(from, to int64) [][]byte {
	return h.replay.Range(from, to)
}

// Series returns a copy of the mirrored chart.
func (h *Hub) Series() []chart.Series {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mirror.Series()
}
