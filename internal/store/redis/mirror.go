package redis

import (
	"context"
	"errors"
	"log"
	"time"

	"marketview/internal/chart"
)

// OpsPublisher publishes an encoded ops batch; *Writer implements it.
type OpsPublisher interface {
	PublishOps(ctx context.Context, data []byte) error
}

// Mirror is a chart.Surface that forwards every op batch to Redis. Apply
// only encodes and enqueues, so the caller never waits on the network; Run
// publishes through the circuit breaker. A full queue or a failed publish
// drops the batch, and the next session rebuild resends the full state.
type Mirror struct {
	pub     OpsPublisher
	cb      *CircuitBreaker
	queue   chan []byte
	timeout time.Duration

	OnDrop func() // a batch was not mirrored
}

// NewMirror creates a Mirror with room for queueSize pending batches
// (default 1024). Each publish is bounded by timeout (default 1s).
func NewMirror(pub OpsPublisher, cb *CircuitBreaker, queueSize int, timeout time.Duration) *Mirror {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Mirror{pub: pub, cb: cb, queue: make(chan []byte, queueSize), timeout: timeout}
}

// Apply implements chart.Surface. It never blocks.
func (m *Mirror) Apply(ops []chart.Op) error {
	data, err := EncodeOps(ops)
	if err != nil {
		m.drop()
		return err
	}
	select {
	case m.queue <- data:
	default:
		m.drop()
	}
	return nil
}

// Run publishes queued batches until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-m.queue:
			err := m.cb.Execute(func() error {
				pctx, cancel := context.WithTimeout(ctx, m.timeout)
				defer cancel()
				return m.pub.PublishOps(pctx, data)
			})
			if err != nil {
				if !errors.Is(err, ErrCircuitOpen) {
					log.Printf("[redis] mirror ops: %v", err)
				}
				m.drop()
			}
		}
	}
}

// Pending returns the number of queued batches.
func (m *Mirror) Pending() int { return len(m.queue) }

func (m *Mirror) drop() {
	if m.OnDrop != nil {
		m.OnDrop()
	}
}
