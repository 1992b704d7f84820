package redis

import (
	"context"
	"errors"
	"log"
	"sync"

	"marketview/internal/model"
)

// BarWriter writes one closed bar; *Writer implements it.
type BarWriter interface {
	WriteBar(ctx context.Context, cb model.ClosedBar) error
}

// BufferedWriter wraps a BarWriter with a circuit breaker. While the
// circuit is open bars are buffered locally and flushed, in order, once it
// closes again.
type BufferedWriter struct {
	writer BarWriter
	cb     *CircuitBreaker
	ctx    context.Context

	mu     sync.Mutex
	buffer []model.ClosedBar
	maxBuf int // oldest dropped beyond this (default 10000)

	// Callbacks
	OnBuffer func()          // a bar was buffered
	OnFlush  func(count int) // buffered bars were written
	OnError  func(err error) // a write failed (the bar is lost)
}

// NewBufferedWriter creates a BufferedWriter. It chains onto the breaker's
// OnStateChange to flush when the circuit closes.
func NewBufferedWriter(ctx context.Context, w BarWriter, cb *CircuitBreaker, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bw := &BufferedWriter{
		writer: w,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]model.ClosedBar, 0, 256),
		maxBuf: maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go bw.Flush()
		}
	}
	return bw
}

// Run writes bars from ch until ctx is cancelled or ch is closed.
func (bw *BufferedWriter) Run(ctx context.Context, ch <-chan model.ClosedBar) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-ch:
			if !ok {
				return
			}
			if err := bw.Write(b); err != nil {
				log.Printf("[redis] write %s: %v", b.Key(), err)
			}
		}
	}
}

// Write writes b through the circuit breaker, buffering it when the
// circuit is open.
func (bw *BufferedWriter) Write(b model.ClosedBar) error {
	err := bw.cb.Execute(func() error { return bw.writer.WriteBar(bw.ctx, b) })
	switch {
	case errors.Is(err, ErrCircuitOpen):
		bw.push(b)
		return nil
	case err != nil:
		if bw.OnError != nil {
			bw.OnError(err)
		}
		return err
	}
	return nil
}

func (bw *BufferedWriter) push(bars ...model.ClosedBar) {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	for _, b := range bars {
		if len(bw.buffer) >= bw.maxBuf {
			bw.buffer = bw.buffer[1:]
		}
		bw.buffer = append(bw.buffer, b)
		if bw.OnBuffer != nil {
			bw.OnBuffer()
		}
	}
}

// Flush writes the buffered bars. If the circuit opens again part way,
// the unwritten remainder goes back to the front of the buffer.
func (bw *BufferedWriter) Flush() {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	toFlush := bw.buffer
	bw.buffer = make([]model.ClosedBar, 0, 256)
	bw.mu.Unlock()

	flushed := 0
	for i, b := range toFlush {
		err := bw.cb.Execute(func() error { return bw.writer.WriteBar(bw.ctx, b) })
		if errors.Is(err, ErrCircuitOpen) {
			bw.requeue(toFlush[i:])
			break
		}
		if err != nil && bw.OnError != nil {
			bw.OnError(err)
		}
		flushed++
	}

	log.Printf("[redis] flushed %d buffered bars", flushed)
	if bw.OnFlush != nil {
		bw.OnFlush(flushed)
	}
}

func (bw *BufferedWriter) requeue(rest []model.ClosedBar) {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	merged := append(append([]model.ClosedBar(nil), rest...), bw.buffer...)
	if len(merged) > bw.maxBuf {
		merged = merged[len(merged)-bw.maxBuf:]
	}
	bw.buffer = merged
}

// PendingCount returns the number of buffered bars waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}
