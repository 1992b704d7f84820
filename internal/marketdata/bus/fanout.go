// Package bus fans closed bars from the engine sink out to the bar stores.
package bus

import (
	"context"
	"log"
	"sync"

	"marketview/internal/model"
)

// FanOut broadcasts closed bars from a single input channel to N output
// channels. A full output drops the bar for that consumer only, so a slow
// store never blocks the engine.
type FanOut struct {
	mu      sync.RWMutex
	outputs []chan model.ClosedBar
	names   []string
	bufSize int

	// OnDrop is called when a bar is dropped for a subscriber.
	OnDrop func(name string, b model.ClosedBar)
}

// New creates a FanOut with the given buffer size for output channels.
func New(outputBufferSize int) *FanOut {
	return &FanOut{
		bufSize: outputBufferSize,
	}
}

// Subscribe creates and returns a new named output channel.
// Subscribe before Run; outputs are closed when Run returns.
func (f *FanOut) Subscribe(name string) <-chan model.ClosedBar {
	ch := make(chan model.ClosedBar, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.names = append(f.names, name)
	f.mu.Unlock()
	return ch
}

// Run reads from input and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed.
func (f *FanOut) Run(ctx context.Context, input <-chan model.ClosedBar) {
	defer func() {
		f.mu.RLock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for i, ch := range f.outputs {
				select {
				case ch <- bar:
				default:
					if f.OnDrop != nil {
						f.OnDrop(f.names[i], bar)
					} else {
						log.Printf("[bus] %s full, dropping bar %s", f.names[i], bar.Key())
					}
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ChannelStat is the fill level of one subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// ChannelStats returns the fill level of each subscriber channel.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = ChannelStat{Name: f.names[i], Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
