// Package ringchan provides a bounded, overwrite-oldest channel used to buffer
// outbound event frames for slow consumers.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded channel-like buffer with overwrite-oldest semantics.
//
// Producers never block: if the buffer is full, the oldest element is
// discarded to make room. Consumers read from C() like a normal channel.
//
//	rc := ringchan.New[channel.Event](64)
//	rc.Send(ev)          // never blocks
//	for ev := range rc.C() {
//	    ...
//	}
//
// Send after Close is a no-op rather than a panic, so a producer racing with a
// consumer that went away is safe.
type RingChannel[T any] struct {
	mu      sync.Mutex
	ch      chan T
	closed  bool
	metrics Metrics
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. It is closed by Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts an item, discarding the oldest one if the buffer is full.
// Reports whether an element was overwritten. Returns false without sending
// if the channel is closed.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	// Write lock: drop-then-insert must be atomic with respect to other senders.
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return false
	}

	for {
		select {
		case rc.ch <- v:
			atomic.AddInt64(&rc.metrics.Written, 1)
			return dropped
		default:
		}

		select {
		case <-rc.ch:
			atomic.AddInt64(&rc.metrics.Overwritten, 1)
			dropped = true
		default:
		}
	}
}

// Close closes the underlying channel. Buffered elements stay readable.
// Calling Close more than once is safe.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}

// GetMetrics returns a snapshot of the current counters.
func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
	}
}

// Metrics counts ring channel traffic. Fields are updated atomically.
type Metrics struct {
	Written     int64
	Overwritten int64
}
