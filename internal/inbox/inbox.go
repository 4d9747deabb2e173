// Package inbox implements the single buffered event queue each sync runner
// drains in its own goroutine (spec.md §4.3's "single event queue per
// database"). Depth is tracked on every send and receive rather than
// sampled by a caller, since a runner that forgets to resample after a
// burst of events would otherwise under-report MaxDepthSeen.
package inbox

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Inbox is a typed, depth-tracking message queue with a bounded send
// timeout. T is the event type carried by one runner's queue.
type Inbox[T any] struct {
	ch      chan T
	timeout time.Duration
	logger  *slog.Logger

	totalSent     atomic.Int64
	totalReceived atomic.Int64
	timeoutCount  atomic.Int64
	maxDepthSeen  atomic.Int64
}

// Stats is a point-in-time snapshot of an inbox's traffic and saturation.
type Stats struct {
	TotalSent     int64
	TotalReceived int64
	TimeoutCount  int64
	CurrentDepth  int
	MaxDepthSeen  int64
}

// New constructs an Inbox buffered to bufferSize. Send blocks for at most
// timeout before reporting failure.
func New[T any](bufferSize int, timeout time.Duration, logger *slog.Logger) *Inbox[T] {
	return &Inbox[T]{
		ch:      make(chan T, bufferSize),
		timeout: timeout,
		logger:  logger,
	}
}

// Send enqueues msg, blocking for up to the configured timeout. It reports
// whether msg was accepted; a caller whose Send fails should treat the
// event as dropped rather than retry, since a retry would just re-queue
// behind whatever is still backing up the channel.
func (ib *Inbox[T]) Send(msg T) bool {
	select {
	case ib.ch <- msg:
		ib.totalSent.Add(1)
		ib.recordDepth()
		return true
	case <-time.After(ib.timeout):
		ib.timeoutCount.Add(1)
		ib.logger.Warn("inbox send timeout",
			"timeout", ib.timeout,
			"current_depth", len(ib.ch))
		return false
	}
}

// TryReceive returns the next message without blocking.
func (ib *Inbox[T]) TryReceive() (T, bool) {
	select {
	case msg := <-ib.ch:
		ib.totalReceived.Add(1)
		ib.recordDepth()
		return msg, true
	default:
		var zero T
		return zero, false
	}
}

// Receive blocks until a message is available.
func (ib *Inbox[T]) Receive() T {
	msg := <-ib.ch
	ib.totalReceived.Add(1)
	ib.recordDepth()
	return msg
}

// recordDepth updates MaxDepthSeen against the channel's length immediately
// after a send or receive changes it, so a runner that drains events one at
// a time still has an accurate high-water mark without calling back in.
func (ib *Inbox[T]) recordDepth() {
	depth := int64(len(ib.ch))
	for {
		max := ib.maxDepthSeen.Load()
		if depth <= max || ib.maxDepthSeen.CompareAndSwap(max, depth) {
			return
		}
	}
}

// Stats returns a snapshot of this inbox's counters.
func (ib *Inbox[T]) Stats() Stats {
	return Stats{
		TotalSent:     ib.totalSent.Load(),
		TotalReceived: ib.totalReceived.Load(),
		TimeoutCount:  ib.timeoutCount.Load(),
		CurrentDepth:  len(ib.ch),
		MaxDepthSeen:  ib.maxDepthSeen.Load(),
	}
}

// Len returns the number of messages currently queued.
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}

// Close closes the underlying channel. Any blocked Send panics, matching
// close(chan)'s usual semantics; callers must stop sending before closing.
func (ib *Inbox[T]) Close() {
	close(ib.ch)
}
