package logging

import (
	"log/slog"
	"sync"
)

// DefaultSubscriberBuffer is the channel depth given to a new Subscription
// when the caller does not request a specific size.
const DefaultSubscriberBuffer = 64

// Broadcaster fans out Record values to every active Subscription. Publish
// never blocks on a slow subscriber: a full subscriber channel causes that
// record to be dropped for that subscriber and counted, per the "blocking
// the log stream is not acceptable" rule.
type Broadcaster struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan Record

	dropped uint64
}

// NewBroadcaster constructs an empty Broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger,
		subs:   make(map[uint64]chan Record),
	}
}

// Subscription is a handle to one subscriber's feed. Receive from C to
// consume forwarded records; call Unsubscribe when done. Unsubscribe is
// idempotent.
type Subscription struct {
	id uint64
	C  <-chan Record
	b  *Broadcaster

	once sync.Once
}

// Subscribe registers a new subscriber with a channel of the given buffer
// depth (DefaultSubscriberBuffer if bufferSize <= 0).
func (b *Broadcaster) Subscribe(bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	ch := make(chan Record, bufferSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	return &Subscription{id: id, C: ch, b: b}
}

// Unsubscribe cancels the subscription. Safe to call more than once; safe to
// call concurrently with Publish.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.b.mu.Lock()
		ch, ok := s.b.subs[s.id]
		if ok {
			delete(s.b.subs, s.id)
		}
		s.b.mu.Unlock()

		if ok {
			close(ch)
		}
	})
}

// Publish delivers r to every current subscriber without blocking. A
// subscriber whose channel is full has the record dropped for it.
func (b *Broadcaster) Publish(r Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- r:
		default:
			b.dropped++
			if b.logger != nil {
				b.logger.Debug("dropped log record for slow subscriber", "logger_name", r.LoggerName)
			}
		}
	}
}

// Stats reports the broadcaster's current fan-out state.
type Stats struct {
	Subscribers int
	Dropped     uint64
}

// Stats returns a snapshot of the broadcaster's counters.
func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Subscribers: len(b.subs), Dropped: b.dropped}
}
