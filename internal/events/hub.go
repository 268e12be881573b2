package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Hub fans events out to subscribers. Publishing never blocks and takes no
// lock: subscribers are held in a copy-on-write slice. A subscriber whose
// queue is full misses the event.
type Hub struct {
	subs   atomic.Pointer[[]*Subscription]
	mu     sync.Mutex // serializes Subscribe and Unsubscribe
	logger *slog.Logger
}

// Subscription receives events from a Hub until it is removed. C is never
// closed; Done is closed on removal.
type Subscription struct {
	C <-chan Event

	ch       chan Event
	done     chan struct{}
	progress bool
	dropped  atomic.Int64
	once     sync.Once
}

// Done is closed once the subscription has been removed from its Hub.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{logger: logger.With("component", "event_hub")}
	empty := []*Subscription{}
	h.subs.Store(&empty)
	return h
}

// Subscribe registers a new subscriber with the given queue length.
// When progress is false, stream progress events are not delivered.
func (h *Hub) Subscribe(buffer int, progress bool) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, done: make(chan struct{}), progress: progress}

	h.mu.Lock()
	defer h.mu.Unlock()

	cur := *h.subs.Load()
	next := make([]*Subscription, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, s)
	h.subs.Store(&next)

	h.logger.Debug("subscriber added", "subscribers", len(next))
	return s
}

// Unsubscribe removes s and closes its Done channel. It is safe to call more than once.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := *h.subs.Load()
	next := make([]*Subscription, 0, len(cur))
	for _, sub := range cur {
		if sub != s {
			next = append(next, sub)
		}
	}
	h.subs.Store(&next)

	s.once.Do(func() { close(s.done) })
	h.logger.Debug("subscriber removed", "subscribers", len(next))
}

// Len returns the current number of subscribers.
func (h *Hub) Len() int {
	return len(*h.subs.Load())
}

// Notify implements Notifier.
func (h *Hub) Notify(e Event) {
	for _, s := range *h.subs.Load() {
		if e.Type == TypeResponseStreaming && !s.progress {
			continue
		}
		s.deliver(e)
	}
}

func (s *Subscription) deliver(e Event) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Close removes every subscriber, closing their Done channels. Streams
// waiting on Done end, which lets shutdown finish while observers are
// still connected.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := *h.subs.Load()
	empty := []*Subscription{}
	h.subs.Store(&empty)

	for _, s := range cur {
		s.once.Do(func() { close(s.done) })
	}
	h.logger.Debug("hub closed", "removed", len(cur))
}
