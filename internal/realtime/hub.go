package realtime

import (
	"context"
	"sync"

	"github.com/feed-data-realtime/internal/metrics"
)

// Hub fans serialized messages out to every active Subscription.
//
// Publish holds the hub's read lock only long enough to walk the subscriber
// set; each subscription guards its own buffer, so concurrent publishers and
// slow consumers never serialize behind one lock.
type Hub struct {
	capacity int
	metrics  *metrics.Realtime

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewHub creates a hub whose subscribers buffer at most capacity messages.
func NewHub(capacity int, m *metrics.Realtime) *Hub {
	if capacity < 1 {
		capacity = 1
	}
	if m == nil {
		m = metrics.NewNopRealtime()
	}
	return &Hub{
		capacity: capacity,
		metrics:  m,
		subs:     map[uint64]*Subscription{},
	}
}

// Publish delivers msg to every subscription registered before the call.
// It never blocks on a consumer: a full buffer drops its oldest entry.
func (h *Hub) Publish(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	h.metrics.HubPublished.Inc()
	for _, s := range h.subs {
		if s.push(msg) {
			h.metrics.HubOverflowDrops.Inc()
		}
	}
}

// Subscribe registers a consumer that sees only messages published from now on.
// After Close it returns an already closed subscription.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := newSubscription(h, h.nextID, h.capacity)
	h.nextID++
	if h.closed {
		s.close()
		return s
	}
	h.subs[s.id] = s
	h.metrics.HubSubscribers.Set(float64(len(h.subs)))
	return s
}

// Unsubscribe removes s and frees its buffer. Calling it more than once, or
// after the hub already dropped s, is a no-op.
func (h *Hub) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	h.mu.Lock()
	if cur, ok := h.subs[s.id]; ok && cur == s {
		delete(h.subs, s.id)
		h.metrics.HubSubscribers.Set(float64(len(h.subs)))
	}
	h.mu.Unlock()
	s.close()
}

// Len returns the number of active subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription. Later publishes are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = map[uint64]*Subscription{}
	h.metrics.HubSubscribers.Set(0)
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// Subscription is one consumer's handle into the hub. It is owned by exactly
// one goroutine reading Next; Close may be called from anywhere.
type Subscription struct {
	id  uint64
	hub *Hub

	mu      sync.Mutex
	buf     [][]byte // ring buffer, len(buf) == capacity
	head    int
	size    int
	dropped uint64
	closed  bool

	ready chan struct{} // capacity 1, signalled after a push
	done  chan struct{}
}

func newSubscription(h *Hub, id uint64, capacity int) *Subscription {
	return &Subscription{
		id:    id,
		hub:   h,
		buf:   make([][]byte, capacity),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// push appends msg, evicting the oldest entry when full. It reports whether
// an entry was dropped.
func (s *Subscription) push(msg []byte) (dropped bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	capacity := len(s.buf)
	if s.size == capacity {
		s.buf[s.head] = nil
		s.head = (s.head + 1) % capacity
		s.size--
		s.dropped++
		dropped = true
	}
	s.buf[(s.head+s.size)%capacity] = msg
	s.size++
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return dropped
}

// TryNext returns the oldest buffered message without blocking. closed
// reports that the subscription has ended.
func (s *Subscription) TryNext() (msg []byte, ok bool, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, true
	}
	if s.size == 0 {
		return nil, false, false
	}
	msg = s.buf[s.head]
	s.buf[s.head] = nil
	s.head = (s.head + 1) % len(s.buf)
	s.size--
	return msg, true, false
}

// Ready is signalled after a publish reaches this subscription. A receive
// does not guarantee a message; callers loop on TryNext.
func (s *Subscription) Ready() <-chan struct{} {
	return s.ready
}

// Next blocks until a message is available, the subscription is closed
// (ErrSubscriptionClosed) or ctx is done. Messages come out in publish order.
func (s *Subscription) Next(ctx context.Context) ([]byte, error) {
	for {
		msg, ok, closed := s.TryNext()
		if closed {
			return nil, ErrSubscriptionClosed
		}
		if ok {
			return msg, nil
		}
		select {
		case <-s.ready:
		case <-s.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of buffered messages.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Dropped returns how many messages were evicted by overflow.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Done is closed once the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close unsubscribes from the hub. It is idempotent.
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s)
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.buf = nil
	s.head, s.size = 0, 0
	close(s.done)
}
