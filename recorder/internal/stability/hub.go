package stability

import "sync"

// EventKind distinguishes hub events.
type EventKind int

const (
	EventMutations EventKind = iota
	EventLoad
)

// Event is a batch of mutations or a window load notification.
type Event struct {
	Kind      EventKind
	Mutations []Mutation
}

const subscriptionBuffer = 64

// Hub fans page events out to every active waiter. Each pending click owns
// its own subscription, so overlapping waits do not steal events from one
// another. Delivery is non-blocking: a waiter that is behind loses batches,
// which only delays its settle timer.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscription receives hub events until Cancel is called or the hub is
// closed, after which C is closed.
type Subscription struct {
	C    <-chan Event
	c    chan Event
	hub  *Hub
	once sync.Once
}

// Subscribe registers a new waiter.
func (h *Hub) Subscribe() *Subscription {
	c := make(chan Event, subscriptionBuffer)
	s := &Subscription{C: c, c: c, hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c)
		s.once.Do(func() {})
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Cancel unregisters the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.c)
	})
}

// Publish delivers a mutation batch.
func (h *Hub) Publish(ms []Mutation) {
	if len(ms) == 0 {
		return
	}
	h.send(Event{Kind: EventMutations, Mutations: ms})
}

// PublishLoad delivers a window load notification.
func (h *Hub) PublishLoad() {
	h.send(Event{Kind: EventLoad})
}

func (h *Hub) send(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.c <- ev:
		default:
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close cancels every subscription. Later subscriptions are born closed.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*Subscription]struct{})
	h.closed = true
	h.mu.Unlock()
	for s := range subs {
		s.once.Do(func() { close(s.c) })
	}
}
