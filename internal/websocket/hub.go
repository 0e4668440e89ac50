package websocket

import (
	"sync"

	"github.com/rs/zerolog"
)

// SubscriberBuffer is how many events a slow subscriber may lag behind
// before events are dropped for it.
const SubscriberBuffer = 64

// Subscription receives published events on C until it is cancelled.
type Subscription struct {
	C <-chan EventEnvelope

	ch   chan EventEnvelope
	hub  *Hub
	once sync.Once
}

// Cancel detaches the subscription and closes C.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub fans engine events out to every connected shell. Publish never blocks.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
	log    zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subs: make(map[*Subscription]struct{}),
		log:  log.With().Str("component", "event_hub").Logger(),
	}
}

// Subscribe registers a new subscriber. On a closed hub the returned
// subscription's channel is already closed.
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan EventEnvelope, SubscriberBuffer)
	s := &Subscription{C: ch, ch: ch, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		s.once.Do(func() {})
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Publish delivers ev to every subscriber with room in its buffer.
func (h *Hub) Publish(ev EventEnvelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			h.log.Warn().Str("event", string(ev.Event)).Msg("Subscriber lagging, event dropped")
		}
	}
}

// Len reports the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		close(s.ch)
		s.once.Do(func() {})
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.ch)
}
