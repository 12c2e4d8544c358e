package notify

import (
	"sync"

	"bustrack/internal/metrics"
	"bustrack/internal/models"
)

// Hub fans trip changes out to in-process viewers. Delivery never blocks the
// writer: each subscription has a small buffer and changes are dropped for a
// viewer whose buffer is full. Viewers re-read the whole snapshot on each
// notification, so a drop only delays one refresh.
type Hub struct {
	buffer  int
	metrics *metrics.Collector

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{} // tripID -> subscriptions
	n    int
}

type Subscription struct {
	C      <-chan models.Change
	ch     chan models.Change
	tripID string
	hub    *Hub
	once   sync.Once
}

func NewHub(buffer int, m *metrics.Collector) *Hub {
	if buffer <= 0 {
		buffer = 8
	}
	return &Hub{
		buffer:  buffer,
		metrics: m,
		subs:    make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers interest in one trip. Call Close when done.
func (h *Hub) Subscribe(tripID string) *Subscription {
	ch := make(chan models.Change, h.buffer)
	s := &Subscription{C: ch, ch: ch, tripID: tripID, hub: h}

	h.mu.Lock()
	set, ok := h.subs[tripID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[tripID] = set
	}
	set[s] = struct{}{}
	h.n++
	if h.metrics != nil {
		h.metrics.ViewerSubscribers.Set(float64(h.n))
	}
	h.mu.Unlock()
	return s
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		if set, ok := h.subs[s.tripID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.tripID)
			}
		}
		h.n--
		if h.metrics != nil {
			h.metrics.ViewerSubscribers.Set(float64(h.n))
		}
		close(s.ch)
		h.mu.Unlock()
	})
}

// TripChanged delivers c to every subscriber of its trip.
func (h *Hub) TripChanged(c models.Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[c.TripID] {
		select {
		case s.ch <- c:
		default:
			if h.metrics != nil {
				h.metrics.ViewerDrops.Inc()
			}
		}
	}
}

// Subscribers returns the number of live subscriptions for a trip.
func (h *Hub) Subscribers(tripID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[tripID])
}
