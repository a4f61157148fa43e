package fanout

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/fleetplane/fleetplane/internal/models"
)

// ErrSlowConsumer is the close reason for a subscriber whose queue
// overflowed. Fanout never applies backpressure to the publish path; the
// slow subscriber is disconnected instead.
var ErrSlowConsumer = errors.New("subscriber queue overflow")

// ErrHubClosed signals a subscription attempt on a stopped hub.
var ErrHubClosed = errors.New("fanout hub closed")

// Subscription is a live event feed handle. Events delivers stored
// events in store order until the subscriber calls Close or the hub
// disconnects it; CloseReason reports why delivery ended.
type Subscription struct {
	name   string
	ch     chan models.StoredEvent
	once   sync.Once
	reason error
	hub    *Hub
}

// Events returns the receive channel for this subscription.
func (s *Subscription) Events() <-chan models.StoredEvent {
	return s.ch
}

// Close cancels the subscription and releases its queue immediately.
func (s *Subscription) Close() {
	s.closeWith(nil)
}

// CloseReason reports nil for a clean close, ErrSlowConsumer for a
// disconnect, or ErrHubClosed after hub shutdown.
func (s *Subscription) CloseReason() error {
	return s.reason
}

func (s *Subscription) closeWith(reason error) {
	s.once.Do(func() {
		s.reason = reason
		s.hub.remove(s)
		close(s.ch)
	})
}

// Hub distributes stored events to live subscribers. Each subscriber has
// a bounded queue; Publish drops the whole subscriber, never blocks.
type Hub struct {
	mu        sync.Mutex
	subs      map[*Subscription]struct{}
	buffer    int
	closed    bool
	logger    *slog.Logger
	onDropped func(name string)
}

// NewHub creates a hub with the given default per-subscriber buffer.
// onDropped, if non-nil, is invoked for each slow-consumer disconnect.
func NewHub(buffer int, logger *slog.Logger, onDropped func(name string)) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:      make(map[*Subscription]struct{}),
		buffer:    buffer,
		logger:    logger,
		onDropped: onDropped,
	}
}

// Subscribe registers a named subscriber. buffer <= 0 uses the hub default.
func (h *Hub) Subscribe(name string, buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = h.buffer
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	sub := &Subscription{
		name: name,
		ch:   make(chan models.StoredEvent, buffer),
		hub:  h,
	}
	h.subs[sub] = struct{}{}
	return sub, nil
}

// Publish fans one stored event out to every live subscriber. A
// subscriber with a full queue is disconnected with ErrSlowConsumer.
func (h *Hub) Publish(stored models.StoredEvent) {
	h.mu.Lock()
	var dropped []*Subscription
	for sub := range h.subs {
		select {
		case sub.ch <- stored:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		delete(h.subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range dropped {
		h.logger.Warn("disconnecting slow subscriber",
			slog.String("subscriber", sub.name), slog.Int64("offset", stored.Offset))
		if h.onDropped != nil {
			h.onDropped(sub.name)
		}
		sub.disconnect(ErrSlowConsumer)
	}
}

// SubscriberCount reports the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects all subscribers and rejects future subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[*Subscription]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.disconnect(ErrHubClosed)
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// disconnect closes a subscription that was already detached from the
// subscriber map, so remove inside closeWith is a no-op second delete.
func (s *Subscription) disconnect(reason error) {
	s.closeWith(reason)
}
