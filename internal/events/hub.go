package events

import (
	"log/slog"
	"sync"
)

const subscriberBuffer = 64

// Hub is an in-memory Publisher with per-session subscriber lists. Slow
// subscribers have events dropped rather than blocking the publisher; the
// message store remains the source of truth for anything missed.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*subscriber]struct{}
	logger *slog.Logger
}

type subscriber struct {
	ch chan Event
}

func NewHub() *Hub {
	return &Hub{
		topics: make(map[string]map[*subscriber]struct{}),
		logger: slog.Default(),
	}
}

// Subscribe attaches to a session's topic and returns the event channel plus
// a cancel function. The channel is closed on cancel.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	subs, ok := h.topics[sessionID]
	if !ok {
		subs = make(map[*subscriber]struct{})
		h.topics[sessionID] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs, ok := h.topics[sessionID]
		if !ok {
			return
		}
		if _, attached := subs[sub]; !attached {
			return
		}
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, sessionID)
		}
		close(sub.ch)
	}
	return sub.ch, cancel
}

// Publish delivers the event to every current subscriber of the session.
func (h *Hub) Publish(sessionID string, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.topics[sessionID] {
		select {
		case sub.ch <- event:
		default:
			h.logger.Warn("dropping event for slow subscriber", "session_id", sessionID, "type", event.Type)
		}
	}
}

// SubscriberCount reports how many subscribers a session currently has.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[sessionID])
}
