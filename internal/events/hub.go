// Package events fans triggered notifications out to delivery sinks: live
// WebSocket subscribers, Kafka, or both.
package events

import (
	"context"
	"sync"

	"github.com/gmsas95/preventx/internal/notify"
	"go.uber.org/zap"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 16

// Subscription receives the events of one user until closed.
type Subscription struct {
	C      <-chan notify.Event
	ch     chan notify.Event
	userID string
	hub    *Hub
	once   sync.Once
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub delivers events to in-process subscribers keyed by user.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	logger *zap.Logger
}

func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a new subscriber for userID.
func (h *Hub) Subscribe(userID string) *Subscription {
	ch := make(chan notify.Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, userID: userID, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*Subscription]struct{})
	}
	h.subs[userID][sub] = struct{}{}
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sub.userID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.userID)
		}
	}
	close(sub.ch)
}

// Publish hands ev to every subscriber of its user. A subscriber whose queue
// is full misses the event; it can still read it through polling.
func (h *Hub) Publish(_ context.Context, ev notify.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[ev.UserID] {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn("Subscriber queue full, dropping event",
				zap.String("user_id", ev.UserID),
				zap.String("rule_key", ev.RuleKey),
			)
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions of userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}
