// Package session owns sessions and their tasks: it constructs one Agent
// per started task, runs it on a dedicated goroutine, fans the task's
// events out to subscribers, and relays interactive confirmation and
// takeover questions between the running agent and whoever is listening.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/internal/common/logger"
	"github.com/droidpilot/droidpilot/pkg/events"
)

// subscriberBuffer is the bounded backlog per subscriber. A subscriber
// that falls this far behind is dropped rather than back-pressuring the
// task loop.
const subscriberBuffer = 256

// Subscriber receives one session's events through a bounded queue.
// Consume from Events until it is closed; Dropped then reports whether
// the hub evicted the subscriber for falling behind.
type Subscriber struct {
	id        string
	sessionID string
	events    chan *events.Event
	slow      atomic.Bool
	closeOnce sync.Once
}

// ID returns the subscriber's unique id.
func (s *Subscriber) ID() string { return s.id }

// SessionID returns the session this subscriber listens to.
func (s *Subscriber) SessionID() string { return s.sessionID }

// Events is the subscriber's queue. The hub closes it when the
// subscriber is unsubscribed or dropped.
func (s *Subscriber) Events() <-chan *events.Event { return s.events }

// Dropped reports whether the hub evicted this subscriber because its
// queue overflowed.
func (s *Subscriber) Dropped() bool { return s.slow.Load() }

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.events) })
}

// Hub fans events out to the subscribers of each session. Delivery is
// non-blocking: a full subscriber queue evicts that subscriber without
// delaying the publisher or the session's other subscribers.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Subscriber]bool
	taps     []func(*events.Event)
	logger   *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]map[*Subscriber]bool),
		logger:   log.WithFields(zap.String("component", "session_hub")),
	}
}

// Subscribe registers a new subscriber for a session.
func (h *Hub) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{
		id:        uuid.New().String(),
		sessionID: sessionID,
		events:    make(chan *events.Event, subscriberBuffer),
	}
	h.mu.Lock()
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[*Subscriber]bool)
	}
	h.sessions[sessionID][sub] = true
	h.mu.Unlock()

	h.logger.Debug("subscriber registered",
		zap.String("session_id", sessionID),
		zap.String("subscriber_id", sub.id))
	return sub
}

// Unsubscribe removes a subscriber and closes its queue. Safe to call
// after the hub already dropped it.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.remove(sub)
	sub.close()
}

// Tap registers a callback invoked synchronously for every published
// event, regardless of session. Taps must not block; they exist for
// process-wide consumers like the event bus bridge.
func (h *Hub) Tap(fn func(*events.Event)) {
	h.mu.Lock()
	h.taps = append(h.taps, fn)
	h.mu.Unlock()
}

// Publish delivers an event to every subscriber of its session. Order
// is preserved per publisher goroutine; since each task publishes from
// a single goroutine, subscribers observe steps in step-number order.
func (h *Hub) Publish(evt *events.Event) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.sessions[evt.SessionID]))
	for sub := range h.sessions[evt.SessionID] {
		subs = append(subs, sub)
	}
	taps := h.taps
	h.mu.RUnlock()

	for _, tap := range taps {
		tap(evt)
	}
	for _, sub := range subs {
		select {
		case sub.events <- evt:
		default:
			h.drop(sub)
		}
	}
}

// drop evicts a subscriber whose queue overflowed. The closed channel
// tells the consumer to stop; Dropped distinguishes eviction from a
// normal unsubscribe so it can send a final disconnected frame.
func (h *Hub) drop(sub *Subscriber) {
	sub.slow.Store(true)
	h.remove(sub)
	sub.close()
	h.logger.Warn("dropping slow subscriber",
		zap.String("session_id", sub.sessionID),
		zap.String("subscriber_id", sub.id),
		zap.Int("backlog", subscriberBuffer))
}

func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	if subs, ok := h.sessions[sub.sessionID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.sessions, sub.sessionID)
		}
	}
	h.mu.Unlock()
}

// SubscriberCount returns the number of subscribers for a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Close drops every subscriber. Used on daemon shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*Subscriber
	for _, subs := range h.sessions {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	h.sessions = make(map[string]map[*Subscriber]bool)
	h.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
}
