package broadcast

import (
	"context"
	"log"
	"sync"

	"draftsync/internal/action"
	"draftsync/internal/metrics"
	"draftsync/internal/util"
)

const DefaultBuffer = 64

// Subscriber receives one session's messages in publish order.
type Subscriber struct {
	ID        string
	SessionID string
	Actor     action.Actor

	queue  chan Message
	done   chan struct{}
	mu     sync.Mutex
	closed bool
	reason string
}

// C delivers queued messages. It is closed when the subscriber is dropped.
func (s *Subscriber) C() <-chan Message { return s.queue }

// Done is closed when the subscriber stops receiving.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Reason reports why the subscriber was closed.
func (s *Subscriber) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Send enqueues without blocking; false means the queue was full or closed.
func (s *Subscriber) Send(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.queue <- msg:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.reason = reason
	close(s.done)
	close(s.queue)
}

// Relay forwards locally published messages to other instances.
type Relay interface {
	Forward(ctx context.Context, msg Message) error
}

// Hub keeps per-session subscriber sets. Publish never blocks: a subscriber
// whose queue is full is dropped and must resync with a fresh session-state.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]map[*Subscriber]struct{}
	buffer   int
	relay    Relay
	instance string
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		sessions: make(map[string]map[*Subscriber]struct{}),
		buffer:   buffer,
		instance: util.NewID("inst"),
	}
}

// Instance identifies this hub on the relay.
func (h *Hub) Instance() string { return h.instance }

func (h *Hub) SetRelay(relay Relay) {
	h.mu.Lock()
	h.relay = relay
	h.mu.Unlock()
}

func (h *Hub) Subscribe(sessionID string, actor action.Actor) *Subscriber {
	sub := &Subscriber{
		ID:        util.NewID("sub"),
		SessionID: sessionID,
		Actor:     actor,
		queue:     make(chan Message, h.buffer),
		done:      make(chan struct{}),
	}
	h.mu.Lock()
	set, ok := h.sessions[sessionID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.sessions[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	metrics.SubscriberAdded()
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	removed := h.removeLocked(sub)
	h.mu.Unlock()
	if removed {
		sub.close("unsubscribed")
		metrics.SubscriberRemoved()
	}
}

// removeLocked detaches sub; caller holds mu.
func (h *Hub) removeLocked(sub *Subscriber) bool {
	set, ok := h.sessions[sub.SessionID]
	if !ok {
		return false
	}
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.sessions, sub.SessionID)
	}
	return true
}

// Publish delivers msg to local subscribers and forwards it to the relay.
func (h *Hub) Publish(msg Message) {
	h.Deliver(msg)
	h.mu.Lock()
	relay := h.relay
	h.mu.Unlock()
	if relay == nil {
		return
	}
	msg.Origin = h.instance
	if err := relay.Forward(context.Background(), msg); err != nil {
		log.Printf("broadcast: relay %s %s: %v", msg.Type, msg.SessionID, err)
	}
}

// Deliver hands msg to local subscribers only.
func (h *Hub) Deliver(msg Message) {
	var dropped []*Subscriber
	h.mu.Lock()
	for sub := range h.sessions[msg.SessionID] {
		if !sub.Send(msg) {
			h.removeLocked(sub)
			dropped = append(dropped, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range dropped {
		sub.close(ReasonDropped)
		metrics.SubscriberDropped()
		metrics.SubscriberRemoved()
		log.Printf("broadcast: dropped lagging subscriber %s on %s", sub.ID, sub.SessionID)
	}
	if msg.Type == TypeSessionClosed {
		h.closeLocal(msg.SessionID, msg.Reason)
	}
}

// CloseSession tells subscribers the session ended and disconnects them.
func (h *Hub) CloseSession(sessionID, reason string) {
	h.Publish(SessionClosed(sessionID, reason))
}

func (h *Hub) closeLocal(sessionID, reason string) {
	h.mu.Lock()
	set := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	for sub := range set {
		sub.close(reason)
		metrics.SubscriberRemoved()
	}
}

// Count returns the number of subscribers on a session.
func (h *Hub) Count(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[sessionID])
}
