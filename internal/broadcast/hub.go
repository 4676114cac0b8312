// Package broadcast implements an in-process publish/subscribe hub keyed by topic.
//
// Publishing never blocks. Each subscriber owns a buffered channel; what happens when
// that buffer is full depends on the subscription mode:
//
//   - Latest: the oldest pending message is discarded in favour of the new one. Used for
//     full snapshots where only the newest value matters.
//   - Ordered: the subscriber is closed and removed. Used for append-only streams where a
//     gap would corrupt the reader's view; the reader reconnects and starts from a fresh
//     snapshot.
package broadcast

import (
	"sync"
)

// Mode selects the overflow policy of a subscription.
type Mode int

const (
	Ordered Mode = iota
	Latest
)

// Message is one event delivered to subscribers.
type Message struct {
	Event string
	Data  []byte
}

// Subscription receives messages for a single topic until closed.
type Subscription struct {
	C <-chan Message

	ch    chan Message
	hub   *Hub
	topic string
	id    uint64
	mode  Mode
	once  sync.Once
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Topic returns the topic the subscription listens on.
func (s *Subscription) Topic() string { return s.topic }

// Hub fans out messages to subscribers.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	topics map[string]map[uint64]*Subscription
	buffer int
}

// NewHub creates a hub whose Ordered subscriptions buffer up to buffer messages.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		topics: make(map[string]map[uint64]*Subscription),
		buffer: buffer,
	}
}

// Subscribe registers a listener on topic. Initial messages are queued before any
// message published after this call returns.
func (h *Hub) Subscribe(topic string, mode Mode, initial ...Message) *Subscription {
	size := h.buffer
	if mode == Latest {
		size = 1
	}
	if len(initial) > size {
		size = len(initial)
	}
	ch := make(chan Message, size)
	for _, m := range initial {
		ch <- m
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{
		C:     ch,
		ch:    ch,
		hub:   h,
		topic: topic,
		id:    h.nextID,
		mode:  mode,
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[uint64]*Subscription)
		h.topics[topic] = subs
	}
	subs[sub.id] = sub
	return sub
}

// Publish delivers msg to every subscriber of topic without blocking.
func (h *Hub) Publish(topic string, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.topics[topic] {
		select {
		case sub.ch <- msg:
			continue
		default:
		}
		if sub.mode == Latest {
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- msg:
			default:
			}
			continue
		}
		h.dropLocked(sub)
	}
}

// CloseTopic closes every subscription of topic.
func (h *Hub) CloseTopic(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.topics[topic] {
		h.dropLocked(sub)
	}
}

// Subscribers returns the number of live subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// Total returns the number of live subscriptions across all topics.
func (h *Hub) Total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, subs := range h.topics {
		n += len(subs)
	}
	return n
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(s)
}

func (h *Hub) dropLocked(s *Subscription) {
	s.once.Do(func() {
		if subs, ok := h.topics[s.topic]; ok {
			delete(subs, s.id)
			if len(subs) == 0 {
				delete(h.topics, s.topic)
			}
		}
		close(s.ch)
	})
}
