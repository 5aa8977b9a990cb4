// Package bus provides the topic-keyed publish/subscribe broker used for
// activation progress fan-out.
//
// Topics are strings of the form "<channel>:<key>", e.g.
// "activation:progress:<activationId>". Subscriptions may name exact topics
// or trailing-wildcard patterns ("activation:progress:*").
//
// Slow subscribers never block publishers: each subscription holds a bounded
// buffer and overflowing non-terminal events are dropped oldest-first.
// Terminal events (payloads whose Terminal() method reports true) are never
// dropped.
package bus

import (
	"strings"
	"sync"
	"time"

	. "github.com/scalytics/connectd/internal/logging"
)

// DefaultBufferSize is the per-subscription buffer capacity.
const DefaultBufferSize = 256

// Message is a single published event as seen by a subscriber.
type Message struct {
	Topic     string
	Payload   any
	Timestamp time.Time
}

// terminal reports whether a payload marks the end of its topic's stream.
func terminal(payload any) bool {
	if t, ok := payload.(interface{ Terminal() bool }); ok {
		return t.Terminal()
	}
	return false
}

// Bus fans events out to any number of subscriptions.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription receives messages for its topic patterns in publication
// order. Read from Events(); call Cancel() when done.
type Subscription struct {
	bus      *Bus
	patterns []string

	mu      sync.Mutex
	queue   []Message
	dropped uint64

	notify chan struct{}
	out    chan Message
	done   chan struct{}
	once   sync.Once
}

// Subscribe registers a subscription for one or more topic patterns.
// A pattern either names a topic exactly or ends in ":*" to match every
// key under a channel.
func (b *Bus) Subscribe(patterns ...string) *Subscription {
	s := &Subscription{
		bus:      b,
		patterns: patterns,
		notify:   make(chan struct{}, 1),
		out:      make(chan Message),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump()

	L_debug("bus: subscribed", "patterns", strings.Join(patterns, ","))
	return s
}

// Publish delivers payload to every subscription matching topic.
// It never blocks on slow subscribers and never fails observably.
func (b *Bus) Publish(topic string, payload any) {
	msg := Message{Topic: topic, Payload: payload, Timestamp: time.Now()}

	b.mu.RLock()
	var matched []*Subscription
	for s := range b.subs {
		if s.matches(topic) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	if len(matched) == 0 {
		L_trace("bus: published (no subscribers)", "topic", topic)
		return
	}

	for _, s := range matched {
		s.enqueue(msg)
	}
	L_trace("bus: published", "topic", topic, "subscribers", len(matched))
}

// SubscriberCount returns the number of subscriptions matching a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for s := range b.subs {
		if s.matches(topic) {
			n++
		}
	}
	return n
}

func (s *Subscription) matches(topic string) bool {
	for _, p := range s.patterns {
		if p == topic {
			return true
		}
		if strings.HasSuffix(p, ":*") && strings.HasPrefix(topic, p[:len(p)-1]) {
			return true
		}
	}
	return false
}

// enqueue appends a message, evicting the oldest non-terminal message on
// overflow. Terminal messages are always retained.
func (s *Subscription) enqueue(msg Message) {
	s.mu.Lock()
	if len(s.queue) >= DefaultBufferSize {
		evicted := false
		for i, queued := range s.queue {
			if !terminal(queued.Payload) {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				s.dropped++
				evicted = true
				break
			}
		}
		if !evicted && !terminal(msg.Payload) {
			// Buffer is all terminal events; shed the incoming one instead.
			s.dropped++
			s.mu.Unlock()
			return
		}
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump moves queued messages to the out channel, preserving order.
func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		var msg Message
		have := len(s.queue) > 0
		if have {
			msg = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if !have {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}

// Events returns the subscription's message stream.
func (s *Subscription) Events() <-chan Message {
	return s.out
}

// Dropped returns the number of messages shed due to buffer overflow.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Cancel tears down the subscription and discards buffered messages.
// Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()

		close(s.done)

		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()

		L_debug("bus: unsubscribed", "patterns", strings.Join(s.patterns, ","))
	})
}
