// Package bus is the publish/subscribe layer that connects every snapbus component.
//
// Two implementations exist: MQTT, which talks to a real broker, and Memory, which
// connects components inside one process (and in tests). Both deliver the messages of
// one subscription serially, in arrival order, on a goroutine owned by that
// subscription. No ordering is guaranteed between different subscriptions.
package bus

import (
	"errors"
	"strings"
)

var ErrClosed = errors.New("Bus is closed")

// Handler receives a message. The payload is owned by the handler.
type Handler func(topic string, payload []byte)

// Bus is a connection to a topic-based message broker
type Bus interface {
	Publish(topic string, payload []byte) error
	// Subscribe to a topic filter. The filter may contain MQTT wildcards (+ and #).
	Subscribe(filter string, handler Handler) error
	Close()
}

// Match returns true if topic matches the MQTT topic filter
func Match(filter, topic string) bool {
	if filter == topic {
		return true
	}
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, part := range f {
		if part == "#" {
			return i == len(f)-1
		}
		if i >= len(t) {
			return false
		}
		if part != "+" && part != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

// Size of each subscription's backlog before the publisher blocks
const subscriptionQueueSize = 64

type message struct {
	topic   string
	payload []byte
}

// subscription delivers messages to one handler, one at a time
type subscription struct {
	filter  string
	handler Handler
	queue   chan message
	closed  chan struct{}
	exited  chan struct{}
}

func newSubscription(filter string, handler Handler) *subscription {
	s := &subscription{
		filter:  filter,
		handler: handler,
		queue:   make(chan message, subscriptionQueueSize),
		closed:  make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscription) run() {
	defer close(s.exited)
	for {
		select {
		case <-s.closed:
			return
		case m := <-s.queue:
			s.handler(m.topic, m.payload)
		}
	}
}

// deliver copies payload, so that every subscriber owns its bytes
func (s *subscription) deliver(topic string, payload []byte) {
	own := make([]byte, len(payload))
	copy(own, payload)
	select {
	case s.queue <- message{topic: topic, payload: own}:
	case <-s.closed:
	}
}

// close stops delivery. Messages still queued are discarded.
// close must not be called from inside the subscription's own handler.
func (s *subscription) close() {
	close(s.closed)
	<-s.exited
}
