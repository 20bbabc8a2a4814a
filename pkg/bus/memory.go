package bus

import "sync"

// Memory is an in-process bus
type Memory struct {
	lock   sync.Mutex
	subs   []*subscription
	closed bool
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(topic string, payload []byte) error {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return ErrClosed
	}
	targets := []*subscription{}
	for _, s := range m.subs {
		if Match(s.filter, topic) {
			targets = append(targets, s)
		}
	}
	m.lock.Unlock()

	for _, s := range targets {
		s.deliver(topic, payload)
	}
	return nil
}

func (m *Memory) Subscribe(filter string, handler Handler) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.subs = append(m.subs, newSubscription(filter, handler))
	return nil
}

func (m *Memory) Close() {
	m.lock.Lock()
	subs := m.subs
	m.subs = nil
	m.closed = true
	m.lock.Unlock()
	for _, s := range subs {
		s.close()
	}
}
