package bus

import "sync"

type Recorded struct {
	Topic   string
	Payload []byte
}

// Recorder keeps every message that arrives on a topic filter.
// The dashboard uses it to remember the latest value of each topic, and tests use it
// to observe what components publish.
type Recorder struct {
	lock sync.Mutex
	msgs []Recorded
}

func NewRecorder(b Bus, filter string) (*Recorder, error) {
	r := &Recorder{}
	if err := b.Subscribe(filter, r.add); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) add(topic string, payload []byte) {
	r.lock.Lock()
	r.msgs = append(r.msgs, Recorded{Topic: topic, Payload: payload})
	r.lock.Unlock()
}

// All returns a copy of every message, in arrival order
func (r *Recorder) All() []Recorded {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]Recorded{}, r.msgs...)
}

// Messages returns the payloads received on topic
func (r *Recorder) Messages(topic string) [][]byte {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := [][]byte{}
	for _, m := range r.msgs {
		if m.Topic == topic {
			out = append(out, m.Payload)
		}
	}
	return out
}

func (r *Recorder) Count(topic string) int {
	return len(r.Messages(topic))
}

// Latest returns the newest payload of each topic
func (r *Recorder) Latest() map[string][]byte {
	r.lock.Lock()
	defer r.lock.Unlock()
	latest := map[string][]byte{}
	for _, m := range r.msgs {
		latest[m.Topic] = m.Payload
	}
	return latest
}
