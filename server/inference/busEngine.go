package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapbus/pkg/bus"
	"github.com/cyclopcam/snapbus/pkg/envelope"
)

// BusEngine talks to an engine that is itself a bus client.
// Jobs go out on the engine job topic, and results come back on the engine result
// topic, carrying the same cycle.
type BusEngine struct {
	log    logs.Log
	bus    bus.Bus
	topics bus.Topics

	lock    sync.Mutex
	waiting map[uint32]chan string
	closed  bool
}

func NewBusEngine(log logs.Log, b bus.Bus, topics bus.Topics) (*BusEngine, error) {
	e := &BusEngine{
		log:     log,
		bus:     b,
		topics:  topics,
		waiting: map[uint32]chan string{},
	}
	if err := b.Subscribe(topics.EngineResult, e.onResult); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *BusEngine) onResult(topic string, payload []byte) {
	msg, err := envelope.Decode(payload)
	if err != nil {
		e.log.Warnf("Ignoring engine result: %v", err)
		return
	}
	if msg.Cycle == nil {
		e.log.Warnf("Ignoring engine result without a cycle")
		return
	}
	e.lock.Lock()
	ch, ok := e.waiting[msg.Cycle.ID]
	delete(e.waiting, msg.Cycle.ID)
	e.lock.Unlock()
	if !ok {
		e.log.Warnf("Ignoring engine result for cycle %v, which is not waiting", msg.Cycle)
		return
	}
	ch <- string(msg.Body)
}

func (e *BusEngine) Infer(ctx context.Context, cycle envelope.Cycle, img []byte) (*Result, error) {
	ch := make(chan string, 1)
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		return nil, ErrClosed
	}
	e.waiting[cycle.ID] = ch
	e.lock.Unlock()

	if err := e.bus.Publish(e.topics.EngineJob, envelope.Encode(cycle, img)); err != nil {
		e.forget(cycle.ID)
		return nil, err
	}

	select {
	case text := <-ch:
		return &Result{Text: text, Cleanup: noCleanup}, nil
	case <-ctx.Done():
		e.forget(cycle.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w for cycle %v", ErrTimeout, cycle)
		}
		return nil, ctx.Err()
	}
}

func (e *BusEngine) forget(id uint32) {
	e.lock.Lock()
	delete(e.waiting, id)
	e.lock.Unlock()
}

func (e *BusEngine) Close() {
	e.lock.Lock()
	e.closed = true
	e.lock.Unlock()
}
