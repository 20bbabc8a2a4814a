package inference

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapbus/pkg/bus"
	"github.com/cyclopcam/snapbus/pkg/detect"
	"github.com/cyclopcam/snapbus/pkg/envelope"
	"github.com/cyclopcam/snapbus/pkg/idgen"
	"github.com/cyclopcam/snapbus/pkg/overlay"
	"github.com/cyclopcam/snapbus/pkg/perfstats"
	"github.com/cyclopcam/snapbus/pkg/prefixlog"
	"github.com/cyclopcam/snapbus/server/config"
)

// Name published on the dashboard snapshot topic
const SnapshotName = "snapshot.jpg"

// Agent runs every image from the inference topic through the engine, one cycle at a
// time, and publishes the results.
type Agent struct {
	Log          logs.Log
	reporter     *bus.Reporter
	bus          bus.Bus
	topics       bus.Topics
	cfg          config.InferenceConfig
	snapshotPath string // Absolute path of the dashboard snapshot image
	engine       Engine
	cycleIDs     *idgen.Uint32

	queue  chan job
	stop   chan struct{}
	exited chan struct{}

	// Keys of bare images that we republished with a cycle. Their copies come back to
	// us on the inference topic, and are skipped.
	republishedLock sync.Mutex
	republished     map[string]struct{}

	processed     atomic.Int64
	failed        atomic.Int64
	dropped       atomic.Int64
	inferenceTime perfstats.TimeAccumulator // Engine round trip of successful cycles
}

type job struct {
	cycle envelope.Cycle
	img   []byte
	bare  bool // Arrived without a cycle, so other consumers have not seen this cycle yet
}

type AgentStats struct {
	Processed int64                 `json:"processed"`
	Failed    int64                 `json:"failed"`
	Dropped   int64                 `json:"dropped"`
	Queued    int                   `json:"queued"`
	Inference perfstats.TimeSummary `json:"inference"`
}

// NewEngine creates the engine selected by cfg
func NewEngine(log logs.Log, b bus.Bus, topics bus.Topics, cfg config.InferenceConfig) (Engine, error) {
	if cfg.Engine == config.EngineBus {
		e, err := NewBusEngine(log, b, topics)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
	e, err := NewFileEngine(log, cfg.ImageDir)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func NewAgent(log logs.Log, b bus.Bus, topics bus.Topics, cfg config.InferenceConfig, snapshotPath string, engine Engine, cycleIDs *idgen.Uint32) (*Agent, error) {
	absSnapshot, err := filepath.Abs(snapshotPath)
	if err != nil {
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1
	}
	a := &Agent{
		Log:          prefixlog.New(log, "agent"),
		reporter:     bus.NewReporter(log, b, topics, "inference"),
		bus:          b,
		topics:       topics,
		cfg:          cfg,
		snapshotPath: absSnapshot,
		engine:       engine,
		cycleIDs:     cycleIDs,
		queue:        make(chan job, queueSize),
		stop:         make(chan struct{}),
		exited:       make(chan struct{}),
		republished:  map[string]struct{}{},
	}
	go a.worker()
	return a, nil
}

// Start subscribes to the inference topic
func (a *Agent) Start() error {
	return a.bus.Subscribe(a.topics.ActionInference, func(topic string, payload []byte) {
		a.Enqueue(payload)
	})
}

// Enqueue accepts an inference payload. An enveloped payload keeps its cycle, and a
// bare image starts a new cycle. The image of a new cycle is republished with its
// envelope when the cycle runs, so that the collector stores it under the same key
// as the results. If the queue is full, the image is dropped.
func (a *Agent) Enqueue(payload []byte) {
	msg, err := envelope.Decode(payload)
	if err != nil {
		a.reporter.Errorf("cannot decode image message: %v", err)
		return
	}
	var cycle envelope.Cycle
	bare := msg.Cycle == nil
	if bare {
		cycle = envelope.NewCycle(a.cycleIDs.Next(), time.Now())
	} else {
		cycle = *msg.Cycle
		if a.takeRepublished(cycle.Key) {
			return
		}
	}
	a.Log.Infof("Received %v bytes for cycle %v", len(msg.Body), cycle)
	select {
	case a.queue <- job{cycle: cycle, img: msg.Body, bare: bare}:
	default:
		a.dropped.Add(1)
		a.reporter.Warnf("dropping image %v, because inference is busy.", cycle)
	}
}

func (a *Agent) takeRepublished(key string) bool {
	a.republishedLock.Lock()
	defer a.republishedLock.Unlock()
	_, ok := a.republished[key]
	delete(a.republished, key)
	return ok
}

// republish announces a new cycle's image on the inference topic
func (a *Agent) republish(j job) {
	a.republishedLock.Lock()
	a.republished[j.cycle.Key] = struct{}{}
	a.republishedLock.Unlock()
	if err := a.bus.Publish(a.topics.ActionInference, envelope.Encode(j.cycle, j.img)); err != nil {
		a.Log.Errorf("Failed to republish image of cycle %v: %v", j.cycle, err)
		a.takeRepublished(j.cycle.Key)
	}
}

func (a *Agent) Stats() AgentStats {
	return AgentStats{
		Processed: a.processed.Load(),
		Failed:    a.failed.Load(),
		Dropped:   a.dropped.Load(),
		Queued:    len(a.queue),
		Inference: a.inferenceTime.Summary(),
	}
}

func (a *Agent) worker() {
	defer close(a.exited)
	for {
		select {
		case <-a.stop:
			return
		case j := <-a.queue:
			if err := a.process(j); err != nil {
				a.failed.Add(1)
				a.reporter.Errorf("inference of %v failed: %v", j.cycle, err)
			} else {
				a.processed.Add(1)
			}
		}
	}
}

func (a *Agent) timeout() time.Duration {
	if a.cfg.TimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(a.cfg.TimeoutSec) * time.Second
}

// process runs one cycle to completion
func (a *Agent) process(j job) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout())
	defer cancel()
	go func() {
		select {
		case <-a.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if j.bare {
		a.republish(j)
	}

	start := time.Now()
	result, err := a.engine.Infer(ctx, j.cycle, j.img)
	if err != nil {
		return err
	}
	defer result.Cleanup()
	elapsed := a.inferenceTime.Since(start)
	a.Log.Infof("Cycle %v inference took %v", j.cycle, elapsed.Round(time.Millisecond))

	switch a.cfg.Mode {
	case config.InferenceModeClassifier:
		if err := a.writeSnapshot(j.img); err != nil {
			return err
		}
		a.publish(a.topics.DashboardSnapshot, j.cycle, []byte(SnapshotName))
		a.publish(a.topics.DashboardInferenceResult, j.cycle, []byte(detect.DisplayString(result.Text)))
	case config.InferenceModeDetector:
		dets, parseErrs := detect.ParseResult(result.Text)
		for _, perr := range parseErrs {
			a.Log.Warnf("Cycle %v: %v", j.cycle, perr)
		}
		if a.cfg.DrawOverlay {
			// Results are published even when the overlay fails
			if drawn, err := overlay.Draw(j.img, dets, overlay.DefaultStyle()); err != nil {
				a.reporter.Warnf("cannot draw detections of %v: %v", j.cycle, err)
			} else if err := a.writeSnapshot(drawn); err != nil {
				a.reporter.Warnf("cannot save overlay of %v: %v", j.cycle, err)
			}
		}
		a.publish(a.topics.DashboardSnapshot, j.cycle, []byte(SnapshotName))
		a.publish(a.topics.DashboardInferenceResult, j.cycle, []byte(detect.DisplayString(result.Text)))
		js, err := detect.MarshalResult(dets)
		if err != nil {
			return err
		}
		a.publish(a.topics.DashboardJSONInferenceResult, j.cycle, js)
	}
	a.publish(a.topics.NotifyLINE, j.cycle, []byte(a.snapshotPath))
	return nil
}

func (a *Agent) writeSnapshot(img []byte) error {
	if err := os.MkdirAll(filepath.Dir(a.snapshotPath), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(a.snapshotPath, img, 0644); err != nil {
		return fmt.Errorf("Failed to write dashboard snapshot: %w", err)
	}
	return nil
}

func (a *Agent) publish(topic string, cycle envelope.Cycle, body []byte) {
	if err := a.bus.Publish(topic, envelope.Encode(cycle, body)); err != nil {
		a.Log.Errorf("Failed to publish %v for cycle %v: %v", a.topics.Short(topic), cycle, err)
	}
}

// Close stops the worker. A cycle that is waiting on the engine is abandoned.
func (a *Agent) Close() {
	close(a.stop)
	<-a.exited
}
