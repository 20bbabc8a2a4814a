package inference

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapbus/pkg/bus"
	"github.com/cyclopcam/snapbus/pkg/detect"
	"github.com/cyclopcam/snapbus/pkg/envelope"
	"github.com/cyclopcam/snapbus/pkg/idgen"
	"github.com/cyclopcam/snapbus/server/config"
	"github.com/stretchr/testify/require"
)

// fakeFileEngine imitates an external engine that polls the handshake directory
type fakeFileEngine struct {
	dir    string
	answer func(img []byte) string
	stop   chan struct{}
	wg     sync.WaitGroup

	lock sync.Mutex
	seen map[string]bool
}

func startFakeFileEngine(t *testing.T, dir string, answer func(img []byte) string) *fakeFileEngine {
	f := &fakeFileEngine{
		dir:    dir,
		answer: answer,
		stop:   make(chan struct{}),
		seen:   map[string]bool{},
	}
	f.wg.Add(1)
	go f.run()
	t.Cleanup(func() {
		close(f.stop)
		f.wg.Wait()
	})
	return f
}

func (f *fakeFileEngine) run() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stop:
			return
		case <-time.After(5 * time.Millisecond):
		}
		dones, _ := filepath.Glob(filepath.Join(f.dir, "*.jpg.done"))
		for _, done := range dones {
			img := strings.TrimSuffix(done, ".done")
			f.lock.Lock()
			seen := f.seen[img]
			f.seen[img] = true
			f.lock.Unlock()
			if seen {
				continue
			}
			raw, err := os.ReadFile(img)
			if err != nil {
				continue
			}
			os.WriteFile(img+".txt", []byte(f.answer(raw)), 0644)
			os.WriteFile(img+".txt.done", nil, 0644)
		}
	}
}

func TestFileEngine(t *testing.T) {
	dir := t.TempDir()
	e, err := NewFileEngine(logs.NewTestingLog(t), dir)
	require.NoError(t, err)
	defer e.Close()
	startFakeFileEngine(t, dir, func(img []byte) string {
		return "saw " + string(img)
	})

	cycle := envelope.NewCycle(7, time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := e.Infer(ctx, cycle, []byte("pixels"))
	require.NoError(t, err)
	require.Equal(t, "saw pixels", res.Text)

	_, err = os.Stat(filepath.Join(dir, cycle.Key+".jpg"))
	require.NoError(t, err)
	res.Cleanup()
	left, _ := filepath.Glob(filepath.Join(dir, "*"))
	require.Empty(t, left)
}

func TestFileEngineTimeout(t *testing.T) {
	dir := t.TempDir()
	e, err := NewFileEngine(logs.NewTestingLog(t), dir)
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.Infer(ctx, envelope.NewCycle(1, time.Now()), []byte("x"))
	require.ErrorIs(t, err, ErrTimeout)
	left, _ := filepath.Glob(filepath.Join(dir, "*"))
	require.Empty(t, left)
	require.Empty(t, e.waiting)
}

func TestFileEngineMissingResult(t *testing.T) {
	dir := t.TempDir()
	e, err := NewFileEngine(logs.NewTestingLog(t), dir)
	require.NoError(t, err)
	defer e.Close()

	cycle := envelope.NewCycle(3, time.Now())
	go func() {
		// Sentinel without a result file
		for i := 0; i < 200; i++ {
			if _, err := os.Stat(filepath.Join(dir, cycle.Key+".jpg.done")); err == nil {
				os.WriteFile(filepath.Join(dir, cycle.Key+".jpg.txt.done"), nil, 0644)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = e.Infer(ctx, cycle, []byte("x"))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrTimeout)
}

type agentFixture struct {
	bus      *bus.Memory
	topics   bus.Topics
	rec      *bus.Recorder
	agent    *Agent
	snapshot string
}

func newAgentFixture(t *testing.T, cfg config.InferenceConfig, engine Engine) *agentFixture {
	f := &agentFixture{
		bus:      bus.NewMemory(),
		topics:   bus.NewTopics(""),
		snapshot: filepath.Join(t.TempDir(), "www", "snapshot.jpg"),
	}
	var err error
	f.rec, err = bus.NewRecorder(f.bus, "#")
	require.NoError(t, err)
	f.agent, err = NewAgent(logs.NewTestingLog(t), f.bus, f.topics, cfg, f.snapshot, engine, idgen.NewUint32(0))
	require.NoError(t, err)
	require.NoError(t, f.agent.Start())
	t.Cleanup(func() {
		f.agent.Close()
		engine.Close()
		f.bus.Close()
	})
	return f
}

func (f *agentFixture) waitFor(t *testing.T, topic string, n int) [][]byte {
	require.Eventually(t, func() bool { return f.rec.Count(topic) >= n }, 5*time.Second, 2*time.Millisecond)
	return f.rec.Messages(topic)
}

func decode(t *testing.T, payload []byte) envelope.Message {
	msg, err := envelope.Decode(payload)
	require.NoError(t, err)
	require.NotNil(t, msg.Cycle)
	return msg
}

func TestClassifierRoundTrip(t *testing.T) {
	dir := t.TempDir()
	engine, err := NewFileEngine(logs.NewTestingLog(t), dir)
	require.NoError(t, err)
	startFakeFileEngine(t, dir, func(img []byte) string {
		return "tabby cat 0.8\n\nlynx 0.1\n"
	})
	cfg := config.Default().Inference
	cfg.Mode = config.InferenceModeClassifier
	f := newAgentFixture(t, cfg, engine)

	img := []byte("classify-me")
	cycle := envelope.NewCycle(42, time.Now())
	require.NoError(t, f.bus.Publish(f.topics.ActionInference, envelope.Encode(cycle, img)))

	snaps := f.waitFor(t, f.topics.DashboardSnapshot, 1)
	msg := decode(t, snaps[0])
	require.Equal(t, cycle.Key, msg.Cycle.Key)
	require.Equal(t, SnapshotName, string(msg.Body))

	onDisk, err := os.ReadFile(f.snapshot)
	require.NoError(t, err)
	require.Equal(t, img, onDisk)

	results := f.waitFor(t, f.topics.DashboardInferenceResult, 1)
	require.Equal(t, "tabby cat 0.8<br />lynx 0.1<br />", string(decode(t, results[0]).Body))

	line := f.waitFor(t, f.topics.NotifyLINE, 1)
	require.Equal(t, f.agent.snapshotPath, string(decode(t, line[0]).Body))

	// Classifiers don't produce JSON
	require.Equal(t, 0, f.rec.Count(f.topics.DashboardJSONInferenceResult))
	require.Equal(t, 1, f.rec.Count(f.topics.DashboardSnapshot))
	require.Eventually(t, func() bool { return f.agent.Stats().Processed == 1 }, time.Second, time.Millisecond)
	require.EqualValues(t, 1, f.agent.Stats().Inference.Samples)
}

func TestDetectorRoundTrip(t *testing.T) {
	dir := t.TempDir()
	engine, err := NewFileEngine(logs.NewTestingLog(t), dir)
	require.NoError(t, err)
	startFakeFileEngine(t, dir, func(img []byte) string {
		return "cell phone 0.87 10 20 30 40\nperson 0.9 1 2 3 4\n"
	})
	f := newAgentFixture(t, config.Default().Inference, engine)

	// A bare image gets a fresh cycle
	require.NoError(t, f.bus.Publish(f.topics.ActionInference, []byte("bare-image")))

	jsons := f.waitFor(t, f.topics.DashboardJSONInferenceResult, 1)
	msg := decode(t, jsons[0])
	dets := []detect.Detection{}
	require.NoError(t, json.Unmarshal(msg.Body, &dets))
	require.Equal(t, []detect.Detection{
		{Label: "cell phone", Confidence: 0.87, Left: 10, Top: 20, Right: 40, Bottom: 60},
		{Label: "person", Confidence: 0.9, Left: 1, Top: 2, Right: 4, Bottom: 6},
	}, dets)

	snaps := f.waitFor(t, f.topics.DashboardSnapshot, 1)
	require.Equal(t, msg.Cycle.Key, decode(t, snaps[0]).Cycle.Key)
	f.waitFor(t, f.topics.NotifyLINE, 1)

	// Intermediate files are gone
	require.Eventually(t, func() bool {
		left, _ := filepath.Glob(filepath.Join(dir, "*"))
		return len(left) == 0
	}, time.Second, 2*time.Millisecond)

	// The detector draws its own snapshot, so we don't touch it
	_, err = os.Stat(f.snapshot)
	require.True(t, os.IsNotExist(err))
}

// Other consumers of the inference topic only see a bare image's cycle through the
// agent's republished copy, which must carry the same key as the results
func TestBareImageIsRepublished(t *testing.T) {
	engine := &stubEngine{text: "dog 0.5 1 1 1 1"}
	f := newAgentFixture(t, config.Default().Inference, engine)
	require.NoError(t, f.bus.Publish(f.topics.ActionInference, []byte("bare-image")))

	jsons := f.waitFor(t, f.topics.DashboardJSONInferenceResult, 1)
	key := decode(t, jsons[0]).Cycle.Key

	images := f.waitFor(t, f.topics.ActionInference, 2)
	require.Equal(t, "bare-image", string(images[0]))
	copied := decode(t, images[1])
	require.Equal(t, key, copied.Cycle.Key)
	require.Equal(t, "bare-image", string(copied.Body))

	// The copy is not inferred a second time
	require.Eventually(t, func() bool { return f.agent.Stats().Processed == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	engine.lock.Lock()
	require.Equal(t, 1, engine.calls)
	engine.lock.Unlock()
	require.Equal(t, 2, f.rec.Count(f.topics.ActionInference))
}

func TestOverlayFailureStillPublishes(t *testing.T) {
	engine := &stubEngine{text: "dog 0.5 1 1 1 1"}
	cfg := config.Default().Inference
	cfg.DrawOverlay = true
	f := newAgentFixture(t, cfg, engine)

	cycle := envelope.NewCycle(77, time.Now())
	f.agent.Enqueue(envelope.Encode(cycle, []byte("not an image")))

	jsons := f.waitFor(t, f.topics.DashboardJSONInferenceResult, 1)
	require.Equal(t, cycle.Key, decode(t, jsons[0]).Cycle.Key)
	f.waitFor(t, f.topics.DashboardSnapshot, 1)
	f.waitFor(t, f.topics.DashboardInferenceResult, 1)
	f.waitFor(t, f.topics.NotifyLINE, 1)

	logsOut := f.waitFor(t, f.topics.ActionLog, 1)
	require.Contains(t, string(logsOut[0]), "cannot draw detections")
	require.Eventually(t, func() bool { return f.agent.Stats().Processed == 1 }, time.Second, time.Millisecond)
	require.EqualValues(t, 0, f.agent.Stats().Failed)
}

type stubEngine struct {
	lock    sync.Mutex
	calls   int
	release chan struct{}
	err     error
	text    string
}

func (s *stubEngine) Infer(ctx context.Context, cycle envelope.Cycle, img []byte) (*Result, error) {
	s.lock.Lock()
	s.calls++
	s.lock.Unlock()
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &Result{Text: s.text, Cleanup: noCleanup}, nil
}

func (s *stubEngine) Close() {}

func TestEngineFailureIsLogged(t *testing.T) {
	engine := &stubEngine{err: errors.New("engine crashed")}
	f := newAgentFixture(t, config.Default().Inference, engine)
	f.agent.Enqueue([]byte("img"))

	logsOut := f.waitFor(t, f.topics.ActionLog, 1)
	require.Contains(t, string(logsOut[0]), "inference client: inference of")
	require.Contains(t, string(logsOut[0]), "engine crashed")
	require.Equal(t, 0, f.rec.Count(f.topics.DashboardSnapshot))
	require.EqualValues(t, 1, f.agent.Stats().Failed)
}

func TestSingleFlightAndDrop(t *testing.T) {
	engine := &stubEngine{release: make(chan struct{}), text: "dog 0.5 1 1 1 1"}
	cfg := config.Default().Inference
	cfg.QueueSize = 1
	f := newAgentFixture(t, cfg, engine)

	f.agent.Enqueue([]byte("a"))
	// Wait until the worker holds the first image, so the queue is empty again
	require.Eventually(t, func() bool {
		engine.lock.Lock()
		defer engine.lock.Unlock()
		return engine.calls == 1
	}, time.Second, time.Millisecond)
	f.agent.Enqueue([]byte("b")) // queued
	f.agent.Enqueue([]byte("c")) // dropped
	require.EqualValues(t, 1, f.agent.Stats().Dropped)

	// Only one cycle is ever inside the engine
	time.Sleep(20 * time.Millisecond)
	engine.lock.Lock()
	require.Equal(t, 1, engine.calls)
	engine.lock.Unlock()

	close(engine.release)
	f.waitFor(t, f.topics.DashboardJSONInferenceResult, 2)
	require.Eventually(t, func() bool { return f.agent.Stats().Processed == 2 }, time.Second, time.Millisecond)
}

func TestBusEngine(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	topics := bus.NewTopics("")
	e, err := NewBusEngine(logs.NewTestingLog(t), b, topics)
	require.NoError(t, err)
	defer e.Close()

	// Remote engine: answers every job on the result topic with the same cycle
	require.NoError(t, b.Subscribe(topics.EngineJob, func(topic string, payload []byte) {
		msg, _ := envelope.Decode(payload)
		b.Publish(topics.EngineResult, envelope.Encode(*msg.Cycle, []byte("bird 0.7 0 0 5 5 from "+string(msg.Body))))
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := e.Infer(ctx, envelope.NewCycle(9, time.Now()), []byte("sky"))
	require.NoError(t, err)
	require.Equal(t, "bird 0.7 0 0 5 5 from sky", res.Text)

	// A result for an unknown cycle is ignored, and a job with no answer times out
	require.NoError(t, b.Publish(topics.EngineResult, envelope.Encode(envelope.NewCycle(1000, time.Now()), nil)))
	short, cancel2 := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel2()
	e2, err := NewBusEngine(logs.NewTestingLog(t), bus.NewMemory(), topics)
	require.NoError(t, err)
	_, err = e2.Infer(short, envelope.NewCycle(10, time.Now()), nil)
	require.ErrorIs(t, err, ErrTimeout)
}
