package collector

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapbus/pkg/bus"
	"github.com/cyclopcam/snapbus/pkg/detect"
	"github.com/cyclopcam/snapbus/pkg/envelope"
	"github.com/cyclopcam/snapbus/pkg/prefixlog"
	"github.com/cyclopcam/snapbus/server/storage"
)

// Collector persists the artifacts of every cycle into blob storage:
//
//	<key>.jpg             The raw image that went into inference
//	<key>-detection.jpg   The dashboard snapshot, after inference
//	<key>-detection.json  The JSON detection result
type Collector struct {
	Log          logs.Log
	bus          bus.Bus
	topics       bus.Topics
	store        storage.Storage
	index        *Index // May be nil
	snapshotPath string

	lock sync.Mutex
	last *envelope.Cycle // Most recent cycle, for messages that arrive without an envelope
}

// New creates a collector. Cycles are assigned upstream: a bare image on the inference
// topic is republished with a cycle by the inference agent, and only that copy is stored.
func New(log logs.Log, b bus.Bus, topics bus.Topics, store storage.Storage, index *Index, snapshotPath string) *Collector {
	return &Collector{
		Log:          prefixlog.New(log, "collector"),
		bus:          b,
		topics:       topics,
		store:        store,
		index:        index,
		snapshotPath: snapshotPath,
	}
}

func (c *Collector) Start() error {
	subs := []struct {
		topic   string
		handler bus.Handler
	}{
		{c.topics.ActionInference, func(topic string, payload []byte) { c.HandleImage(payload) }},
		{c.topics.DashboardSnapshot, func(topic string, payload []byte) { c.HandleSnapshot(payload) }},
		{c.topics.DashboardJSONInferenceResult, func(topic string, payload []byte) { c.HandleJSONResult(payload) }},
		{c.topics.ActionLog, func(topic string, payload []byte) { c.Log.Infof("%s", payload) }},
	}
	for _, s := range subs {
		if err := c.bus.Subscribe(s.topic, s.handler); err != nil {
			return fmt.Errorf("Failed to subscribe to %v: %w", s.topic, err)
		}
	}
	return nil
}

// ImageName, DetectionImageName and DetectionJSONName are the blob names of a cycle's artifacts
func ImageName(key string) string {
	return key + ".jpg"
}

func DetectionImageName(key string) string {
	return key + "-detection.jpg"
}

func DetectionJSONName(key string) string {
	return key + "-detection.json"
}

// resolve picks the cycle that a message belongs to. A bare message joins the last cycle.
func (c *Collector) resolve(msg envelope.Message) (envelope.Cycle, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if msg.Cycle != nil {
		if c.last == nil || !msg.Cycle.Time.Before(c.last.Time) {
			cp := *msg.Cycle
			c.last = &cp
		}
		return *msg.Cycle, true
	}
	if c.last == nil {
		return envelope.Cycle{}, false
	}
	return *c.last, true
}

func (c *Collector) decode(payload []byte) (envelope.Cycle, []byte, bool) {
	msg, err := envelope.Decode(payload)
	if err != nil {
		c.Log.Warnf("Ignoring message: %v", err)
		return envelope.Cycle{}, nil, false
	}
	cycle, ok := c.resolve(msg)
	if !ok {
		c.Log.Warnf("Ignoring message that arrived before any cycle started")
		return envelope.Cycle{}, nil, false
	}
	return cycle, msg.Body, true
}

// HandleImage stores the raw image of a cycle.
// Bare images are skipped, because the agent republishes them under the cycle that
// its results will carry.
func (c *Collector) HandleImage(payload []byte) {
	msg, err := envelope.Decode(payload)
	if err != nil {
		c.Log.Warnf("Ignoring image: %v", err)
		return
	}
	if msg.Cycle == nil {
		c.Log.Debugf("Skipping image without a cycle (%v bytes)", len(msg.Body))
		return
	}
	cycle, _ := c.resolve(msg)
	c.save(ImageName(cycle.Key), msg.Body)
	if c.index != nil {
		if err := c.index.Touch(cycle.Key, cycle.ID, cycle.Time); err != nil {
			c.Log.Errorf("Failed to index %v: %v", cycle, err)
		}
	}
}

// HandleSnapshot copies the dashboard snapshot into the cycle's detection image
func (c *Collector) HandleSnapshot(payload []byte) {
	cycle, _, ok := c.decode(payload)
	if !ok {
		return
	}
	img, err := os.ReadFile(c.snapshotPath)
	if err != nil {
		c.Log.Errorf("Failed to read dashboard snapshot for %v: %v", cycle, err)
		return
	}
	c.save(DetectionImageName(cycle.Key), img)
}

// HandleJSONResult stores the JSON detection result of a cycle
func (c *Collector) HandleJSONResult(payload []byte) {
	cycle, js, ok := c.decode(payload)
	if !ok {
		return
	}
	c.save(DetectionJSONName(cycle.Key), js)
	if c.index != nil {
		dets := []detect.Detection{}
		if err := json.Unmarshal(js, &dets); err != nil {
			c.Log.Warnf("Detection result of %v is not valid JSON: %v", cycle, err)
			return
		}
		if err := c.index.SetDetections(cycle.Key, cycle.ID, cycle.Time, len(dets), detect.Labels(dets)); err != nil {
			c.Log.Errorf("Failed to index detections of %v: %v", cycle, err)
		}
	}
}

func (c *Collector) save(name string, content []byte) {
	if err := storage.WriteBytes(c.store, name, content); err != nil {
		c.Log.Errorf("Failed to save %v: %v", name, err)
		return
	}
	c.Log.Infof("Saved %v (%v bytes)", name, len(content))
}
