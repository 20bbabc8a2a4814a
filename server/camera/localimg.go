package camera

import (
	"os"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapbus/pkg/bus"
	"github.com/cyclopcam/snapbus/pkg/envelope"
	"github.com/cyclopcam/snapbus/pkg/idgen"
)

// LocalImage feeds image files from the local filesystem into inference.
// The message on the local image topic is the path of the file.
type LocalImage struct {
	reporter *bus.Reporter
	bus      bus.Bus
	topics   bus.Topics
	cycleIDs *idgen.Uint32
}

func NewLocalImage(log logs.Log, b bus.Bus, topics bus.Topics, cycleIDs *idgen.Uint32) *LocalImage {
	return &LocalImage{
		reporter: bus.NewReporter(log, b, topics, "localimg"),
		bus:      b,
		topics:   topics,
		cycleIDs: cycleIDs,
	}
}

func (l *LocalImage) Start() error {
	return l.bus.Subscribe(l.topics.EventLocalImage, func(topic string, payload []byte) {
		l.HandlePath(strings.TrimSpace(string(payload)))
	})
}

// HandlePath publishes the image at path
func (l *LocalImage) HandlePath(path string) {
	img, err := os.ReadFile(path)
	if err != nil {
		l.reporter.Errorf("cannot get image '%v': %v", path, err)
		return
	}
	cycle := envelope.NewCycle(l.cycleIDs.Next(), time.Now())
	if err := l.bus.Publish(l.topics.ActionInference, envelope.Encode(cycle, img)); err != nil {
		l.reporter.Log.Errorf("Failed to publish %v: %v", path, err)
		return
	}
	l.reporter.Infof("publishing image %v as %v.", path, cycle)
}
