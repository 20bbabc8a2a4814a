package notify

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapbus/pkg/bus"
	"github.com/cyclopcam/snapbus/pkg/envelope"
	"github.com/cyclopcam/snapbus/pkg/prefixlog"
)

const (
	JournalSize       = 10
	JournalTimeFormat = "2006-01-02 15:04:05"

	// The journal's own status lines start with this, and are not journaled,
	// otherwise every journal update would produce another one.
	journalName = "log"
)

// Journal keeps the most recent log lines of all components, and republishes them
// for the dashboard. It also keeps the dashboard snapshot up to date with images
// that are sent out by email.
type Journal struct {
	Log          logs.Log
	reporter     *bus.Reporter
	bus          bus.Bus
	topics       bus.Topics
	snapshotPath string
	now          func() time.Time

	lock  sync.Mutex
	lines ringbuffer.RingP[string]
}

func NewJournal(log logs.Log, b bus.Bus, topics bus.Topics, snapshotPath string) *Journal {
	return &Journal{
		Log:          prefixlog.New(log, "journal"),
		reporter:     bus.NewReporter(log, b, topics, journalName),
		bus:          b,
		topics:       topics,
		snapshotPath: snapshotPath,
		now:          time.Now,
		lines:        ringbuffer.NewRingP[string](JournalSize),
	}
}

func (j *Journal) Start() error {
	if err := j.bus.Subscribe(j.topics.ActionLog, func(topic string, payload []byte) {
		j.HandleLog(string(payload))
	}); err != nil {
		return err
	}
	return j.bus.Subscribe(j.topics.NotifyEmail, func(topic string, payload []byte) {
		j.HandleEmailImage(payload)
	})
}

// HandleLog adds a line to the journal and publishes the journal
func (j *Journal) HandleLog(line string) {
	if strings.HasPrefix(line, journalName) {
		return
	}
	j.lock.Lock()
	j.lines.Add(fmt.Sprintf("[%v] %v", j.now().Format(JournalTimeFormat), line))
	text := j.render()
	j.lock.Unlock()

	if err := j.bus.Publish(j.topics.DashboardLog, []byte(text)); err != nil {
		j.Log.Warnf("Failed to publish journal: %v", err)
	}
}

// Lines returns the journal, newest first
func (j *Journal) Lines() []string {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.newestFirst()
}

func (j *Journal) newestFirst() []string {
	n := j.lines.Len()
	out := make([]string, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, j.lines.Peek(i))
	}
	return out
}

func (j *Journal) render() string {
	return strings.Join(j.newestFirst(), "<br>")
}

// HandleEmailImage saves an emailed image as the dashboard snapshot.
// The snapshot notice keeps the image's cycle. A bare image has none, so the notice is
// bare too, and the collector files it under the most recent cycle.
func (j *Journal) HandleEmailImage(payload []byte) {
	msg, err := envelope.Decode(payload)
	if err != nil {
		j.reporter.Errorf("cannot decode image: %v", err)
		return
	}
	if err := writeFile(j.snapshotPath, msg.Body); err != nil {
		j.reporter.Errorf("cannot save buffer to image: %v", err)
		return
	}
	j.reporter.Infof("saved buffer to image successfully.")
	notice := []byte(filepath.Base(j.snapshotPath))
	if msg.Cycle != nil {
		notice = envelope.Encode(*msg.Cycle, notice)
	}
	if err := j.bus.Publish(j.topics.DashboardSnapshot, notice); err != nil {
		j.Log.Warnf("Failed to publish snapshot update: %v", err)
	}
}

func writeFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, content, 0644)
}
