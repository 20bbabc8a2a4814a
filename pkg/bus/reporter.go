package bus

import (
	"fmt"

	"github.com/cyclopcam/logs"
)

// Reporter writes status lines both to the local log and to the action/log topic.
// Every line is prefixed with "<name> client: ", which is how the dashboard journal
// tells components apart.
type Reporter struct {
	Log   logs.Log
	bus   Bus
	topic string
	name  string
}

func NewReporter(log logs.Log, b Bus, topics Topics, name string) *Reporter {
	return &Reporter{
		Log:   log,
		bus:   b,
		topic: topics.ActionLog,
		name:  name,
	}
}

func (r *Reporter) Name() string {
	return r.name
}

func (r *Reporter) Infof(format string, args ...any) {
	msg := r.format(format, args...)
	r.Log.Infof("%v", msg)
	r.publish(msg)
}

func (r *Reporter) Warnf(format string, args ...any) {
	msg := r.format(format, args...)
	r.Log.Warnf("%v", msg)
	r.publish(msg)
}

func (r *Reporter) Errorf(format string, args ...any) {
	msg := r.format(format, args...)
	r.Log.Errorf("%v", msg)
	r.publish(msg)
}

func (r *Reporter) format(format string, args ...any) string {
	return r.name + " client: " + fmt.Sprintf(format, args...)
}

func (r *Reporter) publish(msg string) {
	if err := r.bus.Publish(r.topic, []byte(msg)); err != nil {
		r.Log.Warnf("Failed to publish log line: %v", err)
	}
}
