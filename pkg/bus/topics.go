package bus

import "strings"

const DefaultTopicBase = "berrynet"

// Topics holds the fully qualified name of every topic, under a common base
type Topics struct {
	Base string

	ActionLog                    string // Free text status lines from every component
	ActionInference              string // Image bytes to run through inference
	EventCamera                  string // Camera command tokens
	EventLocalImage              string // Path of a local image file to run through inference
	NotifyEmail                  string // Image bytes to email
	NotifyLINE                   string // Path of an image to push to LINE
	DashboardLog                 string // Recent log lines, newest first, joined by <br>
	DashboardSnapshot            string // The dashboard snapshot image has been updated
	DashboardInferenceResult     string // Human readable inference result
	DashboardJSONInferenceResult string // JSON array of detections
	EngineJob                    string // Image for an engine that talks over the bus
	EngineResult                 string // Raw result text from a bus engine
}

func NewTopics(base string) Topics {
	if base == "" {
		base = DefaultTopicBase
	}
	base = strings.TrimSuffix(base, "/")
	t := func(name string) string {
		return base + "/" + name
	}
	return Topics{
		Base:                         base,
		ActionLog:                    t("action/log"),
		ActionInference:              t("action/inference"),
		EventCamera:                  t("event/camera"),
		EventLocalImage:              t("event/localImage"),
		NotifyEmail:                  t("notify/email"),
		NotifyLINE:                   t("notify/LINE"),
		DashboardLog:                 t("dashboard/log"),
		DashboardSnapshot:            t("dashboard/snapshot"),
		DashboardInferenceResult:     t("dashboard/inferenceResult"),
		DashboardJSONInferenceResult: t("dashboard/jsonInferenceResult"),
		EngineJob:                    t("engine/job"),
		EngineResult:                 t("engine/result"),
	}
}

// Dashboard returns a filter that matches every dashboard topic
func (t Topics) Dashboard() string {
	return t.Base + "/dashboard/#"
}

// Short strips the base from a topic, eg "berrynet/dashboard/log" -> "dashboard/log"
func (t Topics) Short(topic string) string {
	return strings.TrimPrefix(topic, t.Base+"/")
}
