package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cyclopcam/snapbus/pkg/bus"
	"github.com/joho/godotenv"
)

const (
	InferenceModeClassifier = "classifier"
	InferenceModeDetector   = "detector"

	EngineFiles = "files" // Sentinel file handshake with an engine watching a directory
	EngineBus   = "bus"   // Job/result topics on the bus
)

type Config struct {
	TopicBase    string          `json:"topicBase"`    // Root of every topic. Default "berrynet"
	MQTT         bus.MQTTConfig  `json:"mqtt"`         // Broker connection
	TempPath     string          `json:"tempPath"`     // Captures are written here before being published
	SnapshotPath string          `json:"snapshotPath"` // The dashboard's current snapshot image
	Camera       CameraConfig    `json:"camera"`
	Inference    InferenceConfig `json:"inference"`
	Collector    CollectorConfig `json:"collector"`
	LINE         LINEConfig      `json:"line"`
	Imgur        ImgurConfig     `json:"imgur"`
	Mail         MailConfig      `json:"mail"`
	Dashboard    DashboardConfig `json:"dashboard"`
}

type CameraConfig struct {
	Width              int    `json:"width"`              // Capture width for board and USB cameras
	Height             int    `json:"height"`             // Capture height for board and USB cameras
	BoardCommand       string `json:"boardCommand"`       // eg /usr/bin/raspistill
	USBCommand         string `json:"usbCommand"`         // eg /usr/bin/fswebcam
	IPCameraSnapshot   string `json:"ipcameraSnapshot"`   // HTTP URI that returns a single JPEG
	Device             int    `json:"device"`             // Video capture device index for board camera streaming
	StreamFPS          int    `json:"streamFPS"`          // Frame rate of the board camera stream
	PublishEveryFrames int    `json:"publishEveryFrames"` // Publish one of every N streamed frames. Default is 2*StreamFPS
	IPStreamFPS        int    `json:"ipStreamFPS"`        // Fetch rate of the IP camera stream
	CaptureTimeoutSec  int    `json:"captureTimeoutSec"`  // Limit on a single capture command or HTTP fetch
}

type InferenceConfig struct {
	Mode        string `json:"mode"`        // "classifier" or "detector"
	Engine      string `json:"engine"`      // "files" or "bus"
	ImageDir    string `json:"imageDir"`    // Handshake directory for the "files" engine
	TimeoutSec  int    `json:"timeoutSec"`  // Give up on an engine result after this long
	QueueSize   int    `json:"queueSize"`   // Images waiting for the engine. Extra images are dropped
	DrawOverlay bool   `json:"drawOverlay"` // Draw detection boxes ourselves, for engines that don't
}

type CollectorConfig struct {
	Storage StorageConfig `json:"storage"`
	DBPath  string        `json:"dbPath"` // SQLite index of collected cycles
}

// One of the storage options must be configured (i.e. either 'filesystem' or 'gcs')
type StorageConfig struct {
	Filesystem *StorageConfigFS  `json:"filesystem"`
	GCS        *StorageConfigGCS `json:"gcs"`
}

type StorageConfigFS struct {
	Root string `json:"root"`
}

type StorageConfigGCS struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"` // Prepended to every object name, eg "snapbus/"
}

type LINEConfig struct {
	ChannelSecret      string `json:"channelSecret"`
	ChannelAccessToken string `json:"channelAccessToken"`
	TargetUserID       string `json:"targetUserID"`
	EndpointBase       string `json:"endpointBase"` // Override of the LINE API URL, for testing
}

type ImgurConfig struct {
	ClientID string `json:"clientID"`
	Endpoint string `json:"endpoint"` // Default https://api.imgur.com/3/image
}

type MailConfig struct {
	Host     string `json:"host"` // eg smtp.gmail.com
	Port     int    `json:"port"` // eg 465
	TLS      bool   `json:"tls"`  // Implicit TLS. When false, STARTTLS is negotiated if the server offers it
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
	To       string `json:"to"`
}

type DashboardConfig struct {
	Listen            string `json:"listen"`            // eg :8080
	TriggersPerMinute int    `json:"triggersPerMinute"` // Per client IP limit on camera triggers
}

// Default returns a config that works on a single machine with a local broker
func Default() *Config {
	return &Config{
		TopicBase:    bus.DefaultTopicBase,
		MQTT:         bus.MQTTConfig{Broker: "tcp://localhost:1883"},
		TempPath:     filepath.Join(os.TempDir(), "snapbus"),
		SnapshotPath: "dashboard/www/snapshot.jpg",
		Camera: CameraConfig{
			Width:             1024,
			Height:            768,
			BoardCommand:      "/usr/bin/raspistill",
			USBCommand:        "/usr/bin/fswebcam",
			StreamFPS:         30,
			IPStreamFPS:       1,
			CaptureTimeoutSec: 20,
		},
		Inference: InferenceConfig{
			Mode:       InferenceModeDetector,
			Engine:     EngineFiles,
			ImageDir:   "inference/image",
			TimeoutSec: 60,
			QueueSize:  4,
		},
		Collector: CollectorConfig{
			DBPath: "data/snapbus.sqlite",
		},
		Imgur: ImgurConfig{
			Endpoint: "https://api.imgur.com/3/image",
		},
		Mail: MailConfig{
			Host: "smtp.gmail.com",
			Port: 465,
			TLS:  true,
		},
		Dashboard: DashboardConfig{
			Listen:            ":8080",
			TriggersPerMinute: 30,
		},
	}
}

// Load reads the JSON config file on top of the defaults, and then applies secrets from
// the environment. If envFile exists, it is loaded into the environment first.
// An empty filename means "defaults only".
func Load(filename, envFile string) (*Config, error) {
	cfg := Default()
	if filename != "" {
		raw, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("Error loading %v: %w", filename, err)
		}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("Error loading environment file %v: %w", envFile, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setEnv(&c.MQTT.Broker, "SNAPBUS_MQTT_BROKER")
	setEnv(&c.MQTT.Username, "SNAPBUS_MQTT_USERNAME")
	setEnv(&c.MQTT.Password, "SNAPBUS_MQTT_PASSWORD")
	setEnv(&c.Camera.IPCameraSnapshot, "SNAPBUS_IPCAMERA_SNAPSHOT")
	setEnv(&c.LINE.ChannelSecret, "SNAPBUS_LINE_CHANNEL_SECRET")
	setEnv(&c.LINE.ChannelAccessToken, "SNAPBUS_LINE_CHANNEL_ACCESS_TOKEN")
	setEnv(&c.LINE.TargetUserID, "SNAPBUS_LINE_TARGET_USER_ID")
	setEnv(&c.Imgur.ClientID, "SNAPBUS_IMGUR_CLIENT_ID")
	setEnv(&c.Mail.Username, "SNAPBUS_MAIL_USERNAME")
	setEnv(&c.Mail.Password, "SNAPBUS_MAIL_PASSWORD")
	setEnv(&c.Mail.To, "SNAPBUS_MAIL_TO")
	if port, err := strconv.Atoi(os.Getenv("SNAPBUS_MAIL_PORT")); err == nil {
		c.Mail.Port = port
	}
	if bucket := os.Getenv("SNAPBUS_GCS_BUCKET"); bucket != "" {
		c.Collector.Storage.GCS = &StorageConfigGCS{Bucket: bucket}
	}
}

func setEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) Validate() error {
	switch c.Inference.Mode {
	case InferenceModeClassifier, InferenceModeDetector:
	default:
		return fmt.Errorf("Unknown inference mode '%v' (must be '%v' or '%v')", c.Inference.Mode, InferenceModeClassifier, InferenceModeDetector)
	}
	switch c.Inference.Engine {
	case EngineFiles, EngineBus:
	default:
		return fmt.Errorf("Unknown inference engine '%v' (must be '%v' or '%v')", c.Inference.Engine, EngineFiles, EngineBus)
	}
	if c.Camera.StreamFPS <= 0 || c.Camera.IPStreamFPS <= 0 {
		return fmt.Errorf("Camera stream frame rates must be positive")
	}
	if c.Inference.QueueSize <= 0 {
		return fmt.Errorf("Inference queue size must be positive")
	}
	if c.Mail.From == "" {
		c.Mail.From = c.Mail.Username
	}
	return nil
}

// StorageOrDefault returns the collector's storage config, falling back to a "data"
// directory when nothing is configured
func (c *CollectorConfig) StorageOrDefault() StorageConfig {
	if c.Storage.Filesystem == nil && c.Storage.GCS == nil {
		return StorageConfig{Filesystem: &StorageConfigFS{Root: "data"}}
	}
	return c.Storage
}
