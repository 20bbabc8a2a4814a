package camera

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapbus/pkg/bus"
	"github.com/cyclopcam/snapbus/pkg/envelope"
	"github.com/cyclopcam/snapbus/pkg/idgen"
	"github.com/cyclopcam/snapbus/pkg/prefixlog"
	"github.com/cyclopcam/snapbus/server/config"
	"github.com/cyclopcam/snapbus/server/util"
)

// Router turns camera commands into images on the inference topic.
// It owns the single stream that may be running at any time.
type Router struct {
	Log        logs.Log
	reporter   *bus.Reporter
	bus        bus.Bus
	topics     bus.Topics
	cfg        config.CameraConfig
	cycleIDs   *idgen.Uint32
	capturers  map[Source]Capturer
	openDevice DeviceOpener

	streamLock sync.Mutex // guards stream
	stream     *stream    // nil when no stream is running
}

// StreamStatus describes the running stream, for the dashboard
type StreamStatus struct {
	Active    bool    `json:"active"`
	Source    string  `json:"source,omitempty"`
	FPS       float64 `json:"fps"`       // Measured frame rate
	Frames    int64   `json:"frames"`    // Frames captured since the stream started
	Published int64   `json:"published"` // Frames sent to inference
}

type stream struct {
	source Source
	cancel context.CancelFunc
	done   chan struct{}
	stats  *frameStats
}

// NewRouter creates a router with the standard capture adapters
func NewRouter(log logs.Log, b bus.Bus, topics bus.Topics, cfg config.CameraConfig, temp *util.TempFiles, cycleIDs *idgen.Uint32) *Router {
	timeout := time.Duration(cfg.CaptureTimeoutSec) * time.Second
	capturers := map[Source]Capturer{
		SourceBoardCamera: NewBoardCapture(cfg.BoardCommand, cfg.Width, cfg.Height, temp),
		SourceUSBCamera:   NewUSBCapture(cfg.USBCommand, cfg.Width, cfg.Height, temp),
		SourceIPCamera:    &HTTPCapture{URI: cfg.IPCameraSnapshot, Client: &http.Client{Timeout: timeout}},
	}
	return NewRouterWithCapturers(log, b, topics, cfg, capturers, OpenDevice, cycleIDs)
}

// NewRouterWithCapturers creates a router with custom capture adapters
func NewRouterWithCapturers(log logs.Log, b bus.Bus, topics bus.Topics, cfg config.CameraConfig, capturers map[Source]Capturer, openDevice DeviceOpener, cycleIDs *idgen.Uint32) *Router {
	return &Router{
		Log:        prefixlog.New(log, "camera"),
		reporter:   bus.NewReporter(log, b, topics, "camera"),
		bus:        b,
		topics:     topics,
		cfg:        cfg,
		cycleIDs:   cycleIDs,
		capturers:  capturers,
		openDevice: openDevice,
	}
}

// Start subscribes to the camera command topic
func (r *Router) Start() error {
	return r.bus.Subscribe(r.topics.EventCamera, func(topic string, payload []byte) {
		r.HandleCommand(strings.TrimSpace(string(payload)))
	})
}

// HandleCommand executes one command token.
// Snapshots run to completion before HandleCommand returns.
func (r *Router) HandleCommand(token string) {
	r.Log.Infof("Received command '%v'", token)
	cmd, ok := ParseCommand(token)
	if !ok {
		r.reporter.Warnf("unknown action '%v'.", token)
		return
	}
	switch cmd.Action {
	case ActionSnapshot:
		r.snapshot(cmd.Source)
	case ActionStreamStart:
		r.startStream(cmd.Source)
	case ActionStreamStop:
		r.StopStream()
	}
}

func (r *Router) captureTimeout() time.Duration {
	if r.cfg.CaptureTimeoutSec <= 0 {
		return 20 * time.Second
	}
	return time.Duration(r.cfg.CaptureTimeoutSec) * time.Second
}

func (r *Router) snapshot(src Source) {
	capturer := r.capturers[src]
	if capturer == nil {
		r.reporter.Errorf("cannot get image: no capture adapter for %v.", src)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.captureTimeout())
	defer cancel()
	img, err := capturer.Capture(ctx)
	if err != nil {
		r.reporter.Errorf("cannot get image from %v: %v", src, err)
		return
	}
	r.publishImage(img)
}

// publishImage starts a new cycle with img
func (r *Router) publishImage(img []byte) {
	cycle := envelope.NewCycle(r.cycleIDs.Next(), time.Now())
	if err := r.bus.Publish(r.topics.ActionInference, envelope.Encode(cycle, img)); err != nil {
		r.Log.Errorf("Failed to publish image of cycle %v: %v", cycle, err)
		return
	}
	r.reporter.Infof("publishing image %v (%v bytes).", cycle, len(img))
}

// StreamStatus reports on the running stream, if any
func (r *Router) StreamStatus() StreamStatus {
	r.streamLock.Lock()
	defer r.streamLock.Unlock()
	if r.stream == nil {
		return StreamStatus{}
	}
	fps, frames, published := r.stream.stats.snapshot()
	return StreamStatus{
		Active:    true,
		Source:    r.stream.source.String(),
		FPS:       fps,
		Frames:    frames,
		Published: published,
	}
}

func (r *Router) startStream(src Source) {
	r.streamLock.Lock()
	defer r.streamLock.Unlock()
	if r.stream != nil {
		r.Log.Infof("Ignoring start of %v stream, because a %v stream is already running", src, r.stream.source)
		return
	}

	var run func(ctx context.Context, s *stream)
	var fps int
	switch src {
	case SourceUSBCamera:
		dev, err := r.openDevice(r.cfg.Device, r.cfg.Width, r.cfg.Height)
		if err != nil {
			r.reporter.Errorf("cannot start stream: %v", err)
			return
		}
		fps = r.cfg.StreamFPS
		every := r.cfg.PublishEveryFrames
		if every <= 0 {
			every = 2 * fps
		}
		run = func(ctx context.Context, s *stream) {
			r.runDeviceStream(ctx, s, dev, fps, every)
		}
	case SourceIPCamera:
		capturer := r.capturers[SourceIPCamera]
		if capturer == nil {
			r.reporter.Errorf("cannot start stream: no capture adapter for %v.", src)
			return
		}
		fps = r.cfg.IPStreamFPS
		run = func(ctx context.Context, s *stream) {
			r.runCaptureStream(ctx, s, capturer, fps)
		}
	default:
		r.reporter.Errorf("cannot stream from %v.", src)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &stream{
		source: src,
		cancel: cancel,
		done:   make(chan struct{}),
		stats:  newFrameStats(),
	}
	r.stream = s
	r.Log.Infof("Starting %v stream at %v FPS", src, fps)
	go func() {
		defer close(s.done)
		run(ctx, s)
	}()
}

// StopStream stops the running stream. It does nothing if no stream is running.
func (r *Router) StopStream() {
	r.streamLock.Lock()
	s := r.stream
	r.stream = nil
	r.streamLock.Unlock()
	if s == nil {
		return
	}
	s.cancel()
	<-s.done
	fps, frames, published := s.stats.snapshot()
	r.Log.Infof("Stopped %v stream after %v frames (%v published, %.1f FPS)", s.source, frames, published, fps)
}

// streamEnded clears the stream if it is still the current one, after it stopped by itself
func (r *Router) streamEnded(s *stream) {
	r.streamLock.Lock()
	if r.stream == s {
		r.stream = nil
	}
	r.streamLock.Unlock()
	s.cancel()
}

func frameInterval(fps int) time.Duration {
	if fps <= 0 {
		fps = 1
	}
	return time.Second / time.Duration(fps)
}

func (r *Router) runDeviceStream(ctx context.Context, s *stream, dev FrameDevice, fps, publishEvery int) {
	defer dev.Close()
	ticker := time.NewTicker(frameInterval(fps))
	defer ticker.Stop()
	counter := 0
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := dev.Grab(); err != nil {
				r.reporter.Errorf("cannot get image: %v", err)
				r.streamEnded(s)
				return
			}
			counter++
			publish := counter >= publishEvery
			s.stats.frame(now, publish)
			if !publish {
				continue
			}
			counter = 0
			img, err := dev.JPEG()
			if err != nil {
				r.reporter.Errorf("cannot get image: %v", err)
				continue
			}
			r.publishImage(img)
		}
	}
}

func (r *Router) runCaptureStream(ctx context.Context, s *stream, capturer Capturer, fps int) {
	ticker := time.NewTicker(frameInterval(fps))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			captureCtx, cancel := context.WithTimeout(ctx, r.captureTimeout())
			img, err := capturer.Capture(captureCtx)
			cancel()
			if errors.Is(ctx.Err(), context.Canceled) {
				return
			}
			s.stats.frame(now, err == nil)
			if err != nil {
				r.reporter.Errorf("cannot get image from %v: %v", s.source, err)
				continue
			}
			r.publishImage(img)
		}
	}
}

// Close stops any running stream
func (r *Router) Close() {
	r.StopStream()
}
