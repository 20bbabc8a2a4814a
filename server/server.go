package server

import (
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapbus/pkg/bus"
	"github.com/cyclopcam/snapbus/pkg/idgen"
	"github.com/cyclopcam/snapbus/server/camera"
	"github.com/cyclopcam/snapbus/server/collector"
	"github.com/cyclopcam/snapbus/server/config"
	"github.com/cyclopcam/snapbus/server/dashboard"
	"github.com/cyclopcam/snapbus/server/inference"
	"github.com/cyclopcam/snapbus/server/notify"
	"github.com/cyclopcam/snapbus/server/storage"
	"github.com/cyclopcam/snapbus/server/util"
)

// Components that can run inside one process
const (
	ComponentCamera    = "camera"
	ComponentLocalImg  = "localimg"
	ComponentInference = "inference"
	ComponentCollector = "collector"
	ComponentJournal   = "journal"
	ComponentLINE      = "line"
	ComponentMail      = "mail"
	ComponentDashboard = "dashboard"
)

var AllComponents = []string{
	ComponentCamera,
	ComponentLocalImg,
	ComponentInference,
	ComponentCollector,
	ComponentJournal,
	ComponentLINE,
	ComponentMail,
	ComponentDashboard,
}

// LINE and mail need credentials, so they only run when asked for
var DefaultComponents = []string{
	ComponentCamera,
	ComponentLocalImg,
	ComponentInference,
	ComponentCollector,
	ComponentJournal,
	ComponentDashboard,
}

// ParseComponents parses a comma separated list of component names.
// "all" selects every component, and an empty list selects the defaults.
func ParseComponents(list string) ([]string, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return DefaultComponents, nil
	}
	if list == "all" {
		return AllComponents, nil
	}
	out := []string{}
	for _, c := range strings.Split(list, ",") {
		c = strings.TrimSpace(c)
		if !slices.Contains(AllComponents, c) {
			return nil, fmt.Errorf("Unknown component '%v'. Valid components are %v", c, strings.Join(AllComponents, ","))
		}
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out, nil
}

type Server struct {
	Log              logs.Log
	Config           *config.Config
	Bus              bus.Bus
	Topics           bus.Topics
	Components       []string
	ShutdownComplete chan error // Sent once, after every component has stopped

	signalIn     chan os.Signal
	shutdownOnce sync.Once
	ownsBus      bool
	closers      []func() // Run in reverse order on shutdown
	reporter     *bus.Reporter

	router    *camera.Router
	agent     *inference.Agent
	index     *collector.Index
	store     storage.Storage
	dashboard *dashboard.Dashboard
}

// NewServer builds and starts the requested components.
// If b is nil, we connect to the MQTT broker in cfg, and close that connection on shutdown.
func NewServer(logger logs.Log, cfg *config.Config, components []string, b bus.Bus) (*Server, error) {
	s := &Server{
		Log:              logger,
		Config:           cfg,
		Topics:           bus.NewTopics(cfg.TopicBase),
		Components:       components,
		ShutdownComplete: make(chan error, 1),
	}
	if b == nil {
		mq, err := bus.NewMQTT(logger, cfg.MQTT)
		if err != nil {
			return nil, err
		}
		b = mq
		s.ownsBus = true
	}
	s.Bus = b
	s.reporter = bus.NewReporter(logger, b, s.Topics, "snapbus")

	if err := s.build(); err != nil {
		s.closeAll()
		return nil, err
	}
	s.reporter.Infof("started %v.", strings.Join(components, ", "))
	return s, nil
}

func (s *Server) has(component string) bool {
	return slices.Contains(s.Components, component)
}

func (s *Server) onClose(f func()) {
	s.closers = append(s.closers, f)
}

func (s *Server) build() error {
	cfg := s.Config
	cycleIDs := idgen.NewUint32(rand.Uint32())
	starters := []func() error{}

	if s.has(ComponentInference) {
		engine, err := inference.NewEngine(s.Log, s.Bus, s.Topics, cfg.Inference)
		if err != nil {
			return err
		}
		s.onClose(engine.Close)
		agent, err := inference.NewAgent(s.Log, s.Bus, s.Topics, cfg.Inference, cfg.SnapshotPath, engine, cycleIDs)
		if err != nil {
			return err
		}
		s.agent = agent
		s.onClose(agent.Close)
		starters = append(starters, agent.Start)
	}

	if s.has(ComponentCollector) {
		store, err := storage.New(s.Log, cfg.Collector.StorageOrDefault())
		if err != nil {
			return err
		}
		s.store = store
		if cfg.Collector.DBPath != "" {
			s.index, err = collector.NewIndex(s.Log, cfg.Collector.DBPath)
			if err != nil {
				return err
			}
			s.onClose(s.index.Close)
		}
		c := collector.New(s.Log, s.Bus, s.Topics, store, s.index, cfg.SnapshotPath)
		starters = append(starters, c.Start)
	}

	if s.has(ComponentJournal) {
		j := notify.NewJournal(s.Log, s.Bus, s.Topics, cfg.SnapshotPath)
		starters = append(starters, j.Start)
	}

	if s.has(ComponentLINE) {
		n, err := notify.NewLineNotifier(s.Log, s.Bus, s.Topics, cfg.LINE, notify.NewImgur(cfg.Imgur))
		if err != nil {
			return err
		}
		starters = append(starters, n.Start)
	}

	if s.has(ComponentMail) {
		n, err := notify.NewMailNotifier(s.Log, s.Bus, s.Topics, cfg.Mail)
		if err != nil {
			return err
		}
		starters = append(starters, n.Start)
	}

	if s.has(ComponentCamera) {
		temp, err := util.NewTempFiles(cfg.TempPath)
		if err != nil {
			return fmt.Errorf("Failed to create temp directory: %w", err)
		}
		s.router = camera.NewRouter(s.Log, s.Bus, s.Topics, cfg.Camera, temp, cycleIDs)
		s.onClose(s.router.Close)
		starters = append(starters, s.router.Start)
	}

	if s.has(ComponentLocalImg) {
		l := camera.NewLocalImage(s.Log, s.Bus, s.Topics, cycleIDs)
		starters = append(starters, l.Start)
	}

	if s.has(ComponentDashboard) {
		s.dashboard = dashboard.New(s.Log, s.Bus, s.Topics, cfg.Dashboard, cfg.SnapshotPath)
		s.onClose(s.dashboard.Close)
		if s.router != nil {
			s.dashboard.AddStatus("camera", func() any { return s.router.StreamStatus() })
		}
		if s.agent != nil {
			s.dashboard.AddStatus("inference", func() any { return s.agent.Stats() })
		}
		if s.index != nil {
			s.dashboard.SetCaptures(s.index, s.store)
			s.dashboard.AddStatus("recent", func() any {
				recent, err := s.index.Recent(10)
				if err != nil {
					return err.Error()
				}
				return recent
			})
		}
		starters = append(starters, s.dashboard.Start)
	}

	// Subscribe only once everything exists, so that nothing is delivered to a half built server
	for _, start := range starters {
		if err := start(); err != nil {
			return err
		}
	}
	return nil
}

// Run serves the dashboard, if it is enabled, and blocks until the server shuts down
func (s *Server) Run() error {
	if s.dashboard != nil {
		go func() {
			if err := s.dashboard.ListenHTTP(); err != nil {
				s.Log.Errorf("Dashboard HTTP server failed: %v", err)
				s.shutdown(err)
			}
		}()
	}
	return <-s.ShutdownComplete
}

func (s *Server) ListenForKillSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. Shutting down", sig.String())
			s.Shutdown()
		}
	}()
}

func (s *Server) Shutdown() {
	s.shutdown(nil)
}

func (s *Server) shutdown(err error) {
	s.shutdownOnce.Do(func() {
		s.Log.Infof("Shutdown")
		if s.signalIn != nil {
			signal.Stop(s.signalIn)
			close(s.signalIn)
		}
		s.closeAll()
		s.Log.Infof("Shutdown complete")
		s.ShutdownComplete <- err
	})
}

func (s *Server) closeAll() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
	if s.ownsBus {
		s.Bus.Close()
	}
}
