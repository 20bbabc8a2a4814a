package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapbus/pkg/bus"
	"github.com/cyclopcam/snapbus/server"
	"github.com/cyclopcam/snapbus/server/config"
)

const defaultConfigFile = "snapbus.json"

func main() {
	parser := argparse.NewParser("snapbus", "Camera, inference and notification services over MQTT")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Config file (JSON). Built-in defaults are used if the default file does not exist", Default: defaultConfigFile})
	envFile := parser.String("", "env", &argparse.Options{Help: "Environment file with secrets", Default: ".env"})
	run := parser.String("r", "run", &argparse.Options{Help: "Comma separated components to run, or 'all'", Default: ""})
	memory := parser.Flag("", "memory", &argparse.Options{Help: "Use an in-process bus instead of the MQTT broker (every component must run in this process)", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if _, err := os.Stat(*configFile); errors.Is(err, os.ErrNotExist) && *configFile == defaultConfigFile {
		logger.Infof("%v not found. Using built-in defaults", defaultConfigFile)
		*configFile = ""
	}
	cfg, err := config.Load(*configFile, *envFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	components, err := server.ParseComponents(*run)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	var b bus.Bus
	if *memory {
		mem := bus.NewMemory()
		defer mem.Close()
		b = mem
	}

	srv, err := server.NewServer(logger, cfg, components, b)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := srv.Run(); err != nil {
		logger.Errorf("%v", err)
		logger.Close()
		os.Exit(1)
	}
	logger.Close()
}
