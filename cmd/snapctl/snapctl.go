package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapbus/pkg/bus"
	"github.com/cyclopcam/snapbus/pkg/envelope"
	"github.com/cyclopcam/snapbus/server/camera"
	"github.com/cyclopcam/snapbus/server/config"
)

func check(err error) {
	if err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
}

func main() {
	parser := argparse.NewParser("snapctl", "Trigger and observe snapbus services")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Config file (JSON), for the broker address and topic base", Default: ""})
	envFile := parser.String("", "env", &argparse.Options{Help: "Environment file with secrets", Default: ".env"})
	command := parser.String("", "camera", &argparse.Options{Help: "Send a camera command, eg snapshot_ipcam, stream_boardcam_start"})
	localImage := parser.String("", "image", &argparse.Options{Help: "Run a local image file through inference"})
	emailImage := parser.String("", "email", &argparse.Options{Help: "Email an image file"})
	watch := parser.Flag("w", "watch", &argparse.Options{Help: "Print dashboard and log messages until interrupted", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}
	if *command == "" && *localImage == "" && *emailImage == "" && !*watch {
		fmt.Print(parser.Usage("Nothing to do"))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)
	defer logger.Close()

	cfg, err := config.Load(*configFile, *envFile)
	check(err)
	topics := bus.NewTopics(cfg.TopicBase)
	mq, err := bus.NewMQTT(logger, cfg.MQTT)
	check(err)
	defer mq.Close()

	if *watch {
		check(mq.Subscribe(topics.Dashboard(), printMessage(topics)))
		check(mq.Subscribe(topics.ActionLog, printMessage(topics)))
	}

	if *command != "" {
		if _, ok := camera.ParseCommand(*command); !ok {
			check(fmt.Errorf("Unknown camera command '%v'", *command))
		}
		check(mq.Publish(topics.EventCamera, []byte(*command)))
	}
	if *localImage != "" {
		abs, err := filepath.Abs(*localImage)
		check(err)
		check(mq.Publish(topics.EventLocalImage, []byte(abs)))
	}
	if *emailImage != "" {
		img, err := os.ReadFile(*emailImage)
		check(err)
		check(mq.Publish(topics.NotifyEmail, img))
	}

	if *watch {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
	}
}

func printMessage(topics bus.Topics) bus.Handler {
	return func(topic string, payload []byte) {
		msg, err := envelope.Decode(payload)
		if err != nil {
			fmt.Printf("%-30v <%v>\n", topics.Short(topic), err)
			return
		}
		body := string(msg.Body)
		if len(body) > 200 {
			body = fmt.Sprintf("%v... (%v bytes)", body[:200], len(body))
		}
		if msg.Cycle != nil {
			fmt.Printf("%-30v [%v] %v\n", topics.Short(topic), msg.Cycle.Key, body)
		} else {
			fmt.Printf("%-30v %v\n", topics.Short(topic), body)
		}
	}
}
