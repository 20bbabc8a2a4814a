package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapbus/pkg/bus"
	"github.com/cyclopcam/snapbus/pkg/envelope"
	"github.com/cyclopcam/snapbus/server/config"
	"github.com/line/line-bot-sdk-go/v7/linebot"
)

const lineTimeout = 30 * time.Second

// LineNotifier pushes inference results and snapshots to a LINE user.
// Images must be reachable over https, so they go to an image host first.
type LineNotifier struct {
	reporter *bus.Reporter
	bus      bus.Bus
	topics   bus.Topics
	client   *linebot.Client
	host     ImageHost
	target   string
}

func NewLineNotifier(log logs.Log, b bus.Bus, topics bus.Topics, cfg config.LINEConfig, host ImageHost) (*LineNotifier, error) {
	opts := []linebot.ClientOption{}
	if cfg.EndpointBase != "" {
		opts = append(opts, linebot.WithEndpointBase(cfg.EndpointBase))
	}
	client, err := linebot.New(cfg.ChannelSecret, cfg.ChannelAccessToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("Failed to create LINE client: %w", err)
	}
	if cfg.TargetUserID == "" {
		return nil, fmt.Errorf("LINE target user ID is not configured")
	}
	return &LineNotifier{
		reporter: bus.NewReporter(log, b, topics, "LINE"),
		bus:      b,
		topics:   topics,
		client:   client,
		host:     host,
		target:   cfg.TargetUserID,
	}, nil
}

func (n *LineNotifier) Start() error {
	if err := n.bus.Subscribe(n.topics.DashboardInferenceResult, func(topic string, payload []byte) {
		n.HandleResult(payload)
	}); err != nil {
		return err
	}
	return n.bus.Subscribe(n.topics.NotifyLINE, func(topic string, payload []byte) {
		n.HandleImage(payload)
	})
}

// HandleResult pushes an inference result as a text message
func (n *LineNotifier) HandleResult(payload []byte) {
	msg, err := envelope.Decode(payload)
	if err != nil {
		n.reporter.Errorf("cannot decode inference result: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), lineTimeout)
	defer cancel()
	if _, err := n.client.PushMessage(n.target, linebot.NewTextMessage(string(msg.Body))).WithContext(ctx).Do(); err != nil {
		n.reporter.Errorf("an error occurred, %v.", err)
		return
	}
	n.reporter.Infof("a result was sent to %v successfully.", n.target)
}

// HandleImage uploads the image at the path in the payload, and pushes it as an image message
func (n *LineNotifier) HandleImage(payload []byte) {
	msg, err := envelope.Decode(payload)
	if err != nil {
		n.reporter.Errorf("cannot decode image path: %v", err)
		return
	}
	path := string(msg.Body)
	ctx, cancel := context.WithTimeout(context.Background(), 2*lineTimeout)
	defer cancel()

	link, err := n.host.Upload(ctx, path)
	if err != nil {
		n.reporter.Errorf("an error occurred uploading %v. %v", path, err)
		return
	}
	link = ForceHTTPS(link)
	if _, err := n.client.PushMessage(n.target, linebot.NewImageMessage(link, link)).WithContext(ctx).Do(); err != nil {
		n.reporter.Errorf("an error occurred, %v.", err)
		return
	}
	n.reporter.Infof("image %v was sent to %v successfully.", link, n.target)
}
