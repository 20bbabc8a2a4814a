package notify

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapbus/pkg/bus"
	"github.com/cyclopcam/snapbus/pkg/envelope"
	"github.com/cyclopcam/snapbus/server/config"
	"github.com/jordan-wright/email"
)

const MailSubjectTimeFormat = "2006-01-02-15-04-05"

// MailNotifier emails every image that arrives on the notify/email topic
type MailNotifier struct {
	reporter *bus.Reporter
	bus      bus.Bus
	topics   bus.Topics
	cfg      config.MailConfig
	now      func() time.Time
	send     func(e *email.Email) error
}

func NewMailNotifier(log logs.Log, b bus.Bus, topics bus.Topics, cfg config.MailConfig) (*MailNotifier, error) {
	if cfg.Host == "" || cfg.To == "" {
		return nil, fmt.Errorf("Mail host and recipient must be configured")
	}
	n := &MailNotifier{
		reporter: bus.NewReporter(log, b, topics, "mail"),
		bus:      b,
		topics:   topics,
		cfg:      cfg,
		now:      time.Now,
	}
	n.send = n.sendSMTP
	return n, nil
}

func (n *MailNotifier) Start() error {
	return n.bus.Subscribe(n.topics.NotifyEmail, func(topic string, payload []byte) {
		n.HandleImage(payload)
	})
}

// Compose builds the mail for one snapshot
func (n *MailNotifier) Compose(img []byte) (*email.Email, error) {
	e := email.NewEmail()
	from := n.cfg.From
	if from == "" {
		from = n.cfg.Username
	}
	e.From = "<" + from + ">"
	e.To = []string{"<" + n.cfg.To + ">"}
	e.Subject = "Snapshot at " + n.now().Format(MailSubjectTimeFormat)
	e.Text = []byte(" ")
	if _, err := e.Attach(bytes.NewReader(img), "snapshot.jpg", "image/jpeg"); err != nil {
		return nil, err
	}
	return e, nil
}

func (n *MailNotifier) HandleImage(payload []byte) {
	msg, err := envelope.Decode(payload)
	if err != nil {
		n.reporter.Errorf("cannot decode image: %v", err)
		return
	}
	e, err := n.Compose(msg.Body)
	if err != nil {
		n.reporter.Errorf("an error occurred, %v.", err)
		return
	}
	if err := n.send(e); err != nil {
		n.reporter.Errorf("an error occurred, %v.", err)
		return
	}
	n.reporter.Infof("mail sent to %v successfully.", n.cfg.To)
}

func (n *MailNotifier) sendSMTP(e *email.Email) error {
	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	if n.cfg.TLS {
		return e.SendWithTLS(addr, auth, &tls.Config{ServerName: n.cfg.Host})
	}
	return e.Send(addr, auth)
}
