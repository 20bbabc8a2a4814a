package bus

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type MQTTConfig struct {
	Broker   string `json:"broker"`   // eg tcp://localhost:1883
	ClientID string `json:"clientID"` // Defaults to snapbus-<hostname>-<pid>
	Username string `json:"username"`
	Password string `json:"password"`
	QoS      byte   `json:"qos"`
}

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// MQTT is a Bus backed by an MQTT broker
type MQTT struct {
	log    logs.Log
	qos    byte
	client mqtt.Client

	subsLock sync.Mutex
	subs     []*subscription
}

// NewMQTT connects to the broker. The client reconnects automatically, and
// re-establishes its subscriptions after every reconnect.
func NewMQTT(log logs.Log, cfg MQTTConfig) (*MQTT, error) {
	if cfg.Broker == "" {
		cfg.Broker = "tcp://localhost:1883"
	}
	if cfg.ClientID == "" {
		host, _ := os.Hostname()
		cfg.ClientID = fmt.Sprintf("snapbus-%v-%v", host, os.Getpid())
	}
	m := &MQTT{
		log: log,
		qos: cfg.QoS,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	// Each subscription has its own serial delivery goroutine
	opts.SetOrderMatters(false)
	opts.OnConnect = func(c mqtt.Client) {
		log.Infof("Connected to MQTT broker %v as %v", cfg.Broker, cfg.ClientID)
		m.resubscribe()
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		log.Warnf("Lost connection to MQTT broker %v: %v", cfg.Broker, err)
	}

	m.client = mqtt.NewClient(opts)
	log.Infof("Connecting to MQTT broker %v", cfg.Broker)
	token := m.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("Timed out connecting to MQTT broker %v", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("Failed to connect to MQTT broker %v: %w", cfg.Broker, err)
	}
	return m, nil
}

func (m *MQTT) Publish(topic string, payload []byte) error {
	token := m.client.Publish(topic, m.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("Timed out publishing to %v", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("Failed to publish to %v: %w", topic, err)
	}
	return nil
}

func (m *MQTT) Subscribe(filter string, handler Handler) error {
	s := newSubscription(filter, handler)
	if err := m.subscribe(s); err != nil {
		s.close()
		return err
	}
	m.subsLock.Lock()
	m.subs = append(m.subs, s)
	m.subsLock.Unlock()
	return nil
}

func (m *MQTT) subscribe(s *subscription) error {
	token := m.client.Subscribe(s.filter, m.qos, func(c mqtt.Client, msg mqtt.Message) {
		s.deliver(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("Timed out subscribing to %v", s.filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("Failed to subscribe to %v: %w", s.filter, err)
	}
	return nil
}

// Runs on the paho goroutine after a reconnect, because clean sessions lose their subscriptions
func (m *MQTT) resubscribe() {
	m.subsLock.Lock()
	subs := append([]*subscription{}, m.subs...)
	m.subsLock.Unlock()
	for _, s := range subs {
		go func(s *subscription) {
			if err := m.subscribe(s); err != nil {
				m.log.Errorf("%v", err)
			}
		}(s)
	}
}

func (m *MQTT) Close() {
	m.client.Disconnect(250)
	m.subsLock.Lock()
	subs := m.subs
	m.subs = nil
	m.subsLock.Unlock()
	for _, s := range subs {
		s.close()
	}
	m.log.Infof("Disconnected from MQTT broker")
}
