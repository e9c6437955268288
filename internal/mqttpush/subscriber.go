// Package mqttpush receives push payloads from an MQTT topic, for backends
// that publish chat events to a broker instead of calling the push endpoint.
//
// Payloads are published to <topic>/<subscription>; the last topic level
// names the push subscription the payload is addressed to.
package mqttpush

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Config holds broker connection options.
type Config struct {
	Broker         string        `yaml:"broker" mapstructure:"broker"`
	Topic          string        `yaml:"topic" mapstructure:"topic"`
	ClientID       string        `yaml:"client_id" mapstructure:"client_id"`
	Username       string        `yaml:"username" mapstructure:"username"`
	Password       string        `yaml:"password" mapstructure:"password"`
	QoS            byte          `yaml:"qos" mapstructure:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
}

// Handler receives the subscription and raw payload of each message.
type Handler func(ctx context.Context, subscription string, payload []byte) error

// Subscriber feeds MQTT messages to a Handler.
type Subscriber struct {
	cfg     Config
	client  mqtt.Client
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
}

// New validates cfg and prepares a client. Call Start to connect.
func New(cfg Config, handler Handler) (*Subscriber, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	cfg.Topic = strings.TrimSuffix(cfg.Topic, "/")
	if cfg.Topic == "" {
		return nil, errors.New("mqtt topic is required")
	}
	if strings.ContainsAny(cfg.Topic, "+#") {
		return nil, fmt.Errorf("mqtt topic %q must not contain wildcards", cfg.Topic)
	}
	if handler == nil {
		return nil, errors.New("mqtt handler is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "chatus-edge"
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", cfg.QoS)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscriber{cfg: cfg, handler: handler, ctx: ctx, cancel: cancel}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	// Resubscribe after every (re)connect; clean sessions drop subscriptions.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if err := s.subscribe(c); err != nil {
			slog.Error("mqtt subscribe failed", "topic", cfg.Topic, "error", err)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
	})
	s.client = mqtt.NewClient(opts)
	return s, nil
}

// Start connects to the broker.
func (s *Subscriber) Start() error {
	token := s.client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt connect timeout after %s", s.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	slog.Info("mqtt push subscriber connected", "broker", s.cfg.Broker, "topic", s.cfg.Topic)
	return nil
}

func (s *Subscriber) subscribe(c mqtt.Client) error {
	token := c.Subscribe(s.filter(), s.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		s.handle(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return errors.New("subscribe timeout")
	}
	return token.Error()
}

// filter matches one topic level below the configured topic.
func (s *Subscriber) filter() string {
	return s.cfg.Topic + "/+"
}

func (s *Subscriber) handle(topic string, payload []byte) {
	subscription, ok := strings.CutPrefix(topic, s.cfg.Topic+"/")
	if !ok || subscription == "" || strings.Contains(subscription, "/") {
		slog.Warn("dropping mqtt push without a subscription", "topic", topic)
		return
	}
	if err := s.handler(s.ctx, subscription, payload); err != nil {
		slog.Warn("failed to handle mqtt push", "topic", topic, "error", err)
	}
}

// Close unsubscribes and disconnects.
func (s *Subscriber) Close() error {
	s.cancel()
	if s.client.IsConnected() {
		s.client.Unsubscribe(s.filter()).WaitTimeout(time.Second)
		s.client.Disconnect(250)
	}
	return nil
}
