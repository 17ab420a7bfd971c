package ingest

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"equipwatch/internal/observability/metrics"
)

// ConnState models the broker connection lifecycle. Transitions are driven
// by paho callbacks and exposed for observability instead of ad-hoc logs.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String names the state.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	defaultSensorTopic  = "sensors/+/+"
	defaultProfileTopic = "equipment/+/profile"
)

// ConsumerConfig holds broker connection settings.
type ConsumerConfig struct {
	BrokerURL    string
	ClientID     string
	Username     string
	Password     string
	SensorTopic  string
	ProfileTopic string
}

// Consumer owns the long-lived broker connection, subscribes to sensor and
// profile-update topics, and forwards raw messages to the ingress handler.
type Consumer struct {
	client mqtt.Client
	cfg    ConsumerConfig
	logger *log.Logger
	state  atomic.Int32

	onSensor  func(topic string, payload []byte, receivedAt time.Time)
	onProfile func(equipmentID string)
}

// NewConsumer constructs a broker consumer. onSensor receives every sensor
// message; onProfile receives the equipment id of every profile-update
// notification.
func NewConsumer(cfg ConsumerConfig, onSensor func(topic string, payload []byte, receivedAt time.Time), onProfile func(equipmentID string), logger *log.Logger) (*Consumer, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqtt consumer: empty broker url")
	}
	if onSensor == nil {
		return nil, errors.New("mqtt consumer: nil sensor handler")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "equipwatch-ingress"
	}
	if cfg.SensorTopic == "" {
		cfg.SensorTopic = defaultSensorTopic
	}
	if cfg.ProfileTopic == "" {
		cfg.ProfileTopic = defaultProfileTopic
	}
	if logger == nil {
		logger = log.Default()
	}

	c := &Consumer{cfg: cfg, logger: logger, onSensor: onSensor, onProfile: onProfile}
	c.setState(StateDisconnected)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(c.handleConnect)
	opts.SetConnectionLostHandler(c.handleConnectionLost)
	opts.SetReconnectingHandler(c.handleReconnecting)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Start connects to the broker. Subscriptions are established from the
// on-connect handler so they survive reconnects.
func (c *Consumer) Start() error {
	if c == nil || c.client == nil {
		return errors.New("mqtt consumer: not initialised")
	}
	c.setState(StateConnecting)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("mqtt consumer: connect: %w", token.Error())
	}
	return nil
}

// Close disconnects from the broker.
func (c *Consumer) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(250)
	c.setState(StateDisconnected)
	c.logger.Printf("mqtt: disconnected from %s", c.cfg.BrokerURL)
}

// State returns the current connection state.
func (c *Consumer) State() ConnState {
	if c == nil {
		return StateDisconnected
	}
	return ConnState(c.state.Load())
}

func (c *Consumer) setState(state ConnState) {
	c.state.Store(int32(state))
	metrics.SetConnectionState(int(state))
}

func (c *Consumer) handleConnect(client mqtt.Client) {
	c.setState(StateConnected)
	c.logger.Printf("mqtt: connected to %s", c.cfg.BrokerURL)

	if token := client.Subscribe(c.cfg.SensorTopic, 1, c.handleSensorMessage); token.Wait() && token.Error() != nil {
		c.logger.Printf("mqtt: subscribe %s error: %v", c.cfg.SensorTopic, token.Error())
		return
	}
	c.logger.Printf("mqtt: subscribed to %s", c.cfg.SensorTopic)

	if c.onProfile != nil {
		if token := client.Subscribe(c.cfg.ProfileTopic, 1, c.handleProfileMessage); token.Wait() && token.Error() != nil {
			c.logger.Printf("mqtt: subscribe %s error: %v", c.cfg.ProfileTopic, token.Error())
			return
		}
		c.logger.Printf("mqtt: subscribed to %s", c.cfg.ProfileTopic)
	}
}

func (c *Consumer) handleConnectionLost(_ mqtt.Client, err error) {
	c.setState(StateReconnecting)
	c.logger.Printf("mqtt: connection lost: %v", err)
}

func (c *Consumer) handleReconnecting(_ mqtt.Client, _ *mqtt.ClientOptions) {
	c.setState(StateReconnecting)
}

func (c *Consumer) handleSensorMessage(_ mqtt.Client, msg mqtt.Message) {
	c.onSensor(msg.Topic(), msg.Payload(), time.Now().UTC())
}

// handleProfileMessage extracts the equipment id from
// equipment/{equipmentId}/profile and forwards it for cache invalidation.
func (c *Consumer) handleProfileMessage(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) != 3 || parts[1] == "" {
		c.logger.Printf("mqtt: ignoring profile message on topic %q", msg.Topic())
		return
	}
	c.onProfile(parts[1])
}
