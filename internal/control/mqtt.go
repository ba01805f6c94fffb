package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/avswitch/internal/notify"
)

// MQTTConfig configures the MQTT transport.
type MQTTConfig struct {
	Broker   string
	ClientID string

	ControlTopic  string
	ResponseTopic string
	NotifyTopic   string

	ControlQoS byte
	NotifyQoS  byte
}

// DefaultTopics fills empty topics from the instance id.
func (c *MQTTConfig) DefaultTopics(instanceID string) {
	if c.ControlTopic == "" {
		c.ControlTopic = "avswitch/control/" + instanceID
	}
	if c.ResponseTopic == "" {
		c.ResponseTopic = "avswitch/response/" + instanceID
	}
	if c.NotifyTopic == "" {
		c.NotifyTopic = "avswitch/notify/" + instanceID
	}
}

// mqttClient is the part of mqtt.Client the transport uses.
type mqttClient interface {
	IsConnected() bool
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT carries commands, responses and notifications over an MQTT broker.
type MQTT struct {
	cfg     MQTTConfig
	handler *Handler
	hub     *notify.Hub

	conn     mqtt.Client
	client   mqttClient
	commands chan Command
	events   chan notify.Notification
	done     chan struct{}

	mu        sync.RWMutex
	connected bool
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewMQTT creates the MQTT transport. hub may be nil.
func NewMQTT(cfg MQTTConfig, h *Handler, hub *notify.Hub) *MQTT {
	return &MQTT{
		cfg:      cfg,
		handler:  h,
		hub:      hub,
		commands: make(chan Command, 10),
		events:   make(chan notify.Notification, 64),
		done:     make(chan struct{}),
	}
}

// Connect establishes the broker connection, reconnecting automatically
// afterwards.
func (m *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", m.cfg.Broker))
	opts.SetClientID(m.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		m.setConnected(true)
		slog.Info("control: mqtt connection established",
			"broker", m.cfg.Broker,
			"client_id", m.cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		m.setConnected(false)
		slog.Warn("control: mqtt connection lost, will auto-reconnect",
			"broker", m.cfg.Broker,
			"error", err,
		)
	}

	m.conn = mqtt.NewClient(opts)
	m.client = m.conn

	slog.Info("control: connecting to mqtt broker", "broker", m.cfg.Broker)

	token := m.conn.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("control: mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: mqtt connection failed: %w", err)
	}

	m.setConnected(true)
	return nil
}

// Start subscribes to the control topic and starts forwarding
// notifications.
func (m *MQTT) Start(ctx context.Context) error {
	if m.client == nil {
		return fmt.Errorf("control: mqtt not connected")
	}

	slog.Info("control: subscribing to control topic", "topic", m.cfg.ControlTopic, "qos", m.cfg.ControlQoS)

	token := m.client.Subscribe(m.cfg.ControlTopic, m.cfg.ControlQoS, m.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: control topic subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: control topic subscription failed: %w", err)
	}

	if m.hub != nil {
		if err := m.hub.Subscribe("mqtt", m.events); err != nil {
			return fmt.Errorf("control: notifications: %w", err)
		}
	}

	m.wg.Add(2)
	go m.processCommands(ctx)
	go m.forwardNotifications(ctx)

	slog.Info("control: mqtt transport started")
	return nil
}

// Stop unsubscribes and waits for the transport goroutines.
func (m *MQTT) Stop() {
	m.stopOnce.Do(func() {
		if m.hub != nil {
			m.hub.Unsubscribe("mqtt")
		}
		if m.client != nil && m.client.IsConnected() {
			token := m.client.Unsubscribe(m.cfg.ControlTopic)
			token.WaitTimeout(2 * time.Second)
		}

		close(m.done)
		m.wg.Wait()

		if m.conn != nil {
			m.conn.Disconnect(250)
		}
		slog.Info("control: mqtt transport stopped")
	})
}

// IsConnected reports whether the broker connection is up.
func (m *MQTT) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *MQTT) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("control: failed to parse command", "topic", msg.Topic(), "error", err)
		m.publish(m.cfg.ResponseTopic, m.cfg.ControlQoS, Response{
			CommandAck: "unknown",
			Status:     StatusError,
			Error:      "invalid JSON",
			Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		})
		return
	}

	slog.Info("control: command received", "command", cmd.Command)

	select {
	case <-m.done:
	case m.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
	}
}

func (m *MQTT) processCommands(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case cmd := <-m.commands:
			m.publish(m.cfg.ResponseTopic, m.cfg.ControlQoS, m.handler.Dispatch(cmd))
		}
	}
}

func (m *MQTT) forwardNotifications(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case n := <-m.events:
			m.publish(m.cfg.NotifyTopic, m.cfg.NotifyQoS, n)
		}
	}
}

func (m *MQTT) publish(topic string, qos byte, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("control: failed to marshal message", "topic", topic, "error", err)
		return
	}

	token := m.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("control: publish timeout", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control: publish failed", "topic", topic, "error", err)
		return
	}
	slog.Debug("control: published", "topic", topic)
}
