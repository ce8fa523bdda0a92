package actuation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"gatewatch/internal/config"
	"gatewatch/internal/logger"
)

// MQTTPublisher is the broker side of the dispatcher.
type MQTTPublisher struct {
	cfg    config.MQTTConfig
	client mqtt.Client
	logger *logger.Logger

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

// MQTTStats contains broker client statistics.
type MQTTStats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

func NewMQTTPublisher(cfg config.MQTTConfig, log *logger.Logger) *MQTTPublisher {
	return &MQTTPublisher{
		cfg:       cfg,
		logger:    log,
		published: make(map[string]uint64),
	}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes the broker connection. The client keeps reconnecting on its own
// after a connection loss.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(p.cfg.Broker))
	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		p.setConnected(true)
		p.logger.Info("🔌 MQTT connected to %s as %s", p.cfg.Broker, p.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		p.setConnected(false)
		p.logger.Warning("MQTT connection lost, reconnecting: %v", err)
	}

	p.client = mqtt.NewClient(opts)
	p.logger.Info("Connecting to MQTT broker %s", p.cfg.Broker)

	timeout := p.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}

	token := p.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	p.setConnected(true)
	return nil
}

// Publish sends payload to topic and waits for the broker up to the publish timeout.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if !p.isConnected() {
		p.countError()
		return ErrNotConnected
	}

	timeout := p.cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	token := p.client.Publish(topic, p.cfg.QoS, false, payload)
	select {
	case <-token.Done():
	case <-time.After(timeout):
		p.countError()
		return fmt.Errorf("publish timeout")
	case <-ctx.Done():
		p.countError()
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	p.mu.Lock()
	p.published[topic]++
	p.mu.Unlock()
	return nil
}

// Disconnect closes the broker connection.
func (p *MQTTPublisher) Disconnect() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		p.logger.Info("MQTT disconnected")
	}
	p.setConnected(false)
}

func (p *MQTTPublisher) Stats() MQTTStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	published := make(map[string]uint64, len(p.published))
	for k, v := range p.published {
		published[k] = v
	}
	return MQTTStats{
		Connected: p.connected,
		Published: published,
		Errors:    p.errors,
	}
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *MQTTPublisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

// LogPublisher stands in for the broker when none is configured.
type LogPublisher struct {
	Logger *logger.Logger
}

func (p LogPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.Logger.Info("No MQTT broker configured, command %q for %s not sent", payload, topic)
	return nil
}
