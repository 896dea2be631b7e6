package notification

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mikeyg42/motioncam/internal/recorder/pipeline"
	"github.com/mikeyg42/motioncam/internal/recorder/recorderlog"
)

// MQTTConfig configures the MQTT notifier
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	Retry          RetryConfig
}

// mqttClient is the part of mqtt.Client the notifier uses.
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTNotifier publishes a ClipEvent for every saved clip.
type MQTTNotifier struct {
	cfg    MQTTConfig
	client mqttClient
	logger recorderlog.Logger

	published atomic.Uint64
	failures  atomic.Uint64
}

// NewMQTTNotifier creates a notifier with an auto-reconnecting paho client.
// Call Connect before publishing.
func NewMQTTNotifier(cfg MQTTConfig, logger recorderlog.Logger) *MQTTNotifier {
	if logger == nil {
		logger = recorderlog.L()
	}
	logger = logger.Named("mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetCleanSession(true)

	opts.OnConnect = func(mqtt.Client) {
		logger.Info("MQTT connection established", recorderlog.String("broker", cfg.Broker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost, will auto-reconnect",
			recorderlog.String("broker", cfg.Broker),
			recorderlog.Error(err))
	}

	return newMQTTNotifier(cfg, mqtt.NewClient(opts), logger)
}

func newMQTTNotifier(cfg MQTTConfig, client mqttClient, logger recorderlog.Logger) *MQTTNotifier {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	return &MQTTNotifier{cfg: cfg, client: client, logger: logger}
}

// Connect establishes the broker connection.
func (n *MQTTNotifier) Connect(ctx context.Context) error {
	token := n.client.Connect()
	if err := waitToken(ctx, token, n.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

// Publish implements pipeline.Publisher.
func (n *MQTTNotifier) Publish(ctx context.Context, clip pipeline.SavedClip) error {
	payload, err := NewClipEvent(n.cfg.ClientID, clip).Payload()
	if err != nil {
		n.failures.Add(1)
		return fmt.Errorf("failed to marshal clip event: %w", err)
	}

	err = SendWithRetry(ctx, n.cfg.Retry, func(ctx context.Context) error {
		if !n.client.IsConnected() {
			return errors.New("mqtt not connected")
		}
		token := n.client.Publish(n.cfg.Topic, n.cfg.QoS, false, payload)
		return waitToken(ctx, token, n.cfg.PublishTimeout)
	})
	if err != nil {
		n.failures.Add(1)
		return fmt.Errorf("publish to %s failed: %w", n.cfg.Topic, err)
	}

	n.published.Add(1)
	n.logger.Debug("Clip event published",
		recorderlog.String("topic", n.cfg.Topic),
		recorderlog.String("clip", clip.Name()),
		recorderlog.Int("size", len(payload)))
	return nil
}

// Close disconnects from the broker, letting in-flight messages finish.
func (n *MQTTNotifier) Close() error {
	n.client.Disconnect(250)
	return nil
}

// GetMetrics returns notifier counters
func (n *MQTTNotifier) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"published": n.published.Load(),
		"failures":  n.failures.Load(),
		"connected": n.client.IsConnected(),
	}
}

// waitToken waits for a paho token, a timeout or ctx, whichever is first.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.New("timeout")
	case <-ctx.Done():
		return backoff.Permanent(ctx.Err())
	}
}

var _ pipeline.Publisher = (*MQTTNotifier)(nil)
