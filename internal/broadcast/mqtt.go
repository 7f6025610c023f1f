package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned by Send while the broker is unreachable.
var ErrNotConnected = errors.New("not connected to MQTT broker")

// MQTTConfig holds broker settings for MQTTSink.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// MQTTSink publishes events as JSON to <prefix>/<event type>.
type MQTTSink struct {
	client mqtt.Client
	prefix string
	logger *slog.Logger
}

// NewMQTTSink creates a sink. Call Connect before events are published.
func NewMQTTSink(cfg MQTTConfig, logger *slog.Logger) *MQTTSink {
	if logger == nil {
		logger = slog.Default()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("connected to MQTT broker", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("connection to MQTT broker lost", "broker", cfg.Broker, "error", err)
	})

	return newMQTTSink(mqtt.NewClient(opts), cfg.TopicPrefix, logger)
}

func newMQTTSink(client mqtt.Client, prefix string, logger *slog.Logger) *MQTTSink {
	return &MQTTSink{
		client: client,
		prefix: strings.TrimRight(prefix, "/"),
		logger: logger,
	}
}

// Connect dials the broker, waiting until ctx is done at most.
func (s *MQTTSink) Connect(ctx context.Context) error {
	token := s.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("connection timeout: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connection error: %w", err)
	}
	return nil
}

// Send publishes one event with QoS 0, not retained.
func (s *MQTTSink) Send(ctx context.Context, ev Event) error {
	if !s.client.IsConnected() {
		return ErrNotConnected
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := s.Topic(ev.Type)
	token := s.client.Publish(topic, 0, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish timeout for topic %s: %w", topic, ctx.Err())
	}
	return token.Error()
}

// Topic returns the topic an event type is published on.
func (s *MQTTSink) Topic(t EventType) string {
	if s.prefix == "" {
		return string(t)
	}
	return s.prefix + "/" + string(t)
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() error {
	if s.client.IsConnectionOpen() {
		s.client.Disconnect(250)
	}
	return nil
}
