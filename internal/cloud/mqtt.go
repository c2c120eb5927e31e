package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/botanical/plant-controller/internal/protocol"
)

// MirrorConfig holds MQTT telemetry mirror configuration
type MirrorConfig struct {
	Broker         string // tcp://host:1883
	TopicPrefix    string // telemetry is published to <prefix>/<device_id>/telemetry
	ClientIDPrefix string
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// DefaultMirrorConfig returns default mirror configuration
func DefaultMirrorConfig() MirrorConfig {
	return MirrorConfig{
		TopicPrefix:    "plants",
		ClientIDPrefix: "botanical-device",
		ConnectTimeout: 5 * time.Second,
		PublishTimeout: 2 * time.Second,
	}
}

// Mirror republishes telemetry payloads to an MQTT broker
type Mirror struct {
	config MirrorConfig
	client mqtt.Client
	log    zerolog.Logger
}

// NewMirror connects to the broker
func NewMirror(config MirrorConfig, log zerolog.Logger) (*Mirror, error) {
	if config.Broker == "" {
		return nil, errors.New("mqtt broker address is required")
	}

	clientID := fmt.Sprintf("%s-%s", config.ClientIDPrefix, uuid.NewString()[:8])
	opts := mqtt.NewClientOptions().AddBroker(config.Broker).SetClientID(clientID)
	opts = opts.SetAutoReconnect(true).SetConnectTimeout(config.ConnectTimeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(config.ConnectTimeout) {
		return nil, fmt.Errorf("connect to broker %s: timed out", config.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", config.Broker, err)
	}

	log.Info().Str("broker", config.Broker).Str("client_id", clientID).Msg("connected to MQTT broker")
	return newMirror(config, client, log), nil
}

func newMirror(config MirrorConfig, client mqtt.Client, log zerolog.Logger) *Mirror {
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = DefaultMirrorConfig().PublishTimeout
	}
	return &Mirror{
		config: config,
		client: client,
		log:    log.With().Str("component", "mqtt").Logger(),
	}
}

// Topic returns the telemetry topic for a device
func (m *Mirror) Topic(deviceID string) string {
	return fmt.Sprintf("%s/%s/telemetry", m.config.TopicPrefix, deviceID)
}

// Publish sends a telemetry payload to the device's topic
func (m *Mirror) Publish(ctx context.Context, payload protocol.TelemetryPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	topic := m.Topic(payload.DeviceID)
	token := m.client.Publish(topic, m.config.QoS, false, data)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.config.PublishTimeout):
		return fmt.Errorf("publish %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	m.log.Debug().Str("topic", topic).Int("bytes", len(data)).Msg("telemetry mirrored")
	return nil
}

// Close disconnects from the broker
func (m *Mirror) Close() {
	m.client.Disconnect(250)
}
