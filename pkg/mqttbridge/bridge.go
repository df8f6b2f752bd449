// Package mqttbridge mirrors pipeline events onto an MQTT broker so
// home-automation dashboards can follow runs without holding a
// websocket open. Each run gets its own topic under the prefix.
package mqttbridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/naralabs/nara/pkg/pipeline"
)

type Config struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// TopicPrefix roots every published topic; events land on
	// <prefix>/events/<run-id>.
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         byte   `mapstructure:"qos"`
	Retained    bool   `mapstructure:"retained"`
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "nara-bridge"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "nara"
	}
	return c
}

// publisher is the slice of mqtt.Client the bridge uses; tests
// substitute a recorder.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Disconnect(quiesce uint)
}

// Bridge publishes run events as JSON. Publish failures are logged and
// dropped; the broker is an observer of runs, never a participant.
type Bridge struct {
	cfg    Config
	client publisher
	logger *slog.Logger
}

// NewBridge connects to the broker and blocks until the first connect
// resolves.
func NewBridge(cfg Config, logger *slog.Logger) (*Bridge, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt_connection_lost", "error", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt_connected", "broker", cfg.Broker)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", cfg.Broker, token.Error())
	}
	return &Bridge{cfg: cfg, client: client, logger: logger}, nil
}

func newBridgeWithClient(cfg Config, client publisher, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{cfg: cfg.withDefaults(), client: client, logger: logger}
}

// envelope is the published payload; the run id rides inside it as
// well so consumers subscribed to <prefix>/events/+ keep context.
type envelope struct {
	RunID      string         `json:"run_id"`
	PipelineID string         `json:"pipeline_id,omitempty"`
	Event      pipeline.Event `json:"event"`
}

// Sink wraps a run's event sink so every event is also published.
// next may be nil.
func (b *Bridge) Sink(runID, pipelineID string, next pipeline.EventSink) pipeline.EventSink {
	topic := fmt.Sprintf("%s/events/%s", b.cfg.TopicPrefix, runID)
	return func(ev pipeline.Event) {
		payload, err := json.Marshal(envelope{RunID: runID, PipelineID: pipelineID, Event: ev})
		if err == nil {
			token := b.client.Publish(topic, b.cfg.QoS, b.cfg.Retained, payload)
			go func() {
				if token.Wait() && token.Error() != nil {
					b.logger.Warn("mqtt_publish_failed", "topic", topic, "error", token.Error())
				}
			}()
		}
		if next != nil {
			next(ev)
		}
	}
}

func (b *Bridge) Close() error {
	b.client.Disconnect(250)
	return nil
}
