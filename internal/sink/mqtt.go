// SPDX-License-Identifier: MIT

// Package sink publishes sound events to a message bus and appends a CSV
// audit trail of noise-filtered class detections and event transitions
// (spec.md §4.6).
package sink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/soundwatch/soundwatch-go/internal/config"
	"github.com/soundwatch/soundwatch-go/internal/events"
)

// eventPayload is the JSON body published to "{topic_prefix}/{start,stop}".
type eventPayload struct {
	CameraName string `json:"camera_name"`
	SoundClass string `json:"sound_class"`
	EventType  string `json:"event_type"`
	Timestamp  string `json:"timestamp"`
}

// mqttClient is the subset of paho's Client this package depends on, so
// tests can substitute a fake without a broker.
type mqttClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// Publisher publishes sound events as JSON to a topic hierarchy. Publish
// failures are logged, never propagated back into the event machine: the
// event has already been committed to local state by the time it reaches
// the sink (spec.md §4.6, §7 SinkUnavailable).
type Publisher struct {
	client      mqttClient
	topicPrefix string
	connectWait time.Duration
	publishWait time.Duration
	log         *slog.Logger
}

// NewPublisher connects to the broker described by cfg and returns a ready
// Publisher. Connection failures are logged but do not prevent startup —
// every subsequent Publish simply no-ops with a logged error until the
// broker becomes reachable, matching the original daemon's tolerance for a
// temporarily-down message bus.
func NewPublisher(cfg config.MQTTConfig, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "soundwatch-" + uuid.NewString()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(clientID)
	if cfg.User != "" {
		opts.SetUsername(cfg.User)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectRetry(true)
	opts.SetAutoReconnect(true)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Error("mqtt connection lost", "error", err)
	}
	opts.OnConnect = func(_ mqtt.Client) {
		log.Info("mqtt connected", "host", cfg.Host, "port", cfg.Port)
	}

	client := mqtt.NewClient(opts)

	p := &Publisher{
		client:      client,
		topicPrefix: cfg.TopicPrefix,
		connectWait: 10 * time.Second,
		publishWait: 5 * time.Second,
		log:         log,
	}

	token := client.Connect()
	if !token.WaitTimeout(p.connectWait) {
		log.Error("mqtt connect timed out", "host", cfg.Host, "port", cfg.Port)
	} else if err := token.Error(); err != nil {
		log.Error("mqtt connect failed", "error", err)
	}

	return p
}

// newPublisherWithClient is the test seam: it skips the real broker dial.
func newPublisherWithClient(client mqttClient, topicPrefix string, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{client: client, topicPrefix: topicPrefix, connectWait: time.Second, publishWait: time.Second, log: log}
}

// Publish serializes ev and publishes it to "{topic_prefix}/{event_type}".
// Errors are logged and swallowed (spec.md §7: SinkUnavailable never
// propagates).
func (p *Publisher) Publish(ev events.Event) {
	if !p.client.IsConnected() {
		p.log.Error("mqtt client not connected, skipping publish", "source", ev.Source, "group", ev.Group, "type", ev.Type)
		return
	}

	payload := eventPayload{
		CameraName: ev.Source,
		SoundClass: ev.Group,
		EventType:  string(ev.Type),
		Timestamp:  ev.Timestamp.Format(events.TimestampLayout),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal event payload", "error", err)
		return
	}

	topic := fmt.Sprintf("%s/%s", p.topicPrefix, ev.Type)
	token := p.client.Publish(topic, 1, false, body)
	if !token.WaitTimeout(p.publishWait) {
		p.log.Error("mqtt publish timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

// Close disconnects from the broker, waiting up to 250ms for in-flight
// publishes to drain.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
