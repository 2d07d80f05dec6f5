package ingest

import (
	"bytes"
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-telemetry/internal/models"
)

const (
	defaultQoS      byte = 1
	disconnectQuiet      = 250 // ms
	tokenTimeout         = 10 * time.Second
)

// MQTTClient is the part of mqtt.Client the subscriber uses.
type MQTTClient interface {
	Connect() mqtt.Token
	IsConnected() bool
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

// Ingester is what the subscriber feeds decoded frames into.
type Ingester interface {
	Ingest(ctx context.Context, event models.TelemetryEvent) Result
	IngestBatch(ctx context.Context, events []models.TelemetryEvent) (BatchReport, error)
}

var (
	_ MQTTClient = (mqtt.Client)(nil)
	_ Ingester   = (*Pipeline)(nil)
)

// NewMQTTClient builds an auto-reconnecting paho client.
func NewMQTTClient(broker, clientID string, logger *log.Entry) mqtt.Client {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	logger = logger.WithField("component", "mqtt")
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithError(err).Warn("mqtt connection lost")
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.WithField("broker", broker).Info("mqtt connected")
	})
	return mqtt.NewClient(opts)
}

// Subscriber receives telemetry frames from an MQTT topic. Devices are
// authenticated and resolved to a truck upstream; each frame carries a single
// event envelope or a JSON array of them.
type Subscriber struct {
	client   MQTTClient
	topic    string
	qos      byte
	ingester Ingester
	logger   *log.Entry
}

// NewSubscriber creates a Subscriber for topic.
func NewSubscriber(client MQTTClient, topic string, ingester Ingester, logger *log.Entry) *Subscriber {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Subscriber{
		client:   client,
		topic:    topic,
		qos:      defaultQoS,
		ingester: ingester,
		logger:   logger.WithFields(log.Fields{"component": "mqtt", "topic": topic}),
	}
}

// Start connects if needed and subscribes. Frames are ingested with ctx.
func (s *Subscriber) Start(ctx context.Context) error {
	if !s.client.IsConnected() {
		if err := wait(s.client.Connect()); err != nil {
			return fmt.Errorf("connect to mqtt broker: %w", err)
		}
	}
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		if err := s.HandleFrame(ctx, msg.Payload()); err != nil {
			s.logger.WithError(err).WithField("msg_topic", msg.Topic()).Warn("telemetry frame rejected")
		}
	}
	if err := wait(s.client.Subscribe(s.topic, s.qos, handler)); err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.topic, err)
	}
	s.logger.Info("subscribed to telemetry topic")
	return nil
}

// Stop unsubscribes and disconnects. It is safe to call more than once.
func (s *Subscriber) Stop() {
	if !s.client.IsConnected() {
		return
	}
	if err := wait(s.client.Unsubscribe(s.topic)); err != nil {
		s.logger.WithError(err).Warn("mqtt unsubscribe failed")
	}
	s.client.Disconnect(disconnectQuiet)
}

// HandleFrame decodes and ingests one MQTT payload. Malformed array elements
// are skipped and reported; the rest are ingested as a batch.
func (s *Subscriber) HandleFrame(ctx context.Context, payload []byte) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty frame")
	}

	if trimmed[0] != '[' {
		var event models.TelemetryEvent
		if err := json.Unmarshal(trimmed, &event); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		res := s.ingester.Ingest(ctx, event)
		if res.Outcome == OutcomeFailed {
			return res.Err
		}
		return nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(trimmed, &raws); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	events := make([]models.TelemetryEvent, 0, len(raws))
	malformed := 0
	for i, raw := range raws {
		var event models.TelemetryEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			malformed++
			s.logger.WithError(err).WithField("element", i).Debug("skipping malformed event")
			continue
		}
		events = append(events, event)
	}
	if len(events) > 0 {
		report, err := s.ingester.IngestBatch(ctx, events)
		if err != nil {
			return err
		}
		if len(report.Failures) > 0 || malformed > 0 {
			return fmt.Errorf("batch: %d stored, %d rejected, %d malformed",
				report.Inserted, len(report.Failures), malformed)
		}
		return nil
	}
	if malformed > 0 {
		return fmt.Errorf("batch: all %d events malformed", malformed)
	}
	return nil
}

func wait(token mqtt.Token) error {
	if !token.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("timed out after %s", tokenTimeout)
	}
	return token.Error()
}
