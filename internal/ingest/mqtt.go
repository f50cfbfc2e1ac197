// Package ingest accepts vital readings from devices over MQTT. Messages are
// published on <prefix>/vitals/<userId> with a JSON reading (or array of
// readings) as the payload.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gmsas95/preventx/internal/config"
	apperrors "github.com/gmsas95/preventx/internal/errors"
	"github.com/gmsas95/preventx/internal/health"
	"github.com/gmsas95/preventx/internal/metrics"
	"go.uber.org/zap"
)

const (
	connectTimeout = 10 * time.Second
	handleTimeout  = 15 * time.Second
	qos            = 1
)

type Recorder interface {
	RecordVital(ctx context.Context, userID string, metric health.Metric, value float64, unit string, ts time.Time) (*health.VitalReading, error)
}

// Reading is the wire form of one device measurement.
type Reading struct {
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

type Subscriber struct {
	cfg      config.MQTTConfig
	recorder Recorder
	client   mqtt.Client
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewSubscriber(cfg config.MQTTConfig, rec Recorder, m *metrics.Metrics, logger *zap.Logger) *Subscriber {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "preventx"
	}
	return &Subscriber{cfg: cfg, recorder: rec, metrics: m, logger: logger}
}

// Topic is the subscription filter covering every user.
func (s *Subscriber) Topic() string {
	return strings.TrimSuffix(s.cfg.TopicPrefix, "/") + "/vitals/+"
}

// Start connects to the broker. Subscriptions are renewed on every
// (re)connect.
func (s *Subscriber) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	opts.SetUsername(s.cfg.Username)
	opts.SetPassword(s.cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)
	opts.OnConnect = func(c mqtt.Client) {
		s.logger.Info("Connected to MQTT broker", zap.String("broker", s.cfg.Broker))
		token := c.Subscribe(s.Topic(), qos, s.handle)
		if token.WaitTimeout(connectTimeout) && token.Error() != nil {
			s.logger.Error("MQTT subscribe failed", zap.String("topic", s.Topic()), zap.Error(token.Error()))
			return
		}
		s.logger.Info("Subscribed to topic", zap.String("topic", s.Topic()))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.logger.Warn("MQTT connection lost", zap.Error(err))
	}

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt: connect to %s timed out", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect to %s: %w", s.cfg.Broker, err)
	}
	return nil
}

func (s *Subscriber) Stop() {
	if s.client == nil {
		return
	}
	s.client.Unsubscribe(s.Topic()).WaitTimeout(time.Second)
	s.client.Disconnect(250)
	s.logger.Info("MQTT subscriber stopped")
}

func (s *Subscriber) handle(_ mqtt.Client, msg mqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	if err := s.Process(ctx, msg.Topic(), msg.Payload()); err != nil {
		s.logger.Warn("Rejected MQTT vitals message",
			zap.String("topic", msg.Topic()),
			zap.Error(err),
		)
	}
}

// Process records every reading of one message. Invalid readings are
// skipped and reported; valid ones in the same message are still stored.
func (s *Subscriber) Process(ctx context.Context, topic string, payload []byte) error {
	userID, err := s.userFromTopic(topic)
	if err != nil {
		s.metrics.RecordIngest("bad_topic")
		return err
	}

	readings, err := decode(payload)
	if err != nil {
		s.metrics.RecordIngest("bad_payload")
		return err
	}

	var failed []string
	for _, r := range readings {
		if _, err := s.recorder.RecordVital(ctx, userID, health.Metric(r.Metric), r.Value, r.Unit, r.Timestamp); err != nil {
			s.metrics.RecordIngest("rejected")
			failed = append(failed, fmt.Sprintf("%s: %v", r.Metric, err))
			continue
		}
		s.metrics.RecordIngest("recorded")
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d readings rejected: %s", len(failed), len(readings), strings.Join(failed, "; "))
	}
	return nil
}

func (s *Subscriber) userFromTopic(topic string) (string, error) {
	prefix := strings.TrimSuffix(s.cfg.TopicPrefix, "/") + "/vitals/"
	userID, ok := strings.CutPrefix(topic, prefix)
	if !ok || userID == "" || strings.Contains(userID, "/") {
		return "", apperrors.Newf(apperrors.ErrInvalidInput, "unexpected topic %q", topic)
	}
	return userID, nil
}

func decode(payload []byte) ([]Reading, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) > 0 && payload[0] == '[' {
		var batch []Reading
		if err := json.Unmarshal(payload, &batch); err != nil {
			return nil, apperrors.Newf(apperrors.ErrInvalidInput, "invalid readings payload: %v", err)
		}
		return batch, nil
	}
	var one Reading
	if err := json.Unmarshal(payload, &one); err != nil {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, "invalid reading payload: %v", err)
	}
	return []Reading{one}, nil
}
