package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gmsas95/preventx/internal/config"
	"github.com/gmsas95/preventx/internal/notify"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const kafkaWriteTimeout = 10 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each event as a JSON message keyed by user id, so a
// user's events stay ordered within one partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

func NewKafkaPublisher(cfg config.KafkaConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaPublisher(writer, cfg.Topic, logger), nil
}

func newKafkaPublisher(w messageWriter, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{writer: w, topic: topic, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev notify.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(ev.UserID),
		Value: payload,
		Time:  ev.TriggeredAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
			{Key: "rule_key", Value: []byte(ev.RuleKey)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write to kafka topic %s: %w", p.topic, err)
	}

	p.logger.Debug("Notification published to Kafka",
		zap.String("topic", p.topic),
		zap.String("user_id", ev.UserID),
		zap.String("rule_key", ev.RuleKey),
	)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
