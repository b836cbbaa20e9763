package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/smallbiznis/saasbilling/internal/billingevent/domain"
	"go.uber.org/zap"
)

type message struct {
	ID        string         `json:"id"`
	OrgID     string         `json:"org_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

type kafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger
}

// NewKafkaPublisher keys messages by organization so one tenant's events
// land on one partition in order.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string, log *zap.Logger) domain.Publisher {
	return &kafkaPublisher{
		producer: producer,
		topic:    topic,
		log:      log.Named("billing.kafka"),
	}
}

func NewSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_3_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

func (p *kafkaPublisher) Publish(ctx context.Context, event domain.BillingEvent) error {
	value, err := json.Marshal(message{
		ID:        event.ID.String(),
		OrgID:     event.OrgID.String(),
		EventType: event.EventType,
		Payload:   event.Payload,
		CreatedAt: event.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal billing event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.OrgID.String()),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.EventType)},
			{Key: []byte("event_id"), Value: []byte(event.ID.String())},
		},
		Timestamp: event.CreatedAt,
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to publish billing event: %w", err)
	}

	p.log.Debug("published billing event",
		zap.String("event_type", event.EventType),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

func (p *kafkaPublisher) Close() error {
	return p.producer.Close()
}

type logPublisher struct {
	log *zap.Logger
}

// NewLogPublisher is used when no brokers are configured; events are marked
// published after being logged.
func NewLogPublisher(log *zap.Logger) domain.Publisher {
	return &logPublisher{log: log.Named("billing.outbox")}
}

func (p *logPublisher) Publish(_ context.Context, event domain.BillingEvent) error {
	p.log.Info("billing event",
		zap.String("event_type", event.EventType),
		zap.String("org_id", event.OrgID.String()),
		zap.Any("payload", map[string]any(event.Payload)),
	)
	return nil
}

func (p *logPublisher) Close() error { return nil }
