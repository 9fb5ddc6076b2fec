// Package messaging publishes domain events to Kafka for downstream
// consumers (case management UIs, data warehousing, regulatory archives).
package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/finsentry/casework/internal/events"
)

// KafkaConfig configures the event publisher.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
}

// KafkaPublisher is an events.Sink that writes every domain event as a JSON
// message keyed by event type. Publishing is best-effort: failures are
// logged and dropped, never blocking the engine.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.SugaredLogger
}

// NewKafkaPublisher creates a publisher for the configured topic.
func NewKafkaPublisher(cfg KafkaConfig, logger *zap.SugaredLogger) *KafkaPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		BatchTimeout: 50 * time.Millisecond,
	})
	return &KafkaPublisher{writer: w, logger: logger}
}

// Handle implements events.Sink.
func (p *KafkaPublisher) Handle(event events.Event) {
	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Errorw("Failed to marshal event", "event_type", event.Type, "error", err)
		return
	}

	err = p.writer.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(event.Type),
		Value: value,
	})
	if err != nil {
		p.logger.Warnw("Kafka publish failed", "event_type", event.Type, "error", err)
	}
}

// Close shuts down the Kafka writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
