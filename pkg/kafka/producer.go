package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/config"
	"github.com/segmentio/kafka-go"
)

// Event is the unit of data published to Kafka. Key is used for partition
// hashing, so view events keyed by viewer stay ordered per viewer. Value is
// JSON-serialised.
type Event struct {
	Key   string
	Value any
}

// Producer publishes JSON-encoded events to a Kafka topic.
type Producer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewProducer creates a Producer for the given topic.
func NewProducer(cfg config.KafkaConfig, topic string) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return newProducer(w, topic)
}

// NewAsyncProducer is for fire-and-forget streams such as analytics, where
// a lost event is tolerable and the caller must never block.
func NewAsyncProducer(cfg config.KafkaConfig, topic string) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    500,
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				slog.Warn("async publish failed", "component", "kafka-producer", "topic", topic, "count", len(messages), "error", err)
			}
		},
	}
	return newProducer(w, topic)
}

func newProducer(w *kafka.Writer, topic string) *Producer {
	return &Producer{
		writer: w,
		logger: slog.Default().With("component", "kafka-producer", "topic", topic),
	}
}

// encode turns events into wire messages. A single bad value fails the
// whole call so a batch is never half-published.
func encode(events []Event) ([]kafka.Message, error) {
	now := time.Now()
	messages := make([]kafka.Message, len(events))
	for i, event := range events {
		value, err := json.Marshal(event.Value)
		if err != nil {
			return nil, fmt.Errorf("marshaling event %d (key %q): %w", i, event.Key, err)
		}
		messages[i] = kafka.Message{
			Key:     []byte(event.Key),
			Value:   value,
			Time:    now,
			Headers: []kafka.Header{{Key: "content-type", Value: []byte("application/json")}},
		}
	}
	return messages, nil
}

// Publish writes a single event. With the synchronous writer it returns once
// the brokers have acknowledged it.
func (p *Producer) Publish(ctx context.Context, event Event) error {
	return p.PublishBatch(ctx, []Event{event})
}

// PublishBatch writes events in a single call.
func (p *Producer) PublishBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	messages, err := encode(events)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		p.logger.Error("failed to publish", "count", len(messages), "error", err)
		return fmt.Errorf("publishing %d events to %s: %w", len(messages), p.writer.Topic, err)
	}
	p.logger.Debug("published", "count", len(messages))
	return nil
}

// Close flushes pending writes and closes the underlying Kafka writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
