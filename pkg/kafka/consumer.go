// Package kafka provides Kafka producer and consumer clients backed by
// segmentio/kafka-go. Values travel as JSON. The consumer offers a
// per-message loop and a batched loop that commits only after the batch
// handler succeeds.
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

// MessageHandler is a callback invoked for each Kafka message.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// Message is a decoded-free view of a fetched record.
type Message struct {
	Key   []byte
	Value []byte
	Time  time.Time
}

// BatchHandler processes a batch. Returning an error leaves the batch
// uncommitted so it is redelivered.
type BatchHandler func(ctx context.Context, batch []Message) error

// Consumer reads messages from a Kafka topic and dispatches them to a
// MessageHandler or BatchHandler.
type Consumer struct {
	reader  *kafka.Reader
	logger  *slog.Logger
	handler MessageHandler
}

// NewConsumer creates a Consumer for the given topic and handler. A group
// with no committed offset starts from the earliest record so no view event
// is skipped on first deploy.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	})

	return &Consumer{
		reader:  r,
		logger:  slog.Default().With("component", "kafka-consumer", "topic", topic),
		handler: handler,
	}
}

// Start enters the consume loop, fetching and processing messages until ctx
// is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("kafka consumer %s: no message handler", c.reader.Config().Topic)
	}
	c.logger.Info("consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", "reason", ctx.Err())
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}
		if err := c.handler(ctx, msg.Key, msg.Value); err != nil {
			c.logger.Error("failed to process message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			continue
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

// StartBatch accumulates up to size messages or whatever arrived within
// interval, hands them to fn, and commits them once fn succeeds. A failed
// batch is retried in place until it succeeds or ctx ends.
func (c *Consumer) StartBatch(ctx context.Context, size int, interval time.Duration, fn BatchHandler) error {
	if size <= 0 {
		size = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	c.logger.Info("batch consumer started", "batch_size", size, "interval", interval)

	pending := make([]kafka.Message, 0, size)
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, interval)
		for len(pending) < size {
			msg, err := c.reader.FetchMessage(fetchCtx)
			if err != nil {
				break
			}
			pending = append(pending, msg)
		}
		cancel()
		if ctx.Err() != nil {
			c.logger.Info("batch consumer stopping", "reason", ctx.Err(), "uncommitted", len(pending))
			return nil
		}
		if len(pending) == 0 {
			continue
		}

		batch := make([]Message, len(pending))
		for i, m := range pending {
			batch[i] = Message{Key: m.Key, Value: m.Value, Time: m.Time}
		}
		if err := fn(ctx, batch); err != nil {
			c.logger.Error("batch handler failed, retrying", "count", len(batch), "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
			continue
		}
		if err := c.reader.CommitMessages(ctx, pending...); err != nil {
			c.logger.Error("failed to commit batch", "count", len(pending), "error", err)
		}
		pending = pending[:0]
	}
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON is a generic helper that unmarshals a Kafka message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
