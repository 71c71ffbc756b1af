// Package analytics carries page_served events from the ranker to the
// analytics service and aggregates them there.
package analytics

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/kafka"
)

// Publisher is the subset of *kafka.Producer the collector needs.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Collector queues events without blocking the request path and publishes
// them from a single goroutine. Events are dropped when the buffer is full.
type Collector struct {
	publisher Publisher
	eventCh   chan PageServed
	logger    *slog.Logger
	done      chan struct{}
	closeOnce sync.Once
}

func NewCollector(publisher Publisher, bufferSize int) *Collector {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Collector{
		publisher: publisher,
		eventCh:   make(chan PageServed, bufferSize),
		logger:    slog.Default().With("component", "analytics-collector"),
		done:      make(chan struct{}),
	}
}

func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		for {
			select {
			case event, ok := <-c.eventCh:
				if !ok {
					return
				}
				c.publish(ctx, event)
			case <-ctx.Done():
				c.drainRemaining()
				return
			}
		}
	}()
	c.logger.Info("analytics collector started", "buffer_size", cap(c.eventCh))
}

// TrackPage queues ev for publishing.
func (c *Collector) TrackPage(ev PageServed) {
	select {
	case c.eventCh <- ev:
	default:
		c.logger.Warn("analytics event dropped (buffer full)")
	}
}

// Close stops accepting events and waits for the queue to drain.
func (c *Collector) Close() {
	c.closeOnce.Do(func() { close(c.eventCh) })
	<-c.done
}

func (c *Collector) publish(ctx context.Context, ev PageServed) {
	if err := c.publisher.Publish(ctx, kafka.Event{Key: ev.ViewerID, Value: ev}); err != nil {
		c.logger.Error("failed to publish analytics event", "error", err)
	}
}

func (c *Collector) drainRemaining() {
	for {
		select {
		case event, ok := <-c.eventCh:
			if !ok {
				return
			}
			c.publish(context.Background(), event)
		default:
			return
		}
	}
}
