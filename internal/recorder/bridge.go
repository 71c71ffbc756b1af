package recorder

import (
	"context"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/impressions"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/metrics"
)

// Tracker buffers keyed values for publishing; *collector.BatchCollector
// satisfies it.
type Tracker interface {
	Track(key string, value any)
}

// KafkaSink forwards screened events to the view-events topic instead of
// writing them in-process. Unconfirmed events never leave the ranker.
type KafkaSink struct {
	tracker Tracker
	gate    Gate
	metrics *metrics.Metrics
}

func NewKafkaSink(t Tracker, g Gate, m *metrics.Metrics) *KafkaSink {
	return &KafkaSink{tracker: t, gate: g, metrics: m}
}

func (s *KafkaSink) Submit(events []Event) Result {
	var res Result
	for _, e := range events {
		if e.Validate() != nil {
			res.Rejected++
			continue
		}
		if !s.gate.Confirmed(e) {
			res.Unconfirmed++
			continue
		}
		s.tracker.Track(e.ViewerID, e)
		res.Accepted++
	}
	s.metrics.Add(metrics.Unconfirmed, res.Unconfirmed)
	return res
}

// HandleBatch adapts the recorder to kafka.Consumer.StartBatch. Messages
// that do not decode are skipped; a storage failure fails the whole batch
// so it is redelivered.
func HandleBatch(r *Recorder) kafka.BatchHandler {
	logger := slog.Default().With("component", "recorder-consumer")
	return func(ctx context.Context, batch []kafka.Message) error {
		events := make([]Event, 0, len(batch))
		for _, msg := range batch {
			e, err := kafka.DecodeJSON[Event](msg.Value)
			if err != nil {
				logger.Warn("skipping undecodable view event", "error", err)
				continue
			}
			events = append(events, e)
		}
		res, err := r.Write(ctx, events)
		if err != nil {
			return err
		}
		logger.Debug("view batch recorded", "accepted", res.Accepted, "unconfirmed", res.Unconfirmed, "rejected", res.Rejected)
		return nil
	}
}

// RunPruner deletes impressions older than the cooldown every interval
// until ctx ends.
func RunPruner(ctx context.Context, log impressions.Log, cooldown, interval time.Duration, clock feed.Clock) {
	logger := slog.Default().With("component", "impression-pruner")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			PruneOnce(ctx, log, cooldown, clock, logger)
		case <-ctx.Done():
			return
		}
	}
}

// PruneOnce runs a single prune pass and returns the number of rows removed.
func PruneOnce(ctx context.Context, log impressions.Log, cooldown time.Duration, clock feed.Clock, logger *slog.Logger) int64 {
	before := clock.Now().Add(-cooldown)
	n, err := log.Prune(ctx, before)
	if err != nil {
		logger.Error("impression prune failed", "error", err)
		return 0
	}
	if n > 0 {
		logger.Info("impressions pruned", "rows", n, "before", before)
	}
	return n
}
