// Package recorder turns client viewability reports into impression log
// rows and interest-signal updates. Events are gated on viewability,
// coalesced per (viewer, post), and written in batches.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/candidates"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/impressions"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/signals"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/resilience"
)

// writeTimeout bounds a batch write once it has started; the caller's
// cancellation does not abort it.
const writeTimeout = 10 * time.Second

// Result summarises what happened to a submitted batch.
type Result struct {
	Accepted    int `json:"accepted"`
	Unconfirmed int `json:"unconfirmed"`
	Rejected    int `json:"rejected"`
}

// Recorder buffers confirmed events and flushes them to the impression log
// and signal store.
type Recorder struct {
	log     impressions.Log
	signals signals.Store
	posts   candidates.Reader
	gate    Gate
	cfg     config.RecorderConfig
	retry   resilience.RetryConfig
	clock   feed.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[viewKey]*Event
	order   []viewKey
	dropped int64

	flushMu sync.Mutex
	kick    chan struct{}
}

func New(log impressions.Log, sig signals.Store, posts candidates.Reader, cfg config.RecorderConfig, clock feed.Clock, m *metrics.Metrics) *Recorder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	return &Recorder{
		log:     log,
		signals: sig,
		posts:   posts,
		gate:    Gate{Threshold: cfg.ViewabilityThreshold, Dwell: cfg.ViewabilityDwell},
		cfg:     cfg,
		retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2,
			// the write budget is shared by every attempt
			Retryable: func(err error) bool { return !errors.Is(err, context.DeadlineExceeded) },
		},
		clock:   clock,
		metrics: m,
		logger:  slog.Default().With("component", "recorder"),
		pending: make(map[viewKey]*Event),
		kick:    make(chan struct{}, 1),
	}
}

// screen validates and gates events, coalescing the confirmed ones.
func (r *Recorder) screen(events []Event) (map[viewKey]*Event, []viewKey, Result) {
	var res Result
	merged := make(map[viewKey]*Event, len(events))
	var order []viewKey
	for _, e := range events {
		if e.Validate() != nil {
			res.Rejected++
			continue
		}
		if !r.gate.Confirmed(e) {
			res.Unconfirmed++
			continue
		}
		res.Accepted++
		k := e.key()
		if cur, ok := merged[k]; ok {
			cur.coalesce(e)
			continue
		}
		ev := e
		merged[k] = &ev
		order = append(order, k)
	}
	r.metrics.Add(metrics.Unconfirmed, res.Unconfirmed)
	return merged, order, res
}

// Submit buffers events for the next flush. It never blocks on storage.
func (r *Recorder) Submit(events []Event) Result {
	merged, order, res := r.screen(events)

	r.mu.Lock()
	for _, k := range order {
		if cur, ok := r.pending[k]; ok {
			cur.coalesce(*merged[k])
			continue
		}
		r.pending[k] = merged[k]
		r.order = append(r.order, k)
	}
	full := len(r.order) >= r.cfg.BatchSize
	r.mu.Unlock()

	if full {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
	return res
}

// Pending reports how many coalesced views await a flush.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Dropped reports views discarded because the re-queue limit was reached.
func (r *Recorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Run flushes every FlushInterval, or sooner when a batch fills, until ctx
// ends. A final flush drains what is left.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	r.logger.Info("recorder started", "batch_size", r.cfg.BatchSize, "flush_interval", r.cfg.FlushInterval)
	for {
		select {
		case <-ticker.C:
			r.flushLogged(ctx)
		case <-r.kick:
			r.flushLogged(ctx)
		case <-ctx.Done():
			r.flushLogged(context.WithoutCancel(ctx))
			r.logger.Info("recorder stopped", "pending", r.Pending())
			return
		}
	}
}

func (r *Recorder) flushLogged(ctx context.Context) {
	if err := r.Flush(ctx); err != nil {
		r.logger.Warn("impression flush failed", "error", err)
	}
}

// Flush writes up to one batch. A failed batch goes back into the buffer,
// which never holds more than three batches.
func (r *Recorder) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	n := min(len(r.order), r.cfg.BatchSize)
	if n == 0 {
		r.mu.Unlock()
		return nil
	}
	keys := r.order[:n:n]
	r.order = append([]viewKey(nil), r.order[n:]...)
	batch := make([]Event, n)
	for i, k := range keys {
		batch[i] = *r.pending[k]
		delete(r.pending, k)
	}
	r.mu.Unlock()

	if _, err := r.persist(ctx, batch); err != nil {
		r.requeue(batch)
		return err
	}
	return nil
}

func (r *Recorder) requeue(batch []Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]viewKey, 0, len(batch))
	for i := range batch {
		k := batch[i].key()
		if cur, ok := r.pending[k]; ok {
			cur.coalesce(batch[i])
			continue
		}
		ev := batch[i]
		r.pending[k] = &ev
		keys = append(keys, k)
	}
	r.order = append(keys, r.order...)
	if limit := 3 * r.cfg.BatchSize; len(r.order) > limit {
		for _, k := range r.order[limit:] {
			delete(r.pending, k)
		}
		dropped := len(r.order) - limit
		r.order = r.order[:limit]
		r.dropped += int64(dropped)
		r.logger.Warn("recorder buffer overflow, views dropped", "dropped", dropped)
	}
}

// Write screens and persists events synchronously. It is the path used by
// the Kafka consumer, where an error leaves the batch uncommitted.
func (r *Recorder) Write(ctx context.Context, events []Event) (Result, error) {
	merged, order, res := r.screen(events)
	batch := make([]Event, len(order))
	for i, k := range order {
		batch[i] = *merged[k]
	}
	if len(batch) == 0 {
		return res, nil
	}
	_, err := r.persist(ctx, batch)
	return res, err
}

// persist writes the batch to the impression log, retrying with backoff,
// then folds each view whose row changed into the signal store. Signal
// failures are logged and do not fail the batch.
func (r *Recorder) persist(ctx context.Context, batch []Event) (int, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	now := r.clock.Now()
	rows := make([]feed.Impression, len(batch))
	for i, e := range batch {
		shown := e.BecameVisibleAt
		if shown.IsZero() || shown.After(now) {
			shown = now
		}
		rows[i] = feed.Impression{
			ViewerID:    e.ViewerID,
			PostID:      e.PostID,
			ShownAt:     shown,
			LastShownAt: shown,
			SourceTier:  e.SourceTier,
			SessionID:   e.SessionID,
			Score:       e.Score,
		}
	}

	var changed []int
	err := resilience.Retry(ctx, "impressions.record", r.retry, func() error {
		c, err := r.log.Record(ctx, rows)
		changed = c
		return err
	})
	if err != nil {
		r.metrics.Inc(metrics.FlushFailures)
		return 0, fmt.Errorf("recording %d impressions: %w", len(rows), err)
	}
	r.metrics.Add(metrics.Impressions, len(changed))

	// A replayed view left its row untouched and was already folded in.
	views := make([]Event, len(changed))
	for i, idx := range changed {
		views[i] = batch[idx]
	}
	if len(views) > 0 {
		if err := r.applySignals(ctx, views, now); err != nil {
			r.logger.Warn("signal update incomplete", "error", err)
		}
	}
	r.logger.Debug("impressions flushed", "batch", len(rows), "written", len(changed))
	return len(changed), nil
}

func (r *Recorder) applySignals(ctx context.Context, batch []Event, now time.Time) error {
	ids := make([]string, 0, len(batch))
	seen := make(map[string]struct{}, len(batch))
	for _, e := range batch {
		if _, ok := seen[e.PostID]; !ok {
			seen[e.PostID] = struct{}{}
			ids = append(ids, e.PostID)
		}
	}
	posts, err := r.posts.ByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("hydrating authors: %w", err)
	}
	byID := make(map[string]feed.Post, len(posts))
	for _, p := range posts {
		byID[p.ID] = p
	}

	var errs []error
	for _, e := range batch {
		p, ok := byID[e.PostID]
		if !ok {
			continue
		}
		dur := e.DurationMs
		if dur <= 0 {
			dur = p.DurationMs
		}
		obs := feed.ViewObservation{
			ViewerID:   e.ViewerID,
			CreatorID:  p.AuthorID,
			PlayMs:     e.PlayMs,
			DurationMs: dur,
			Liked:      e.Liked,
			Commented:  e.Commented,
			Shared:     e.Shared,
			At:         now,
		}
		if err := r.signals.ApplyView(ctx, obs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
