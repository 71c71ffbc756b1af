package analytics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/kafka"
)

// maxLatencySamples bounds the latency window used for percentiles.
const maxLatencySamples = 10000

type AggregatedStats struct {
	TotalPages     int64            `json:"total_pages"`
	CacheHits      int64            `json:"cache_hits"`
	CacheHitRate   float64          `json:"cache_hit_rate"`
	PartialPages   int64            `json:"partial_pages"`
	Errors         int64            `json:"errors"`
	ErrorKinds     map[string]int64 `json:"error_kinds,omitempty"`
	TierMix        map[string]int64 `json:"tier_mix,omitempty"`
	SkippedTiers   map[string]int64 `json:"skipped_tiers,omitempty"`
	ItemsServed    int64            `json:"items_served"`
	AvgLatencyMs   float64          `json:"avg_latency_ms"`
	P50LatencyMs   int64            `json:"p50_latency_ms"`
	P95LatencyMs   int64            `json:"p95_latency_ms"`
	P99LatencyMs   int64            `json:"p99_latency_ms"`
	PagesPerMinute float64          `json:"pages_per_minute"`
	CapturedAt     time.Time        `json:"captured_at"`
}

type Aggregator struct {
	mu           sync.RWMutex
	totalPages   atomic.Int64
	cacheHits    atomic.Int64
	partials     atomic.Int64
	errors       atomic.Int64
	items        atomic.Int64
	latencies    []int64
	next         int
	errorKinds   map[string]int64
	tierMix      map[feed.Tier]int64
	skippedTiers map[feed.Tier]int64
	startTime    time.Time

	consumer *kafka.Consumer
	logger   *slog.Logger
}

// NewAggregator creates an Aggregator. consumer may be nil when events are
// fed through Record directly.
func NewAggregator(consumer *kafka.Consumer) *Aggregator {
	return &Aggregator{
		latencies:    make([]int64, 0, 1024),
		errorKinds:   make(map[string]int64),
		tierMix:      make(map[feed.Tier]int64),
		skippedTiers: make(map[feed.Tier]int64),
		startTime:    time.Now(),
		consumer:     consumer,
		logger:       slog.Default().With("component", "analytics-aggregator"),
	}
}

func (a *Aggregator) Start(ctx context.Context) error {
	a.logger.Info("analytics aggregator starting")
	return a.consumer.Start(ctx)
}

// HandleEvent decodes page_served messages into agg. Undecodable messages
// are logged and skipped so they do not block the partition.
func HandleEvent(agg *Aggregator) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[PageServed](value)
		if err != nil || event.Type != EventPageServed {
			agg.logger.Error("failed to decode analytics event", "error", err, "type", event.Type)
			return nil
		}
		agg.Record(event)
		return nil
	}
}

// TrackPage lets an in-process Aggregator act as the ranker's observer.
func (a *Aggregator) TrackPage(ev PageServed) {
	a.Record(ev)
}

// Record folds one event into the aggregate.
func (a *Aggregator) Record(ev PageServed) {
	a.totalPages.Add(1)
	if ev.CacheHit {
		a.cacheHits.Add(1)
	}
	if ev.Partial {
		a.partials.Add(1)
	}
	if ev.ErrorKind != "" {
		a.errors.Add(1)
	}
	a.items.Add(int64(ev.Items))

	a.mu.Lock()
	if len(a.latencies) < maxLatencySamples {
		a.latencies = append(a.latencies, ev.LatencyMs)
	} else {
		a.latencies[a.next] = ev.LatencyMs
		a.next = (a.next + 1) % maxLatencySamples
	}
	if ev.ErrorKind != "" {
		a.errorKinds[ev.ErrorKind]++
	}
	for tier, n := range ev.TierMix {
		a.tierMix[tier] += int64(n)
	}
	for _, tier := range ev.SkippedTiers {
		a.skippedTiers[tier]++
	}
	a.mu.Unlock()
}

func (a *Aggregator) Stats() AggregatedStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := AggregatedStats{
		TotalPages:   a.totalPages.Load(),
		CacheHits:    a.cacheHits.Load(),
		PartialPages: a.partials.Load(),
		Errors:       a.errors.Load(),
		ItemsServed:  a.items.Load(),
		ErrorKinds:   make(map[string]int64, len(a.errorKinds)),
		TierMix:      make(map[string]int64, len(a.tierMix)),
		SkippedTiers: make(map[string]int64, len(a.skippedTiers)),
		CapturedAt:   time.Now().UTC(),
	}
	if stats.TotalPages > 0 {
		stats.CacheHitRate = float64(stats.CacheHits) / float64(stats.TotalPages)
	}
	for k, v := range a.errorKinds {
		stats.ErrorKinds[k] = v
	}
	for k, v := range a.tierMix {
		stats.TierMix[string(k)] = v
	}
	for k, v := range a.skippedTiers {
		stats.SkippedTiers[string(k)] = v
	}
	if len(a.latencies) > 0 {
		sorted := make([]int64, len(a.latencies))
		copy(sorted, a.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(sorted))
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}
	elapsed := time.Since(a.startTime).Minutes()
	if elapsed > 0 {
		stats.PagesPerMinute = float64(stats.TotalPages) / elapsed
	}
	return stats
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
