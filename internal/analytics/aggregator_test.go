package analytics

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func page(latency int64) PageServed {
	return PageServed{
		Type:      EventPageServed,
		ViewerID:  "v1",
		SessionID: "s1",
		Items:     12,
		LatencyMs: latency,
		TierMix:   map[feed.Tier]int{feed.TierFresh: 8, feed.TierTrending: 4},
	}
}

func TestAggregatorStats(t *testing.T) {
	agg := NewAggregator(nil)
	for i := int64(1); i <= 100; i++ {
		agg.Record(page(i))
	}
	hit := page(1)
	hit.CacheHit = true
	agg.Record(hit)

	partial := page(300)
	partial.Partial = true
	partial.PartialReason = "Deadline"
	partial.SkippedTiers = []feed.Tier{feed.TierFollowed}
	agg.Record(partial)

	failed := PageServed{Type: EventPageServed, ViewerID: "v2", ErrorKind: "NoInventory", LatencyMs: 5}
	agg.Record(failed)

	stats := agg.Stats()
	assert.Equal(t, int64(103), stats.TotalPages)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.InDelta(t, 1.0/103, stats.CacheHitRate, 1e-9)
	assert.Equal(t, int64(1), stats.PartialPages)
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, map[string]int64{"NoInventory": 1}, stats.ErrorKinds)
	assert.Equal(t, int64(102*12), stats.ItemsServed)
	assert.Equal(t, int64(102*8), stats.TierMix[string(feed.TierFresh)])
	assert.Equal(t, int64(102*4), stats.TierMix[string(feed.TierTrending)])
	assert.Equal(t, int64(1), stats.SkippedTiers[string(feed.TierFollowed)])
	assert.Equal(t, int64(100), stats.P99LatencyMs)
	assert.Greater(t, stats.P95LatencyMs, stats.P50LatencyMs)
}

func TestAggregatorLatencyWindowIsBounded(t *testing.T) {
	agg := NewAggregator(nil)
	for i := 0; i < maxLatencySamples+50; i++ {
		agg.Record(page(int64(i)))
	}
	agg.mu.RLock()
	n := len(agg.latencies)
	agg.mu.RUnlock()
	require.Equal(t, maxLatencySamples, n)
	require.Equal(t, int64(maxLatencySamples+50), agg.Stats().TotalPages)
}

func TestHandleEventSkipsUndecodable(t *testing.T) {
	agg := NewAggregator(nil)
	handle := HandleEvent(agg)

	raw, err := json.Marshal(page(20))
	require.NoError(t, err)
	require.NoError(t, handle(context.Background(), []byte("v1"), raw))
	require.NoError(t, handle(context.Background(), nil, []byte("{not json")))
	require.NoError(t, handle(context.Background(), nil, []byte(`{"type":"something_else"}`)))

	require.Equal(t, int64(1), agg.Stats().TotalPages)
}

func TestPercentile(t *testing.T) {
	assert.Equal(t, int64(0), percentile(nil, 50))
	sorted := []int64{10, 20, 30, 40}
	assert.Equal(t, int64(30), percentile(sorted, 50))
	assert.Equal(t, int64(40), percentile(sorted, 99))
}
