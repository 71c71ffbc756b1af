package impressions

import (
	"context"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/stretchr/testify/require"
)

const cooldown = 30 * 24 * time.Hour

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func imp(viewer, post string, at time.Time, score float64) feed.Impression {
	return feed.Impression{
		ViewerID:   viewer,
		PostID:     post,
		ShownAt:    at,
		SourceTier: feed.TierFresh,
		SessionID:  "s1",
		Score:      score,
	}
}

func postIDs(rows []feed.Impression) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.PostID
	}
	return out
}

// runLogContract exercises the behaviour every Log implementation shares.
func runLogContract(t *testing.T, log Log) {
	ctx := context.Background()

	t.Run("record then exclude is a superset", func(t *testing.T) {
		batch := []feed.Impression{imp("v1", "p1", t0, 0.7), imp("v1", "p2", t0, 0.4), imp("v2", "p1", t0, 0.1)}
		changed, err := log.Record(ctx, batch)
		require.NoError(t, err)
		require.Equal(t, []int{0, 1, 2}, changed)

		set, err := log.ExcludeSet(ctx, "v1", t0.Add(-cooldown))
		require.NoError(t, err)
		require.Contains(t, set, "p1")
		require.Contains(t, set, "p2")
		require.NotContains(t, set, "p3")
	})

	t.Run("re-recording is idempotent", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			changed, err := log.Record(ctx, []feed.Impression{imp("v1", "p1", t0, 0.7)})
			require.NoError(t, err)
			require.Empty(t, changed)
		}
		rows, err := log.LeastRecent(ctx, "v1", 10)
		require.NoError(t, err)
		require.Len(t, rows, 2)
	})

	t.Run("re-show inside cooldown keeps window start", func(t *testing.T) {
		later := t0.Add(10 * 24 * time.Hour)
		changed, err := log.Record(ctx, []feed.Impression{imp("v1", "p1", t0, 0.7), imp("v1", "p2", later, 0.9)})
		require.NoError(t, err)
		require.Equal(t, []int{1}, changed, "only the re-show changes a row")

		set, err := log.ExcludeSet(ctx, "v1", t0)
		require.NoError(t, err)
		require.Contains(t, set, "p2")
		set, err = log.ExcludeSet(ctx, "v1", t0.Add(time.Hour))
		require.NoError(t, err)
		require.NotContains(t, set, "p2")

		// repeat eligibility follows the latest show
		rows, err := log.RepeatCandidates(ctx, "v1", t0.Add(24*time.Hour), 0, 10)
		require.NoError(t, err)
		require.Equal(t, []string{"p1"}, postIDs(rows))
	})

	t.Run("repeat candidates filter and order", func(t *testing.T) {
		_, err := log.Record(ctx, []feed.Impression{
			imp("v3", "low", t0, 0.2),
			imp("v3", "hi-old", t0.Add(-2*time.Hour), 0.8),
			imp("v3", "hi-new", t0.Add(-time.Hour), 0.8),
			imp("v3", "best", t0, 0.95),
			imp("v3", "recent", t0.Add(6*24*time.Hour), 0.99),
		})
		require.NoError(t, err)
		rows, err := log.RepeatCandidates(ctx, "v3", t0.Add(time.Minute), 0.5, 10)
		require.NoError(t, err)
		require.Equal(t, []string{"best", "hi-old", "hi-new"}, postIDs(rows))

		rows, err = log.RepeatCandidates(ctx, "v3", t0.Add(time.Minute), 0.5, 1)
		require.NoError(t, err)
		require.Equal(t, []string{"best"}, postIDs(rows))

		rows, err = log.LeastRecent(ctx, "v3", 2)
		require.NoError(t, err)
		require.Equal(t, []string{"hi-old", "hi-new"}, postIDs(rows))
	})

	t.Run("re-insert after cooldown opens a new window", func(t *testing.T) {
		again := t0.Add(cooldown + time.Hour)
		changed, err := log.Record(ctx, []feed.Impression{imp("v2", "p1", again, 0.3)})
		require.NoError(t, err)
		require.Equal(t, []int{0}, changed)
		set, err := log.ExcludeSet(ctx, "v2", again.Add(-cooldown))
		require.NoError(t, err)
		require.Contains(t, set, "p1")
	})

	t.Run("prune drops old windows", func(t *testing.T) {
		n, err := log.Prune(ctx, t0.Add(time.Minute))
		require.NoError(t, err)
		require.Positive(t, n)
		set, err := log.ExcludeSet(ctx, "v1", time.Time{})
		require.NoError(t, err)
		require.Empty(t, set)
		set, err = log.ExcludeSet(ctx, "v2", time.Time{})
		require.NoError(t, err)
		require.Contains(t, set, "p1")
	})
}

func TestMemoryLog(t *testing.T) {
	runLogContract(t, NewMemoryLog(cooldown))
}

func TestMergeRules(t *testing.T) {
	first := imp("v", "p", t0, 0.5)
	row, changed := merge(nil, first, cooldown)
	require.True(t, changed)
	require.Equal(t, t0, row.LastShownAt)

	_, changed = merge(&row, first, cooldown)
	require.False(t, changed)

	earlier := imp("v", "p", t0.Add(-time.Hour), 0.9)
	_, changed = merge(&row, earlier, cooldown)
	require.False(t, changed)

	later := imp("v", "p", t0.Add(time.Hour), 0.1)
	updated, changed := merge(&row, later, cooldown)
	require.True(t, changed)
	require.Equal(t, t0, updated.ShownAt)
	require.Equal(t, t0.Add(time.Hour), updated.LastShownAt)
	require.Equal(t, 0.5, updated.Score)
}
