package signals

import (
	"context"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func runStoreContract(t *testing.T, s Store, putQuality func(feed.CreatorQuality)) {
	ctx := context.Background()

	sig, err := s.Interest(ctx, "nobody")
	require.NoError(t, err)
	require.Equal(t, feed.NeutralInterest("nobody").WatchRatio, sig.WatchRatio)
	require.Equal(t, feed.NeutralLikeRate, sig.LikeRate)

	require.NoError(t, s.ApplyView(ctx, feed.ViewObservation{
		ViewerID: "v", CreatorID: "c1", PlayMs: 10_000, DurationMs: 10_000, Liked: true, At: t0,
	}))
	sig, err = s.Interest(ctx, "v")
	require.NoError(t, err)
	require.InDelta(t, 0.8*0.5+0.2*1, sig.WatchRatio, 1e-9)
	require.InDelta(t, 0.8*0.05+0.2*1, sig.LikeRate, 1e-9)
	require.InDelta(t, 0.8*0.01, sig.CommentRate, 1e-9)

	require.NoError(t, s.ApplyView(ctx, feed.ViewObservation{
		ViewerID: "v", CreatorID: "c1", PlayMs: 0, DurationMs: 10_000, At: t0.Add(time.Minute),
	}))
	sig, err = s.Interest(ctx, "v")
	require.NoError(t, err)
	require.InDelta(t, 0.8*(0.8*0.5+0.2), sig.WatchRatio, 1e-9)

	aff, err := s.Affinity(ctx, "v", []string{"c1", "c2"})
	require.NoError(t, err)
	require.InDelta(t, 0.8*(0.8*0.5+0.2), aff["c1"], 1e-9)
	require.NotContains(t, aff, "c2")

	putQuality(feed.CreatorQuality{CreatorID: "c1", WatchRatio: 0.9, LikeRate: 0.2, ReportRate: 0.01, UpdatedAt: t0})
	q, err := s.CreatorQuality(ctx, []string{"c1", "c9"})
	require.NoError(t, err)
	require.Equal(t, 0.9, q["c1"].WatchRatio)
	require.Equal(t, feed.NeutralQuality("c9"), q["c9"])
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore(0.2)
	runStoreContract(t, s, s.PutQuality)
}

func TestBlend(t *testing.T) {
	require.InDelta(t, 0.6, Blend(0.5, 1, 0.2), 1e-9)
	require.InDelta(t, 0.5, Blend(0.5, 0.5, 0.2), 1e-9)
}
