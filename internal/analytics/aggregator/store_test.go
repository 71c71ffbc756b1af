package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/postgres/postgrestest"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	store := NewStore(postgrestest.Open(t))
	ctx := context.Background()

	latest, err := store.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.Nil(t, latest)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		require.NoError(t, store.SaveSnapshot(ctx, analytics.AggregatedStats{
			TotalPages: int64(i * 10),
			CapturedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	latest, err = store.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(30), latest.TotalPages)

	snaps, err := store.ListSnapshots(ctx, 2)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.Equal(t, int64(30), snaps[0].TotalPages)
	require.Equal(t, int64(20), snaps[1].TotalPages)
}

func TestPeriodicSaveWritesFinalSnapshot(t *testing.T) {
	store := NewStore(postgrestest.Open(t))
	agg := analytics.NewAggregator(nil)
	agg.Record(analytics.PageServed{Type: analytics.EventPageServed, ViewerID: "v", Items: 3})

	ctx, cancel := context.WithCancel(context.Background())
	store.StartPeriodicSave(ctx, agg, time.Hour)
	cancel()

	require.Eventually(t, func() bool {
		latest, err := store.LatestSnapshot(context.Background())
		return err == nil && latest != nil && latest.TotalPages == 1
	}, 5*time.Second, 20*time.Millisecond)
}
