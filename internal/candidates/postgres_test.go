package candidates

import (
	"context"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/postgres/postgrestest"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreMatchesMemorySemantics(t *testing.T) {
	db := postgrestest.Open(t)
	s := NewPostgresStore(db, 180_000, feed.NewManualClock(t0))
	ctx := context.Background()

	hidden := post("hidden", "a", time.Minute)
	hidden.Visibility = feed.VisibilityShadow
	liked := post("liked", "b", 2*time.Hour)
	liked.Likes = 50
	for _, p := range []feed.Post{post("n1", "a", time.Hour), liked, post("n3", "c", 3*time.Hour), hidden} {
		require.NoError(t, s.UpsertPost(ctx, p))
	}
	require.NoError(t, s.Follow(ctx, "viewer", "c"))
	require.NoError(t, s.Follow(ctx, "viewer", "c"))

	fresh, err := s.Fresh(ctx, 2, feed.Keyset{})
	require.NoError(t, err)
	require.Equal(t, []string{"n1", "liked"}, ids(fresh))

	more, err := s.Fresh(ctx, 2, fresh[1].Key())
	require.NoError(t, err)
	require.Equal(t, []string{"n3"}, ids(more))

	followed, err := s.Followed(ctx, "viewer", 10, feed.Keyset{})
	require.NoError(t, err)
	require.Equal(t, []string{"n3"}, ids(followed))

	trending, err := s.Trending(ctx, 1, 0, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, []string{"liked"}, ids(trending))

	n, err := s.CountEligible(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	hydrated, err := s.ByIDs(ctx, []string{"hidden"})
	require.NoError(t, err)
	require.Len(t, hydrated, 1)
	require.Equal(t, feed.VisibilityShadow, hydrated[0].Visibility)
}
