// Package candidates is the read-only view over eligible posts. Every read
// filters to media-ready, public posts within the duration cap and orders
// ties by id.
package candidates

import (
	"context"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
)

// Reader is the candidate store contract.
type Reader interface {
	// Fresh returns eligible posts newest first, strictly after the keyset.
	Fresh(ctx context.Context, limit int, after feed.Keyset) ([]feed.Post, error)
	// Followed is Fresh restricted to authors the viewer follows.
	Followed(ctx context.Context, viewerID string, limit int, after feed.Keyset) ([]feed.Post, error)
	// Trending returns eligible posts created within horizon, ordered by
	// engagement score desc then id desc, skipping offset rows.
	Trending(ctx context.Context, limit, offset int, horizon time.Duration) ([]feed.Post, error)
	// ByIDs hydrates posts without filtering; callers check eligibility.
	ByIDs(ctx context.Context, ids []string) ([]feed.Post, error)
	// CountEligible reports the size of the eligible inventory.
	CountEligible(ctx context.Context) (int, error)
}
