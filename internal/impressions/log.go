// Package impressions is the per-viewer record of what was shown. It holds
// one row per (viewer, post): a re-insert inside the cooldown window never
// moves the window, and a re-insert after it opens a new one.
package impressions

import (
	"context"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
)

// Log is the impression log contract.
type Log interface {
	// ExcludeSet returns the ids shown to viewer at or after since.
	ExcludeSet(ctx context.Context, viewerID string, since time.Time) (map[string]struct{}, error)
	// Record writes a batch and returns the batch indices whose row changed.
	// A replayed impression changes nothing.
	Record(ctx context.Context, batch []feed.Impression) ([]int, error)
	// RepeatCandidates returns impressions last shown before shownBefore
	// with score-at-show of at least minScore, best score first.
	RepeatCandidates(ctx context.Context, viewerID string, shownBefore time.Time, minScore float64, limit int) ([]feed.Impression, error)
	// LeastRecent returns the viewer's impressions oldest first.
	LeastRecent(ctx context.Context, viewerID string, limit int) ([]feed.Impression, error)
	// Prune deletes impressions whose cooldown started before before.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// merge applies one incoming impression to the stored row and reports the
// resulting row and whether anything changed. A nil existing row inserts.
func merge(existing *feed.Impression, in feed.Impression, cooldown time.Duration) (feed.Impression, bool) {
	if in.LastShownAt.IsZero() || in.LastShownAt.Before(in.ShownAt) {
		in.LastShownAt = in.ShownAt
	}
	if existing == nil || existing.ShownAt.Before(in.ShownAt.Add(-cooldown)) {
		return in, true
	}
	row := *existing
	if in.ShownAt.After(row.LastShownAt) {
		row.LastShownAt = in.ShownAt
		return row, true
	}
	return row, false
}
