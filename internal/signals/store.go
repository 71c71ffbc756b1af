// Package signals holds the advisory engagement signals read by the scorer:
// per-viewer interest EMAs, per-(viewer, creator) affinity, and per-creator
// quality. Reads never fail for missing rows; they return neutral values.
package signals

import (
	"context"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
)

// Store is the signal store contract.
type Store interface {
	Interest(ctx context.Context, viewerID string) (feed.InterestSignal, error)
	// Affinity returns the viewer's affinity for each requested creator;
	// creators without history are absent from the map.
	Affinity(ctx context.Context, viewerID string, creatorIDs []string) (map[string]float64, error)
	// CreatorQuality returns quality per creator, neutral when unknown.
	CreatorQuality(ctx context.Context, creatorIDs []string) (map[string]feed.CreatorQuality, error)
	// ApplyView folds one confirmed view into the viewer's EMAs.
	ApplyView(ctx context.Context, obs feed.ViewObservation) error
}

// Blend is one EMA step: (1-alpha)*prev + alpha*observed.
func Blend(prev, observed, alpha float64) float64 {
	return (1-alpha)*prev + alpha*observed
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Observe returns the interest profile after folding obs into prev.
func Observe(prev feed.InterestSignal, obs feed.ViewObservation, alpha float64) feed.InterestSignal {
	return feed.InterestSignal{
		ViewerID:    prev.ViewerID,
		WatchRatio:  Blend(prev.WatchRatio, obs.WatchRatio(), alpha),
		LikeRate:    Blend(prev.LikeRate, indicator(obs.Liked), alpha),
		CommentRate: Blend(prev.CommentRate, indicator(obs.Commented), alpha),
		ShareRate:   Blend(prev.ShareRate, indicator(obs.Shared), alpha),
		UpdatedAt:   obs.At,
	}
}
