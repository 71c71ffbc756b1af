package signals

import (
	"context"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
)

type affinityKey struct {
	viewer  string
	creator string
}

// MemoryStore keeps signals in process.
type MemoryStore struct {
	mu       sync.RWMutex
	alpha    float64
	interest map[string]feed.InterestSignal
	affinity map[affinityKey]float64
	quality  map[string]feed.CreatorQuality
}

func NewMemoryStore(alpha float64) *MemoryStore {
	return &MemoryStore{
		alpha:    alpha,
		interest: make(map[string]feed.InterestSignal),
		affinity: make(map[affinityKey]float64),
		quality:  make(map[string]feed.CreatorQuality),
	}
}

// PutQuality stores a creator quality rollup.
func (s *MemoryStore) PutQuality(q feed.CreatorQuality) {
	s.mu.Lock()
	s.quality[q.CreatorID] = q
	s.mu.Unlock()
}

func (s *MemoryStore) Interest(ctx context.Context, viewerID string) (feed.InterestSignal, error) {
	if err := ctx.Err(); err != nil {
		return feed.InterestSignal{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sig, ok := s.interest[viewerID]; ok {
		return sig, nil
	}
	return feed.NeutralInterest(viewerID), nil
}

func (s *MemoryStore) Affinity(ctx context.Context, viewerID string, creatorIDs []string) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64)
	for _, c := range creatorIDs {
		if a, ok := s.affinity[affinityKey{viewerID, c}]; ok {
			out[c] = a
		}
	}
	return out, nil
}

func (s *MemoryStore) CreatorQuality(ctx context.Context, creatorIDs []string) (map[string]feed.CreatorQuality, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]feed.CreatorQuality, len(creatorIDs))
	for _, c := range creatorIDs {
		if q, ok := s.quality[c]; ok {
			out[c] = q
		} else {
			out[c] = feed.NeutralQuality(c)
		}
	}
	return out, nil
}

func (s *MemoryStore) ApplyView(ctx context.Context, obs feed.ViewObservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.interest[obs.ViewerID]
	if !ok {
		prev = feed.NeutralInterest(obs.ViewerID)
	}
	s.interest[obs.ViewerID] = Observe(prev, obs, s.alpha)
	if obs.CreatorID != "" {
		key := affinityKey{obs.ViewerID, obs.CreatorID}
		a, ok := s.affinity[key]
		if !ok {
			a = feed.NeutralAffinity
		}
		s.affinity[key] = Blend(a, obs.WatchRatio(), s.alpha)
	}
	return nil
}
