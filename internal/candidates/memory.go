package candidates

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
)

// MemoryStore is an in-process Reader for tests, local runs, and the load
// generator.
type MemoryStore struct {
	mu            sync.RWMutex
	posts         map[string]feed.Post
	follows       map[string]map[string]struct{}
	maxDurationMs int64
	clock         feed.Clock
}

func NewMemoryStore(maxDurationMs int64, clock feed.Clock) *MemoryStore {
	if clock == nil {
		clock = feed.SystemClock{}
	}
	return &MemoryStore{
		posts:         make(map[string]feed.Post),
		follows:       make(map[string]map[string]struct{}),
		maxDurationMs: maxDurationMs,
		clock:         clock,
	}
}

// Put adds or replaces posts.
func (s *MemoryStore) Put(posts ...feed.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range posts {
		s.posts[p.ID] = p
	}
}

// Follow records a follow edge.
func (s *MemoryStore) Follow(followerID, followeeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.follows[followerID]
	if !ok {
		set = make(map[string]struct{})
		s.follows[followerID] = set
	}
	set[followeeID] = struct{}{}
}

func (s *MemoryStore) eligibleLocked(keep func(feed.Post) bool) []feed.Post {
	out := make([]feed.Post, 0, len(s.posts))
	for _, p := range s.posts {
		if p.Eligible(s.maxDurationMs) && keep(p) {
			out = append(out, p)
		}
	}
	return out
}

func newestFirst(posts []feed.Post) {
	sort.Slice(posts, func(i, j int) bool {
		return posts[i].Key().Precedes(posts[j].Key())
	})
}

func page(posts []feed.Post, limit int, after feed.Keyset) []feed.Post {
	start := 0
	if !after.IsZero() {
		start = sort.Search(len(posts), func(i int) bool {
			return after.Precedes(posts[i].Key())
		})
	}
	end := start + limit
	if end > len(posts) {
		end = len(posts)
	}
	if start >= end {
		return nil
	}
	return append([]feed.Post(nil), posts[start:end]...)
}

func (s *MemoryStore) Fresh(ctx context.Context, limit int, after feed.Keyset) ([]feed.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	posts := s.eligibleLocked(func(feed.Post) bool { return true })
	s.mu.RUnlock()
	newestFirst(posts)
	return page(posts, limit, after), nil
}

func (s *MemoryStore) Followed(ctx context.Context, viewerID string, limit int, after feed.Keyset) ([]feed.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	followees := s.follows[viewerID]
	posts := s.eligibleLocked(func(p feed.Post) bool {
		_, ok := followees[p.AuthorID]
		return ok
	})
	s.mu.RUnlock()
	newestFirst(posts)
	return page(posts, limit, after), nil
}

func (s *MemoryStore) Trending(ctx context.Context, limit, offset int, horizon time.Duration) ([]feed.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	since := s.clock.Now().Add(-horizon)
	s.mu.RLock()
	posts := s.eligibleLocked(func(p feed.Post) bool { return !p.CreatedAt.Before(since) })
	s.mu.RUnlock()
	sort.Slice(posts, func(i, j int) bool {
		si, sj := posts[i].TrendingScore(), posts[j].TrendingScore()
		if si != sj {
			return si > sj
		}
		return posts[i].ID > posts[j].ID
	})
	if offset >= len(posts) {
		return nil, nil
	}
	posts = posts[offset:]
	if len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

func (s *MemoryStore) ByIDs(ctx context.Context, ids []string) ([]feed.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]feed.Post, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.posts[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) CountEligible(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.posts {
		if p.Eligible(s.maxDurationMs) {
			n++
		}
	}
	return n, nil
}
