package impressions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
)

// MemoryLog keeps impressions in process, keyed by viewer then post.
type MemoryLog struct {
	mu       sync.RWMutex
	rows     map[string]map[string]feed.Impression
	cooldown time.Duration
}

func NewMemoryLog(cooldown time.Duration) *MemoryLog {
	return &MemoryLog{
		rows:     make(map[string]map[string]feed.Impression),
		cooldown: cooldown,
	}
}

func (l *MemoryLog) ExcludeSet(ctx context.Context, viewerID string, since time.Time) (map[string]struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]struct{})
	for id, row := range l.rows[viewerID] {
		if !row.ShownAt.Before(since) {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (l *MemoryLog) Record(ctx context.Context, batch []feed.Impression) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var changed []int
	for i, in := range batch {
		viewer, ok := l.rows[in.ViewerID]
		if !ok {
			viewer = make(map[string]feed.Impression)
			l.rows[in.ViewerID] = viewer
		}
		var existing *feed.Impression
		if row, ok := viewer[in.PostID]; ok {
			existing = &row
		}
		row, updated := merge(existing, in, l.cooldown)
		if updated {
			viewer[in.PostID] = row
			changed = append(changed, i)
		}
	}
	return changed, nil
}

func (l *MemoryLog) viewerRows(viewerID string, keep func(feed.Impression) bool) []feed.Impression {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]feed.Impression, 0, len(l.rows[viewerID]))
	for _, row := range l.rows[viewerID] {
		if keep(row) {
			out = append(out, row)
		}
	}
	return out
}

func (l *MemoryLog) RepeatCandidates(ctx context.Context, viewerID string, shownBefore time.Time, minScore float64, limit int) ([]feed.Impression, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows := l.viewerRows(viewerID, func(r feed.Impression) bool {
		return r.LastShownAt.Before(shownBefore) && r.Score >= minScore
	})
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}
		if !rows[i].LastShownAt.Equal(rows[j].LastShownAt) {
			return rows[i].LastShownAt.Before(rows[j].LastShownAt)
		}
		return rows[i].PostID < rows[j].PostID
	})
	return truncate(rows, limit), nil
}

func (l *MemoryLog) LeastRecent(ctx context.Context, viewerID string, limit int) ([]feed.Impression, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows := l.viewerRows(viewerID, func(feed.Impression) bool { return true })
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].LastShownAt.Equal(rows[j].LastShownAt) {
			return rows[i].LastShownAt.Before(rows[j].LastShownAt)
		}
		return rows[i].PostID < rows[j].PostID
	})
	return truncate(rows, limit), nil
}

func (l *MemoryLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for viewerID, viewer := range l.rows {
		for postID, row := range viewer {
			if row.ShownAt.Before(before) {
				delete(viewer, postID)
				n++
			}
		}
		if len(viewer) == 0 {
			delete(l.rows, viewerID)
		}
	}
	return n, nil
}

func truncate(rows []feed.Impression, limit int) []feed.Impression {
	if limit >= 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}
