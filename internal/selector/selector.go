// Package selector builds the candidate pools for a page. Tiers 1-3
// (fresh, followed, trending) are fetched concurrently and merged in ladder
// order; controlled repeats and fallback-any are separate, on-demand
// sources. Every downstream read runs under its own deadline and a circuit
// breaker per source, and a failing source only removes its own tier.
package selector

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/candidates"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/impressions"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/resilience"
	"golang.org/x/sync/errgroup"
)

// Breaker names, also used as circuit_breaker_state labels.
const (
	SourceFresh       = "candidates.fresh"
	SourceFollowed    = "candidates.followed"
	SourceTrending    = "candidates.trending"
	SourceHydrate     = "candidates.hydrate"
	SourceImpressions = "impressions"
)

// Sources lists every guarded downstream read.
var Sources = []string{SourceFresh, SourceFollowed, SourceTrending, SourceHydrate, SourceImpressions}

var tierSource = map[feed.Tier]string{
	feed.TierFresh:    SourceFresh,
	feed.TierFollowed: SourceFollowed,
	feed.TierTrending: SourceTrending,
}

// Position is where each primary tier resumes.
type Position struct {
	Fresh          feed.Keyset `json:"fresh,omitempty"`
	Followed       feed.Keyset `json:"followed,omitempty"`
	TrendingOffset int         `json:"trending_offset,omitempty"`
}

// Request describes one primary selection.
type Request struct {
	ViewerID string
	Exclude  map[string]struct{}
	// Seen reports posts already emitted earlier in this traversal.
	Seen   func(postID string) bool
	From   Position
	Target int
}

// TierResult is what one primary tier read and kept.
type TierResult struct {
	Tier feed.Tier
	// Fetched is every post read from the source, in source order.
	Fetched []feed.Post
	// Kept are the fetched posts that passed the tier's filters.
	Kept []feed.Candidate
	// Exhausted is set when the source ran out before the target.
	Exhausted bool
	Err       error
}

// Pool is the merged output of tiers 1-3.
type Pool struct {
	Candidates []feed.Candidate
	Tiers      map[feed.Tier]*TierResult
	Skipped    []feed.Tier
}

// Failed reports whether every primary tier errored.
func (p *Pool) Failed() bool {
	return len(p.Skipped) == len(feed.PrimaryTiers)
}

// Selector produces candidate pools.
type Selector struct {
	cs       candidates.Reader
	il       impressions.Log
	cfg      config.FeedConfig
	clock    feed.Clock
	metrics  *metrics.Metrics
	breakers map[string]*resilience.CircuitBreaker
	logger   *slog.Logger
}

func New(cs candidates.Reader, il impressions.Log, cfg config.FeedConfig, clock feed.Clock, m *metrics.Metrics) *Selector {
	if clock == nil {
		clock = feed.SystemClock{}
	}
	s := &Selector{
		cs:       cs,
		il:       il,
		cfg:      cfg,
		clock:    clock,
		metrics:  m,
		breakers: make(map[string]*resilience.CircuitBreaker),
		logger:   slog.Default().With("component", "selector"),
	}
	for _, name := range Sources {
		s.breakers[name] = resilience.NewCircuitBreaker(name, resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     10 * time.Second,
			OnStateChange: func(name string, to resilience.State) {
				m.SetBreakerState(name, int(to))
			},
			IsFailure: func(err error) bool {
				return err != nil && !errors.Is(err, context.Canceled)
			},
		})
		m.SetBreakerState(name, int(resilience.StateClosed))
	}
	return s
}

// Breaker exposes a source's breaker for health reporting.
func (s *Selector) Breaker(name string) *resilience.CircuitBreaker {
	return s.breakers[name]
}

// call runs one downstream read under the per-read deadline and the
// source's breaker. fn must only publish results through variables the
// caller reads after a nil error.
func (s *Selector) call(ctx context.Context, source string, fn func(ctx context.Context) error) error {
	return s.breakers[source].Execute(func() error {
		return resilience.WithTimeout(ctx, s.cfg.DownstreamDeadline, source, fn)
	})
}

// ExcludeSet reads the viewer's cooldown set. A failed read degrades to an
// empty set and reports degraded=true.
func (s *Selector) ExcludeSet(ctx context.Context, viewerID string, now time.Time) (set map[string]struct{}, degraded bool) {
	var out map[string]struct{}
	err := s.call(ctx, SourceImpressions, func(ctx context.Context) error {
		set, err := s.il.ExcludeSet(ctx, viewerID, now.Add(-s.cfg.RepeatCooldown))
		out = set
		return err
	})
	if err != nil {
		s.metrics.Inc(metrics.ExcludeDegraded)
		logger.FromContext(ctx).Warn("exclude set unavailable, continuing without it", "component", "selector", "error", err)
		return map[string]struct{}{}, true
	}
	return out, false
}

// Primary fetches tiers 1-3 concurrently and merges them in ladder order
// up to req.Target, skipping duplicates of earlier tiers.
func (s *Selector) Primary(ctx context.Context, req Request) *Pool {
	results := make([]*TierResult, len(feed.PrimaryTiers))
	var g errgroup.Group
	for i, tier := range feed.PrimaryTiers {
		g.Go(func() error {
			results[i] = s.scanTier(ctx, tier, req)
			return nil
		})
	}
	g.Wait()

	pool := &Pool{Tiers: make(map[feed.Tier]*TierResult, len(results))}
	taken := make(map[string]struct{}, req.Target)
	for _, res := range results {
		pool.Tiers[res.Tier] = res
		if res.Err != nil {
			pool.Skipped = append(pool.Skipped, res.Tier)
			s.metrics.TierSkipped(string(res.Tier))
			logger.FromContext(ctx).Warn("tier skipped", "component", "selector", "tier", res.Tier, "error", res.Err)
		}
		contributed := 0
		for _, c := range res.Kept {
			if len(pool.Candidates) >= req.Target {
				break
			}
			if _, dup := taken[c.Post.ID]; dup {
				continue
			}
			taken[c.Post.ID] = struct{}{}
			pool.Candidates = append(pool.Candidates, c)
			contributed++
		}
		s.metrics.TierContributed(string(res.Tier), contributed)
	}
	return pool
}

func (s *Selector) admissible(p feed.Post, viewerID string, exclude map[string]struct{}, seen func(string) bool) bool {
	if !p.Eligible(s.cfg.MaxUploadDurationMs) || p.AuthorID == viewerID {
		return false
	}
	if _, ok := exclude[p.ID]; ok {
		return false
	}
	return seen == nil || !seen(p.ID)
}

// scanTier reads pages from one source until it has Target admissible
// posts, the source runs dry, or MaxScanPages reads were made. A failure
// after the first page keeps what was already read.
func (s *Selector) scanTier(ctx context.Context, tier feed.Tier, req Request) *TierResult {
	res := &TierResult{Tier: tier}
	source := tierSource[tier]
	after := req.From.Fresh
	if tier == feed.TierFollowed {
		after = req.From.Followed
	}
	offset := req.From.TrendingOffset

	for scan := 0; scan < s.cfg.MaxScanPages && len(res.Kept) < req.Target; scan++ {
		var page []feed.Post
		err := s.call(ctx, source, func(ctx context.Context) error {
			var (
				posts []feed.Post
				err   error
			)
			switch tier {
			case feed.TierFresh:
				posts, err = s.cs.Fresh(ctx, req.Target, after)
			case feed.TierFollowed:
				posts, err = s.cs.Followed(ctx, req.ViewerID, req.Target, after)
			case feed.TierTrending:
				posts, err = s.cs.Trending(ctx, req.Target, offset, s.cfg.TrendingHorizon)
			}
			page = posts
			return err
		})
		if err != nil {
			if scan == 0 {
				res.Err = err
			} else {
				s.logger.Warn("tier scan cut short", "tier", tier, "scans", scan, "error", err)
			}
			return res
		}
		for i, p := range page {
			res.Fetched = append(res.Fetched, p)
			if s.admissible(p, req.ViewerID, req.Exclude, req.Seen) {
				res.Kept = append(res.Kept, feed.Candidate{Post: p, Tier: tier, Rank: offset + i})
			}
		}
		if len(page) < req.Target {
			res.Exhausted = true
			return res
		}
		after = page[len(page)-1].Key()
		offset += len(page)
	}
	return res
}

func (s *Selector) hydrate(ctx context.Context, rows []feed.Impression) (map[string]feed.Post, error) {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.PostID
	}
	var posts []feed.Post
	err := s.call(ctx, SourceHydrate, func(ctx context.Context) error {
		p, err := s.cs.ByIDs(ctx, ids)
		posts = p
		return err
	})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]feed.Post, len(posts))
	for _, p := range posts {
		byID[p.ID] = p
	}
	return byID, nil
}

// fromImpressions hydrates impression rows into candidates of tier, in row
// order, dropping ineligible, own, and taken posts.
func (s *Selector) fromImpressions(ctx context.Context, viewerID string, rows []feed.Impression, tier feed.Tier, taken func(string) bool) ([]feed.Candidate, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	posts, err := s.hydrate(ctx, rows)
	if err != nil {
		return nil, err
	}
	out := make([]feed.Candidate, 0, len(rows))
	for i, r := range rows {
		p, ok := posts[r.PostID]
		if !ok || !s.admissible(p, viewerID, nil, taken) {
			continue
		}
		out = append(out, feed.Candidate{
			Post:        p,
			Tier:        tier,
			Rank:        i,
			LastShownAt: r.LastShownAt,
			ScoreAtShow: r.Score,
		})
	}
	return out, nil
}

// Repeats returns controlled-repeat candidates: impressions last shown more
// than MinRepeatAge ago whose score-at-show clears RepeatMinScore.
func (s *Selector) Repeats(ctx context.Context, viewerID string, now time.Time, taken func(string) bool, limit int) ([]feed.Candidate, error) {
	var rows []feed.Impression
	err := s.call(ctx, SourceImpressions, func(ctx context.Context) error {
		r, err := s.il.RepeatCandidates(ctx, viewerID, now.Add(-s.cfg.MinRepeatAge), s.cfg.RepeatMinScore, limit)
		rows = r
		return err
	})
	if err != nil {
		s.metrics.TierSkipped(string(feed.TierRepeat))
		return nil, err
	}
	out, err := s.fromImpressions(ctx, viewerID, rows, feed.TierRepeat, taken)
	if err != nil {
		s.metrics.TierSkipped(string(feed.TierRepeat))
		return nil, err
	}
	s.metrics.TierContributed(string(feed.TierRepeat), len(out))
	return out, nil
}

// Fallback returns last-resort candidates ignoring the cooldown: the
// viewer's least recently shown posts, then eligible posts never shown.
// Posts in exclude come from the fresh scan only when the impression log
// cannot be read. Rank follows that order.
func (s *Selector) Fallback(ctx context.Context, viewerID string, exclude map[string]struct{}, taken func(string) bool, need int) ([]feed.Candidate, error) {
	scan := need * 4
	var out []feed.Candidate
	picked := make(map[string]struct{})
	isTaken := func(id string) bool {
		if _, ok := picked[id]; ok {
			return true
		}
		return taken != nil && taken(id)
	}

	var rows []feed.Impression
	ilErr := s.call(ctx, SourceImpressions, func(ctx context.Context) error {
		r, err := s.il.LeastRecent(ctx, viewerID, scan)
		rows = r
		return err
	})
	if ilErr == nil {
		var cands []feed.Candidate
		cands, ilErr = s.fromImpressions(ctx, viewerID, rows, feed.TierFallback, isTaken)
		for _, c := range cands {
			picked[c.Post.ID] = struct{}{}
			out = append(out, c)
		}
	}

	var csErr error
	var cooling []feed.Candidate
	after := feed.Keyset{}
	for i := 0; i < s.cfg.MaxScanPages && len(out) < need; i++ {
		var page []feed.Post
		csErr = s.call(ctx, SourceFresh, func(ctx context.Context) error {
			p, err := s.cs.Fresh(ctx, scan, after)
			page = p
			return err
		})
		if csErr != nil {
			break
		}
		for _, p := range page {
			if !s.admissible(p, viewerID, nil, isTaken) {
				continue
			}
			picked[p.ID] = struct{}{}
			c := feed.Candidate{Post: p, Tier: feed.TierFallback}
			if _, shown := exclude[p.ID]; shown {
				cooling = append(cooling, c)
				continue
			}
			out = append(out, c)
		}
		if len(page) < scan {
			break
		}
		after = page[len(page)-1].Key()
	}
	if ilErr != nil {
		out = append(out, cooling...)
	}
	for i := range out {
		out[i].Rank = i
	}

	if ilErr != nil && csErr != nil {
		s.metrics.TierSkipped(string(feed.TierFallback))
		return nil, errors.Join(ilErr, csErr)
	}
	if ilErr != nil {
		s.logger.Warn("fallback impression source failed", "error", ilErr)
	}
	s.metrics.TierContributed(string(feed.TierFallback), len(out))
	return out, nil
}

// Positions derives where each tier resumes on the next page. A tier
// advances past every fetched post that was either filtered out or emitted
// and stops at the first kept post that was not emitted, so unconsumed
// candidates are offered again.
func Positions(from Position, pool *Pool, emitted map[string]struct{}) Position {
	next := from
	for _, tier := range feed.PrimaryTiers {
		res, ok := pool.Tiers[tier]
		if !ok || res.Err != nil {
			continue
		}
		kept := make(map[string]struct{}, len(res.Kept))
		for _, c := range res.Kept {
			kept[c.Post.ID] = struct{}{}
		}
		consumed := 0
		for _, p := range res.Fetched {
			_, isKept := kept[p.ID]
			_, isEmitted := emitted[p.ID]
			if isKept && !isEmitted {
				break
			}
			consumed++
		}
		if consumed == 0 {
			continue
		}
		last := res.Fetched[consumed-1]
		switch tier {
		case feed.TierFresh:
			next.Fresh = last.Key()
		case feed.TierFollowed:
			next.Followed = last.Key()
		case feed.TierTrending:
			next.TrendingOffset = from.TrendingOffset + consumed
		}
	}
	return next
}
