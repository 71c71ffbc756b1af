package assembler

import (
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/scorer"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/config"
	"github.com/stretchr/testify/require"
)

func flatConfig() config.FeedConfig {
	cfg := config.DefaultFeed()
	cfg.ExploreEpsilon = 0
	cfg.JitterEpsilon = 0
	return cfg
}

// scored builds a candidate whose base score is 0.9*v.
func scored(id, author string, tier feed.Tier, v float64) scorer.Scored {
	return scorer.Scored{
		Candidate:  feed.Candidate{Post: feed.Post{ID: id, AuthorID: author}, Tier: tier},
		Engagement: v,
		Freshness:  v,
		Context:    v,
	}
}

func emitted(e *emitter) []string {
	return e.postIDs()
}

func TestEmitterRepeatPrefixAndCap(t *testing.T) {
	cfg := flatConfig()
	e := newEmitter(scorer.New(cfg), cfg, scorer.Seed{}, 8, nil, false)
	pool := []scorer.Scored{
		scored("r1", "ra", feed.TierRepeat, 0.99),
		scored("r2", "rb", feed.TierRepeat, 0.98),
		scored("r3", "rc", feed.TierRepeat, 0.97),
	}
	for i, v := range []float64{0.9, 0.8, 0.7, 0.6, 0.5, 0.4, 0.3} {
		pool = append(pool, scored(string(rune('a'+i)), string(rune('A'+i)), feed.TierFresh, v))
	}

	e.fill(pool)
	require.Equal(t, []string{"a", "b", "c", "d", "e", "f", "r1", "r2"}, emitted(e))
	require.Equal(t, 2, e.repeats)
	require.Zero(t, e.relaxed)
}

func TestEmitterFallbackLeastRecentAndLast(t *testing.T) {
	cfg := flatConfig()
	e := newEmitter(scorer.New(cfg), cfg, scorer.Seed{}, 9, nil, false)
	var pool []scorer.Scored
	for i, v := range []float64{0.1, 0.9, 0.5, 0.99, 0.3, 0.7, 0.2} {
		fb := scored(string(rune('a'+i)), string(rune('A'+i)), feed.TierFallback, v)
		fb.Candidate.Rank = i
		pool = append(pool, fb)
	}
	pool = append(pool,
		scored("r1", "ra", feed.TierRepeat, 0.05),
		scored("r2", "rb", feed.TierRepeat, 0.04),
	)

	e.fill(pool)
	require.Equal(t, []string{"a", "b", "c", "d", "e", "f", "r1", "r2", "g"}, emitted(e))
}

func TestEmitterCreatorCapAndGap(t *testing.T) {
	cfg := flatConfig()
	e := newEmitter(scorer.New(cfg), cfg, scorer.Seed{}, 5, nil, false)
	e.fill([]scorer.Scored{
		scored("a1", "a", feed.TierFresh, 0.9),
		scored("a2", "a", feed.TierFresh, 0.8),
		scored("b1", "b", feed.TierFresh, 0.7),
		scored("c1", "c", feed.TierFresh, 0.6),
		scored("d1", "d", feed.TierFresh, 0.5),
		scored("a3", "a", feed.TierFresh, 0.45),
	})
	require.Equal(t, []string{"a1", "b1", "c1", "a2", "d1"}, emitted(e))
	require.Zero(t, e.relaxed)
}

func TestEmitterRelaxesWhenOnlyOneCreatorLeft(t *testing.T) {
	cfg := flatConfig()
	e := newEmitter(scorer.New(cfg), cfg, scorer.Seed{}, 3, nil, false)
	e.fill([]scorer.Scored{
		scored("a1", "a", feed.TierFresh, 0.9),
		scored("a2", "a", feed.TierFresh, 0.8),
		scored("a3", "a", feed.TierFresh, 0.7),
	})
	require.Equal(t, []string{"a1", "a2", "a3"}, emitted(e))
	require.Equal(t, 2, e.relaxed)
}

func TestEmitterRefreshDeltaCap(t *testing.T) {
	cfg := flatConfig()
	cfg.MinRefreshDelta = 2
	prev := []string{"x1", "x2", "x3", "x4"}
	e := newEmitter(scorer.New(cfg), cfg, scorer.Seed{}, 4, prev, true)
	e.fill([]scorer.Scored{
		scored("x1", "a", feed.TierFresh, 0.9),
		scored("x2", "b", feed.TierFresh, 0.85),
		scored("x3", "c", feed.TierFresh, 0.8),
		scored("x4", "d", feed.TierFresh, 0.75),
		scored("y1", "e", feed.TierFresh, 0.3),
		scored("y2", "f", feed.TierFresh, 0.2),
	})
	require.Equal(t, []string{"x1", "x2", "y1", "y2"}, emitted(e))

	unchecked := newEmitter(scorer.New(cfg), cfg, scorer.Seed{}, 4, prev, false)
	unchecked.fill([]scorer.Scored{
		scored("x1", "a", feed.TierFresh, 0.9),
		scored("x2", "b", feed.TierFresh, 0.85),
		scored("x3", "c", feed.TierFresh, 0.8),
		scored("x4", "d", feed.TierFresh, 0.75),
	})
	require.Equal(t, prev, emitted(unchecked))
}

func TestEmitterScores(t *testing.T) {
	cfg := flatConfig()
	s := scorer.New(cfg)
	e := newEmitter(s, cfg, scorer.Seed{}, 2, nil, false)
	cfg.RepeatSafePrefix = 0
	e.cfg = cfg

	rep := scored("r", "ra", feed.TierRepeat, 0.1)
	rep.Candidate.ScoreAtShow = 0.77
	rep.Candidate.LastShownAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.fill([]scorer.Scored{scored("f", "fa", feed.TierFresh, 0.5), rep})

	require.Len(t, e.items, 2)
	fresh, repeat := e.items[0], e.items[1]
	require.Equal(t, feed.TierFresh, fresh.SourceTier)
	require.InDelta(t, 0.9*0.5+0.1, fresh.Score, 1e-9)
	require.Equal(t, fresh.Score, fresh.OriginalScore)
	require.Equal(t, feed.TierRepeat, repeat.SourceTier)
	require.Equal(t, 0.77, repeat.OriginalScore)
}

func TestEmitterExplorationIsDeterministic(t *testing.T) {
	cfg := config.DefaultFeed()
	cfg.ExploreEpsilon = 0.5
	seed := scorer.Seed{ViewerID: "v", SessionID: "s", Nonce: 3}
	var pool []scorer.Scored
	for i := 0; i < 20; i++ {
		pool = append(pool, scored(string(rune('a'+i)), string(rune('A'+i)), feed.TierFresh, 1-float64(i)/40))
	}

	run := func() []string {
		e := newEmitter(scorer.New(cfg), cfg, seed, 10, nil, false)
		e.fill(pool)
		return emitted(e)
	}
	first := run()
	require.Len(t, first, 10)
	require.Equal(t, first, run())
}
