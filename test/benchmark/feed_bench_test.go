// Package benchmark contains Go benchmarks for scoring and page assembly
// over in-memory stores, measuring latency and allocation behaviour.
package benchmark

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/assembler"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/candidates"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/impressions"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/scorer"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/selector"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/session"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/signals"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newAssembler(b *testing.B, numPosts, numAuthors int) *assembler.Assembler {
	b.Helper()
	cfg := config.Default()
	clock := feed.NewManualClock(t0)
	m := metrics.New(prometheus.NewRegistry())
	posts := candidates.NewMemoryStore(cfg.Feed.MaxUploadDurationMs, clock)
	for i := 0; i < numPosts; i++ {
		posts.Put(feed.Post{
			ID:         fmt.Sprintf("p%06d", i),
			AuthorID:   fmt.Sprintf("a%04d", i%numAuthors),
			CreatedAt:  t0.Add(-time.Duration(i) * time.Minute),
			MediaReady: true,
			PlaybackID: fmt.Sprintf("pb%06d", i),
			DurationMs: 15_000,
			Visibility: feed.VisibilityPublic,
			Likes:      int64(i % 97),
			Views:      int64(100 + i%1000),
		})
	}
	log := impressions.NewMemoryLog(cfg.Feed.RepeatCooldown)
	cache := session.New(session.NewMemoryBackend(clock), "bench:", cfg.Feed.PageMemoTTL, cfg.Feed.SessionTTL, m)
	return assembler.New(cfg.Feed, assembler.Deps{
		Selector: selector.New(posts, log, cfg.Feed, clock, m),
		Signals:  signals.NewMemoryStore(cfg.Recorder.EMAAlpha),
		Cache:    cache,
		Clock:    clock,
		Metrics:  m,
	})
}

// BenchmarkScore measures the position-independent factors for one
// candidate.
func BenchmarkScore(b *testing.B) {
	s := scorer.New(config.Default().Feed)
	c := feed.Candidate{
		Post: feed.Post{
			ID:        "p1",
			AuthorID:  "a1",
			CreatedAt: t0.Add(-3 * time.Hour),
			Locale:    "en-US",
			Likes:     40,
			Views:     1000,
		},
		Tier: feed.TierFresh,
	}
	sig := scorer.NeutralSignals("v1")
	rc := feed.RequestContext{Locale: "en-GB", Connection: feed.ConnectionCellular, ClientHour: 14}
	seed := scorer.Seed{ViewerID: "v1", SessionID: "s1"}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sc := s.Score(c, sig, rc, t0, seed)
		_ = s.Total(sc, s.Diversity("a1", []string{"a2", "a1", "a3"}))
	}
}

// BenchmarkFirstPage measures cold assembly of a first page for different
// inventory sizes. Every iteration uses a new session so the memo never
// answers.
func BenchmarkFirstPage(b *testing.B) {
	for _, numPosts := range []int{100, 1000, 10000} {
		b.Run(fmt.Sprintf("posts_%d", numPosts), func(b *testing.B) {
			asm := newAssembler(b, numPosts, 50)
			ctx := context.Background()

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_, err := asm.GetPage(ctx, assembler.Request{
					ViewerID:  "v1",
					SessionID: fmt.Sprintf("s%d", i),
					Context:   feed.UnknownContext,
				})
				if err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkCursorWalk measures following next_cursor through five pages.
func BenchmarkCursorWalk(b *testing.B) {
	asm := newAssembler(b, 5000, 200)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := assembler.Request{ViewerID: "v1", SessionID: fmt.Sprintf("s%d", i), Context: feed.UnknownContext}
		for p := 0; p < 5; p++ {
			page, err := asm.GetPage(ctx, req)
			if err != nil {
				b.Fatal(err)
			}
			if page.NextCursor == "" {
				break
			}
			req.Cursor = page.NextCursor
		}
	}
}

// BenchmarkMemoHit measures replaying a memoised page.
func BenchmarkMemoHit(b *testing.B) {
	asm := newAssembler(b, 1000, 50)
	ctx := context.Background()
	req := assembler.Request{ViewerID: "v1", SessionID: "s1", Context: feed.UnknownContext}
	if _, err := asm.GetPage(ctx, req); err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		page, err := asm.GetPage(ctx, req)
		if err != nil {
			b.Fatal(err)
		}
		if !page.CacheHit {
			b.Fatal("expected memo hit")
		}
	}
}

// BenchmarkFirstPageParallel measures concurrent cold assembly for distinct
// viewers.
func BenchmarkFirstPageParallel(b *testing.B) {
	asm := newAssembler(b, 2000, 100)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			i++
			_, err := asm.GetPage(ctx, assembler.Request{
				ViewerID:  fmt.Sprintf("v%d", i%64),
				SessionID: fmt.Sprintf("s%p-%d", pb, i),
				Context:   feed.UnknownContext,
			})
			if err != nil {
				b.Error(err)
				return
			}
		}
	})
}
