package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/candidates"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/impressions"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/signals"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const cooldown = 30 * 24 * time.Hour

type fixture struct {
	clock   *feed.ManualClock
	log     *impressions.MemoryLog
	signals *signals.MemoryStore
	posts   *candidates.MemoryStore
	metrics *metrics.Metrics
	rec     *Recorder
}

func newFixture(t *testing.T, batch int) *fixture {
	t.Helper()
	f := &fixture{
		clock:   feed.NewManualClock(t0),
		log:     impressions.NewMemoryLog(cooldown),
		signals: signals.NewMemoryStore(0.2),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	f.posts = candidates.NewMemoryStore(180_000, f.clock)
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
		f.posts.Put(feed.Post{
			ID:         id,
			AuthorID:   "author-" + id,
			CreatedAt:  t0.Add(-time.Hour),
			MediaReady: true,
			DurationMs: 15_000,
			Visibility: feed.VisibilityPublic,
		})
	}
	cfg := config.Default().Recorder
	cfg.BatchSize = batch
	f.rec = New(f.log, f.signals, f.posts, cfg, f.clock, f.metrics)
	f.rec.retry.InitialDelay = time.Millisecond
	f.rec.retry.MaxDelay = time.Millisecond
	return f
}

func view(viewer, post string) Event {
	return Event{
		ViewerID:        viewer,
		PostID:          post,
		SessionID:       "s1",
		BecameVisibleAt: t0.Add(-time.Minute),
		VisibleFraction: 0.8,
		DwellMs:         2000,
		PlayMs:          15_000,
		DurationMs:      15_000,
		SourceTier:      feed.TierFresh,
		Score:           0.7,
	}
}

func (f *fixture) excluded(t *testing.T, viewer string) map[string]struct{} {
	t.Helper()
	set, err := f.log.ExcludeSet(context.Background(), viewer, t0.Add(-cooldown))
	require.NoError(t, err)
	return set
}

func TestViewabilityGate(t *testing.T) {
	g := Gate{Threshold: 0.5, Dwell: 500 * time.Millisecond}
	e := view("v", "p1")
	assert.True(t, g.Confirmed(e))

	e.VisibleFraction = 0.49
	assert.False(t, g.Confirmed(e))

	e = view("v", "p1")
	e.DwellMs = 499
	assert.False(t, g.Confirmed(e))

	e.DwellMs = 500
	e.VisibleFraction = 0.5
	assert.True(t, g.Confirmed(e))
}

func TestUnconfirmedEventsNeverWrite(t *testing.T) {
	f := newFixture(t, 10)
	weak := view("v1", "p1")
	weak.DwellMs = 100
	weak.Liked = true

	res := f.rec.Submit([]Event{weak})
	require.Equal(t, Result{Unconfirmed: 1}, res)
	require.NoError(t, f.rec.Flush(context.Background()))

	require.Empty(t, f.excluded(t, "v1"))
	sig, err := f.signals.Interest(context.Background(), "v1")
	require.NoError(t, err)
	require.Equal(t, feed.NeutralInterest("v1"), sig)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EventsUnconfirmedTotal))
}

func TestInvalidEventsRejected(t *testing.T) {
	f := newFixture(t, 10)
	noPost := view("v1", "")
	badTier := view("v1", "p1")
	badTier.SourceTier = "sideways"
	res := f.rec.Submit([]Event{noPost, badTier, view("v1", "p2")})
	require.Equal(t, Result{Accepted: 1, Rejected: 2}, res)
	require.Equal(t, 1, f.rec.Pending())
}

func TestCoalescesPerViewerAndPost(t *testing.T) {
	f := newFixture(t, 10)
	a := view("v1", "p1")
	a.PlayMs = 3000
	b := view("v1", "p1")
	b.PlayMs = 9000
	b.BecameVisibleAt = t0.Add(-5 * time.Minute)
	b.Liked = true
	c := view("v1", "p1")
	c.PlayMs = 1000
	c.Shared = true

	res := f.rec.Submit([]Event{a, b})
	require.Equal(t, 2, res.Accepted)
	f.rec.Submit([]Event{c})
	require.Equal(t, 1, f.rec.Pending())

	f.rec.mu.Lock()
	got := *f.rec.pending[viewKey{"v1", "p1"}]
	f.rec.mu.Unlock()
	assert.Equal(t, int64(9000), got.PlayMs)
	assert.True(t, got.Liked)
	assert.True(t, got.Shared)
	assert.False(t, got.Commented)
	assert.Equal(t, t0.Add(-5*time.Minute), got.BecameVisibleAt)
}

func TestFlushWritesImpressionsAndSignals(t *testing.T) {
	f := newFixture(t, 10)
	f.rec.Submit([]Event{view("v1", "p1"), view("v1", "p2")})
	require.NoError(t, f.rec.Flush(context.Background()))
	require.Zero(t, f.rec.Pending())

	require.Equal(t, map[string]struct{}{"p1": {}, "p2": {}}, f.excluded(t, "v1"))
	require.Equal(t, 2.0, testutil.ToFloat64(f.metrics.ImpressionsRecorded))

	sig, err := f.signals.Interest(context.Background(), "v1")
	require.NoError(t, err)
	// two full watches: 0.5 -> 0.6 -> 0.68
	require.InDelta(t, 0.68, sig.WatchRatio, 1e-9)

	aff, err := f.signals.Affinity(context.Background(), "v1", []string{"author-p1", "author-p2"})
	require.NoError(t, err)
	require.Len(t, aff, 2)
}

func TestFlushIsIdempotentWithinCooldown(t *testing.T) {
	f := newFixture(t, 10)
	f.rec.Submit([]Event{view("v1", "p1")})
	require.NoError(t, f.rec.Flush(context.Background()))
	f.rec.Submit([]Event{view("v1", "p1")})
	require.NoError(t, f.rec.Flush(context.Background()))

	rows, err := f.log.LeastRecent(context.Background(), "v1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ImpressionsRecorded))
}

func TestRedeliveredBatchFoldsSignalsOnce(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	batch := []Event{view("v1", "p1")}
	for i := 0; i < 3; i++ {
		_, err := f.rec.Write(ctx, batch)
		require.NoError(t, err)
	}

	sig, err := f.signals.Interest(ctx, "v1")
	require.NoError(t, err)
	// one full watch: 0.5 -> 0.6
	require.InDelta(t, 0.6, sig.WatchRatio, 1e-9)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ImpressionsRecorded))
}

func TestFutureVisibilityClampedToNow(t *testing.T) {
	f := newFixture(t, 10)
	e := view("v1", "p1")
	e.BecameVisibleAt = t0.Add(time.Hour)
	f.rec.Submit([]Event{e})
	require.NoError(t, f.rec.Flush(context.Background()))

	rows, err := f.log.LeastRecent(context.Background(), "v1", 1)
	require.NoError(t, err)
	require.Equal(t, t0, rows[0].ShownAt)
}

type flakyLog struct {
	impressions.Log
	mu       sync.Mutex
	failures int
	calls    int
}

func (l *flakyLog) Record(ctx context.Context, batch []feed.Impression) ([]int, error) {
	l.mu.Lock()
	l.calls++
	fail := l.failures > 0
	if fail {
		l.failures--
	}
	l.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return l.Log.Record(ctx, batch)
}

func TestFlushRetriesTransientFailure(t *testing.T) {
	f := newFixture(t, 10)
	flaky := &flakyLog{Log: f.log, failures: 2}
	f.rec.log = flaky

	f.rec.Submit([]Event{view("v1", "p1")})
	require.NoError(t, f.rec.Flush(context.Background()))
	require.Equal(t, 3, flaky.calls)
	require.Contains(t, f.excluded(t, "v1"), "p1")
}

func TestFailedFlushRequeuesWithinLimit(t *testing.T) {
	f := newFixture(t, 2)
	f.rec.log = &flakyLog{Log: f.log, failures: 1000}

	var events []Event
	for _, p := range []string{"p1", "p2", "p3", "p4", "p5"} {
		events = append(events, view("v1", p), view("v2", p))
	}
	f.rec.Submit(events)
	require.Equal(t, 10, f.rec.Pending())

	require.Error(t, f.rec.Flush(context.Background()))
	require.Equal(t, 6, f.rec.Pending())
	require.Equal(t, int64(4), f.rec.Dropped())
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RecorderFlushFailures))
	require.Empty(t, f.excluded(t, "v1"))
}

func TestRunFlushesOnFullBatchAndShutdown(t *testing.T) {
	f := newFixture(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.rec.Run(ctx)
		close(done)
	}()

	f.rec.Submit([]Event{view("v1", "p1"), view("v1", "p2")})
	require.Eventually(t, func() bool {
		set, err := f.log.ExcludeSet(context.Background(), "v1", t0.Add(-cooldown))
		return err == nil && len(set) == 2
	}, 2*time.Second, 5*time.Millisecond)

	f.rec.Submit([]Event{view("v2", "p3")})
	cancel()
	<-done
	require.Contains(t, f.excluded(t, "v2"), "p3")
}

func TestWriteSurfacesStorageErrors(t *testing.T) {
	f := newFixture(t, 10)
	f.rec.log = &flakyLog{Log: f.log, failures: 1000}
	res, err := f.rec.Write(context.Background(), []Event{view("v1", "p1")})
	require.Error(t, err)
	require.Equal(t, 1, res.Accepted)
	require.Zero(t, f.rec.Pending())
}
