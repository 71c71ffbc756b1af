// Package assembler implements get_page: it memoizes pages per session,
// pools candidates through the tier ladder, scores them, and emits a page
// under the repeat, creator-diversity, and refresh-delta constraints.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/scorer"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/selector"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/session"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/signals"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/tracing"
	"golang.org/x/sync/errgroup"
)

// Observer receives one event per GetPage call.
type Observer interface {
	TrackPage(ev analytics.PageServed)
}

// Request is one get_feed call.
type Request struct {
	ViewerID        string
	PageSize        int
	Cursor          string
	SessionID       string
	SessionOpenedAt time.Time
	RefreshNonce    int64
	ForceRefresh    bool
	Context         feed.RequestContext
}

// Deps are the collaborators of an Assembler. Clock, Metrics and Observer
// are optional.
type Deps struct {
	Selector        *selector.Selector
	Signals         signals.Store
	Cache           *session.Cache
	Clock           feed.Clock
	Metrics         *metrics.Metrics
	Observer        Observer
	TraceSampleRate float64
}

type Assembler struct {
	cfg        config.FeedConfig
	sel        *selector.Selector
	scorer     *scorer.Scorer
	signals    signals.Store
	cache      *session.Cache
	clock      feed.Clock
	metrics    *metrics.Metrics
	observer   Observer
	sampleRate float64
	logger     *slog.Logger
}

func New(cfg config.FeedConfig, deps Deps) *Assembler {
	clock := deps.Clock
	if clock == nil {
		clock = feed.SystemClock{}
	}
	return &Assembler{
		cfg:        cfg,
		sel:        deps.Selector,
		scorer:     scorer.New(cfg),
		signals:    deps.Signals,
		cache:      deps.Cache,
		clock:      clock,
		metrics:    deps.Metrics,
		observer:   deps.Observer,
		sampleRate: deps.TraceSampleRate,
		logger:     slog.Default().With("component", "assembler"),
	}
}

func (a *Assembler) normalize(req Request) (Request, error) {
	if req.ViewerID == "" {
		return req, apperrors.New(apperrors.ErrInvalidInput, 0, "viewer_id is required")
	}
	if req.SessionID == "" {
		return req, apperrors.New(apperrors.ErrInvalidInput, 0, "session_id is required")
	}
	if req.PageSize == 0 {
		req.PageSize = a.cfg.PageSizeDefault
	}
	if req.PageSize < 1 || req.PageSize > a.cfg.PageSizeMax {
		return req, apperrors.Newf(apperrors.ErrInvalidInput, 0, "page_size must be between 1 and %d", a.cfg.PageSizeMax)
	}
	if req.RefreshNonce < 0 {
		return req, apperrors.New(apperrors.ErrInvalidInput, 0, "refresh_nonce must not be negative")
	}
	return req, nil
}

// GetPage returns one feed page.
func (a *Assembler) GetPage(ctx context.Context, req Request) (page *feed.Page, err error) {
	start := time.Now()
	pageIndex := 0
	defer func() {
		a.finish(ctx, req, pageIndex, page, err, time.Since(start))
	}()

	req, err = a.normalize(req)
	if err != nil {
		return nil, err
	}
	cur := Cursor{Nonce: req.RefreshNonce, Session: sessionFingerprint(req.ViewerID, req.SessionID)}
	if req.Cursor != "" {
		if cur, err = DecodeCursor(req.Cursor); err != nil {
			return nil, err
		}
		if err = cur.check(req.ViewerID, req.SessionID, req.RefreshNonce); err != nil {
			return nil, err
		}
	}
	pageIndex = cur.Page

	ctx = logger.WithViewer(ctx, req.ViewerID, req.SessionID)
	ctx, cancel := context.WithTimeout(ctx, a.cfg.PageDeadline)
	defer cancel()

	key := session.Key{
		ViewerID:  req.ViewerID,
		SessionID: req.SessionID,
		Nonce:     req.RefreshNonce,
		PageKey:   session.PageKey(req.SessionOpenedAt, req.Cursor, req.PageSize),
	}
	if !req.ForceRefresh {
		if memo, ok := a.cache.LoadPage(ctx, key); ok {
			return fromMemo(memo, start), nil
		}
	}

	v, err, _ := a.cache.Do(key, req.ForceRefresh, func() (any, error) {
		return a.assemble(ctx, req, cur, key)
	})
	if err != nil {
		return nil, err
	}
	out := *v.(*feed.Page)
	out.Performance.ElapsedMs = time.Since(start).Milliseconds()
	return &out, nil
}

func fromMemo(memo *session.Memo, start time.Time) *feed.Page {
	return &feed.Page{
		Items:            memo.Items,
		NextCursor:       memo.NextCursor,
		CacheHit:         true,
		UsedRefreshNonce: memo.Nonce,
		Partial:          memo.Partial,
		PartialReason:    memo.PartialReason,
		Performance:      feed.Performance{ElapsedMs: time.Since(start).Milliseconds()},
	}
}

// reference is the instant freshness is measured from. Inside a live
// session it is the session opening time, so every page of the session
// scores against the same clock.
func (a *Assembler) reference(openedAt, now time.Time) time.Time {
	if openedAt.IsZero() || openedAt.After(now) || now.Sub(openedAt) > a.cfg.SessionTTL {
		return now.Truncate(time.Minute)
	}
	return openedAt
}

// previousFirstPage returns the first page the refresh-delta rule compares
// against, or nil when the rule does not apply.
func previousFirstPage(st *session.State, nonce int64, pageIndex int) []string {
	if pageIndex != 0 || st == nil {
		return nil
	}
	switch {
	case st.Nonce < nonce:
		return st.FirstPage
	case st.Nonce == nonce:
		return st.PrevFirstPage
	}
	return nil
}

func (a *Assembler) assemble(ctx context.Context, req Request, cur Cursor, key session.Key) (*feed.Page, error) {
	now := a.clock.Now()
	ref := a.reference(req.SessionOpenedAt, now)
	log := logger.FromContext(ctx)

	ctx, span := tracing.StartSpan(ctx, "get_page", logger.RequestID(ctx))
	span.SetAttr("page_index", cur.Page)
	stage := func(name string) func() {
		_, s := tracing.StartChildSpan(ctx, name)
		return s.End
	}

	done := stage("exclude")
	exclude, degraded := a.sel.ExcludeSet(ctx, req.ViewerID, now)
	state, _ := a.cache.LoadState(ctx, req.ViewerID, req.SessionID)
	done()

	done = stage("select")
	pool := a.sel.Primary(ctx, selector.Request{
		ViewerID: req.ViewerID,
		Exclude:  exclude,
		Seen:     cur.HasSeen,
		From:     cur.Position,
		Target:   a.cfg.WorkingPool(req.PageSize),
	})
	if len(pool.Candidates) < a.cfg.InventoryWaterline {
		a.metrics.Inc(metrics.InventoryLow)
	}
	cands := pool.Candidates[:len(pool.Candidates):len(pool.Candidates)]
	if len(cands) < req.PageSize {
		taken := make(map[string]struct{}, len(cands))
		for _, c := range cands {
			taken[c.Post.ID] = struct{}{}
		}
		reps, err := a.sel.Repeats(ctx, req.ViewerID, now, func(id string) bool {
			_, ok := taken[id]
			return ok || cur.HasSeen(id)
		}, a.cfg.MaxRepeatsPerPage*4)
		if err != nil {
			log.Warn("repeat tier skipped", "error", err)
		}
		cands = append(cands, reps...)
	}
	done()

	seed := scorer.Seed{ViewerID: req.ViewerID, SessionID: req.SessionID, Nonce: req.RefreshNonce}

	done = stage("signals")
	sig := a.loadSignals(ctx, req.ViewerID, cands)
	done()

	done = stage("emit")
	em := newEmitter(a.scorer, a.cfg, seed, req.PageSize,
		previousFirstPage(state, req.RefreshNonce, cur.Page),
		len(pool.Candidates) >= 2*req.PageSize)
	scored := a.score(cands, sig, req.Context, ref, seed)
	em.fill(scored)
	done()

	var fallbackErr error
	if !em.full() && ctx.Err() == nil {
		done = stage("fallback")
		offered := make(map[string]struct{}, len(cands))
		for _, c := range cands {
			offered[c.Post.ID] = struct{}{}
		}
		var fb []feed.Candidate
		fb, fallbackErr = a.sel.Fallback(ctx, req.ViewerID, exclude, func(id string) bool {
			_, ok := offered[id]
			return ok
		}, req.PageSize-len(em.items))
		// Repeats held back by the safe prefix still outrank fallback.
		em.fill(append(scored, a.score(fb, sig, req.Context, ref, seed)...))
		done()
	}
	a.metrics.Add(metrics.DiversityRelaxed, em.relaxed)
	if em.relaxed > 0 {
		log.Info("creator constraints relaxed", "slots", em.relaxed)
	}

	span.SetAttr("items", len(em.items))
	span.End()
	if tracing.Sampled(span.TraceID, a.sampleRate) {
		span.Log()
	}

	deadline := errors.Is(ctx.Err(), context.DeadlineExceeded)
	if len(em.items) == 0 {
		switch {
		case deadline:
			return nil, apperrors.New(apperrors.ErrDeadline, 0, "page deadline exceeded before any item was assembled")
		case ctx.Err() != nil:
			return nil, fmt.Errorf("assembling page: %w", ctx.Err())
		case pool.Failed() && fallbackErr != nil:
			return nil, fmt.Errorf("%w: every candidate source failed: %v", apperrors.ErrUnavailable, fallbackErr)
		default:
			return nil, apperrors.New(apperrors.ErrNoInventory, 0, "no eligible posts")
		}
	}

	page := &feed.Page{
		Items:            em.items,
		UsedRefreshNonce: req.RefreshNonce,
		Performance: feed.Performance{
			SkippedTiers: pool.Skipped,
			Stages:       span.Stages(),
		},
	}
	if !em.full() {
		page.Partial = true
		page.PartialReason = feed.PartialExhausted
		if deadline {
			page.PartialReason = feed.PartialDeadline
		}
	}
	if page.PartialReason != feed.PartialExhausted {
		next := cur.advance(selector.Positions(cur.Position, pool, em.ids), em.postIDs(), a.cfg.CursorSeenCap)
		token, err := EncodeCursor(next)
		if err != nil {
			log.Error("encoding next cursor", "error", err)
		}
		page.NextCursor = token
	}
	if page.PartialReason == feed.PartialDeadline {
		log.Warn("returning partial page after deadline", "items", len(page.Items), "page_size", req.PageSize)
		return page, nil
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.DownstreamDeadline)
	defer cancel()
	memo := &session.Memo{
		Items:         page.Items,
		NextCursor:    page.NextCursor,
		Nonce:         req.RefreshNonce,
		Partial:       page.Partial,
		PartialReason: page.PartialReason,
		CreatedAt:     now,
	}
	if won := a.cache.StorePage(wctx, key, memo, req.ForceRefresh); won != memo {
		page.Items = won.Items
		page.NextCursor = won.NextCursor
		page.Partial = won.Partial
		page.PartialReason = won.PartialReason
	}
	a.storeState(wctx, req, cur.Page, state, page, now)

	log.Info("page assembled",
		"page_index", cur.Page,
		"items", len(page.Items),
		"pool", len(pool.Candidates),
		"skipped_tiers", pool.Skipped,
		"exclude_degraded", degraded,
		"tier_mix", page.TierMix(),
	)
	return page, nil
}

func (a *Assembler) score(cands []feed.Candidate, sig scorer.Signals, rc feed.RequestContext, ref time.Time, seed scorer.Seed) []scorer.Scored {
	out := make([]scorer.Scored, len(cands))
	for i, c := range cands {
		out[i] = a.scorer.Score(c, sig, rc, ref, seed)
	}
	return out
}

// loadSignals reads the viewer's signals under the downstream deadline.
// Whatever cannot be read stays neutral.
func (a *Assembler) loadSignals(ctx context.Context, viewerID string, cands []feed.Candidate) scorer.Signals {
	sig := scorer.NeutralSignals(viewerID)
	if len(cands) == 0 {
		return sig
	}
	seen := make(map[string]struct{}, len(cands))
	authors := make([]string, 0, len(cands))
	for _, c := range cands {
		if _, ok := seen[c.Post.AuthorID]; !ok {
			seen[c.Post.AuthorID] = struct{}{}
			authors = append(authors, c.Post.AuthorID)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.DownstreamDeadline)
	defer cancel()
	var g errgroup.Group
	g.Go(func() error {
		v, err := a.signals.Interest(ctx, viewerID)
		if err == nil {
			sig.Interest = v
		}
		return err
	})
	g.Go(func() error {
		v, err := a.signals.Affinity(ctx, viewerID, authors)
		if err == nil {
			sig.Affinity = v
		}
		return err
	})
	g.Go(func() error {
		v, err := a.signals.CreatorQuality(ctx, authors)
		if err == nil {
			sig.Quality = v
		}
		return err
	})
	if err := g.Wait(); err != nil {
		logger.FromContext(ctx).Warn("signals unavailable, scoring with neutral values", "error", err)
	}
	return sig
}

func (a *Assembler) storeState(ctx context.Context, req Request, pageIndex int, prev *session.State, page *feed.Page, now time.Time) {
	st := &session.State{
		ViewerID:   req.ViewerID,
		SessionID:  req.SessionID,
		OpenedAt:   req.SessionOpenedAt,
		Nonce:      req.RefreshNonce,
		LastCursor: page.NextCursor,
		UpdatedAt:  now,
	}
	switch {
	case prev == nil:
	case prev.Nonce < req.RefreshNonce:
		st.PrevNonce, st.PrevFirstPage = prev.Nonce, prev.FirstPage
	case prev.Nonce == req.RefreshNonce:
		st.FirstPage = prev.FirstPage
		st.PrevNonce, st.PrevFirstPage = prev.PrevNonce, prev.PrevFirstPage
	default:
		return
	}
	if pageIndex == 0 {
		st.FirstPage = make([]string, len(page.Items))
		for i, it := range page.Items {
			st.FirstPage[i] = it.PostID
		}
	}
	a.cache.StoreState(ctx, st)
}

func (a *Assembler) finish(ctx context.Context, req Request, pageIndex int, page *feed.Page, err error, elapsed time.Duration) {
	result := "ok"
	cacheHit := page != nil && page.CacheHit
	switch {
	case err != nil:
		result = apperrors.Kind(err)
	case cacheHit:
		result = "cache_hit"
	case page.Partial:
		result = "partial"
	}
	a.metrics.Page(result, cacheHit, elapsed.Seconds())

	if err != nil {
		log := logger.FromContext(ctx)
		switch result {
		case apperrors.KindInternal:
			log.Error("get_page failed", "error", err)
		case apperrors.KindInvalidCursor, apperrors.KindInvalidInput:
			log.Debug("get_page rejected", "error", err)
		default:
			log.Warn("get_page failed", "kind", result, "error", err)
		}
	}

	if a.observer == nil {
		return
	}
	ev := analytics.PageServed{
		Type:         analytics.EventPageServed,
		ViewerID:     req.ViewerID,
		SessionID:    req.SessionID,
		RefreshNonce: req.RefreshNonce,
		PageIndex:    pageIndex,
		LatencyMs:    elapsed.Milliseconds(),
		Timestamp:    a.clock.Now(),
		RequestID:    logger.RequestID(ctx),
	}
	if err != nil {
		ev.ErrorKind = apperrors.Kind(err)
	} else {
		ev.Items = len(page.Items)
		ev.TierMix = page.TierMix()
		ev.SkippedTiers = page.Performance.SkippedTiers
		ev.CacheHit = page.CacheHit
		ev.Partial = page.Partial
		ev.PartialReason = page.PartialReason
	}
	a.observer.TrackPage(ev)
}
