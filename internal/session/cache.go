// Package session memoizes assembled pages per (viewer, session, refresh
// nonce, page key) so retries and re-scrolls see the exact same page, and
// keeps a nonce-guarded SessionState per (viewer, session). Backend failures
// are absorbed: the caller sees a miss and the page is recomputed.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/metrics"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

// Key addresses one memoized page.
type Key struct {
	ViewerID  string
	SessionID string
	Nonce     int64
	PageKey   string
}

// PageKey derives the page part of a memo key from the session opening
// instant, the cursor, and the page size.
func PageKey(openedAt time.Time, cursor string, pageSize int) string {
	d := xxhash.New()
	d.WriteString(strconv.FormatInt(openedAt.UnixMilli(), 10))
	d.WriteString("|")
	d.WriteString(cursor)
	d.WriteString("|")
	d.WriteString(strconv.Itoa(pageSize))
	return fmt.Sprintf("%016x", d.Sum64())
}

// Memo is a stored page.
type Memo struct {
	Items         []feed.Item `json:"items"`
	NextCursor    string      `json:"next_cursor,omitempty"`
	Nonce         int64       `json:"nonce"`
	Partial       bool        `json:"partial,omitempty"`
	PartialReason string      `json:"partial_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// State is the per-(viewer, session) record. FirstPage is the first page of
// Nonce; PrevFirstPage is the first page of the highest nonce below it.
type State struct {
	ViewerID      string    `json:"viewer_id"`
	SessionID     string    `json:"session_id"`
	OpenedAt      time.Time `json:"opened_at"`
	Nonce         int64     `json:"nonce"`
	FirstPage     []string  `json:"first_page,omitempty"`
	PrevNonce     int64     `json:"prev_nonce"`
	PrevFirstPage []string  `json:"prev_first_page,omitempty"`
	LastCursor    string    `json:"last_cursor,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Stats are process-local cache counters.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Errors int64 `json:"errors"`
	Writes int64 `json:"writes"`
}

// Cache is the session cache.
type Cache struct {
	backend    Backend
	prefix     string
	memoTTL    time.Duration
	sessionTTL time.Duration
	metrics    *metrics.Metrics
	group      singleflight.Group
	logger     *slog.Logger
	hits       atomic.Int64
	misses     atomic.Int64
	failures   atomic.Int64
	writes     atomic.Int64
}

func New(backend Backend, prefix string, memoTTL, sessionTTL time.Duration, m *metrics.Metrics) *Cache {
	return &Cache{
		backend:    backend,
		prefix:     prefix,
		memoTTL:    memoTTL,
		sessionTTL: sessionTTL,
		metrics:    m,
		logger:     slog.Default().With("component", "session-cache"),
	}
}

func (c *Cache) memoKey(k Key) string {
	return fmt.Sprintf("%smemo:%s:%s:%d:%s", c.prefix, k.ViewerID, k.SessionID, k.Nonce, k.PageKey)
}

func (c *Cache) stateKey(viewerID, sessionID string) string {
	return fmt.Sprintf("%sstate:%s:%s", c.prefix, viewerID, sessionID)
}

func (c *Cache) fail(op, key string, err error) {
	c.failures.Add(1)
	c.metrics.Inc(metrics.CacheErrors)
	c.logger.Warn("session cache unavailable, bypassing", "op", op, "key", key, "error", err)
}

// LoadPage returns the memo for k, if any.
func (c *Cache) LoadPage(ctx context.Context, k Key) (*Memo, bool) {
	key := c.memoKey(k)
	data, err := c.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.fail("get", key, err)
		}
		c.misses.Add(1)
		c.metrics.Inc(metrics.CacheMisses)
		return nil, false
	}
	var memo Memo
	if err := json.Unmarshal(data, &memo); err != nil {
		c.fail("decode", key, err)
		c.misses.Add(1)
		c.metrics.Inc(metrics.CacheMisses)
		return nil, false
	}
	c.hits.Add(1)
	c.metrics.Inc(metrics.CacheHits)
	return &memo, true
}

// StorePage writes memo under k. Without overwrite the first writer wins and
// StorePage returns the winning memo, which may not be the one passed in.
func (c *Cache) StorePage(ctx context.Context, k Key, memo *Memo, overwrite bool) *Memo {
	key := c.memoKey(k)
	data, err := json.Marshal(memo)
	if err != nil {
		c.fail("encode", key, err)
		return memo
	}
	if overwrite {
		if err := c.backend.Put(ctx, key, data, c.memoTTL); err != nil {
			c.fail("put", key, err)
			return memo
		}
		c.writes.Add(1)
		return memo
	}
	ok, err := c.backend.PutIfAbsent(ctx, key, data, c.memoTTL)
	if err != nil {
		c.fail("putnx", key, err)
		return memo
	}
	if ok {
		c.writes.Add(1)
		return memo
	}
	stored, err := c.backend.Get(ctx, key)
	if err != nil {
		return memo
	}
	var winner Memo
	if err := json.Unmarshal(stored, &winner); err != nil {
		return memo
	}
	return &winner
}

// LoadState returns the session state, if any.
func (c *Cache) LoadState(ctx context.Context, viewerID, sessionID string) (*State, bool) {
	key := c.stateKey(viewerID, sessionID)
	data, _, err := c.backend.GetNonced(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.fail("state-get", key, err)
		}
		return nil, false
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		c.fail("state-decode", key, err)
		return nil, false
	}
	return &st, true
}

// StoreState writes st unless a higher nonce is already stored.
func (c *Cache) StoreState(ctx context.Context, st *State) bool {
	key := c.stateKey(st.ViewerID, st.SessionID)
	data, err := json.Marshal(st)
	if err != nil {
		c.fail("state-encode", key, err)
		return false
	}
	ok, err := c.backend.PutIfNotLower(ctx, key, st.Nonce, data, c.sessionTTL)
	if err != nil {
		c.fail("state-put", key, err)
		return false
	}
	return ok
}

// Do collapses concurrent computations of the same page onto one call.
func (c *Cache) Do(k Key, force bool, fn func() (any, error)) (any, error, bool) {
	key := c.memoKey(k)
	if force {
		key += ":force"
	}
	return c.group.Do(key, fn)
}

// Invalidate drops every memo and session state of a viewer.
func (c *Cache) Invalidate(ctx context.Context, viewerID string) (int64, error) {
	memos, err := c.backend.DeletePrefix(ctx, fmt.Sprintf("%smemo:%s:", c.prefix, viewerID))
	if err != nil {
		return 0, fmt.Errorf("invalidating memos for %s: %w", viewerID, err)
	}
	states, err := c.backend.DeletePrefix(ctx, fmt.Sprintf("%sstate:%s:", c.prefix, viewerID))
	if err != nil {
		return memos, fmt.Errorf("invalidating session state for %s: %w", viewerID, err)
	}
	c.logger.Info("viewer cache invalidated", "viewer_id", viewerID, "keys_deleted", memos+states)
	return memos + states, nil
}

// Stats returns process-local counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.failures.Load(),
		Writes: c.writes.Load(),
	}
}

// Ping checks the backend.
func (c *Cache) Ping(ctx context.Context) error {
	return c.backend.Ping(ctx)
}
