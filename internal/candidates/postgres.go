package candidates

import (
	"context"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/postgres"
	"github.com/lib/pq"
)

const postColumns = `p.id, p.author_id, p.created_at, p.media_ready, p.playback_id, p.duration_ms,
	p.views, p.likes, p.comments, p.shares, p.visibility, p.locale, p.low_res_available`

const eligibleWhere = `p.media_ready AND p.visibility = 'public' AND p.duration_ms <= $1`

// PostgresStore reads posts and follows from Postgres.
type PostgresStore struct {
	db            *postgres.Client
	maxDurationMs int64
	clock         feed.Clock
}

func NewPostgresStore(db *postgres.Client, maxDurationMs int64, clock feed.Clock) *PostgresStore {
	if clock == nil {
		clock = feed.SystemClock{}
	}
	return &PostgresStore{db: db, maxDurationMs: maxDurationMs, clock: clock}
}

func (s *PostgresStore) Fresh(ctx context.Context, limit int, after feed.Keyset) ([]feed.Post, error) {
	var posts []feed.Post
	var err error
	if after.IsZero() {
		err = s.db.DB.SelectContext(ctx, &posts,
			`SELECT `+postColumns+` FROM posts p
			 WHERE `+eligibleWhere+`
			 ORDER BY p.created_at DESC, p.id DESC
			 LIMIT $2`,
			s.maxDurationMs, limit)
	} else {
		err = s.db.DB.SelectContext(ctx, &posts,
			`SELECT `+postColumns+` FROM posts p
			 WHERE `+eligibleWhere+` AND (p.created_at, p.id) < ($2, $3)
			 ORDER BY p.created_at DESC, p.id DESC
			 LIMIT $4`,
			s.maxDurationMs, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("querying fresh posts: %w", err)
	}
	return posts, nil
}

func (s *PostgresStore) Followed(ctx context.Context, viewerID string, limit int, after feed.Keyset) ([]feed.Post, error) {
	var posts []feed.Post
	var err error
	if after.IsZero() {
		err = s.db.DB.SelectContext(ctx, &posts,
			`SELECT `+postColumns+` FROM posts p
			 JOIN follows f ON f.followee_id = p.author_id AND f.follower_id = $2
			 WHERE `+eligibleWhere+`
			 ORDER BY p.created_at DESC, p.id DESC
			 LIMIT $3`,
			s.maxDurationMs, viewerID, limit)
	} else {
		err = s.db.DB.SelectContext(ctx, &posts,
			`SELECT `+postColumns+` FROM posts p
			 JOIN follows f ON f.followee_id = p.author_id AND f.follower_id = $2
			 WHERE `+eligibleWhere+` AND (p.created_at, p.id) < ($3, $4)
			 ORDER BY p.created_at DESC, p.id DESC
			 LIMIT $5`,
			s.maxDurationMs, viewerID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("querying followed posts for %s: %w", viewerID, err)
	}
	return posts, nil
}

func (s *PostgresStore) Trending(ctx context.Context, limit, offset int, horizon time.Duration) ([]feed.Post, error) {
	since := s.clock.Now().Add(-horizon)
	var posts []feed.Post
	err := s.db.DB.SelectContext(ctx, &posts,
		`SELECT `+postColumns+` FROM posts p
		 WHERE `+eligibleWhere+` AND p.created_at >= $2
		 ORDER BY (p.views * 0.05 + p.likes + p.comments * 2 + p.shares * 3) DESC, p.id DESC
		 LIMIT $3 OFFSET $4`,
		s.maxDurationMs, since, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying trending posts: %w", err)
	}
	return posts, nil
}

func (s *PostgresStore) ByIDs(ctx context.Context, ids []string) ([]feed.Post, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var posts []feed.Post
	err := s.db.DB.SelectContext(ctx, &posts,
		`SELECT `+postColumns+` FROM posts p WHERE p.id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("hydrating %d posts: %w", len(ids), err)
	}
	return posts, nil
}

func (s *PostgresStore) CountEligible(ctx context.Context) (int, error) {
	var n int
	err := s.db.DB.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM posts p WHERE `+eligibleWhere, s.maxDurationMs)
	if err != nil {
		return 0, fmt.Errorf("counting eligible posts: %w", err)
	}
	return n, nil
}

// UpsertPost writes a post row. Used by seeding tools and tests; the ranker
// itself never writes posts.
func (s *PostgresStore) UpsertPost(ctx context.Context, p feed.Post) error {
	_, err := s.db.DB.NamedExecContext(ctx,
		`INSERT INTO posts (id, author_id, created_at, media_ready, playback_id, duration_ms,
			views, likes, comments, shares, visibility, locale, low_res_available)
		 VALUES (:id, :author_id, :created_at, :media_ready, :playback_id, :duration_ms,
			:views, :likes, :comments, :shares, :visibility, :locale, :low_res_available)
		 ON CONFLICT (id) DO UPDATE SET
			media_ready = EXCLUDED.media_ready, playback_id = EXCLUDED.playback_id,
			duration_ms = EXCLUDED.duration_ms, views = EXCLUDED.views, likes = EXCLUDED.likes,
			comments = EXCLUDED.comments, shares = EXCLUDED.shares, visibility = EXCLUDED.visibility,
			locale = EXCLUDED.locale, low_res_available = EXCLUDED.low_res_available`, p)
	if err != nil {
		return fmt.Errorf("upserting post %s: %w", p.ID, err)
	}
	return nil
}

// Follow records a follow edge; set semantics.
func (s *PostgresStore) Follow(ctx context.Context, followerID, followeeID string) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO follows (follower_id, followee_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		followerID, followeeID)
	if err != nil {
		return fmt.Errorf("recording follow %s -> %s: %w", followerID, followeeID, err)
	}
	return nil
}
