package signals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// The EMA step runs inside the upsert so concurrent views never lose an
// update to a read-modify-write race. Insert values are pre-blended from the
// neutral profile in Go.
const upsertInterest = `
INSERT INTO interest_signals (viewer_id, watch_ratio, like_rate, comment_rate, share_rate, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (viewer_id) DO UPDATE SET
	watch_ratio  = (1 - $7::float8) * interest_signals.watch_ratio  + $7::float8 * $8::float8,
	like_rate    = (1 - $7::float8) * interest_signals.like_rate    + $7::float8 * $9::float8,
	comment_rate = (1 - $7::float8) * interest_signals.comment_rate + $7::float8 * $10::float8,
	share_rate   = (1 - $7::float8) * interest_signals.share_rate   + $7::float8 * $11::float8,
	updated_at   = GREATEST(interest_signals.updated_at, EXCLUDED.updated_at)`

const upsertAffinity = `
INSERT INTO creator_affinity (viewer_id, creator_id, affinity, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (viewer_id, creator_id) DO UPDATE SET
	affinity   = (1 - $5::float8) * creator_affinity.affinity + $5::float8 * $6::float8,
	updated_at = GREATEST(creator_affinity.updated_at, EXCLUDED.updated_at)`

// PostgresStore reads and updates signals in Postgres.
type PostgresStore struct {
	db    *postgres.Client
	alpha float64
}

func NewPostgresStore(db *postgres.Client, alpha float64) *PostgresStore {
	return &PostgresStore{db: db, alpha: alpha}
}

func (s *PostgresStore) Interest(ctx context.Context, viewerID string) (feed.InterestSignal, error) {
	var sig feed.InterestSignal
	err := s.db.DB.GetContext(ctx, &sig,
		`SELECT viewer_id, watch_ratio, like_rate, comment_rate, share_rate, updated_at
		 FROM interest_signals WHERE viewer_id = $1`, viewerID)
	if errors.Is(err, sql.ErrNoRows) {
		return feed.NeutralInterest(viewerID), nil
	}
	if err != nil {
		return feed.InterestSignal{}, fmt.Errorf("reading interest for %s: %w", viewerID, err)
	}
	return sig, nil
}

func (s *PostgresStore) Affinity(ctx context.Context, viewerID string, creatorIDs []string) (map[string]float64, error) {
	out := make(map[string]float64)
	if len(creatorIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		CreatorID string  `db:"creator_id"`
		Affinity  float64 `db:"affinity"`
	}
	err := s.db.DB.SelectContext(ctx, &rows,
		`SELECT creator_id, affinity FROM creator_affinity
		 WHERE viewer_id = $1 AND creator_id = ANY($2)`,
		viewerID, pq.Array(creatorIDs))
	if err != nil {
		return nil, fmt.Errorf("reading affinity for %s: %w", viewerID, err)
	}
	for _, r := range rows {
		out[r.CreatorID] = r.Affinity
	}
	return out, nil
}

func (s *PostgresStore) CreatorQuality(ctx context.Context, creatorIDs []string) (map[string]feed.CreatorQuality, error) {
	out := make(map[string]feed.CreatorQuality, len(creatorIDs))
	if len(creatorIDs) == 0 {
		return out, nil
	}
	var rows []feed.CreatorQuality
	err := s.db.DB.SelectContext(ctx, &rows,
		`SELECT creator_id, watch_ratio, like_rate, report_rate, updated_at
		 FROM creator_quality WHERE creator_id = ANY($1)`,
		pq.Array(creatorIDs))
	if err != nil {
		return nil, fmt.Errorf("reading creator quality: %w", err)
	}
	for _, q := range rows {
		out[q.CreatorID] = q
	}
	for _, c := range creatorIDs {
		if _, ok := out[c]; !ok {
			out[c] = feed.NeutralQuality(c)
		}
	}
	return out, nil
}

func (s *PostgresStore) ApplyView(ctx context.Context, obs feed.ViewObservation) error {
	first := Observe(feed.NeutralInterest(obs.ViewerID), obs, s.alpha)
	watch := obs.WatchRatio()
	return s.db.InTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, upsertInterest,
			obs.ViewerID, first.WatchRatio, first.LikeRate, first.CommentRate, first.ShareRate, obs.At,
			s.alpha, watch, indicator(obs.Liked), indicator(obs.Commented), indicator(obs.Shared))
		if err != nil {
			return fmt.Errorf("updating interest for %s: %w", obs.ViewerID, err)
		}
		if obs.CreatorID == "" {
			return nil
		}
		_, err = tx.ExecContext(ctx, upsertAffinity,
			obs.ViewerID, obs.CreatorID, Blend(feed.NeutralAffinity, watch, s.alpha), obs.At,
			s.alpha, watch)
		if err != nil {
			return fmt.Errorf("updating affinity %s/%s: %w", obs.ViewerID, obs.CreatorID, err)
		}
		return nil
	})
}

// PutQuality upserts a creator quality rollup.
func (s *PostgresStore) PutQuality(ctx context.Context, q feed.CreatorQuality) error {
	_, err := s.db.DB.NamedExecContext(ctx,
		`INSERT INTO creator_quality (creator_id, watch_ratio, like_rate, report_rate, updated_at)
		 VALUES (:creator_id, :watch_ratio, :like_rate, :report_rate, :updated_at)
		 ON CONFLICT (creator_id) DO UPDATE SET
			watch_ratio = EXCLUDED.watch_ratio, like_rate = EXCLUDED.like_rate,
			report_rate = EXCLUDED.report_rate, updated_at = EXCLUDED.updated_at`, q)
	if err != nil {
		return fmt.Errorf("writing creator quality %s: %w", q.CreatorID, err)
	}
	return nil
}
