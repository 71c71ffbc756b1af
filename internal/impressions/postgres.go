package impressions

import (
	"context"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/postgres"
	"github.com/jmoiron/sqlx"
)

const impressionColumns = `viewer_id, post_id, shown_at, last_shown_at, source_tier, session_id, score`

// upsertImpression mirrors merge: a row older than the cooldown is replaced
// wholesale, otherwise only last_shown_at may advance.
const upsertImpression = `
INSERT INTO impressions (` + impressionColumns + `)
VALUES ($1, $2, $3, $3, $4, $5, $6)
ON CONFLICT (viewer_id, post_id) DO UPDATE SET
	shown_at = CASE WHEN impressions.shown_at < EXCLUDED.shown_at - $7::float8 * INTERVAL '1 second'
		THEN EXCLUDED.shown_at ELSE impressions.shown_at END,
	source_tier = CASE WHEN impressions.shown_at < EXCLUDED.shown_at - $7::float8 * INTERVAL '1 second'
		THEN EXCLUDED.source_tier ELSE impressions.source_tier END,
	session_id = CASE WHEN impressions.shown_at < EXCLUDED.shown_at - $7::float8 * INTERVAL '1 second'
		THEN EXCLUDED.session_id ELSE impressions.session_id END,
	score = CASE WHEN impressions.shown_at < EXCLUDED.shown_at - $7::float8 * INTERVAL '1 second'
		THEN EXCLUDED.score ELSE impressions.score END,
	last_shown_at = GREATEST(impressions.last_shown_at, EXCLUDED.shown_at)
WHERE impressions.shown_at < EXCLUDED.shown_at - $7::float8 * INTERVAL '1 second'
   OR impressions.last_shown_at < EXCLUDED.shown_at`

// PostgresLog stores impressions in the impressions table.
type PostgresLog struct {
	db       *postgres.Client
	cooldown time.Duration
}

func NewPostgresLog(db *postgres.Client, cooldown time.Duration) *PostgresLog {
	return &PostgresLog{db: db, cooldown: cooldown}
}

func (l *PostgresLog) ExcludeSet(ctx context.Context, viewerID string, since time.Time) (map[string]struct{}, error) {
	var ids []string
	err := l.db.DB.SelectContext(ctx, &ids,
		`SELECT post_id FROM impressions WHERE viewer_id = $1 AND shown_at >= $2`,
		viewerID, since)
	if err != nil {
		return nil, fmt.Errorf("reading exclude set for %s: %w", viewerID, err)
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

// Record writes the batch in one transaction.
func (l *PostgresLog) Record(ctx context.Context, batch []feed.Impression) ([]int, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	var changed []int
	err := l.db.InTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, upsertImpression)
		if err != nil {
			return fmt.Errorf("preparing impression upsert: %w", err)
		}
		defer stmt.Close()
		for i, imp := range batch {
			res, err := stmt.ExecContext(ctx,
				imp.ViewerID, imp.PostID, imp.ShownAt, string(imp.SourceTier),
				imp.SessionID, imp.Score, l.cooldown.Seconds())
			if err != nil {
				return fmt.Errorf("upserting impression %s/%s: %w", imp.ViewerID, imp.PostID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("reading rows affected: %w", err)
			}
			if n > 0 {
				changed = append(changed, i)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func (l *PostgresLog) RepeatCandidates(ctx context.Context, viewerID string, shownBefore time.Time, minScore float64, limit int) ([]feed.Impression, error) {
	var rows []feed.Impression
	err := l.db.DB.SelectContext(ctx, &rows,
		`SELECT `+impressionColumns+` FROM impressions
		 WHERE viewer_id = $1 AND last_shown_at < $2 AND score >= $3
		 ORDER BY score DESC, last_shown_at ASC, post_id ASC
		 LIMIT $4`,
		viewerID, shownBefore, minScore, limit)
	if err != nil {
		return nil, fmt.Errorf("reading repeat candidates for %s: %w", viewerID, err)
	}
	return rows, nil
}

func (l *PostgresLog) LeastRecent(ctx context.Context, viewerID string, limit int) ([]feed.Impression, error) {
	var rows []feed.Impression
	err := l.db.DB.SelectContext(ctx, &rows,
		`SELECT `+impressionColumns+` FROM impressions
		 WHERE viewer_id = $1
		 ORDER BY last_shown_at ASC, post_id ASC
		 LIMIT $2`,
		viewerID, limit)
	if err != nil {
		return nil, fmt.Errorf("reading least recent impressions for %s: %w", viewerID, err)
	}
	return rows, nil
}

func (l *PostgresLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.DB.ExecContext(ctx, `DELETE FROM impressions WHERE shown_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("pruning impressions: %w", err)
	}
	return res.RowsAffected()
}
