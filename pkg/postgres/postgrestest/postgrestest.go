// Package postgrestest opens a migrated, empty database for integration
// tests. Tests skip unless TEST_POSTGRES_DSN is set.
package postgrestest

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/postgres"
	_ "github.com/lib/pq"
)

var tables = []string{
	"posts", "follows", "profiles", "impressions", "interest_signals",
	"creator_affinity", "creator_quality", "feed_analytics_snapshots",
}

// Open returns a client on TEST_POSTGRES_DSN with the schema applied and all
// feed tables truncated.
func Open(t testing.TB) *postgres.Client {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("postgres unreachable: %v", err)
	}
	client := postgres.FromDB(db)
	if err := client.Migrate(ctx); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	for _, table := range tables {
		if _, err := client.DB.ExecContext(ctx, "TRUNCATE "+table); err != nil {
			t.Fatalf("truncating %s: %v", table, err)
		}
	}
	t.Cleanup(func() { client.Close() })
	return client
}
