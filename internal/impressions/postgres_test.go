package impressions

import (
	"testing"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/postgres/postgrestest"
)

func TestPostgresLog(t *testing.T) {
	db := postgrestest.Open(t)
	runLogContract(t, NewPostgresLog(db, cooldown))
}
