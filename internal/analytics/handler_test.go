package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSnapshots struct {
	snaps []AggregatedStats
	err   error
	limit int
}

func (f *fakeSnapshots) ListSnapshots(ctx context.Context, limit int) ([]AggregatedStats, error) {
	f.limit = limit
	return f.snaps, f.err
}

func TestStatsHandler(t *testing.T) {
	agg := NewAggregator(nil)
	agg.Record(page(40))
	h := NewHandler(agg, nil)

	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got AggregatedStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, int64(1), got.TotalPages)
	require.Equal(t, int64(40), got.P50LatencyMs)
}

func TestSnapshotsHandler(t *testing.T) {
	store := &fakeSnapshots{snaps: []AggregatedStats{{TotalPages: 7}}}
	h := NewHandler(NewAggregator(nil), store)

	rec := httptest.NewRecorder()
	h.Snapshots(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics/snapshots?limit=9000", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 500, store.limit)
	require.Contains(t, rec.Body.String(), `"total_pages":7`)

	rec = httptest.NewRecorder()
	h.Snapshots(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics/snapshots?limit=zero", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	store.err = errors.New("db down")
	rec = httptest.NewRecorder()
	h.Snapshots(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics/snapshots", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "db down")

	rec = httptest.NewRecorder()
	NewHandler(NewAggregator(nil), nil).Snapshots(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics/snapshots", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
