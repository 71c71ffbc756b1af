package api

import (
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/recorder"
	apperrors "github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fields(t *testing.T, err error) map[string]string {
	t.Helper()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
	return verr.Fields
}

func TestParseFeedQuery(t *testing.T) {
	q := url.Values{
		"viewer_id":         {"v1"},
		"session_id":        {"s1"},
		"page_size":         {"20"},
		"refresh_nonce":     {"3"},
		"force_refresh":     {"true"},
		"session_opened_at": {"1772366400000"},
		"client_hour":       {"7"},
		"connection":        {"cellular"},
	}
	req, err := ParseFeedQuery(q)
	require.NoError(t, err)
	assert.Equal(t, 20, req.PageSize)
	assert.Equal(t, int64(3), req.RefreshNonce)
	assert.True(t, req.ForceRefresh)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), req.SessionOpenedAt)
	require.NotNil(t, req.ClientHour)
	assert.Equal(t, 7, *req.ClientHour)

	got, err := ValidateFeedRequest(req)
	require.NoError(t, err)
	assert.Equal(t, feed.ConnectionCellular, got.Context.Connection)
	assert.Equal(t, 7, got.Context.ClientHour)
}

func TestParseFeedQueryReportsEveryBadField(t *testing.T) {
	_, err := ParseFeedQuery(url.Values{
		"page_size":         {"ten"},
		"refresh_nonce":     {"x"},
		"force_refresh":     {"maybe"},
		"session_opened_at": {"yesterday"},
		"client_hour":       {"noon"},
	})
	f := fields(t, err)
	assert.Len(t, f, 5)
	assert.Equal(t, apperrors.KindInvalidInput, apperrors.Kind(err))
}

func TestValidateFeedRequest(t *testing.T) {
	hour := 24
	_, err := ValidateFeedRequest(FeedRequest{
		ViewerID:     "bad viewer!",
		PageSize:     -1,
		Cursor:       strings.Repeat("a", maxCursorLength+1),
		RefreshNonce: -2,
		Connection:   "carrier-pigeon",
		ClientHour:   &hour,
	})
	f := fields(t, err)
	for _, k := range []string{"viewer_id", "session_id", "page_size", "cursor", "refresh_nonce", "connection", "client_hour"} {
		assert.Contains(t, f, k)
	}

	got, err := ValidateFeedRequest(FeedRequest{ViewerID: "v.1_x-y", SessionID: " s1 "})
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, feed.UnknownContext, got.Context)
}

func TestValidateEventBatch(t *testing.T) {
	b := EventBatch{ViewerID: "v1", Events: []recorder.Event{{PostID: "p1"}, {ViewerID: "v1", PostID: "p2"}}}
	require.NoError(t, ValidateEventBatch(&b))
	assert.Equal(t, "v1", b.Events[0].ViewerID)

	b = EventBatch{ViewerID: "v1", Events: []recorder.Event{{ViewerID: "v2", PostID: "p1"}}}
	assert.Contains(t, fields(t, ValidateEventBatch(&b)), "events[0].viewer_id")

	b = EventBatch{ViewerID: "v1"}
	assert.Contains(t, fields(t, ValidateEventBatch(&b)), "events")

	b = EventBatch{ViewerID: "v1", Events: make([]recorder.Event, maxEventBatch+1)}
	assert.Contains(t, fields(t, ValidateEventBatch(&b)), "events")
}

func TestValidationErrorMessageIsStable(t *testing.T) {
	err := &ValidationError{Fields: map[string]string{"b": "two", "a": "one"}}
	assert.Equal(t, "a: one; b: two", err.Error())
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
