package assembler

import (
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/selector"
	apperrors "github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	start := Cursor{Nonce: 4, Session: sessionFingerprint("v", "s")}
	pos := selector.Position{
		Fresh:          feed.Keyset{CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), ID: "p9"},
		TrendingOffset: 7,
	}
	next := start.advance(pos, []string{"p1", "p2"}, 96)

	raw, err := EncodeCursor(next)
	require.NoError(t, err)
	got, err := DecodeCursor(raw)
	require.NoError(t, err)

	require.Equal(t, 1, got.Page)
	require.Equal(t, int64(4), got.Nonce)
	require.True(t, got.Position.Fresh.CreatedAt.Equal(pos.Fresh.CreatedAt))
	require.Equal(t, "p9", got.Position.Fresh.ID)
	require.Equal(t, 7, got.Position.TrendingOffset)
	require.True(t, got.HasSeen("p1"))
	require.True(t, got.HasSeen("p2"))
	require.False(t, got.HasSeen("p3"))
	require.NoError(t, got.check("v", "s", 4))
}

func TestCursorRejectsMismatchedRequest(t *testing.T) {
	c := Cursor{Nonce: 1, Session: sessionFingerprint("v", "s")}.advance(selector.Position{}, nil, 96)

	err := c.check("v", "s", 2)
	require.ErrorIs(t, err, apperrors.ErrInvalidCursor)
	err = c.check("v", "other", 1)
	require.ErrorIs(t, err, apperrors.ErrInvalidCursor)
	err = c.check("w", "s", 1)
	require.ErrorIs(t, err, apperrors.ErrInvalidCursor)
}

func TestDecodeCursorMalformed(t *testing.T) {
	enc := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }
	for name, raw := range map[string]string{
		"not base64":   "%%%",
		"not json":     enc("hello"),
		"bad version":  enc(`{"v":9,"p":1}`),
		"page zero":    enc(`{"v":1,"p":0}`),
		"bad offset":   enc(`{"v":1,"p":1,"pos":{"trending_offset":-1}}`),
		"ragged seen":  enc(`{"v":1,"p":1,"seen":"AAE"}`),
		"way too long": string(make([]byte, maxCursorBytes+1)),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeCursor(raw)
			require.ErrorIs(t, err, apperrors.ErrInvalidCursor)
			require.Equal(t, apperrors.KindInvalidCursor, apperrors.Kind(err))
		})
	}
}

func TestCursorSeenSetIsBounded(t *testing.T) {
	c := Cursor{Session: sessionFingerprint("v", "s")}
	for page := 0; page < 5; page++ {
		ids := make([]string, 10)
		for i := range ids {
			ids[i] = fmt.Sprintf("p%d-%d", page, i)
		}
		c = c.advance(selector.Position{}, ids, 24)
	}
	require.Len(t, c.Seen, 24*4)
	require.Equal(t, 5, c.Page)
	require.True(t, c.HasSeen("p4-9"))
	require.True(t, c.HasSeen("p3-0"))
	require.True(t, c.HasSeen("p2-6"))
	require.False(t, c.HasSeen("p2-5"))
	require.False(t, c.HasSeen("p0-0"))
}
