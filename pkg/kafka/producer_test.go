package kafka

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeKeysAndValues(t *testing.T) {
	msgs, err := encode([]Event{
		{Key: "viewer-1", Value: map[string]any{"post_id": "p1"}},
		{Key: "viewer-2", Value: []int{1, 2}},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "viewer-1", string(msgs[0].Key))
	require.JSONEq(t, `{"post_id":"p1"}`, string(msgs[0].Value))
	require.JSONEq(t, `[1,2]`, string(msgs[1].Value))
	require.False(t, msgs[0].Time.IsZero())
	require.Equal(t, "content-type", msgs[0].Headers[0].Key)
}

func TestEncodeRejectsWholeBatch(t *testing.T) {
	_, err := encode([]Event{
		{Key: "ok", Value: 1},
		{Key: "bad", Value: math.Inf(1)},
	})
	require.ErrorContains(t, err, `event 1 (key "bad")`)
}

func TestDecodeJSON(t *testing.T) {
	type ev struct {
		PostID string `json:"post_id"`
	}
	got, err := DecodeJSON[ev]([]byte(`{"post_id":"p9"}`))
	require.NoError(t, err)
	require.Equal(t, "p9", got.PostID)

	_, err = DecodeJSON[ev]([]byte(`{`))
	require.Error(t, err)
}
