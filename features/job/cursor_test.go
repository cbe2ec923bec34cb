package job

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replydesk/backend/internal/apierr"
)

func TestParseOrder(t *testing.T) {
	order, err := ParseOrder("")
	require.NoError(t, err)
	assert.Equal(t, OrderCreatedAtDesc, order)

	order, err = ParseOrder("RUN_AT_ASC")
	require.NoError(t, err)
	assert.Equal(t, OrderRunAtAsc, order)

	_, err = ParseOrder("RANDOM")
	require.Error(t, err)
	assert.Equal(t, apierr.CodeBadRequest, apierr.From(err).Code)
}

func TestCursor_RoundTrip(t *testing.T) {
	key := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	raw := EncodeCursor(OrderRunAtAsc, key, "job-42")

	c, err := DecodeCursor(raw, OrderRunAtAsc)
	require.NoError(t, err)
	assert.Equal(t, 1, c.V)
	assert.Equal(t, OrderRunAtAsc, c.Order)
	assert.Equal(t, "job-42", c.ID)
	assert.True(t, c.KeyTime().Equal(key))
}

func TestDecodeCursor_OrderMismatch(t *testing.T) {
	raw := EncodeCursor(OrderRunAtAsc, time.Now(), "job-1")

	_, err := DecodeCursor(raw, OrderCreatedAtDesc)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeBadCursor, apierr.From(err).Code)
}

func TestDecodeCursor_Garbage(t *testing.T) {
	cases := []string{
		"not-base64!!!",
		base64.RawURLEncoding.EncodeToString([]byte("not json")),
		base64.RawURLEncoding.EncodeToString([]byte(`{"v":2,"order":"CREATED_AT_DESC","key":"2026-01-01T00:00:00Z","id":"a"}`)),
		base64.RawURLEncoding.EncodeToString([]byte(`{"v":1,"order":"CREATED_AT_DESC","key":"yesterday","id":"a"}`)),
		base64.RawURLEncoding.EncodeToString([]byte(`{"v":1,"order":"CREATED_AT_DESC","key":"2026-01-01T00:00:00Z","id":""}`)),
	}
	for _, raw := range cases {
		_, err := DecodeCursor(raw, OrderCreatedAtDesc)
		require.Error(t, err, raw)
		assert.Equal(t, apierr.CodeBadCursor, apierr.From(err).Code)
	}
}
