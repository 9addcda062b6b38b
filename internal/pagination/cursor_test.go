package pagination

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC)
	token := Cursor{CreatedAt: ts, ID: "txn_abc123"}.Encode()
	require.NotEmpty(t, token)

	c, err := Decode(token)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, ts, c.CreatedAt)
	assert.Equal(t, "txn_abc123", c.ID)
}

func TestDecodeEmptyMeansFirstPage(t *testing.T) {
	c, err := Decode("")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, token := range []string{
		"not-base64!!!",
		"bm9waXBl", // valid base64, no separator
		"eHxhYmM=", // "x|abc", non-numeric timestamp
	} {
		_, err := Decode(token)
		assert.True(t, errors.Is(err, ErrInvalidCursor), "token %q: got %v", token, err)
	}
}

func TestComputePageLastPage(t *testing.T) {
	items := []string{"a", "b", "c"}
	page, next, more := ComputePage(items, 5, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, more)
}

func TestComputePageContinuation(t *testing.T) {
	items := []string{"a", "b", "c", "d"}
	page, next, more := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s
	})
	assert.Len(t, page, 3)
	assert.True(t, more)

	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}

func TestComputePageExactLimit(t *testing.T) {
	items := []string{"a", "b", "c"}
	page, next, more := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, more)
}
