package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listedOrder struct {
	id        string
	createdAt time.Time
}

func orderKey(o listedOrder) (time.Time, string) {
	return o.createdAt, o.id
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 8, 12, 9, 45, 0, 0, time.UTC)

	cursor, err := Decode(Encode(ts, "ORD-7F3A21B0"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, "ORD-7F3A21B0", cursor.ID)
}

func TestDecode_EmptyMeansFirstPage(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_RejectsForeignTokens(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"not base64", "not-base64!!!"},
		{"no separator", "bm9waXBl"},                  // "nopipe"
		{"non-numeric timestamp", "eHxPUkQtMDAwMQ=="}, // "x|ORD-0001"
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.token)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestComputePage_FullFetchMeansMore(t *testing.T) {
	base := time.Date(2026, 8, 12, 9, 0, 0, 0, time.UTC)
	// Four rows from a limit-3 fetch: one more page exists.
	orders := []listedOrder{
		{"ORD-00000004", base.Add(3 * time.Second)},
		{"ORD-00000003", base.Add(2 * time.Second)},
		{"ORD-00000002", base.Add(time.Second)},
		{"ORD-00000001", base},
	}

	page, next, hasMore := ComputePage(orders, 3, orderKey)
	require.Len(t, page, 3)
	assert.True(t, hasMore)

	cursor, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "ORD-00000002", cursor.ID, "cursor should name the last returned order")
	assert.Equal(t, base.Add(time.Second), cursor.CreatedAt)
}

func TestComputePage_LastPage(t *testing.T) {
	base := time.Date(2026, 8, 12, 9, 0, 0, 0, time.UTC)
	orders := []listedOrder{
		{"ORD-00000002", base.Add(time.Second)},
		{"ORD-00000001", base},
	}

	for _, limit := range []int{2, 5} {
		page, next, hasMore := ComputePage(orders, limit, orderKey)
		assert.Len(t, page, 2)
		assert.Empty(t, next)
		assert.False(t, hasMore)
	}
}
