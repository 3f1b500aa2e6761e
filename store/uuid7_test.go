package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7TimestampKnownVector(t *testing.T) {
	// the example value from RFC 9562 section A.6
	ts, err := UUIDv7Timestamp("017f22e2-79b0-7cc3-98c4-dc0c0c07398f")
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(0x017F22E279B0).UTC(), ts)
	assert.Equal(t, time.UTC, ts.Location())
}

func TestUUIDv7TimestampRoundTrip(t *testing.T) {
	id, err := uuid.NewV7()
	require.NoError(t, err)

	ts, err := UUIDv7Timestamp(id.String())
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)
}

func TestNewMessageID(t *testing.T) {
	id, err := NewMessageID()
	require.NoError(t, err)
	require.Len(t, id, 36)
	assert.Equal(t, byte('7'), id[14])

	ts, err := UUIDv7Timestamp(id)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)
}

func TestUUIDv7TimestampRejectsMalformedIDs(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"truncated":      "017f22e2-79b0-7cc3",
		"missing hyphen": "017f22e2x79b0-7cc3-98c4-dc0c0c07398f",
		"version 4":      "9f4c3de1-2f86-4d3c-8b5d-1a2b3c4d5e6f",
		"non-hex time":   "zzzzzzzz-79b0-7cc3-98c4-dc0c0c07398f",
	}

	for name, id := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := UUIDv7Timestamp(id)
			assert.ErrorIs(t, err, ErrInvalidID)
		})
	}
}

func TestMessageIDsSortChronologically(t *testing.T) {
	early := messageIDAt(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), 0)
	late := messageIDAt(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), 0)
	assert.Less(t, early, late, "lexicographic order must match chronological order")
}
