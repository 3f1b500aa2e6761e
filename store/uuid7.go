package store

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrInvalidID marks an identifier that is not a canonical UUIDv7 string.
var ErrInvalidID = errors.New("malformed uuidv7 identifier")

// NewMessageID returns a fresh sortable message identifier.
func NewMessageID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", errors.Wrap(err, "generate uuidv7")
	}
	return id.String(), nil
}

// UUIDv7Timestamp extracts the millisecond timestamp embedded in the leading
// 48 bits of a UUIDv7 string. Message identifiers double as chronological
// sort keys, which lets range queries filter an id list by time without
// deserializing any payload.
func UUIDv7Timestamp(id string) (time.Time, error) {
	if len(id) != 36 || id[8] != '-' || id[13] != '-' || id[18] != '-' || id[23] != '-' {
		return time.Time{}, errors.Wrapf(ErrInvalidID, "%q is not a canonical uuid string", id)
	}
	if id[14] != '7' {
		return time.Time{}, errors.Wrapf(ErrInvalidID, "%q is not version 7", id)
	}

	// unix_ts_ms spans the first two hyphen-delimited groups: 8 + 4 hex digits.
	ms, err := strconv.ParseUint(id[0:8]+id[9:13], 16, 48)
	if err != nil {
		return time.Time{}, errors.Wrapf(ErrInvalidID, "%q has a non-hex timestamp", id)
	}

	return time.UnixMilli(int64(ms)).UTC(), nil
}
