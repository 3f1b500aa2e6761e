// Package kv defines the primitive key-value substrate the repository layer
// persists through. A store holds opaque byte values addressed by key tuples
// and offers nothing beyond point get/set/delete: no transactions, no
// compare-and-swap, no range scans. Everything richer is layered on top by
// the store package.
package kv

import (
	"context"
	"strings"
)

// keySeparator joins key segments in flattened form. A non-printable byte
// keeps segment content from forging a boundary.
const keySeparator = "\x1f"

// Key is an ordered tuple of string segments.
type Key []string

// Append returns a new Key with the given segments added.
func (k Key) Append(segments ...string) Key {
	out := make(Key, 0, len(k)+len(segments))
	out = append(out, k...)
	out = append(out, segments...)
	return out
}

// Encode flattens the tuple into a single store key.
func (k Key) Encode() string {
	return strings.Join(k, keySeparator)
}

func (k Key) String() string {
	return strings.Join(k, "/")
}

// Store is a point-addressed key-value store. Get reports whether the key was
// found; a missing key is not an error. Implementations must make each single
// Set and Delete atomic but promise nothing across keys.
type Store interface {
	Get(ctx context.Context, key Key) ([]byte, bool, error)
	Set(ctx context.Context, key Key, value []byte) error
	Delete(ctx context.Context, key Key) error
}
