package kv

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryStore is a non-persistent Store backed by a concurrent map. Useful
// for tests and throwaway bots.
type MemoryStore struct {
	data *xsync.MapOf[string, []byte]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: xsync.NewMapOf[string, []byte](),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	value, ok := s.data.Load(key.Encode())
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key Key, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	s.data.Store(key.Encode(), stored)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key Key) error {
	s.data.Delete(key.Encode())
	return nil
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	return s.data.Size()
}
