package kv

import (
	"context"
	"net/url"
	"strings"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/pkg/errors"
)

// MemcacheStore is an ephemeral Store on top of memcached. Entries can be
// evicted at any time, so it only suits bots whose state may be rebuilt; it
// mainly exists as a second networked backend exercising the same contract.
type MemcacheStore struct {
	mc     *memcache.Client
	prefix string
}

func NewMemcacheStore(mc *memcache.Client, prefix string) *MemcacheStore {
	return &MemcacheStore{
		mc:     mc,
		prefix: prefix,
	}
}

// memcached keys must be printable and under 250 bytes, so segments are
// escaped individually instead of using the flat Encode form.
func (s *MemcacheStore) key(key Key) string {
	parts := make([]string, 0, len(key)+1)
	parts = append(parts, s.prefix)
	for _, segment := range key {
		parts = append(parts, url.QueryEscape(segment))
	}
	return strings.Join(parts, ":")
}

func (s *MemcacheStore) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	item, err := s.mc.Get(s.key(key))
	if err == memcache.ErrCacheMiss {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "memcache get")
	}
	return item.Value, true, nil
}

func (s *MemcacheStore) Set(ctx context.Context, key Key, value []byte) error {
	err := s.mc.Set(&memcache.Item{
		Key:   s.key(key),
		Value: value,
	})
	if err != nil {
		return errors.Wrap(err, "memcache set")
	}
	return nil
}

func (s *MemcacheStore) Delete(ctx context.Context, key Key) error {
	err := s.mc.Delete(s.key(key))
	if err != nil && err != memcache.ErrCacheMiss {
		return errors.Wrap(err, "memcache delete")
	}
	return nil
}
