package store

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/fedikit/botkit/types"
)

type memMessage struct {
	raw       []byte
	published *time.Time
}

// MemoryRepository is a non-persistent Repository holding everything in
// process-local maps. It serves as the reference implementation for the
// Repository semantics, as a test double, and as the cache payload of
// CachedRepository.
//
// Its listings are materialize-then-filter-then-sort rather than
// index-driven, but ordering, bound inclusivity and tie-breaks match
// KVRepository exactly so either backend is a drop-in substitute.
type MemoryRepository struct {
	mu       sync.RWMutex
	keyPairs []types.KeyPair

	messages       *xsync.MapOf[string, memMessage]
	followers      *xsync.MapOf[string, []byte]
	followRequests *xsync.MapOf[string, string]
	sentFollows    *xsync.MapOf[string, []byte]
	followees      *xsync.MapOf[string, []byte]
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		messages:       xsync.NewMapOf[string, memMessage](),
		followers:      xsync.NewMapOf[string, []byte](),
		followRequests: xsync.NewMapOf[string, string](),
		sentFollows:    xsync.NewMapOf[string, []byte](),
		followees:      xsync.NewMapOf[string, []byte](),
	}
}

func (r *MemoryRepository) SetKeyPairs(ctx context.Context, pairs []types.KeyPair) error {
	stored := make([]types.KeyPair, len(pairs))
	copy(stored, pairs)

	r.mu.Lock()
	r.keyPairs = stored
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) GetKeyPairs(ctx context.Context) ([]types.KeyPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.keyPairs == nil {
		return nil, nil
	}
	out := make([]types.KeyPair, len(r.keyPairs))
	copy(out, r.keyPairs)
	return out, nil
}

// ---------------------------------------------------------------------
// messages

func (r *MemoryRepository) AddMessage(ctx context.Context, id string, activity []byte) error {
	stored := make([]byte, len(activity))
	copy(stored, activity)

	entry := memMessage{raw: stored}
	if msg, err := types.DecodeMessage(stored); err == nil {
		entry.published = msg.Published
	}
	r.messages.Store(id, entry)
	return nil
}

func (r *MemoryRepository) UpdateMessage(ctx context.Context, id string, update MessageUpdater) (bool, error) {
	current, err := r.GetMessage(ctx, id)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}

	replacement := update(current)
	if replacement == nil {
		return false, nil
	}
	return true, r.AddMessage(ctx, id, replacement)
}

func (r *MemoryRepository) RemoveMessage(ctx context.Context, id string) (*types.Message, error) {
	entry, ok := r.messages.LoadAndDelete(id)
	if !ok {
		return nil, nil
	}
	msg, err := types.DecodeMessage(entry.raw)
	if err != nil {
		return nil, nil
	}
	return msg, nil
}

func (r *MemoryRepository) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	entry, ok := r.messages.Load(id)
	if !ok {
		return nil, nil
	}
	msg, err := types.DecodeMessage(entry.raw)
	if err != nil {
		if errors.Is(err, types.ErrNotMessage) {
			slog.Warn("skipping undecodable message payload", "id", id, "error", err)
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// timestampOf resolves the filter timestamp of an entry: the derived
// published time when present, the id-embedded time otherwise.
func timestampOf(id string, entry memMessage) (time.Time, bool) {
	if entry.published != nil {
		return *entry.published, true
	}
	ts, err := UUIDv7Timestamp(id)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func (r *MemoryRepository) GetMessages(ctx context.Context, query MessageQuery) iter.Seq2[*types.Message, error] {
	return func(yield func(*types.Message, error) bool) {
		ids := make([]string, 0, r.messages.Size())
		entries := make(map[string]memMessage, r.messages.Size())
		r.messages.Range(func(id string, entry memMessage) bool {
			ids = append(ids, id)
			entries[id] = entry
			return true
		})
		sort.Strings(ids)

		filtered := ids[:0]
		for _, id := range ids {
			if !query.Since.IsZero() || !query.Until.IsZero() {
				ts, ok := timestampOf(id, entries[id])
				if !ok {
					continue
				}
				if !query.Since.IsZero() && ts.Before(query.Since) {
					continue
				}
				if !query.Until.IsZero() && ts.After(query.Until) {
					continue
				}
			}
			filtered = append(filtered, id)
		}
		ids = filtered

		if query.Order == OrderNewest {
			ids = reversed(ids)
		}
		if query.Limit > 0 && len(ids) > query.Limit {
			ids = ids[:query.Limit]
		}

		for _, id := range ids {
			msg, err := types.DecodeMessage(entries[id].raw)
			if err != nil {
				slog.Warn("skipping undecodable message payload", "id", id, "error", err)
				continue
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

func (r *MemoryRepository) CountMessages(ctx context.Context) (int, error) {
	return r.messages.Size(), nil
}

// ---------------------------------------------------------------------
// followers

func (r *MemoryRepository) AddFollower(ctx context.Context, followID string, actor []byte) error {
	doc, err := types.LoadAsRawObject(actor)
	if err != nil {
		return errors.Wrap(err, "malformed follower document")
	}
	actorID, ok := doc.GetString("id")
	if !ok || actorID == "" {
		return errors.New("follower document has no actor id")
	}

	stored := make([]byte, len(actor))
	copy(stored, actor)
	r.followers.Store(actorID, stored)
	r.followRequests.Store(followID, actorID)
	return nil
}

func (r *MemoryRepository) RemoveFollower(ctx context.Context, followID, actorID string) (*types.RawObject, error) {
	mapped, ok := r.followRequests.Load(followID)
	if !ok || mapped != actorID {
		return nil, nil
	}

	r.followRequests.Delete(followID)
	raw, found := r.followers.LoadAndDelete(actorID)
	if !found {
		return nil, nil
	}
	doc, err := types.LoadAsRawObject(raw)
	if err != nil {
		return nil, nil
	}
	return doc, nil
}

func (r *MemoryRepository) HasFollower(ctx context.Context, actorID string) (bool, error) {
	_, ok := r.followers.Load(actorID)
	return ok, nil
}

func (r *MemoryRepository) GetFollowers(ctx context.Context, query FollowerQuery) iter.Seq2[*types.RawObject, error] {
	return func(yield func(*types.RawObject, error) bool) {
		ids := make([]string, 0, r.followers.Size())
		docs := make(map[string][]byte, r.followers.Size())
		r.followers.Range(func(actorID string, raw []byte) bool {
			ids = append(ids, actorID)
			docs[actorID] = raw
			return true
		})
		sort.Strings(ids)

		if query.Offset > 0 {
			if query.Offset >= len(ids) {
				return
			}
			ids = ids[query.Offset:]
		}
		if query.Limit > 0 && len(ids) > query.Limit {
			ids = ids[:query.Limit]
		}

		for _, actorID := range ids {
			doc, err := types.LoadAsRawObject(docs[actorID])
			if err != nil {
				slog.Warn("skipping undecodable follower document", "actor", actorID, "error", err)
				continue
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

func (r *MemoryRepository) CountFollowers(ctx context.Context) (int, error) {
	return r.followers.Size(), nil
}

// ---------------------------------------------------------------------
// sent follows and followees

func (r *MemoryRepository) AddSentFollow(ctx context.Context, id string, follow []byte) error {
	stored := make([]byte, len(follow))
	copy(stored, follow)
	r.sentFollows.Store(id, stored)
	return nil
}

func (r *MemoryRepository) RemoveSentFollow(ctx context.Context, id string) (json.RawMessage, error) {
	raw, ok := r.sentFollows.LoadAndDelete(id)
	if !ok {
		return nil, nil
	}
	return raw, nil
}

func (r *MemoryRepository) GetSentFollow(ctx context.Context, id string) (json.RawMessage, error) {
	raw, ok := r.sentFollows.Load(id)
	if !ok {
		return nil, nil
	}
	return raw, nil
}

func (r *MemoryRepository) AddFollowee(ctx context.Context, actorID string, follow []byte) error {
	stored := make([]byte, len(follow))
	copy(stored, follow)
	r.followees.Store(actorID, stored)
	return nil
}

func (r *MemoryRepository) RemoveFollowee(ctx context.Context, actorID string) (json.RawMessage, error) {
	raw, ok := r.followees.LoadAndDelete(actorID)
	if !ok {
		return nil, nil
	}
	return raw, nil
}

func (r *MemoryRepository) GetFollowee(ctx context.Context, actorID string) (json.RawMessage, error) {
	raw, ok := r.followees.Load(actorID)
	if !ok {
		return nil, nil
	}
	return raw, nil
}
