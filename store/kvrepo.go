package store

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/fedikit/botkit/kv"
	"github.com/fedikit/botkit/types"
)

var tracer = otel.Tracer("store")

const (
	collMessages  = "messages"
	collFollowers = "followers"
)

// KVRepository is the durable Repository backend. It persists everything
// through a primitive kv.Store and maintains, per collection, a secondary
// index key holding the full sorted list of member ids.
//
// The substrate has no multi-key transactions and no compare-and-swap, so
// index updates go through an optimistic lock-and-retry protocol (see
// withIndex). Per-item payload keys are written outside that protocol;
// readers tolerate an index entry whose payload is momentarily absent.
type KVRepository struct {
	store  kv.Store
	prefix kv.Key
}

// NewKVRepository returns a durable repository over the given store. A nil
// prefix defaults to {"botkit"}; passing distinct prefixes lets multiple bots
// share one store without interference.
func NewKVRepository(store kv.Store, prefix kv.Key) *KVRepository {
	if prefix == nil {
		prefix = kv.Key{"botkit"}
	}
	return &KVRepository{
		store:  store,
		prefix: prefix,
	}
}

func (r *KVRepository) keyPairsKey() kv.Key         { return r.prefix.Append("keyPairs") }
func (r *KVRepository) indexKey(coll string) kv.Key { return r.prefix.Append(coll) }
func (r *KVRepository) lockKey(coll string) kv.Key  { return r.prefix.Append("lock", coll) }
func (r *KVRepository) messageKey(id string) kv.Key { return r.prefix.Append("message", id) }
func (r *KVRepository) followerKey(id string) kv.Key {
	return r.prefix.Append("follower", id)
}
func (r *KVRepository) followRequestKey(followID string) kv.Key {
	return r.prefix.Append("followRequests", followID)
}
func (r *KVRepository) sentFollowKey(id string) kv.Key { return r.prefix.Append("follow", id) }
func (r *KVRepository) followeeKey(id string) kv.Key   { return r.prefix.Append("followee", id) }

// readIndex loads a collection's sorted member list. A missing index key is
// an empty collection.
func (r *KVRepository) readIndex(ctx context.Context, coll string) ([]string, error) {
	raw, ok, err := r.store.Get(ctx, r.indexKey(coll))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, errors.Wrapf(err, "corrupt index list for %s", coll)
	}
	return ids, nil
}

// withIndex runs a read-modify-write cycle on a collection's index list under
// the optimistic lock protocol: write a fresh token to the lock key, rewrite
// the list, then re-read the lock. If another writer interleaved, its token
// replaced ours and the whole cycle repeats on top of the winner's list.
//
// The loop is unbounded on purpose. Contention is a correctness signal here,
// not a performance problem: a lost race means the list we wrote was based on
// a stale read and must not stand.
func (r *KVRepository) withIndex(ctx context.Context, coll string, mutate func(ids []string) []string) error {
	for {
		token := uuid.NewString()
		if err := r.store.Set(ctx, r.lockKey(coll), []byte(token)); err != nil {
			return err
		}

		ids, err := r.readIndex(ctx, coll)
		if err != nil {
			return err
		}
		ids = mutate(ids)
		sort.Strings(ids)

		buf, err := json.Marshal(ids)
		if err != nil {
			return errors.Wrap(err, "marshal index list")
		}
		if err := r.store.Set(ctx, r.indexKey(coll), buf); err != nil {
			return err
		}

		current, ok, err := r.store.Get(ctx, r.lockKey(coll))
		if err != nil {
			return err
		}
		if ok && string(current) == token {
			return nil
		}
	}
}

func indexAdd(id string) func([]string) []string {
	return func(ids []string) []string {
		for _, existing := range ids {
			if existing == id {
				return ids
			}
		}
		return append(ids, id)
	}
}

func indexRemove(id string) func([]string) []string {
	return func(ids []string) []string {
		out := ids[:0]
		for _, existing := range ids {
			if existing != id {
				out = append(out, existing)
			}
		}
		return out
	}
}

// ---------------------------------------------------------------------
// key pairs

func (r *KVRepository) SetKeyPairs(ctx context.Context, pairs []types.KeyPair) error {
	ctx, span := tracer.Start(ctx, "KVRepository.SetKeyPairs")
	defer span.End()

	buf, err := json.Marshal(pairs)
	if err != nil {
		return errors.Wrap(err, "marshal key pairs")
	}
	return r.store.Set(ctx, r.keyPairsKey(), buf)
}

func (r *KVRepository) GetKeyPairs(ctx context.Context) ([]types.KeyPair, error) {
	ctx, span := tracer.Start(ctx, "KVRepository.GetKeyPairs")
	defer span.End()

	raw, ok, err := r.store.Get(ctx, r.keyPairsKey())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var pairs []types.KeyPair
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, errors.Wrap(err, "corrupt key pair set")
	}
	if pairs == nil {
		pairs = []types.KeyPair{}
	}
	return pairs, nil
}

// ---------------------------------------------------------------------
// messages

func (r *KVRepository) AddMessage(ctx context.Context, id string, activity []byte) error {
	ctx, span := tracer.Start(ctx, "KVRepository.AddMessage")
	defer span.End()

	if err := r.store.Set(ctx, r.messageKey(id), activity); err != nil {
		return err
	}
	return r.withIndex(ctx, collMessages, indexAdd(id))
}

func (r *KVRepository) UpdateMessage(ctx context.Context, id string, update MessageUpdater) (bool, error) {
	ctx, span := tracer.Start(ctx, "KVRepository.UpdateMessage")
	defer span.End()

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

	if err := r.store.Set(ctx, r.messageKey(id), replacement); err != nil {
		return false, err
	}
	return true, nil
}

func (r *KVRepository) RemoveMessage(ctx context.Context, id string) (*types.Message, error) {
	ctx, span := tracer.Start(ctx, "KVRepository.RemoveMessage")
	defer span.End()

	removed, err := r.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := r.store.Delete(ctx, r.messageKey(id)); err != nil {
		return nil, err
	}
	if err := r.withIndex(ctx, collMessages, indexRemove(id)); err != nil {
		return nil, err
	}
	return removed, nil
}

func (r *KVRepository) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	ctx, span := tracer.Start(ctx, "KVRepository.GetMessage")
	defer span.End()

	raw, ok, err := r.store.Get(ctx, r.messageKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	msg, err := types.DecodeMessage(raw)
	if err != nil {
		if errors.Is(err, types.ErrNotMessage) {
			slog.Warn("skipping undecodable message payload", "id", id, "error", err)
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// sliceByTime narrows an ascending id list to the entries whose embedded
// timestamps fall inside the inclusive [since, until] window.
func sliceByTime(ids []string, since, until time.Time) ([]string, error) {
	if !since.IsZero() {
		start := len(ids)
		for i, id := range ids {
			ts, err := UUIDv7Timestamp(id)
			if err != nil {
				return nil, err
			}
			if !ts.Before(since) {
				start = i
				break
			}
		}
		ids = ids[start:]
	}

	if !until.IsZero() {
		end := 0
		for i := len(ids) - 1; i >= 0; i-- {
			ts, err := UUIDv7Timestamp(ids[i])
			if err != nil {
				return nil, err
			}
			if !ts.After(until) {
				end = i + 1
				break
			}
		}
		ids = ids[:end]
	}

	return ids, nil
}

func reversed(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}

func (r *KVRepository) GetMessages(ctx context.Context, query MessageQuery) iter.Seq2[*types.Message, error] {
	return func(yield func(*types.Message, error) bool) {
		ctx, span := tracer.Start(ctx, "KVRepository.GetMessages")
		defer span.End()

		ids, err := r.readIndex(ctx, collMessages)
		if err != nil {
			yield(nil, err)
			return
		}

		ids, err = sliceByTime(ids, query.Since, query.Until)
		if err != nil {
			yield(nil, err)
			return
		}

		if query.Order == OrderNewest {
			ids = reversed(ids)
		}
		if query.Limit > 0 && len(ids) > query.Limit {
			ids = ids[:query.Limit]
		}

		for _, id := range ids {
			msg, err := r.GetMessage(ctx, id)
			if err != nil {
				yield(nil, err)
				return
			}
			if msg == nil {
				// index/payload drift; the entry vanished or rotted
				continue
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

func (r *KVRepository) CountMessages(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "KVRepository.CountMessages")
	defer span.End()

	ids, err := r.readIndex(ctx, collMessages)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ---------------------------------------------------------------------
// followers

func (r *KVRepository) AddFollower(ctx context.Context, followID string, actor []byte) error {
	ctx, span := tracer.Start(ctx, "KVRepository.AddFollower")
	defer span.End()

	doc, err := types.LoadAsRawObject(actor)
	if err != nil {
		return errors.Wrap(err, "malformed follower document")
	}
	actorID, ok := doc.GetString("id")
	if !ok || actorID == "" {
		return errors.New("follower document has no actor id")
	}

	if err := r.store.Set(ctx, r.followerKey(actorID), actor); err != nil {
		return err
	}
	if err := r.store.Set(ctx, r.followRequestKey(followID), []byte(actorID)); err != nil {
		return err
	}
	return r.withIndex(ctx, collFollowers, indexAdd(actorID))
}

func (r *KVRepository) RemoveFollower(ctx context.Context, followID, actorID string) (*types.RawObject, error) {
	ctx, span := tracer.Start(ctx, "KVRepository.RemoveFollower")
	defer span.End()

	mapped, ok, err := r.store.Get(ctx, r.followRequestKey(followID))
	if err != nil {
		return nil, err
	}
	if !ok || string(mapped) != actorID {
		// unknown or mismatched follow activity; never remove on hearsay
		return nil, nil
	}

	raw, found, err := r.store.Get(ctx, r.followerKey(actorID))
	if err != nil {
		return nil, err
	}

	if err := r.store.Delete(ctx, r.followerKey(actorID)); err != nil {
		return nil, err
	}
	if err := r.store.Delete(ctx, r.followRequestKey(followID)); err != nil {
		return nil, err
	}
	if err := r.withIndex(ctx, collFollowers, indexRemove(actorID)); err != nil {
		return nil, err
	}

	if !found {
		return nil, nil
	}
	doc, err := types.LoadAsRawObject(raw)
	if err != nil {
		slog.Warn("removed follower had an undecodable document", "actor", actorID, "error", err)
		return nil, nil
	}
	return doc, nil
}

func (r *KVRepository) HasFollower(ctx context.Context, actorID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "KVRepository.HasFollower")
	defer span.End()

	_, ok, err := r.store.Get(ctx, r.followerKey(actorID))
	return ok, err
}

func (r *KVRepository) GetFollowers(ctx context.Context, query FollowerQuery) iter.Seq2[*types.RawObject, error] {
	return func(yield func(*types.RawObject, error) bool) {
		ctx, span := tracer.Start(ctx, "KVRepository.GetFollowers")
		defer span.End()

		ids, err := r.readIndex(ctx, collFollowers)
		if err != nil {
			yield(nil, err)
			return
		}

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
			raw, ok, err := r.store.Get(ctx, r.followerKey(actorID))
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok {
				continue
			}
			doc, err := types.LoadAsRawObject(raw)
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

func (r *KVRepository) CountFollowers(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "KVRepository.CountFollowers")
	defer span.End()

	ids, err := r.readIndex(ctx, collFollowers)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ---------------------------------------------------------------------
// sent follows and followees

func (r *KVRepository) AddSentFollow(ctx context.Context, id string, follow []byte) error {
	ctx, span := tracer.Start(ctx, "KVRepository.AddSentFollow")
	defer span.End()

	return r.store.Set(ctx, r.sentFollowKey(id), follow)
}

func (r *KVRepository) RemoveSentFollow(ctx context.Context, id string) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "KVRepository.RemoveSentFollow")
	defer span.End()

	raw, ok, err := r.store.Get(ctx, r.sentFollowKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if err := r.store.Delete(ctx, r.sentFollowKey(id)); err != nil {
		return nil, err
	}
	return raw, nil
}

func (r *KVRepository) GetSentFollow(ctx context.Context, id string) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "KVRepository.GetSentFollow")
	defer span.End()

	raw, ok, err := r.store.Get(ctx, r.sentFollowKey(id))
	if err != nil || !ok {
		return nil, err
	}
	return raw, nil
}

func (r *KVRepository) AddFollowee(ctx context.Context, actorID string, follow []byte) error {
	ctx, span := tracer.Start(ctx, "KVRepository.AddFollowee")
	defer span.End()

	return r.store.Set(ctx, r.followeeKey(actorID), follow)
}

func (r *KVRepository) RemoveFollowee(ctx context.Context, actorID string) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "KVRepository.RemoveFollowee")
	defer span.End()

	raw, ok, err := r.store.Get(ctx, r.followeeKey(actorID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if err := r.store.Delete(ctx, r.followeeKey(actorID)); err != nil {
		return nil, err
	}
	return raw, nil
}

func (r *KVRepository) GetFollowee(ctx context.Context, actorID string) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "KVRepository.GetFollowee")
	defer span.End()

	raw, ok, err := r.store.Get(ctx, r.followeeKey(actorID))
	if err != nil || !ok {
		return nil, err
	}
	return raw, nil
}
