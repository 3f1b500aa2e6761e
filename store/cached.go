package store

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/fedikit/botkit/types"
)

// CachedRepository wraps another Repository with a MemoryRepository acting as
// a read-through/write-through cache for point operations. List, range and
// count queries always pass through: caching paginated or filtered results
// correctly would need invalidation logic out of proportion to the benefit.
//
// Absences are never cached, so repeated misses re-query the underlying
// store; the cache only speeds up the hot path of repeated positive point
// lookups, such as dispatching the bot's key pairs over and over during one
// federation negotiation.
type CachedRepository struct {
	underlying Repository
	cache      *MemoryRepository
}

func NewCachedRepository(underlying Repository) *CachedRepository {
	return &CachedRepository{
		underlying: underlying,
		cache:      NewMemoryRepository(),
	}
}

// ---------------------------------------------------------------------
// key pairs

func (r *CachedRepository) SetKeyPairs(ctx context.Context, pairs []types.KeyPair) error {
	if err := r.underlying.SetKeyPairs(ctx, pairs); err != nil {
		return err
	}
	return r.cache.SetKeyPairs(ctx, pairs)
}

func (r *CachedRepository) GetKeyPairs(ctx context.Context) ([]types.KeyPair, error) {
	cached, err := r.cache.GetKeyPairs(ctx)
	if err == nil && cached != nil {
		return cached, nil
	}

	pairs, err := r.underlying.GetKeyPairs(ctx)
	if err != nil {
		return nil, err
	}
	if pairs != nil {
		if err := r.cache.SetKeyPairs(ctx, pairs); err != nil {
			return nil, err
		}
	}
	return pairs, nil
}

// ---------------------------------------------------------------------
// messages

func (r *CachedRepository) AddMessage(ctx context.Context, id string, activity []byte) error {
	if err := r.underlying.AddMessage(ctx, id, activity); err != nil {
		return err
	}
	return r.cache.AddMessage(ctx, id, activity)
}

func (r *CachedRepository) UpdateMessage(ctx context.Context, id string, update MessageUpdater) (bool, error) {
	applied, err := r.underlying.UpdateMessage(ctx, id, update)
	if err != nil || !applied {
		return applied, err
	}

	// never apply the transform twice; take the canonical post-update
	// value from the underlying store
	fresh, err := r.underlying.GetMessage(ctx, id)
	if err != nil {
		return true, err
	}
	if fresh == nil {
		// should not happen after a confirmed update; drop the stale entry
		_, err := r.cache.RemoveMessage(ctx, id)
		return true, err
	}
	return true, r.cache.AddMessage(ctx, id, fresh.Raw)
}

func (r *CachedRepository) RemoveMessage(ctx context.Context, id string) (*types.Message, error) {
	removed, err := r.underlying.RemoveMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if removed != nil {
		if _, err := r.cache.RemoveMessage(ctx, id); err != nil {
			return nil, err
		}
	}
	return removed, nil
}

func (r *CachedRepository) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	cached, err := r.cache.GetMessage(ctx, id)
	if err == nil && cached != nil {
		return cached, nil
	}

	msg, err := r.underlying.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg != nil {
		if err := r.cache.AddMessage(ctx, id, msg.Raw); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func (r *CachedRepository) GetMessages(ctx context.Context, query MessageQuery) iter.Seq2[*types.Message, error] {
	return r.underlying.GetMessages(ctx, query)
}

func (r *CachedRepository) CountMessages(ctx context.Context) (int, error) {
	return r.underlying.CountMessages(ctx)
}

// ---------------------------------------------------------------------
// followers

func (r *CachedRepository) AddFollower(ctx context.Context, followID string, actor []byte) error {
	if err := r.underlying.AddFollower(ctx, followID, actor); err != nil {
		return err
	}
	return r.cache.AddFollower(ctx, followID, actor)
}

func (r *CachedRepository) RemoveFollower(ctx context.Context, followID, actorID string) (*types.RawObject, error) {
	removed, err := r.underlying.RemoveFollower(ctx, followID, actorID)
	if err != nil {
		return nil, err
	}
	if removed != nil {
		if _, err := r.cache.RemoveFollower(ctx, followID, actorID); err != nil {
			return nil, err
		}
	}
	return removed, nil
}

func (r *CachedRepository) HasFollower(ctx context.Context, actorID string) (bool, error) {
	// a positive cache hit short-circuits; a negative one proves nothing
	// since the cache holds no negative entries
	if ok, err := r.cache.HasFollower(ctx, actorID); err == nil && ok {
		return true, nil
	}
	return r.underlying.HasFollower(ctx, actorID)
}

func (r *CachedRepository) GetFollowers(ctx context.Context, query FollowerQuery) iter.Seq2[*types.RawObject, error] {
	return r.underlying.GetFollowers(ctx, query)
}

func (r *CachedRepository) CountFollowers(ctx context.Context) (int, error) {
	return r.underlying.CountFollowers(ctx)
}

// ---------------------------------------------------------------------
// sent follows and followees

func (r *CachedRepository) AddSentFollow(ctx context.Context, id string, follow []byte) error {
	if err := r.underlying.AddSentFollow(ctx, id, follow); err != nil {
		return err
	}
	return r.cache.AddSentFollow(ctx, id, follow)
}

func (r *CachedRepository) RemoveSentFollow(ctx context.Context, id string) (json.RawMessage, error) {
	removed, err := r.underlying.RemoveSentFollow(ctx, id)
	if err != nil {
		return nil, err
	}
	if removed != nil {
		if _, err := r.cache.RemoveSentFollow(ctx, id); err != nil {
			return nil, err
		}
	}
	return removed, nil
}

func (r *CachedRepository) GetSentFollow(ctx context.Context, id string) (json.RawMessage, error) {
	cached, err := r.cache.GetSentFollow(ctx, id)
	if err == nil && cached != nil {
		return cached, nil
	}

	follow, err := r.underlying.GetSentFollow(ctx, id)
	if err != nil {
		return nil, err
	}
	if follow != nil {
		if err := r.cache.AddSentFollow(ctx, id, follow); err != nil {
			return nil, err
		}
	}
	return follow, nil
}

func (r *CachedRepository) AddFollowee(ctx context.Context, actorID string, follow []byte) error {
	if err := r.underlying.AddFollowee(ctx, actorID, follow); err != nil {
		return err
	}
	return r.cache.AddFollowee(ctx, actorID, follow)
}

func (r *CachedRepository) RemoveFollowee(ctx context.Context, actorID string) (json.RawMessage, error) {
	removed, err := r.underlying.RemoveFollowee(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if removed != nil {
		if _, err := r.cache.RemoveFollowee(ctx, actorID); err != nil {
			return nil, err
		}
	}
	return removed, nil
}

func (r *CachedRepository) GetFollowee(ctx context.Context, actorID string) (json.RawMessage, error) {
	cached, err := r.cache.GetFollowee(ctx, actorID)
	if err == nil && cached != nil {
		return cached, nil
	}

	follow, err := r.underlying.GetFollowee(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if follow != nil {
		if err := r.cache.AddFollowee(ctx, actorID, follow); err != nil {
			return nil, err
		}
	}
	return follow, nil
}
