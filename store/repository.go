// Package store persists the social-graph and timeline state of a single bot
// actor: its signing key pairs, the messages it published, its followers, and
// the follow relationships it initiated. Three interchangeable backends
// implement the same Repository contract: a durable one over a primitive
// key-value store, an in-memory reference implementation, and a caching
// decorator that wraps any other backend.
package store

import (
	"context"
	"encoding/json"
	"iter"
	"time"

	"github.com/fedikit/botkit/types"
)

// Order selects the direction of a timeline listing.
type Order int

const (
	// OrderNewest lists messages newest first. This is the zero value.
	OrderNewest Order = iota
	OrderOldest
)

// MessageQuery narrows a timeline listing. Zero time bounds and a zero limit
// mean unbounded. Both bounds are inclusive.
type MessageQuery struct {
	Order Order
	Since time.Time
	Until time.Time
	Limit int
}

// FollowerQuery pages through the follower listing.
type FollowerQuery struct {
	Offset int
	Limit  int
}

// MessageUpdater transforms a stored message into its replacement activity
// document. Returning nil declines the update and leaves the record
// untouched. The function must be pure: it may run again if the update is
// retried.
type MessageUpdater func(current *types.Message) json.RawMessage

// Repository is the sole storage contract the rest of the framework consumes.
//
// Point reads report absence with a nil value and a nil error; errors are
// reserved for genuine storage failures. A stored payload that no longer
// deserializes into the expected shape is treated as absent on read paths,
// never as an error, so one corrupt record cannot poison a listing.
//
// GetMessages and GetFollowers return lazy sequences that fetch one record at
// a time; they are finite but not restartable against a mutating store, and a
// concurrent deletion during iteration shows up as a gap.
type Repository interface {
	// SetKeyPairs replaces the bot's key pair set wholesale.
	SetKeyPairs(ctx context.Context, pairs []types.KeyPair) error
	// GetKeyPairs returns nil if the set was never initialized.
	GetKeyPairs(ctx context.Context) ([]types.KeyPair, error)

	// AddMessage stores a serialized Create or Announce under a fresh
	// sortable identifier.
	AddMessage(ctx context.Context, id string, activity []byte) error
	// UpdateMessage applies a pure transform to a stored message. Reports
	// whether the update was applied; absent ids and declined transforms
	// are a false, not an error.
	UpdateMessage(ctx context.Context, id string, update MessageUpdater) (bool, error)
	// RemoveMessage deletes a message and returns the just-deleted value,
	// or nil if there was none.
	RemoveMessage(ctx context.Context, id string) (*types.Message, error)
	GetMessage(ctx context.Context, id string) (*types.Message, error)
	GetMessages(ctx context.Context, query MessageQuery) iter.Seq2[*types.Message, error]
	CountMessages(ctx context.Context) (int, error)

	// AddFollower stores a follower's actor document together with the
	// mapping from the inbound Follow activity URL to the follower.
	AddFollower(ctx context.Context, followID string, actor []byte) error
	// RemoveFollower deletes a follower, but only if followID still maps
	// to actorID; otherwise it is a no-op returning nil. This keeps a
	// stale or forged unfollow from removing an unrelated follower.
	RemoveFollower(ctx context.Context, followID, actorID string) (*types.RawObject, error)
	HasFollower(ctx context.Context, actorID string) (bool, error)
	GetFollowers(ctx context.Context, query FollowerQuery) iter.Seq2[*types.RawObject, error]
	CountFollowers(ctx context.Context) (int, error)

	// Sent follows are Follow activities the bot dispatched, keyed by the
	// locally generated activity id until the remote side answers.
	AddSentFollow(ctx context.Context, id string, follow []byte) error
	RemoveSentFollow(ctx context.Context, id string) (json.RawMessage, error)
	GetSentFollow(ctx context.Context, id string) (json.RawMessage, error)

	// Followees are confirmed follows, keyed by the followee's actor URL,
	// holding the accepted Follow activity.
	AddFollowee(ctx context.Context, actorID string, follow []byte) error
	RemoveFollowee(ctx context.Context, actorID string) (json.RawMessage, error)
	GetFollowee(ctx context.Context, actorID string) (json.RawMessage, error)
}

var (
	_ Repository = (*KVRepository)(nil)
	_ Repository = (*MemoryRepository)(nil)
	_ Repository = (*CachedRepository)(nil)
)
