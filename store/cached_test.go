package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedikit/botkit/types"
)

// countingRepository wraps a Repository and tallies point reads, so tests can
// tell whether the caching layer actually short-circuited.
type countingRepository struct {
	Repository
	getMessage  int
	getKeyPairs int
	hasFollower int
	getFollowee int
}

func (r *countingRepository) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	r.getMessage++
	return r.Repository.GetMessage(ctx, id)
}

func (r *countingRepository) GetKeyPairs(ctx context.Context) ([]types.KeyPair, error) {
	r.getKeyPairs++
	return r.Repository.GetKeyPairs(ctx)
}

func (r *countingRepository) HasFollower(ctx context.Context, actorID string) (bool, error) {
	r.hasFollower++
	return r.Repository.HasFollower(ctx, actorID)
}

func (r *countingRepository) GetFollowee(ctx context.Context, actorID string) (json.RawMessage, error) {
	r.getFollowee++
	return r.Repository.GetFollowee(ctx, actorID)
}

// brokenRepository refuses every write.
type brokenRepository struct {
	Repository
}

var errBroken = errors.New("storage down")

func (r *brokenRepository) AddMessage(ctx context.Context, id string, activity []byte) error {
	return errBroken
}

func (r *brokenRepository) SetKeyPairs(ctx context.Context, pairs []types.KeyPair) error {
	return errBroken
}

func TestCachedRepositoryReadThroughBackfill(t *testing.T) {
	ctx := context.Background()
	underlying := &countingRepository{Repository: NewMemoryRepository()}
	repo := NewCachedRepository(underlying)

	published := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	id := messageIDAt(t, published, 1)
	raw := createActivity(t, "https://bot.example/ap/note/"+id, published, "cache me")

	// seed the underlying store directly so the cache starts cold
	require.NoError(t, underlying.Repository.AddMessage(ctx, id, raw))

	msg, err := repo.GetMessage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 1, underlying.getMessage)

	msg, err = repo.GetMessage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 1, underlying.getMessage, "second read must come from the cache")
	assert.Equal(t, raw, []byte(msg.Raw))
}

func TestCachedRepositoryNoNegativeCaching(t *testing.T) {
	ctx := context.Background()
	underlying := &countingRepository{Repository: NewMemoryRepository()}
	repo := NewCachedRepository(underlying)

	id := messageIDAt(t, time.Now(), 1)

	for i := 0; i < 3; i++ {
		msg, err := repo.GetMessage(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, msg)
	}
	assert.Equal(t, 3, underlying.getMessage, "misses must hit the underlying store every time")
}

func TestCachedRepositoryWriteThrough(t *testing.T) {
	ctx := context.Background()
	underlying := &countingRepository{Repository: NewMemoryRepository()}
	repo := NewCachedRepository(underlying)

	published := time.Date(2025, 5, 2, 9, 0, 0, 0, time.UTC)
	id := messageIDAt(t, published, 1)
	raw := createActivity(t, "https://bot.example/ap/note/"+id, published, "written through")

	require.NoError(t, repo.AddMessage(ctx, id, raw))

	msg, err := repo.GetMessage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 0, underlying.getMessage, "a write-through entry is served from the cache")

	// the write reached the underlying store too
	fresh, err := underlying.Repository.GetMessage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, fresh)
}

func TestCachedRepositoryFailedWriteLeavesCacheCold(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryRepository()
	repo := NewCachedRepository(&brokenRepository{Repository: mem})

	published := time.Date(2025, 5, 3, 9, 0, 0, 0, time.UTC)
	id := messageIDAt(t, published, 1)
	raw := createActivity(t, "https://bot.example/ap/note/"+id, published, "never lands")

	err := repo.AddMessage(ctx, id, raw)
	require.ErrorIs(t, err, errBroken)

	msg, err := repo.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, msg, "a failed underlying write must not leave a phantom cache entry")

	err = repo.SetKeyPairs(ctx, []types.KeyPair{{Public: json.RawMessage(`{}`)}})
	require.ErrorIs(t, err, errBroken)

	pairs, err := repo.GetKeyPairs(ctx)
	require.NoError(t, err)
	assert.Nil(t, pairs)
}

func TestCachedRepositoryUpdateRunsTransformOnce(t *testing.T) {
	ctx := context.Background()
	underlying := &countingRepository{Repository: NewMemoryRepository()}
	repo := NewCachedRepository(underlying)

	published := time.Date(2025, 5, 4, 9, 0, 0, 0, time.UTC)
	id := messageIDAt(t, published, 1)
	raw := createActivity(t, "https://bot.example/ap/note/"+id, published, "v1")
	replacement := createActivity(t, "https://bot.example/ap/note/"+id, published, "v2")

	require.NoError(t, repo.AddMessage(ctx, id, raw))

	calls := 0
	applied, err := repo.UpdateMessage(ctx, id, func(current *types.Message) json.RawMessage {
		calls++
		return replacement
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, calls, "the transform must not run a second time against the cache")

	msg, err := repo.GetMessage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, replacement, []byte(msg.Raw))

	fresh, err := underlying.Repository.GetMessage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.Equal(t, replacement, []byte(fresh.Raw), "cache and underlying store must agree after an update")
}

func TestCachedRepositoryHasFollower(t *testing.T) {
	ctx := context.Background()
	underlying := &countingRepository{Repository: NewMemoryRepository()}
	repo := NewCachedRepository(underlying)

	alice := "https://a.example/users/alice"
	require.NoError(t, repo.AddFollower(ctx, "https://a.example/follows/1", actorDoc(t, alice, "alice")))

	ok, err := repo.HasFollower(ctx, alice)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, underlying.hasFollower, "a positive entry short-circuits in the cache")

	ok, err = repo.HasFollower(ctx, "https://z.example/users/nobody")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, underlying.hasFollower, "a negative answer always consults the underlying store")
}

func TestCachedRepositoryRemoveEvicts(t *testing.T) {
	ctx := context.Background()
	underlying := &countingRepository{Repository: NewMemoryRepository()}
	repo := NewCachedRepository(underlying)

	published := time.Date(2025, 5, 5, 9, 0, 0, 0, time.UTC)
	id := messageIDAt(t, published, 1)
	raw := createActivity(t, "https://bot.example/ap/note/"+id, published, "short lived")

	require.NoError(t, repo.AddMessage(ctx, id, raw))

	removed, err := repo.RemoveMessage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, removed)

	msg, err := repo.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, msg, "a removed message must not linger in the cache")
}
