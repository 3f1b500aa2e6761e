package pollstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fedikit/botkit/types"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store := NewStore(db)
	require.NoError(t, store.Migrate())
	return store
}

func setupTestPoll(t *testing.T, store *Store, messageID string, multiple bool) types.Poll {
	t.Helper()

	poll, err := store.CreatePoll(context.Background(), types.Poll{
		MessageID:      messageID,
		Options:        []string{"tea", "coffee", "water"},
		MultipleChoice: multiple,
		EndTime:        time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	return poll
}

func TestPollRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	setupTestPoll(t, store, "poll-1", false)

	poll, err := store.GetPoll(ctx, "poll-1")
	require.NoError(t, err)
	assert.Equal(t, "poll-1", poll.MessageID)
	assert.Equal(t, []string{"tea", "coffee", "water"}, []string(poll.Options))
	assert.False(t, poll.MultipleChoice)

	_, err = store.GetPoll(ctx, "no-such-poll")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestVoteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	setupTestPoll(t, store, "poll-1", false)

	alice := "https://a.example/users/alice"

	require.NoError(t, store.Vote(ctx, "poll-1", alice, "tea"))
	require.NoError(t, store.Vote(ctx, "poll-1", alice, "tea"))
	require.NoError(t, store.Vote(ctx, "poll-1", alice, "tea"))

	votes, err := store.CountVotes(ctx, "poll-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"tea": 1}, votes)

	voters, err := store.CountVoters(ctx, "poll-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), voters)
}

func TestVoteValidatesOption(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	setupTestPoll(t, store, "poll-1", false)

	err := store.Vote(ctx, "poll-1", "https://a.example/users/alice", "whisky")
	assert.Error(t, err)

	err = store.Vote(ctx, "no-such-poll", "https://a.example/users/alice", "tea")
	assert.Error(t, err)
}

func TestMultipleChoiceCounts(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	setupTestPoll(t, store, "poll-1", true)

	alice := "https://a.example/users/alice"
	bob := "https://b.example/users/bob"

	require.NoError(t, store.Vote(ctx, "poll-1", alice, "tea"))
	require.NoError(t, store.Vote(ctx, "poll-1", alice, "coffee"))
	require.NoError(t, store.Vote(ctx, "poll-1", bob, "tea"))

	votes, err := store.CountVotes(ctx, "poll-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"tea": 2, "coffee": 1}, votes)

	voters, err := store.CountVoters(ctx, "poll-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), voters, "two options from one voter still count as one voter")
}

func TestRemovePoll(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	setupTestPoll(t, store, "poll-1", false)

	require.NoError(t, store.Vote(ctx, "poll-1", "https://a.example/users/alice", "tea"))

	removed, err := store.RemovePoll(ctx, "poll-1")
	require.NoError(t, err)
	assert.Equal(t, "poll-1", removed.MessageID)

	_, err = store.GetPoll(ctx, "poll-1")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	votes, err := store.CountVotes(ctx, "poll-1")
	require.NoError(t, err)
	assert.Empty(t, votes)
}
