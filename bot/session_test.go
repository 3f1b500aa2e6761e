package bot

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fedikit/botkit/pollstore"
	"github.com/fedikit/botkit/store"
	"github.com/fedikit/botkit/types"
)

func setupTestSession(t *testing.T, hooks Hooks) (*Session, store.Repository, *pollstore.Store) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	polls := pollstore.NewStore(db)
	require.NoError(t, polls.Migrate())

	config := types.BotConfig{
		FQDN:     "bot.example",
		Username: "weatherbot",
		Name:     "Weather Bot",
	}
	repo := store.NewMemoryRepository()
	return NewSession(repo, nil, polls, config, hooks), repo, polls
}

func rawActivity(t *testing.T, doc map[string]any) *types.RawObject {
	t.Helper()

	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	activity, err := types.LoadAsRawObject(raw)
	require.NoError(t, err)
	return activity
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	session, repo, _ := setupTestSession(t, Hooks{})

	id, err := session.Publish(ctx, "good **morning**")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msg, err := repo.GetMessage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, types.MessageCreate, msg.Class)
	assert.Equal(t, "https://bot.example/ap/note/"+id+"/activity", msg.Activity.ID)

	note, ok := msg.Activity.Object.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Note", note["type"])
	assert.Contains(t, note["content"], "<strong>morning</strong>")

	source, ok := note["source"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "good **morning**", source["content"])
	assert.Equal(t, "text/markdown", source["mediaType"])
}

func TestAnnounce(t *testing.T) {
	ctx := context.Background()
	session, repo, _ := setupTestSession(t, Hooks{})

	id, err := session.Announce(ctx, "https://remote.example/note/9")
	require.NoError(t, err)

	msg, err := repo.GetMessage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, types.MessageAnnounce, msg.Class)
	assert.Equal(t, "https://remote.example/note/9", msg.Activity.Object)
}

func TestUnpublish(t *testing.T) {
	ctx := context.Background()
	session, repo, _ := setupTestSession(t, Hooks{})

	id, err := session.Publish(ctx, "fleeting thought")
	require.NoError(t, err)

	require.NoError(t, session.Unpublish(ctx, id))

	msg, err := repo.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, msg)

	// unpublishing a missing id is a clean no-op
	require.NoError(t, session.Unpublish(ctx, id))
}

func TestPublishPoll(t *testing.T) {
	ctx := context.Background()
	session, repo, polls := setupTestSession(t, Hooks{})

	endTime := time.Now().Add(24 * time.Hour)
	id, err := session.PublishPoll(ctx, "tea or coffee?", []string{"tea", "coffee"}, false, endTime)
	require.NoError(t, err)

	msg, err := repo.GetMessage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, msg)

	question, ok := msg.Activity.Object.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Question", question["type"])
	assert.Len(t, question["oneOf"], 2)
	assert.Nil(t, question["anyOf"])

	poll, err := polls.GetPoll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"tea", "coffee"}, []string(poll.Options))
	assert.False(t, poll.MultipleChoice)

	_, err = session.PublishPoll(ctx, "degenerate", []string{"only"}, false, endTime)
	assert.Error(t, err)
}

func TestHandleAcceptPromotesSentFollow(t *testing.T) {
	ctx := context.Background()
	session, repo, _ := setupTestSession(t, Hooks{})

	followID := "https://bot.example/ap/actor/weatherbot/follows/abc"
	alice := "https://a.example/users/alice"
	follow := []byte(`{"type":"Follow","id":"` + followID + `","actor":"https://bot.example/ap/actor/weatherbot","object":"` + alice + `"}`)
	require.NoError(t, repo.AddSentFollow(ctx, followID, follow))

	accept := rawActivity(t, map[string]any{
		"type":  "Accept",
		"actor": alice,
		"object": map[string]any{
			"type":   "Follow",
			"id":     followID,
			"object": alice,
		},
	})
	require.NoError(t, session.HandleActivity(ctx, accept))

	followee, err := repo.GetFollowee(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, follow, []byte(followee))

	pending, err := repo.GetSentFollow(ctx, followID)
	require.NoError(t, err)
	assert.Nil(t, pending, "a confirmed follow leaves the pending set")
}

func TestHandleAcceptForUnknownFollow(t *testing.T) {
	ctx := context.Background()
	session, repo, _ := setupTestSession(t, Hooks{})

	accept := rawActivity(t, map[string]any{
		"type": "Accept",
		"object": map[string]any{
			"type":   "Follow",
			"id":     "https://bot.example/ap/actor/weatherbot/follows/nope",
			"object": "https://a.example/users/alice",
		},
	})
	require.NoError(t, session.HandleActivity(ctx, accept))

	followee, err := repo.GetFollowee(ctx, "https://a.example/users/alice")
	require.NoError(t, err)
	assert.Nil(t, followee)
}

func TestHandleRejectDropsSentFollow(t *testing.T) {
	ctx := context.Background()
	session, repo, _ := setupTestSession(t, Hooks{})

	followID := "https://bot.example/ap/actor/weatherbot/follows/abc"
	require.NoError(t, repo.AddSentFollow(ctx, followID, []byte(`{"type":"Follow","id":"`+followID+`"}`)))

	reject := rawActivity(t, map[string]any{
		"type": "Reject",
		"object": map[string]any{
			"type": "Follow",
			"id":   followID,
		},
	})
	require.NoError(t, session.HandleActivity(ctx, reject))

	pending, err := repo.GetSentFollow(ctx, followID)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestHandleUndoFollow(t *testing.T) {
	ctx := context.Background()

	var unfollowed string
	session, repo, _ := setupTestSession(t, Hooks{
		OnUnfollow: func(ctx context.Context, actorID string) { unfollowed = actorID },
	})

	alice := "https://a.example/users/alice"
	followID := "https://a.example/follows/1"
	actorDoc := []byte(`{"type":"Person","id":"` + alice + `","inbox":"` + alice + `/inbox"}`)
	require.NoError(t, repo.AddFollower(ctx, followID, actorDoc))

	undo := rawActivity(t, map[string]any{
		"type":  "Undo",
		"actor": alice,
		"object": map[string]any{
			"type":  "Follow",
			"id":    followID,
			"actor": alice,
		},
	})
	require.NoError(t, session.HandleActivity(ctx, undo))

	ok, err := repo.HasFollower(ctx, alice)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, alice, unfollowed)

	// a replayed undo is tolerated
	unfollowed = ""
	require.NoError(t, session.HandleActivity(ctx, undo))
	assert.Empty(t, unfollowed, "the hook must not fire twice for one unfollow")
}

func TestHandleCreateReplyAndMention(t *testing.T) {
	ctx := context.Background()

	var replied, mentioned *types.RawObject
	session, _, _ := setupTestSession(t, Hooks{
		OnReply:   func(ctx context.Context, note *types.RawObject) { replied = note },
		OnMention: func(ctx context.Context, note *types.RawObject) { mentioned = note },
	})

	reply := rawActivity(t, map[string]any{
		"type":  "Create",
		"actor": "https://a.example/users/alice",
		"object": map[string]any{
			"type":      "Note",
			"content":   "<p>nice forecast</p>",
			"inReplyTo": "https://bot.example/ap/note/0194a000-0000-7000-8000-000000000000",
		},
	})
	require.NoError(t, session.HandleActivity(ctx, reply))
	require.NotNil(t, replied)
	assert.Nil(t, mentioned)

	replied, mentioned = nil, nil
	mention := rawActivity(t, map[string]any{
		"type":  "Create",
		"actor": "https://a.example/users/alice",
		"object": map[string]any{
			"type":    "Note",
			"content": "<p>hey @weatherbot</p>",
			"tag": []map[string]any{
				{"type": "Mention", "href": "https://bot.example/ap/actor/weatherbot"},
			},
		},
	})
	require.NoError(t, session.HandleActivity(ctx, mention))
	assert.Nil(t, replied)
	require.NotNil(t, mentioned)

	// an unrelated note triggers nothing
	replied, mentioned = nil, nil
	noise := rawActivity(t, map[string]any{
		"type":   "Create",
		"actor":  "https://a.example/users/alice",
		"object": map[string]any{"type": "Note", "content": "<p>shouting into the void</p>"},
	})
	require.NoError(t, session.HandleActivity(ctx, noise))
	assert.Nil(t, replied)
	assert.Nil(t, mentioned)
}

func TestHandlePollVote(t *testing.T) {
	ctx := context.Background()
	session, _, polls := setupTestSession(t, Hooks{})

	id, err := session.PublishPoll(ctx, "tea or coffee?", []string{"tea", "coffee"}, false, time.Now().Add(time.Hour))
	require.NoError(t, err)

	vote := rawActivity(t, map[string]any{
		"type":  "Create",
		"actor": "https://a.example/users/alice",
		"object": map[string]any{
			"type":      "Note",
			"name":      "tea",
			"inReplyTo": "https://bot.example/ap/note/" + id,
		},
	})
	require.NoError(t, session.HandleActivity(ctx, vote))

	votes, err := polls.CountVotes(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"tea": 1}, votes)

	// a vote for an option the poll never offered is consumed but not counted
	bogus := rawActivity(t, map[string]any{
		"type":  "Create",
		"actor": "https://b.example/users/bob",
		"object": map[string]any{
			"type":      "Note",
			"name":      "whisky",
			"inReplyTo": "https://bot.example/ap/note/" + id,
		},
	})
	require.NoError(t, session.HandleActivity(ctx, bogus))

	votes, err = polls.CountVotes(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"tea": 1}, votes)
}

func TestHandleActivityIgnoresUnknownTypes(t *testing.T) {
	ctx := context.Background()
	session, _, _ := setupTestSession(t, Hooks{})

	move := rawActivity(t, map[string]any{"type": "Move", "actor": "https://a.example/users/alice"})
	assert.NoError(t, session.HandleActivity(ctx, move))

	var liked bool
	session, _, _ = setupTestSession(t, Hooks{
		OnLike: func(ctx context.Context, activity *types.RawObject) { liked = true },
	})
	like := rawActivity(t, map[string]any{"type": "Like", "actor": "https://a.example/users/alice"})
	require.NoError(t, session.HandleActivity(ctx, like))
	assert.True(t, liked)
}
