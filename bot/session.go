// Package bot glues inbound federation activities and outbound publishing to
// the repository. It owns no storage logic of its own; everything durable
// goes through store.Repository.
package bot

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/fedikit/botkit/apclient"
	"github.com/fedikit/botkit/pollstore"
	"github.com/fedikit/botkit/store"
	"github.com/fedikit/botkit/text"
	"github.com/fedikit/botkit/types"
)

var tracer = otel.Tracer("bot")

const activityStreams = "https://www.w3.org/ns/activitystreams"
const publicAudience = "https://www.w3.org/ns/activitystreams#Public"

// Hooks are optional callbacks fired on inbound activities. Nil members are
// skipped.
type Hooks struct {
	OnFollow   func(ctx context.Context, actor *types.RawObject)
	OnUnfollow func(ctx context.Context, actorID string)
	OnMention  func(ctx context.Context, note *types.RawObject)
	OnReply    func(ctx context.Context, note *types.RawObject)
	OnLike     func(ctx context.Context, activity *types.RawObject)
	OnAnnounce func(ctx context.Context, activity *types.RawObject)
}

// Session is one bot actor's view of the fediverse.
type Session struct {
	repo   store.Repository
	client *apclient.ApClient
	polls  *pollstore.Store
	config types.BotConfig
	hooks  Hooks
}

func NewSession(
	repo store.Repository,
	client *apclient.ApClient,
	polls *pollstore.Store,
	config types.BotConfig,
	hooks Hooks,
) *Session {
	return &Session{
		repo,
		client,
		polls,
		config,
		hooks,
	}
}

func (s *Session) noteURL(id string) string {
	return "https://" + s.config.FQDN + "/ap/note/" + id
}

// deliver fans an activity out to every follower inbox, preferring shared
// inboxes when advertised. Delivery is fire-and-forget; the caller's state is
// already persisted.
func (s *Session) deliver(ctx context.Context, activity types.Object) {
	destinations := make(map[string]bool)
	for follower, err := range s.repo.GetFollowers(ctx, store.FollowerQuery{}) {
		if err != nil {
			slog.Error("listing followers for delivery", "error", err)
			return
		}
		inbox, ok := follower.GetString("endpoints.sharedInbox")
		if !ok {
			inbox, ok = follower.GetString("inbox")
		}
		if !ok {
			continue
		}
		destinations[inbox] = true
	}

	for destination := range destinations {
		go func(destination string) {
			if err := s.client.PostToInbox(ctx, destination, activity); err != nil {
				log.Printf("deliver to %v: %v", destination, err)
			}
		}(destination)
	}
}

// ---------------------------------------------------------------------
// outbound

// Publish renders markdown into a Note, persists the wrapping Create and
// fans it out to followers. Returns the new message id.
func (s *Session) Publish(ctx context.Context, source string) (string, error) {
	ctx, span := tracer.Start(ctx, "Bot.Publish")
	defer span.End()

	id, err := store.NewMessageID()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	note := types.Object{
		Type:         "Note",
		ID:           s.noteURL(id),
		AttributedTo: s.config.ActorURL(),
		Content:      text.Render(source),
		Source: &types.Source{
			Content:   source,
			MediaType: "text/markdown",
		},
		Published: now,
		To:        []string{publicAudience},
	}
	create := types.Object{
		Context:   []string{activityStreams},
		Type:      "Create",
		ID:        s.noteURL(id) + "/activity",
		Actor:     s.config.ActorURL(),
		Object:    note,
		Published: now,
		To:        []string{publicAudience},
	}

	raw, err := json.Marshal(create)
	if err != nil {
		return "", errors.Wrap(err, "marshal create activity")
	}
	if err := s.repo.AddMessage(ctx, id, raw); err != nil {
		return "", err
	}

	s.deliver(ctx, create)
	return id, nil
}

// PublishPoll publishes a Question with the given options and records the
// poll so inbound votes can be tallied.
func (s *Session) PublishPoll(ctx context.Context, source string, options []string, multipleChoice bool, endTime time.Time) (string, error) {
	ctx, span := tracer.Start(ctx, "Bot.PublishPoll")
	defer span.End()

	if s.polls == nil {
		return "", errors.New("poll store not configured")
	}
	if len(options) < 2 {
		return "", errors.New("a poll needs at least two options")
	}

	id, err := store.NewMessageID()
	if err != nil {
		return "", err
	}

	questionOptions := make([]types.QuestionOption, 0, len(options))
	for _, option := range options {
		questionOptions = append(questionOptions, types.QuestionOption{
			Type:    "Note",
			Name:    option,
			Replies: &types.QuestionReplies{Type: "Collection"},
		})
	}

	now := time.Now().UTC().Format(time.RFC3339)
	question := types.Object{
		Type:         "Question",
		ID:           s.noteURL(id),
		AttributedTo: s.config.ActorURL(),
		Content:      text.Render(source),
		Published:    now,
		EndTime:      endTime.UTC().Format(time.RFC3339),
		To:           []string{publicAudience},
	}
	if multipleChoice {
		question.AnyOf = questionOptions
	} else {
		question.OneOf = questionOptions
	}

	create := types.Object{
		Context:   []string{activityStreams},
		Type:      "Create",
		ID:        s.noteURL(id) + "/activity",
		Actor:     s.config.ActorURL(),
		Object:    question,
		Published: now,
		To:        []string{publicAudience},
	}

	raw, err := json.Marshal(create)
	if err != nil {
		return "", errors.Wrap(err, "marshal create activity")
	}
	if err := s.repo.AddMessage(ctx, id, raw); err != nil {
		return "", err
	}
	if _, err := s.polls.CreatePoll(ctx, types.Poll{
		MessageID:      id,
		Options:        options,
		MultipleChoice: multipleChoice,
		EndTime:        endTime.UTC(),
	}); err != nil {
		return "", err
	}

	s.deliver(ctx, create)
	return id, nil
}

// Announce shares a remote object, persisting the Announce on the timeline.
func (s *Session) Announce(ctx context.Context, objectID string) (string, error) {
	ctx, span := tracer.Start(ctx, "Bot.Announce")
	defer span.End()

	id, err := store.NewMessageID()
	if err != nil {
		return "", err
	}

	announce := types.Object{
		Context:   []string{activityStreams},
		Type:      "Announce",
		ID:        s.noteURL(id) + "/activity",
		Actor:     s.config.ActorURL(),
		Object:    objectID,
		Published: time.Now().UTC().Format(time.RFC3339),
		To:        []string{publicAudience},
	}

	raw, err := json.Marshal(announce)
	if err != nil {
		return "", errors.Wrap(err, "marshal announce activity")
	}
	if err := s.repo.AddMessage(ctx, id, raw); err != nil {
		return "", err
	}

	s.deliver(ctx, announce)
	return id, nil
}

// Unpublish removes a message and federates the deletion as a Tombstone.
func (s *Session) Unpublish(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "Bot.Unpublish")
	defer span.End()

	removed, err := s.repo.RemoveMessage(ctx, id)
	if err != nil {
		return err
	}
	if removed == nil {
		return nil
	}

	deletion := types.Object{
		Context: activityStreams,
		Type:    "Delete",
		ID:      s.noteURL(id) + "/delete",
		Actor:   s.config.ActorURL(),
		Object: types.Object{
			Type: "Tombstone",
			ID:   s.noteURL(id),
		},
	}
	s.deliver(ctx, deletion)
	return nil
}

// Follow sends a Follow to a remote actor, given either an actor URL or
// @user@domain notation.
func (s *Session) Follow(ctx context.Context, target string) error {
	ctx, span := tracer.Start(ctx, "Bot.Follow")
	defer span.End()

	actorID := target
	if target == "" {
		return errors.New("empty follow target")
	}
	if target[0] == '@' {
		resolved, err := apclient.ResolveActor(ctx, target)
		if err != nil {
			return err
		}
		actorID = resolved
	}

	person, err := s.client.FetchActor(ctx, actorID)
	if err != nil {
		return err
	}
	inbox, ok := person.GetString("inbox")
	if !ok {
		return errors.New("target actor has no inbox")
	}

	id, err := store.NewMessageID()
	if err != nil {
		return err
	}
	follow := types.Object{
		Context: activityStreams,
		Type:    "Follow",
		ID:      s.config.ActorURL() + "/follows/" + id,
		Actor:   s.config.ActorURL(),
		Object:  actorID,
	}

	raw, err := json.Marshal(follow)
	if err != nil {
		return errors.Wrap(err, "marshal follow activity")
	}
	if err := s.repo.AddSentFollow(ctx, follow.ID, raw); err != nil {
		return err
	}

	return s.client.PostToInbox(ctx, inbox, follow)
}

// Unfollow undoes a confirmed follow.
func (s *Session) Unfollow(ctx context.Context, actorID string) error {
	ctx, span := tracer.Start(ctx, "Bot.Unfollow")
	defer span.End()

	followRaw, err := s.repo.RemoveFollowee(ctx, actorID)
	if err != nil {
		return err
	}
	if followRaw == nil {
		return nil
	}

	var follow types.Object
	if err := json.Unmarshal(followRaw, &follow); err != nil {
		return errors.Wrap(err, "stored follow is unreadable")
	}

	person, err := s.client.FetchActor(ctx, actorID)
	if err != nil {
		return err
	}
	inbox, ok := person.GetString("inbox")
	if !ok {
		return errors.New("target actor has no inbox")
	}

	undo := types.Object{
		Context: activityStreams,
		Type:    "Undo",
		ID:      follow.ID + "/undo",
		Actor:   s.config.ActorURL(),
		Object:  follow,
	}
	return s.client.PostToInbox(ctx, inbox, undo)
}

// ---------------------------------------------------------------------
// inbound

// HandleActivity dispatches one inbound activity from the actor's inbox.
// Unhandled types are logged and dropped, never an error.
func (s *Session) HandleActivity(ctx context.Context, activity *types.RawObject) error {
	ctx, span := tracer.Start(ctx, "Bot.HandleActivity")
	defer span.End()

	switch activity.MustGetString("type") {
	case "Follow":
		return s.handleFollow(ctx, activity)
	case "Undo":
		return s.handleUndo(ctx, activity)
	case "Accept":
		return s.handleAccept(ctx, activity)
	case "Reject":
		return s.handleReject(ctx, activity)
	case "Create":
		return s.handleCreate(ctx, activity)
	case "Like":
		if s.hooks.OnLike != nil {
			s.hooks.OnLike(ctx, activity)
		}
		return nil
	case "Announce":
		if s.hooks.OnAnnounce != nil {
			s.hooks.OnAnnounce(ctx, activity)
		}
		return nil
	default:
		b, _ := json.Marshal(activity.GetData())
		log.Println("Unhandled activity", string(b))
		return nil
	}
}

func (s *Session) handleFollow(ctx context.Context, activity *types.RawObject) error {
	followID, ok := activity.GetString("id")
	if !ok {
		return errors.New("follow activity has no id")
	}
	actorID, ok := activity.GetString("actor")
	if !ok {
		return errors.New("follow activity has no actor")
	}

	person, err := s.client.FetchActor(ctx, actorID)
	if err != nil {
		return errors.Wrap(err, "fetch follower")
	}
	inbox, ok := person.GetString("inbox")
	if !ok {
		return errors.New("follower has no inbox")
	}

	doc, err := json.Marshal(person.GetData())
	if err != nil {
		return errors.Wrap(err, "marshal follower document")
	}
	if err := s.repo.AddFollower(ctx, followID, doc); err != nil {
		return err
	}

	accept := types.Object{
		Context: activityStreams,
		Type:    "Accept",
		ID:      s.config.ActorURL() + "/accepts/" + followID,
		Actor:   s.config.ActorURL(),
		Object:  activity.GetData(),
	}
	if err := s.client.PostToInbox(ctx, inbox, accept); err != nil {
		return err
	}

	if s.hooks.OnFollow != nil {
		s.hooks.OnFollow(ctx, person)
	}
	return nil
}

func (s *Session) handleUndo(ctx context.Context, activity *types.RawObject) error {
	inner, ok := activity.GetRaw("object")
	if !ok {
		return errors.New("undo activity has no object")
	}

	switch inner.MustGetString("type") {
	case "Follow":
		followID, ok := inner.GetString("id")
		if !ok {
			return errors.New("undone follow has no id")
		}
		actorID, ok := activity.GetString("actor")
		if !ok {
			return errors.New("undo activity has no actor")
		}

		removed, err := s.repo.RemoveFollower(ctx, followID, actorID)
		if err != nil {
			return err
		}
		if removed == nil {
			log.Println("follow already undone or mismatched", followID, actorID)
			return nil
		}
		if s.hooks.OnUnfollow != nil {
			s.hooks.OnUnfollow(ctx, actorID)
		}
		return nil
	default:
		return nil
	}
}

func (s *Session) handleAccept(ctx context.Context, activity *types.RawObject) error {
	inner, ok := activity.GetRaw("object")
	if !ok || inner.MustGetString("type") != "Follow" {
		return nil
	}
	followID, ok := inner.GetString("id")
	if !ok {
		return errors.New("accepted follow has no id")
	}

	follow, err := s.repo.GetSentFollow(ctx, followID)
	if err != nil {
		return err
	}
	if follow == nil {
		log.Println("accept for unknown follow", followID)
		return nil
	}

	followeeID, ok := inner.GetString("object")
	if !ok {
		return errors.New("accepted follow has no object")
	}

	// promote the pending follow to a confirmed followee
	if err := s.repo.AddFollowee(ctx, followeeID, follow); err != nil {
		return err
	}
	_, err = s.repo.RemoveSentFollow(ctx, followID)
	return err
}

func (s *Session) handleReject(ctx context.Context, activity *types.RawObject) error {
	inner, ok := activity.GetRaw("object")
	if !ok || inner.MustGetString("type") != "Follow" {
		return nil
	}
	followID, ok := inner.GetString("id")
	if !ok {
		return errors.New("rejected follow has no id")
	}
	_, err := s.repo.RemoveSentFollow(ctx, followID)
	return err
}

func (s *Session) handleCreate(ctx context.Context, activity *types.RawObject) error {
	note, ok := activity.GetRaw("object")
	if !ok || note.MustGetString("type") != "Note" {
		return nil
	}

	if s.handlePollVote(ctx, activity, note) {
		return nil
	}

	inReplyTo := note.MustGetString("inReplyTo")
	notePrefix := "https://" + s.config.FQDN + "/ap/note/"
	if inReplyTo != "" && len(inReplyTo) > len(notePrefix) && inReplyTo[:len(notePrefix)] == notePrefix {
		if s.hooks.OnReply != nil {
			s.hooks.OnReply(ctx, note)
		}
		return nil
	}

	if tags, ok := note.GetData()["tag"].([]any); ok {
		for _, t := range tags {
			tag, ok := t.(map[string]any)
			if !ok {
				continue
			}
			if tag["type"] == "Mention" && tag["href"] == s.config.ActorURL() {
				if s.hooks.OnMention != nil {
					s.hooks.OnMention(ctx, note)
				}
				return nil
			}
		}
	}

	return nil
}

// handlePollVote recognizes the Mastodon vote convention: a bare Note whose
// name is one of the poll's options, in reply to the Question. Reports
// whether the note was consumed as a vote.
func (s *Session) handlePollVote(ctx context.Context, activity, note *types.RawObject) bool {
	if s.polls == nil {
		return false
	}

	optionName, ok := note.GetString("name")
	if !ok || note.MustGetString("content") != "" {
		return false
	}
	inReplyTo, ok := note.GetString("inReplyTo")
	if !ok {
		return false
	}
	notePrefix := "https://" + s.config.FQDN + "/ap/note/"
	if len(inReplyTo) <= len(notePrefix) || inReplyTo[:len(notePrefix)] != notePrefix {
		return false
	}
	messageID := inReplyTo[len(notePrefix):]

	voter, ok := activity.GetString("actor")
	if !ok {
		return false
	}

	if err := s.polls.Vote(ctx, messageID, voter, optionName); err != nil {
		log.Printf("vote on %v by %v: %v", messageID, voter, err)
	}
	return true
}
