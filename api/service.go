package api

import (
	"context"

	"github.com/fedikit/botkit/bot"
	"github.com/fedikit/botkit/pollstore"
	"github.com/fedikit/botkit/store"
	"github.com/fedikit/botkit/types"
)

type Service struct {
	repo    store.Repository
	session *bot.Session
	polls   *pollstore.Store
	config  types.BotConfig
}

func NewService(
	repo store.Repository,
	session *bot.Session,
	polls *pollstore.Store,
	config types.BotConfig,
) *Service {
	return &Service{
		repo,
		session,
		polls,
		config,
	}
}

// Stats is a snapshot of the bot's social graph and timeline size.
type Stats struct {
	Followers int `json:"followers"`
	Messages  int `json:"messages"`
}

func (s *Service) GetStats(ctx context.Context) (Stats, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.GetStats")
	defer span.End()

	followers, err := s.repo.CountFollowers(ctx)
	if err != nil {
		span.RecordError(err)
		return Stats{}, err
	}

	messages, err := s.repo.CountMessages(ctx)
	if err != nil {
		span.RecordError(err)
		return Stats{}, err
	}

	return Stats{
		Followers: followers,
		Messages:  messages,
	}, nil
}

func (s *Service) Publish(ctx context.Context, source string) (string, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.Publish")
	defer span.End()

	return s.session.Publish(ctx, source)
}

func (s *Service) Unpublish(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "Api.Service.Unpublish")
	defer span.End()

	return s.session.Unpublish(ctx, id)
}

func (s *Service) Follow(ctx context.Context, target string) error {
	ctx, span := tracer.Start(ctx, "Api.Service.Follow")
	defer span.End()

	return s.session.Follow(ctx, target)
}

func (s *Service) Unfollow(ctx context.Context, actorID string) error {
	ctx, span := tracer.Start(ctx, "Api.Service.Unfollow")
	defer span.End()

	return s.session.Unfollow(ctx, actorID)
}

// PollResults reports per-option tallies and the distinct voter count.
type PollResults struct {
	MessageID string           `json:"messageID"`
	Voters    int64            `json:"voters"`
	Votes     map[string]int64 `json:"votes"`
}

func (s *Service) GetPollResults(ctx context.Context, messageID string) (PollResults, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.GetPollResults")
	defer span.End()

	voters, err := s.polls.CountVoters(ctx, messageID)
	if err != nil {
		span.RecordError(err)
		return PollResults{}, err
	}

	votes, err := s.polls.CountVotes(ctx, messageID)
	if err != nil {
		span.RecordError(err)
		return PollResults{}, err
	}

	return PollResults{
		MessageID: messageID,
		Voters:    voters,
		Votes:     votes,
	}, nil
}
