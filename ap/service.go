// Package ap serves the bot's ActivityPub surface: WebFinger, NodeInfo, the
// actor document, its inbox and its outbox.
package ap

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/fedikit/botkit/bot"
	"github.com/fedikit/botkit/store"
	"github.com/fedikit/botkit/types"
)

type Service struct {
	repo    store.Repository
	session *bot.Session
	info    types.NodeInfo
	config  types.BotConfig
}

func NewService(
	repo store.Repository,
	session *bot.Session,
	info types.NodeInfo,
	config types.BotConfig,
) *Service {
	return &Service{
		repo,
		session,
		info,
		config,
	}
}

func (s *Service) WebFinger(ctx context.Context, resource string) (types.WebFinger, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.WebFinger")
	defer span.End()

	split := strings.Split(resource, ":")
	if len(split) != 2 {
		return types.WebFinger{}, errors.New("invalid resource")
	}
	rt, id := split[0], split[1]
	if rt != "acct" {
		return types.WebFinger{}, errors.New("invalid resource type")
	}

	split = strings.Split(id, "@")
	if len(split) != 2 {
		return types.WebFinger{}, errors.New("invalid resource")
	}
	username, domain := split[0], split[1]
	if domain != s.config.FQDN || username != s.config.Username {
		return types.WebFinger{}, errors.New("actor not found")
	}

	return types.WebFinger{
		Subject: resource,
		Links: []types.WebFingerLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: s.config.ActorURL(),
			},
		},
	}, nil
}

func (s *Service) NodeInfo(ctx context.Context) (types.NodeInfo, error) {
	_, span := tracer.Start(ctx, "Ap.Service.NodeInfo")
	defer span.End()
	return s.info, nil
}

func (s *Service) NodeInfoWellKnown(ctx context.Context) (types.WellKnown, error) {
	_, span := tracer.Start(ctx, "Ap.Service.NodeInfoWellKnown")
	defer span.End()
	return types.WellKnown{
		Links: []types.WellKnownLink{
			{
				Rel:  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				Href: "https://" + s.config.FQDN + "/ap/nodeinfo/2.0",
			},
		},
	}, nil
}

// -

// Actor builds the bot's actor document, generating key pairs on first
// dispatch if needed.
func (s *Service) Actor(ctx context.Context, username string) (types.Object, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.Actor")
	defer span.End()

	if username != s.config.Username {
		return types.Object{}, errors.New("actor not found")
	}

	pairs, err := s.session.EnsureKeyPairs(ctx)
	if err != nil {
		span.RecordError(err)
		return types.Object{}, err
	}
	publicPem, err := bot.PublicKeyPEM(pairs)
	if err != nil {
		span.RecordError(err)
		return types.Object{}, err
	}

	actorURL := s.config.ActorURL()
	return types.Object{
		Context: []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		Type:   "Service",
		ID:     actorURL,
		Inbox:  actorURL + "/inbox",
		Outbox: actorURL + "/outbox",
		Endpoints: &types.ActorEndpoints{
			SharedInbox: "https://" + s.config.FQDN + "/ap/inbox",
		},
		PreferredUsername: s.config.Username,
		Name:              s.config.Name,
		Summary:           s.config.Summary,
		URL:               actorURL,
		Icon: types.Icon{
			Type:      "Image",
			MediaType: "image/png",
			URL:       s.config.IconURL,
		},
		PublicKey: &types.Key{
			ID:           actorURL + "#main-key",
			Type:         "Key",
			Owner:        actorURL,
			PublicKeyPem: publicPem,
		},
	}, nil
}

// Note returns one published activity's object by message id.
func (s *Service) Note(ctx context.Context, id string) (types.Object, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.Note")
	defer span.End()

	msg, err := s.repo.GetMessage(ctx, id)
	if err != nil {
		span.RecordError(err)
		return types.Object{}, err
	}
	if msg == nil {
		return types.Object{}, errors.New("note not found")
	}
	return msg.Activity, nil
}

// Outbox lists the bot's published activities newest first.
func (s *Service) Outbox(ctx context.Context, username string) (types.OrderedCollection, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.Outbox")
	defer span.End()

	if username != s.config.Username {
		return types.OrderedCollection{}, errors.New("actor not found")
	}

	total, err := s.repo.CountMessages(ctx)
	if err != nil {
		span.RecordError(err)
		return types.OrderedCollection{}, err
	}

	items := []any{}
	for msg, err := range s.repo.GetMessages(ctx, store.MessageQuery{Limit: 20}) {
		if err != nil {
			span.RecordError(err)
			return types.OrderedCollection{}, err
		}
		items = append(items, msg.Activity)
	}

	return types.OrderedCollection{
		Context:      "https://www.w3.org/ns/activitystreams",
		Type:         "OrderedCollection",
		ID:           s.config.ActorURL() + "/outbox",
		TotalItems:   total,
		OrderedItems: items,
	}, nil
}

// Inbox dispatches one inbound activity to the bot session.
func (s *Service) Inbox(ctx context.Context, activity *types.RawObject) error {
	ctx, span := tracer.Start(ctx, "Ap.Service.Inbox")
	defer span.End()

	err := s.session.HandleActivity(ctx, activity)
	if err != nil {
		span.RecordError(err)
	}
	return err
}
