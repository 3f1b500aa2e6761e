// Package pollstore keeps poll votes in a relational store. Votes need
// grouped counts and distinct-voter views that the key-value substrate of the
// main repository cannot answer, so this collection lives in SQL.
package pollstore

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fedikit/botkit/types"
)

var tracer = otel.Tracer("pollstore")

// Store is a repository for polls and their votes.
type Store struct {
	db *gorm.DB
}

// NewStore returns a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the poll tables.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&types.Poll{},
		&types.PollVote{},
	)
}

// CreatePoll creates a poll.
func (s *Store) CreatePoll(ctx context.Context, poll types.Poll) (types.Poll, error) {
	ctx, span := tracer.Start(ctx, "StoreCreatePoll")
	defer span.End()

	result := s.db.WithContext(ctx).Create(&poll)
	return poll, result.Error
}

// GetPoll returns a poll by message ID.
func (s *Store) GetPoll(ctx context.Context, messageID string) (types.Poll, error) {
	ctx, span := tracer.Start(ctx, "StoreGetPoll")
	defer span.End()

	var poll types.Poll
	result := s.db.WithContext(ctx).Where("message_id = ?", messageID).First(&poll)
	return poll, result.Error
}

// Vote records one vote. The full (message, actor, option) tuple is the key,
// so a voter repeating the same option is a no-op while a second option on a
// multiple-choice poll is a new row.
func (s *Store) Vote(ctx context.Context, messageID, actor, option string) error {
	ctx, span := tracer.Start(ctx, "StoreVote")
	defer span.End()

	poll, err := s.GetPoll(ctx, messageID)
	if err != nil {
		return errors.Wrap(err, "poll not found")
	}

	valid := false
	for _, o := range poll.Options {
		if o == option {
			valid = true
			break
		}
	}
	if !valid {
		return errors.Errorf("option %q is not part of poll %s", option, messageID)
	}

	vote := types.PollVote{
		MessageID: messageID,
		Actor:     actor,
		Option:    option,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&vote).Error
}

// CountVoters returns the number of distinct actors that voted on a poll.
func (s *Store) CountVoters(ctx context.Context, messageID string) (int64, error) {
	ctx, span := tracer.Start(ctx, "StoreCountVoters")
	defer span.End()

	var count int64
	err := s.db.WithContext(ctx).
		Model(&types.PollVote{}).
		Where("message_id = ?", messageID).
		Distinct("actor").
		Count(&count).Error
	return count, err
}

type optionCount struct {
	Option string
	Count  int64
}

// CountVotes returns per-option vote totals for a poll.
func (s *Store) CountVotes(ctx context.Context, messageID string) (map[string]int64, error) {
	ctx, span := tracer.Start(ctx, "StoreCountVotes")
	defer span.End()

	var rows []optionCount
	err := s.db.WithContext(ctx).
		Model(&types.PollVote{}).
		Select(`option, count(*) as count`).
		Where("message_id = ?", messageID).
		Group("option").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Option] = row.Count
	}
	return counts, nil
}

// RemovePoll deletes a poll and its votes, returning the removed poll.
func (s *Store) RemovePoll(ctx context.Context, messageID string) (types.Poll, error) {
	ctx, span := tracer.Start(ctx, "StoreRemovePoll")
	defer span.End()

	var poll types.Poll
	if err := s.db.WithContext(ctx).First(&poll, "message_id = ?", messageID).Error; err != nil {
		return types.Poll{}, err
	}
	if err := s.db.WithContext(ctx).Where("message_id = ?", messageID).Delete(&types.PollVote{}).Error; err != nil {
		return types.Poll{}, err
	}
	if err := s.db.WithContext(ctx).Where("message_id = ?", messageID).Delete(&types.Poll{}).Error; err != nil {
		return types.Poll{}, err
	}
	return poll, nil
}
