package types

import (
	"time"

	"github.com/lib/pq"
)

// Poll is a db model of a Question the bot published.
type Poll struct {
	MessageID      string         `json:"messageID" gorm:"primaryKey;type:text"`
	Options        pq.StringArray `json:"options" gorm:"type:text[]"`
	MultipleChoice bool           `json:"multipleChoice" gorm:"type:bool"`
	EndTime        time.Time      `json:"endTime"`
}

// PollVote is a db model of one vote on a poll option. The full tuple is the
// key: a voter picking the same option twice is one row, a voter picking a
// second option in a multiple-choice poll is another.
type PollVote struct {
	MessageID string `json:"messageID" gorm:"primaryKey;type:text"`
	Actor     string `json:"actor" gorm:"primaryKey;type:text"` // ActivityPub Person URL
	Option    string `json:"option" gorm:"primaryKey;type:text"`
}
