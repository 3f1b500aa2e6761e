package types

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// MessageClass narrows the activity types a bot timeline can hold.
type MessageClass int

const (
	MessageCreate MessageClass = iota
	MessageAnnounce
)

func (c MessageClass) String() string {
	switch c {
	case MessageCreate:
		return "Create"
	case MessageAnnounce:
		return "Announce"
	}
	return "Unknown"
}

// ErrNotMessage marks a document that cannot be read back as a timeline
// message: either it is not valid JSON, or it deserializes to something other
// than a Create or an Announce. Read paths treat this class as "record
// absent" rather than failing the whole listing.
var ErrNotMessage = errors.New("document is not a Create or Announce activity")

// Message is a decoded timeline record: the activity the bot published plus
// the fields the repository filters on.
type Message struct {
	Class     MessageClass
	Activity  Object
	Raw       json.RawMessage
	Published *time.Time
}

// DecodeMessage deserializes a stored activity document into a Message.
// Returns an error wrapping ErrNotMessage if the document is unusable as a
// timeline entry.
func DecodeMessage(raw []byte) (*Message, error) {
	var activity Object
	if err := json.Unmarshal(raw, &activity); err != nil {
		return nil, errors.Wrap(ErrNotMessage, err.Error())
	}

	var class MessageClass
	switch activity.Type {
	case "Create":
		class = MessageCreate
	case "Announce":
		class = MessageAnnounce
	default:
		return nil, errors.Wrapf(ErrNotMessage, "unexpected activity type %q", activity.Type)
	}

	msg := &Message{
		Class:    class,
		Activity: activity,
		Raw:      append(json.RawMessage(nil), raw...),
	}

	if ts, ok := publishedOf(activity); ok {
		msg.Published = &ts
	}

	return msg, nil
}

// publishedOf extracts the publication time of an activity, preferring the
// wrapped object's timestamp over the activity's own.
func publishedOf(activity Object) (time.Time, bool) {
	candidates := []string{}
	if inner, ok := activity.Object.(map[string]any); ok {
		if p, ok := inner["published"].(string); ok {
			candidates = append(candidates, p)
		}
	}
	if activity.Published != "" {
		candidates = append(candidates, activity.Published)
	}

	for _, c := range candidates {
		if ts, err := time.Parse(time.RFC3339Nano, c); err == nil {
			return ts, true
		}
		if ts, err := time.Parse(time.RFC3339, c); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// ---------------------------------------------------------------------

// KeyPair is one signing key pair of the bot actor, both halves as JSON Web
// Keys.
type KeyPair struct {
	Private json.RawMessage `json:"privateKey"`
	Public  json.RawMessage `json:"publicKey"`
}
