package types

// WellKnown is a struct for a well-known response.
type WellKnown struct {
	Links []WellKnownLink `json:"links"`
}

// WellKnownLink is a struct for the links field of a well-known response.
type WellKnownLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// WebFinger is a struct for a WebFinger response.
type WebFinger struct {
	Subject string          `json:"subject"`
	Links   []WebFingerLink `json:"links"`
}

// WebFingerLink is a struct for the links field of a WebFinger response.
type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

// ---------------------------------------------------------------------

// NodeInfo is a struct for a NodeInfo response.
type NodeInfo struct {
	Version           string           `json:"version,omitempty" yaml:"version"`
	Software          NodeInfoSoftware `json:"software,omitempty" yaml:"software"`
	Protocols         []string         `json:"protocols,omitempty" yaml:"protocols"`
	OpenRegistrations bool             `json:"openRegistrations,omitempty" yaml:"openRegistrations"`
	Metadata          NodeInfoMetadata `json:"metadata,omitempty" yaml:"metadata"`
}

// NodeInfoSoftware is a struct for the software field of a NodeInfo response.
type NodeInfoSoftware struct {
	Name    string `json:"name,omitempty" yaml:"name"`
	Version string `json:"version,omitempty" yaml:"version"`
}

// NodeInfoMetadata is a struct for the metadata field of a NodeInfo response.
type NodeInfoMetadata struct {
	NodeName        string                     `json:"nodeName,omitempty" yaml:"nodeName"`
	NodeDescription string                     `json:"nodeDescription,omitempty" yaml:"nodeDescription"`
	Maintainer      NodeInfoMetadataMaintainer `json:"maintainer,omitempty" yaml:"maintainer"`
	ThemeColor      string                     `json:"themeColor,omitempty" yaml:"themeColor"`
}

// NodeInfoMetadataMaintainer is a struct for the maintainer field of a NodeInfo response.
type NodeInfoMetadataMaintainer struct {
	Name  string `json:"name,omitempty" yaml:"name"`
	Email string `json:"email,omitempty" yaml:"email"`
}

// ---------------------------------------------------------------------

// Object is a loosely typed ActivityPub object. It covers the fields the
// framework touches for actors, activities and notes; everything else rides
// along in the raw document.
type Object struct {
	Context           any              `json:"@context,omitempty"`
	Actor             string           `json:"actor,omitempty"`
	Type              string           `json:"type,omitempty"`
	ID                string           `json:"id,omitempty"`
	To                any              `json:"to,omitempty"`
	CC                any              `json:"cc,omitempty"`
	Tag               []Tag            `json:"tag,omitempty"`
	Attachment        []Attachment     `json:"attachment,omitempty"`
	InReplyTo         string           `json:"inReplyTo,omitempty"`
	Content           string           `json:"content,omitempty"`
	Source            *Source          `json:"source,omitempty"`
	Published         string           `json:"published,omitempty"`
	AttributedTo      string           `json:"attributedTo,omitempty"`
	Inbox             string           `json:"inbox,omitempty"`
	Outbox            string           `json:"outbox,omitempty"`
	SharedInbox       string           `json:"sharedInbox,omitempty"`
	Endpoints         *ActorEndpoints  `json:"endpoints,omitempty"`
	Followers         string           `json:"followers,omitempty"`
	Following         string           `json:"following,omitempty"`
	PreferredUsername string           `json:"preferredUsername,omitempty"`
	Name              string           `json:"name,omitempty"`
	Summary           string           `json:"summary,omitempty"`
	URL               string           `json:"url,omitempty"`
	Icon              Icon             `json:"icon,omitempty"`
	PublicKey         *Key             `json:"publicKey,omitempty"`
	Object            any              `json:"object,omitempty"`
	OneOf             []QuestionOption `json:"oneOf,omitempty"`
	AnyOf             []QuestionOption `json:"anyOf,omitempty"`
	EndTime           string           `json:"endTime,omitempty"`
	Sensitive         bool             `json:"sensitive,omitempty"`
}

// ActorEndpoints is a struct for the endpoints field of an actor.
type ActorEndpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// Key is a struct for the publicKey field of an actor.
type Key struct {
	ID           string `json:"id,omitempty"`
	Type         string `json:"type,omitempty"`
	Owner        string `json:"owner,omitempty"`
	PublicKeyPem string `json:"publicKeyPem,omitempty"`
}

// Icon is a struct for the icon field of an actor.
type Icon struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Attachment is a struct for an ActivityPub attachment.
type Attachment struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url,omitempty"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

// Tag is a struct for an ActivityPub tag.
type Tag struct {
	Type string `json:"type,omitempty"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Icon Icon   `json:"icon,omitempty"`
	Href string `json:"href,omitempty"`
}

// Source is a struct for the source field of a note.
type Source struct {
	Content   string `json:"content,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

// QuestionOption is a struct for one option of a Question.
type QuestionOption struct {
	Type    string           `json:"type,omitempty"`
	Name    string           `json:"name,omitempty"`
	Replies *QuestionReplies `json:"replies,omitempty"`
}

// QuestionReplies carries the vote total of one Question option.
type QuestionReplies struct {
	Type       string `json:"type,omitempty"`
	TotalItems int    `json:"totalItems,omitempty"`
}

// OrderedCollection is a struct for an ActivityPub ordered collection.
type OrderedCollection struct {
	Context      any    `json:"@context,omitempty"`
	Type         string `json:"type"`
	ID           string `json:"id,omitempty"`
	TotalItems   int    `json:"totalItems"`
	OrderedItems []any  `json:"orderedItems"`
}

// ---------------------------------------------------------------------

// BotConfig is the static identity of the bot actor.
type BotConfig struct {
	FQDN     string `yaml:"fqdn"`
	Username string `yaml:"username"`
	Name     string `yaml:"name"`
	Summary  string `yaml:"summary"`
	IconURL  string `yaml:"iconURL"`
}

// ActorURL returns the canonical actor URL of the bot.
func (c BotConfig) ActorURL() string {
	return "https://" + c.FQDN + "/ap/actor/" + c.Username
}
