// Package event defines the client-server wire representation of protocol
// events and the relation links between them.
package event

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Well-known event types.
const (
	TypeMessage        = "m.room.message"
	TypeReaction       = "m.reaction"
	TypeRedaction      = "m.room.redaction"
	TypeRoomName       = "m.room.name"
	TypeRoomTopic      = "m.room.topic"
	TypeRoomAvatar     = "m.room.avatar"
	TypeRoomCanonAlias = "m.room.canonical_alias"
	TypeRoomCreate     = "m.room.create"
	TypeRoomMember     = "m.room.member"
	TypeTag            = "m.tag"
	TypeTyping         = "m.typing"
	TypeReceipt        = "m.receipt"
	TypePresence       = "m.presence"
)

// Relation types.
const (
	RelReplace    = "m.replace"
	RelAnnotation = "m.annotation"
	RelReference  = "m.reference"
)

// Event is a single client-server event. ID is empty until the server has
// confirmed the event; a locally submitted event is identified by its
// transaction id until then.
type Event struct {
	ID             string          `json:"event_id,omitempty"`
	Type           string          `json:"type"`
	RoomID         string          `json:"room_id,omitempty"`
	Sender         string          `json:"sender,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	Redacts        string          `json:"redacts,omitempty"`
	Unsigned       Unsigned        `json:"unsigned,omitempty"`
}

type Unsigned struct {
	TransactionID string          `json:"transaction_id,omitempty"`
	RedactedBy    string          `json:"redacted_because,omitempty"`
	PrevContent   json.RawMessage `json:"prev_content,omitempty"`
}

// RelatesTo is the m.relates_to block inside event content.
type RelatesTo struct {
	RelType   string     `json:"rel_type,omitempty"`
	EventID   string     `json:"event_id,omitempty"`
	Key       string     `json:"key,omitempty"`
	InReplyTo *InReplyTo `json:"m.in_reply_to,omitempty"`
}

type InReplyTo struct {
	EventID string `json:"event_id"`
}

// Parse decodes a raw event. A failure to decode returns a zero Event and
// false; callers skip such events rather than aborting the batch they
// arrived in.
func Parse(raw json.RawMessage) (Event, bool) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, false
	}
	if ev.Type == "" {
		return Event{}, false
	}
	return ev, true
}

// IsState reports whether the event is a state event. The zero-length state
// key is a valid state key, hence the pointer.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// TxnID returns the transaction id correlating this event with a local
// submission, either from the unsigned block of a server echo or from the
// top-level field of a pending local event.
func (e *Event) TxnID() string {
	return e.Unsigned.TransactionID
}

// Relation returns the m.relates_to block of the content, if any.
func (e *Event) Relation() *RelatesTo {
	rel := gjson.GetBytes(e.Content, `m\.relates_to`)
	if !rel.Exists() {
		return nil
	}
	var rt RelatesTo
	if err := json.Unmarshal([]byte(rel.Raw), &rt); err != nil {
		return nil
	}
	if rt.RelType == "" && rt.InReplyTo == nil {
		return nil
	}
	return &rt
}

// Body returns the content "body" field, or "" if absent.
func (e *Event) Body() string {
	return gjson.GetBytes(e.Content, "body").Str
}

// Redact blanks the event content in place, leaving a tombstone entry in
// whatever timeline holds it.
func (e *Event) Redact(redactionID string) {
	e.Content = json.RawMessage(`{}`)
	e.Unsigned.RedactedBy = redactionID
}
