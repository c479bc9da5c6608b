package pubsub

import (
	"github.com/fedsync/fedclient/event"
)

// EventPayload is a decoded room event from the sync stream, published in
// decode order.
type EventPayload struct {
	Event event.Event
}

func (*EventPayload) Type() string { return "EventPayload" }

// StatePayload is a connection-state transition, published in occurrence
// order. Err is set on transitions into the failed state.
type StatePayload struct {
	From string
	To   string
	Err  error
}

func (*StatePayload) Type() string { return "StatePayload" }

// TypingPayload carries the full set of users currently typing in a room.
// Emitted on every change; consumers debounce.
type TypingPayload struct {
	RoomID  string
	UserIDs []string
}

func (*TypingPayload) Type() string { return "TypingPayload" }

// ReceiptPayload carries read receipts decoded from one ephemeral receipt
// event. Emitted on every change; consumers debounce.
type ReceiptPayload struct {
	RoomID   string
	Receipts []event.Receipt
}

func (*ReceiptPayload) Type() string { return "ReceiptPayload" }

// PresencePayload is one presence update for one user.
type PresencePayload struct {
	UserID    string
	Presence  string
	StatusMsg string
}

func (*PresencePayload) Type() string { return "PresencePayload" }

// ToDevicePayload is one device-to-device message addressed to this session.
type ToDevicePayload struct {
	Event event.Event
}

func (*ToDevicePayload) Type() string { return "ToDevicePayload" }

// AccountDataPayload is an account data update. RoomID is empty for global
// account data.
type AccountDataPayload struct {
	RoomID string
	Event  event.Event
}

func (*AccountDataPayload) Type() string { return "AccountDataPayload" }

// RoomPayload signals that a room's cached summary changed (name, topic,
// membership, unread counts, flags).
type RoomPayload struct {
	RoomID string
}

func (*RoomPayload) Type() string { return "RoomPayload" }
