package testutils

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
)

var (
	eventIDCounter = 0
	eventIDMu      sync.Mutex
)

func generateEventID() string {
	eventIDMu.Lock()
	defer eventIDMu.Unlock()
	eventIDCounter++
	return fmt.Sprintf("$event_%d", eventIDCounter)
}

type eventOpt func(map[string]interface{})

// WithTimestamp sets origin_server_ts.
func WithTimestamp(ts int64) eventOpt {
	return func(e map[string]interface{}) {
		e["origin_server_ts"] = ts
	}
}

// WithEventID overrides the generated event id.
func WithEventID(id string) eventOpt {
	return func(e map[string]interface{}) {
		e["event_id"] = id
	}
}

// WithUnsigned sets the unsigned block, e.g. to carry a transaction id.
func WithUnsigned(unsigned interface{}) eventOpt {
	return func(e map[string]interface{}) {
		e["unsigned"] = unsigned
	}
}

// WithRedacts sets the redacts field for m.room.redaction events.
func WithRedacts(eventID string) eventOpt {
	return func(e map[string]interface{}) {
		e["redacts"] = eventID
	}
}

func NewEvent(t *testing.T, evType, sender string, content interface{}, opts ...eventOpt) json.RawMessage {
	t.Helper()
	e := map[string]interface{}{
		"type":     evType,
		"sender":   sender,
		"content":  content,
		"event_id": generateEventID(),
	}
	for _, opt := range opts {
		opt(e)
	}
	j, err := json.Marshal(&e)
	if err != nil {
		t.Fatalf("failed to make event JSON: %s", err)
	}
	return j
}

func NewStateEvent(t *testing.T, evType, stateKey, sender string, content interface{}, opts ...eventOpt) json.RawMessage {
	t.Helper()
	e := map[string]interface{}{
		"type":      evType,
		"state_key": stateKey,
		"sender":    sender,
		"content":   content,
		"event_id":  generateEventID(),
	}
	for _, opt := range opts {
		opt(e)
	}
	j, err := json.Marshal(&e)
	if err != nil {
		t.Fatalf("failed to make event JSON: %s", err)
	}
	return j
}

// NewMessageEvent makes an m.room.message text event.
func NewMessageEvent(t *testing.T, sender, body string, opts ...eventOpt) json.RawMessage {
	t.Helper()
	return NewEvent(t, "m.room.message", sender, map[string]interface{}{
		"msgtype": "m.text",
		"body":    body,
	}, opts...)
}
