package event

import (
	"encoding/json"
	"testing"
)

func TestParse(t *testing.T) {
	raw := json.RawMessage(`{
		"event_id": "$abc",
		"type": "m.room.message",
		"sender": "@alice:example.org",
		"origin_server_ts": 1700000000000,
		"content": {"msgtype": "m.text", "body": "hello"},
		"unsigned": {"transaction_id": "fedtxn1"}
	}`)
	ev, ok := Parse(raw)
	if !ok {
		t.Fatalf("Parse failed")
	}
	if ev.ID != "$abc" || ev.Type != TypeMessage || ev.Sender != "@alice:example.org" {
		t.Errorf("got %+v", ev)
	}
	if ev.Body() != "hello" {
		t.Errorf("Body: got %q", ev.Body())
	}
	if ev.TxnID() != "fedtxn1" {
		t.Errorf("TxnID: got %q", ev.TxnID())
	}
	if ev.IsState() {
		t.Errorf("message event reported as state")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"content": {"body": "no type"}}`,
		`[]`,
	} {
		if _, ok := Parse(json.RawMessage(raw)); ok {
			t.Errorf("Parse(%q) succeeded", raw)
		}
	}
}

func TestIsStateEmptyStateKey(t *testing.T) {
	// the zero-length state key is a valid state key
	ev, ok := Parse(json.RawMessage(`{"type":"m.room.name","state_key":"","content":{"name":"Ops"}}`))
	if !ok {
		t.Fatalf("Parse failed")
	}
	if !ev.IsState() {
		t.Errorf("event with empty state key not recognised as state")
	}
}

func TestRelation(t *testing.T) {
	ev, _ := Parse(json.RawMessage(`{
		"type": "m.reaction",
		"content": {"m.relates_to": {"rel_type": "m.annotation", "event_id": "$target", "key": "👍"}}
	}`))
	rel := ev.Relation()
	if rel == nil {
		t.Fatalf("Relation returned nil")
	}
	if rel.RelType != RelAnnotation || rel.EventID != "$target" || rel.Key != "👍" {
		t.Errorf("got %+v", rel)
	}
}

func TestRelationReply(t *testing.T) {
	ev, _ := Parse(json.RawMessage(`{
		"type": "m.room.message",
		"content": {"body": "yes", "m.relates_to": {"m.in_reply_to": {"event_id": "$parent"}}}
	}`))
	rel := ev.Relation()
	if rel == nil || rel.InReplyTo == nil {
		t.Fatalf("reply relation not decoded: %+v", rel)
	}
	if rel.InReplyTo.EventID != "$parent" {
		t.Errorf("got %q want $parent", rel.InReplyTo.EventID)
	}
}

func TestRelationAbsent(t *testing.T) {
	ev, _ := Parse(json.RawMessage(`{"type":"m.room.message","content":{"body":"plain"}}`))
	if rel := ev.Relation(); rel != nil {
		t.Errorf("got %+v want nil", rel)
	}
	// an empty m.relates_to block is not a relation
	ev, _ = Parse(json.RawMessage(`{"type":"m.room.message","content":{"m.relates_to":{}}}`))
	if rel := ev.Relation(); rel != nil {
		t.Errorf("empty block: got %+v want nil", rel)
	}
}

func TestRedact(t *testing.T) {
	ev, _ := Parse(json.RawMessage(`{"event_id":"$abc","type":"m.room.message","content":{"body":"secret"}}`))
	ev.Redact("$redaction")
	if ev.Body() != "" {
		t.Errorf("body survived redaction: %q", ev.Body())
	}
	if string(ev.Content) != "{}" {
		t.Errorf("content: got %s", ev.Content)
	}
	if ev.Unsigned.RedactedBy != "$redaction" {
		t.Errorf("RedactedBy: got %q", ev.Unsigned.RedactedBy)
	}
	// identity survives as a tombstone
	if ev.ID != "$abc" || ev.Type != TypeMessage {
		t.Errorf("tombstone lost identity: %+v", ev)
	}
}
