package capabilities

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/fedsync/fedclient/client"
	"github.com/fedsync/fedclient/event"
	"github.com/fedsync/fedclient/rooms"
	"github.com/fedsync/fedclient/storage"
	"github.com/fedsync/fedclient/testutils"
)

const (
	testRoomID = "!room:example.org"
	testAlice  = "@alice:example.org"
)

func newTestSession(t *testing.T, handler http.Handler) *client.Session {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	hc, err := client.NewHTTPClient(client.Config{
		HomeserverURL: srv.URL,
		AccessToken:   "syt_test_token",
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewHTTPClient: %s", err)
	}
	s := client.NewSession(hc, client.NewStateMachine(nil), storage.NewMemoryStore(), zerolog.Nop())
	t.Cleanup(s.Dispose)
	return s
}

func newTestRooms(t *testing.T) *rooms.Manager {
	t.Helper()
	return rooms.NewManager(0, nil, nil, zerolog.Nop())
}

func TestEditBuildsReplaceRelation(t *testing.T) {
	var gotBody []byte
	s := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = json.Marshal(decodeJSON(t, r))
		w.Write([]byte(`{"event_id":"$edit"}`))
	}))
	m := NewRelationsManager(s, nil, zerolog.Nop())
	eventID, err := m.Edit(context.Background(), testRoomID, "$orig", "fixed text")
	if err != nil {
		t.Fatalf("Edit: %s", err)
	}
	if eventID != "$edit" {
		t.Errorf("eventID: got %q", eventID)
	}
	parsed := gjson.ParseBytes(gotBody)
	if got := parsed.Get("body").Str; got != "* fixed text" {
		t.Errorf("fallback body: got %q", got)
	}
	if got := parsed.Get(`m\.new_content.body`).Str; got != "fixed text" {
		t.Errorf("new content body: got %q", got)
	}
	if got := parsed.Get(`m\.relates_to.rel_type`).Str; got != "m.replace" {
		t.Errorf("rel_type: got %q", got)
	}
	if got := parsed.Get(`m\.relates_to.event_id`).Str; got != "$orig" {
		t.Errorf("relates_to event id: got %q", got)
	}
}

func TestReactBuildsAnnotation(t *testing.T) {
	var gotBody []byte
	var gotPath string
	s := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = json.Marshal(decodeJSON(t, r))
		gotPath = r.URL.Path
		w.Write([]byte(`{"event_id":"$reaction"}`))
	}))
	m := NewRelationsManager(s, nil, zerolog.Nop())
	if _, err := m.React(context.Background(), testRoomID, "$orig", "👍"); err != nil {
		t.Fatalf("React: %s", err)
	}
	if !strings.Contains(gotPath, "/send/m.reaction/") {
		t.Errorf("path: got %q", gotPath)
	}
	parsed := gjson.ParseBytes(gotBody)
	if got := parsed.Get(`m\.relates_to.rel_type`).Str; got != "m.annotation" {
		t.Errorf("rel_type: got %q", got)
	}
	if got := parsed.Get(`m\.relates_to.key`).Str; got != "👍" {
		t.Errorf("key: got %q", got)
	}
	if _, err := m.React(context.Background(), testRoomID, "$orig", ""); err == nil {
		t.Errorf("empty key accepted")
	}
}

func TestRedactFallsBackToTargetID(t *testing.T) {
	response := `{"event_id":"$redaction"}`
	s := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/redact/$target/") {
			t.Errorf("path: got %q", r.URL.Path)
		}
		w.Write([]byte(response))
	}))
	m := NewRelationsManager(s, nil, zerolog.Nop())
	got, err := m.Redact(context.Background(), testRoomID, "$target", "spam")
	if err != nil {
		t.Fatalf("Redact: %s", err)
	}
	if got != "$redaction" {
		t.Errorf("got %q want $redaction", got)
	}

	// a response with no event id falls back to the target's id
	response = `{}`
	got, err = m.Redact(context.Background(), testRoomID, "$target", "")
	if err != nil {
		t.Fatalf("Redact: %s", err)
	}
	if got != "$target" {
		t.Errorf("fallback: got %q want $target", got)
	}
}

func TestReplyQuotesCachedOriginal(t *testing.T) {
	var gotBody []byte
	s := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = json.Marshal(decodeJSON(t, r))
		w.Write([]byte(`{"event_id":"$reply"}`))
	}))
	roomMgr := newTestRooms(t)
	roomMgr.ApplyJoined(rooms.JoinedDelta{
		RoomID: testRoomID,
		TimelineEvents: []json.RawMessage{
			testutils.NewMessageEvent(t, testAlice, "first line\nsecond line", testutils.WithEventID("$orig")),
		},
	})
	m := NewRelationsManager(s, roomMgr, zerolog.Nop())
	if _, err := m.Reply(context.Background(), testRoomID, "$orig", "agreed"); err != nil {
		t.Fatalf("Reply: %s", err)
	}
	parsed := gjson.ParseBytes(gotBody)
	wantBody := "> <" + testAlice + "> first line\n> second line\nagreed"
	if got := parsed.Get("body").Str; got != wantBody {
		t.Errorf("body:\ngot  %q\nwant %q", got, wantBody)
	}
	if got := parsed.Get(`m\.relates_to.m\.in_reply_to.event_id`).Str; got != "$orig" {
		t.Errorf("in_reply_to: got %q", got)
	}
	if got := parsed.Get("formatted_body").Str; !strings.Contains(got, "<mx-reply>") {
		t.Errorf("formatted_body: got %q", got)
	}
}

func TestReplyWithoutCachedOriginal(t *testing.T) {
	var gotBody []byte
	s := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = json.Marshal(decodeJSON(t, r))
		w.Write([]byte(`{"event_id":"$reply"}`))
	}))
	m := NewRelationsManager(s, newTestRooms(t), zerolog.Nop())
	if _, err := m.Reply(context.Background(), testRoomID, "$unknown", "agreed"); err != nil {
		t.Fatalf("Reply: %s", err)
	}
	parsed := gjson.ParseBytes(gotBody)
	if got := parsed.Get("body").Str; got != "agreed" {
		t.Errorf("body: got %q want plain text", got)
	}
	if parsed.Get("formatted_body").Exists() {
		t.Errorf("formatted_body present with no cached original")
	}
}

func TestRelationsQueryAndPaging(t *testing.T) {
	calls := 0
	s := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		q := r.URL.Query()
		if q.Get("rel_type") != "m.annotation" {
			t.Errorf("rel_type param: got %q", q.Get("rel_type"))
		}
		if q.Get("limit") != "100" {
			t.Errorf("limit param: got %q", q.Get("limit"))
		}
		switch q.Get("from") {
		case "":
			w.Write([]byte(`{
				"chunk": [
					{"type":"m.reaction","event_id":"$r1","content":{"m.relates_to":{"rel_type":"m.annotation","event_id":"$orig","key":"👍"}}},
					{"bad json": "no type"}
				],
				"next_batch": "page2"
			}`))
		case "page2":
			w.Write([]byte(`{
				"chunk": [
					{"type":"m.reaction","event_id":"$r2","content":{"m.relates_to":{"rel_type":"m.annotation","event_id":"$orig","key":"👍"}}}
				]
			}`))
		default:
			t.Errorf("unexpected from %q", q.Get("from"))
		}
	}))
	m := NewRelationsManager(s, nil, zerolog.Nop())
	aggs, err := m.Reactions(context.Background(), testRoomID, "$orig")
	if err != nil {
		t.Fatalf("Reactions: %s", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 pages, got %d requests", calls)
	}
	if len(aggs) != 1 || aggs[0].Key != "👍" || aggs[0].Count != 2 {
		t.Fatalf("aggregations: %+v", aggs)
	}
	if aggs[0].EventIDs[0] != "$r1" || aggs[0].EventIDs[1] != "$r2" {
		t.Errorf("event ids: %v", aggs[0].EventIDs)
	}
}

func TestAggregateReactionsOrderIndependent(t *testing.T) {
	mkReaction := func(id, key string) event.Event {
		content, _ := json.Marshal(map[string]interface{}{
			"m.relates_to": map[string]string{"rel_type": "m.annotation", "event_id": "$orig", "key": key},
		})
		return event.Event{ID: id, Type: event.TypeReaction, Content: content}
	}
	forward := []event.Event{mkReaction("$a", "👍"), mkReaction("$b", "👍"), mkReaction("$c", "🎉")}
	backward := []event.Event{forward[2], forward[1], forward[0]}

	a := AggregateReactions(forward)
	b := AggregateReactions(backward)
	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("got %d and %d aggregations", len(a), len(b))
	}
	for i := range a {
		if a[i].Key != b[i].Key || a[i].Count != b[i].Count {
			t.Errorf("order-dependent aggregation: %+v vs %+v", a[i], b[i])
		}
		for j := range a[i].EventIDs {
			if a[i].EventIDs[j] != b[i].EventIDs[j] {
				t.Errorf("order-dependent event ids: %v vs %v", a[i].EventIDs, b[i].EventIDs)
			}
		}
	}
	// non-annotation and keyless events are ignored
	plain := event.Event{ID: "$d", Type: event.TypeMessage, Content: json.RawMessage(`{"body":"hi"}`)}
	if got := AggregateReactions([]event.Event{plain}); len(got) != 0 {
		t.Errorf("plain event aggregated: %+v", got)
	}
}

func TestEditHistoryOrdering(t *testing.T) {
	s := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"chunk": [
				{"type":"m.room.message","event_id":"$late","origin_server_ts":2000,"content":{"m.relates_to":{"rel_type":"m.replace","event_id":"$orig"}}},
				{"type":"m.room.message","event_id":"$early","origin_server_ts":1000,"content":{"m.relates_to":{"rel_type":"m.replace","event_id":"$orig"}}}
			]
		}`))
	}))
	m := NewRelationsManager(s, nil, zerolog.Nop())
	history, err := m.EditHistory(context.Background(), testRoomID, "$orig")
	if err != nil {
		t.Fatalf("EditHistory: %s", err)
	}
	if len(history) != 2 {
		t.Fatalf("got %d events", len(history))
	}
	if history[0].ID != "$early" || history[1].ID != "$late" {
		t.Errorf("order: got %q, %q", history[0].ID, history[1].ID)
	}
}

func decodeJSON(t *testing.T, r *http.Request) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Fatalf("request body is not JSON: %s", err)
	}
	return body
}
