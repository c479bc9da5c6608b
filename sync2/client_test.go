package sync2

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fedsync/fedclient/client"
	"github.com/fedsync/fedclient/internal"
)

func newHTTPSyncClient(t *testing.T, handler http.Handler) *HTTPSyncClient {
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
	return &HTTPSyncClient{HTTP: hc}
}

func TestDoSyncQueryParams(t *testing.T) {
	var gotTimeout, gotSince []string
	c := newHTTPSyncClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_matrix/client/r0/sync" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		gotTimeout = append(gotTimeout, r.URL.Query().Get("timeout"))
		gotSince = append(gotSince, r.URL.Query().Get("since"))
		w.Write([]byte(`{"next_batch":"s1"}`))
	}))
	// the first sync of the process forces timeout=0 for snappiness
	res, err := c.DoSync(context.Background(), "", true)
	if err != nil {
		t.Fatalf("DoSync: %s", err)
	}
	if res.NextBatch != "s1" {
		t.Errorf("NextBatch: got %q", res.NextBatch)
	}
	if _, err := c.DoSync(context.Background(), "s1", false); err != nil {
		t.Fatalf("DoSync: %s", err)
	}
	if gotTimeout[0] != "0" {
		t.Errorf("first timeout: got %q want 0", gotTimeout[0])
	}
	if gotSince[0] != "" {
		t.Errorf("first since: got %q want empty", gotSince[0])
	}
	if gotTimeout[1] != "30000" {
		t.Errorf("second timeout: got %q want 30000", gotTimeout[1])
	}
	if gotSince[1] != "s1" {
		t.Errorf("second since: got %q want s1", gotSince[1])
	}
}

func TestDoSyncDecodesRooms(t *testing.T) {
	c := newHTTPSyncClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"next_batch": "s2",
			"rooms": {
				"join": {
					"!a:s": {
						"timeline": {"events": [{"type":"m.room.message"}], "limited": true, "prev_batch": "t0"},
						"summary": {"m.heroes": ["@bob:s"], "m.joined_member_count": 2},
						"unread_notifications": {"notification_count": 4, "highlight_count": 1}
					}
				},
				"invite": {"!b:s": {"invite_state": {"events": []}}},
				"leave": {"!c:s": {}}
			}
		}`))
	}))
	res, err := c.DoSync(context.Background(), "s1", false)
	if err != nil {
		t.Fatalf("DoSync: %s", err)
	}
	join, ok := res.Rooms.Join["!a:s"]
	if !ok {
		t.Fatalf("joined room missing: %+v", res.Rooms)
	}
	if len(join.Timeline.Events) != 1 || !join.Timeline.Limited || join.Timeline.PrevBatch != "t0" {
		t.Errorf("timeline: %+v", join.Timeline)
	}
	if len(join.Summary.Heroes) != 1 || join.Summary.JoinedCount == nil || *join.Summary.JoinedCount != 2 {
		t.Errorf("summary: %+v", join.Summary)
	}
	if join.UnreadNotifications.NotificationCount == nil || *join.UnreadNotifications.NotificationCount != 4 {
		t.Errorf("unread: %+v", join.UnreadNotifications)
	}
	if _, ok := res.Rooms.Invite["!b:s"]; !ok {
		t.Errorf("invite missing")
	}
	if _, ok := res.Rooms.Leave["!c:s"]; !ok {
		t.Errorf("leave missing")
	}
}

func TestDoSyncBadJSON(t *testing.T) {
	c := newHTTPSyncClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>gateway error</html>`))
	}))
	_, err := c.DoSync(context.Background(), "", true)
	var de *internal.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("got %T (%s), want *internal.DecodeError", err, err)
	}
}
