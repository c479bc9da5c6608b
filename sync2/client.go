// Package sync2 implements the long-poll sync loop: the wire client for the
// sync endpoint and the Engine which drives it, applies batches and manages
// reconnection.
package sync2

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/fedsync/fedclient/client"
	"github.com/fedsync/fedclient/internal"
)

// AccountDataGlobalRoom is the room id under which global (non-room) account
// data is delivered to receivers.
const AccountDataGlobalRoom = ""

// DefaultPollTimeout is the server-side long-poll hold time.
const DefaultPollTimeout = 30 * time.Second

// Client performs sync requests. One implementation talks HTTP; tests
// substitute their own.
type Client interface {
	// DoSync performs a sync request from the given cursor. Set isFirst=true
	// on the first sync of the process to force a timeout=0 sync to ensure
	// snappiness.
	DoSync(ctx context.Context, since string, isFirst bool) (*SyncResponse, error)
}

// HTTPSyncClient implements Client over the shared authenticated transport.
type HTTPSyncClient struct {
	HTTP *client.HTTPClient
	// PollTimeout is the server-side wait; DefaultPollTimeout if zero. The
	// HTTP request deadline is PollTimeout plus slack, distinct from the
	// shorter timeout capability writes use.
	PollTimeout time.Duration
}

func (c *HTTPSyncClient) pollTimeout() time.Duration {
	if c.PollTimeout > 0 {
		return c.PollTimeout
	}
	return DefaultPollTimeout
}

func (c *HTTPSyncClient) DoSync(ctx context.Context, since string, isFirst bool) (*SyncResponse, error) {
	qps := url.Values{}
	if isFirst { // first time syncing in this process
		qps.Set("timeout", "0")
	} else {
		qps.Set("timeout", strconv.FormatInt(c.pollTimeout().Milliseconds(), 10))
	}
	if since != "" {
		qps.Set("since", since)
	}
	// allow the server its full hold time plus slack before the transport
	// gives up
	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout()+10*time.Second)
	defer cancel()
	body, err := c.HTTP.Do(ctx, "GET", "/sync", qps, nil)
	if err != nil {
		return nil, err
	}
	var res SyncResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, &internal.DecodeError{What: "sync response", Err: err}
	}
	return &res, nil
}

// SyncResponse mirrors the wire shape of a sync batch.
type SyncResponse struct {
	NextBatch   string         `json:"next_batch"`
	AccountData EventsResponse `json:"account_data"`
	Presence    struct {
		Events []json.RawMessage `json:"events,omitempty"`
	} `json:"presence"`
	Rooms       RoomsResponse  `json:"rooms"`
	ToDevice    EventsResponse `json:"to_device"`
	DeviceLists struct {
		Changed []string `json:"changed,omitempty"`
		Left    []string `json:"left,omitempty"`
	} `json:"device_lists"`
	DeviceListsOTKCount map[string]int `json:"device_one_time_keys_count,omitempty"`
}

type RoomsResponse struct {
	Join   map[string]JoinResponse   `json:"join"`
	Invite map[string]InviteResponse `json:"invite"`
	Leave  map[string]LeaveResponse  `json:"leave"`
}

// JoinResponse represents the portion of a sync response for a joined room.
type JoinResponse struct {
	State               EventsResponse      `json:"state"`
	Timeline            TimelineResponse    `json:"timeline"`
	Ephemeral           EventsResponse      `json:"ephemeral"`
	AccountData         EventsResponse      `json:"account_data"`
	Summary             RoomSummary         `json:"summary"`
	UnreadNotifications UnreadNotifications `json:"unread_notifications"`
}

// RoomSummary carries the server-calculated membership summary.
type RoomSummary struct {
	Heroes       []string `json:"m.heroes,omitempty"`
	JoinedCount  *int     `json:"m.joined_member_count,omitempty"`
	InvitedCount *int     `json:"m.invited_member_count,omitempty"`
}

type UnreadNotifications struct {
	HighlightCount    *int `json:"highlight_count,omitempty"`
	NotificationCount *int `json:"notification_count,omitempty"`
}

type TimelineResponse struct {
	Events    []json.RawMessage `json:"events"`
	Limited   bool              `json:"limited"`
	PrevBatch string            `json:"prev_batch,omitempty"`
}

type EventsResponse struct {
	Events []json.RawMessage `json:"events"`
}

// InviteResponse represents the portion of a sync response for an invited room.
type InviteResponse struct {
	InviteState EventsResponse `json:"invite_state"`
}

// LeaveResponse represents the portion of a sync response for a left room.
type LeaveResponse struct {
	State    EventsResponse   `json:"state"`
	Timeline TimelineResponse `json:"timeline"`
}
