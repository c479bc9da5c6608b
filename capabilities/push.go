package capabilities

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/fedsync/fedclient/client"
	"github.com/fedsync/fedclient/internal"
	"github.com/fedsync/fedclient/rooms"
)

// Pusher is one registered push target for this user.
type Pusher struct {
	PushKey           string          `json:"pushkey"`
	Kind              string          `json:"kind"`
	AppID             string          `json:"app_id"`
	AppDisplayName    string          `json:"app_display_name"`
	DeviceDisplayName string          `json:"device_display_name"`
	Lang              string          `json:"lang"`
	Data              json.RawMessage `json:"data,omitempty"`
}

// PushManager manages pushers and push rules, and feeds room mute flags to
// the room manager.
type PushManager struct {
	session *client.Session
	rooms   *rooms.Manager
	logger  zerolog.Logger
}

func NewPushManager(session *client.Session, roomMgr *rooms.Manager, logger zerolog.Logger) *PushManager {
	return &PushManager{
		session: session,
		rooms:   roomMgr,
		logger:  logger.With().Str("capability", "push").Logger(),
	}
}

func (m *PushManager) Name() string { return "push" }

func (m *PushManager) Dispose() {}

// Pushers lists this user's registered pushers.
func (m *PushManager) Pushers(ctx context.Context) ([]Pusher, error) {
	body, err := m.session.HTTP.Do(ctx, "GET", "/pushers", nil, nil)
	if err != nil {
		return nil, err
	}
	var res struct {
		Pushers []Pusher `json:"pushers"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, &internal.DecodeError{What: "pushers response", Err: err}
	}
	return res.Pushers, nil
}

// SetPusher registers or replaces a pusher. A pusher with Kind "" is
// removed.
func (m *PushManager) SetPusher(ctx context.Context, p Pusher) error {
	if p.PushKey == "" {
		return &internal.StateError{Op: "SetPusher", Reason: "pushkey is required"}
	}
	payload := map[string]interface{}{
		"pushkey":             p.PushKey,
		"app_id":              p.AppID,
		"app_display_name":    p.AppDisplayName,
		"device_display_name": p.DeviceDisplayName,
		"lang":                p.Lang,
	}
	if p.Kind == "" {
		payload["kind"] = nil
	} else {
		payload["kind"] = p.Kind
		payload["data"] = p.Data
	}
	_, err := m.session.HTTP.Do(ctx, "POST", "/pushers/set", nil, payload)
	return err
}

// PushRules returns the raw push ruleset for this user.
func (m *PushManager) PushRules(ctx context.Context) (json.RawMessage, error) {
	body, err := m.session.HTTP.Do(ctx, "GET", "/pushrules/", nil, nil)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// MuteRoom installs (or removes) an override rule silencing a room and
// mirrors the flag onto the cached room.
func (m *PushManager) MuteRoom(ctx context.Context, roomID string, mute bool) error {
	if roomID == "" {
		return &internal.StateError{Op: "MuteRoom", Reason: "roomID is required"}
	}
	path := "/pushrules/global/override/" + url.PathEscape(roomID)
	var err error
	if mute {
		_, err = m.session.HTTP.Do(ctx, "PUT", path, nil, map[string]interface{}{
			"actions": []string{"dont_notify"},
			"conditions": []map[string]string{
				{"kind": "event_match", "key": "room_id", "pattern": roomID},
			},
		})
	} else {
		_, err = m.session.HTTP.Do(ctx, "DELETE", path, nil, nil)
		// deleting an absent rule is already the desired end state
		if internal.IsProtocolCode(err, internal.CodeNotFound) {
			err = nil
		}
	}
	if err != nil {
		return err
	}
	if m.rooms != nil {
		m.rooms.SetFlags(roomID, nil, &mute)
	}
	return nil
}
