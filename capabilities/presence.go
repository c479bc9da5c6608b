package capabilities

import (
	"context"
	"net/url"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/fedsync/fedclient/client"
	"github.com/fedsync/fedclient/event"
	"github.com/fedsync/fedclient/internal"
	"github.com/fedsync/fedclient/pubsub"
)

// Presence states understood by the server.
const (
	PresenceOnline      = "online"
	PresenceOffline     = "offline"
	PresenceUnavailable = "unavailable"
)

// PresenceStatus is one user's presence.
type PresenceStatus struct {
	Presence        string `json:"presence"`
	StatusMsg       string `json:"status_msg,omitempty"`
	LastActiveAgo   int64  `json:"last_active_ago,omitempty"`
	CurrentlyActive bool   `json:"currently_active,omitempty"`
}

// PresenceManager sets and queries presence, and ingests the presence
// stream.
type PresenceManager struct {
	session  *client.Session
	notifier pubsub.Notifier
	logger   zerolog.Logger
}

func NewPresenceManager(session *client.Session, notifier pubsub.Notifier, logger zerolog.Logger) *PresenceManager {
	return &PresenceManager{
		session:  session,
		notifier: notifier,
		logger:   logger.With().Str("capability", "presence").Logger(),
	}
}

func (m *PresenceManager) Name() string { return "presence" }

func (m *PresenceManager) Dispose() {}

// SetPresence publishes this user's presence state.
func (m *PresenceManager) SetPresence(ctx context.Context, presence, statusMsg string) error {
	userID := m.session.UserID()
	if userID == "" {
		return &internal.StateError{Op: "SetPresence", Reason: "session identity not resolved"}
	}
	reqBody := map[string]string{"presence": presence}
	if statusMsg != "" {
		reqBody["status_msg"] = statusMsg
	}
	path := "/presence/" + url.PathEscape(userID) + "/status"
	_, err := m.session.HTTP.Do(ctx, "PUT", path, nil, reqBody)
	return err
}

// GetPresence fetches another user's presence.
func (m *PresenceManager) GetPresence(ctx context.Context, userID string) (*PresenceStatus, error) {
	if userID == "" {
		return nil, &internal.StateError{Op: "GetPresence", Reason: "userID is required"}
	}
	path := "/presence/" + url.PathEscape(userID) + "/status"
	body, err := m.session.HTTP.Do(ctx, "GET", path, nil, nil)
	if err != nil {
		return nil, err
	}
	parsed := gjson.ParseBytes(body)
	return &PresenceStatus{
		Presence:        parsed.Get("presence").Str,
		StatusMsg:       parsed.Get("status_msg").Str,
		LastActiveAgo:   parsed.Get("last_active_ago").Int(),
		CurrentlyActive: parsed.Get("currently_active").Bool(),
	}, nil
}

// OnPresenceEvent ingests one presence update from the sync stream.
func (m *PresenceManager) OnPresenceEvent(ev event.Event) {
	if ev.Type != event.TypePresence || ev.Sender == "" {
		return
	}
	if m.notifier != nil {
		m.notifier.Notify(&pubsub.PresencePayload{
			UserID:    ev.Sender,
			Presence:  gjson.GetBytes(ev.Content, "presence").Str,
			StatusMsg: gjson.GetBytes(ev.Content, "status_msg").Str,
		})
	}
}
