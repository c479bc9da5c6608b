package capabilities

import (
	"context"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/fedsync/fedclient/client"
	"github.com/fedsync/fedclient/event"
	"github.com/fedsync/fedclient/internal"
	"github.com/fedsync/fedclient/pubsub"
)

// DefaultTypingTimeout is how long a typing notification stays live
// server-side when the caller does not specify.
const DefaultTypingTimeout = 30 * time.Second

// TypingManager sends typing notifications and ingests the typing signals
// the sync stream delivers. Every change is published as decoded; consumers
// debounce.
type TypingManager struct {
	session  *client.Session
	notifier pubsub.Notifier
	logger   zerolog.Logger
}

func NewTypingManager(session *client.Session, notifier pubsub.Notifier, logger zerolog.Logger) *TypingManager {
	return &TypingManager{
		session:  session,
		notifier: notifier,
		logger:   logger.With().Str("capability", "typing").Logger(),
	}
}

func (m *TypingManager) Name() string { return "typing" }

func (m *TypingManager) Dispose() {}

// SetTyping marks this user as typing (or not) in a room. timeout only
// applies when typing is true; zero means DefaultTypingTimeout.
func (m *TypingManager) SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error {
	if roomID == "" {
		return &internal.StateError{Op: "SetTyping", Reason: "roomID is required"}
	}
	userID := m.session.UserID()
	if userID == "" {
		return &internal.StateError{Op: "SetTyping", Reason: "session identity not resolved"}
	}
	reqBody := map[string]interface{}{"typing": typing}
	if typing {
		if timeout == 0 {
			timeout = DefaultTypingTimeout
		}
		reqBody["timeout"] = timeout.Milliseconds()
	}
	path := "/rooms/" + url.PathEscape(roomID) + "/typing/" + url.PathEscape(userID)
	_, err := m.session.HTTP.Do(ctx, "PUT", path, nil, reqBody)
	return err
}

// OnEphemeralEvent ingests one typing signal: the full set of users
// currently typing in the room.
func (m *TypingManager) OnEphemeralEvent(roomID string, ev event.Event) {
	if ev.Type != event.TypeTyping {
		return
	}
	var userIDs []string
	for _, id := range gjson.GetBytes(ev.Content, "user_ids").Array() {
		userIDs = append(userIDs, id.Str)
	}
	if m.notifier != nil {
		m.notifier.Notify(&pubsub.TypingPayload{RoomID: roomID, UserIDs: userIDs})
	}
}
