package capabilities

import (
	"context"
	"net/url"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/fedsync/fedclient/client"
	"github.com/fedsync/fedclient/internal"
)

// CreateRoomRequest describes a room to create.
type CreateRoomRequest struct {
	Name     string   `json:"name,omitempty"`
	Topic    string   `json:"topic,omitempty"`
	Alias    string   `json:"room_alias_name,omitempty"`
	Invite   []string `json:"invite,omitempty"`
	Preset   string   `json:"preset,omitempty"`
	IsDirect bool     `json:"is_direct,omitempty"`
}

// RoomOpsManager creates rooms and manages this user's membership in them.
type RoomOpsManager struct {
	session *client.Session
	logger  zerolog.Logger
}

func NewRoomOpsManager(session *client.Session, logger zerolog.Logger) *RoomOpsManager {
	return &RoomOpsManager{
		session: session,
		logger:  logger.With().Str("capability", "room_ops").Logger(),
	}
}

func (m *RoomOpsManager) Name() string { return "room_ops" }

func (m *RoomOpsManager) Dispose() {}

// CreateRoom creates a room and returns its id.
func (m *RoomOpsManager) CreateRoom(ctx context.Context, req CreateRoomRequest) (string, error) {
	body, err := m.session.HTTP.Do(ctx, "POST", "/createRoom", nil, req)
	if err != nil {
		return "", err
	}
	roomID := gjson.GetBytes(body, "room_id").Str
	m.logger.Info().Str("room_id", roomID).Str("alias", req.Alias).Msg("created room")
	return roomID, nil
}

// Join joins a room by id or alias and returns the resolved room id.
func (m *RoomOpsManager) Join(ctx context.Context, roomIDOrAlias string) (string, error) {
	if roomIDOrAlias == "" {
		return "", &internal.StateError{Op: "Join", Reason: "room id or alias is required"}
	}
	path := "/rooms/" + url.PathEscape(roomIDOrAlias) + "/join"
	body, err := m.session.HTTP.Do(ctx, "POST", path, nil, struct{}{})
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(body, "room_id").Str, nil
}

// Leave leaves a room.
func (m *RoomOpsManager) Leave(ctx context.Context, roomID string) error {
	if roomID == "" {
		return &internal.StateError{Op: "Leave", Reason: "roomID is required"}
	}
	_, err := m.session.HTTP.Do(ctx, "POST", "/rooms/"+url.PathEscape(roomID)+"/leave", nil, struct{}{})
	return err
}

// Forget discards a previously left room from the server-side room list.
func (m *RoomOpsManager) Forget(ctx context.Context, roomID string) error {
	if roomID == "" {
		return &internal.StateError{Op: "Forget", Reason: "roomID is required"}
	}
	_, err := m.session.HTTP.Do(ctx, "POST", "/rooms/"+url.PathEscape(roomID)+"/forget", nil, struct{}{})
	return err
}

// Invite invites a user to a room.
func (m *RoomOpsManager) Invite(ctx context.Context, roomID, userID string) error {
	if roomID == "" || userID == "" {
		return &internal.StateError{Op: "Invite", Reason: "roomID and userID are required"}
	}
	_, err := m.session.HTTP.Do(ctx, "POST", "/rooms/"+url.PathEscape(roomID)+"/invite", nil, map[string]string{"user_id": userID})
	return err
}

// Kick removes a user from a room.
func (m *RoomOpsManager) Kick(ctx context.Context, roomID, userID, reason string) error {
	if roomID == "" || userID == "" {
		return &internal.StateError{Op: "Kick", Reason: "roomID and userID are required"}
	}
	reqBody := map[string]string{"user_id": userID}
	if reason != "" {
		reqBody["reason"] = reason
	}
	_, err := m.session.HTTP.Do(ctx, "POST", "/rooms/"+url.PathEscape(roomID)+"/kick", nil, reqBody)
	return err
}
