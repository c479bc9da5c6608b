package capabilities

import (
	"context"
	"net/url"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/fedsync/fedclient/client"
	"github.com/fedsync/fedclient/internal"
)

// Profile is a user's public profile.
type Profile struct {
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// ProfileManager reads and updates user profiles.
type ProfileManager struct {
	session *client.Session
	logger  zerolog.Logger
}

func NewProfileManager(session *client.Session, logger zerolog.Logger) *ProfileManager {
	return &ProfileManager{
		session: session,
		logger:  logger.With().Str("capability", "profile").Logger(),
	}
}

func (m *ProfileManager) Name() string { return "profile" }

func (m *ProfileManager) Dispose() {}

// GetProfile fetches any user's profile.
func (m *ProfileManager) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	if userID == "" {
		return nil, &internal.StateError{Op: "GetProfile", Reason: "userID is required"}
	}
	body, err := m.session.HTTP.Do(ctx, "GET", "/profile/"+url.PathEscape(userID), nil, nil)
	if err != nil {
		return nil, err
	}
	parsed := gjson.ParseBytes(body)
	return &Profile{
		DisplayName: parsed.Get("displayname").Str,
		AvatarURL:   parsed.Get("avatar_url").Str,
	}, nil
}

// SetDisplayName updates this user's display name.
func (m *ProfileManager) SetDisplayName(ctx context.Context, name string) error {
	userID := m.session.UserID()
	if userID == "" {
		return &internal.StateError{Op: "SetDisplayName", Reason: "session identity not resolved"}
	}
	path := "/profile/" + url.PathEscape(userID) + "/displayname"
	_, err := m.session.HTTP.Do(ctx, "PUT", path, nil, map[string]string{"displayname": name})
	return err
}

// SetAvatarURL updates this user's avatar to a previously uploaded media
// URI.
func (m *ProfileManager) SetAvatarURL(ctx context.Context, avatarURL string) error {
	userID := m.session.UserID()
	if userID == "" {
		return &internal.StateError{Op: "SetAvatarURL", Reason: "session identity not resolved"}
	}
	path := "/profile/" + url.PathEscape(userID) + "/avatar_url"
	_, err := m.session.HTTP.Do(ctx, "PUT", path, nil, map[string]string{"avatar_url": avatarURL})
	return err
}
