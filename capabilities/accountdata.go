package capabilities

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/fedsync/fedclient/client"
	"github.com/fedsync/fedclient/event"
	"github.com/fedsync/fedclient/internal"
	"github.com/fedsync/fedclient/pubsub"
	"github.com/fedsync/fedclient/rooms"
)

// AccountDataManager reads and writes per-user account data, caches what the
// sync stream delivers, and feeds room favourite flags (m.tag) to the room
// manager.
type AccountDataManager struct {
	session  *client.Session
	rooms    *rooms.Manager
	notifier pubsub.Notifier
	logger   zerolog.Logger

	mu sync.Mutex
	// cache[roomID][type] = content; roomID "" is global
	cache map[string]map[string]json.RawMessage
}

func NewAccountDataManager(session *client.Session, roomMgr *rooms.Manager, notifier pubsub.Notifier, logger zerolog.Logger) *AccountDataManager {
	return &AccountDataManager{
		session:  session,
		rooms:    roomMgr,
		notifier: notifier,
		logger:   logger.With().Str("capability", "account_data").Logger(),
		cache:    make(map[string]map[string]json.RawMessage),
	}
}

func (m *AccountDataManager) Name() string { return "account_data" }

// Dispose drops the local cache. Idempotent.
func (m *AccountDataManager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]map[string]json.RawMessage)
}

// Set writes global account data of the given type.
func (m *AccountDataManager) Set(ctx context.Context, evType string, content interface{}) error {
	return m.set(ctx, "", evType, content)
}

// SetRoom writes account data scoped to one room.
func (m *AccountDataManager) SetRoom(ctx context.Context, roomID, evType string, content interface{}) error {
	if roomID == "" {
		return &internal.StateError{Op: "SetRoom", Reason: "roomID is required"}
	}
	return m.set(ctx, roomID, evType, content)
}

func (m *AccountDataManager) set(ctx context.Context, roomID, evType string, content interface{}) error {
	if evType == "" {
		return &internal.StateError{Op: "SetAccountData", Reason: "type is required"}
	}
	userID := m.session.UserID()
	if userID == "" {
		return &internal.StateError{Op: "SetAccountData", Reason: "session identity not resolved"}
	}
	path := "/user/" + url.PathEscape(userID)
	if roomID != "" {
		path += "/rooms/" + url.PathEscape(roomID)
	}
	path += "/account_data/" + url.PathEscape(evType)
	_, err := m.session.HTTP.Do(ctx, "PUT", path, nil, content)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(content)
	if err == nil {
		m.store(roomID, evType, raw)
	}
	return nil
}

// Get returns cached global account data of the given type.
func (m *AccountDataManager) Get(evType string) (json.RawMessage, bool) {
	return m.lookup("", evType)
}

// GetRoom returns cached account data for one room.
func (m *AccountDataManager) GetRoom(roomID, evType string) (json.RawMessage, bool) {
	return m.lookup(roomID, evType)
}

func (m *AccountDataManager) lookup(roomID, evType string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byType, ok := m.cache[roomID]
	if !ok {
		return nil, false
	}
	raw, ok := byType[evType]
	return raw, ok
}

func (m *AccountDataManager) store(roomID, evType string, content json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byType, ok := m.cache[roomID]
	if !ok {
		byType = make(map[string]json.RawMessage)
		m.cache[roomID] = byType
	}
	byType[evType] = content
}

// OnAccountData ingests account data from the sync stream. roomID is ""
// for global entries. Room tags update the favourite flag on the cached
// room.
func (m *AccountDataManager) OnAccountData(roomID string, ev event.Event) {
	m.store(roomID, ev.Type, ev.Content)
	if ev.Type == event.TypeTag && roomID != "" && m.rooms != nil {
		favourite := gjson.GetBytes(ev.Content, `tags.m\.favourite`).Exists()
		m.rooms.SetFlags(roomID, &favourite, nil)
	}
	if m.notifier != nil {
		m.notifier.Notify(&pubsub.AccountDataPayload{RoomID: roomID, Event: ev})
	}
}
