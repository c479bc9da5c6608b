package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/fedsync/fedclient/event"
	"github.com/fedsync/fedclient/internal"
	"github.com/fedsync/fedclient/storage"
)

// Session is the authenticated handle shared by the sync engine and every
// capability manager. It owns credentials, identity, the connection state
// machine and transaction id generation. Managers receive the Session at
// construction; none holds an independent transport or credential.
type Session struct {
	HTTP   *HTTPClient
	States *StateMachine
	Txns   *PendingTxns
	Store  storage.Store
	Logger zerolog.Logger

	mu       sync.Mutex
	userID   string
	deviceID string
	disposed bool
}

func NewSession(http *HTTPClient, states *StateMachine, store storage.Store, logger zerolog.Logger) *Session {
	return &Session{
		HTTP:   http,
		States: states,
		Txns:   NewPendingTxns(),
		Store:  store,
		Logger: logger,
	}
}

// UserID returns the resolved user id, or "" before ResolveIdentity.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// DeviceID returns the resolved device id, or "" before ResolveIdentity.
func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// Disposed reports whether Dispose has been called.
func (s *Session) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// CheckUsable returns a StateError if the session cannot serve op.
func (s *Session) CheckUsable(op string) error {
	if s.Disposed() {
		return &internal.StateError{Op: op, Reason: "session is disposed"}
	}
	return nil
}

// ResolveIdentity validates the access token with the server, records the
// resulting user and device id, and persists the credential.
func (s *Session) ResolveIdentity(ctx context.Context) (string, error) {
	userID, deviceID, err := s.HTTP.WhoAmI(ctx)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.userID = userID
	s.deviceID = deviceID
	s.mu.Unlock()
	if err := s.Store.SaveCredential(storage.Credential{
		UserID:      userID,
		DeviceID:    deviceID,
		AccessToken: s.HTTP.AccessToken(),
		LastSeen:    time.Now(),
	}); err != nil {
		// non-fatal: the session works, it just won't resume
		s.Logger.Warn().Err(err).Msg("failed to persist credential")
	}
	return userID, nil
}

// GenerateTxnID returns a fresh transaction id, unique for the process
// lifetime.
func (s *Session) GenerateTxnID() string {
	return NewTxnID()
}

// SendEvent submits a room event with a fresh transaction id and returns the
// confirmed event id plus the transaction id used, so a caller retrying an
// ambiguous failure can resubmit the same logical write.
func (s *Session) SendEvent(ctx context.Context, roomID, evType string, content interface{}) (eventID, txnID string, err error) {
	txnID = s.GenerateTxnID()
	eventID, err = s.SendEventWithTxnID(ctx, roomID, evType, txnID, content)
	return eventID, txnID, err
}

// SendEventWithTxnID submits a room event under a caller-supplied
// transaction id. The server applies at most one event per transaction id,
// so resubmitting after a timed-out write cannot duplicate the event.
func (s *Session) SendEventWithTxnID(ctx context.Context, roomID, evType, txnID string, content interface{}) (string, error) {
	if err := s.CheckUsable("SendEvent"); err != nil {
		return "", err
	}
	if roomID == "" || evType == "" || txnID == "" {
		return "", &internal.StateError{Op: "SendEvent", Reason: "roomID, event type and txnID are required"}
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	// local echo, reconciled against the server echo by the room manager
	s.Txns.Store(txnID, event.Event{
		Type:           evType,
		RoomID:         roomID,
		Sender:         s.UserID(),
		Content:        raw,
		OriginServerTS: time.Now().UnixMilli(),
		Unsigned:       event.Unsigned{TransactionID: txnID},
	})
	path := "/rooms/" + url.PathEscape(roomID) + "/send/" + url.PathEscape(evType) + "/" + url.PathEscape(txnID)
	body, err := s.HTTP.Do(ctx, "POST", path, nil, json.RawMessage(raw))
	if err != nil {
		return "", err
	}
	eventID := gjson.GetBytes(body, "event_id").Str
	if eventID == "" {
		return "", &internal.DecodeError{What: "send response", Err: fmt.Errorf("response missing event_id")}
	}
	return eventID, nil
}

// SendStateEvent submits a state event. State events are keyed by
// (type, state key), not by transaction id.
func (s *Session) SendStateEvent(ctx context.Context, roomID, evType, stateKey string, content interface{}) (string, error) {
	if err := s.CheckUsable("SendStateEvent"); err != nil {
		return "", err
	}
	if roomID == "" || evType == "" {
		return "", &internal.StateError{Op: "SendStateEvent", Reason: "roomID and event type are required"}
	}
	path := "/rooms/" + url.PathEscape(roomID) + "/state/" + url.PathEscape(evType) + "/" + url.PathEscape(stateKey)
	body, err := s.HTTP.Do(ctx, "PUT", path, nil, content)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(body, "event_id").Str, nil
}

// Dispose marks the session terminal. Idempotent. The owning client is
// responsible for stopping the engine and disposing managers first.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()
	s.Txns.Stop()
	s.States.Dispose()
}
