package capabilities

import (
	"context"
	"net/url"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/fedsync/fedclient/client"
	"github.com/fedsync/fedclient/event"
	"github.com/fedsync/fedclient/pubsub"
	"github.com/fedsync/fedclient/rooms"
)

// ReceiptsManager sends read receipts and ingests the receipt signals the
// sync stream delivers. Every receipt change is published as it is decoded;
// coalescing is left to consumers. The session user's own read receipts
// additionally clear the room's cached unread counters, ahead of the
// server's next unread_notifications recalculation.
type ReceiptsManager struct {
	session  *client.Session
	rooms    *rooms.Manager
	notifier pubsub.Notifier
	logger   zerolog.Logger
}

func NewReceiptsManager(session *client.Session, roomMgr *rooms.Manager, notifier pubsub.Notifier, logger zerolog.Logger) *ReceiptsManager {
	return &ReceiptsManager{
		session:  session,
		rooms:    roomMgr,
		notifier: notifier,
		logger:   logger.With().Str("capability", "receipts").Logger(),
	}
}

func (m *ReceiptsManager) Name() string { return "receipts" }

func (m *ReceiptsManager) Dispose() {}

// SendReceipt marks eventID with a receipt of the given kind
// (event.ReceiptRead or event.ReceiptFullyRead).
func (m *ReceiptsManager) SendReceipt(ctx context.Context, roomID, eventID, kind string) error {
	if err := validateIDs("SendReceipt", roomID, eventID); err != nil {
		return err
	}
	if kind == "" {
		kind = event.ReceiptRead
	}
	path := "/rooms/" + url.PathEscape(roomID) + "/receipt/" + url.PathEscape(kind) + "/" + url.PathEscape(eventID)
	_, err := m.session.HTTP.Do(ctx, "POST", path, nil, struct{}{})
	return err
}

// SendReadMarkers advances the fully-read marker, optionally together with a
// read receipt, in one request.
func (m *ReceiptsManager) SendReadMarkers(ctx context.Context, roomID, fullyReadEventID, readEventID string) error {
	if err := validateIDs("SendReadMarkers", roomID, fullyReadEventID); err != nil {
		return err
	}
	reqBody := map[string]string{"m.fully_read": fullyReadEventID}
	if readEventID != "" {
		reqBody["m.read"] = readEventID
	}
	path := "/rooms/" + url.PathEscape(roomID) + "/read_markers"
	_, err := m.session.HTTP.Do(ctx, "POST", path, nil, reqBody)
	return err
}

// OnEphemeralEvent ingests one receipt signal from the sync stream. The
// content shape is eventID -> kind -> userID -> {ts}.
func (m *ReceiptsManager) OnEphemeralEvent(roomID string, ev event.Event) {
	if ev.Type != event.TypeReceipt {
		return
	}
	var receipts []event.Receipt
	gjson.ParseBytes(ev.Content).ForEach(func(eventID, kinds gjson.Result) bool {
		kinds.ForEach(func(kind, users gjson.Result) bool {
			users.ForEach(func(userID, data gjson.Result) bool {
				receipts = append(receipts, event.Receipt{
					UserID:    userID.Str,
					EventID:   eventID.Str,
					Timestamp: data.Get("ts").Int(),
					Kind:      kind.Str,
				})
				return true
			})
			return true
		})
		return true
	})
	if len(receipts) == 0 {
		m.logger.Debug().Str("room_id", roomID).Msg("receipt signal carried no receipts")
		return
	}
	if m.rooms != nil && m.session != nil {
		if own := m.session.UserID(); own != "" {
			for _, rc := range receipts {
				if rc.Kind == event.ReceiptRead && rc.UserID == own {
					m.rooms.ClearNotifications(roomID)
					break
				}
			}
		}
	}
	if m.notifier != nil {
		m.notifier.Notify(&pubsub.ReceiptPayload{RoomID: roomID, Receipts: receipts})
	}
}
