package capabilities

import (
	"context"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/fedsync/fedclient/client"
	"github.com/fedsync/fedclient/event"
	"github.com/fedsync/fedclient/internal"
	"github.com/fedsync/fedclient/pubsub"
)

// ToDeviceWildcard addresses every device of a user in a send-to-device
// call.
const ToDeviceWildcard = "*"

// DeviceMessagingManager sends device-to-device messages and ingests those
// addressed to this session.
type DeviceMessagingManager struct {
	session  *client.Session
	notifier pubsub.Notifier
	logger   zerolog.Logger
}

func NewDeviceMessagingManager(session *client.Session, notifier pubsub.Notifier, logger zerolog.Logger) *DeviceMessagingManager {
	return &DeviceMessagingManager{
		session:  session,
		notifier: notifier,
		logger:   logger.With().Str("capability", "to_device").Logger(),
	}
}

func (m *DeviceMessagingManager) Name() string { return "to_device" }

func (m *DeviceMessagingManager) Dispose() {}

// SendToDevice delivers content to specific devices: messages maps user id
// to device id (or ToDeviceWildcard) to content. The write is keyed by a
// transaction id; retrying with SendToDeviceWithTxnID and the same id cannot
// double-deliver.
func (m *DeviceMessagingManager) SendToDevice(ctx context.Context, evType string, messages map[string]map[string]interface{}) (string, error) {
	txnID := m.session.GenerateTxnID()
	return txnID, m.SendToDeviceWithTxnID(ctx, evType, txnID, messages)
}

// SendToDeviceWithTxnID is SendToDevice under a caller-supplied transaction
// id, for retrying an ambiguous failure.
func (m *DeviceMessagingManager) SendToDeviceWithTxnID(ctx context.Context, evType, txnID string, messages map[string]map[string]interface{}) error {
	if evType == "" || txnID == "" {
		return &internal.StateError{Op: "SendToDevice", Reason: "type and txnID are required"}
	}
	if len(messages) == 0 {
		return &internal.StateError{Op: "SendToDevice", Reason: "at least one recipient is required"}
	}
	path := "/sendToDevice/" + url.PathEscape(evType) + "/" + url.PathEscape(txnID)
	_, err := m.session.HTTP.Do(ctx, "PUT", path, nil, map[string]interface{}{"messages": messages})
	return err
}

// OnToDeviceEvent ingests one device message from the sync stream.
func (m *DeviceMessagingManager) OnToDeviceEvent(ev event.Event) {
	if m.notifier != nil {
		m.notifier.Notify(&pubsub.ToDevicePayload{Event: ev})
	}
}
