// Package fedclient is a protocol client for a federated messaging service:
// one long-lived session which authenticates once, maintains a continuous
// sync stream against the homeserver, fans decoded events out to capability
// managers, and exposes unified event and connection-state streams.
package fedclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fedsync/fedclient/capabilities"
	"github.com/fedsync/fedclient/client"
	"github.com/fedsync/fedclient/event"
	"github.com/fedsync/fedclient/internal"
	"github.com/fedsync/fedclient/pubsub"
	"github.com/fedsync/fedclient/rooms"
	"github.com/fedsync/fedclient/storage"
	"github.com/fedsync/fedclient/sync2"
)

// Config assembles one session. HomeserverURL is required; authenticate
// either with AccessToken or with UserID+Password (a login is performed on
// Connect).
type Config struct {
	HomeserverURL string
	AccessToken   string
	UserID        string
	Password      string

	// HTTPClient is the injected transport. http.DefaultClient if nil.
	HTTPClient *http.Client
	// Store persists the sync cursor and credential. In-memory if nil.
	Store storage.Store
	// TimelineLimit bounds each room's cached timeline.
	TimelineLimit int
	// PollTimeout is the server-side sync hold time.
	PollTimeout time.Duration
	// EventBufferSize bounds each subscriber's queue on the event stream.
	EventBufferSize int
	// MaxConsecutiveFailures before the sync engine gives up.
	MaxConsecutiveFailures int
	// Encryptor is the pluggable end-to-end encryption boundary. Nil means
	// events are sent and received in clear.
	Encryptor capabilities.Encryptor
	// EnableMetrics wraps the event stream with prometheus counters. Leave
	// off when running several sessions in one process with the default
	// registry.
	EnableMetrics bool
	Logger        zerolog.Logger
}

// Client is one session: credentials, connection-state machine, room table,
// capability registry and the sync engine, sharing one authenticated
// transport.
type Client struct {
	cfg      Config
	session  *client.Session
	bus      *pubsub.PubSub
	notifier pubsub.Notifier
	rooms    *rooms.Manager
	registry *capabilities.Registry
	logger   zerolog.Logger

	relations *capabilities.RelationsManager
	receipts  *capabilities.ReceiptsManager
	typing    *capabilities.TypingManager
	presence  *capabilities.PresenceManager
	push      *capabilities.PushManager
	account   *capabilities.AccountDataManager
	toDevice  *capabilities.DeviceMessagingManager
	profile   *capabilities.ProfileManager
	media     *capabilities.MediaManager
	search    *capabilities.SearchManager
	roomOps   *capabilities.RoomOpsManager

	mu        sync.Mutex
	engine    *sync2.Engine
	connected bool
	disposed  bool
}

// New builds a session from cfg. No network traffic happens until Connect.
func New(cfg Config) (*Client, error) {
	store := cfg.Store
	if store == nil {
		store = storage.NewMemoryStore()
	}
	bus := pubsub.NewPubSub(cfg.EventBufferSize)
	var notifier pubsub.Notifier = bus
	if cfg.EnableMetrics {
		notifier = pubsub.NewPromNotifier(bus, "bus")
	}

	states := client.NewStateMachine(func(from, to client.State, err error) {
		notifier.Notify(&pubsub.StatePayload{From: from.String(), To: to.String(), Err: err})
	})

	httpClient, err := client.NewHTTPClient(client.Config{
		HomeserverURL: cfg.HomeserverURL,
		AccessToken:   cfg.AccessToken,
		HTTPClient:    cfg.HTTPClient,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	session := client.NewSession(httpClient, states, store, cfg.Logger)
	roomMgr := rooms.NewManager(cfg.TimelineLimit, session.Txns, notifier, cfg.Logger)

	c := &Client{
		cfg:      cfg,
		session:  session,
		bus:      bus,
		notifier: notifier,
		rooms:    roomMgr,
		registry: capabilities.NewRegistry(),
		logger:   cfg.Logger,
	}

	// construction order is dependency order; disposal runs in reverse
	c.roomOps = capabilities.NewRoomOpsManager(session, cfg.Logger)
	c.profile = capabilities.NewProfileManager(session, cfg.Logger)
	c.media = capabilities.NewMediaManager(session, cfg.Logger)
	c.search = capabilities.NewSearchManager(session, roomMgr, cfg.Logger)
	c.account = capabilities.NewAccountDataManager(session, roomMgr, notifier, cfg.Logger)
	c.push = capabilities.NewPushManager(session, roomMgr, cfg.Logger)
	c.toDevice = capabilities.NewDeviceMessagingManager(session, notifier, cfg.Logger)
	c.presence = capabilities.NewPresenceManager(session, notifier, cfg.Logger)
	c.typing = capabilities.NewTypingManager(session, notifier, cfg.Logger)
	c.receipts = capabilities.NewReceiptsManager(session, roomMgr, notifier, cfg.Logger)
	c.relations = capabilities.NewRelationsManager(session, roomMgr, cfg.Logger)
	for _, cap := range []capabilities.Capability{
		c.roomOps, c.profile, c.media, c.search, c.account, c.push,
		c.toDevice, c.presence, c.typing, c.receipts, c.relations,
	} {
		c.registry.Register(cap)
	}
	c.registry.SetEncryptor(cfg.Encryptor)
	return c, nil
}

// Connect authenticates, loads the persisted cursor and starts the sync
// engine. Returns the resolved user id. Connection progress is observable
// on the state stream; use WaitUntilSynced to block until the first batch
// has been applied.
func (c *Client) Connect(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return "", &internal.StateError{Op: "Connect", Reason: "session is disposed"}
	}
	if c.connected {
		c.mu.Unlock()
		return c.session.UserID(), nil
	}
	c.mu.Unlock()

	c.session.States.Transition(client.Connecting)

	if c.session.HTTP.AccessToken() == "" && c.cfg.Password != "" {
		if _, err := c.session.HTTP.Login(ctx, c.cfg.UserID, c.cfg.Password); err != nil {
			c.session.States.TransitionErr(client.Failed, err)
			return "", err
		}
	}

	userID, err := c.session.ResolveIdentity(ctx)
	if err != nil {
		var pe *internal.ProtocolError
		if errors.As(err, &pe) && (pe.StatusCode == 401 || pe.Code == internal.CodeUnknownToken) {
			c.session.States.TransitionErr(client.WaitingForToken, err)
		} else {
			c.session.States.TransitionErr(client.Failed, err)
		}
		return "", err
	}

	cursor, err := c.session.Store.LoadCursor(c.session.DeviceID())
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to load cursor, starting fresh")
		cursor = ""
	}

	syncClient := &sync2.HTTPSyncClient{HTTP: c.session.HTTP, PollTimeout: c.cfg.PollTimeout}
	engine := sync2.NewEngine(syncClient, &receiver{c: c}, c.session.Store, c.session.States, c.session.DeviceID(), c.logger)
	if c.cfg.MaxConsecutiveFailures > 0 {
		engine.MaxConsecutiveFailures = c.cfg.MaxConsecutiveFailures
	}

	c.mu.Lock()
	c.engine = engine
	c.connected = true
	c.mu.Unlock()
	go engine.Run(cursor)
	return userID, nil
}

// WaitUntilSynced blocks until the first sync batch has been applied, or
// until the engine halts without one. Call after Connect; check State()
// afterwards to distinguish a synced session from a terminated one.
func (c *Client) WaitUntilSynced() {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine != nil {
		engine.WaitUntilInitialSync()
	}
}

// Disconnect stops the sync engine cooperatively and returns the session to
// disconnected. The session can Connect again afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	engine := c.engine
	c.engine = nil
	c.connected = false
	c.mu.Unlock()
	if engine != nil {
		engine.Stop()
		engine.WaitUntilStopped()
	}
	c.session.States.Transition(client.Disconnected)
}

// Dispose is terminal and idempotent: it stops the engine, disposes every
// capability manager, seals the state machine and closes the output streams
// only after all managers have released their resources. A disposed session
// accepts no further operations and emits no further payloads.
func (c *Client) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.mu.Unlock()

	c.Disconnect()
	c.registry.DisposeAll()
	c.session.Dispose()
	c.notifier.Close()
}

// Subscribe returns a subscription to the unified payload stream: decoded
// events, connection-state transitions, and the ephemeral signal payloads.
// See the pubsub package for the backpressure contract.
func (c *Client) Subscribe() *pubsub.Subscription {
	return c.bus.Subscribe()
}

// State returns the current connection state.
func (c *Client) State() client.State {
	return c.session.States.Current()
}

// UserID returns the resolved user id, "" before Connect completes.
func (c *Client) UserID() string { return c.session.UserID() }

// Rooms exposes the cached room table.
func (c *Client) Rooms() *rooms.Manager { return c.rooms }

// Session exposes the shared session handle.
func (c *Client) Session() *client.Session { return c.session }

// Capability accessors.
func (c *Client) Relations() *capabilities.RelationsManager      { return c.relations }
func (c *Client) Receipts() *capabilities.ReceiptsManager        { return c.receipts }
func (c *Client) Typing() *capabilities.TypingManager            { return c.typing }
func (c *Client) Presence() *capabilities.PresenceManager        { return c.presence }
func (c *Client) Push() *capabilities.PushManager                { return c.push }
func (c *Client) AccountData() *capabilities.AccountDataManager  { return c.account }
func (c *Client) ToDevice() *capabilities.DeviceMessagingManager { return c.toDevice }
func (c *Client) Profile() *capabilities.ProfileManager          { return c.profile }
func (c *Client) Media() *capabilities.MediaManager              { return c.media }
func (c *Client) Search() *capabilities.SearchManager            { return c.search }
func (c *Client) RoomOps() *capabilities.RoomOpsManager          { return c.roomOps }

// SendText sends a plain text message and returns the confirmed event id.
// The local echo is visible in the room timeline immediately and is
// replaced, not duplicated, when the server echo arrives.
func (c *Client) SendText(ctx context.Context, roomID, body string) (string, error) {
	content := map[string]interface{}{"msgtype": "m.text", "body": body}
	return c.SendEvent(ctx, roomID, event.TypeMessage, content)
}

// SendEvent sends an event of any type with a fresh transaction id,
// inserting a local echo into the cached timeline. Passing through the
// encryption boundary when one is installed.
func (c *Client) SendEvent(ctx context.Context, roomID, evType string, content interface{}) (string, error) {
	if err := c.session.CheckUsable("SendEvent"); err != nil {
		return "", err
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	if enc := c.registry.Encryptor(); enc != nil {
		evType, raw, err = enc.EncryptEvent(ctx, roomID, evType, raw)
		if err != nil {
			return "", err
		}
	}
	txnID := c.session.GenerateTxnID()
	c.rooms.AddLocalEcho(event.Event{
		Type:           evType,
		RoomID:         roomID,
		Sender:         c.session.UserID(),
		Content:        raw,
		OriginServerTS: time.Now().UnixMilli(),
		Unsigned:       event.Unsigned{TransactionID: txnID},
	})
	eventID, err := c.session.SendEventWithTxnID(ctx, roomID, evType, txnID, json.RawMessage(raw))
	if err != nil {
		// a protocol rejection is final: the echo must not linger. Transport
		// failures keep it, as a retry with the same txn id may still land.
		var pe *internal.ProtocolError
		if errors.As(err, &pe) {
			c.rooms.RemoveLocalEcho(roomID, txnID)
		}
		return "", err
	}
	return eventID, nil
}

// receiver routes decoded sync data to the owning subsystems.
type receiver struct {
	c *Client
}

func (r *receiver) OnJoinedRoom(roomID string, data *sync2.JoinResponse) {
	r.c.rooms.ApplyJoined(rooms.JoinedDelta{
		RoomID:            roomID,
		StateEvents:       data.State.Events,
		TimelineEvents:    r.decryptAll(data.Timeline.Events),
		Limited:           data.Timeline.Limited,
		PrevBatch:         data.Timeline.PrevBatch,
		Heroes:            data.Summary.Heroes,
		JoinedCount:       data.Summary.JoinedCount,
		InvitedCount:      data.Summary.InvitedCount,
		NotificationCount: data.UnreadNotifications.NotificationCount,
		HighlightCount:    data.UnreadNotifications.HighlightCount,
	})
}

func (r *receiver) OnInvitedRoom(roomID string, data *sync2.InviteResponse) {
	r.c.rooms.ApplyInvited(roomID, data.InviteState.Events)
}

func (r *receiver) OnLeftRoom(roomID string, data *sync2.LeaveResponse) {
	r.c.rooms.ApplyLeft(roomID, data.State.Events, data.Timeline.Events)
}

func (r *receiver) OnEphemeralEvents(roomID string, events []json.RawMessage) {
	for _, raw := range events {
		ev, ok := event.Parse(raw)
		if !ok {
			r.c.logger.Warn().Str("room_id", roomID).Msg("skipping malformed ephemeral event")
			continue
		}
		switch ev.Type {
		case event.TypeTyping:
			r.c.typing.OnEphemeralEvent(roomID, ev)
		case event.TypeReceipt:
			r.c.receipts.OnEphemeralEvent(roomID, ev)
		}
	}
}

func (r *receiver) OnAccountData(roomID string, events []json.RawMessage) {
	for _, raw := range events {
		ev, ok := event.Parse(raw)
		if !ok {
			r.c.logger.Warn().Msg("skipping malformed account data event")
			continue
		}
		r.c.account.OnAccountData(roomID, ev)
	}
}

func (r *receiver) OnToDeviceEvents(events []json.RawMessage) {
	for _, raw := range events {
		ev, ok := event.Parse(raw)
		if !ok {
			r.c.logger.Warn().Msg("skipping malformed to-device event")
			continue
		}
		r.c.toDevice.OnToDeviceEvent(ev)
	}
}

func (r *receiver) OnPresence(events []json.RawMessage) {
	for _, raw := range events {
		ev, ok := event.Parse(raw)
		if !ok {
			r.c.logger.Warn().Msg("skipping malformed presence event")
			continue
		}
		r.c.presence.OnPresenceEvent(ev)
	}
}

// decryptAll passes timeline events through the encryption boundary when
// one is installed. A decryption failure leaves the event as-is; it still
// occupies its timeline slot.
func (r *receiver) decryptAll(events []json.RawMessage) []json.RawMessage {
	enc := r.c.registry.Encryptor()
	if enc == nil {
		return events
	}
	out := make([]json.RawMessage, 0, len(events))
	for _, raw := range events {
		ev, ok := event.Parse(raw)
		if !ok {
			out = append(out, raw)
			continue
		}
		dec, err := enc.DecryptEvent(context.Background(), ev)
		if err != nil {
			r.c.logger.Warn().Str("event_id", ev.ID).Err(err).Msg("failed to decrypt event")
			out = append(out, raw)
			continue
		}
		reraw, err := json.Marshal(dec)
		if err != nil {
			out = append(out, raw)
			continue
		}
		out = append(out, reraw)
	}
	return out
}
