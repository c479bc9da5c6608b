package rooms

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/fedsync/fedclient/client"
	"github.com/fedsync/fedclient/event"
	"github.com/fedsync/fedclient/pubsub"
)

// JoinedDelta is the decoded portion of one sync batch for one joined room.
type JoinedDelta struct {
	RoomID         string
	StateEvents    []json.RawMessage
	TimelineEvents []json.RawMessage
	Limited        bool
	PrevBatch      string

	Heroes            []string
	JoinedCount       *int
	InvitedCount      *int
	NotificationCount *int
	HighlightCount    *int
}

// Manager is the authoritative in-memory room table. All methods are safe
// for concurrent use. Mutations come from the sync engine; reads are served
// from cache with no network round trip.
type Manager struct {
	mu    sync.Mutex
	rooms map[string]*Room

	// TimelineLimit bounds each room's cached timeline.
	timelineLimit int
	txns          *client.PendingTxns
	notifier      pubsub.Notifier
	logger        zerolog.Logger
}

// NewManager creates a manager. txns is consulted to collapse server echoes
// of locally submitted events; notifier receives an EventPayload per applied
// timeline event, in decode order, and may be nil.
func NewManager(timelineLimit int, txns *client.PendingTxns, notifier pubsub.Notifier, logger zerolog.Logger) *Manager {
	if timelineLimit <= 0 {
		timelineLimit = DefaultTimelineLimit
	}
	return &Manager{
		rooms:         make(map[string]*Room),
		timelineLimit: timelineLimit,
		txns:          txns,
		notifier:      notifier,
		logger:        logger,
	}
}

func (m *Manager) room(roomID string) *Room {
	r := m.rooms[roomID]
	if r == nil {
		r = newRoom(roomID)
		m.rooms[roomID] = r
	}
	return r
}

// ApplyJoined merges one joined-room delta: state events latest-wins by
// arrival order per (type, state key), then timeline events appended with
// local-echo reconciliation and eviction beyond the timeline limit. The
// server guarantees per-room causal ordering, which is what latest-wins
// relies on.
func (m *Manager) ApplyJoined(d JoinedDelta) {
	var published []event.Event
	m.mu.Lock()
	r := m.room(d.RoomID)
	r.Membership = MembershipJoined

	for _, raw := range d.StateEvents {
		ev, ok := event.Parse(raw)
		if !ok || !ev.IsState() {
			m.logger.Warn().Str("room_id", d.RoomID).Msg("skipping malformed state event")
			continue
		}
		m.applyStateEvent(r, ev)
	}

	if d.PrevBatch != "" && (r.PrevBatch == "" || d.Limited) {
		// a limited (gappy) timeline resets the backward-fill boundary
		r.PrevBatch = d.PrevBatch
	}

	for _, raw := range d.TimelineEvents {
		ev, ok := event.Parse(raw)
		if !ok {
			m.logger.Warn().Str("room_id", d.RoomID).Msg("skipping malformed timeline event")
			continue
		}
		ev.RoomID = d.RoomID
		if ev.IsState() {
			m.applyStateEvent(r, ev)
		}
		if m.appendTimeline(r, ev) {
			published = append(published, ev)
		}
	}

	if len(d.Heroes) > 0 {
		r.Heroes = r.Heroes[:0]
		for _, id := range d.Heroes {
			r.Heroes = append(r.Heroes, Hero{ID: id, Name: m.heroName(r, id)})
		}
	}
	if d.JoinedCount != nil {
		r.JoinedCount = *d.JoinedCount
	}
	if d.InvitedCount != nil {
		r.InvitedCount = *d.InvitedCount
	}
	if d.NotificationCount != nil {
		r.NotificationCount = *d.NotificationCount
	}
	if d.HighlightCount != nil {
		r.HighlightCount = *d.HighlightCount
	}
	m.mu.Unlock()

	if m.notifier != nil {
		for i := range published {
			m.notifier.Notify(&pubsub.EventPayload{Event: published[i]})
		}
		m.notifier.Notify(&pubsub.RoomPayload{RoomID: d.RoomID})
	}
}

// ApplyInvited records an invite with its stripped state.
func (m *Manager) ApplyInvited(roomID string, inviteState []json.RawMessage) {
	m.mu.Lock()
	r := m.room(roomID)
	r.Membership = MembershipInvited
	for _, raw := range inviteState {
		ev, ok := event.Parse(raw)
		if !ok || !ev.IsState() {
			continue
		}
		m.applyStateEvent(r, ev)
	}
	m.mu.Unlock()
	if m.notifier != nil {
		m.notifier.Notify(&pubsub.RoomPayload{RoomID: roomID})
	}
}

// ApplyLeft records that the user left a room. The room stays cached with
// its final state so consumers can still render it.
func (m *Manager) ApplyLeft(roomID string, state, timeline []json.RawMessage) {
	m.mu.Lock()
	r := m.room(roomID)
	r.Membership = MembershipLeft
	for _, raw := range state {
		ev, ok := event.Parse(raw)
		if !ok || !ev.IsState() {
			continue
		}
		m.applyStateEvent(r, ev)
	}
	for _, raw := range timeline {
		ev, ok := event.Parse(raw)
		if !ok {
			continue
		}
		ev.RoomID = roomID
		if ev.IsState() {
			m.applyStateEvent(r, ev)
		}
		m.appendTimeline(r, ev)
	}
	m.mu.Unlock()
	if m.notifier != nil {
		m.notifier.Notify(&pubsub.RoomPayload{RoomID: roomID})
	}
}

// applyStateEvent merges one state event into the state table and the
// denormalised summary fields. Caller holds the lock.
func (m *Manager) applyStateEvent(r *Room, ev event.Event) {
	r.state[stateKey{ev.Type, *ev.StateKey}] = ev
	switch ev.Type {
	case event.TypeRoomName:
		r.Name = gjson.GetBytes(ev.Content, "name").Str
	case event.TypeRoomTopic:
		r.Topic = gjson.GetBytes(ev.Content, "topic").Str
	case event.TypeRoomAvatar:
		r.AvatarURL = gjson.GetBytes(ev.Content, "url").Str
	case event.TypeRoomCanonAlias:
		r.CanonAlias = gjson.GetBytes(ev.Content, "alias").Str
	case event.TypeRoomMember:
		// keep hero display names fresh
		name := gjson.GetBytes(ev.Content, "displayname").Str
		if name == "" {
			return
		}
		for i := range r.Heroes {
			if r.Heroes[i].ID == *ev.StateKey {
				r.Heroes[i].Name = name
			}
		}
	}
}

// heroName resolves a hero's display name from cached member state, falling
// back to the user id. Caller holds the lock.
func (m *Manager) heroName(r *Room, userID string) string {
	if ev, ok := r.state[stateKey{event.TypeRoomMember, userID}]; ok {
		if name := gjson.GetBytes(ev.Content, "displayname").Str; name != "" {
			return name
		}
	}
	return userID
}

// appendTimeline adds ev to the room timeline, collapsing duplicates and
// local echoes, applying redactions, and evicting beyond the limit. Returns
// whether the event is newly visible (and should be published). Caller
// holds the lock.
func (m *Manager) appendTimeline(r *Room, ev event.Event) bool {
	// a redaction tombstones its target wherever it is cached
	if ev.Type == event.TypeRedaction && ev.Redacts != "" {
		for i := range r.Timeline {
			if r.Timeline[i].ID == ev.Redacts {
				r.Timeline[i].Redact(ev.ID)
			}
		}
	}

	// an event reachable by both transaction id and event id must collapse
	// to one logical timeline entry
	if txnID := ev.TxnID(); txnID != "" {
		if _, pending := m.txnGet(txnID); pending {
			m.txnRemove(txnID)
		}
		for i := range r.Timeline {
			if r.Timeline[i].TxnID() == txnID {
				r.Timeline[i] = ev
				m.bumpActivity(r, ev)
				return true
			}
		}
	}
	if ev.ID != "" {
		for i := range r.Timeline {
			if r.Timeline[i].ID == ev.ID {
				// already confirmed, e.g. seen via the send response
				r.Timeline[i] = ev
				return false
			}
		}
	}

	r.Timeline = append(r.Timeline, ev)
	if len(r.Timeline) > m.timelineLimit {
		// evict oldest; PrevBatch still allows backward fill
		over := len(r.Timeline) - m.timelineLimit
		r.Timeline = append(r.Timeline[:0], r.Timeline[over:]...)
	}
	m.bumpActivity(r, ev)
	return true
}

func (m *Manager) bumpActivity(r *Room, ev event.Event) {
	if ev.OriginServerTS > r.LastActivityTS {
		r.LastActivityTS = ev.OriginServerTS
	}
}

func (m *Manager) txnGet(txnID string) (event.Event, bool) {
	if m.txns == nil {
		return event.Event{}, false
	}
	return m.txns.Get(txnID)
}

func (m *Manager) txnRemove(txnID string) {
	if m.txns != nil {
		m.txns.Remove(txnID)
	}
}

// AddLocalEcho inserts a locally submitted event (no event id yet) into the
// room timeline so consumers render it immediately. The sync echo replaces
// it in place.
func (m *Manager) AddLocalEcho(ev event.Event) {
	m.mu.Lock()
	r := m.room(ev.RoomID)
	r.Timeline = append(r.Timeline, ev)
	if len(r.Timeline) > m.timelineLimit {
		over := len(r.Timeline) - m.timelineLimit
		r.Timeline = append(r.Timeline[:0], r.Timeline[over:]...)
	}
	m.bumpActivity(r, ev)
	m.mu.Unlock()
	if m.notifier != nil {
		m.notifier.Notify(&pubsub.EventPayload{Event: ev})
	}
}

// RemoveLocalEcho withdraws an unconfirmed local echo after the server
// definitively rejected the write, and drops the pending transaction with
// it. Entries already confirmed with an event id are left alone.
func (m *Manager) RemoveLocalEcho(roomID, txnID string) {
	if txnID == "" {
		return
	}
	m.txnRemove(txnID)
	m.mu.Lock()
	removed := false
	if r := m.rooms[roomID]; r != nil {
		for i := range r.Timeline {
			if r.Timeline[i].ID == "" && r.Timeline[i].TxnID() == txnID {
				r.Timeline = append(r.Timeline[:i], r.Timeline[i+1:]...)
				removed = true
				break
			}
		}
	}
	m.mu.Unlock()
	if removed && m.notifier != nil {
		m.notifier.Notify(&pubsub.RoomPayload{RoomID: roomID})
	}
}

// ClearNotifications zeroes a room's unread counters. Used when the session
// user's own read receipt arrives ahead of the server's next
// unread_notifications recalculation.
func (m *Manager) ClearNotifications(roomID string) {
	m.mu.Lock()
	changed := false
	if r := m.rooms[roomID]; r != nil && (r.NotificationCount != 0 || r.HighlightCount != 0) {
		r.NotificationCount = 0
		r.HighlightCount = 0
		changed = true
	}
	m.mu.Unlock()
	if changed && m.notifier != nil {
		m.notifier.Notify(&pubsub.RoomPayload{RoomID: roomID})
	}
}

// SetFlags updates the favourite/mute flags fed from account data and push
// rules.
func (m *Manager) SetFlags(roomID string, favourite, muted *bool) {
	m.mu.Lock()
	r := m.room(roomID)
	if favourite != nil {
		r.Favourite = *favourite
	}
	if muted != nil {
		r.Muted = *muted
	}
	m.mu.Unlock()
	if m.notifier != nil {
		m.notifier.Notify(&pubsub.RoomPayload{RoomID: roomID})
	}
}

// Get returns a copy of the room, if known.
func (m *Manager) Get(roomID string) (Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return r.copy(), true
}

// List returns copies of all known rooms, most recently active first.
func (m *Manager) List() []Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r.copy())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivityTS != out[j].LastActivityTS {
			return out[i].LastActivityTS > out[j].LastActivityTS
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Search returns rooms whose display name or topic contains the query,
// case-insensitively, served entirely from cache.
func (m *Manager) Search(query string) []Room {
	query = strings.ToLower(query)
	var out []Room
	for _, r := range m.List() {
		if strings.Contains(strings.ToLower(r.DisplayName()), query) ||
			strings.Contains(strings.ToLower(r.Topic), query) {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of cached rooms.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}
