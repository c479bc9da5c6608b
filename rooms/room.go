// Package rooms holds the authoritative in-memory table of rooms for a
// session: state, bounded timelines, local-echo reconciliation and cached
// read access.
package rooms

import (
	"github.com/fedsync/fedclient/event"
)

// Membership of the session's user in a room.
type Membership string

const (
	MembershipJoined  Membership = "join"
	MembershipInvited Membership = "invite"
	MembershipLeft    Membership = "leave"
)

// DefaultTimelineLimit bounds the cached timeline per room. Older events are
// evicted; the pagination token is kept so they can be refetched backwards.
const DefaultTimelineLimit = 128

// stateKey identifies one entry of the room state table.
type stateKey struct {
	evType   string
	stateKey string
}

// Room is one conversation. The id never changes after assignment. Values
// returned by the manager are deep copies; mutating them does not affect the
// cache.
type Room struct {
	ID         string
	Name       string
	Topic      string
	AvatarURL  string
	CanonAlias string
	Membership Membership

	JoinedCount  int
	InvitedCount int
	Heroes       []Hero

	// Timeline holds the most recent events in arrival order, bounded by
	// the manager's timeline limit.
	Timeline []event.Event
	// PrevBatch is the pagination boundary for backward fill; set from the
	// earliest timeline chunk seen and retained across evictions.
	PrevBatch string

	NotificationCount int
	HighlightCount    int
	Favourite         bool
	Muted             bool

	// LastActivityTS is the origin timestamp of the newest timeline event.
	LastActivityTS int64

	state map[stateKey]event.Event
}

func newRoom(id string) *Room {
	return &Room{
		ID:    id,
		state: make(map[stateKey]event.Event),
	}
}

// StateEvent returns the latest state event for (type, state key), if any.
func (r *Room) StateEvent(evType, sk string) (event.Event, bool) {
	ev, ok := r.state[stateKey{evType, sk}]
	return ev, ok
}

// DisplayName is the calculated human-readable name: explicit name, else
// canonical alias, else a composition of the room's heroes.
func (r *Room) DisplayName() string {
	return calculateRoomName(r.Name, r.CanonAlias, 5, heroInfo{
		Heroes:      r.Heroes,
		JoinCount:   r.JoinedCount,
		InviteCount: r.InvitedCount,
	})
}

// copy returns a deep copy safe to hand to callers.
func (r *Room) copy() Room {
	c := *r
	c.Timeline = make([]event.Event, len(r.Timeline))
	copy(c.Timeline, r.Timeline)
	c.Heroes = make([]Hero, len(r.Heroes))
	copy(c.Heroes, r.Heroes)
	c.state = make(map[stateKey]event.Event, len(r.state))
	for k, v := range r.state {
		c.state[k] = v
	}
	return c
}
