package client

import (
	"sync"

	"github.com/fedsync/fedclient/internal"
)

// State is the connection state of a session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Syncing
	Reconnecting
	Failed
	WaitingForToken
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Syncing:
		return "syncing"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	case WaitingForToken:
		return "waitingForToken"
	}
	return "unknown"
}

// StateMachine tracks the connection state of one session and notifies a
// single callback on every transition, in occurrence order. Transitions to
// the current state are suppressed: the callback never fires twice in a row
// for the same state. Once disposed the machine is terminal and refuses
// every edge.
type StateMachine struct {
	mu       sync.Mutex
	current  State
	disposed bool
	// onTransition fires outside no lock ordering guarantees other than
	// occurrence order; it must not call back into the machine.
	onTransition func(from, to State, err error)
}

func NewStateMachine(onTransition func(from, to State, err error)) *StateMachine {
	return &StateMachine{
		current:      Disconnected,
		onTransition: onTransition,
	}
}

// legal reports whether from -> to is a defined edge.
//
// Edges: disconnected->connecting; connecting->connected|failed;
// connected<->syncing; any->reconnecting (transient failure);
// reconnecting->connected|failed; any->disconnected (explicit
// disconnect/dispose); any->waitingForToken (credential invalidated);
// waitingForToken->connecting (fresh credential supplied).
func legal(from, to State) bool {
	switch to {
	case Disconnected, Reconnecting, WaitingForToken:
		return true
	case Connecting:
		return from == Disconnected || from == WaitingForToken
	case Connected:
		return from == Connecting || from == Syncing || from == Reconnecting
	case Syncing:
		return from == Connected
	case Failed:
		return from == Connecting || from == Reconnecting
	}
	return false
}

// Transition moves to the given state. Returns true if the edge was taken,
// false if it was suppressed (already in that state) or refused (illegal
// edge or disposed machine). Illegal edges leave the state unchanged.
func (m *StateMachine) Transition(to State) bool {
	return m.TransitionErr(to, nil)
}

// TransitionErr is Transition carrying the error that caused the edge, for
// transitions into Failed or Reconnecting.
func (m *StateMachine) TransitionErr(to State, err error) bool {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return false
	}
	from := m.current
	if from == to {
		m.mu.Unlock()
		return false
	}
	if !legal(from, to) {
		m.mu.Unlock()
		internal.Assert("connection state edge "+from.String()+" -> "+to.String()+" is defined", false)
		return false
	}
	m.current = to
	cb := m.onTransition
	m.mu.Unlock()
	if cb != nil {
		cb(from, to, err)
	}
	return true
}

// Current returns the current state.
func (m *StateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Dispose moves to Disconnected (emitting the transition if not already
// there) and then seals the machine. Idempotent.
func (m *StateMachine) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	from := m.current
	m.current = Disconnected
	m.disposed = true
	cb := m.onTransition
	m.mu.Unlock()
	if cb != nil && from != Disconnected {
		cb(from, Disconnected, nil)
	}
}

// Disposed reports whether Dispose has been called.
func (m *StateMachine) Disposed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed
}
