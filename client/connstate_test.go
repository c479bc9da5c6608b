package client

import (
	"errors"
	"testing"
)

func TestStateMachineEdges(t *testing.T) {
	testCases := []struct {
		from State
		to   State
		want bool
	}{
		{Disconnected, Connecting, true},
		{Connecting, Connected, true},
		{Connected, Syncing, true},
		{Syncing, Connected, true},
		{Connecting, Failed, true},
		{Reconnecting, Failed, true},
		{Reconnecting, Connected, true},
		{Syncing, Reconnecting, true},
		{Connected, Reconnecting, true},
		{Connected, Disconnected, true},
		{Syncing, WaitingForToken, true},
		{WaitingForToken, Connecting, true},
		// illegal edges
		{Disconnected, Connected, false},
		{Disconnected, Syncing, false},
		{Connecting, Syncing, false},
		{Syncing, Failed, false},
		{Failed, Connected, false},
		{WaitingForToken, Syncing, false},
	}
	for _, tc := range testCases {
		got := legal(tc.from, tc.to)
		if got != tc.want {
			t.Errorf("legal(%v, %v) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStateMachineTransitions(t *testing.T) {
	var transitions [][2]State
	m := NewStateMachine(func(from, to State, err error) {
		transitions = append(transitions, [2]State{from, to})
	})
	if got := m.Current(); got != Disconnected {
		t.Fatalf("initial state: got %v want %v", got, Disconnected)
	}
	steps := []State{Connecting, Connected, Syncing, Connected, Syncing}
	for _, s := range steps {
		if !m.Transition(s) {
			t.Fatalf("Transition(%v) refused", s)
		}
	}
	if got := m.Current(); got != Syncing {
		t.Fatalf("Current: got %v want %v", got, Syncing)
	}
	if len(transitions) != len(steps) {
		t.Fatalf("got %d transitions, want %d", len(transitions), len(steps))
	}
	// occurrence order, each callback carries the prior state
	prev := Disconnected
	for i, tr := range transitions {
		if tr[0] != prev || tr[1] != steps[i] {
			t.Errorf("transition %d: got %v->%v want %v->%v", i, tr[0], tr[1], prev, steps[i])
		}
		prev = steps[i]
	}
}

func TestStateMachineSuppressesRepeats(t *testing.T) {
	fired := 0
	m := NewStateMachine(func(from, to State, err error) { fired++ })
	m.Transition(Connecting)
	if m.Transition(Connecting) {
		t.Errorf("repeat transition should be suppressed")
	}
	if fired != 1 {
		t.Errorf("callback fired %d times, want 1", fired)
	}
	if got := m.Current(); got != Connecting {
		t.Errorf("Current: got %v want %v", got, Connecting)
	}
}

func TestStateMachineRefusesIllegalEdge(t *testing.T) {
	m := NewStateMachine(nil)
	if m.Transition(Syncing) {
		t.Errorf("disconnected -> syncing should be refused")
	}
	if got := m.Current(); got != Disconnected {
		t.Errorf("illegal edge changed state: got %v want %v", got, Disconnected)
	}
}

func TestStateMachineErrCarried(t *testing.T) {
	cause := errors.New("connection reset")
	var gotErr error
	m := NewStateMachine(func(from, to State, err error) {
		if to == Reconnecting {
			gotErr = err
		}
	})
	m.Transition(Connecting)
	m.Transition(Connected)
	m.TransitionErr(Reconnecting, cause)
	if gotErr != cause {
		t.Errorf("got err %v, want %v", gotErr, cause)
	}
}

func TestStateMachineDispose(t *testing.T) {
	var transitions [][2]State
	m := NewStateMachine(func(from, to State, err error) {
		transitions = append(transitions, [2]State{from, to})
	})
	m.Transition(Connecting)
	m.Transition(Connected)
	m.Dispose()
	if got := m.Current(); got != Disconnected {
		t.Fatalf("post-dispose state: got %v want %v", got, Disconnected)
	}
	if !m.Disposed() {
		t.Fatalf("Disposed() = false after Dispose")
	}
	n := len(transitions)
	if n != 3 {
		t.Fatalf("got %d transitions, want 3", n)
	}
	if transitions[2] != [2]State{Connected, Disconnected} {
		t.Errorf("final transition: got %v->%v", transitions[2][0], transitions[2][1])
	}

	// terminal: every further edge is refused and emits nothing
	if m.Transition(Connecting) {
		t.Errorf("transition accepted after dispose")
	}
	m.Dispose() // idempotent
	if len(transitions) != n {
		t.Errorf("dispose emitted %d extra transitions", len(transitions)-n)
	}
}
