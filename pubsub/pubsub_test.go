package pubsub

import (
	"fmt"
	"testing"
)

type testPayload struct {
	n int
}

func (t *testPayload) Type() string { return "test" }

func TestPubSubFanOut(t *testing.T) {
	ps := NewPubSub(8)
	defer ps.Close()
	subA := ps.Subscribe()
	subB := ps.Subscribe()
	for i := 0; i < 3; i++ {
		ps.Notify(&testPayload{n: i})
	}
	for name, sub := range map[string]*Subscription{"A": subA, "B": subB} {
		for i := 0; i < 3; i++ {
			p := <-sub.Ch
			got := p.(*testPayload).n
			if got != i {
				t.Errorf("sub %s payload %d: got %d", name, i, got)
			}
		}
	}
}

func TestPubSubDropsOldestWhenFull(t *testing.T) {
	ps := NewPubSub(2)
	defer ps.Close()
	sub := ps.Subscribe()
	for i := 0; i < 5; i++ {
		ps.Notify(&testPayload{n: i})
	}
	// queue of 2: the oldest three were evicted, the newest two remain
	if got := sub.Dropped(); got != 3 {
		t.Errorf("Dropped: got %d want 3", got)
	}
	first := (<-sub.Ch).(*testPayload).n
	second := (<-sub.Ch).(*testPayload).n
	if first != 3 || second != 4 {
		t.Errorf("remaining payloads: got %d,%d want 3,4", first, second)
	}
}

func TestPubSubUnsubscribe(t *testing.T) {
	ps := NewPubSub(8)
	defer ps.Close()
	sub := ps.Subscribe()
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent
	if _, ok := <-sub.Ch; ok {
		t.Errorf("channel open after Unsubscribe")
	}
	// must not panic or block
	ps.Notify(&testPayload{n: 1})
}

func TestPubSubClose(t *testing.T) {
	ps := NewPubSub(8)
	sub := ps.Subscribe()
	ps.Notify(&testPayload{n: 1})
	ps.Close()
	ps.Close() // idempotent
	// nothing delivered after close
	ps.Notify(&testPayload{n: 2})

	var got []int
	for p := range sub.Ch {
		got = append(got, p.(*testPayload).n)
	}
	if fmt.Sprint(got) != "[1]" {
		t.Errorf("payloads after close: got %v want [1]", got)
	}

	late := ps.Subscribe()
	if _, ok := <-late.Ch; ok {
		t.Errorf("subscription on closed pubsub should have a closed channel")
	}
}

func TestPayloadTypes(t *testing.T) {
	testCases := []struct {
		p    Payload
		want string
	}{
		{&EventPayload{}, "EventPayload"},
		{&StatePayload{}, "StatePayload"},
		{&TypingPayload{}, "TypingPayload"},
		{&ReceiptPayload{}, "ReceiptPayload"},
		{&PresencePayload{}, "PresencePayload"},
		{&ToDevicePayload{}, "ToDevicePayload"},
		{&AccountDataPayload{}, "AccountDataPayload"},
		{&RoomPayload{}, "RoomPayload"},
	}
	for _, tc := range testCases {
		if got := tc.p.Type(); got != tc.want {
			t.Errorf("%T.Type() = %q, want %q", tc.p, got, tc.want)
		}
	}
}
