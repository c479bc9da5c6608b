// Package pubsub implements the broadcast streams a session exposes to its
// consumers: decoded protocol events and connection-state transitions.
//
// Delivery is at-least-once and per-producer FIFO. Backpressure policy: each
// subscriber has a bounded queue; when it is full the oldest queued payload
// is dropped to make room. A slow consumer therefore loses the oldest
// updates rather than stalling the sync loop. Consumers needing coalescing
// (e.g. typing indicators) debounce on their side; the core emits every
// change.
package pubsub

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Every payload needs a type to distinguish what kind of update it is.
type Payload interface {
	Type() string
}

// Notifier represents the common functions required by all notifiers
type Notifier interface {
	// Notify subscribers that there is a new payload p.
	Notify(p Payload)
	// Close is called when no further payloads will be sent.
	Close()
}

// Subscription is one subscriber's view of the stream. Receive on Ch; call
// Unsubscribe when done. Ch is closed when the publisher closes or the
// subscription is removed.
type Subscription struct {
	Ch <-chan Payload

	ch      chan Payload
	ps      *PubSub
	dropped int
	once    sync.Once
}

// Unsubscribe removes the subscription and closes its channel. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.ps.remove(s)
	})
}

// Dropped returns how many payloads were evicted from this subscriber's
// queue because it was full.
func (s *Subscription) Dropped() int {
	s.ps.mu.Lock()
	defer s.ps.mu.Unlock()
	return s.dropped
}

type PubSub struct {
	mu         sync.Mutex
	subs       map[*Subscription]struct{}
	bufferSize int
	closed     bool
}

func NewPubSub(bufferSize int) *PubSub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &PubSub{
		subs:       make(map[*Subscription]struct{}),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a new subscriber. Subscribing to a closed PubSub
// returns a subscription whose channel is already closed.
func (ps *PubSub) Subscribe() *Subscription {
	ch := make(chan Payload, ps.bufferSize)
	sub := &Subscription{Ch: ch, ch: ch, ps: ps}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		close(ch)
		return sub
	}
	ps.subs[sub] = struct{}{}
	return sub
}

// Notify delivers p to every subscriber. Never blocks: a full subscriber
// queue drops its oldest entry first.
func (ps *PubSub) Notify(p Payload) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return
	}
	for sub := range ps.subs {
		select {
		case sub.ch <- p:
		default:
			// full: evict the oldest then retry once
			select {
			case <-sub.ch:
				sub.dropped++
			default:
			}
			select {
			case sub.ch <- p:
			default:
			}
		}
	}
}

// Close closes every subscriber channel. Idempotent. No payload is delivered
// after Close returns.
func (ps *PubSub) Close() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return
	}
	ps.closed = true
	for sub := range ps.subs {
		close(sub.ch)
	}
	ps.subs = make(map[*Subscription]struct{})
}

func (ps *PubSub) remove(sub *Subscription) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := ps.subs[sub]; !ok {
		return
	}
	delete(ps.subs, sub)
	close(sub.ch)
}

// Wrapper around a Notifier which adds Prometheus metrics
type PromNotifier struct {
	Notifier
	msgCounter *prometheus.CounterVec
}

func (p *PromNotifier) Notify(payload Payload) {
	p.msgCounter.WithLabelValues(payload.Type()).Inc()
	p.Notifier.Notify(payload)
}

func (p *PromNotifier) Close() {
	prometheus.Unregister(p.msgCounter)
	p.Notifier.Close()
}

// Wrap a notifier for prometheus metrics
func NewPromNotifier(n Notifier, subsystem string) Notifier {
	p := &PromNotifier{
		Notifier: n,
		msgCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedclient",
			Subsystem: subsystem,
			Name:      "num_payloads",
			Help:      "Number of payloads published",
		}, []string{"payload_type"}),
	}
	prometheus.MustRegister(p.msgCounter)
	return p
}
