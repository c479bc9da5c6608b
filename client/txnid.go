package client

import (
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/fedsync/fedclient/event"
)

// NewTxnID returns a transaction id unique for the process lifetime. It is
// the sole idempotency key for a write: retrying a write MUST reuse the
// id it was first attempted with.
func NewTxnID() string {
	return "fed" + uuid.NewString()
}

// PendingTxns remembers locally submitted events by transaction id until the
// server echo arrives via sync, so the room manager can collapse the echo
// and the local event into one timeline entry.
type PendingTxns struct {
	cache *ttlcache.Cache[string, event.Event]
}

func NewPendingTxns() *PendingTxns {
	c := ttlcache.New[string, event.Event](
		// keep transaction IDs for 5 minutes before forgetting about them
		ttlcache.WithTTL[string, event.Event](5*time.Minute),
		// we don't care how many times they ask for the item, 5min is the limit.
		ttlcache.WithDisableTouchOnHit[string, event.Event](),
	)
	go c.Start()
	return &PendingTxns{cache: c}
}

// Store a local echo under its transaction id.
func (p *PendingTxns) Store(txnID string, ev event.Event) {
	p.cache.Set(txnID, ev, ttlcache.DefaultTTL)
}

// Get a local echo previously stored.
func (p *PendingTxns) Get(txnID string) (event.Event, bool) {
	item := p.cache.Get(txnID)
	if item == nil {
		return event.Event{}, false
	}
	return item.Value(), true
}

// Remove drops a reconciled transaction id.
func (p *PendingTxns) Remove(txnID string) {
	p.cache.Delete(txnID)
}

// Stop halts the cache's expiry goroutine.
func (p *PendingTxns) Stop() {
	p.cache.Stop()
}
