// Package capabilities implements the narrow protocol surfaces a session
// exposes: relations, receipts, typing, presence, push, account data,
// device messaging, profile, media, search and room operations.
//
// Every manager is constructed with the shared Session handle (explicit
// dependency injection, no ambient globals), validates its identifiers,
// surfaces non-2xx responses as protocol failures carrying the server's
// error body, and never retries a write on its own. Managers are mutually
// independent; disposal releases only local state and is idempotent.
package capabilities

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/fedsync/fedclient/event"
)

// Capability is the uniform lifecycle contract the registry manages.
type Capability interface {
	Name() string
	// Dispose releases local state. Idempotent; never touches the network.
	Dispose()
}

// Encryptor is the pluggable boundary for end-to-end encryption. Key
// exchange internals live behind this interface and outside this module; a
// nil Encryptor means events pass through in clear.
type Encryptor interface {
	// EncryptEvent maps plaintext content to an encrypted event type and
	// payload before sending.
	EncryptEvent(ctx context.Context, roomID, evType string, content json.RawMessage) (string, json.RawMessage, error)
	// DecryptEvent maps a received encrypted event back to plaintext.
	DecryptEvent(ctx context.Context, ev event.Event) (event.Event, error)
}

// Registry owns the capability managers of one session with a uniform
// construct/dispose lifecycle: managers register in dependency order and
// dispose in reverse.
type Registry struct {
	mu        sync.Mutex
	ordered   []Capability
	byName    map[string]Capability
	encryptor Encryptor
	disposed  bool
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Capability),
	}
}

// Register adds a capability. Registering a duplicate name replaces the
// lookup entry but both instances are disposed.
func (r *Registry) Register(c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ordered = append(r.ordered, c)
	r.byName[c.Name()] = c
}

// Get returns the capability registered under name, or nil.
func (r *Registry) Get(name string) Capability {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName[name]
}

// SetEncryptor installs the encryption boundary. Pass nil to clear.
func (r *Registry) SetEncryptor(e Encryptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.encryptor = e
}

// Encryptor returns the installed encryption boundary, or nil.
func (r *Registry) Encryptor() Encryptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.encryptor
}

// DisposeAll disposes every capability in reverse registration order.
// Idempotent.
func (r *Registry) DisposeAll() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	caps := make([]Capability, len(r.ordered))
	copy(caps, r.ordered)
	r.mu.Unlock()
	for i := len(caps) - 1; i >= 0; i-- {
		caps[i].Dispose()
	}
}
