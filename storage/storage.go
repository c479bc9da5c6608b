// Package storage persists the two things a session needs across restarts:
// the sync cursor for each device and the credential used to authenticate.
// Implementations are injected into the session; the library ships a
// Postgres-backed store and an in-memory store.
package storage

import "time"

// Credential is a stored login for one user/device pair.
type Credential struct {
	UserID      string    `db:"user_id"`
	DeviceID    string    `db:"device_id"`
	AccessToken string    `db:"-"`
	LastSeen    time.Time `db:"last_seen"`
}

// Store is the persistence boundary for a session. All methods are safe for
// concurrent use.
type Store interface {
	// SaveCursor records the sync cursor for a device. Called only after a
	// sync batch has been fully applied.
	SaveCursor(deviceID, since string) error
	// LoadCursor returns the last saved cursor for a device, or "" if the
	// device has never synced.
	LoadCursor(deviceID string) (string, error)
	// SaveCredential upserts a credential.
	SaveCredential(c Credential) error
	// LoadCredential returns the stored credential for a user, or nil if
	// none is stored.
	LoadCredential(userID string) (*Credential, error)
}
