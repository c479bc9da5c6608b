package storage

import "sync"

// MemoryStore keeps cursors and credentials in process memory. Suitable for
// tests and for sessions which do not need to resume across restarts.
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[string]string
	creds   map[string]Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cursors: make(map[string]string),
		creds:   make(map[string]Credential),
	}
}

func (s *MemoryStore) SaveCursor(deviceID, since string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[deviceID] = since
	return nil
}

func (s *MemoryStore) LoadCursor(deviceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[deviceID], nil
}

func (s *MemoryStore) SaveCredential(c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[c.UserID] = c
	return nil
}

func (s *MemoryStore) LoadCredential(userID string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[userID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}
