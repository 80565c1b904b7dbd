// Package credstore persists the credential group (access token, refresh
// token, user profile) across process restarts.
package credstore

import (
	"context"
	"sync"
)

// Entry names of the persisted credential group.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyUser         = "user"
)

// Credentials is the persisted credential group. User holds the
// JSON-serialized minimal profile exactly as written.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	User         string
}

// IsZero reports whether no entry is set.
func (c Credentials) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == "" && c.User == ""
}

func (c Credentials) entries() map[string]string {
	return map[string]string{
		KeyAccessToken:  c.AccessToken,
		KeyRefreshToken: c.RefreshToken,
		KeyUser:         c.User,
	}
}

func fromEntries(m map[string]string) Credentials {
	return Credentials{
		AccessToken:  m[KeyAccessToken],
		RefreshToken: m[KeyRefreshToken],
		User:         m[KeyUser],
	}
}

// Store is durable storage for the credential group.
//
// Save and Clear operate on the whole group atomically: a reader never
// observes a new access token next to an old refresh token.
type Store interface {
	// Load returns the persisted group. An empty store yields zero
	// Credentials and no error.
	Load(ctx context.Context) (Credentials, error)

	// Save replaces the whole group.
	Save(ctx context.Context, creds Credentials) error

	// Clear removes the whole group.
	Clear(ctx context.Context) error
}

// MemoryStore keeps credentials in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	creds Credentials
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns the stored group.
func (m *MemoryStore) Load(ctx context.Context) (Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds, nil
}

// Save replaces the stored group.
func (m *MemoryStore) Save(ctx context.Context, creds Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = creds
	return nil
}

// Clear removes the stored group.
func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = Credentials{}
	return nil
}
