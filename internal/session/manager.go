package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/felixgeelhaar/portalsync/internal/api"
	"github.com/felixgeelhaar/portalsync/internal/credstore"
	"github.com/felixgeelhaar/portalsync/internal/errors"
	"github.com/felixgeelhaar/portalsync/internal/log"
)

const defaultLogoutTimeout = 5 * time.Second

// AuthAPI is the subset of the data source used by the session manager.
type AuthAPI interface {
	Login(ctx context.Context, email, password string) (*api.LoginResponse, error)
	Logout(ctx context.Context, accessToken, refreshToken string) error
	Me(ctx context.Context, accessToken string) (*api.User, error)
}

// Manager owns the in-memory session and its persisted copy.
type Manager struct {
	store  credstore.Store
	auth   AuthAPI
	logger *log.Logger

	// LogoutTimeout bounds the best-effort server logout call.
	LogoutTimeout time.Duration

	// writeMu serializes writers so that changes are published in commit order.
	writeMu    sync.Mutex
	rehydrated bool

	mu        sync.RWMutex
	current   Session
	listeners map[int]func(Change)
	nextID    int
}

// NewManager creates a manager in the anonymous state. Call Rehydrate once
// at startup before serving any reads.
func NewManager(store credstore.Store, auth AuthAPI, logger *log.Logger) *Manager {
	return &Manager{
		store:         store,
		auth:          auth,
		logger:        log.OrDefault(logger).Named("session"),
		LogoutTimeout: defaultLogoutTimeout,
		listeners:     make(map[int]func(Change)),
	}
}

// Current returns a snapshot of the session.
func (m *Manager) Current() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// AccessToken returns the current access token, or "" when anonymous.
func (m *Manager) AccessToken() string {
	return m.Current().AccessToken
}

// RefreshToken returns the current refresh token, or "".
func (m *Manager) RefreshToken() string {
	return m.Current().RefreshToken
}

// Subscribe registers fn for every committed change. Listeners run
// synchronously on the writer's goroutine and must not call Manager
// write methods. The returned function removes the listener.
func (m *Manager) Subscribe(fn func(Change)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// commit installs next and notifies listeners. Caller holds writeMu.
func (m *Manager) commit(reason Reason, next Session) {
	m.mu.Lock()
	prev := m.current
	m.current = next
	fns := make([]func(Change), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	m.logger.Debug("session changed",
		"reason", string(reason),
		"authenticated", next.IsAuthenticated(),
		"token_changed", prev.AccessToken != next.AccessToken,
	)

	change := Change{Reason: reason, Previous: prev, Current: next}
	for _, fn := range fns {
		fn(change)
	}
}

// Rehydrate loads the persisted session. It runs once; later calls return
// the current session. A missing token yields an anonymous session, and an
// unreadable or malformed persisted profile clears the stored group and
// yields an anonymous session. It never fails.
func (m *Manager) Rehydrate(ctx context.Context) Session {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if m.rehydrated {
		return m.Current()
	}
	m.rehydrated = true

	creds, err := m.store.Load(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("discarding unreadable credentials")
		_ = m.clearStore(ctx)
		return m.Current()
	}

	if creds.AccessToken == "" {
		if !creds.IsZero() {
			_ = m.clearStore(ctx)
		}
		return m.Current()
	}

	profile, err := decodeProfile(creds.User)
	if err != nil {
		m.logger.WithError(err).Warn("discarding corrupted persisted profile")
		_ = m.clearStore(ctx)
		return m.Current()
	}

	next := Session{
		UserID:       profile.ID,
		Profile:      profile,
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
	}
	m.commit(ReasonRehydrate, next)
	m.logger.Info("session restored", "user_id", next.UserID)
	return next
}

// Login authenticates, persists the credential group and commits the new
// session, in that order. On any failure nothing is persisted and the
// session is left unchanged.
func (m *Manager) Login(ctx context.Context, email, password string) (Session, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	resp, err := m.auth.Login(ctx, email, password)
	if err != nil {
		pe := errors.Classify(err)
		if pe.Kind == errors.KindAuthentication {
			pe.Code = errors.ErrCodeInvalidCredentials
		}
		m.logger.WithError(pe).Info("login failed")
		return Session{}, pe
	}
	if resp.AccessToken == "" {
		return Session{}, errors.NewInvalidEnvelopeError(fmt.Errorf("login response has no access token"))
	}

	user := resp.User
	if user == nil {
		user, err = m.auth.Me(ctx, resp.AccessToken)
		if err != nil {
			m.logger.WithError(err).Warn("profile fetch after login failed")
			return Session{}, errors.Classify(err)
		}
	}

	next := Session{
		UserID:       user.ID,
		Profile:      profileFromUser(user),
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}

	if err := m.persist(ctx, next); err != nil {
		return Session{}, err
	}

	m.commit(ReasonLogin, next)
	m.logger.Info("signed in", "user_id", next.UserID)
	return next, nil
}

// Logout makes a best-effort server logout, then always clears the stored
// group and resets the session. Only a store failure is returned.
func (m *Manager) Logout(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cur := m.Current()
	if cur.IsAuthenticated() && m.auth != nil {
		callCtx, cancel := context.WithTimeout(ctx, m.LogoutTimeout)
		if err := m.auth.Logout(callCtx, cur.AccessToken, cur.RefreshToken); err != nil {
			m.logger.WithError(err).Warn("server logout failed, clearing local session anyway")
		}
		cancel()
	}

	err := m.clearStore(ctx)
	m.commit(ReasonLogout, Session{})
	return err
}

// Clear tears the session down without contacting the server. It is used
// when the server has already rejected the refresh token.
func (m *Manager) Clear(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if !m.Current().IsAuthenticated() {
		return m.clearStore(ctx)
	}

	err := m.clearStore(ctx)
	m.commit(ReasonExpired, Session{})
	return err
}

// ReplaceTokens swaps both tokens as one unit. The in-memory session is
// updated even if persisting fails, since the server has already rotated
// the pair; the store error is returned. Replacing tokens of a session that
// has ended in the meantime is rejected.
func (m *Manager) ReplaceTokens(ctx context.Context, accessToken, refreshToken string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cur := m.Current()
	if !cur.IsAuthenticated() {
		return errors.NewUnauthenticatedError("session ended before the refresh completed")
	}

	next := cur
	next.AccessToken = accessToken
	next.RefreshToken = refreshToken

	err := m.persist(ctx, next)
	if err != nil {
		m.logger.WithError(err).Error("failed to persist refreshed tokens")
	}

	m.commit(ReasonRefresh, next)
	return err
}

// UpdateUser merges patch into the profile locally and in the store, with
// no server round trip.
func (m *Manager) UpdateUser(ctx context.Context, patch Patch) (Profile, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cur := m.Current()
	if !cur.IsAuthenticated() {
		return Profile{}, errors.NewUnauthenticatedError("no active session")
	}

	next := cur
	next.Profile = patch.apply(cur.Profile)

	if err := m.persist(ctx, next); err != nil {
		return cur.Profile, err
	}

	m.commit(ReasonUpdate, next)
	return next.Profile, nil
}

func (m *Manager) persist(ctx context.Context, s Session) error {
	user, err := json.Marshal(s.Profile)
	if err != nil {
		return errors.Wrap(errors.KindUnknown, errors.ErrCodeStoreWrite, "failed to encode profile", err)
	}

	return m.store.Save(ctx, credstore.Credentials{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		User:         string(user),
	})
}

func (m *Manager) clearStore(ctx context.Context) error {
	if err := m.store.Clear(ctx); err != nil {
		m.logger.WithError(err).Error("failed to clear credentials")
		return err
	}
	return nil
}

func decodeProfile(raw string) (Profile, error) {
	if raw == "" {
		return Profile{}, fmt.Errorf("profile entry is empty")
	}

	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Profile{}, err
	}
	if p.ID == "" {
		return Profile{}, fmt.Errorf("profile has no id")
	}
	return p, nil
}
