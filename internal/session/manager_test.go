package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/portalsync/internal/api"
	"github.com/felixgeelhaar/portalsync/internal/credstore"
	"github.com/felixgeelhaar/portalsync/internal/errors"
	"github.com/felixgeelhaar/portalsync/internal/log"
)

type fakeAuth struct {
	mu         sync.Mutex
	loginResp  *api.LoginResponse
	loginErr   error
	me         *api.User
	meErr      error
	logoutErr  error
	logoutCall int
}

func (f *fakeAuth) Login(ctx context.Context, email, password string) (*api.LoginResponse, error) {
	return f.loginResp, f.loginErr
}

func (f *fakeAuth) Logout(ctx context.Context, access, refresh string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCall++
	return f.logoutErr
}

func (f *fakeAuth) Me(ctx context.Context, access string) (*api.User, error) {
	return f.me, f.meErr
}

type failingStore struct {
	credstore.MemoryStore
	saveErr  error
	clearErr error
}

func (s *failingStore) Save(ctx context.Context, c credstore.Credentials) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.MemoryStore.Save(ctx, c)
}

func (s *failingStore) Clear(ctx context.Context) error {
	if s.clearErr != nil {
		return s.clearErr
	}
	return s.MemoryStore.Clear(ctx)
}

func validLogin() *api.LoginResponse {
	return &api.LoginResponse{
		TokenPair: api.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"},
		User:      &api.User{ID: "u1", Email: "ada@example.com", FirstName: "Ada", LastName: "Lovelace"},
	}
}

func TestManager_Login(t *testing.T) {
	store := credstore.NewMemoryStore()
	m := NewManager(store, &fakeAuth{loginResp: validLogin()}, log.Discard())

	var changes []Change
	m.Subscribe(func(c Change) { changes = append(changes, c) })

	s, err := m.Login(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)

	assert.True(t, s.IsAuthenticated())
	assert.Equal(t, "u1", s.UserID)
	assert.Equal(t, "Ada Lovelace", s.Profile.DisplayName())
	assert.Equal(t, s, m.Current())

	creds, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", creds.AccessToken)
	assert.Equal(t, "refresh-1", creds.RefreshToken)
	assert.Contains(t, creds.User, `"id":"u1"`)

	require.Len(t, changes, 1)
	assert.Equal(t, ReasonLogin, changes[0].Reason)
	assert.True(t, changes[0].TokenChanged())
}

func TestManager_LoginFetchesProfileWhenAbsent(t *testing.T) {
	resp := validLogin()
	resp.User = nil
	auth := &fakeAuth{loginResp: resp, me: &api.User{ID: "u2", Email: "grace@example.com"}}
	m := NewManager(credstore.NewMemoryStore(), auth, log.Discard())

	s, err := m.Login(context.Background(), "grace@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "u2", s.UserID)
	assert.Equal(t, "grace@example.com", s.Profile.DisplayName())
}

func TestManager_LoginFailureLeavesNoState(t *testing.T) {
	tests := []struct {
		name  string
		auth  *fakeAuth
		store credstore.Store
		kind  errors.Kind
	}{
		{
			name:  "invalid credentials",
			auth:  &fakeAuth{loginErr: errors.FromStatus(401, "bad password")},
			store: credstore.NewMemoryStore(),
			kind:  errors.KindAuthentication,
		},
		{
			name:  "profile fetch fails",
			auth:  &fakeAuth{loginResp: &api.LoginResponse{TokenPair: api.TokenPair{AccessToken: "a", RefreshToken: "r"}}, meErr: errors.FromStatus(500, "")},
			store: credstore.NewMemoryStore(),
			kind:  errors.KindServer,
		},
		{
			name:  "store write fails",
			auth:  &fakeAuth{loginResp: validLogin()},
			store: &failingStore{saveErr: errors.New(errors.KindUnknown, errors.ErrCodeStoreWrite, "disk full")},
			kind:  errors.KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(tt.store, tt.auth, log.Discard())
			notified := false
			m.Subscribe(func(Change) { notified = true })

			_, err := m.Login(context.Background(), "ada@example.com", "secret")
			require.Error(t, err)
			assert.Equal(t, tt.kind, errors.KindOf(err))

			assert.False(t, m.Current().IsAuthenticated())
			assert.False(t, notified)

			creds, _ := tt.store.Load(context.Background())
			assert.True(t, creds.IsZero())
		})
	}
}

func TestManager_LoginInvalidCredentialsCode(t *testing.T) {
	m := NewManager(credstore.NewMemoryStore(), &fakeAuth{loginErr: errors.FromStatus(401, "")}, log.Discard())
	_, err := m.Login(context.Background(), "x", "y")
	assert.Equal(t, errors.ErrCodeInvalidCredentials, errors.Classify(err).Code)
}

func TestManager_LogoutClearsEvenWhenServerFails(t *testing.T) {
	store := credstore.NewMemoryStore()
	auth := &fakeAuth{loginResp: validLogin(), logoutErr: fmt.Errorf("connection reset")}
	m := NewManager(store, auth, log.Discard())

	_, err := m.Login(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)

	var last Change
	m.Subscribe(func(c Change) { last = c })

	require.NoError(t, m.Logout(context.Background()))

	assert.Equal(t, 1, auth.logoutCall)
	assert.False(t, m.Current().IsAuthenticated())
	assert.Equal(t, ReasonLogout, last.Reason)
	assert.Equal(t, "access-1", last.Previous.AccessToken)

	creds, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, creds.AccessToken)
	assert.Empty(t, creds.RefreshToken)
	assert.Empty(t, creds.User)
}

func TestManager_LogoutWhenAnonymousSkipsServer(t *testing.T) {
	auth := &fakeAuth{}
	m := NewManager(credstore.NewMemoryStore(), auth, log.Discard())
	require.NoError(t, m.Logout(context.Background()))
	assert.Zero(t, auth.logoutCall)
}

func TestManager_Rehydrate(t *testing.T) {
	profile, _ := json.Marshal(Profile{ID: "u1", Email: "ada@example.com"})

	tests := []struct {
		name      string
		creds     credstore.Credentials
		wantAuth  bool
		wantClear bool
	}{
		{
			name:     "valid token and profile",
			creds:    credstore.Credentials{AccessToken: "a", RefreshToken: "r", User: string(profile)},
			wantAuth: true,
		},
		{
			name:  "empty store",
			creds: credstore.Credentials{},
		},
		{
			name:      "refresh token without access token",
			creds:     credstore.Credentials{RefreshToken: "r"},
			wantClear: true,
		},
		{
			name:      "malformed profile json",
			creds:     credstore.Credentials{AccessToken: "a", RefreshToken: "r", User: "{not json"},
			wantClear: true,
		},
		{
			name:      "profile without id",
			creds:     credstore.Credentials{AccessToken: "a", RefreshToken: "r", User: `{"email":"x"}`},
			wantClear: true,
		},
		{
			name:      "missing profile",
			creds:     credstore.Credentials{AccessToken: "a", RefreshToken: "r"},
			wantClear: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := credstore.NewMemoryStore()
			require.NoError(t, store.Save(context.Background(), tt.creds))

			m := NewManager(store, &fakeAuth{}, log.Discard())

			var s Session
			assert.NotPanics(t, func() { s = m.Rehydrate(context.Background()) })
			assert.Equal(t, tt.wantAuth, s.IsAuthenticated())
			assert.Equal(t, tt.wantAuth, m.Current().IsAuthenticated())

			after, err := store.Load(context.Background())
			require.NoError(t, err)
			if tt.wantClear {
				assert.True(t, after.IsZero(), "corrupted credentials should be cleared")
			}
			if tt.wantAuth {
				assert.Equal(t, "u1", s.UserID)
			}
		})
	}
}

func TestManager_RehydrateRunsOnce(t *testing.T) {
	store := credstore.NewMemoryStore()
	m := NewManager(store, &fakeAuth{}, log.Discard())
	assert.False(t, m.Rehydrate(context.Background()).IsAuthenticated())

	profile, _ := json.Marshal(Profile{ID: "u1"})
	require.NoError(t, store.Save(context.Background(), credstore.Credentials{AccessToken: "a", User: string(profile)}))

	assert.False(t, m.Rehydrate(context.Background()).IsAuthenticated())
}

func TestManager_ReplaceTokens(t *testing.T) {
	store := credstore.NewMemoryStore()
	m := NewManager(store, &fakeAuth{loginResp: validLogin()}, log.Discard())

	assert.True(t, errors.IsKind(m.ReplaceTokens(context.Background(), "a", "r"), errors.KindAuthentication))

	_, err := m.Login(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)

	var last Change
	m.Subscribe(func(c Change) { last = c })

	require.NoError(t, m.ReplaceTokens(context.Background(), "access-2", "refresh-2"))

	assert.Equal(t, "access-2", m.AccessToken())
	assert.Equal(t, "refresh-2", m.RefreshToken())
	assert.Equal(t, "u1", m.Current().UserID)
	assert.Equal(t, ReasonRefresh, last.Reason)
	assert.True(t, last.TokenChanged())

	creds, _ := store.Load(context.Background())
	assert.Equal(t, "access-2", creds.AccessToken)
	assert.Equal(t, "refresh-2", creds.RefreshToken)
}

func TestManager_ReplaceTokensCommitsWhenStoreFails(t *testing.T) {
	store := &failingStore{}
	m := NewManager(store, &fakeAuth{loginResp: validLogin()}, log.Discard())
	_, err := m.Login(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)

	store.saveErr = errors.New(errors.KindUnknown, errors.ErrCodeStoreWrite, "read-only")
	err = m.ReplaceTokens(context.Background(), "access-2", "refresh-2")
	require.Error(t, err)
	assert.Equal(t, "access-2", m.AccessToken())
}

func TestManager_ClearNotifiesExpired(t *testing.T) {
	m := NewManager(credstore.NewMemoryStore(), &fakeAuth{loginResp: validLogin()}, log.Discard())
	_, err := m.Login(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)

	var reasons []Reason
	m.Subscribe(func(c Change) { reasons = append(reasons, c.Reason) })

	require.NoError(t, m.Clear(context.Background()))
	require.NoError(t, m.Clear(context.Background()))

	assert.False(t, m.Current().IsAuthenticated())
	assert.Equal(t, []Reason{ReasonExpired}, reasons)
}

func TestManager_UpdateUser(t *testing.T) {
	store := credstore.NewMemoryStore()
	m := NewManager(store, &fakeAuth{loginResp: validLogin()}, log.Discard())

	_, err := m.UpdateUser(context.Background(), Patch{})
	assert.True(t, errors.IsKind(err, errors.KindAuthentication))

	_, err = m.Login(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)

	phone := "+1 555 0100"
	first := "Augusta"
	p, err := m.UpdateUser(context.Background(), Patch{Phone: &phone, FirstName: &first})
	require.NoError(t, err)

	assert.Equal(t, "Augusta", p.FirstName)
	assert.Equal(t, "Lovelace", p.LastName)
	assert.Equal(t, phone, m.Current().Profile.Phone)
	assert.Equal(t, "access-1", m.AccessToken())

	creds, _ := store.Load(context.Background())
	assert.Contains(t, creds.User, "Augusta")
}

func TestManager_Unsubscribe(t *testing.T) {
	m := NewManager(credstore.NewMemoryStore(), &fakeAuth{loginResp: validLogin()}, log.Discard())
	count := 0
	unsubscribe := m.Subscribe(func(Change) { count++ })
	unsubscribe()
	unsubscribe()

	_, err := m.Login(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret-key-at-least-32-bytes-long"))
	require.NoError(t, err)

	got, ok := TokenExpiry(token)
	require.True(t, ok)
	assert.True(t, got.Equal(exp))

	assert.False(t, ExpiresWithin(token, time.Now(), time.Minute))
	assert.True(t, ExpiresWithin(token, time.Now(), 15*time.Minute))

	_, ok = TokenExpiry("opaque-token")
	assert.False(t, ok)
	assert.False(t, ExpiresWithin("opaque-token", time.Now(), time.Hour))
}
