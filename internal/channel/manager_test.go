package channel

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/portalsync/internal/api"
	"github.com/felixgeelhaar/portalsync/internal/credstore"
	"github.com/felixgeelhaar/portalsync/internal/errors"
	"github.com/felixgeelhaar/portalsync/internal/log"
	"github.com/felixgeelhaar/portalsync/internal/notifications"
	"github.com/felixgeelhaar/portalsync/internal/session"
)

type stubAuth struct{}

func (stubAuth) Login(ctx context.Context, email, password string) (*api.LoginResponse, error) {
	return &api.LoginResponse{
		TokenPair: api.TokenPair{AccessToken: "T1", RefreshToken: "R1"},
		User:      &api.User{ID: "u1"},
	}, nil
}
func (stubAuth) Logout(ctx context.Context, a, r string) error       { return nil }
func (stubAuth) Me(ctx context.Context, a string) (*api.User, error) { return &api.User{ID: "u1"}, nil }

type fakeConn struct {
	token   string
	frames  chan Frame
	readErr chan error
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written []Frame
}

func newFakeConn(token string) *fakeConn {
	return &fakeConn{
		token:   token,
		frames:  make(chan Frame, 8),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadJSON(v any) error {
	select {
	case f := <-c.frames:
		*(v.(*Frame)) = f
		return nil
	case err := <-c.readErr:
		return err
	case <-c.closed:
		return stderrors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v.(Frame))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu     sync.Mutex
	tokens []string
	conns  []*fakeConn
	// fail returns the dial error for a token, if any.
	fail func(token string) error
	// gate, when set, holds every dial until it is closed.
	gate chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	if d.fail != nil {
		if err := d.fail(token); err != nil {
			return nil, err
		}
	}
	c := newFakeConn(token)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func signedIn(t *testing.T) *session.Manager {
	t.Helper()
	s := session.NewManager(credstore.NewMemoryStore(), stubAuth{}, log.Discard())
	_, err := s.Login(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)
	return s
}

func newManager(t *testing.T, d Dialer, s Sessions, sink Sink) *Manager {
	t.Helper()
	m := NewManager(Config{URL: "ws://test/ws", InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
		d, s, sink, log.Discard(), nil)
	t.Cleanup(m.Close)
	return m
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, 2*time.Second, time.Millisecond,
		"expected state %s, got %s", want, m.State())
}

func TestManager_ReconnectsOnceWhenTokenChanges(t *testing.T) {
	sessions := signedIn(t)
	d := &fakeDialer{}
	m := newManager(t, d, sessions, nil)

	m.Start(context.Background())
	waitState(t, m, Connected)
	assert.Equal(t, []string{"T1"}, d.dialed())
	first := d.last()

	require.NoError(t, sessions.ReplaceTokens(context.Background(), "T2", "R2"))
	waitState(t, m, Connected)
	require.Eventually(t, func() bool { return len(d.dialed()) == 2 }, time.Second, time.Millisecond)

	m.EnsureConnected(context.Background())
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, []string{"T1", "T2"}, d.dialed())
	assert.True(t, first.isClosed(), "connection bound to the old token must be closed")
	assert.Equal(t, "T2", d.last().token)
}

func TestManager_EnsureConnectedIsIdempotent(t *testing.T) {
	sessions := signedIn(t)
	d := &fakeDialer{}
	m := newManager(t, d, sessions, nil)

	m.EnsureConnected(context.Background())
	waitState(t, m, Connected)
	m.EnsureConnected(context.Background())
	m.EnsureConnected(context.Background())

	assert.Len(t, d.dialed(), 1)
}

func TestManager_ConnectingBeforeLoopStarts(t *testing.T) {
	sessions := signedIn(t)
	d := &fakeDialer{gate: make(chan struct{})}
	m := newManager(t, d, sessions, nil)

	var mu sync.Mutex
	var states []State
	m.Watch(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	m.EnsureConnected(context.Background())
	assert.Equal(t, Connecting, m.State())
	m.EnsureConnected(context.Background())
	m.EnsureConnected(context.Background())

	close(d.gate)
	waitState(t, m, Connected)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, []string{"T1"}, d.dialed())
	mu.Lock()
	assert.Equal(t, []State{Connecting, Connected}, states)
	mu.Unlock()
}

func TestManager_LogoutDisconnects(t *testing.T) {
	sessions := signedIn(t)
	d := &fakeDialer{}
	m := newManager(t, d, sessions, nil)

	m.Start(context.Background())
	waitState(t, m, Connected)

	require.NoError(t, sessions.Logout(context.Background()))
	assert.Equal(t, Disconnected, m.State())
	assert.True(t, d.last().isClosed())

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, d.dialed(), 1)
}

func TestManager_AnonymousStaysDisconnected(t *testing.T) {
	sessions := session.NewManager(credstore.NewMemoryStore(), stubAuth{}, log.Discard())
	d := &fakeDialer{}
	m := newManager(t, d, sessions, nil)

	m.Start(context.Background())
	assert.Equal(t, Disconnected, m.State())
	assert.Empty(t, d.dialed())
}

func TestManager_DialRejectionWaitsForNewToken(t *testing.T) {
	sessions := signedIn(t)
	d := &fakeDialer{fail: func(token string) error {
		if token == "T1" {
			return rejected(stderrors.New("bad handshake")).WithStatus(http.StatusUnauthorized)
		}
		return nil
	}}
	m := newManager(t, d, sessions, nil)

	m.Start(context.Background())
	waitState(t, m, Disconnected)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"T1"}, d.dialed(), "a rejected credential is not retried")

	m.EnsureConnected(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"T1"}, d.dialed())

	require.NoError(t, sessions.ReplaceTokens(context.Background(), "T2", "R2"))
	waitState(t, m, Connected)
	assert.Equal(t, []string{"T1", "T2"}, d.dialed())
}

func TestManager_CloseCodeRejection(t *testing.T) {
	sessions := signedIn(t)
	d := &fakeDialer{}
	m := newManager(t, d, sessions, nil)

	m.Start(context.Background())
	waitState(t, m, Connected)

	d.last().readErr <- &websocket.CloseError{Code: CloseUnauthorized, Text: "token expired"}
	waitState(t, m, Disconnected)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, d.dialed(), 1)
}

func TestManager_TransportDropReconnects(t *testing.T) {
	sessions := signedIn(t)
	d := &fakeDialer{}
	m := newManager(t, d, sessions, nil)

	var mu sync.Mutex
	var seen []State
	m.Watch(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	m.Start(context.Background())
	waitState(t, m, Connected)

	d.last().readErr <- &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	require.Eventually(t, func() bool { return len(d.dialed()) == 2 && m.State() == Connected }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{"T1", "T1"}, d.dialed())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, Reconnecting)
}

func TestManager_DisconnectStopsPendingBackoff(t *testing.T) {
	sessions := signedIn(t)
	d := &fakeDialer{fail: func(string) error {
		return errors.New(errors.KindNetwork, errors.ErrCodeNetworkFailed, "connection refused")
	}}
	m := NewManager(Config{URL: "ws://test/ws", InitialBackoff: time.Hour, MaxBackoff: time.Hour},
		d, sessions, nil, log.Discard(), nil)

	m.EnsureConnected(context.Background())
	waitState(t, m, Reconnecting)

	done := make(chan struct{})
	go func() {
		m.Disconnect()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Disconnect did not cancel the backoff timer")
	}
	assert.Equal(t, Disconnected, m.State())
	assert.Len(t, d.dialed(), 1)
}

func TestManager_DeliversNotifications(t *testing.T) {
	sessions := signedIn(t)
	d := &fakeDialer{}
	list := notifications.NewList(nil)
	m := newManager(t, d, sessions, list)

	m.Start(context.Background())
	waitState(t, m, Connected)

	data, _ := json.Marshal(notifications.Notification{ID: "n1", Type: notifications.TypeInvestment, Title: "Order filled"})
	conn := d.last()
	conn.frames <- Frame{Type: FramePing}
	conn.frames <- Frame{Type: FrameNotification, Data: data}
	conn.frames <- Frame{Type: FrameNotification, Data: data}
	conn.frames <- Frame{Type: FrameNotification, Data: json.RawMessage(`{bad`)}

	require.Eventually(t, func() bool { return list.UnreadCount() == 1 }, time.Second, time.Millisecond)
	assert.Len(t, list.Items(), 1)
	assert.Equal(t, Connected, m.State())
}

func TestManager_SendAndAck(t *testing.T) {
	sessions := signedIn(t)
	d := &fakeDialer{}
	m := newManager(t, d, sessions, nil)

	err := m.Ack(context.Background(), "read", "n1")
	assert.Equal(t, errors.ErrCodeChannelClosed, errors.Classify(err).Code)

	m.Start(context.Background())
	waitState(t, m, Connected)

	require.NoError(t, m.Ack(context.Background(), "read", "n1"))
	conn := d.last()
	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.written, 1)
	assert.Equal(t, FrameAck, conn.written[0].Type)
	assert.JSONEq(t, `{"action":"read","id":"n1"}`, string(conn.written[0].Data))
}

func TestWebsocketDialer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer T1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := json.Marshal(notifications.Notification{ID: "ws-1", Type: notifications.TypeSystem})
		_ = conn.WriteJSON(Frame{Type: FrameNotification, Data: data})
		var f Frame
		_ = conn.ReadJSON(&f)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	t.Run("delivers frames", func(t *testing.T) {
		sessions := signedIn(t)
		list := notifications.NewList(nil)
		m := NewManager(Config{URL: url}, WebsocketDialer{HandshakeTimeout: time.Second}, sessions, list, log.Discard(), nil)
		defer m.Close()

		m.Start(context.Background())
		require.Eventually(t, func() bool { _, ok := list.Get("ws-1"); return ok }, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("rejects bad token", func(t *testing.T) {
		_, err := WebsocketDialer{HandshakeTimeout: time.Second}.Dial(context.Background(), url, "wrong")
		require.Error(t, err)
		assert.True(t, isRejection(err))
		assert.Equal(t, http.StatusUnauthorized, errors.Classify(err).StatusCode)
	})
}
