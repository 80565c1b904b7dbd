// Package channel keeps the real-time notification channel connected with
// the session's current access token.
//
// The channel never refreshes tokens itself. When the server rejects its
// credential it goes Disconnected and waits for the session manager to
// publish the next token, which the REST path obtains.
package channel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/felixgeelhaar/portalsync/internal/errors"
	"github.com/felixgeelhaar/portalsync/internal/log"
	"github.com/felixgeelhaar/portalsync/internal/metrics"
	"github.com/felixgeelhaar/portalsync/internal/notifications"
	"github.com/felixgeelhaar/portalsync/internal/session"
)

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

var allStates = []State{Disconnected, Connecting, Connected, Reconnecting}

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Sessions is the session manager as seen by the channel.
type Sessions interface {
	Current() session.Session
	Subscribe(fn func(session.Change)) (unsubscribe func())
}

// Sink receives delivered notifications.
type Sink interface {
	Apply(ns ...notifications.Notification) int
}

// Config holds connection settings.
type Config struct {
	URL            string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Manager owns the channel connection. Only its run loop writes the
// connection; state is read under mu.
type Manager struct {
	cfg      Config
	dialer   Dialer
	sessions Sessions
	sink     Sink
	logger   *log.Logger
	metrics  *metrics.Metrics

	// lifecycle serializes restarts and disconnects.
	lifecycle   sync.Mutex
	unsubscribe func()

	mu      sync.Mutex
	state   State
	token   string
	gen     uint64
	conn    Conn
	cancel  context.CancelFunc
	done    chan struct{}
	watches map[int]func(State)
	nextID  int

	// rejected is the last token the server refused; it is not retried.
	rejected string

	writeMu sync.Mutex
}

// NewManager creates a disconnected manager. Call Start to follow session
// changes.
func NewManager(cfg Config, dialer Dialer, sessions Sessions, sink Sink, logger *log.Logger, m *metrics.Metrics) *Manager {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	mgr := &Manager{
		cfg:      cfg,
		dialer:   dialer,
		sessions: sessions,
		sink:     sink,
		logger:   log.OrDefault(logger).Named("channel"),
		metrics:  metrics.OrDiscard(m),
		watches:  make(map[int]func(State)),
	}
	mgr.publish(Disconnected)
	return mgr
}

// Start subscribes to session changes and connects if a session exists.
func (m *Manager) Start(ctx context.Context) {
	m.lifecycle.Lock()
	if m.unsubscribe == nil {
		m.unsubscribe = m.sessions.Subscribe(m.onSessionChange)
	}
	m.lifecycle.Unlock()

	m.EnsureConnected(ctx)
}

func (m *Manager) onSessionChange(c session.Change) {
	if !c.TokenChanged() {
		return
	}
	if c.Current.AccessToken == "" {
		m.Disconnect()
		return
	}
	m.connect(c.Current.AccessToken, true)
}

// EnsureConnected connects with the session's current token. It is a
// no-op when already connected or connecting with that token; a different
// token tears the connection down and reconnects. Without a session the
// channel is disconnected.
func (m *Manager) EnsureConnected(ctx context.Context) {
	token := m.sessions.Current().AccessToken
	if token == "" {
		m.Disconnect()
		return
	}
	m.connect(token, false)
}

// connect (re)starts the run loop for token. With force unset it keeps a
// live loop that already uses token.
func (m *Manager) connect(token string, force bool) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if !force && (token == m.rejected || (m.token == token && m.state != Disconnected)) {
		m.mu.Unlock()
		return
	}
	m.rejected = ""
	m.mu.Unlock()

	m.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.token = token
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	// Published before the loop starts so a concurrent EnsureConnected with
	// the same token sees a live loop.
	m.publish(Connecting)
	go m.run(ctx, gen, token, done)
}

// Disconnect stops the connection and any pending reconnect timer.
func (m *Manager) Disconnect() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.stopLocked()
}

// stopLocked ends the current run loop. Caller holds lifecycle.
func (m *Manager) stopLocked() {
	m.mu.Lock()
	cancel, done, conn := m.cancel, m.done, m.conn
	m.cancel, m.done, m.conn = nil, nil, nil
	m.gen++
	m.token = ""
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	m.publish(Disconnected)
}

// Close disconnects and stops following session changes.
func (m *Manager) Close() {
	m.lifecycle.Lock()
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.lifecycle.Unlock()

	m.Disconnect()
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Watch calls fn on every state transition.
func (m *Manager) Watch(fn func(State)) (unwatch func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watches[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.watches, id)
		m.mu.Unlock()
	}
}

// setState applies s if gen is still the live loop.
func (m *Manager) setState(gen uint64, s State) bool {
	m.mu.Lock()
	live := m.gen == gen
	m.mu.Unlock()
	if live {
		m.publish(s)
	}
	return live
}

func (m *Manager) publish(s State) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	fns := make([]func(State), 0, len(m.watches))
	for _, fn := range m.watches {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.metrics.ChannelState.WithLabelValues(st.String()).Set(v)
	}

	if !changed {
		return
	}
	for _, fn := range fns {
		fn(s)
	}
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialBackoff
	b.MaxInterval = m.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// run connects, reads until the connection drops, and reconnects with
// backoff for as long as ctx lives. An auth rejection ends the loop.
func (m *Manager) run(ctx context.Context, gen uint64, token string, done chan struct{}) {
	defer close(done)

	b := m.newBackOff()
	logger := m.logger

	for attempt := 0; ; attempt++ {
		state := Connecting
		if attempt > 0 {
			state = Reconnecting
		}
		if !m.setState(gen, state) {
			return
		}

		conn, err := m.dialer.Dial(ctx, m.cfg.URL, token)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}

		if err == nil {
			m.metrics.ChannelConnects.WithLabelValues("success").Inc()
			if !m.attach(gen, conn) {
				_ = conn.Close()
				return
			}
			logger.Info("channel connected")
			b.Reset()

			err = m.readLoop(ctx, conn)
			m.detach(gen, conn)
			if ctx.Err() != nil {
				return
			}
		} else {
			m.metrics.ChannelConnects.WithLabelValues("error").Inc()
		}

		if isRejection(err) {
			logger.WithError(err).Warn("channel credential rejected, waiting for a new token")
			m.setState(gen, Disconnected)
			m.mu.Lock()
			if m.gen == gen {
				m.token = ""
				m.rejected = token
			}
			m.mu.Unlock()
			return
		}

		delay := b.NextBackOff()
		logger.WithError(err).Debug("channel dropped, retrying", "attempt", attempt+1, "delay", delay)
		if !m.setState(gen, Reconnecting) {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) attach(gen uint64, conn Conn) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	m.mu.Unlock()
	m.publish(Connected)
	return true
}

func (m *Manager) detach(gen uint64, conn Conn) {
	m.mu.Lock()
	if m.gen == gen && m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.Close()
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		m.handle(f)
	}
}

func (m *Manager) handle(f Frame) {
	switch f.Type {
	case FrameNotification:
		var n notifications.Notification
		if err := json.Unmarshal(f.Data, &n); err != nil {
			m.logger.WithError(err).Warn("dropping malformed notification frame")
			return
		}
		if m.sink != nil {
			m.sink.Apply(n)
		}
	case FrameAck, FramePing:
	default:
		m.logger.Debug("ignoring unknown frame", "type", string(f.Type))
	}
}

// Send writes f on the live connection.
func (m *Manager) Send(ctx context.Context, f Frame) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return errors.New(errors.KindNetwork, errors.ErrCodeChannelClosed, "channel is not connected")
	}
	if err := ctx.Err(); err != nil {
		return errors.Classify(err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(f); err != nil {
		return errors.Wrap(errors.KindNetwork, errors.ErrCodeChannelClosed, "channel write failed", err)
	}
	return nil
}

// Ack sends a read or delete acknowledgement for id.
func (m *Manager) Ack(ctx context.Context, action, id string) error {
	f, err := NewAckFrame(action, id)
	if err != nil {
		return errors.Wrap(errors.KindUnknown, errors.ErrCodeUnknown, "encode ack", err)
	}
	return m.Send(ctx, f)
}
