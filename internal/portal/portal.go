// Package portal wires the session, gateway, cache, mutation and channel
// components into one client and exposes the surface used by the CLI.
package portal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/felixgeelhaar/portalsync/internal/api"
	"github.com/felixgeelhaar/portalsync/internal/cache"
	"github.com/felixgeelhaar/portalsync/internal/channel"
	"github.com/felixgeelhaar/portalsync/internal/config"
	"github.com/felixgeelhaar/portalsync/internal/credstore"
	"github.com/felixgeelhaar/portalsync/internal/gateway"
	"github.com/felixgeelhaar/portalsync/internal/log"
	"github.com/felixgeelhaar/portalsync/internal/metrics"
	"github.com/felixgeelhaar/portalsync/internal/mutation"
	"github.com/felixgeelhaar/portalsync/internal/notifications"
	"github.com/felixgeelhaar/portalsync/internal/refresh"
	"github.com/felixgeelhaar/portalsync/internal/session"
	"github.com/felixgeelhaar/portalsync/internal/version"
)

// Options overrides collaborators, mainly for tests.
type Options struct {
	Logger     *log.Logger
	Registry   *prometheus.Registry
	Store      credstore.Store
	Dialer     channel.Dialer
	HTTPClient *http.Client
}

// Portal is the composition root. It is constructed once at startup,
// rehydrated once by Start and lives for the whole process.
type Portal struct {
	cfg      *config.Config
	logger   *log.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	client        *api.Client
	sessions      *session.Manager
	coordinator   *refresh.Coordinator
	gateway       *gateway.Gateway
	cache         *cache.Cache
	mutations     *mutation.Dispatcher
	list          *notifications.List
	notifications *notifications.Service
	channel       *channel.Manager

	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsub  func()
}

// New builds a portal from cfg. Nothing touches the network until Start.
func New(cfg *config.Config, opts Options) (*Portal, error) {
	logger := log.OrDefault(opts.Logger)

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := metrics.NewMetrics(registry)

	store := opts.Store
	if store == nil {
		var err error
		store, err = NewStore(cfg.Credentials)
		if err != nil {
			return nil, err
		}
	}

	clientOpts := []api.Option{
		api.WithRoutes(cfg.API.Routes),
		api.WithUserAgent(version.GetInfo().UserAgent()),
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, api.WithHTTPClient(opts.HTTPClient))
	}
	client := api.NewClient(cfg.API.BaseURL, clientOpts...)

	sessions := session.NewManager(store, client, logger)
	coordinator := refresh.NewCoordinator(sessions, client, logger, m)
	gw := gateway.New(client, sessions, coordinator,
		gateway.WithLogger(logger),
		gateway.WithMetrics(m),
		gateway.WithTimeout(cfg.API.Timeout),
		gateway.WithRefreshSkew(cfg.Auth.RefreshSkew),
	)

	c := cache.New(
		cache.WithPolicies(cache.Policies(cfg.Cache)),
		cache.WithLogger(logger),
		cache.WithMetrics(m),
	)
	dispatcher := mutation.NewDispatcher(gw, c, logger, m)

	list := notifications.NewList(m)
	svc := notifications.NewService(list, gw, dispatcher, cfg.API.Routes.Notifications, logger)

	p := &Portal{
		cfg:           cfg,
		logger:        logger.Named("portal"),
		registry:      registry,
		metrics:       m,
		client:        client,
		sessions:      sessions,
		coordinator:   coordinator,
		gateway:       gw,
		cache:         c,
		mutations:     dispatcher,
		list:          list,
		notifications: svc,
	}

	if cfg.Channel.Enabled {
		dialer := opts.Dialer
		if dialer == nil {
			dialer = channel.WebsocketDialer{HandshakeTimeout: cfg.Channel.HandshakeTime}
		}
		p.channel = channel.NewManager(channel.Config{
			URL:            cfg.Channel.URL,
			InitialBackoff: cfg.Channel.InitialBackoff,
			MaxBackoff:     cfg.Channel.MaxBackoff,
		}, dialer, sessions, list, logger, m)
		svc.SetAcker(p.channel)
	}

	return p, nil
}

// NewStore opens the configured credential store.
func NewStore(cfg config.CredentialsConfig) (credstore.Store, error) {
	switch cfg.Backend {
	case "memory":
		return credstore.NewMemoryStore(), nil
	default:
		return credstore.NewFileStore(cfg.Path, cfg.Passphrase), nil
	}
}

// Start rehydrates the session and starts the background loops: cache
// collection, the notification channel and the polling fallback. It
// returns the rehydrated session.
func (p *Portal) Start(ctx context.Context) session.Session {
	s := p.sessions.Rehydrate(ctx)

	p.unsub = p.sessions.Subscribe(p.onSessionChange)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	if p.cfg.Cache.GCInterval > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.cache.Run(runCtx, p.cfg.Cache.GCInterval)
		}()
	}

	if p.channel != nil {
		p.channel.Start(ctx)
	}

	if p.cfg.Channel.PollInterval > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.pollLoop(runCtx, p.cfg.Channel.PollInterval)
		}()
	}

	return s
}

// onSessionChange drops data that belongs to a previous user.
func (p *Portal) onSessionChange(c session.Change) {
	if c.Current.UserID == c.Previous.UserID && c.Current.IsAuthenticated() {
		return
	}
	if n := p.cache.Purge(); n > 0 {
		p.logger.Debug("dropped cached data of previous session", "entries", n)
	}
	p.list.Replace(nil)
}

// pollLoop fetches notifications while the real-time channel is not
// connected.
func (p *Portal) pollLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.sessions.Current().IsAuthenticated() {
				continue
			}
			if p.channel != nil && p.channel.State() == channel.Connected {
				continue
			}
			if err := p.notifications.Poll(ctx); err != nil {
				p.logger.WithError(err).Debug("notification poll failed")
			}
		}
	}
}

// Close stops background work and disconnects the channel.
func (p *Portal) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.unsub != nil {
		p.unsub()
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.cache.Close()
}

// Session returns the session manager.
func (p *Portal) Session() *session.Manager { return p.sessions }

// Cache returns the cache layer.
func (p *Portal) Cache() *cache.Cache { return p.cache }

// Notifications returns the notification service.
func (p *Portal) Notifications() *notifications.Service { return p.notifications }

// Channel returns the channel manager, or nil when the channel is disabled.
func (p *Portal) Channel() *channel.Manager { return p.channel }

// Registry returns the metrics registry.
func (p *Portal) Registry() *prometheus.Registry { return p.registry }

// BaseURL returns the data source base URL.
func (p *Portal) BaseURL() string { return p.cfg.API.BaseURL }

// Routes returns the configured routes.
func (p *Portal) Routes() config.Routes { return p.cfg.API.Routes }

// Request issues a generic call through the gateway.
func (p *Portal) Request(ctx context.Context, req gateway.Request, out any) error {
	return p.gateway.Do(ctx, req, out)
}

// Mutate runs a named mutation through the dispatcher.
func (p *Portal) Mutate(ctx context.Context, name string, req gateway.Request, out any) error {
	return p.mutations.Dispatch(ctx, name, req, out)
}

// Login signs in.
func (p *Portal) Login(ctx context.Context, email, password string) (session.Session, error) {
	return p.sessions.Login(ctx, email, password)
}

// Logout signs out. Local state is always cleared.
func (p *Portal) Logout(ctx context.Context) error {
	return p.sessions.Logout(ctx)
}
