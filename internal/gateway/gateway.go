// Package gateway is the only path from the portal core to the data source.
//
// Every call carries the current access token and a request id, is bounded
// by a timeout, and returns errors already classified into errors.Kind. An
// authentication failure triggers one coordinated refresh and exactly one
// retry.
package gateway

import (
	"context"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/felixgeelhaar/portalsync/internal/api"
	"github.com/felixgeelhaar/portalsync/internal/errors"
	"github.com/felixgeelhaar/portalsync/internal/log"
	"github.com/felixgeelhaar/portalsync/internal/metrics"
	"github.com/felixgeelhaar/portalsync/internal/refresh"
	"github.com/felixgeelhaar/portalsync/internal/session"
	"github.com/felixgeelhaar/portalsync/internal/telemetry"
)

const defaultTimeout = 15 * time.Second

// Request describes one logical call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any

	// Anonymous calls carry no token and never trigger a refresh.
	Anonymous bool

	// Timeout overrides the gateway default for this call.
	Timeout time.Duration
}

// Transport performs a single HTTP exchange. *api.Client implements it.
type Transport interface {
	Do(ctx context.Context, call api.Call, out any) (api.Response, error)
}

// TokenSource yields the current session.
type TokenSource interface {
	Current() session.Session
}

// Refresher resolves an authentication failure. *refresh.Coordinator
// implements it.
type Refresher interface {
	Refresh(ctx context.Context, staleToken string) refresh.Result
}

// Gateway wraps outgoing calls with authentication and classification.
type Gateway struct {
	transport Transport
	sessions  TokenSource
	refresher Refresher
	logger    *log.Logger
	metrics   *metrics.Metrics

	timeout     time.Duration
	refreshSkew time.Duration
	now         func() time.Time
}

// Option configures a Gateway
type Option func(*Gateway)

// WithLogger sets the logger
func WithLogger(l *log.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithTimeout sets the default per-call timeout
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// WithRefreshSkew enables proactive refresh of JWT access tokens that
// expire within d.
func WithRefreshSkew(d time.Duration) Option {
	return func(g *Gateway) { g.refreshSkew = d }
}

// WithClock replaces the time source used for expiry checks
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New creates a gateway.
func New(transport Transport, sessions TokenSource, refresher Refresher, opts ...Option) *Gateway {
	g := &Gateway{
		transport: transport,
		sessions:  sessions,
		refresher: refresher,
		timeout:   defaultTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = log.OrDefault(g.logger).Named("gateway")
	g.metrics = metrics.OrDiscard(g.metrics)
	return g
}

// Do issues req and decodes the response data into out. Returned errors
// are always *errors.PortalError.
func (g *Gateway) Do(ctx context.Context, req Request, out any) error {
	requestID := uuid.NewString()
	ctx = log.ContextWithRequestID(ctx, requestID)
	logger := g.logger.WithContext(ctx)

	ctx, span := telemetry.StartRequestSpan(ctx, req.Method, req.Path)
	defer span.End()
	span.SetAttributes(attribute.String("request.id", requestID))

	start := time.Now()
	err := g.do(ctx, req, requestID, out)

	outcome := "success"
	if err != nil {
		outcome = errors.KindOf(err).String()
		telemetry.RecordError(span, err)
		logger.WithError(err).Debug("request failed", "method", req.Method, "path", req.Path)
	} else {
		telemetry.RecordSuccess(span)
	}
	g.metrics.Requests.WithLabelValues(req.Method, outcome).Inc()
	g.metrics.RequestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())

	return err
}

func (g *Gateway) do(ctx context.Context, req Request, requestID string, out any) error {
	if req.Anonymous {
		return g.send(ctx, req, "", requestID, out)
	}

	token := g.sessions.Current().AccessToken
	if token == "" {
		return errors.NewUnauthenticatedError("not signed in")
	}

	if g.refreshSkew > 0 && session.ExpiresWithin(token, g.now(), g.refreshSkew) {
		res := g.refresher.Refresh(ctx, token)
		if res.Outcome == refresh.Abort {
			return errors.Classify(res.Err)
		}
		token = res.AccessToken
	}

	err := g.send(ctx, req, token, requestID, out)
	if !errors.IsKind(err, errors.KindAuthentication) {
		return err
	}

	res := g.refresher.Refresh(ctx, token)
	if res.Outcome == refresh.Abort {
		g.metrics.AuthRetries.WithLabelValues("aborted").Inc()
		return errors.Classify(res.Err)
	}

	err = g.send(ctx, req, res.AccessToken, requestID, out)
	g.metrics.AuthRetries.WithLabelValues(metrics.Result(err)).Inc()
	if errors.IsKind(err, errors.KindAuthentication) {
		// Never retry twice, even if the server keeps rejecting fresh tokens.
		return errors.Wrap(errors.KindAuthentication, errors.ErrCodeUnauthenticated,
			"request rejected after token refresh", err).WithStatus(errors.Classify(err).StatusCode)
	}
	return err
}

func (g *Gateway) send(ctx context.Context, req Request, token, requestID string, out any) error {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := g.transport.Do(ctx, api.Call{
		Method:    req.Method,
		Path:      req.Path,
		Query:     req.Query,
		Body:      req.Body,
		Token:     token,
		RequestID: requestID,
	}, out)
	if err != nil {
		return errors.Classify(err)
	}
	return nil
}
