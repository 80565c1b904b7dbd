// Package refresh coordinates access token refreshes so that any number of
// concurrent authentication failures produce exactly one refresh call.
package refresh

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/felixgeelhaar/portalsync/internal/api"
	"github.com/felixgeelhaar/portalsync/internal/errors"
	"github.com/felixgeelhaar/portalsync/internal/log"
	"github.com/felixgeelhaar/portalsync/internal/metrics"
	"github.com/felixgeelhaar/portalsync/internal/session"
	"github.com/felixgeelhaar/portalsync/internal/telemetry"
)

const (
	flightKey      = "refresh"
	defaultTimeout = 15 * time.Second
)

// Outcome tells a waiting caller what to do next.
type Outcome int

const (
	// Retry means a new access token is committed; re-issue the call once.
	Retry Outcome = iota
	// Abort means the session was torn down; surface an Authentication error.
	Abort
)

func (o Outcome) String() string {
	if o == Retry {
		return "retry"
	}
	return "abort"
}

// State is the coordinator's lifecycle state.
type State int

const (
	Idle State = iota
	Refreshing
	Failed
)

func (s State) String() string {
	switch s {
	case Refreshing:
		return "refreshing"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

// Result is the resolution every waiter of one refresh observes.
type Result struct {
	Outcome     Outcome
	AccessToken string
	Err         error
}

// TokenAPI exchanges a refresh token for a new pair.
type TokenAPI interface {
	Refresh(ctx context.Context, refreshToken string) (*api.TokenPair, error)
}

// Sessions is the part of the session manager the coordinator writes to.
type Sessions interface {
	Current() session.Session
	ReplaceTokens(ctx context.Context, accessToken, refreshToken string) error
	Clear(ctx context.Context) error
}

// Coordinator is the single writer of refreshed tokens.
type Coordinator struct {
	sessions Sessions
	tokens   TokenAPI
	logger   *log.Logger
	metrics  *metrics.Metrics

	// Timeout bounds one refresh call.
	Timeout time.Duration

	group singleflight.Group

	mu    sync.Mutex
	state State
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator(sessions Sessions, tokens TokenAPI, logger *log.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		sessions: sessions,
		tokens:   tokens,
		logger:   log.OrDefault(logger).Named("refresh"),
		metrics:  metrics.OrDiscard(m),
		Timeout:  defaultTimeout,
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Refresh is called after a request made with staleToken was rejected.
//
// If the session already holds a different token, another refresh won the
// race and the caller is told to retry with it, without a network call.
// Otherwise the caller starts or joins the single in-flight refresh. The
// refresh itself runs detached from ctx so a cancelled waiter cannot fail
// it for the others; ctx only bounds how long this caller waits.
func (c *Coordinator) Refresh(ctx context.Context, staleToken string) Result {
	cur := c.sessions.Current()

	if !cur.IsAuthenticated() {
		return Result{Outcome: Abort, Err: errors.NewUnauthenticatedError("not signed in")}
	}
	if staleToken != "" && cur.AccessToken != staleToken {
		c.metrics.Refreshes.WithLabelValues("superseded").Inc()
		return Result{Outcome: Retry, AccessToken: cur.AccessToken}
	}

	ch := c.group.DoChan(flightKey, func() (any, error) {
		// The flight that committed the replacement may have finished
		// between the check above and this call starting a new one.
		latest := c.sessions.Current()
		if !latest.IsAuthenticated() {
			return Result{Outcome: Abort, Err: errors.NewUnauthenticatedError("not signed in")}, nil
		}
		if staleToken != "" && latest.AccessToken != staleToken {
			c.metrics.Refreshes.WithLabelValues("superseded").Inc()
			return Result{Outcome: Retry, AccessToken: latest.AccessToken}, nil
		}
		return c.run(context.WithoutCancel(ctx), latest.RefreshToken), nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.metrics.RefreshWaiters.Inc()
		}
		return res.Val.(Result)
	case <-ctx.Done():
		return Result{Outcome: Abort, Err: errors.Classify(ctx.Err())}
	}
}

func (c *Coordinator) run(ctx context.Context, refreshToken string) Result {
	c.setState(Refreshing)

	ctx, span := telemetry.StartSpan(ctx, "refresh", "token_refresh")
	defer span.End()

	if refreshToken == "" {
		err := errors.NewNoRefreshTokenError()
		c.fail(ctx, "no_token", err)
		telemetry.RecordError(span, err)
		return Result{Outcome: Abort, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	pair, err := c.tokens.Refresh(callCtx, refreshToken)
	cancel()

	if err == nil && (pair == nil || pair.AccessToken == "") {
		err = errors.NewInvalidEnvelopeError(nil)
	}
	if err != nil {
		authErr := errors.Wrap(errors.KindAuthentication, errors.ErrCodeRefreshFailed,
			"session expired", err).
			WithSuggestion("Run 'portal auth login' to sign in again")
		c.fail(ctx, "error", authErr)
		telemetry.RecordError(span, authErr)
		return Result{Outcome: Abort, Err: authErr}
	}

	newRefresh := pair.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}

	if err := c.sessions.ReplaceTokens(ctx, pair.AccessToken, newRefresh); err != nil {
		if errors.IsKind(err, errors.KindAuthentication) {
			c.setState(Idle)
			c.metrics.Refreshes.WithLabelValues("discarded").Inc()
			telemetry.RecordError(span, err)
			return Result{Outcome: Abort, Err: err}
		}
		// Tokens are committed in memory; only persistence failed.
		c.logger.WithError(err).Warn("refreshed tokens not persisted")
	}

	c.setState(Idle)
	c.metrics.Refreshes.WithLabelValues("success").Inc()
	telemetry.RecordSuccess(span, attribute.Bool("rotated_refresh_token", pair.RefreshToken != ""))
	c.logger.Debug("access token refreshed")

	return Result{Outcome: Retry, AccessToken: pair.AccessToken}
}

// fail tears the session down without contacting the server.
func (c *Coordinator) fail(ctx context.Context, result string, err error) {
	c.setState(Failed)
	c.metrics.Refreshes.WithLabelValues(result).Inc()
	c.logger.WithError(err).Warn("token refresh failed, ending session")

	if clearErr := c.sessions.Clear(ctx); clearErr != nil {
		c.logger.WithError(clearErr).Error("failed to clear session after refresh failure")
	}
	c.setState(Idle)
}
