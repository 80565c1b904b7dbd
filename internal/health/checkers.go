package health

import (
	"context"
	"net/http"

	"github.com/felixgeelhaar/portalsync/internal/channel"
	"github.com/felixgeelhaar/portalsync/internal/session"
)

// EndpointChecker reports whether the REST data source answers. Any HTTP
// response counts as reachable; only transport failures are unhealthy.
type EndpointChecker struct {
	URL    string
	Client *http.Client
}

// Name implements Checker.
func (c *EndpointChecker) Name() string { return "api" }

// Check implements Checker.
func (c *EndpointChecker) Check(ctx context.Context) *Result {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.URL, nil)
	if err != nil {
		return Unhealthy("invalid api url").WithDetail("error", err.Error())
	}
	resp, err := client.Do(req)
	if err != nil {
		return Unhealthy("api unreachable").WithDetail("error", err.Error())
	}
	_ = resp.Body.Close()

	r := Healthy("api reachable").WithDetail("status", resp.StatusCode)
	if resp.StatusCode >= http.StatusInternalServerError {
		r.Status = StatusDegraded
		r.Message = "api answering with server errors"
	}
	return r
}

// SessionSource exposes the current session.
type SessionSource interface {
	Current() session.Session
}

// SessionChecker reports degraded while nobody is signed in.
type SessionChecker struct {
	Sessions SessionSource
}

// Name implements Checker.
func (c *SessionChecker) Name() string { return "session" }

// Check implements Checker.
func (c *SessionChecker) Check(context.Context) *Result {
	s := c.Sessions.Current()
	if !s.IsAuthenticated() {
		return Degraded("not signed in")
	}
	return Healthy("signed in").WithDetail("user", s.UserID)
}

// ChannelSource exposes the real-time channel state.
type ChannelSource interface {
	State() channel.State
}

// ChannelChecker reports degraded unless the channel is connected. A nil
// Channel means real-time delivery is disabled and polling is expected.
type ChannelChecker struct {
	Channel ChannelSource
}

// Name implements Checker.
func (c *ChannelChecker) Name() string { return "realtime-channel" }

// Check implements Checker.
func (c *ChannelChecker) Check(context.Context) *Result {
	if c.Channel == nil {
		return Healthy("disabled, polling")
	}
	state := c.Channel.State()
	if state == channel.Connected {
		return Healthy("connected")
	}
	return Degraded("not connected, polling").WithDetail("state", state.String())
}
