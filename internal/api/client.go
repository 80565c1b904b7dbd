// Package api is the typed client for the portal REST data source.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/felixgeelhaar/portalsync/internal/config"
	"github.com/felixgeelhaar/portalsync/internal/errors"
)

const maxBodyBytes = 8 << 20

// Call describes one HTTP exchange with the data source.
type Call struct {
	Method    string
	Path      string
	Query     url.Values
	Body      any
	Token     string
	RequestID string
}

// Response carries the transport outcome of a call.
type Response struct {
	StatusCode int
	Message    string
}

// Client performs raw calls against the data source. It knows nothing about
// sessions: callers pass the bearer token explicitly.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Routes     config.Routes
	UserAgent  string
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// WithRoutes replaces the route table
func WithRoutes(r config.Routes) Option {
	return func(c *Client) { c.Routes = r }
}

// WithUserAgent sets the User-Agent header
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.UserAgent = ua }
}

// NewClient creates a new data source client
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
		Routes:     config.Default().API.Routes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do performs the call and decodes the envelope's data into out.
// Every returned error is a classified *errors.PortalError.
func (c *Client) Do(ctx context.Context, call Call, out any) (Response, error) {
	req, err := c.newRequest(ctx, call)
	if err != nil {
		return Response{}, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Response{}, errors.Classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return Response{StatusCode: resp.StatusCode}, errors.Classify(err)
	}
	if len(body) > maxBodyBytes {
		return Response{StatusCode: resp.StatusCode}, errors.NewResponseTooLargeError(maxBodyBytes).WithStatus(resp.StatusCode)
	}

	msg, err := decodeEnvelope(resp.StatusCode, body, out)
	return Response{StatusCode: resp.StatusCode, Message: msg}, err
}

func (c *Client) newRequest(ctx context.Context, call Call) (*http.Request, error) {
	var reqBody io.Reader
	if call.Body != nil {
		data, err := json.Marshal(call.Body)
		if err != nil {
			return nil, errors.NewInvalidArgumentError(fmt.Sprintf("failed to marshal request body: %v", err))
		}
		reqBody = bytes.NewReader(data)
	}

	target := c.BaseURL + call.Path
	if len(call.Query) > 0 {
		target += "?" + call.Query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, call.Method, target, reqBody)
	if err != nil {
		return nil, errors.NewInvalidArgumentError(fmt.Sprintf("failed to create request: %v", err))
	}

	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	if call.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if call.Token != "" {
		req.Header.Set("Authorization", "Bearer "+call.Token)
	}
	if call.RequestID != "" {
		req.Header.Set("X-Request-ID", call.RequestID)
	}

	return req, nil
}

// withTimeout bounds a call by d; a non-positive d only adds cancellation
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
