package channel

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/felixgeelhaar/portalsync/internal/errors"
)

// Close codes with which the server rejects the channel's credential.
const (
	CloseUnauthorized = 4401
	CloseForbidden    = 4403
)

// Conn is an open channel connection.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a connection authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

// WebsocketDialer dials the channel with gorilla/websocket, sending the
// token as a bearer credential on the upgrade request.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

// Dial opens a websocket. An upgrade answered with 401 or 403 yields an
// Authentication error with code ErrCodeChannelRejected.
func (d WebsocketDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, rejected(err).WithStatus(resp.StatusCode)
		}
		return nil, errors.Wrap(errors.KindNetwork, errors.ErrCodeNetworkFailed, "channel dial failed", err)
	}
	return conn, nil
}

func rejected(cause error) *errors.PortalError {
	return errors.Wrap(errors.KindAuthentication, errors.ErrCodeChannelRejected, "channel rejected the access token", cause)
}

// isRejection reports whether err means the server refused the credential,
// either on upgrade or by closing the socket with an auth close code.
func isRejection(err error) bool {
	if errors.IsKind(err, errors.KindAuthentication) {
		return true
	}
	return websocket.IsCloseError(err, CloseUnauthorized, CloseForbidden, websocket.ClosePolicyViolation)
}
