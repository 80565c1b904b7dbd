package api

import (
	"context"
	"net/http"
	"time"
)

// authTimeout bounds the unauthenticated auth endpoints
const authTimeout = 15 * time.Second

// LoginRequest represents a login request
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenPair is an access/refresh token pair
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// LoginResponse represents a login response. User may be absent, in which
// case the caller fetches the profile separately.
type LoginResponse struct {
	TokenPair
	User *User `json:"user,omitempty"`
}

// Login authenticates with the data source and returns tokens
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	ctx, cancel := withTimeout(ctx, authTimeout)
	defer cancel()

	var out LoginResponse
	if _, err := c.Do(ctx, Call{
		Method: http.MethodPost,
		Path:   c.Routes.Login,
		Body:   LoginRequest{Email: email, Password: password},
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh exchanges a refresh token for a new token pair
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	ctx, cancel := withTimeout(ctx, authTimeout)
	defer cancel()

	var out TokenPair
	if _, err := c.Do(ctx, Call{
		Method: http.MethodPost,
		Path:   c.Routes.Refresh,
		Body:   map[string]string{"refreshToken": refreshToken},
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout invalidates the server-side session
func (c *Client) Logout(ctx context.Context, accessToken, refreshToken string) error {
	ctx, cancel := withTimeout(ctx, authTimeout)
	defer cancel()

	_, err := c.Do(ctx, Call{
		Method: http.MethodPost,
		Path:   c.Routes.Logout,
		Token:  accessToken,
		Body:   map[string]string{"refreshToken": refreshToken},
	}, nil)
	return err
}

// Me retrieves the profile of the token's user
func (c *Client) Me(ctx context.Context, accessToken string) (*User, error) {
	ctx, cancel := withTimeout(ctx, authTimeout)
	defer cancel()

	var user User
	if _, err := c.Do(ctx, Call{
		Method: http.MethodGet,
		Path:   c.Routes.Profile,
		Token:  accessToken,
	}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}
