// Package session owns the authenticated session of the portal client.
//
// The Manager is the single writer of session state. Every change is
// persisted through a credstore.Store and then published to subscribers,
// in that order, so that listeners such as the notification channel always
// observe tokens that are already committed.
package session

import (
	"github.com/felixgeelhaar/portalsync/internal/api"
)

// Profile holds the display fields of the signed-in user.
type Profile struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Role      string `json:"role,omitempty"`
	Phone     string `json:"phone,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// DisplayName returns the user's full name, falling back to the email.
func (p Profile) DisplayName() string {
	switch {
	case p.FirstName != "" && p.LastName != "":
		return p.FirstName + " " + p.LastName
	case p.FirstName != "":
		return p.FirstName
	default:
		return p.Email
	}
}

func profileFromUser(u *api.User) Profile {
	return Profile{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Role:      u.Role,
		Phone:     u.Phone,
		AvatarURL: u.AvatarURL,
	}
}

// Session is an immutable snapshot of the session state.
type Session struct {
	UserID       string
	Profile      Profile
	AccessToken  string
	RefreshToken string
}

// IsAuthenticated is true if and only if an access token is present.
func (s Session) IsAuthenticated() bool {
	return s.AccessToken != ""
}

// Reason describes why the session changed.
type Reason string

const (
	ReasonLogin     Reason = "login"
	ReasonLogout    Reason = "logout"
	ReasonRefresh   Reason = "refresh"
	ReasonExpired   Reason = "expired"
	ReasonUpdate    Reason = "update"
	ReasonRehydrate Reason = "rehydrate"
)

// Change is published to subscribers after a new state is committed.
type Change struct {
	Reason   Reason
	Previous Session
	Current  Session
}

// TokenChanged reports whether the access token differs across the change.
func (c Change) TokenChanged() bool {
	return c.Previous.AccessToken != c.Current.AccessToken
}

// Patch is a partial profile update. Nil fields are left unchanged.
type Patch struct {
	Email     *string
	FirstName *string
	LastName  *string
	Phone     *string
	AvatarURL *string
}

func (p Patch) apply(prof Profile) Profile {
	if p.Email != nil {
		prof.Email = *p.Email
	}
	if p.FirstName != nil {
		prof.FirstName = *p.FirstName
	}
	if p.LastName != nil {
		prof.LastName = *p.LastName
	}
	if p.Phone != nil {
		prof.Phone = *p.Phone
	}
	if p.AvatarURL != nil {
		prof.AvatarURL = *p.AvatarURL
	}
	return prof
}
