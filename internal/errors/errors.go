package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
)

// Kind is the fixed failure taxonomy every gateway error is classified into.
// Callers branch on Kind, never on transport status codes.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindValidation
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindServer
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// ErrorCode represents a unique error identifier
type ErrorCode string

// Error categories
const (
	// Transport errors (NET-001 to NET-099)
	ErrCodeNetworkFailed  ErrorCode = "NET-001"
	ErrCodeNetworkTimeout ErrorCode = "NET-002"

	// Validation errors (VAL-001 to VAL-099)
	ErrCodeValidation       ErrorCode = "VAL-001"
	ErrCodeUnknownMutation  ErrorCode = "VAL-002"
	ErrCodeInvalidEnvelope  ErrorCode = "VAL-003"
	ErrCodeInvalidArguments ErrorCode = "VAL-004"

	// Authentication errors (AUTH-001 to AUTH-099)
	ErrCodeUnauthenticated    ErrorCode = "AUTH-001"
	ErrCodeInvalidCredentials ErrorCode = "AUTH-002"
	ErrCodeRefreshFailed      ErrorCode = "AUTH-003"
	ErrCodeNoRefreshToken     ErrorCode = "AUTH-004"
	ErrCodeSessionExpired     ErrorCode = "AUTH-005"
	ErrCodeForbidden          ErrorCode = "AUTH-006"

	// Resource errors (RES-001 to RES-099)
	ErrCodeNotFound ErrorCode = "RES-001"

	// Server errors (SRV-001 to SRV-099)
	ErrCodeServer      ErrorCode = "SRV-001"
	ErrCodeUnavailable ErrorCode = "SRV-002"
	ErrCodeTooLarge    ErrorCode = "SRV-003"

	// Credential store errors (STORE-001 to STORE-099)
	ErrCodeStoreRead    ErrorCode = "STORE-001"
	ErrCodeStoreWrite   ErrorCode = "STORE-002"
	ErrCodeStoreCorrupt ErrorCode = "STORE-003"

	// Channel errors (CHAN-001 to CHAN-099)
	ErrCodeChannelClosed   ErrorCode = "CHAN-001"
	ErrCodeChannelRejected ErrorCode = "CHAN-002"

	ErrCodeUnknown ErrorCode = "UNKNOWN"
)

// PortalError is a classified error with code, kind, suggestions and
// optional field-level validation messages.
type PortalError struct {
	Kind        Kind
	Code        ErrorCode
	Message     string
	StatusCode  int
	Fields      map[string]string
	Suggestions []string
	DocsURL     string
	Cause       error
}

// Error implements the error interface
func (e *PortalError) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf(": %v", e.Cause))
	}

	if len(e.Fields) > 0 {
		names := make([]string, 0, len(e.Fields))
		for name := range e.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b.WriteString(fmt.Sprintf("\n  %s: %s", name, e.Fields[name]))
		}
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\n\nSuggestions:")
		for _, suggestion := range e.Suggestions {
			b.WriteString(fmt.Sprintf("\n  • %s", suggestion))
		}
	}

	if e.DocsURL != "" {
		b.WriteString(fmt.Sprintf("\n\nDocumentation: %s", e.DocsURL))
	}

	return b.String()
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *PortalError) Unwrap() error {
	return e.Cause
}

// New creates a new PortalError
func New(kind Kind, code ErrorCode, message string) *PortalError {
	return &PortalError{
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new PortalError wrapping an existing error
func Wrap(kind Kind, code ErrorCode, message string, cause error) *PortalError {
	return &PortalError{
		Kind:    kind,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithSuggestion adds a suggestion to the error
func (e *PortalError) WithSuggestion(suggestion string) *PortalError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// WithStatus records the HTTP status the error was derived from
func (e *PortalError) WithStatus(status int) *PortalError {
	e.StatusCode = status
	return e
}

// WithFields attaches field-level validation messages
func (e *PortalError) WithFields(fields map[string]string) *PortalError {
	if len(fields) == 0 {
		return e
	}
	if e.Fields == nil {
		e.Fields = make(map[string]string, len(fields))
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithDocs adds a documentation URL to the error
func (e *PortalError) WithDocs(url string) *PortalError {
	e.DocsURL = url
	return e
}

// Retryable reports whether the user should be offered a retry affordance.
func (e *PortalError) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindServer
}

// FromStatus classifies an HTTP status code and server message into a
// PortalError. Status codes below 400 are not errors and yield nil.
func FromStatus(status int, message string) *PortalError {
	if status < 400 {
		return nil
	}
	if message == "" {
		message = http.StatusText(status)
	}

	var e *PortalError
	switch {
	case status == http.StatusUnauthorized:
		e = New(KindAuthentication, ErrCodeUnauthenticated, message).
			WithSuggestion("Run 'portal auth login' to sign in again")
	case status == http.StatusForbidden:
		e = New(KindAuthorization, ErrCodeForbidden, message).
			WithSuggestion("Your account does not have access to this resource")
	case status == http.StatusNotFound:
		e = New(KindNotFound, ErrCodeNotFound, message)
	case status == http.StatusBadRequest, status == http.StatusConflict,
		status == http.StatusUnprocessableEntity:
		e = New(KindValidation, ErrCodeValidation, message)
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		e = New(KindNetwork, ErrCodeNetworkTimeout, message).
			WithSuggestion("Wait a moment and retry")
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		e = New(KindServer, ErrCodeUnavailable, message).
			WithSuggestion("The service is temporarily unavailable, retry later")
	case status >= 500:
		e = New(KindServer, ErrCodeServer, message).
			WithSuggestion("Retry the operation; contact support if it persists")
	default:
		e = New(KindValidation, ErrCodeValidation, message)
	}
	return e.WithStatus(status)
}

// Classify converts any error into a PortalError. Errors that are already
// classified are returned unchanged. Context deadlines and net errors are
// Network failures; a cancelled context is reported as Network as well so it
// cannot be mistaken for an authentication failure.
func Classify(err error) *PortalError {
	if err == nil {
		return nil
	}

	var pe *PortalError
	if stderrors.As(err, &pe) {
		return pe
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindNetwork, ErrCodeNetworkTimeout, "request timed out", err).
			WithSuggestion("Check your connection and retry")
	}
	if stderrors.Is(err, context.Canceled) {
		return Wrap(KindNetwork, ErrCodeNetworkFailed, "request cancelled", err)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return Wrap(KindNetwork, ErrCodeNetworkTimeout, "request timed out", err).
				WithSuggestion("Check your connection and retry")
		}
		return Wrap(KindNetwork, ErrCodeNetworkFailed, "network request failed", err).
			WithSuggestion("Check your connection and retry")
	}

	return Wrap(KindUnknown, ErrCodeUnknown, "unexpected error", err)
}

// KindOf returns the Kind of err after classification.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	return Classify(err).Kind
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Common error constructors

// NewUnauthenticatedError is returned when a call cannot be authorized and
// the session has been torn down.
func NewUnauthenticatedError(reason string) *PortalError {
	return New(KindAuthentication, ErrCodeSessionExpired, reason).
		WithSuggestion("Run 'portal auth login' to sign in again")
}

// NewNoRefreshTokenError is returned when a refresh is requested without a
// refresh token on record.
func NewNoRefreshTokenError() *PortalError {
	return New(KindAuthentication, ErrCodeNoRefreshToken, "no refresh token available").
		WithSuggestion("Run 'portal auth login' to sign in")
}

// NewUnknownMutationError is returned when a mutation name is not in the
// invalidation table.
func NewUnknownMutationError(name string) *PortalError {
	return New(KindValidation, ErrCodeUnknownMutation, fmt.Sprintf("unknown mutation: %s", name))
}

// NewInvalidEnvelopeError is returned when a response body does not match
// the expected envelope.
func NewInvalidEnvelopeError(cause error) *PortalError {
	return Wrap(KindServer, ErrCodeInvalidEnvelope, "malformed response envelope", cause)
}

// NewResponseTooLargeError is returned when a response body exceeds limit
// bytes.
func NewResponseTooLargeError(limit int64) *PortalError {
	return New(KindServer, ErrCodeTooLarge, fmt.Sprintf("response too large: exceeds %d bytes", limit))
}

// NewInvalidArgumentError reports bad caller input.
func NewInvalidArgumentError(details string) *PortalError {
	return New(KindValidation, ErrCodeInvalidArguments, details)
}
