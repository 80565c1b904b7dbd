package exitcode

import (
	"os"
	"strings"

	"github.com/felixgeelhaar/portalsync/internal/errors"
)

// Exit codes for consistent error handling across the CLI
const (
	// Success indicates successful execution
	Success = 0

	// GeneralError indicates a general error condition
	GeneralError = 1

	// UsageError indicates invalid command usage (bad flags, missing args, etc.)
	UsageError = 2

	// ValidationError indicates the server or client rejected the input
	ValidationError = 3

	// NotFound indicates the requested resource does not exist
	NotFound = 4

	// AuthError indicates an authentication or authorization failure
	AuthError = 5

	// NetworkError indicates a network connectivity issue
	NetworkError = 6

	// ServerError indicates the backend failed to process the request
	ServerError = 7

	// Interrupted indicates the command was cancelled by a signal
	Interrupted = 130
)

// Exit terminates the program with the given exit code
func Exit(code int) {
	os.Exit(code)
}

// ExitWithError exits with an appropriate code based on error type
func ExitWithError(err error) {
	if err == nil {
		Exit(Success)
		return
	}

	code := DetermineExitCode(err)
	Exit(code)
}

// DetermineExitCode returns the exit code for err. Classified portal errors
// map by kind; cobra usage errors are recognised by message.
func DetermineExitCode(err error) int {
	if err == nil {
		return Success
	}

	switch errors.KindOf(err) {
	case errors.KindAuthentication, errors.KindAuthorization:
		return AuthError
	case errors.KindNetwork:
		return NetworkError
	case errors.KindValidation:
		return ValidationError
	case errors.KindNotFound:
		return NotFound
	case errors.KindServer:
		return ServerError
	}

	errMsg := strings.ToLower(err.Error())
	if strings.Contains(errMsg, "unknown flag") || strings.Contains(errMsg, "unknown command") {
		return UsageError
	}
	if strings.Contains(errMsg, "required flag") || strings.Contains(errMsg, "accepts ") {
		return UsageError
	}

	return GeneralError
}

// GetExitCodeDescription returns a human-readable description of an exit code
func GetExitCodeDescription(code int) string {
	switch code {
	case Success:
		return "Success"
	case GeneralError:
		return "General error"
	case UsageError:
		return "Usage error (invalid flags or arguments)"
	case ValidationError:
		return "Validation error"
	case NotFound:
		return "Resource not found"
	case AuthError:
		return "Authentication error"
	case NetworkError:
		return "Network error"
	case ServerError:
		return "Server error"
	case Interrupted:
		return "Interrupted"
	default:
		return "Unknown error"
	}
}
