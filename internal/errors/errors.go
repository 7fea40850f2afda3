package errors

import (
	"errors"
	"fmt"
)

// Error taxonomy for the session engine. Callers classify with Is.
var (
	// Storage errors
	ErrStorageUnavailable = errors.New("credential storage unavailable")

	// Configuration errors
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrUnknownProvider     = errors.New("unknown auth provider")
	ErrProviderDisabled    = errors.New("auth provider disabled")
	ErrUnsupportedRedirect = errors.New("unsupported redirect scheme")

	// Interactive login errors
	ErrAuthCancelled   = errors.New("authentication cancelled")
	ErrAuthDenied      = errors.New("authentication denied")
	ErrInvalidResponse = errors.New("invalid authentication response")
	ErrFlowNotFound    = errors.New("pending authentication flow not found")

	// Refresh errors
	ErrRefreshTokenInvalid = errors.New("refresh token invalid")
	ErrProviderUnavailable = errors.New("auth provider unavailable")

	// Session errors
	ErrNotAuthenticated = errors.New("not authenticated")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Mark attaches a taxonomy sentinel to err so that Is(result, kind) holds while the
// original cause stays reachable through errors.Unwrap.
func Mark(err error, kind error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New is errors.New, re-exported so callers need a single errors import.
func New(text string) error {
	return errors.New(text)
}
