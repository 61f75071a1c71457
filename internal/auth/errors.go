package auth

import (
	"errors"
	"fmt"
)

// AuthError represents authentication-related errors with a stable type tag
// and a human-readable message suitable for user notifications.
type AuthError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// Common authentication error types.
var (
	ErrUnauthenticated = &AuthError{
		Type:    "unauthenticated",
		Message: "no access or refresh token available, full login required",
	}

	ErrAuthInvalid = &AuthError{
		Type:    "auth_invalid",
		Message: "token refresh rejected by the provider, full login required",
	}

	ErrInvalidCredentials = &AuthError{
		Type:    "invalid_credentials",
		Message: "the provider rejected the username or password",
	}

	ErrMfaRequired = &AuthError{
		Type:    "mfa_required",
		Message: "a verification code sent by email is required to continue",
	}

	ErrMfaRejected = &AuthError{
		Type:    "mfa_rejected",
		Message: "the provider rejected the verification code",
	}

	ErrCodeExchangeFailed = &AuthError{
		Type:    "code_exchange_failed",
		Message: "failed to exchange the authorization code for tokens",
	}

	ErrCallbackMissing = &AuthError{
		Type:    "callback_missing",
		Message: "no authorization code found in the provider callback",
	}
)

// NewAuthError derives a new error from a base type with a cause attached.
func NewAuthError(baseErr *AuthError, cause error) *AuthError {
	return &AuthError{
		Type:    baseErr.Type,
		Message: baseErr.Message,
		Cause:   cause,
	}
}

// NetworkError marks transient transport failures. Callers may retry at a
// higher level; nothing in this package retries on its own.
type NetworkError struct {
	Op    string
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Cause)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// IsAuthError reports whether err carries an *AuthError.
func IsAuthError(err error) bool {
	var authError *AuthError
	return errors.As(err, &authError)
}

// IsNetworkError reports whether err carries a *NetworkError.
func IsNetworkError(err error) bool {
	var networkError *NetworkError
	return errors.As(err, &networkError)
}

// IsAuthErrorType reports whether err is an *AuthError of the given type tag.
func IsAuthErrorType(err error, errType string) bool {
	var authError *AuthError
	if !errors.As(err, &authError) {
		return false
	}
	return authError.Type == errType
}
