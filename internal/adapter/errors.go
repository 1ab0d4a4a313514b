package adapter

import (
	"errors"
	"fmt"

	"task-sync-service/internal/model"
)

// AuthError means credentials are invalid or expired. Fatal for the current
// pass, never retried.
type AuthError struct {
	Provider model.Provider
	Msg      string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %s", e.Provider, e.Msg)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError means the provider rejected the call for quota reasons.
// Transient, retried with backoff.
type RateLimitError struct {
	Provider model.Provider
	Msg      string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limit exceeded: %s", e.Provider, e.Msg)
}

// NetworkError covers transport failures and provider 5xx responses.
// Timeouts classify here too. Transient, retried with backoff.
type NetworkError struct {
	Provider model.Provider
	Msg      string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %s", e.Provider, e.Msg)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError means the task cannot be represented in the provider's
// model. Fatal for that single item only.
type ValidationError struct {
	Provider model.Provider
	Msg      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: validation failed: %s", e.Provider, e.Msg)
}

// IsTransient reports whether an error is expected to succeed on retry.
func IsTransient(err error) bool {
	var ne *NetworkError
	var re *RateLimitError
	return errors.As(err, &ne) || errors.As(err, &re)
}

func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
