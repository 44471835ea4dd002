package idp

import (
	"errors"
	"fmt"
)

// Kind classifies a provider failure for retry policy.
type Kind int

const (
	// KindTransient failures (timeouts, 5xx, connection resets) may be
	// retried with the same cadence.
	KindTransient Kind = iota

	// KindTerminal failures (protocol errors, invalid grants, revocation)
	// abort the flow.
	KindTerminal
)

// Error is a classified provider failure.
type Error struct {
	// Kind drives the caller's retry decision.
	Kind Kind

	// Code is the OAuth error code from the provider, when present
	// (e.g. "invalid_grant", "invalid_client").
	Code string

	err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("identity provider: %s: %v", e.Code, e.err)
	}
	return fmt.Sprintf("identity provider: %v", e.err)
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.err
}

// transientErr wraps err as a retryable provider failure.
func transientErr(err error) *Error {
	return &Error{Kind: KindTransient, err: err}
}

// terminalErr wraps err as a non-retryable provider failure.
func terminalErr(code string, err error) *Error {
	return &Error{Kind: KindTerminal, Code: code, err: err}
}

// IsTransient reports whether err is a retryable provider failure.
// Unclassified errors (context cancellation, coding bugs) are not retryable.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == KindTransient
	}
	return false
}
