package session

import (
	"errors"
	"time"
)

// State is the position of a session in the authentication lifecycle.
type State string

const (
	// StatePending means the session exists but no device code has been
	// obtained yet.
	StatePending State = "pending"

	// StateCodeIssued means the provider returned a device code and the
	// user has been shown the verification instructions.
	StateCodeIssued State = "code_issued"

	// StatePolling means the controller is polling the provider for the
	// token exchange.
	StatePolling State = "polling"

	// StateAuthenticated means a valid token set is held and roles are
	// derived. The only state visible to the authorization layer.
	StateAuthenticated State = "authenticated"

	// StateUnauthorized means the user declined consent. Terminal.
	StateUnauthorized State = "unauthorized"

	// StateFailed means the flow aborted (code expiry, provider outage).
	// Terminal; FailureReason says why.
	StateFailed State = "failed"

	// StateExpired means silent refresh failed permanently and the token
	// lapsed. Terminal; recovery requires a fresh login.
	StateExpired State = "expired"

	// StateLoggedOut means the user ended the session. Terminal.
	StateLoggedOut State = "logged_out"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateUnauthorized, StateFailed, StateExpired, StateLoggedOut:
		return true
	default:
		return false
	}
}

// InFlow reports whether the session is mid device-code flow.
func (s State) InFlow() bool {
	switch s {
	case StatePending, StateCodeIssued, StatePolling:
		return true
	default:
		return false
	}
}

// FailureReason explains a transition into StateFailed.
type FailureReason string

const (
	// FailureNone is the zero value for sessions that have not failed.
	FailureNone FailureReason = ""

	// FailureCodeExpired means the device code lapsed before approval.
	FailureCodeExpired FailureReason = "code_expired"

	// FailureProviderUnavailable means the transient-retry budget was
	// exhausted while the provider was unreachable.
	FailureProviderUnavailable FailureReason = "provider_unavailable"
)

// Session is the server-side record of one authenticating or authenticated
// user. Fields are grouped by the lifecycle phase that populates them.
type Session struct {
	ID            string
	State         State
	FailureReason FailureReason

	// Identity, populated once authenticated.
	UserID      string
	DisplayName string
	Email       string
	Roles       []string

	// Token set, present only while authenticated. Never serialised,
	// never logged.
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time

	// Device-code flow fields, meaningful only while InFlow.
	DeviceCode      string
	UserCode        string
	VerificationURI string
	CodeExpiresAt   time.Time
	PollInterval    int

	// Housekeeping for expiry sweeps.
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Clone returns a deep copy safe to hand outside the store.
func (s *Session) Clone() *Session {
	dup := *s
	if s.Roles != nil {
		dup.Roles = make([]string, len(s.Roles))
		copy(dup.Roles, s.Roles)
	}
	return &dup
}

// Sentinel errors for store operations.
var (
	// ErrNotFound is returned for unknown or deleted session ids.
	ErrNotFound = errors.New("session not found")
)
