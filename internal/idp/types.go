package idp

import "time"

// DeviceAuthorization is the provider's response to a device-code request,
// per RFC 8628 section 3.2.
type DeviceAuthorization struct {
	// DeviceCode is the opaque code the client polls with. Never shown to
	// the user and never logged.
	DeviceCode string

	// UserCode is the short code the user enters on the verification page.
	UserCode string

	// VerificationURI is where the user completes the login.
	VerificationURI string

	// ExpiresAt is when the device code stops being exchangeable.
	ExpiresAt time.Time

	// Interval is the minimum polling cadence in seconds advertised by
	// the provider.
	Interval int
}

// PollStatus is the typed outcome of one token poll.
type PollStatus int

const (
	// PollPending means the user has not yet approved the request.
	PollPending PollStatus = iota

	// PollSlowDown means the provider asked for a longer polling interval.
	PollSlowDown

	// PollSuccess means a token was issued.
	PollSuccess

	// PollDenied means the user declined consent. Terminal.
	PollDenied

	// PollExpired means the device code expired before approval. Terminal.
	PollExpired
)

// String returns the poll status name for logging.
func (s PollStatus) String() string {
	switch s {
	case PollPending:
		return "pending"
	case PollSlowDown:
		return "slow_down"
	case PollSuccess:
		return "success"
	case PollDenied:
		return "denied"
	case PollExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// PollResult carries the outcome of one poll. Token is set only when
// Status is PollSuccess.
type PollResult struct {
	Status PollStatus
	Token  *Token
}

// Token is an issued credential set.
type Token struct {
	// AccessToken is the bearer credential forwarded to upstream services.
	AccessToken string

	// RefreshToken enables silent renewal. Empty when the provider does
	// not issue one for the granted scopes.
	RefreshToken string

	// ExpiresAt is the access token expiry instant.
	ExpiresAt time.Time

	// Claims are the identity attributes extracted from the access token.
	Claims Claims
}

// Claims are the identity attributes Chat Gate consumes from the provider.
type Claims struct {
	// Subject is the stable user identifier (oid claim, falling back to sub).
	Subject string

	// Name is the display name.
	Name string

	// Email is the preferred username or email claim.
	Email string

	// Groups are the provider group IDs used for role derivation.
	Groups []string
}
