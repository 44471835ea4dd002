// Package idp implements the identity-provider client for the OAuth 2.0
// device authorization grant (RFC 8628).
//
// The client is stateless: each call is a bounded network round-trip with a
// typed outcome. Flow state lives in the session store; retry and cadence
// decisions belong to the authflow controller.
//
// Three operations are exposed:
//
//   - RequestCode: obtain a device code, user code, and verification URI
//   - PollForToken: exchange the device code for a token once the user approves
//   - Renew: silently renew an access token with a refresh token
//
// Provider failures are classified as transient (timeouts, 5xx; the caller
// may retry) or terminal (protocol errors, revocation; the caller must
// abort). Use IsTransient to branch on the classification.
//
// Access tokens are consumed, not issued, so claims are extracted from the
// JWT payload without signature verification; the provider's signature is
// the upstream service's concern.
package idp
