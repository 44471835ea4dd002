// Package authflow drives the device-code login state machine.
//
// Each login attempt is one Session advancing through
// Pending -> CodeIssued -> Polling and ending in Authenticated,
// Unauthorized, or Failed. The Controller requests a device code from the
// identity provider, records it on the session, and launches exactly one
// background poll goroutine per session. The poll goroutine owns all state
// transitions for its session until the flow ends; every transition flows
// through the store's per-id mutate, and a guard inside each mutation
// discards results that arrive after the session has left the flow (for
// example a poll success landing just after logout).
//
// Transient provider errors during polling are tolerated up to a bounded
// retry count. The device code's own expiry is a hard ceiling: once passed,
// the flow fails with reason code_expired regardless of remaining retry
// budget. On success the controller derives roles from the token claims
// exactly once and attaches the session to the refresh scheduler.
package authflow
