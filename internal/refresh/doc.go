// Package refresh keeps authenticated sessions' access tokens fresh.
//
// The Scheduler runs one timer goroutine per authenticated session. On
// each tick it checks whether the token's expiry falls inside the
// configured buffer window and, if so, performs a silent renewal against
// the identity provider. A successful renewal writes the new token and
// expiry back through the store; roles are re-derived from the renewed
// claims so group membership changes take effect without a fresh login.
//
// Renewal failure is terminal for the session: it moves to Expired and
// its timer stops permanently. The user must run the device-code flow
// again; an expired session is never resurrected in the background.
// Transient provider errors are retried on subsequent ticks up to a
// bounded count before the session is given up on.
//
// Attach is idempotent and Stop is guaranteed: logout, the expiry sweep,
// and process shutdown all release the timer, so a removed session never
// has a goroutine keeping its resources alive.
package refresh
