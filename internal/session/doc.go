// Package session holds the in-memory session store, the unit of user
// isolation for Chat Gate.
//
// A Session tracks one user's journey through the device-code flow: the
// flow state machine, the issued codes, the token set once authenticated,
// and the derived roles. Sessions live only in memory; a process restart
// forces re-authentication, which is the safe failure mode for a service
// that holds bearer credentials.
//
// # Concurrency
//
// The Store is the only shared mutable resource in the service. All writes
// go through Mutate, which serialises mutations per session id: two
// mutations of the same session never interleave, while mutations of
// different sessions proceed independently. Reads return defensive copies.
// Deleted sessions leave a tombstone check inside Mutate so that an
// in-flight poll or refresh that lost the race performs no further writes.
//
// # Expiry sweeping
//
// StartSweeper runs a periodic sweep that removes terminal sessions idle
// past the retention window and in-flow sessions whose device code has
// expired. The sweep takes the same per-id locks as Mutate and therefore
// cannot race an in-flight mutation on the same id.
package session
