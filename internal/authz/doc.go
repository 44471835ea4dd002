// Package authz derives application roles from identity provider group
// claims and gates access to protected operations.
//
// A Mapping translates provider group identifiers into role names and is
// validated at construction: every mapped role must appear in the allow
// list, so a typo in configuration fails at startup rather than silently
// granting nothing. Role derivation is strict. A user whose groups map to
// no allowed role receives an empty role set, and an empty role set always
// denies; there is no fallback or default role.
//
// The Gate performs the per-request checks: the session must be
// authenticated, its access token must not have passed its expiry, and at
// least one of its roles must satisfy the requirement. Token expiry is
// evaluated against the clock at check time, not cached from login, so a
// session whose refresh has stalled loses access the moment its token
// lapses.
package authz
