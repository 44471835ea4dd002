// Package history persists chat transcripts per session.
//
// Messages are stored in SQLite keyed by session id. The transcript feeds
// the language model as conversation context and backs the history
// endpoints; clearing a session's history removes its rows, and logout
// does the same so no conversation outlives its session.
package history
