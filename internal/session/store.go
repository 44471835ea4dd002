package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger defines the logging interface for the store.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// entry pairs a session with its per-id mutex. The mutex serialises all
// mutations of one session; gone is the tombstone set on delete.
type entry struct {
	mu   sync.Mutex
	sess *Session
	gone bool
}

// Store is the concurrency-safe keyed session store.
//
// Lock ordering: the store map lock is always taken before an entry lock,
// never the other way round.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  Logger
	now     func() time.Time
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*entry),
		logger:  noopLogger{},
		now:     time.Now,
	}
}

// SetLogger sets the logger for sweep reporting.
func (st *Store) SetLogger(logger Logger) {
	if logger != nil {
		st.logger = logger
	}
}

// Create inserts a new pending session with a fresh id and returns a copy.
// Session ids are never reused; uuid collisions are not a practical concern.
func (st *Store) Create() *Session {
	now := st.now()
	sess := &Session{
		ID:             uuid.NewString(),
		State:          StatePending,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	st.mu.Lock()
	st.entries[sess.ID] = &entry{sess: sess}
	st.mu.Unlock()

	return sess.Clone()
}

// Get returns a snapshot of the session with the given id.
//
// Returns:
//   - *Session: Defensive copy; mutating it does not affect the store
//   - error: ErrNotFound for unknown or deleted ids
func (st *Store) Get(id string) (*Session, error) {
	e := st.lookup(id)
	if e == nil {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return nil, ErrNotFound
	}
	return e.sess.Clone(), nil
}

// Mutate applies fn to the session under its per-id lock.
//
// Mutations of the same id are totally ordered; mutations of different ids
// proceed independently. A deleted session rejects the mutation with
// ErrNotFound - this is the tombstone check that discards superseded poll
// and refresh results after logout.
//
// fn receives the live session. When fn returns an error the mutation is
// abandoned and LastActivityAt is not bumped; fn is expected to leave the
// session as it found it in that case.
func (st *Store) Mutate(id string, fn func(*Session) error) error {
	e := st.lookup(id)
	if e == nil {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return ErrNotFound
	}

	if err := fn(e.sess); err != nil {
		return err
	}
	e.sess.LastActivityAt = st.now()
	return nil
}

// Delete removes the session and tombstones its entry so concurrent
// mutations fail instead of resurrecting it.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	e, ok := st.entries[id]
	if ok {
		delete(st.entries, id)
	}
	st.mu.Unlock()

	if !ok {
		return
	}

	e.mu.Lock()
	e.gone = true
	e.mu.Unlock()
}

// SweepExpired removes sessions that have outlived their usefulness:
// terminal sessions idle past the retention window, and in-flow sessions
// whose device code expired with no activity since.
//
// Parameters:
//   - now: Evaluation instant (injectable for tests)
//   - retention: Idle window for terminal sessions
//
// Returns:
//   - []string: IDs of removed sessions, for the caller to stop timers
func (st *Store) SweepExpired(now time.Time, retention time.Duration) []string {
	st.mu.RLock()
	ids := make([]string, 0, len(st.entries))
	for id := range st.entries {
		ids = append(ids, id)
	}
	st.mu.RUnlock()

	var removed []string
	for _, id := range ids {
		if st.sweepOne(id, now, retention) {
			removed = append(removed, id)
		}
	}

	if len(removed) > 0 {
		st.logger.Info("session sweep complete", "removed", len(removed))
	}
	return removed
}

// sweepOne evaluates and removes a single session under its entry lock.
func (st *Store) sweepOne(id string, now time.Time, retention time.Duration) bool {
	e := st.lookup(id)
	if e == nil {
		return false
	}

	e.mu.Lock()
	expired := !e.gone && sweepable(e.sess, now, retention)
	if expired {
		e.gone = true
	}
	e.mu.Unlock()

	if !expired {
		return false
	}

	st.mu.Lock()
	delete(st.entries, id)
	st.mu.Unlock()
	return true
}

// sweepable decides whether a session qualifies for removal.
func sweepable(s *Session, now time.Time, retention time.Duration) bool {
	switch {
	case s.State.Terminal():
		return now.Sub(s.LastActivityAt) >= retention
	case s.State.InFlow():
		if !s.CodeExpiresAt.IsZero() {
			return now.After(s.CodeExpiresAt)
		}
		// Pending with no code yet: the code request died mid-flight.
		return now.Sub(s.CreatedAt) >= retention
	default:
		return false
	}
}

// StartSweeper launches the periodic expiry sweep. It runs until the
// context is cancelled. onRemoved, if non-nil, receives the removed ids
// after each non-empty sweep so the caller can release per-session
// resources (refresh timers, websocket connections).
func (st *Store) StartSweeper(ctx context.Context, interval, retention time.Duration, onRemoved func(ids []string)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := st.SweepExpired(st.now(), retention)
				if len(removed) > 0 && onRemoved != nil {
					onRemoved(removed)
				}
			}
		}
	}()
}

// Count returns the number of stored sessions.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.entries)
}

// CountAuthenticated returns the number of sessions currently in
// StateAuthenticated. Used for the active-sessions gauge.
func (st *Store) CountAuthenticated() int {
	st.mu.RLock()
	entries := make([]*entry, 0, len(st.entries))
	for _, e := range st.entries {
		entries = append(entries, e)
	}
	st.mu.RUnlock()

	count := 0
	for _, e := range entries {
		e.mu.Lock()
		if !e.gone && e.sess.State == StateAuthenticated {
			count++
		}
		e.mu.Unlock()
	}
	return count
}

// lookup fetches the entry for id under the map lock.
func (st *Store) lookup(id string) *entry {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.entries[id]
}
