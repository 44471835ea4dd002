package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kestrelworks/chatgate/internal/authz"
	"github.com/kestrelworks/chatgate/internal/idp"
	"github.com/kestrelworks/chatgate/internal/infrastructure/influxdb"
	"github.com/kestrelworks/chatgate/internal/session"
)

// ErrNotRenewable is returned by RefreshNow for sessions that are not
// authenticated or hold no refresh token.
var ErrNotRenewable = errors.New("session has no renewable token")

// Renewer is the provider surface the scheduler needs.
type Renewer interface {
	Renew(ctx context.Context, refreshToken string) (*idp.Token, error)
}

// Logger defines the logging interface for the scheduler.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds the scheduler's tunables.
type Config struct {
	// Buffer is how far before expiry a renewal is attempted.
	Buffer time.Duration

	// CheckInterval is the tick cadence of each session's timer.
	CheckInterval time.Duration

	// MaxRetries is the number of consecutive transient renewal failures
	// tolerated before the session is expired.
	MaxRetries int
}

// Scheduler owns one renewal timer per authenticated session.
type Scheduler struct {
	store   *session.Store
	renewer Renewer
	mapping authz.Mapping
	metrics *influxdb.Client
	cfg     Config
	logger  Logger

	mu        sync.Mutex
	timers    map[string]context.CancelFunc
	closed    bool
	onExpired func(sessionID string)

	now func() time.Time
}

// NewScheduler wires the token refresh scheduler.
func NewScheduler(store *session.Store, renewer Renewer, mapping authz.Mapping, metrics *influxdb.Client, cfg Config) *Scheduler {
	return &Scheduler{
		store:   store,
		renewer: renewer,
		mapping: mapping,
		metrics: metrics,
		cfg:     cfg,
		logger:  noopLogger{},
		timers:  make(map[string]context.CancelFunc),
		now:     time.Now,
	}
}

// SetLogger sets the logger for renewal events.
func (s *Scheduler) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetOnExpired registers a callback invoked after a session is moved to
// Expired, so connected clients can be told their session ended.
func (s *Scheduler) SetOnExpired(fn func(sessionID string)) {
	s.mu.Lock()
	s.onExpired = fn
	s.mu.Unlock()
}

// Attach starts the renewal timer for a session. Attaching a session that
// already has a timer is a no-op.
func (s *Scheduler) Attach(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, running := s.timers[sessionID]; running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.timers[sessionID] = cancel
	go s.run(ctx, sessionID)
}

// Stop cancels the session's renewal timer if one is running.
func (s *Scheduler) Stop(sessionID string) {
	s.mu.Lock()
	cancel, ok := s.timers[sessionID]
	if ok {
		delete(s.timers, sessionID)
	}
	s.mu.Unlock()

	if ok {
		cancel()
	}
}

// Close stops every timer. The scheduler accepts no further attaches.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	cancels := make([]context.CancelFunc, 0, len(s.timers))
	for _, cancel := range s.timers {
		cancels = append(cancels, cancel)
	}
	s.timers = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Active returns the number of running timers.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// RefreshNow performs an immediate renewal regardless of the buffer
// window. Used by the forced refresh endpoint.
//
// Returns:
//   - error: ErrNotRenewable, session.ErrNotFound, or the renewal failure
func (s *Scheduler) RefreshNow(ctx context.Context, sessionID string) error {
	sess, err := s.store.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.State != session.StateAuthenticated || sess.RefreshToken == "" {
		return ErrNotRenewable
	}
	return s.renew(ctx, sessionID, sess.RefreshToken)
}

// run is the per-session timer loop.
func (s *Scheduler) run(ctx context.Context, sessionID string) {
	defer s.Stop(sessionID)

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	transient := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sess, err := s.store.Get(sessionID)
		if err != nil {
			// Logged out or swept; nothing left to renew.
			return
		}
		if sess.State != session.StateAuthenticated {
			return
		}
		if s.now().Add(s.cfg.Buffer).Before(sess.TokenExpiresAt) {
			continue
		}

		if sess.RefreshToken == "" {
			// No refresh credential was granted; the token cannot be
			// renewed silently once its expiry is reached.
			s.expire(sessionID)
			return
		}

		err = s.renew(ctx, sessionID, sess.RefreshToken)
		switch {
		case err == nil:
			transient = 0
		case ctx.Err() != nil:
			return
		case idp.IsTransient(err):
			transient++
			s.logger.Debug("transient renewal error", "session_id", sessionID, "attempt", transient)
			if transient > s.cfg.MaxRetries {
				s.logger.Warn("renewal retry budget exhausted", "session_id", sessionID, "error", err)
				s.expire(sessionID)
				return
			}
		default:
			s.logger.Warn("token renewal failed", "session_id", sessionID, "error", err)
			s.expire(sessionID)
			return
		}
	}
}

// renew exchanges the refresh token and writes the result back through
// the store. A session that left Authenticated while the exchange was in
// flight discards the result.
func (s *Scheduler) renew(ctx context.Context, sessionID, refreshToken string) error {
	token, err := s.renewer.Renew(ctx, refreshToken)
	if err != nil {
		return err
	}

	roles := s.mapping.DeriveRoles(token.Claims.Groups)

	err = s.store.Mutate(sessionID, func(sess *session.Session) error {
		if sess.State != session.StateAuthenticated {
			return fmt.Errorf("session left authenticated state during renewal")
		}
		sess.AccessToken = token.AccessToken
		if token.RefreshToken != "" {
			sess.RefreshToken = token.RefreshToken
		}
		sess.TokenExpiresAt = token.ExpiresAt
		sess.Roles = roles
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("token renewed", "session_id", sessionID, "expires_at", token.ExpiresAt)
	s.metrics.WriteAuthEvent("refresh", "success")
	return nil
}

// expire moves the session to Expired. The user must log in again.
func (s *Scheduler) expire(sessionID string) {
	s.metrics.WriteAuthEvent("refresh", "expired")
	err := s.store.Mutate(sessionID, func(sess *session.Session) error {
		if sess.State != session.StateAuthenticated {
			return fmt.Errorf("session already left authenticated state")
		}
		sess.State = session.StateExpired
		sess.AccessToken = ""
		sess.RefreshToken = ""
		return nil
	})
	if err != nil {
		return
	}

	s.mu.Lock()
	notify := s.onExpired
	s.mu.Unlock()
	if notify != nil {
		notify(sessionID)
	}
}
