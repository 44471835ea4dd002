package authflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kestrelworks/chatgate/internal/authz"
	"github.com/kestrelworks/chatgate/internal/idp"
	"github.com/kestrelworks/chatgate/internal/infrastructure/influxdb"
	"github.com/kestrelworks/chatgate/internal/session"
)

// slowDownIncrement is how many interval units the poll cadence grows by
// on a slow_down response, per RFC 8628 section 3.5.
const slowDownIncrement = 5

// ErrNotCompleted is returned by Complete when the flow has not yet
// reached a terminal or authenticated state.
var ErrNotCompleted = errors.New("authentication flow not completed")

// errSuperseded marks a mutation abandoned because the session left the
// flow before the result could be applied.
var errSuperseded = errors.New("flow result superseded")

// Provider is the identity provider surface the controller needs.
type Provider interface {
	RequestCode(ctx context.Context) (*idp.DeviceAuthorization, error)
	PollForToken(ctx context.Context, deviceCode string) (*idp.PollResult, error)
}

// Scheduler receives authenticated sessions for silent token renewal.
type Scheduler interface {
	Attach(sessionID string)
	Stop(sessionID string)
}

// Logger defines the logging interface for the controller.
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

// Config holds the controller's tunables.
type Config struct {
	// DefaultPollInterval is used when the provider omits one (seconds).
	DefaultPollInterval int

	// MaxPollRetries is the number of consecutive transient provider
	// errors tolerated during polling before the flow fails.
	MaxPollRetries int
}

// Controller drives device-code login flows.
type Controller struct {
	store     *session.Store
	provider  Provider
	mapping   authz.Mapping
	scheduler Scheduler
	metrics   *influxdb.Client
	cfg       Config
	logger    Logger

	// starts collapses concurrent start requests for the same session id
	// so one device code is never issued twice.
	starts singleflight.Group

	mu          sync.Mutex
	pollCancels map[string]context.CancelFunc
	closed      bool

	// tickUnit scales provider intervals; tests shrink it.
	tickUnit time.Duration
	now      func() time.Time
}

// NewController wires the login flow controller.
//
// Parameters:
//   - store: Session store all transitions flow through
//   - provider: Identity provider client
//   - mapping: Group-to-role mapping applied once on success
//   - scheduler: Refresh scheduler to attach authenticated sessions to
//   - metrics: Operational metrics sink, may be nil
//   - cfg: Poll tunables
func NewController(store *session.Store, provider Provider, mapping authz.Mapping, scheduler Scheduler, metrics *influxdb.Client, cfg Config) *Controller {
	return &Controller{
		store:       store,
		provider:    provider,
		mapping:     mapping,
		scheduler:   scheduler,
		metrics:     metrics,
		cfg:         cfg,
		logger:      noopLogger{},
		pollCancels: make(map[string]context.CancelFunc),
		tickUnit:    time.Second,
		now:         time.Now,
	}
}

// SetLogger sets the logger for flow events.
func (c *Controller) SetLogger(logger Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Start begins (or resumes) a device-code login.
//
// When existingID names a session still showing its code or polling, the
// live code is returned and no new code is issued. Otherwise a fresh
// session is created, a device code requested, and a poll goroutine
// launched.
//
// Returns:
//   - *session.Session: Snapshot carrying user code and verification URI
//   - error: Provider failure requesting the code
func (c *Controller) Start(ctx context.Context, existingID string) (*session.Session, error) {
	if existingID != "" {
		v, err, _ := c.starts.Do(existingID, func() (any, error) {
			if sess, err := c.store.Get(existingID); err == nil && sess.State.InFlow() && sess.DeviceCode != "" {
				return sess, nil
			}
			return c.startNew(ctx)
		})
		if err != nil {
			return nil, err
		}
		return v.(*session.Session), nil
	}
	return c.startNew(ctx)
}

// startNew creates a session, obtains a device code, and launches polling.
func (c *Controller) startNew(ctx context.Context) (*session.Session, error) {
	sess := c.store.Create()

	auth, err := c.provider.RequestCode(ctx)
	if err != nil {
		c.logger.Warn("device code request failed", "session_id", sess.ID, "error", err)
		c.metrics.WriteAuthEvent("start", "error")
		_ = c.store.Mutate(sess.ID, func(s *session.Session) error {
			s.State = session.StateFailed
			s.FailureReason = session.FailureProviderUnavailable
			return nil
		})
		return nil, fmt.Errorf("requesting device code: %w", err)
	}

	interval := auth.Interval
	if interval <= 0 {
		interval = c.cfg.DefaultPollInterval
	}

	err = c.store.Mutate(sess.ID, func(s *session.Session) error {
		s.State = session.StateCodeIssued
		s.DeviceCode = auth.DeviceCode
		s.UserCode = auth.UserCode
		s.VerificationURI = auth.VerificationURI
		s.CodeExpiresAt = auth.ExpiresAt
		s.PollInterval = interval
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.launchPoll(sess.ID, auth.DeviceCode, time.Duration(interval)*c.tickUnit, auth.ExpiresAt)
	c.logger.Info("device code issued", "session_id", sess.ID, "expires_at", auth.ExpiresAt)
	c.metrics.WriteAuthEvent("start", "code_issued")

	return c.store.Get(sess.ID)
}

// Status returns a snapshot of the session's flow state.
func (c *Controller) Status(id string) (*session.Session, error) {
	return c.store.Get(id)
}

// Complete finalises a login the provider has reported successful.
//
// Returns:
//   - *session.Session: Authenticated snapshot with roles populated
//   - error: ErrNotCompleted while the flow is still running, the
//     session's failure outcome once terminal, or session.ErrNotFound
func (c *Controller) Complete(id string) (*session.Session, error) {
	sess, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	switch {
	case sess.State == session.StateAuthenticated:
		return sess, nil
	case sess.State.InFlow():
		return nil, ErrNotCompleted
	default:
		return nil, fmt.Errorf("authentication ended in state %q", sess.State)
	}
}

// Logout terminates a session. The in-flight poll (if any) is cancelled,
// the refresh timer stopped, and the session removed from the store; its
// tombstone rejects any poll or refresh result still in flight.
func (c *Controller) Logout(id string) error {
	if _, err := c.store.Get(id); err != nil {
		return err
	}

	c.cancelPoll(id)
	c.scheduler.Stop(id)

	_ = c.store.Mutate(id, func(s *session.Session) error {
		s.State = session.StateLoggedOut
		s.AccessToken = ""
		s.RefreshToken = ""
		s.DeviceCode = ""
		return nil
	})
	c.store.Delete(id)

	c.logger.Info("session logged out", "session_id", id)
	c.metrics.WriteAuthEvent("logout", "success")
	return nil
}

// HandleRemoved releases poll and refresh resources for sessions the
// expiry sweep removed.
func (c *Controller) HandleRemoved(ids []string) {
	for _, id := range ids {
		c.cancelPoll(id)
		c.scheduler.Stop(id)
	}
}

// Close cancels every in-flight poll goroutine. Further starts will not
// launch new polls.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	cancels := make([]context.CancelFunc, 0, len(c.pollCancels))
	for _, cancel := range c.pollCancels {
		cancels = append(cancels, cancel)
	}
	c.pollCancels = make(map[string]context.CancelFunc)
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// launchPoll starts the background poll goroutine for one session.
func (c *Controller) launchPoll(id, deviceCode string, interval time.Duration, codeExpiresAt time.Time) {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return
	}
	c.pollCancels[id] = cancel
	c.mu.Unlock()

	go func() {
		defer c.cancelPoll(id)
		c.runPoll(ctx, id, deviceCode, interval, codeExpiresAt)
	}()
}

// cancelPoll stops the session's poll goroutine if one is running.
func (c *Controller) cancelPoll(id string) {
	c.mu.Lock()
	cancel, ok := c.pollCancels[id]
	if ok {
		delete(c.pollCancels, id)
	}
	c.mu.Unlock()

	if ok {
		cancel()
	}
}

// runPoll is the per-session polling loop. It owns the session's state
// transitions until the flow ends or the context is cancelled.
func (c *Controller) runPoll(ctx context.Context, id, deviceCode string, interval time.Duration, codeExpiresAt time.Time) {
	// First tick marks the flow as actively polling.
	if err := c.store.Mutate(id, func(s *session.Session) error {
		if s.State != session.StateCodeIssued {
			return errSuperseded
		}
		s.State = session.StatePolling
		return nil
	}); err != nil {
		return
	}

	transient := 0
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// The code's own expiry is a hard ceiling on the whole loop.
		if c.now().After(codeExpiresAt) {
			c.fail(id, session.FailureCodeExpired)
			return
		}

		result, err := c.provider.PollForToken(ctx, deviceCode)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			if idp.IsTransient(err) {
				transient++
				if transient > c.cfg.MaxPollRetries {
					c.logger.Warn("poll retry budget exhausted", "session_id", id, "error", err)
					c.fail(id, session.FailureProviderUnavailable)
					return
				}
				c.logger.Debug("transient poll error", "session_id", id, "attempt", transient)
			} else {
				c.logger.Warn("terminal provider error during poll", "session_id", id, "error", err)
				c.fail(id, session.FailureProviderUnavailable)
				return
			}
		case result.Status == idp.PollPending:
			transient = 0
		case result.Status == idp.PollSlowDown:
			transient = 0
			interval += slowDownIncrement * c.tickUnit
		case result.Status == idp.PollSuccess:
			c.authenticate(id, result.Token)
			return
		case result.Status == idp.PollDenied:
			c.logger.Info("user denied consent", "session_id", id)
			c.metrics.WriteAuthEvent("login", "denied")
			_ = c.store.Mutate(id, func(s *session.Session) error {
				if !s.State.InFlow() {
					return errSuperseded
				}
				s.State = session.StateUnauthorized
				s.DeviceCode = ""
				return nil
			})
			return
		case result.Status == idp.PollExpired:
			c.fail(id, session.FailureCodeExpired)
			return
		}

		timer.Reset(interval)
	}
}

// authenticate applies a successful token exchange to the session. Roles
// are derived from the token claims exactly once, here.
func (c *Controller) authenticate(id string, token *idp.Token) {
	roles := c.mapping.DeriveRoles(token.Claims.Groups)

	err := c.store.Mutate(id, func(s *session.Session) error {
		if !s.State.InFlow() {
			return errSuperseded
		}
		s.State = session.StateAuthenticated
		s.FailureReason = session.FailureNone
		s.UserID = token.Claims.Subject
		s.DisplayName = token.Claims.Name
		s.Email = token.Claims.Email
		s.Roles = roles
		s.AccessToken = token.AccessToken
		s.RefreshToken = token.RefreshToken
		s.TokenExpiresAt = token.ExpiresAt
		s.DeviceCode = ""
		s.UserCode = ""
		return nil
	})
	if err != nil {
		// Logged out or swept mid-exchange; the token is dropped.
		c.logger.Debug("authentication result discarded", "session_id", id)
		return
	}

	c.scheduler.Attach(id)
	c.logger.Info("session authenticated", "session_id", id, "roles", len(roles))
	c.metrics.WriteAuthEvent("login", "success")
}

// fail moves an in-flow session to Failed with the given reason.
func (c *Controller) fail(id string, reason session.FailureReason) {
	c.metrics.WriteAuthEvent("login", string(reason))
	_ = c.store.Mutate(id, func(s *session.Session) error {
		if !s.State.InFlow() {
			return errSuperseded
		}
		s.State = session.StateFailed
		s.FailureReason = reason
		s.DeviceCode = ""
		return nil
	})
}
