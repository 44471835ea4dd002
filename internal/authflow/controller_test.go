package authflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kestrelworks/chatgate/internal/authz"
	"github.com/kestrelworks/chatgate/internal/idp"
	"github.com/kestrelworks/chatgate/internal/session"
)

type pollStep struct {
	result *idp.PollResult
	err    error
}

// fakeProvider scripts the identity provider's responses. Poll steps are
// consumed in order; the last step repeats once the script runs out.
type fakeProvider struct {
	mu        sync.Mutex
	auth      *idp.DeviceAuthorization
	authErr   error
	codeCalls int
	steps     []pollStep
	idx       int

	// gate, when non-nil, blocks PollForToken until released.
	gate chan struct{}
}

func (f *fakeProvider) RequestCode(context.Context) (*idp.DeviceAuthorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codeCalls++
	if f.authErr != nil {
		return nil, f.authErr
	}
	auth := *f.auth
	return &auth, nil
}

func (f *fakeProvider) PollForToken(ctx context.Context, _ string) (*idp.PollResult, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	step := f.steps[len(f.steps)-1]
	if f.idx < len(f.steps) {
		step = f.steps[f.idx]
		f.idx++
	}
	return step.result, step.err
}

type fakeScheduler struct {
	mu       sync.Mutex
	attached []string
	stopped  []string
}

func (f *fakeScheduler) Attach(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, id)
}

func (f *fakeScheduler) Stop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
}

func (f *fakeScheduler) attachCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attached)
}

func testAuth() *idp.DeviceAuthorization {
	return &idp.DeviceAuthorization{
		DeviceCode:      "device-123",
		UserCode:        "ABCD-EFGH",
		VerificationURI: "https://example.com/devicelogin",
		ExpiresAt:       time.Now().Add(15 * time.Minute),
		Interval:        1,
	}
}

func successToken() *idp.Token {
	return &idp.Token{
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour),
		Claims: idp.Claims{
			Subject: "oid-1",
			Name:    "Pat Example",
			Email:   "pat@example.com",
			Groups:  []string{"grp-users"},
		},
	}
}

func newTestController(t *testing.T, provider *fakeProvider) (*Controller, *session.Store, *fakeScheduler) {
	t.Helper()
	mapping, err := authz.NewMapping(map[string]string{"grp-users": "user"}, []string{"user"})
	if err != nil {
		t.Fatalf("mapping construction failed: %v", err)
	}
	store := session.NewStore()
	sched := &fakeScheduler{}
	c := NewController(store, provider, mapping, sched, nil, Config{
		DefaultPollInterval: 1,
		MaxPollRetries:      2,
	})
	c.tickUnit = time.Millisecond
	t.Cleanup(c.Close)
	return c, store, sched
}

// waitForState polls until the session reaches the wanted state.
func waitForState(t *testing.T, store *session.Store, id string, want session.State) *session.Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := store.Get(id)
		if err == nil && sess.State == want {
			return sess
		}
		time.Sleep(2 * time.Millisecond)
	}
	sess, err := store.Get(id)
	t.Fatalf("session never reached %q (last: %+v, err: %v)", want, sess, err)
	return nil
}

func TestStartThroughSuccess(t *testing.T) {
	provider := &fakeProvider{
		auth: testAuth(),
		steps: []pollStep{
			{result: &idp.PollResult{Status: idp.PollPending}},
			{result: &idp.PollResult{Status: idp.PollPending}},
			{result: &idp.PollResult{Status: idp.PollPending}},
			{result: &idp.PollResult{Status: idp.PollSuccess, Token: successToken()}},
		},
	}
	c, store, sched := newTestController(t, provider)

	sess, err := c.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if sess.UserCode != "ABCD-EFGH" {
		t.Fatalf("expected user code on start response, got %q", sess.UserCode)
	}
	if sess.VerificationURI == "" {
		t.Fatal("expected verification URI on start response")
	}

	final := waitForState(t, store, sess.ID, session.StateAuthenticated)
	if final.UserID != "oid-1" || final.Email != "pat@example.com" {
		t.Fatalf("identity not populated: %+v", final)
	}
	if len(final.Roles) != 1 || final.Roles[0] != "user" {
		t.Fatalf("expected roles [user], got %v", final.Roles)
	}
	if final.AccessToken != "access-token" {
		t.Fatal("access token not stored")
	}
	if final.DeviceCode != "" || final.UserCode != "" {
		t.Fatal("device code fields should be cleared after authentication")
	}
	if got := sched.attachCount(); got != 1 {
		t.Fatalf("expected exactly one scheduler attach, got %d", got)
	}
}

func TestStartExistingReturnsSameCode(t *testing.T) {
	provider := &fakeProvider{
		auth:  testAuth(),
		steps: []pollStep{{result: &idp.PollResult{Status: idp.PollPending}}},
	}
	c, _, _ := newTestController(t, provider)

	first, err := c.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	second, err := c.Start(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same session, got %q and %q", first.ID, second.ID)
	}
	if second.UserCode != first.UserCode {
		t.Fatal("second start must return the existing user code")
	}

	provider.mu.Lock()
	calls := provider.codeCalls
	provider.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected one device code request, got %d", calls)
	}
}

func TestStartUnknownExistingIDCreatesNew(t *testing.T) {
	provider := &fakeProvider{
		auth:  testAuth(),
		steps: []pollStep{{result: &idp.PollResult{Status: idp.PollPending}}},
	}
	c, _, _ := newTestController(t, provider)

	sess, err := c.Start(context.Background(), "gone-session")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if sess.ID == "gone-session" {
		t.Fatal("expected a freshly created session")
	}
}

func TestStartProviderFailure(t *testing.T) {
	provider := &fakeProvider{authErr: errors.New("provider down")}
	c, _, _ := newTestController(t, provider)

	if _, err := c.Start(context.Background(), ""); err == nil {
		t.Fatal("expected error when code request fails")
	}
}

func TestDeniedConsent(t *testing.T) {
	provider := &fakeProvider{
		auth: testAuth(),
		steps: []pollStep{
			{result: &idp.PollResult{Status: idp.PollPending}},
			{result: &idp.PollResult{Status: idp.PollDenied}},
		},
	}
	c, store, sched := newTestController(t, provider)

	sess, err := c.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	final := waitForState(t, store, sess.ID, session.StateUnauthorized)
	if final.AccessToken != "" {
		t.Fatal("denied session must hold no token")
	}
	if sched.attachCount() != 0 {
		t.Fatal("denied session must not reach the refresh scheduler")
	}
}

func TestCodeExpiryIsHardCeiling(t *testing.T) {
	auth := testAuth()
	auth.ExpiresAt = time.Now().Add(-time.Second)
	provider := &fakeProvider{
		auth:  auth,
		steps: []pollStep{{result: &idp.PollResult{Status: idp.PollPending}}},
	}
	c, store, _ := newTestController(t, provider)

	sess, err := c.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	final := waitForState(t, store, sess.ID, session.StateFailed)
	if final.FailureReason != session.FailureCodeExpired {
		t.Fatalf("expected failure reason %q, got %q", session.FailureCodeExpired, final.FailureReason)
	}
}

func TestProviderExpiredResponse(t *testing.T) {
	provider := &fakeProvider{
		auth:  testAuth(),
		steps: []pollStep{{result: &idp.PollResult{Status: idp.PollExpired}}},
	}
	c, store, _ := newTestController(t, provider)

	sess, err := c.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	final := waitForState(t, store, sess.ID, session.StateFailed)
	if final.FailureReason != session.FailureCodeExpired {
		t.Fatalf("expected failure reason %q, got %q", session.FailureCodeExpired, final.FailureReason)
	}
}

func TestTransientRetryBudget(t *testing.T) {
	transient := &idp.Error{Kind: idp.KindTransient}
	provider := &fakeProvider{
		auth:  testAuth(),
		steps: []pollStep{{err: transient}},
	}
	c, store, _ := newTestController(t, provider)

	sess, err := c.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	final := waitForState(t, store, sess.ID, session.StateFailed)
	if final.FailureReason != session.FailureProviderUnavailable {
		t.Fatalf("expected failure reason %q, got %q", session.FailureProviderUnavailable, final.FailureReason)
	}
}

func TestTransientErrorsBelowBudgetRecover(t *testing.T) {
	transient := &idp.Error{Kind: idp.KindTransient}
	provider := &fakeProvider{
		auth: testAuth(),
		steps: []pollStep{
			{err: transient},
			{err: transient},
			{result: &idp.PollResult{Status: idp.PollSuccess, Token: successToken()}},
		},
	}
	c, store, _ := newTestController(t, provider)

	sess, err := c.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	waitForState(t, store, sess.ID, session.StateAuthenticated)
}

// A poll success that lands after logout must be discarded: the session
// stays gone and never reaches the refresh scheduler.
func TestLogoutDiscardsInFlightPollResult(t *testing.T) {
	gate := make(chan struct{})
	provider := &fakeProvider{
		auth:  testAuth(),
		gate:  gate,
		steps: []pollStep{{result: &idp.PollResult{Status: idp.PollSuccess, Token: successToken()}}},
	}
	c, store, sched := newTestController(t, provider)

	sess, err := c.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// The poll goroutine is now blocked inside the provider call.
	time.Sleep(10 * time.Millisecond)
	if err := c.Logout(sess.ID); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	close(gate)

	time.Sleep(20 * time.Millisecond)
	if _, err := store.Get(sess.ID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after logout, got %v", err)
	}
	if sched.attachCount() != 0 {
		t.Fatal("discarded poll result must not attach a refresh timer")
	}
}

func TestComplete(t *testing.T) {
	// The gate holds the first poll so the mid-flow check below cannot race
	// with authentication.
	gate := make(chan struct{})
	provider := &fakeProvider{
		auth:  testAuth(),
		gate:  gate,
		steps: []pollStep{{result: &idp.PollResult{Status: idp.PollSuccess, Token: successToken()}}},
	}
	c, store, _ := newTestController(t, provider)

	sess, err := c.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if _, err := c.Complete(sess.ID); !errors.Is(err, ErrNotCompleted) {
		t.Fatalf("expected ErrNotCompleted mid-flow, got %v", err)
	}

	close(gate)
	waitForState(t, store, sess.ID, session.StateAuthenticated)

	completed, err := c.Complete(sess.ID)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if completed.State != session.StateAuthenticated {
		t.Fatalf("expected authenticated snapshot, got %q", completed.State)
	}
}

func TestLogoutStopsScheduler(t *testing.T) {
	provider := &fakeProvider{
		auth:  testAuth(),
		steps: []pollStep{{result: &idp.PollResult{Status: idp.PollSuccess, Token: successToken()}}},
	}
	c, store, sched := newTestController(t, provider)

	sess, err := c.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitForState(t, store, sess.ID, session.StateAuthenticated)

	if err := c.Logout(sess.ID); err != nil {
		t.Fatalf("logout failed: %v", err)
	}

	sched.mu.Lock()
	stopped := len(sched.stopped)
	sched.mu.Unlock()
	if stopped != 1 {
		t.Fatalf("expected one scheduler stop on logout, got %d", stopped)
	}
	if _, err := store.Get(sess.ID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after logout, got %v", err)
	}
}
