package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCreateAndGet(t *testing.T) {
	st := NewStore()

	sess := st.Create()
	if sess.ID == "" {
		t.Fatal("expected non-empty session id")
	}
	if sess.State != StatePending {
		t.Fatalf("expected state %q, got %q", StatePending, sess.State)
	}

	got, err := st.Get(sess.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ID != sess.ID {
		t.Fatalf("expected id %q, got %q", sess.ID, got.ID)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	st := NewStore()
	sess := st.Create()

	if err := st.Mutate(sess.ID, func(s *Session) error {
		s.Roles = []string{"admin"}
		return nil
	}); err != nil {
		t.Fatalf("mutate failed: %v", err)
	}

	got, err := st.Get(sess.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	got.Roles[0] = "tampered"
	got.State = StateFailed

	again, err := st.Get(sess.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if again.Roles[0] != "admin" {
		t.Fatal("mutation of a returned snapshot leaked into the store")
	}
	if again.State != StatePending {
		t.Fatalf("expected state %q, got %q", StatePending, again.State)
	}
}

func TestGetUnknownID(t *testing.T) {
	st := NewStore()
	if _, err := st.Get("no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMutateUpdatesLastActivity(t *testing.T) {
	st := NewStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return base }

	sess := st.Create()

	st.now = func() time.Time { return base.Add(time.Minute) }
	if err := st.Mutate(sess.ID, func(s *Session) error {
		s.State = StateCodeIssued
		return nil
	}); err != nil {
		t.Fatalf("mutate failed: %v", err)
	}

	got, err := st.Get(sess.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !got.LastActivityAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("expected last activity bump, got %v", got.LastActivityAt)
	}
}

func TestMutateErrorLeavesActivityUntouched(t *testing.T) {
	st := NewStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return base }

	sess := st.Create()

	st.now = func() time.Time { return base.Add(time.Minute) }
	wantErr := errors.New("boom")
	if err := st.Mutate(sess.ID, func(*Session) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("expected fn error back, got %v", err)
	}

	got, _ := st.Get(sess.ID)
	if !got.LastActivityAt.Equal(base) {
		t.Fatal("failed mutation should not bump last activity")
	}
}

// Two racing mutations of the same session must serialise: whichever runs
// second sees the first one's state and can refuse to overwrite it.
func TestMutateSerialisesConflictingWrites(t *testing.T) {
	st := NewStore()
	sess := st.Create()

	if err := st.Mutate(sess.ID, func(s *Session) error {
		s.State = StatePolling
		return nil
	}); err != nil {
		t.Fatalf("mutate failed: %v", err)
	}

	// pollSuccess models the poll goroutine landing a token; logout models
	// the user logging out. Each only acts if the session is still where
	// it expects it to be.
	pollSuccess := func(s *Session) error {
		if s.State != StatePolling {
			return nil
		}
		s.State = StateAuthenticated
		return nil
	}
	logout := func(s *Session) error {
		s.State = StateLoggedOut
		s.AccessToken = ""
		s.RefreshToken = ""
		return nil
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, fn := range []func(*Session) error{pollSuccess, logout} {
		wg.Add(1)
		go func(fn func(*Session) error) {
			defer wg.Done()
			<-start
			_ = st.Mutate(sess.ID, fn)
		}(fn)
	}
	close(start)
	wg.Wait()

	got, err := st.Get(sess.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	switch got.State {
	case StateAuthenticated, StateLoggedOut:
		// Either order is valid; partial interleavings are not.
	default:
		t.Fatalf("unexpected final state %q", got.State)
	}
	if got.State == StateLoggedOut && got.AccessToken != "" {
		t.Fatal("logged-out session retained its access token")
	}
}

func TestDeleteTombstonesEntry(t *testing.T) {
	st := NewStore()
	sess := st.Create()

	st.Delete(sess.ID)

	if _, err := st.Get(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := st.Mutate(sess.ID, func(s *Session) error {
		s.State = StateAuthenticated
		return nil
	}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound mutating deleted session, got %v", err)
	}
	if st.Count() != 0 {
		t.Fatalf("expected empty store, got %d entries", st.Count())
	}
}

func TestDeleteUnknownIDIsNoop(t *testing.T) {
	st := NewStore()
	st.Delete("no-such-id")
}

func TestSweepRemovesIdleTerminalSessions(t *testing.T) {
	st := NewStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return now }

	stale := st.Create()
	if err := st.Mutate(stale.ID, func(s *Session) error {
		s.State = StateLoggedOut
		return nil
	}); err != nil {
		t.Fatalf("mutate failed: %v", err)
	}

	fresh := st.Create()
	if err := st.Mutate(fresh.ID, func(s *Session) error {
		s.State = StateAuthenticated
		s.TokenExpiresAt = now.Add(time.Hour)
		return nil
	}); err != nil {
		t.Fatalf("mutate failed: %v", err)
	}

	removed := st.SweepExpired(now.Add(2*time.Hour), time.Hour)
	if len(removed) != 1 || removed[0] != stale.ID {
		t.Fatalf("expected [%s] removed, got %v", stale.ID, removed)
	}
	if _, err := st.Get(fresh.ID); err != nil {
		t.Fatalf("authenticated session should survive sweep: %v", err)
	}
}

func TestSweepRemovesExpiredCodeSessions(t *testing.T) {
	st := NewStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return now }

	sess := st.Create()
	if err := st.Mutate(sess.ID, func(s *Session) error {
		s.State = StatePolling
		s.CodeExpiresAt = now.Add(15 * time.Minute)
		return nil
	}); err != nil {
		t.Fatalf("mutate failed: %v", err)
	}

	if removed := st.SweepExpired(now.Add(10*time.Minute), time.Hour); len(removed) != 0 {
		t.Fatalf("sweep before code expiry removed %v", removed)
	}
	removed := st.SweepExpired(now.Add(20*time.Minute), time.Hour)
	if len(removed) != 1 || removed[0] != sess.ID {
		t.Fatalf("expected [%s] removed, got %v", sess.ID, removed)
	}
}

func TestSweptSessionRejectsMutation(t *testing.T) {
	st := NewStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return now }

	sess := st.Create()
	if err := st.Mutate(sess.ID, func(s *Session) error {
		s.State = StateFailed
		s.FailureReason = FailureCodeExpired
		return nil
	}); err != nil {
		t.Fatalf("mutate failed: %v", err)
	}

	st.SweepExpired(now.Add(2*time.Hour), time.Hour)

	if err := st.Mutate(sess.ID, func(s *Session) error {
		s.State = StateAuthenticated
		return nil
	}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound mutating swept session, got %v", err)
	}
}

func TestStartSweeperInvokesCallback(t *testing.T) {
	st := NewStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return now }

	sess := st.Create()
	if err := st.Mutate(sess.ID, func(s *Session) error {
		s.State = StateUnauthorized
		return nil
	}); err != nil {
		t.Fatalf("mutate failed: %v", err)
	}
	st.now = func() time.Time { return now.Add(2 * time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	removedCh := make(chan []string, 1)
	st.StartSweeper(ctx, 10*time.Millisecond, time.Hour, func(ids []string) {
		select {
		case removedCh <- ids:
		default:
		}
	})

	select {
	case ids := <-removedCh:
		if len(ids) != 1 || ids[0] != sess.ID {
			t.Fatalf("expected [%s], got %v", sess.ID, ids)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not report removal in time")
	}
}

func TestCountAuthenticated(t *testing.T) {
	st := NewStore()

	for i := 0; i < 3; i++ {
		sess := st.Create()
		if i < 2 {
			if err := st.Mutate(sess.ID, func(s *Session) error {
				s.State = StateAuthenticated
				return nil
			}); err != nil {
				t.Fatalf("mutate failed: %v", err)
			}
		}
	}

	if got := st.CountAuthenticated(); got != 2 {
		t.Fatalf("expected 2 authenticated sessions, got %d", got)
	}
}

func TestConcurrentMutationsDistinctSessions(t *testing.T) {
	st := NewStore()

	const n = 16
	ids := make([]string, n)
	for i := range ids {
		ids[i] = st.Create().ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = st.Mutate(id, func(s *Session) error {
					s.PollInterval++
					return nil
				})
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		got, err := st.Get(id)
		if err != nil {
			t.Fatalf("get %s failed: %v", id, err)
		}
		if got.PollInterval != 50 {
			t.Fatalf("expected 50 increments for %s, got %d", id, got.PollInterval)
		}
	}
}
