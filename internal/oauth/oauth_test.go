package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexarelay/claude-relay/internal/store"
)

func newTestManager(t *testing.T, tokenHandler http.HandlerFunc) (*Manager, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"), store.DefaultRetryConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := httptest.NewServer(tokenHandler)
	t.Cleanup(srv.Close)

	mgr := New(st, nil, "client-123", srv.URL, srv.URL, srv.URL+"/token", 5*time.Second)
	return mgr, st
}

func TestAuthorizeThenCompleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	mgr, st := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","expires_in":3600}`))
	})

	authorizeURL, sessionID, err := mgr.Authorize(ctx, "console", 5)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if authorizeURL == "" || sessionID == "" {
		t.Fatalf("expected non-empty authorize url/session id")
	}

	acct, err := mgr.Complete(ctx, sessionID, "auth-code", "acct-new")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if acct.AccessToken != "at-1" || acct.RefreshToken != "rt-1" {
		t.Fatalf("unexpected account tokens: %+v", acct)
	}

	// Replaying the same (session_id, code) must fail: the session was
	// deleted on first success.
	if _, err := mgr.Complete(ctx, sessionID, "auth-code", "acct-new"); err == nil {
		t.Fatal("expected session_not_found on replay")
	}

	got, err := st.GetByName(ctx, "acct-new")
	if err != nil || got == nil {
		t.Fatalf("expected persisted account, err=%v got=%+v", err, got)
	}
}

func TestEnsureAccessTokenSingleFlight(t *testing.T) {
	ctx := context.Background()
	var calls int64

	mgr, st := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh-token","refresh_token":"rt-2","expires_in":3600}`))
	})

	acct, err := st.CreateAccount(ctx, "acct-1", "anthropic", "rt-1", "stale-token", time.Now().Add(5*time.Second).UnixMilli(), 1)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]string, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = mgr.EnsureAccessToken(ctx, acct)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("EnsureAccessToken[%d]: %v", i, err)
		}
		if results[i] != "fresh-token" {
			t.Fatalf("EnsureAccessToken[%d] = %q, want fresh-token", i, results[i])
		}
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected exactly one token-endpoint call, got %d", got)
	}
}

func TestEnsureAccessTokenSkipsRefreshOutsideMargin(t *testing.T) {
	ctx := context.Background()
	var calls int64
	mgr, st := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Write([]byte(`{"access_token":"should-not-be-used","expires_in":3600}`))
	})

	acct, err := st.CreateAccount(ctx, "acct-fresh", "anthropic", "rt-1", "still-valid", time.Now().Add(5*time.Minute).UnixMilli(), 1)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	token, err := mgr.EnsureAccessToken(ctx, acct)
	if err != nil {
		t.Fatalf("EnsureAccessToken: %v", err)
	}
	if token != "still-valid" {
		t.Fatalf("expected cached token to be reused, got %q", token)
	}
	if atomic.LoadInt64(&calls) != 0 {
		t.Fatal("expected no refresh call when token expiry is beyond the margin")
	}
}

func TestRefreshFailurePausesAccount(t *testing.T) {
	ctx := context.Background()
	mgr, st := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	})

	acct, err := st.CreateAccount(ctx, "acct-bad", "anthropic", "rt-1", "", 0, 1)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	if _, err := mgr.EnsureAccessToken(ctx, acct); err == nil {
		t.Fatal("expected refresh error")
	}

	got, err := st.GetAccount(ctx, acct.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !got.Paused || got.PauseReason != "refresh_failed" {
		t.Fatalf("expected account auto-paused with refresh_failed, got %+v", got)
	}
}

func TestRefreshTransientFailureDoesNotPauseAccount(t *testing.T) {
	ctx := context.Background()
	mgr, st := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	acct, err := st.CreateAccount(ctx, "acct-flaky", "anthropic", "rt-1", "", 0, 1)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	if _, err := mgr.EnsureAccessToken(ctx, acct); err == nil {
		t.Fatal("expected refresh error")
	}

	got, err := st.GetAccount(ctx, acct.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.Paused {
		t.Fatalf("a transient token-endpoint failure must not pause the account: %+v", got)
	}
}
