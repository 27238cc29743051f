package loadbalancer

import (
	"context"
	"testing"
	"time"

	"github.com/nexarelay/claude-relay/internal/apperrors"
	"github.com/nexarelay/claude-relay/internal/store"
)

func TestCandidatesPrefersActiveSessionMostRecent(t *testing.T) {
	now := time.Now()
	strat := New(StrategySession)

	a := &store.Account{ID: "a", Name: "a", AccountTier: 1, SessionStart: now.Add(-1 * time.Hour).UnixMilli(), Priority: 1}
	b := &store.Account{ID: "b", Name: "b", AccountTier: 1, SessionStart: now.Add(-10 * time.Minute).UnixMilli(), Priority: 2}
	c := &store.Account{ID: "c", Name: "c", AccountTier: 1, SessionStart: 0, Priority: 0}

	candidates, err := strat.Candidates(context.Background(), []*store.Account{a, b, c}, now, int64(5*time.Hour/time.Millisecond), "")
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(candidates) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(candidates))
	}
	// b's session started more recently than a's, so b should lead active accounts.
	if candidates[0].ID != "b" || candidates[1].ID != "a" {
		t.Fatalf("expected active accounts ordered by session_start desc, got %v, %v", candidates[0].ID, candidates[1].ID)
	}
	if candidates[2].ID != "c" {
		t.Fatalf("expected idle account c last, got %v", candidates[2].ID)
	}
}

func TestCandidatesEmptyEligibleReturnsNoAccounts(t *testing.T) {
	now := time.Now()
	strat := New(StrategySession)

	a := &store.Account{ID: "a", Name: "a", Paused: true, AccountTier: 1}
	b := &store.Account{ID: "b", Name: "b", RateLimitedUntil: now.Add(time.Minute).UnixMilli(), AccountTier: 5}

	_, err := strat.Candidates(context.Background(), []*store.Account{a, b}, now, int64(5*time.Hour/time.Millisecond), "")
	if err == nil {
		t.Fatal("expected no_accounts_available error")
	}
	appErr, ok := err.(*apperrors.Error)
	if !ok {
		t.Fatalf("expected *apperrors.Error, got %T", err)
	}
	if appErr.Code != apperrors.CodeNoAccounts {
		t.Fatalf("expected CodeNoAccounts, got %v", appErr.Code)
	}
}

func TestCandidatesTierScalesSessionWindow(t *testing.T) {
	now := time.Now()
	strat := New(StrategySession)
	baseMs := int64(time.Hour / time.Millisecond)

	// tier-5 account started 3h ago: still active because window scales to 5h.
	tier5 := &store.Account{ID: "t5", Name: "t5", AccountTier: 5, SessionStart: now.Add(-3 * time.Hour).UnixMilli()}
	// tier-1 account started 3h ago: idle because window is only 1h.
	tier1 := &store.Account{ID: "t1", Name: "t1", AccountTier: 1, SessionStart: now.Add(-3 * time.Hour).UnixMilli()}

	candidates, err := strat.Candidates(context.Background(), []*store.Account{tier1, tier5}, now, baseMs, "")
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if candidates[0].ID != "t5" {
		t.Fatalf("expected tier-5 account (still active) first, got %v", candidates[0].ID)
	}
}

func TestCandidatesIdleOrderedByPriorityThenLRU(t *testing.T) {
	now := time.Now()
	strat := New(StrategySession)

	a := &store.Account{ID: "a", Priority: 1, LastUsed: 200, AccountTier: 1}
	b := &store.Account{ID: "b", Priority: 1, LastUsed: 100, AccountTier: 1}
	c := &store.Account{ID: "c", Priority: 0, LastUsed: 500, AccountTier: 1}

	candidates, err := strat.Candidates(context.Background(), []*store.Account{a, b, c}, now, int64(5*time.Hour/time.Millisecond), "")
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if candidates[0].ID != "c" {
		t.Fatalf("expected priority-0 account first, got %v", candidates[0].ID)
	}
	if candidates[1].ID != "b" || candidates[2].ID != "a" {
		t.Fatalf("expected same-priority accounts ordered by LRU, got %v, %v", candidates[1].ID, candidates[2].ID)
	}
}

func TestCandidatesAgentPreferenceLeadsPartition(t *testing.T) {
	now := time.Now()
	strat := New(StrategySession)

	a := &store.Account{ID: "a", Priority: 0, LastUsed: 100, AccountTier: 1}
	b := &store.Account{ID: "b", Priority: 1, LastUsed: 200, AccountTier: 1}

	candidates, err := strat.Candidates(context.Background(), []*store.Account{a, b}, now, int64(5*time.Hour/time.Millisecond), "b")
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if candidates[0].ID != "b" {
		t.Fatalf("expected preferred account to lead, got %v", candidates[0].ID)
	}

	// Preference never overrides eligibility.
	b.Paused = true
	candidates, err = strat.Candidates(context.Background(), []*store.Account{a, b}, now, int64(5*time.Hour/time.Millisecond), "b")
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != "a" {
		t.Fatalf("expected paused preferred account excluded, got %+v", candidates)
	}
}
