package store

import (
	"testing"
	"time"
)

func TestTokenValidMarginBoundary(t *testing.T) {
	now := time.Now()
	margin := 60 * time.Second

	a := &Account{AccessToken: "tok", ExpiresAt: now.Add(59 * time.Second).UnixMilli()}
	if a.TokenValid(now, margin) {
		t.Fatal("token expiring in 59s is within the margin and must trigger refresh")
	}

	a.ExpiresAt = now.Add(61 * time.Second).UnixMilli()
	if !a.TokenValid(now, margin) {
		t.Fatal("token expiring in 61s is outside the margin and must be reused")
	}

	a.AccessToken = ""
	if a.TokenValid(now, margin) {
		t.Fatal("empty access token is never valid")
	}
}

func TestSessionActiveWindowBoundary(t *testing.T) {
	now := time.Now()
	const windowMs = int64(5 * time.Hour / time.Millisecond)

	a := &Account{SessionStart: now.UnixMilli() - (windowMs - 1)}
	if !a.SessionActive(now, windowMs) {
		t.Fatal("one ms before the window edge the session is still pinned")
	}

	a.SessionStart = now.UnixMilli() - (windowMs + 1)
	if a.SessionActive(now, windowMs) {
		t.Fatal("one ms past the window edge the session has expired")
	}

	a.SessionStart = 0
	if a.SessionActive(now, windowMs) {
		t.Fatal("an account with no session_start has no active session")
	}
}

func TestEligibleExcludesPausedAndRateLimited(t *testing.T) {
	now := time.Now()

	a := &Account{}
	if !a.Eligible(now) {
		t.Fatal("fresh account should be eligible")
	}

	a.Paused = true
	if a.Eligible(now) {
		t.Fatal("paused account must never be eligible")
	}

	a.Paused = false
	a.RateLimitedUntil = now.Add(time.Minute).UnixMilli()
	if a.Eligible(now) {
		t.Fatal("rate-limited account must never be eligible")
	}

	a.RateLimitedUntil = now.Add(-time.Second).UnixMilli()
	if !a.Eligible(now) {
		t.Fatal("expired cooldown restores eligibility")
	}
}
