package ratelimit

import (
	"net/http"
	"testing"
	"time"
)

func TestParseRetryAfterHeader(t *testing.T) {
	h := http.Header{}
	h.Set("retry-after", "30")

	snap := Parse(http.StatusTooManyRequests, h, "")
	if !snap.RateLimited {
		t.Fatal("expected rate-limited snapshot")
	}
	if snap.Cooldown != 30*time.Second {
		t.Fatalf("expected 30s cooldown, got %s", snap.Cooldown)
	}
}

func TestParseDefaultCooldownWhenNoSignal(t *testing.T) {
	h := http.Header{}
	snap := Parse(http.StatusTooManyRequests, h, "")
	if !snap.RateLimited {
		t.Fatal("expected rate-limited snapshot")
	}
	if snap.Cooldown != DefaultCooldown {
		t.Fatalf("expected default cooldown %s, got %s", DefaultCooldown, snap.Cooldown)
	}
}

func TestParseNonRateLimitedLeavesCooldownZero(t *testing.T) {
	h := http.Header{}
	snap := Parse(http.StatusOK, h, "")
	if snap.RateLimited {
		t.Fatal("expected non-rate-limited snapshot for 200")
	}
}

func TestParseUnifiedStatusHeader(t *testing.T) {
	h := http.Header{}
	h.Set("anthropic-ratelimit-unified-status", "rate_limited")
	h.Set("anthropic-ratelimit-unified-remaining", "0")

	snap := Parse(http.StatusForbidden, h, "")
	if !snap.RateLimited {
		t.Fatal("expected rate-limited snapshot from unified status header on a non-2xx")
	}
	if snap.Remaining != 0 {
		t.Fatalf("expected remaining=0, got %d", snap.Remaining)
	}

	// The same headers on a successful response are informational: the
	// snapshot is captured but no cooldown is armed.
	ok := Parse(http.StatusOK, h, "")
	if ok.RateLimited {
		t.Fatal("expected 2xx with unified status header to not arm a cooldown")
	}
	if ok.Status != "rate_limited" {
		t.Fatalf("expected status snapshot preserved on 2xx, got %q", ok.Status)
	}
}

func TestParseRetryAfterFromBodyFallback(t *testing.T) {
	h := http.Header{}
	snap := Parse(http.StatusTooManyRequests, h, "upstream said retry-after: 45 seconds")
	if snap.Cooldown != 45*time.Second {
		t.Fatalf("expected 45s cooldown parsed from body, got %s", snap.Cooldown)
	}
}
