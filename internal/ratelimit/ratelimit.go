// Package ratelimit interprets upstream rate-limit signals and arms
// per-account cooldowns. Header/body parsing follows a header-then-body
// fallback chain with regex-based body parsing as a last resort,
// narrowed to the headers Anthropic actually emits.
package ratelimit

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/nexarelay/claude-relay/internal/logging"
	"github.com/nexarelay/claude-relay/internal/store"
)

// DefaultCooldown is armed when a rate-limited response carries no usable
// retry-after header, no future unified reset header, and no retry-after
// hint in its body. The reset stored on the account from earlier
// responses is not consulted.
const DefaultCooldown = 60 * time.Second

var retryAfterSecondsRegex = regexp.MustCompile(`(?i)retry[- ]?after[:\s]+(\d+)`)

// Snapshot is the rate-limit state extracted from one upstream response.
type Snapshot struct {
	RateLimited bool
	Cooldown    time.Duration
	Status      string
	Reset       int64
	Remaining   int64
}

// Parse inspects a response's status and headers and derives the
// cooldown to arm, if any. A 429 always rate-limits; the unified status
// string only counts on a non-2xx, since successful responses carry the
// same headers informationally. body is the (possibly empty) error body,
// used only as a last-resort fallback when headers carry nothing.
func Parse(statusCode int, headers http.Header, body string) Snapshot {
	status := headers.Get("anthropic-ratelimit-unified-status")
	reset := parseUnixSeconds(headers.Get("anthropic-ratelimit-unified-reset"))
	remaining := parseInt(headers.Get("anthropic-ratelimit-unified-remaining"))

	snap := Snapshot{Status: status, Reset: reset, Remaining: remaining}

	non2xx := statusCode < 200 || statusCode >= 300
	if statusCode != http.StatusTooManyRequests && !(non2xx && status == "rate_limited") {
		return snap
	}

	snap.RateLimited = true
	snap.Cooldown = resolveCooldown(headers, reset, body)
	return snap
}

func resolveCooldown(headers http.Header, observedReset int64, body string) time.Duration {
	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		if t, err := time.Parse(http.TimeFormat, retryAfter); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}

	if observedReset > 0 {
		if d := time.Until(time.Unix(observedReset, 0)); d > 0 {
			return d
		}
	}

	if body != "" {
		if match := retryAfterSecondsRegex.FindStringSubmatch(body); match != nil {
			if seconds, err := strconv.Atoi(match[1]); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	logging.Debug("[RateLimit] no retry-after signal, arming default cooldown of %s", DefaultCooldown)
	return DefaultCooldown
}

func parseUnixSeconds(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseInt(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Arm records a rate-limit snapshot against the account: once armed,
// rate_limited_until is set to now plus the observed cooldown.
func Arm(ctx context.Context, st *store.Store, accountID string, snap Snapshot) error {
	until := time.Now().Add(snap.Cooldown).UnixMilli()
	return st.MarkRateLimited(ctx, accountID, until, snap.Status, snap.Reset, snap.Remaining)
}
