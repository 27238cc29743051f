// Package loadbalancer orders eligible accounts into a candidate list
// per request. The Strategy interface is selected by name, with no
// inheritance hierarchy; only the session-pinned strategy is
// implemented, since round-robin and hybrid selection are out of
// scope.
package loadbalancer

import (
	"context"
	"sort"
	"time"

	"github.com/nexarelay/claude-relay/internal/apperrors"
	"github.com/nexarelay/claude-relay/internal/store"
)

// StrategySession is the only selection policy implemented.
const StrategySession = "session"

// Strategy selects and orders candidates for a request.
type Strategy interface {
	// Name identifies the strategy, echoed in GET /health.
	Name() string
	// Candidates returns the ordered failover list, or a
	// no_accounts_available error if the eligible set is empty.
	// preferredID, when non-empty, is an agent's recorded account
	// preference — it leads its partition ahead of the session and
	// priority ordering, but never overrides eligibility.
	Candidates(ctx context.Context, accounts []*store.Account, now time.Time, sessionDurationMs int64, preferredID string) ([]*store.Account, error)
}

// SessionStrategy implements session-pinned selection: an account keeps
// serving the same session for a tier-scaled window before falling back
// to least-recently-used ordering.
type SessionStrategy struct{}

// New returns the session-pinned Strategy. The name parameter is
// accepted for forward compatibility with a configured lb_strategy key
// but otherwise ignored, since session is currently the only option.
func New(name string) Strategy {
	return &SessionStrategy{}
}

// Name implements Strategy.
func (s *SessionStrategy) Name() string { return StrategySession }

// Candidates orders eligible accounts: active sessions first (most
// recently started first), then idle accounts ordered by priority and
// least-recently-used.
func (s *SessionStrategy) Candidates(ctx context.Context, accounts []*store.Account, now time.Time, sessionDurationMs int64, preferredID string) ([]*store.Account, error) {
	var eligible []*store.Account
	for _, a := range accounts {
		if a.Eligible(now) {
			eligible = append(eligible, a)
		}
	}

	if len(eligible) == 0 {
		diags := make([]apperrors.AccountDiagnostic, 0, len(accounts))
		for _, a := range accounts {
			diags = append(diags, apperrors.AccountDiagnostic{
				Name:  a.Name,
				Tier:  a.AccountTier,
				State: stateOf(a, now),
			})
		}
		return nil, apperrors.NewNoAccounts(diags)
	}

	var active, idle []*store.Account
	for _, a := range eligible {
		duration := scaledSessionDuration(sessionDurationMs, a.AccountTier)
		if a.SessionActive(now, duration) {
			active = append(active, a)
		} else {
			idle = append(idle, a)
		}
	}

	preferred := func(a *store.Account) bool {
		return preferredID != "" && a.ID == preferredID
	}

	sort.SliceStable(active, func(i, j int) bool {
		if preferred(active[i]) != preferred(active[j]) {
			return preferred(active[i])
		}
		if active[i].SessionStart != active[j].SessionStart {
			return active[i].SessionStart > active[j].SessionStart // most recent first
		}
		return active[i].Priority < active[j].Priority
	})

	sort.SliceStable(idle, func(i, j int) bool {
		if preferred(idle[i]) != preferred(idle[j]) {
			return preferred(idle[i])
		}
		if idle[i].Priority != idle[j].Priority {
			return idle[i].Priority < idle[j].Priority
		}
		return idle[i].LastUsed < idle[j].LastUsed // least recently used first
	})

	return append(active, idle...), nil
}

// scaledSessionDuration applies the tier capacity multiplier: tier 1 is
// 1x the base session window, tier 5 is 5x, tier 20 is 20x.
func scaledSessionDuration(baseMs int64, tier int) int64 {
	if tier <= 0 {
		tier = 1
	}
	return baseMs * int64(tier)
}

func stateOf(a *store.Account, now time.Time) string {
	if a.Paused {
		return "paused"
	}
	if a.RateLimitedUntil > now.UnixMilli() {
		return "rate_limited"
	}
	return "eligible"
}
