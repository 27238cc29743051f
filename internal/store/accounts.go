package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const accountColumns = `id, name, provider, refresh_token, access_token, expires_at,
	created_at, last_used, request_count, total_requests, account_tier,
	session_start, session_request_count, rate_limited_until,
	rate_limit_status, rate_limit_reset, rate_limit_remaining,
	paused, pause_reason, priority`

func scanAccount(row interface{ Scan(...interface{}) error }) (*Account, error) {
	var a Account
	var accessToken, rateLimitStatus, pauseReason sql.NullString
	var paused int
	err := row.Scan(
		&a.ID, &a.Name, &a.Provider, &a.RefreshToken, &accessToken, &a.ExpiresAt,
		&a.CreatedAt, &a.LastUsed, &a.RequestCount, &a.TotalRequests, &a.AccountTier,
		&a.SessionStart, &a.SessionRequestCount, &a.RateLimitedUntil,
		&rateLimitStatus, &a.RateLimitReset, &a.RateLimitRemaining,
		&paused, &pauseReason, &a.Priority,
	)
	if err != nil {
		return nil, err
	}
	a.AccessToken = accessToken.String
	a.RateLimitStatus = rateLimitStatus.String
	a.PauseReason = pauseReason.String
	a.Paused = paused != 0
	return &a, nil
}

// ListAccounts returns a snapshot of all accounts ordered by priority then
// last_used desc.
func (s *Store) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY priority ASC, last_used DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAccount fetches one account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// GetByName fetches one account by its unique name.
func (s *Store) GetByName(ctx context.Context, name string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE name = ?`, name)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// CreateAccount persists a newly-exchanged OAuth account.
func (s *Store) CreateAccount(ctx context.Context, name, provider, refreshToken, accessToken string, expiresAt int64, tier int) (*Account, error) {
	a := &Account{
		ID:           uuid.New().String(),
		Name:         name,
		Provider:     provider,
		RefreshToken: refreshToken,
		AccessToken:  accessToken,
		ExpiresAt:    expiresAt,
		CreatedAt:    time.Now().UnixMilli(),
		AccountTier:  tier,
	}
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO accounts (id, name, provider, refresh_token, access_token, expires_at,
				created_at, last_used, request_count, total_requests, account_tier,
				session_start, session_request_count, rate_limited_until,
				rate_limit_status, rate_limit_reset, rate_limit_remaining,
				paused, pause_reason, priority)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, 0, 0, 0, NULL, 0, 0, 0, NULL, 0)`,
			a.ID, a.Name, a.Provider, a.RefreshToken, a.AccessToken, a.ExpiresAt, a.CreatedAt, a.AccountTier)
		return err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateTokens atomically updates the cached access token and, when the
// upstream rotated it, the refresh token.
func (s *Store) UpdateTokens(ctx context.Context, id, accessToken string, expiresAt int64, newRefreshToken string) error {
	return s.withRetry(ctx, func() error {
		if newRefreshToken != "" {
			_, err := s.db.ExecContext(ctx,
				`UPDATE accounts SET access_token = ?, expires_at = ?, refresh_token = ? WHERE id = ?`,
				accessToken, expiresAt, newRefreshToken, id)
			return err
		}
		_, err := s.db.ExecContext(ctx,
			`UPDATE accounts SET access_token = ?, expires_at = ? WHERE id = ?`,
			accessToken, expiresAt, id)
		return err
	})
}

// MarkRateLimited arms a cooldown and snapshots the last observed
// upstream rate-limit state.
func (s *Store) MarkRateLimited(ctx context.Context, id string, until int64, status string, reset, remaining int64) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE accounts SET rate_limited_until = ?, rate_limit_status = ?, rate_limit_reset = ?, rate_limit_remaining = ? WHERE id = ?`,
			until, status, reset, remaining, id)
		return err
	})
}

// UpdateRateLimitSnapshot records the last observed upstream rate-limit
// state without arming a cooldown; used for the informational headers
// that ride along on successful responses.
func (s *Store) UpdateRateLimitSnapshot(ctx context.Context, id, status string, reset, remaining int64) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE accounts SET rate_limit_status = ?, rate_limit_reset = ?, rate_limit_remaining = ? WHERE id = ?`,
			status, reset, remaining, id)
		return err
	})
}

// UpdateUsage increments request counters and rolls the pinned-session
// window, atomically.
func (s *Store) UpdateUsage(ctx context.Context, id string, sessionDurationMs int64) error {
	now := time.Now().UnixMilli()
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var sessionStart sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT session_start FROM accounts WHERE id = ?`, id).Scan(&sessionStart); err != nil {
			return err
		}

		active := sessionStart.Valid && sessionStart.Int64 != 0 && now-sessionStart.Int64 < sessionDurationMs

		if active {
			_, err = tx.ExecContext(ctx, `
				UPDATE accounts SET
					request_count = request_count + 1,
					total_requests = total_requests + 1,
					last_used = ?,
					session_request_count = session_request_count + 1
				WHERE id = ?`, now, id)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE accounts SET
					request_count = request_count + 1,
					total_requests = total_requests + 1,
					last_used = ?,
					session_start = ?,
					session_request_count = 1
				WHERE id = ?`, now, now, id)
		}
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

// SetPaused sets or clears the admin pause flag, optionally recording a
// reason (e.g. "refresh_failed").
func (s *Store) SetPaused(ctx context.Context, id string, paused bool, reason string) error {
	pausedInt := 0
	if paused {
		pausedInt = 1
	}
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE accounts SET paused = ?, pause_reason = ? WHERE id = ?`, pausedInt, reason, id)
		return err
	})
}

// SetPriority updates the account's ordering hint.
func (s *Store) SetPriority(ctx context.Context, id string, priority int) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE accounts SET priority = ? WHERE id = ?`, priority, id)
		return err
	})
}

// Rename changes an account's display name.
func (s *Store) Rename(ctx context.Context, id, name string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE accounts SET name = ? WHERE id = ?`, name, id)
		return err
	})
}

// Delete removes an account entirely (admin action).
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
		return err
	})
}

// ResetRequestCount zeroes the admin-resettable lifetime counter.
func (s *Store) ResetRequestCount(ctx context.Context, id string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE accounts SET request_count = 0 WHERE id = ?`, id)
		return err
	})
}
