package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// CreateOAuthSession persists PKCE exchange state for an in-flight
// authorize/callback round trip.
func (s *Store) CreateOAuthSession(ctx context.Context, accountName, verifier, mode string, tier int, ttl time.Duration) (*OAuthSession, error) {
	now := time.Now()
	sess := &OAuthSession{
		ID:           uuid.New().String(),
		AccountName:  accountName,
		PKCEVerifier: verifier,
		Mode:         mode,
		Tier:         tier,
		CreatedAt:    now.UnixMilli(),
		ExpiresAt:    now.Add(ttl).UnixMilli(),
	}
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO oauth_sessions (id, account_name, pkce_verifier, mode, tier, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, nullableString(sess.AccountName), sess.PKCEVerifier, sess.Mode, sess.Tier, sess.CreatedAt, sess.ExpiresAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetOAuthSession fetches a pending session by id. Returns nil, nil when
// the session does not exist (already consumed, or never created) —
// callers surface this as session_not_found.
func (s *Store) GetOAuthSession(ctx context.Context, id string) (*OAuthSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, account_name, pkce_verifier, mode, tier, created_at, expires_at FROM oauth_sessions WHERE id = ?`, id)
	var sess OAuthSession
	var accountName sql.NullString
	err := row.Scan(&sess.ID, &accountName, &sess.PKCEVerifier, &sess.Mode, &sess.Tier, &sess.CreatedAt, &sess.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.AccountName = accountName.String
	return &sess, nil
}

// DeleteOAuthSession consumes a session so it cannot be replayed: the
// authorization code, and the session backing it, are single-use.
func (s *Store) DeleteOAuthSession(ctx context.Context, id string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_sessions WHERE id = ?`, id)
		return err
	})
}

// PruneExpiredOAuthSessions removes sessions past their TTL. Called
// opportunistically rather than on a timer, in keeping with the
// lazy-cleanup style used for other short-lived state.
func (s *Store) PruneExpiredOAuthSessions(ctx context.Context) error {
	now := time.Now().UnixMilli()
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_sessions WHERE expires_at < ?`, now)
		return err
	})
}
