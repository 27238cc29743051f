package store

import (
	"context"
	"database/sql"
)

// GetPreferredAccount returns the account id an agent was last pinned to,
// if any. The load balancer puts that account first within its partition
// (active or idle sessions), but it never overrides eligibility.
func (s *Store) GetPreferredAccount(ctx context.Context, agent string) (string, bool, error) {
	if agent == "" {
		return "", false, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT account_id FROM agent_preferences WHERE agent = ?`, agent)
	var accountID string
	err := row.Scan(&accountID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return accountID, true, nil
}

// SetPreferredAccount records the account an agent was routed to, so a
// future request from the same agent tries it first within its partition.
func (s *Store) SetPreferredAccount(ctx context.Context, agent, accountID string) error {
	if agent == "" {
		return nil
	}
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_preferences (agent, account_id) VALUES (?, ?)
			ON CONFLICT(agent) DO UPDATE SET account_id = excluded.account_id`,
			agent, accountID)
		return err
	})
}
