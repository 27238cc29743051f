package store

import (
	"context"
	"database/sql"
)

const requestColumns = `id, timestamp, method, path, account_used, status_code, success,
	error_message, response_time_ms, failover_attempts, model, input_tokens,
	output_tokens, cache_read_input_tokens, cache_creation_input_tokens,
	total_tokens, cost_usd, output_tokens_per_second, agent_used`

// WriteRequest upserts a request record, idempotent on id.
func (s *Store) WriteRequest(ctx context.Context, r *RequestRecord) error {
	successInt := 0
	if r.Success {
		successInt = 1
	}
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO requests (`+requestColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				account_used = excluded.account_used,
				status_code = excluded.status_code,
				success = excluded.success,
				error_message = excluded.error_message,
				response_time_ms = excluded.response_time_ms,
				failover_attempts = excluded.failover_attempts,
				model = excluded.model,
				input_tokens = excluded.input_tokens,
				output_tokens = excluded.output_tokens,
				cache_read_input_tokens = excluded.cache_read_input_tokens,
				cache_creation_input_tokens = excluded.cache_creation_input_tokens,
				total_tokens = excluded.total_tokens,
				cost_usd = excluded.cost_usd,
				output_tokens_per_second = excluded.output_tokens_per_second,
				agent_used = excluded.agent_used`,
			r.ID, r.Timestamp, r.Method, r.Path, nullableString(r.AccountUsed), r.StatusCode, successInt,
			nullableString(r.ErrorMessage), r.ResponseTimeMs, r.FailoverAttempts, nullableString(r.Model),
			r.InputTokens, r.OutputTokens, r.CacheReadInputTokens, r.CacheCreationInputTokens,
			r.TotalTokens, r.CostUSD, r.OutputTokensPerSecond, nullableString(r.AgentUsed),
		)
		return err
	})
}

// WritePayload upserts the captured request/response blob, idempotent on
// request id.
func (s *Store) WritePayload(ctx context.Context, p *RequestPayload) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO request_payloads (request_id, request_headers, request_body, response_headers, response_body)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(request_id) DO UPDATE SET
				request_headers = excluded.request_headers,
				request_body = excluded.request_body,
				response_headers = excluded.response_headers,
				response_body = excluded.response_body`,
			p.RequestID, p.RequestHeaders, p.RequestBody, p.ResponseHeaders, p.ResponseBody,
		)
		return err
	})
}

func scanRequest(row interface{ Scan(...interface{}) error }) (*RequestRecord, error) {
	var r RequestRecord
	var accountUsed, errorMessage, model, agentUsed sql.NullString
	var success int
	err := row.Scan(
		&r.ID, &r.Timestamp, &r.Method, &r.Path, &accountUsed, &r.StatusCode, &success,
		&errorMessage, &r.ResponseTimeMs, &r.FailoverAttempts, &model, &r.InputTokens,
		&r.OutputTokens, &r.CacheReadInputTokens, &r.CacheCreationInputTokens,
		&r.TotalTokens, &r.CostUSD, &r.OutputTokensPerSecond, &agentUsed,
	)
	if err != nil {
		return nil, err
	}
	r.AccountUsed = accountUsed.String
	r.ErrorMessage = errorMessage.String
	r.Model = model.String
	r.AgentUsed = agentUsed.String
	r.Success = success != 0
	return &r, nil
}

// GetRequest fetches a single request record by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*RequestRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ListRequests returns up to limit of the most recent request records,
// newest first. Backs pagination beyond the in-memory request-log ring.
func (s *Store) ListRequests(ctx context.Context, limit int) ([]*RequestRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RequestRecord
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetPayload fetches the captured request/response blob for a request id.
func (s *Store) GetPayload(ctx context.Context, id string) (*RequestPayload, error) {
	row := s.db.QueryRowContext(ctx, `SELECT request_id, request_headers, request_body, response_headers, response_body FROM request_payloads WHERE request_id = ?`, id)
	var p RequestPayload
	err := row.Scan(&p.RequestID, &p.RequestHeaders, &p.RequestBody, &p.ResponseHeaders, &p.ResponseBody)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
