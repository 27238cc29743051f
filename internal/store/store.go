// Package store provides the durable account store: accounts, request
// records, request payloads, OAuth sessions, and agent preferences,
// backed by a single embedded sqlite database opened through
// modernc.org/sqlite — a pure-Go, CGO-free driver chosen for
// cross-platform support with no native toolchain requirement.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nexarelay/claude-relay/internal/apperrors"
	"github.com/nexarelay/claude-relay/internal/logging"
)

// RetryConfig controls the backoff applied to transient storage-busy
// errors.
type RetryConfig struct {
	Attempts int
	DelayMs  int64
	Backoff  float64
	MaxMs    int64
}

// DefaultRetryConfig returns the default backoff: initial 100ms, base 2,
// cap 5s, 3 attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, DelayMs: 100, Backoff: 2, MaxMs: 5000}
}

// Store is the Account Store / Request Log persistence handle.
type Store struct {
	db    *sql.DB
	retry RetryConfig
}

// Open opens (creating if necessary) the sqlite database at path and
// ensures its schema exists.
func Open(path string, retry RetryConfig) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The pool is capped at 8 connections. The async writer is the only
	// sustained writer; WAL mode lets readers proceed alongside it, and
	// busy_timeout plus withRetry absorb the remaining write contention.
	db.SetMaxOpenConns(8)

	s := &Store{db: db, retry: retry}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the storage handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			provider TEXT NOT NULL DEFAULT 'anthropic',
			refresh_token TEXT NOT NULL,
			access_token TEXT,
			expires_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			last_used INTEGER NOT NULL DEFAULT 0,
			request_count INTEGER NOT NULL DEFAULT 0,
			total_requests INTEGER NOT NULL DEFAULT 0,
			account_tier INTEGER NOT NULL DEFAULT 1,
			session_start INTEGER NOT NULL DEFAULT 0,
			session_request_count INTEGER NOT NULL DEFAULT 0,
			rate_limited_until INTEGER NOT NULL DEFAULT 0,
			rate_limit_status TEXT,
			rate_limit_reset INTEGER NOT NULL DEFAULT 0,
			rate_limit_remaining INTEGER NOT NULL DEFAULT 0,
			paused INTEGER NOT NULL DEFAULT 0,
			pause_reason TEXT,
			priority INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			account_used TEXT,
			status_code INTEGER NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			response_time_ms INTEGER NOT NULL DEFAULT 0,
			failover_attempts INTEGER NOT NULL DEFAULT 0,
			model TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_input_tokens INTEGER NOT NULL DEFAULT 0,
			cache_creation_input_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			output_tokens_per_second REAL NOT NULL DEFAULT 0,
			agent_used TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS request_payloads (
			request_id TEXT PRIMARY KEY REFERENCES requests(id) ON DELETE CASCADE,
			request_headers TEXT,
			request_body TEXT,
			response_headers TEXT,
			response_body TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_sessions (
			id TEXT PRIMARY KEY,
			account_name TEXT,
			pkce_verifier TEXT NOT NULL,
			mode TEXT NOT NULL,
			tier INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_preferences (
			agent TEXT PRIMARY KEY,
			account_id TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

// withRetry runs fn, retrying on sqlite "busy"/"locked" conditions with
// exponential backoff and jitter. Non-retryable errors surface
// immediately.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	cfg := s.retry
	delay := cfg.DelayMs
	var lastErr error

	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return apperrors.NewStorageFatal(lastErr)
		}
		if attempt == attempts-1 {
			break
		}

		jitter := time.Duration(rand.Int63n(delay/2+1)) * time.Millisecond
		sleep := time.Duration(delay)*time.Millisecond + jitter
		logging.Debug("[Store] retrying after busy/locked error (attempt %d/%d): %v", attempt+1, attempts, lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay = int64(float64(delay) * cfg.Backoff)
		if delay > cfg.MaxMs {
			delay = cfg.MaxMs
		}
	}
	return apperrors.NewStorageTransient(lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}
