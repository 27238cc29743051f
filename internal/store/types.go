package store

import "time"

// Account is the durable identity of an upstream OAuth credential.
type Account struct {
	ID       string
	Name     string
	Provider string

	RefreshToken string
	AccessToken  string
	ExpiresAt    int64 // epoch ms; 0 means absent

	CreatedAt int64 // epoch ms
	LastUsed  int64 // epoch ms

	RequestCount  int64
	TotalRequests int64

	AccountTier int // 1, 5, or 20

	SessionStart        int64 // epoch ms; 0 means no active session
	SessionRequestCount int64

	RateLimitedUntil   int64 // epoch ms
	RateLimitStatus    string
	RateLimitReset     int64
	RateLimitRemaining int64

	Paused      bool
	PauseReason string
	Priority    int
}

// TokenValid reports whether the cached access token is usable given the
// safety margin: expires_at <= now + margin counts as absent.
func (a *Account) TokenValid(now time.Time, margin time.Duration) bool {
	if a.AccessToken == "" || a.ExpiresAt == 0 {
		return false
	}
	return a.ExpiresAt-now.UnixMilli() > margin.Milliseconds()
}

// SessionActive reports whether the account's pinned session is still
// within its window.
func (a *Account) SessionActive(now time.Time, sessionDurationMs int64) bool {
	if a.SessionStart == 0 {
		return false
	}
	return now.UnixMilli()-a.SessionStart < sessionDurationMs
}

// Eligible reports whether the account may be selected at all: not
// paused, and not currently within a rate-limit cooldown.
func (a *Account) Eligible(now time.Time) bool {
	if a.Paused {
		return false
	}
	return a.RateLimitedUntil <= now.UnixMilli()
}

// RequestRecord is one persisted row per client request. JSON tags match
// the column names so the /api/requests read surfaces serve rows as-is.
type RequestRecord struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Method    string `json:"method"`
	Path      string `json:"path"`

	AccountUsed      string `json:"account_used,omitempty"` // empty if no candidate succeeded
	StatusCode       int    `json:"status_code"`
	Success          bool   `json:"success"`
	ErrorMessage     string `json:"error_message,omitempty"`
	ResponseTimeMs   int64  `json:"response_time_ms"`
	FailoverAttempts int    `json:"failover_attempts"`

	Model                    string  `json:"model,omitempty"`
	InputTokens              int64   `json:"input_tokens"`
	OutputTokens             int64   `json:"output_tokens"`
	CacheReadInputTokens     int64   `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64   `json:"cache_creation_input_tokens"`
	TotalTokens              int64   `json:"total_tokens"`
	CostUSD                  float64 `json:"cost_usd"`
	OutputTokensPerSecond    float64 `json:"output_tokens_per_second"`

	AgentUsed string `json:"agent_used,omitempty"`
}

// RequestPayload is the opaque captured request/response blob keyed by
// request id, cascade-deleted with its parent record.
type RequestPayload struct {
	RequestID       string
	RequestHeaders  string // base64
	RequestBody     string // base64
	ResponseHeaders string // base64
	ResponseBody    string // base64, or the sentinel "[streamed]"
}

// StreamedBodySentinel marks a response body that was never buffered
// because it was tee'd straight to the client.
const StreamedBodySentinel = "[streamed]"

// OAuthSession is the short-lived PKCE exchange state.
type OAuthSession struct {
	ID           string
	AccountName  string
	PKCEVerifier string
	Mode         string // "console" or "max"
	Tier         int
	CreatedAt    int64
	ExpiresAt    int64
}
