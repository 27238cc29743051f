// Package apperrors defines the error taxonomy used across the proxy's
// request path, so handlers can map a failure to the right HTTP status
// without string-matching error messages.
package apperrors

import "fmt"

// Code identifies one of the error categories from the request-path
// error taxonomy.
type Code string

const (
	CodeValidation       Code = "validation"
	CodeNoAccounts       Code = "no_accounts_available"
	CodeAllCandidates    Code = "all_candidates_failed"
	CodeRateLimited      Code = "rate_limited"
	CodeRefreshFailed    Code = "refresh_failed"
	CodeUpstreamTimeout  Code = "upstream_timeout"
	CodeUpstreamNetwork  Code = "upstream_network"
	CodeClientCancelled  Code = "client_cancelled"
	CodeStorageTransient Code = "storage_transient"
	CodeStorageFatal     Code = "storage_fatal"
)

// Error is the proxy's typed error value: a stable code, a human message,
// whether the caller may retry, and free-form metadata describing why.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Metadata  map[string]interface{}
}

func (e *Error) Error() string {
	return e.Message
}

// JSON renders the error into the shape surfaced on client-visible
// responses: a stable code, a message, whether the client may retry, and
// any diagnostic metadata (e.g. the per-account name/tier/state list on
// no_accounts_available).
func (e *Error) JSON() map[string]interface{} {
	out := map[string]interface{}{
		"error":     e.Code,
		"message":   e.Message,
		"retryable": e.Retryable,
	}
	for k, v := range e.Metadata {
		out[k] = v
	}
	return out
}

func newErr(code Code, retryable bool, format string, args ...interface{}) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryable,
		Metadata:  map[string]interface{}{},
	}
}

// NewValidation builds a validation error (surfaced as HTTP 400).
func NewValidation(format string, args ...interface{}) *Error {
	return newErr(CodeValidation, false, format, args...)
}

// AccountDiagnostic describes one ineligible account for the
// no_accounts_available diagnostic body.
type AccountDiagnostic struct {
	Name  string `json:"name"`
	Tier  int    `json:"tier"`
	State string `json:"state"`
}

// NewNoAccounts builds the no_accounts_available error (HTTP 503) with a
// diagnostic listing of every account and why it was ineligible.
func NewNoAccounts(accounts []AccountDiagnostic) *Error {
	e := newErr(CodeNoAccounts, true, "no accounts available")
	e.Metadata["accounts"] = accounts
	return e
}

// NewAllCandidatesFailed builds the all_candidates_failed error (HTTP 502),
// echoing the most informative upstream status observed during failover.
func NewAllCandidatesFailed(mostInformativeStatus int, lastErr error) *Error {
	e := newErr(CodeAllCandidates, false, "all candidate accounts failed")
	e.Metadata["upstream_status"] = mostInformativeStatus
	if lastErr != nil {
		e.Metadata["last_error"] = lastErr.Error()
	}
	return e
}

// NewRefreshFailed builds the refresh_failed error. The caller is
// responsible for pausing the account; this error only describes it.
func NewRefreshFailed(accountID string, cause error) *Error {
	e := newErr(CodeRefreshFailed, false, "token refresh failed for account %s", accountID)
	if cause != nil {
		e.Metadata["cause"] = cause.Error()
	}
	e.Metadata["account_id"] = accountID
	return e
}

// NewUpstreamTimeout builds an upstream_timeout error.
func NewUpstreamTimeout(stage string) *Error {
	return newErr(CodeUpstreamTimeout, true, "upstream %s timed out", stage)
}

// NewUpstreamNetwork builds an upstream_network error.
func NewUpstreamNetwork(cause error) *Error {
	e := newErr(CodeUpstreamNetwork, true, "upstream network error")
	if cause != nil {
		e.Metadata["cause"] = cause.Error()
	}
	return e
}

// NewClientCancelled builds a client_cancelled error. It is recorded,
// never surfaced to the client.
func NewClientCancelled() *Error {
	return newErr(CodeClientCancelled, false, "client disconnected")
}

// NewStorageTransient builds a storage_transient error (retryable).
func NewStorageTransient(cause error) *Error {
	e := newErr(CodeStorageTransient, true, "storage busy")
	if cause != nil {
		e.Metadata["cause"] = cause.Error()
	}
	return e
}

// NewStorageFatal builds a storage_fatal error (not retried further).
func NewStorageFatal(cause error) *Error {
	e := newErr(CodeStorageFatal, false, "storage write failed")
	if cause != nil {
		e.Metadata["cause"] = cause.Error()
	}
	return e
}

// NewRateLimited builds a rate_limited error. It is a local signal, not
// surfaced to the client unless it is the terminal outcome.
func NewRateLimited(accountID string, untilMs int64) *Error {
	e := newErr(CodeRateLimited, true, "account %s rate-limited", accountID)
	e.Metadata["account_id"] = accountID
	e.Metadata["rate_limited_until"] = untilMs
	return e
}
