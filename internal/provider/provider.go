// Package provider defines the capability-set used to select upstream
// behavior per request. Only one implementation exists today —
// Anthropic — but the shape keeps the door open for more without an
// inheritance hierarchy.
package provider

import (
	"net/http"

	"github.com/nexarelay/claude-relay/internal/ratelimit"
	"github.com/nexarelay/claude-relay/internal/usage"
)

// Provider is the capability set a request is dispatched through:
// routing (CanHandle/BaseURL), header rewriting, and response
// interpretation (rate-limit/usage parsing).
type Provider interface {
	// CanHandle reports whether this provider serves the given request path.
	CanHandle(path string) bool
	// BaseURL returns the upstream host to dispatch path against.
	BaseURL() string
	// RewriteHeaders strips client auth and hop-by-hop headers and
	// injects the bearer token and provider-specific headers.
	RewriteHeaders(h http.Header, accessToken string) http.Header
	// ParseRateLimit interprets a response's status/headers/body. The
	// pieces are passed separately rather than as an *http.Response:
	// by the time failover decides, the body has been consumed (or is
	// being tee'd to the client) and only the cloned headers survive.
	ParseRateLimit(statusCode int, headers http.Header, body string) ratelimit.Snapshot
	// ParseUsage extracts a usage delta from one response event (or,
	// with an empty event type, from a complete JSON body).
	ParseUsage(ev usage.SSEEvent) usage.Delta
}

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Authorization",
	"Host",
}
