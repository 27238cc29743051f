package provider

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/nexarelay/claude-relay/internal/ratelimit"
	"github.com/nexarelay/claude-relay/internal/usage"
)

const (
	anthropicBaseURL   = "https://api.anthropic.com"
	anthropicBetaValue = "oauth-2025-04-20"
	anthropicVersion   = "2023-06-01"
	anthropicUserAgent = "claude-relay/1.0"
)

// Anthropic is the sole Provider implementation today; the capability
// shape keeps the door open for more.
type Anthropic struct{}

// NewAnthropic constructs the Anthropic provider.
func NewAnthropic() *Anthropic {
	return &Anthropic{}
}

// CanHandle matches every path under /v1, forwarded to the upstream.
func (a *Anthropic) CanHandle(path string) bool {
	return strings.HasPrefix(path, "/v1/")
}

// BaseURL returns the upstream Anthropic API host.
func (a *Anthropic) BaseURL() string {
	return anthropicBaseURL
}

// RewriteHeaders strips hop-by-hop and client authorization, injects the
// bearer token and the provider's anthropic-beta/anthropic-version/
// user-agent, and propagates everything else (content-type, x-agent,
// etc.) unchanged.
func (a *Anthropic) RewriteHeaders(h http.Header, accessToken string) http.Header {
	out := h.Clone()
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}

	out.Set("Authorization", "Bearer "+accessToken)
	if out.Get("anthropic-beta") == "" {
		out.Set("anthropic-beta", anthropicBetaValue)
	}
	out.Set("anthropic-version", anthropicVersion)
	out.Set("User-Agent", anthropicUserAgent)

	return out
}

// ParseRateLimit delegates to the ratelimit package, which already
// knows Anthropic's header vocabulary.
func (a *Anthropic) ParseRateLimit(statusCode int, headers http.Header, body string) ratelimit.Snapshot {
	return ratelimit.Parse(statusCode, headers, body)
}

type anthropicUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

// ParseUsage interprets one event of Anthropic's messages vocabulary:
// message_start carries the model and input-side counts, message_delta
// carries output counts, and message_stop/content_block_delta only mark
// content timing. A complete non-streamed response body (type "message",
// or an anonymous event) yields everything at once. Events that carry
// no usage return a zero Delta.
func (a *Anthropic) ParseUsage(ev usage.SSEEvent) usage.Delta {
	var payload struct {
		Type    string          `json:"type"`
		Model   string          `json:"model"`
		Usage   *anthropicUsage `json:"usage"`
		Message *struct {
			Model string         `json:"model"`
			Usage anthropicUsage `json:"usage"`
		} `json:"message"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return usage.Delta{}
	}

	switch payload.Type {
	case "message_start":
		if payload.Message != nil {
			return usageDelta(payload.Message.Model, payload.Message.Usage, false)
		}
	case "message_delta":
		if payload.Usage != nil {
			return usageDelta("", *payload.Usage, true)
		}
		return usage.Delta{Content: true}
	case "message_stop", "content_block_delta":
		return usage.Delta{Content: true}
	case "message", "":
		if payload.Usage != nil {
			return usageDelta(payload.Model, *payload.Usage, false)
		}
	}
	return usage.Delta{}
}

func usageDelta(model string, u anthropicUsage, content bool) usage.Delta {
	return usage.Delta{
		Model:                    model,
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
		Content:                  content,
	}
}

var _ Provider = (*Anthropic)(nil)
