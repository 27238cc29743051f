package provider

import (
	"net/http"
	"testing"

	"github.com/nexarelay/claude-relay/internal/usage"
)

func TestAnthropicCanHandle(t *testing.T) {
	a := NewAnthropic()
	if !a.CanHandle("/v1/messages") {
		t.Fatal("expected /v1/messages to be handled")
	}
	if a.CanHandle("/api/accounts") {
		t.Fatal("did not expect /api/accounts to be handled")
	}
}

func TestAnthropicRewriteHeaders(t *testing.T) {
	a := NewAnthropic()
	h := http.Header{}
	h.Set("Authorization", "Bearer client-supplied")
	h.Set("Content-Type", "application/json")
	h.Set("X-Agent", "my-agent")
	h.Set("Connection", "keep-alive")

	out := a.RewriteHeaders(h, "server-token")

	if out.Get("Authorization") != "Bearer server-token" {
		t.Fatalf("expected server-issued bearer token, got %q", out.Get("Authorization"))
	}
	if out.Get("Content-Type") != "application/json" {
		t.Fatal("expected content-type to be propagated")
	}
	if out.Get("X-Agent") != "my-agent" {
		t.Fatal("expected x-agent to be propagated")
	}
	if out.Get("Connection") != "" {
		t.Fatal("expected hop-by-hop Connection header to be stripped")
	}
	if out.Get("anthropic-version") == "" || out.Get("anthropic-beta") == "" {
		t.Fatal("expected anthropic-version and anthropic-beta to be injected")
	}
}

func TestAnthropicParseUsageMessageStart(t *testing.T) {
	a := NewAnthropic()
	d := a.ParseUsage(usage.SSEEvent{Data: []byte(`{"type":"message_start","message":{"model":"claude-sonnet-4-20250514","usage":{"input_tokens":100,"cache_read_input_tokens":20}}}`)})
	if d.Model != "claude-sonnet-4-20250514" {
		t.Fatalf("expected model from message_start, got %q", d.Model)
	}
	if d.InputTokens != 100 || d.CacheReadInputTokens != 20 {
		t.Fatalf("unexpected input-side counts: %+v", d)
	}
	if d.Content {
		t.Fatal("message_start is not a content-bearing event")
	}
}

func TestAnthropicParseUsageMessageDelta(t *testing.T) {
	a := NewAnthropic()
	d := a.ParseUsage(usage.SSEEvent{Data: []byte(`{"type":"message_delta","usage":{"output_tokens":50}}`)})
	if d.OutputTokens != 50 || !d.Content {
		t.Fatalf("expected output_tokens=50 content=true, got %+v", d)
	}

	// A delta without usage still marks content for the rate window.
	d = a.ParseUsage(usage.SSEEvent{Data: []byte(`{"type":"content_block_delta","delta":{"text":"hi"}}`)})
	if !d.Content || d.OutputTokens != 0 {
		t.Fatalf("expected bare content marker, got %+v", d)
	}
}

func TestAnthropicParseUsageCompleteJSONBody(t *testing.T) {
	a := NewAnthropic()
	d := a.ParseUsage(usage.SSEEvent{Data: []byte(`{"type":"message","model":"claude-3-5-haiku-20241022","usage":{"input_tokens":7,"output_tokens":11}}`)})
	if d.Model != "claude-3-5-haiku-20241022" || d.InputTokens != 7 || d.OutputTokens != 11 {
		t.Fatalf("unexpected delta from complete body: %+v", d)
	}
}

func TestAnthropicParseUsageIgnoresUnknownEvents(t *testing.T) {
	a := NewAnthropic()
	d := a.ParseUsage(usage.SSEEvent{Data: []byte(`{"type":"ping"}`)})
	if d != (usage.Delta{}) {
		t.Fatalf("expected zero delta for unknown event, got %+v", d)
	}
	d = a.ParseUsage(usage.SSEEvent{Data: []byte(`not json`)})
	if d != (usage.Delta{}) {
		t.Fatalf("expected zero delta for malformed payload, got %+v", d)
	}
}
