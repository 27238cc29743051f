// Package usage parses token counts out of an upstream response — SSE or
// single JSON object — without ever blocking the client stream, and
// prices the result from a model->price table loaded as configuration,
// not code. The accumulator owns the stream mechanics (line splitting,
// chunk reassembly, timing); interpreting an event's payload belongs to
// the provider that dispatched the request, via the Parser capability.
package usage

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/nexarelay/claude-relay/internal/logging"
)

// SSEEvent is one server-sent event handed to a provider's usage
// parser: the event name from the `event:` line (may be empty) and the
// raw JSON payload from the `data:` line. A complete non-streamed JSON
// body is delivered as a single event with an empty Type.
type SSEEvent struct {
	Type string
	Data []byte
}

// Delta is one event's contribution to the usage snapshot. Zero fields
// leave the accumulated value untouched; Content marks an event that
// carries response content, bounding the tokens/sec timing window.
type Delta struct {
	Model                    string
	InputTokens              int64
	OutputTokens             int64
	CacheReadInputTokens     int64
	CacheCreationInputTokens int64
	Content                  bool
}

// Parser extracts a usage delta from one response event. Implemented by
// each provider, selected per request alongside the rest of its
// capability set.
type Parser interface {
	ParseUsage(ev SSEEvent) Delta
}

// Snapshot is the usage data extracted from one response.
type Snapshot struct {
	Model                    string
	InputTokens              int64
	OutputTokens             int64
	CacheReadInputTokens     int64
	CacheCreationInputTokens int64
	CostUSD                  float64
	OutputTokensPerSecond    float64
}

// TotalTokens sums input, output, cache-read, and cache-creation tokens.
func (s Snapshot) TotalTokens() int64 {
	return s.InputTokens + s.OutputTokens + s.CacheReadInputTokens + s.CacheCreationInputTokens
}

// Accumulator incrementally parses an SSE stream (or, on Finish, a
// complete JSON body) into a usage Snapshot, delegating payload
// interpretation to the provider's Parser. It is driven by the
// pipeline's tee reader and must never allocate unboundedly, since that
// would risk blocking the client stream — it only buffers the current
// SSE line.
type Accumulator struct {
	parser Parser

	model           string
	snapshot        Snapshot
	firstContentAt  time.Time
	lastContentAt   time.Time
	sawFirstContent bool
	lineBuf         []byte
	eventName       string
}

// NewAccumulator starts a fresh accumulator driven by the given parser.
func NewAccumulator(p Parser) *Accumulator {
	return &Accumulator{parser: p}
}

// FeedSSEBytes consumes one tee'd chunk of an SSE body. Call repeatedly
// as chunks arrive, in order; an incomplete trailing line is carried
// over to the next call rather than discarded, since the tee delivers
// arbitrary read-sized fragments, not whole lines.
func (a *Accumulator) FeedSSEBytes(chunk []byte) {
	a.lineBuf = append(a.lineBuf, chunk...)

	for {
		idx := bytes.IndexByte(a.lineBuf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(a.lineBuf[:idx]), "\r")
		a.lineBuf = a.lineBuf[idx+1:]
		a.applyLine(line)
	}
}

// FeedSSE drains a complete reader in one call; used by tests and by
// callers that already hold the whole body.
func (a *Accumulator) FeedSSE(r io.Reader) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 16*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		a.applyLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logging.Debug("[Usage] SSE scan ended early: %v", err)
	}
}

func (a *Accumulator) applyLine(line string) {
	if strings.HasPrefix(line, "event:") {
		a.eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		return
	}
	if !strings.HasPrefix(line, "data:") {
		return
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" || payload == "[DONE]" {
		return
	}
	a.applyDelta(a.parser.ParseUsage(SSEEvent{Type: a.eventName, Data: []byte(payload)}))
}

func (a *Accumulator) applyDelta(d Delta) {
	if d.Model != "" {
		a.model = d.Model
	}
	if d.InputTokens > 0 {
		a.snapshot.InputTokens = d.InputTokens
	}
	if d.OutputTokens > 0 {
		a.snapshot.OutputTokens = d.OutputTokens
	}
	if d.CacheCreationInputTokens > 0 {
		a.snapshot.CacheCreationInputTokens = d.CacheCreationInputTokens
	}
	if d.CacheReadInputTokens > 0 {
		a.snapshot.CacheReadInputTokens = d.CacheReadInputTokens
	}
	if d.Content {
		a.markContent()
	}
}

func (a *Accumulator) markContent() {
	now := time.Now()
	if !a.sawFirstContent {
		a.firstContentAt = now
		a.sawFirstContent = true
	}
	a.lastContentAt = now
}

// FeedJSON parses a complete, non-streamed JSON response body, once the
// whole body is available, as a single anonymous event.
func (a *Accumulator) FeedJSON(body []byte) {
	a.applyDelta(a.parser.ParseUsage(SSEEvent{Data: body}))
}

// Finish computes the final snapshot, pricing it against table.
func (a *Accumulator) Finish(table *PriceTable) Snapshot {
	snap := a.snapshot
	snap.Model = a.model

	if a.sawFirstContent && a.lastContentAt.After(a.firstContentAt) {
		elapsed := a.lastContentAt.Sub(a.firstContentAt).Seconds()
		if elapsed > 0 {
			snap.OutputTokensPerSecond = float64(snap.OutputTokens) / elapsed
		}
	}

	if table != nil {
		snap.CostUSD = table.Cost(snap)
	}
	return snap
}
