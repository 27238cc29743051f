package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nexarelay/claude-relay/internal/logging"
	"github.com/nexarelay/claude-relay/internal/provider"
	"github.com/nexarelay/claude-relay/internal/store"
	"github.com/nexarelay/claude-relay/internal/usage"
)

// sseContentType is the content-type signaling incremental,
// event-at-a-time usage extraction.
const sseContentType = "text/event-stream"

// streamToClient forwards a committed upstream body to the client
// verbatim while simultaneously feeding the usage accumulator through a
// tee. The accumulator interprets events through the provider that
// dispatched the request. Once the first byte has been forwarded, the
// caller has already committed — a downstream error becomes a truncated
// client stream, never a failover.
func (p *Pipeline) streamToClient(w http.ResponseWriter, r *http.Request, prov provider.Provider, headers http.Header, upstreamBody io.ReadCloser, res *dispatchResult, start time.Time) {
	defer upstreamBody.Close()

	copyResponseHeaders(w, headers)
	w.WriteHeader(res.statusCode)

	isSSE := strings.Contains(headers.Get("Content-Type"), sseContentType)
	acc := usage.NewAccumulator(prov)
	tee := usage.NewTeeReader(upstreamBody, acc, isSSE)

	flusher, _ := w.(http.Flusher)

	disconnected := false
	buf := make([]byte, 32*1024)
	for {
		n, readErr := tee.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				disconnected = true
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				logging.Debug("[Pipeline] %s: upstream body read ended: %v", res.requestID, readErr)
			}
			break
		}
		select {
		case <-r.Context().Done():
			disconnected = true
		default:
		}
		if disconnected {
			break
		}
	}

	if disconnected {
		p.drainForUsage(tee, p.cfg.DisconnectDrainTimeoutMs)
	}
	tee.Close()

	res.usageSnapshot = acc.Finish(p.priceTable)
	res.responseTimeMs = time.Since(start).Milliseconds()
	res.streamed = true
	res.responseHeaders = headers
	if disconnected && res.usageSnapshot.TotalTokens() == 0 {
		// Nothing usable arrived before the cancel; a disconnect after
		// the usage events were captured still counts as a completion.
		res.success = false
		res.errorMessage = "client_cancelled"
	}
}

// drainForUsage keeps reading (discarding bytes already tee'd to the
// usage parser) for a bounded window after client disconnect, so a
// trailing usage event already in flight is still captured.
func (p *Pipeline) drainForUsage(r io.Reader, timeoutMs int64) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 32*1024)
		for {
			if _, err := r.Read(buf); err != nil {
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
	}
}

// copyResponseHeaders propagates upstream headers to the client,
// stripping set-cookie. Rate-limit headers are forwarded unchanged.
func copyResponseHeaders(w http.ResponseWriter, headers http.Header) {
	for k, values := range headers {
		if strings.EqualFold(k, "Set-Cookie") {
			continue
		}
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
}

// finalize runs the completion stage: update account usage/session
// counters and enqueue the request record and payload to the async
// writer. Storage errors are logged, never surfaced to the client —
// persistence is best-effort.
func (p *Pipeline) finalize(ctx context.Context, res *dispatchResult) {
	if res.accountUsed != nil {
		if err := p.store.UpdateUsage(context.Background(), res.accountUsed.ID, p.sessionDurationForTier(res.accountUsed)); err != nil {
			logging.Warn("[Pipeline] %s: failed to update usage counters for %q: %v", res.requestID, res.accountUsed.Name, err)
		}
		if snap := res.rateLimitSnap; snap.Status != "" && !snap.RateLimited {
			if err := p.store.UpdateRateLimitSnapshot(context.Background(), res.accountUsed.ID, snap.Status, snap.Reset, snap.Remaining); err != nil {
				logging.Debug("[Pipeline] %s: failed to snapshot rate-limit headers for %q: %v", res.requestID, res.accountUsed.Name, err)
			}
		}
		if res.agentUsed != "" && res.success {
			if err := p.store.SetPreferredAccount(context.Background(), res.agentUsed, res.accountUsed.ID); err != nil {
				logging.Debug("[Pipeline] %s: failed to record agent preference: %v", res.requestID, err)
			}
		}
	}

	record := &store.RequestRecord{
		ID:                       res.requestID,
		Timestamp:                res.timestamp,
		Method:                   res.method,
		Path:                     res.path,
		StatusCode:               res.statusCode,
		Success:                  res.success,
		ErrorMessage:             res.errorMessage,
		ResponseTimeMs:           res.responseTimeMs,
		FailoverAttempts:         res.failoverAttempts,
		Model:                    res.usageSnapshot.Model,
		InputTokens:              res.usageSnapshot.InputTokens,
		OutputTokens:             res.usageSnapshot.OutputTokens,
		CacheReadInputTokens:     res.usageSnapshot.CacheReadInputTokens,
		CacheCreationInputTokens: res.usageSnapshot.CacheCreationInputTokens,
		TotalTokens:              res.usageSnapshot.TotalTokens(),
		CostUSD:                  res.usageSnapshot.CostUSD,
		OutputTokensPerSecond:    res.usageSnapshot.OutputTokensPerSecond,
		AgentUsed:                res.agentUsed,
	}
	if res.accountUsed != nil {
		record.AccountUsed = res.accountUsed.ID
	}

	responseBody := base64.StdEncoding.EncodeToString(res.responseBody)
	if res.streamed {
		responseBody = store.StreamedBodySentinel
	}
	payload := &store.RequestPayload{
		RequestID:       res.requestID,
		RequestHeaders:  encodeHeaders(res.requestHeaders),
		RequestBody:     base64.StdEncoding.EncodeToString(res.requestBody),
		ResponseHeaders: encodeHeaders(res.responseHeaders),
		ResponseBody:    responseBody,
	}

	p.writer.Enqueue(record, payload)
	p.reqLog.Append(record)
}

func (p *Pipeline) sessionDurationForTier(account *store.Account) int64 {
	tier := account.AccountTier
	if tier <= 0 {
		tier = 1
	}
	return p.cfg.SessionDurationMs * int64(tier)
}

func encodeHeaders(h http.Header) string {
	if h == nil {
		return ""
	}
	data, err := json.Marshal(h)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

func writeJSON(w io.Writer, v interface{}) error {
	return json.NewEncoder(w).Encode(v)
}
