// Package pipeline implements the request pipeline state machine:
// buffer the client request, ask the load balancer for an ordered
// candidate list, dispatch to each in turn until one streams back a
// 2xx response, tee that response to the client and the usage
// interceptor, and enqueue the completed record to the async writer.
// The retry-across-accounts loop and flush-per-event streaming idiom
// are restructured around a single-attempt-per-candidate failover,
// without model-capacity backoff tiers, empty-response retries, or
// model fallback.
package pipeline

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nexarelay/claude-relay/internal/apperrors"
	"github.com/nexarelay/claude-relay/internal/asyncwriter"
	"github.com/nexarelay/claude-relay/internal/cache"
	"github.com/nexarelay/claude-relay/internal/config"
	"github.com/nexarelay/claude-relay/internal/loadbalancer"
	"github.com/nexarelay/claude-relay/internal/logging"
	"github.com/nexarelay/claude-relay/internal/oauth"
	"github.com/nexarelay/claude-relay/internal/provider"
	"github.com/nexarelay/claude-relay/internal/ratelimit"
	"github.com/nexarelay/claude-relay/internal/requestlog"
	"github.com/nexarelay/claude-relay/internal/store"
	"github.com/nexarelay/claude-relay/internal/usage"
)

// agentHeader is the well-known client request header captured as
// agent_used, when present.
const agentHeader = "X-Agent"

// Pipeline wires every request-path collaborator behind one entry
// point. It holds no per-request mutable state; everything below is
// either immutable configuration or itself safe for concurrent use,
// passed through explicit construction rather than module-level
// singletons.
type Pipeline struct {
	store      *store.Store
	oauthMgr   *oauth.Manager
	strategy   loadbalancer.Strategy
	providers  []provider.Provider
	writer     *asyncwriter.Writer
	reqLog     *requestlog.Log
	cache      *cache.Cache
	priceTable *usage.PriceTable
	cfg        *config.Config
	client     *http.Client
}

// New constructs a Pipeline from its collaborators.
func New(
	st *store.Store,
	oauthMgr *oauth.Manager,
	strategy loadbalancer.Strategy,
	providers []provider.Provider,
	asyncWriter *asyncwriter.Writer,
	reqLog *requestlog.Log,
	c *cache.Cache,
	priceTable *usage.PriceTable,
	cfg *config.Config,
) *Pipeline {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: time.Duration(cfg.UpstreamConnectTimeoutMs) * time.Millisecond,
		}).DialContext,
		ResponseHeaderTimeout: time.Duration(cfg.UpstreamHeaderTimeoutMs) * time.Millisecond,
	}
	return &Pipeline{
		store:      st,
		oauthMgr:   oauthMgr,
		strategy:   strategy,
		providers:  providers,
		writer:     asyncWriter,
		reqLog:     reqLog,
		cache:      c,
		priceTable: priceTable,
		cfg:        cfg,
		client:     &http.Client{Transport: transport},
	}
}

// overlayRateLimits folds the fleet-shared cooldown mirror into the
// snapshot read from sqlite, so an account rate-limited via another
// proxy instance is suppressed here before its own sqlite row catches
// up. A stricter local cooldown always wins.
func (p *Pipeline) overlayRateLimits(ctx context.Context, accounts []*store.Account) {
	if !p.cache.Enabled() {
		return
	}
	for _, a := range accounts {
		if snap, ok := p.cache.GetRateLimit(ctx, a.ID); ok && snap.Until > a.RateLimitedUntil {
			a.RateLimitedUntil = snap.Until
			a.RateLimitStatus = snap.Status
			a.RateLimitReset = snap.Reset
			a.RateLimitRemaining = snap.Remaining
		}
	}
}

// providerFor returns the first Provider willing to handle path.
func (p *Pipeline) providerFor(path string) provider.Provider {
	for _, prov := range p.providers {
		if prov.CanHandle(path) {
			return prov
		}
	}
	return nil
}

// ServeHTTP implements the full INIT -> SELECT -> DISPATCH -> STREAMING
// -> COMPLETE/FAIL state machine for one client request.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// INIT
	requestID := uuid.New().String()
	agentUsed := r.Header.Get(agentHeader)
	prov := p.providerFor(r.URL.Path)
	if prov == nil {
		writeJSONError(w, http.StatusNotFound, apperrors.NewValidation("no provider handles %s", r.URL.Path))
		return
	}

	// Buffer
	body, err := readLimited(r.Body, p.cfg.MaxBodyBytes)
	if err != nil {
		if err == errBodyTooLarge {
			writeJSONError(w, http.StatusRequestEntityTooLarge, apperrors.NewValidation("request body exceeds max_body_bytes"))
			return
		}
		writeJSONError(w, http.StatusBadRequest, apperrors.NewValidation("read request body: %v", err))
		return
	}

	// SELECT
	accounts, err := p.store.ListAccounts(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, apperrors.NewStorageFatal(err))
		return
	}
	p.overlayRateLimits(r.Context(), accounts)
	preferredID := ""
	if agentUsed != "" {
		if id, ok, prefErr := p.store.GetPreferredAccount(r.Context(), agentUsed); prefErr == nil && ok {
			preferredID = id
		}
	}
	candidates, err := p.strategy.Candidates(r.Context(), accounts, time.Now(), p.cfg.SessionDurationMs, preferredID)
	if err != nil {
		if appErr, ok := err.(*apperrors.Error); ok {
			writeJSONError(w, statusFor(appErr.Code), appErr)
			return
		}
		writeJSONError(w, http.StatusInternalServerError, apperrors.NewValidation("%s", err.Error()))
		return
	}

	outcome := p.runAttempts(w, r, requestID, agentUsed, prov, body, candidates, start)
	p.finalize(r.Context(), outcome)
}

// dispatchResult captures the terminal outcome of the DISPATCH/STREAMING
// loop for COMPLETE-stage bookkeeping.
type dispatchResult struct {
	requestID        string
	agentUsed        string
	method           string
	path             string
	timestamp        int64
	accountUsed      *store.Account
	statusCode       int
	success          bool
	errorMessage     string
	failoverAttempts int
	responseTimeMs   int64
	usageSnapshot    usage.Snapshot
	committed        bool // true once a response stream has begun (FAIL_NEXT unreachable)
	clientGone       bool // client disconnected before any commit
	rateLimitSnap    ratelimit.Snapshot
	requestHeaders   http.Header
	requestBody      []byte
	responseHeaders  http.Header
	responseBody     []byte // nil/empty if streamed verbatim
	streamed         bool

	mostInformativeStatus int
	lastErr               error
}

// runAttempts drives the failover loop, re-selecting candidates between
// outer retry passes (retry_attempts/retry_delay_ms/retry_backoff). A
// candidate is tried at most once per request regardless of passes; a
// later pass only helps when an account's cooldown expired or a new
// account became eligible in the meantime.
func (p *Pipeline) runAttempts(w http.ResponseWriter, r *http.Request, requestID, agentUsed string, prov provider.Provider, body []byte, candidates []*store.Account, start time.Time) *dispatchResult {
	res := &dispatchResult{
		requestID:      requestID,
		agentUsed:      agentUsed,
		method:         r.Method,
		path:           r.URL.Path,
		timestamp:      start.UnixMilli(),
		requestHeaders: r.Header.Clone(),
		requestBody:    body,
	}

	attempts := p.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(p.cfg.RetryDelayMs) * time.Millisecond
	tried := make(map[string]bool)

	for pass := 0; ; pass++ {
		p.dispatchLoop(w, r, requestID, prov, body, candidates, tried, res, start)
		if res.committed || res.clientGone {
			return res
		}
		if pass+1 >= attempts {
			break
		}

		select {
		case <-r.Context().Done():
			res.clientGone = true
			res.errorMessage = "client_cancelled"
			res.responseTimeMs = time.Since(start).Milliseconds()
			return res
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * p.cfg.RetryBackoff)

		accounts, err := p.store.ListAccounts(r.Context())
		if err != nil {
			break
		}
		p.overlayRateLimits(r.Context(), accounts)
		candidates, err = p.strategy.Candidates(r.Context(), accounts, time.Now(), p.cfg.SessionDurationMs, "")
		if err != nil {
			break
		}
	}

	// NO_MORE candidates: FAIL.
	res.success = false
	res.statusCode = res.mostInformativeStatus
	res.responseTimeMs = time.Since(start).Milliseconds()
	appErr := apperrors.NewAllCandidatesFailed(res.mostInformativeStatus, res.lastErr)
	res.errorMessage = appErr.Error()
	writeJSONError(w, statusFor(appErr.Code), appErr)
	return res
}

// dispatchLoop tries each not-yet-tried candidate in order until one
// streams a committed response or the list is exhausted.
func (p *Pipeline) dispatchLoop(w http.ResponseWriter, r *http.Request, requestID string, prov provider.Provider, body []byte, candidates []*store.Account, tried map[string]bool, res *dispatchResult, start time.Time) {
	for _, account := range candidates {
		if tried[account.ID] {
			continue
		}
		tried[account.ID] = true

		select {
		case <-r.Context().Done():
			res.clientGone = true
			res.success = false
			res.errorMessage = "client_cancelled"
			res.responseTimeMs = time.Since(start).Milliseconds()
			return
		default:
		}

		token, err := p.oauthMgr.EnsureAccessToken(r.Context(), account)
		if err != nil {
			res.failoverAttempts++
			res.lastErr = err
			logging.Warn("[Pipeline] %s: token refresh failed for account %q, trying next candidate: %v", requestID, account.Name, err)
			continue
		}

		status, respHeaders, upstreamBody, dispatchErr := p.dispatchOne(r.Context(), prov, account, token, r.Method, r.URL.Path, r.Header, body)
		if dispatchErr != nil {
			res.failoverAttempts++
			res.lastErr = dispatchErr
			logging.Warn("[Pipeline] %s: dispatch to %q failed, trying next candidate: %v", requestID, account.Name, dispatchErr)
			continue
		}

		res.mostInformativeStatus = mostStatusPriority(res.mostInformativeStatus, status)

		non2xx := status < 200 || status >= 300
		if status == http.StatusTooManyRequests || (non2xx && respHeaders.Get("anthropic-ratelimit-unified-status") == "rate_limited") {
			snap := prov.ParseRateLimit(status, respHeaders, peekBody(upstreamBody))
			if armErr := ratelimit.Arm(r.Context(), p.store, account.ID, snap); armErr != nil {
				logging.Warn("[Pipeline] %s: failed to arm rate limit for %q: %v", requestID, account.Name, armErr)
			}
			p.cache.SetRateLimit(r.Context(), account.ID, cache.RateLimitSnapshot{
				Until:     time.Now().Add(snap.Cooldown).UnixMilli(),
				Status:    snap.Status,
				Reset:     snap.Reset,
				Remaining: snap.Remaining,
			})
			res.failoverAttempts++
			upstreamBody.Close()
			continue
		}

		if status >= 500 {
			res.failoverAttempts++
			upstreamBody.Close()
			continue
		}

		// Commit: a 2xx streams back as a success; any other remaining
		// status (a 4xx the upstream owes the client) is passed through
		// verbatim. FAIL_NEXT is no longer reachable past this point.
		res.committed = true
		res.accountUsed = account
		res.statusCode = status
		res.success = status >= 200 && status < 300
		res.responseHeaders = respHeaders
		res.rateLimitSnap = prov.ParseRateLimit(status, respHeaders, "")

		p.streamToClient(w, r, prov, respHeaders, upstreamBody, res, start)
		return
	}
}

// mostStatusPriority keeps the more informative of two observed
// upstream statuses, preferring 429 over 5xx over any other status.
func mostStatusPriority(current, candidate int) int {
	rank := func(code int) int {
		switch {
		case code == http.StatusTooManyRequests:
			return 3
		case code >= 500:
			return 2
		case code != 0:
			return 1
		default:
			return 0
		}
	}
	if rank(candidate) >= rank(current) {
		return candidate
	}
	return current
}

// dispatchOne sends one upstream attempt and returns the status code,
// response headers, and an open body reader (caller must close it).
func (p *Pipeline) dispatchOne(ctx context.Context, prov provider.Provider, account *store.Account, token, method, path string, clientHeaders http.Header, body []byte) (int, http.Header, io.ReadCloser, error) {
	upstreamURL := prov.BaseURL() + path

	dispatchCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(dispatchCtx, method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		cancel()
		return 0, nil, nil, apperrors.NewValidation("build upstream request: %v", err)
	}
	req.Header = prov.RewriteHeaders(clientHeaders, token)

	resp, err := p.client.Do(req)
	if err != nil {
		cancel()
		if dispatchCtx.Err() != nil {
			return 0, nil, nil, apperrors.NewUpstreamTimeout("headers")
		}
		return 0, nil, nil, apperrors.NewUpstreamNetwork(err)
	}

	idleTimeout := time.Duration(p.cfg.UpstreamIdleTimeoutMs) * time.Millisecond
	return resp.StatusCode, resp.Header.Clone(), newIdleTimeoutBody(resp.Body, idleTimeout, cancel), nil
}

// statusFor maps an error taxonomy code to its client-visible HTTP
// status.
func statusFor(code apperrors.Code) int {
	switch code {
	case apperrors.CodeValidation:
		return http.StatusBadRequest
	case apperrors.CodeNoAccounts:
		return http.StatusServiceUnavailable
	case apperrors.CodeAllCandidates:
		return http.StatusBadGateway
	case apperrors.CodeRefreshFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSONError(w http.ResponseWriter, status int, err *apperrors.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = writeJSON(w, err.JSON())
}

var errBodyTooLarge = &apperrors.Error{Code: apperrors.CodeValidation, Message: "request body too large"}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	limited := io.LimitReader(r, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func peekBody(body io.ReadCloser) string {
	// Only used on the rate-limit/5xx path, where the body is small (an
	// error payload, not a streamed chat response); safe to buffer.
	data, _ := io.ReadAll(io.LimitReader(body, 64*1024))
	return string(data)
}
