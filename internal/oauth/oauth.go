// Package oauth drives the PKCE authorization code flow and on-demand
// access-token refresh for upstream accounts. The PKCE generation and
// token-exchange shape target Anthropic's console.anthropic.com
// endpoints; single-flight refresh coalescing uses
// golang.org/x/sync/singleflight.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nexarelay/claude-relay/internal/apperrors"
	"github.com/nexarelay/claude-relay/internal/cache"
	"github.com/nexarelay/claude-relay/internal/logging"
	"github.com/nexarelay/claude-relay/internal/store"
)

const (
	refreshMargin   = 60 * time.Second
	oauthSessionTTL = 10 * time.Minute
	oauthScope      = "org:create_api_key user:profile user:inference"
	redirectURI     = "https://console.anthropic.com/oauth/code/callback"
)

// Manager produces access tokens for accounts and drives the PKCE flow.
// Account is treated as an immutable value read from the store, never
// mutated in place; refresh coalescing is a single map keyed by account
// id, entries removed once all waiters resolve.
type Manager struct {
	store      *store.Store
	cache      *cache.Cache
	clientID   string
	consoleURL string
	claudeURL  string
	tokenURL   string
	timeout    time.Duration
	httpClient *http.Client

	refreshGroup singleflight.Group
}

// New constructs an OAuth Manager bound to a store, an optional token
// cache mirror, and the configured upstream endpoints.
func New(st *store.Store, c *cache.Cache, clientID, consoleHost, claudeHost, tokenURL string, timeout time.Duration) *Manager {
	return &Manager{
		store:      st,
		cache:      c,
		clientID:   clientID,
		consoleURL: consoleHost,
		claudeURL:  claudeHost,
		tokenURL:   tokenURL,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func generatePKCEVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate pkce verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func challengeFromVerifier(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Authorize generates a fresh PKCE verifier and authorize URL, and
// persists the session under a fresh id embedded as the OAuth `state`.
func (m *Manager) Authorize(ctx context.Context, mode string, tier int) (authorizeURL, sessionID string, err error) {
	if err := m.store.PruneExpiredOAuthSessions(ctx); err != nil {
		logging.Debug("[OAuth] session prune failed: %v", err)
	}

	verifier, err := generatePKCEVerifier()
	if err != nil {
		return "", "", err
	}

	sess, err := m.store.CreateOAuthSession(ctx, "", verifier, mode, tier, oauthSessionTTL)
	if err != nil {
		return "", "", apperrors.NewStorageTransient(err)
	}

	host := m.consoleURL
	if mode == "max" {
		host = m.claudeURL
	}

	params := url.Values{
		"code":                  {"true"},
		"client_id":             {m.clientID},
		"response_type":         {"code"},
		"redirect_uri":          {redirectURI},
		"scope":                 {oauthScope},
		"code_challenge":        {challengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
		"state":                 {sess.ID},
	}

	return fmt.Sprintf("%s/oauth/authorize?%s", host, params.Encode()), sess.ID, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// tokenEndpointError is a non-2xx from the token endpoint, distinguished
// from network failures so callers can tell a rejected credential apart
// from a transiently unreachable endpoint.
type tokenEndpointError struct {
	StatusCode int
	Body       string
}

func (e *tokenEndpointError) Error() string {
	return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, e.Body)
}

// credentialRejected reports whether the token endpoint rejected the
// grant itself (4xx), as opposed to failing transiently.
func (e *tokenEndpointError) credentialRejected() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

func (m *Manager) postToken(ctx context.Context, form url.Values) (*tokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &tokenEndpointError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access_token")
	}
	return &tok, nil
}

// Complete verifies the session is unexpired, exchanges the code for
// tokens, persists a new Account, and deletes the session so a replayed
// (session_id, code) pair fails with session_not_found.
func (m *Manager) Complete(ctx context.Context, sessionID, code, accountName string) (*store.Account, error) {
	sess, err := m.store.GetOAuthSession(ctx, sessionID)
	if err != nil {
		return nil, apperrors.NewStorageTransient(err)
	}
	if sess == nil {
		return nil, apperrors.NewValidation("session_not_found")
	}
	if sess.ExpiresAt < time.Now().UnixMilli() {
		_ = m.store.DeleteOAuthSession(ctx, sessionID)
		return nil, apperrors.NewValidation("session_not_found")
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {sess.PKCEVerifier},
		"client_id":     {m.clientID},
		"redirect_uri":  {redirectURI},
	}
	tok, err := m.postToken(ctx, form)
	if err != nil {
		logging.Error("[OAuth] code exchange failed: %v", err)
		return nil, apperrors.NewRefreshFailed(sessionID, err)
	}

	name := accountName
	if name == "" {
		name = sess.AccountName
	}
	if name == "" {
		name = sessionID
	}

	expiresAt := time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli()
	acct, err := m.store.CreateAccount(ctx, name, "anthropic", tok.RefreshToken, tok.AccessToken, expiresAt, sess.Tier)
	if err != nil {
		return nil, apperrors.NewStorageTransient(err)
	}

	if err := m.store.DeleteOAuthSession(ctx, sessionID); err != nil {
		logging.Warn("[OAuth] failed to delete consumed session %s: %v", sessionID, err)
	}

	logging.Success("[OAuth] account %q onboarded", acct.Name)
	return acct, nil
}

// EnsureAccessToken returns a valid bearer token for account, refreshing
// it if the cached token is within the safety margin of expiry.
// Concurrent callers for the same account id share one refresh.
func (m *Manager) EnsureAccessToken(ctx context.Context, account *store.Account) (string, error) {
	now := time.Now()
	if account.TokenValid(now, refreshMargin) {
		return account.AccessToken, nil
	}

	// Another proxy instance may have refreshed already; the mirror is
	// checked before paying for a token-endpoint round trip.
	if entry, ok := m.cache.GetToken(ctx, account.ID); ok {
		if entry.ExpiresAt-now.UnixMilli() > refreshMargin.Milliseconds() {
			return entry.AccessToken, nil
		}
	}

	result, err, _ := m.refreshGroup.Do(account.ID, func() (interface{}, error) {
		return m.refresh(ctx, account)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// refresh performs the actual token-endpoint round trip and persists
// the result. Only one call per account id is ever in flight, guaranteed
// by EnsureAccessToken's singleflight key. The account is auto-paused
// only when the endpoint rejected the credential itself; a network
// failure or a 5xx leaves it eligible for the next attempt.
func (m *Manager) refresh(ctx context.Context, account *store.Account) (string, error) {
	logging.Debug("[OAuth] refreshing token for account %q", account.Name)

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {account.RefreshToken},
		"client_id":     {m.clientID},
	}
	tok, err := m.postToken(ctx, form)
	if err != nil {
		logging.Error("[OAuth] refresh failed for %q: %v", account.Name, err)
		m.cache.InvalidateToken(context.Background(), account.ID)
		if epErr, ok := err.(*tokenEndpointError); ok && epErr.credentialRejected() {
			if pauseErr := m.store.SetPaused(context.Background(), account.ID, true, "refresh_failed"); pauseErr != nil {
				logging.Warn("[OAuth] failed to pause %q after refresh failure: %v", account.Name, pauseErr)
			}
		}
		return "", apperrors.NewRefreshFailed(account.ID, err)
	}

	expiresAt := time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli()
	if err := m.store.UpdateTokens(ctx, account.ID, tok.AccessToken, expiresAt, tok.RefreshToken); err != nil {
		logging.Warn("[OAuth] refreshed token for %q but failed to persist: %v", account.Name, err)
	}
	m.cache.SetToken(ctx, account.ID, cache.TokenEntry{AccessToken: tok.AccessToken, ExpiresAt: expiresAt})

	logging.Success("[OAuth] refreshed token for %q", account.Name)
	return tok.AccessToken, nil
}
