package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexarelay/claude-relay/internal/asyncwriter"
	"github.com/nexarelay/claude-relay/internal/cache"
	"github.com/nexarelay/claude-relay/internal/config"
	"github.com/nexarelay/claude-relay/internal/loadbalancer"
	"github.com/nexarelay/claude-relay/internal/logging"
	"github.com/nexarelay/claude-relay/internal/oauth"
	"github.com/nexarelay/claude-relay/internal/pipeline"
	"github.com/nexarelay/claude-relay/internal/provider"
	"github.com/nexarelay/claude-relay/internal/requestlog"
	"github.com/nexarelay/claude-relay/internal/store"
	"github.com/nexarelay/claude-relay/internal/usage"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.DefaultRetryConfig())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	c, _ := cache.New("")
	oauthMgr := oauth.New(st, c, "client-id", "https://console.example", "https://claude.example", "https://console.example/v1/oauth/token", 5*time.Second)
	strategy := loadbalancer.New(loadbalancer.StrategySession)
	priceTable, _ := usage.LoadPriceTable("")
	writer := asyncwriter.New(st)
	t.Cleanup(writer.Close)
	reqLog := requestlog.New(100)

	pl := pipeline.New(st, oauthMgr, strategy, []provider.Provider{provider.NewAnthropic()}, writer, reqLog, c, priceTable, cfg)

	srv := New(Deps{
		Store:      st,
		OAuthMgr:   oauthMgr,
		Strategy:   strategy,
		Pipeline:   pl,
		Writer:     writer,
		RequestLog: reqLog,
		Logger:     logging.New(100),
		Config:     cfg,
	}, false)
	return srv, st
}

func TestHealthEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	if _, err := st.CreateAccount(t.Context(), "acct-1", "anthropic", "refresh", "access", time.Now().Add(time.Hour).UnixMilli(), 1); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !containsAll(w.Body.String(), `"status":"ok"`, `"accounts":1`, `"strategy":"session"`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestAPIKeyAuthRejectsMissingKey(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.APIKey = "secret"

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAccountsListAndPause(t *testing.T) {
	srv, st := newTestServer(t)
	acct, err := st.CreateAccount(t.Context(), "acct-1", "anthropic", "refresh", "access", time.Now().Add(time.Hour).UnixMilli(), 1)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)
	if w.Code != http.StatusOK || !containsAll(w.Body.String(), `"acct-1"`) {
		t.Fatalf("unexpected list response: %d %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/accounts/"+acct.ID+"/pause", nil)
	w = httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 pausing account, got %d: %s", w.Code, w.Body.String())
	}

	got, err := st.GetAccount(t.Context(), acct.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !got.Paused {
		t.Fatal("expected account to be paused")
	}
}

func TestAccountDeleteByName(t *testing.T) {
	srv, st := newTestServer(t)
	if _, err := st.CreateAccount(t.Context(), "acct-gone", "anthropic", "refresh", "access", 0, 1); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/accounts/acct-gone", nil)
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 deleting account, got %d: %s", w.Code, w.Body.String())
	}

	got, err := st.GetByName(t.Context(), "acct-gone")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	if got != nil {
		t.Fatal("expected account removed")
	}

	// Deleting an unknown name is a validation error, not a 404 route miss.
	req = httptest.NewRequest(http.MethodDelete, "/api/accounts/never-existed", nil)
	w = httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown account, got %d", w.Code)
	}
}

func containsAll(haystack string, needles ...string) bool {
	for _, n := range needles {
		if !strings.Contains(haystack, n) {
			return false
		}
	}
	return true
}
