// Package handlers implements the /api/* and /health management
// endpoints over the Account Store, OAuth Manager, and Request Log.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexarelay/claude-relay/internal/apperrors"
	"github.com/nexarelay/claude-relay/internal/loadbalancer"
	"github.com/nexarelay/claude-relay/internal/store"
)

// Accounts handles account listing and admin actions.
type Accounts struct {
	store *store.Store
}

// NewAccounts constructs an Accounts handler.
func NewAccounts(st *store.Store) *Accounts {
	return &Accounts{store: st}
}

type accountView struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Provider            string `json:"provider"`
	AccountTier         int    `json:"account_tier"`
	CreatedAt           int64  `json:"created_at"`
	LastUsed            int64  `json:"last_used"`
	RequestCount        int64  `json:"request_count"`
	TotalRequests       int64  `json:"total_requests"`
	SessionStart        int64  `json:"session_start"`
	SessionRequestCount int64  `json:"session_request_count"`
	RateLimitedUntil    int64  `json:"rate_limited_until"`
	RateLimitStatus     string `json:"rate_limit_status,omitempty"`
	Paused              bool   `json:"paused"`
	PauseReason         string `json:"pause_reason,omitempty"`
	Priority            int    `json:"priority"`
}

func viewOf(a *store.Account) accountView {
	return accountView{
		ID:                  a.ID,
		Name:                a.Name,
		Provider:            a.Provider,
		AccountTier:         a.AccountTier,
		CreatedAt:           a.CreatedAt,
		LastUsed:            a.LastUsed,
		RequestCount:        a.RequestCount,
		TotalRequests:       a.TotalRequests,
		SessionStart:        a.SessionStart,
		SessionRequestCount: a.SessionRequestCount,
		RateLimitedUntil:    a.RateLimitedUntil,
		RateLimitStatus:     a.RateLimitStatus,
		Paused:              a.Paused,
		PauseReason:         a.PauseReason,
		Priority:            a.Priority,
	}
}

// List handles GET /api/accounts.
func (h *Accounts) List(c *gin.Context) {
	accounts, err := h.store.ListAccounts(c.Request.Context())
	if err != nil {
		writeStorageError(c, err)
		return
	}
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, viewOf(a))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": views})
}

// Pause handles POST /api/accounts/:id/pause.
func (h *Accounts) Pause(c *gin.Context) {
	h.setPaused(c, true, "admin")
}

// Resume handles POST /api/accounts/:id/resume.
func (h *Accounts) Resume(c *gin.Context) {
	h.setPaused(c, false, "")
}

func (h *Accounts) setPaused(c *gin.Context, paused bool, reason string) {
	id := c.Param("id")
	if err := h.store.SetPaused(c.Request.Context(), id, paused, reason); err != nil {
		writeStorageError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "paused": paused})
}

type renameRequest struct {
	Name string `json:"name" binding:"required"`
}

// Rename handles POST /api/accounts/:id/rename.
func (h *Accounts) Rename(c *gin.Context) {
	id := c.Param("id")
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, apperrors.NewValidation("name is required"))
		return
	}
	if err := h.store.Rename(c.Request.Context(), id, req.Name); err != nil {
		writeStorageError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "name": req.Name})
}

// Delete handles DELETE /api/accounts/:name. The route registers the
// wildcard as :id to share the segment with the other admin actions,
// but the value is the unique account name.
func (h *Accounts) Delete(c *gin.Context) {
	name := c.Param("id")
	account, err := h.store.GetByName(c.Request.Context(), name)
	if err != nil {
		writeStorageError(c, err)
		return
	}
	if account == nil {
		writeAppError(c, apperrors.NewValidation("account %q not found", name))
		return
	}
	if err := h.store.Delete(c.Request.Context(), account.ID); err != nil {
		writeStorageError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "deleted": true})
}

// Health handles GET /health.
func Health(strategy loadbalancer.Strategy, st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		accounts, err := st.ListAccounts(c.Request.Context())
		if err != nil {
			writeStorageError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"accounts":  len(accounts),
			"timestamp": time.Now().Format(time.RFC3339),
			"strategy":  strategy.Name(),
		})
	}
}

func writeStorageError(c *gin.Context, err error) {
	if appErr, ok := err.(*apperrors.Error); ok {
		writeAppError(c, appErr)
		return
	}
	writeAppError(c, apperrors.NewStorageFatal(err))
}

func writeAppError(c *gin.Context, err *apperrors.Error) {
	status := http.StatusInternalServerError
	switch err.Code {
	case apperrors.CodeValidation:
		status = http.StatusBadRequest
	case apperrors.CodeNoAccounts:
		status = http.StatusServiceUnavailable
	case apperrors.CodeAllCandidates, apperrors.CodeRefreshFailed:
		status = http.StatusBadGateway
	}
	c.JSON(status, err.JSON())
}
