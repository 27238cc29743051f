package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nexarelay/claude-relay/internal/apperrors"
	"github.com/nexarelay/claude-relay/internal/oauth"
)

// OAuth handles account onboarding via the PKCE authorization code flow.
type OAuth struct {
	mgr *oauth.Manager
}

// NewOAuth constructs an OAuth handler.
func NewOAuth(mgr *oauth.Manager) *OAuth {
	return &OAuth{mgr: mgr}
}

type initRequest struct {
	Mode string `json:"mode"` // "console" or "max"
	Tier int    `json:"tier"`
}

// Init handles POST /api/oauth/init.
func (h *OAuth) Init(c *gin.Context) {
	var req initRequest
	_ = c.ShouldBindJSON(&req)
	if req.Mode == "" {
		req.Mode = "console"
	}
	if req.Tier == 0 {
		req.Tier = 1
	}

	authorizeURL, sessionID, err := h.mgr.Authorize(c.Request.Context(), req.Mode, req.Tier)
	if err != nil {
		writeStorageError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorize_url": authorizeURL, "session_id": sessionID})
}

type callbackRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Code      string `json:"code" binding:"required"`
	Name      string `json:"name"`
}

// Callback handles POST /api/oauth/callback.
func (h *OAuth) Callback(c *gin.Context) {
	var req callbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, apperrors.NewValidation("session_id and code are required"))
		return
	}

	account, err := h.mgr.Complete(c.Request.Context(), req.SessionID, req.Code, req.Name)
	if err != nil {
		writeStorageError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": account.ID, "name": account.Name, "provider": account.Provider})
}
