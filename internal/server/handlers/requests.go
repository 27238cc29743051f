package handlers

import (
	"encoding/base64"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nexarelay/claude-relay/internal/apperrors"
	"github.com/nexarelay/claude-relay/internal/requestlog"
	"github.com/nexarelay/claude-relay/internal/store"
)

// Requests serves the read model over persisted request records and
// payloads: recent summaries from the in-memory ring, full history and
// payload detail from the durable store.
type Requests struct {
	store *store.Store
	log   *requestlog.Log
}

// NewRequests constructs a Requests handler.
func NewRequests(st *store.Store, log *requestlog.Log) *Requests {
	return &Requests{store: st, log: log}
}

func limitFrom(c *gin.Context, def int) int {
	limit := def
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	return limit
}

// List handles GET /api/requests?limit=N, served from the in-memory
// ring so dashboard polling never touches sqlite.
func (h *Requests) List(c *gin.Context) {
	limit := limitFrom(c, 100)
	records := h.log.Recent(limit)
	c.JSON(http.StatusOK, gin.H{"requests": records})
}

// Detail handles GET /api/requests/detail?limit=N, reading the durable
// store directly so results survive a restart and aren't bounded by the
// ring's capacity.
func (h *Requests) Detail(c *gin.Context) {
	limit := limitFrom(c, 100)
	records, err := h.store.ListRequests(c.Request.Context(), limit)
	if err != nil {
		writeStorageError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": records})
}

type requestDetailView struct {
	*store.RequestRecord
	RequestHeaders  string `json:"request_headers,omitempty"`
	RequestBody     string `json:"request_body,omitempty"`
	ResponseHeaders string `json:"response_headers,omitempty"`
	ResponseBody    string `json:"response_body,omitempty"`
}

// Get handles GET /api/requests/:id, returning the full captured
// request/response payload alongside the record.
func (h *Requests) Get(c *gin.Context) {
	id := c.Param("id")
	record, err := h.store.GetRequest(c.Request.Context(), id)
	if err != nil {
		writeStorageError(c, err)
		return
	}
	if record == nil {
		writeAppError(c, apperrors.NewValidation("request %q not found", id))
		return
	}

	view := requestDetailView{RequestRecord: record}
	payload, err := h.store.GetPayload(c.Request.Context(), id)
	if err != nil {
		writeStorageError(c, err)
		return
	}
	if payload != nil {
		view.RequestHeaders = decodeOrEmpty(payload.RequestHeaders)
		view.RequestBody = decodeOrEmpty(payload.RequestBody)
		view.ResponseHeaders = decodeOrEmpty(payload.ResponseHeaders)
		view.ResponseBody = payload.ResponseBody
	}
	c.JSON(http.StatusOK, view)
}

func decodeOrEmpty(b64 string) string {
	if b64 == "" {
		return ""
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return ""
	}
	return string(data)
}
