package handlers

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexarelay/claude-relay/internal/asyncwriter"
	"github.com/nexarelay/claude-relay/internal/requestlog"
)

// Stats aggregates request-log counters for the dashboard summary view.
// Reset only clears the in-process counters that exist purely for this
// read model; persisted request records are never deleted by it.
type Stats struct {
	log    *requestlog.Log
	writer *asyncwriter.Writer

	resetAt atomic.Int64 // epoch ms; records before this are excluded from the summary
}

// NewStats constructs a Stats handler.
func NewStats(log *requestlog.Log, writer *asyncwriter.Writer) *Stats {
	return &Stats{log: log, writer: writer}
}

type statsSummary struct {
	TotalRequests      int     `json:"total_requests"`
	SuccessfulRequests int     `json:"successful_requests"`
	FailedRequests     int     `json:"failed_requests"`
	TotalInputTokens   int64   `json:"total_input_tokens"`
	TotalOutputTokens  int64   `json:"total_output_tokens"`
	TotalCostUSD       float64 `json:"total_cost_usd"`
	AvgResponseTimeMs  float64 `json:"avg_response_time_ms"`
	QueueDepth         int64   `json:"async_writer_queue_depth"`
	OldestQueuedAgeMs  int64   `json:"async_writer_oldest_item_age_ms"`
}

// Get handles GET /api/stats.
func (h *Stats) Get(c *gin.Context) {
	records := h.log.Recent(0)
	since := h.resetAt.Load()

	var summary statsSummary
	var totalMs int64
	for _, r := range records {
		if r.Timestamp < since {
			continue
		}
		summary.TotalRequests++
		if r.Success {
			summary.SuccessfulRequests++
		} else {
			summary.FailedRequests++
		}
		summary.TotalInputTokens += r.InputTokens
		summary.TotalOutputTokens += r.OutputTokens
		summary.TotalCostUSD += r.CostUSD
		totalMs += r.ResponseTimeMs
	}
	if summary.TotalRequests > 0 {
		summary.AvgResponseTimeMs = float64(totalMs) / float64(summary.TotalRequests)
	}
	summary.QueueDepth = h.writer.QueueDepth()
	summary.OldestQueuedAgeMs = h.writer.OldestItemAge().Milliseconds()

	c.JSON(http.StatusOK, summary)
}

// Reset handles POST /api/stats/reset, zeroing the dashboard summary
// window without touching the durable request history.
func (h *Stats) Reset(c *gin.Context) {
	h.resetAt.Store(time.Now().UnixMilli())
	c.JSON(http.StatusOK, gin.H{"reset": true})
}
