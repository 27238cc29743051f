package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nexarelay/claude-relay/internal/logging"
	"github.com/nexarelay/claude-relay/internal/server/sse"
)

// Logs serves the live log stream and bounded history read by the
// dashboard's log view.
type Logs struct {
	logger *logging.Logger
}

// NewLogs constructs a Logs handler.
func NewLogs(logger *logging.Logger) *Logs {
	return &Logs{logger: logger}
}

// Stream handles GET /api/logs/stream, an SSE feed of log entries as
// they are recorded.
func (h *Logs) Stream(c *gin.Context) {
	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	writer.SetHeaders()

	entries := make(chan logging.Entry, 64)
	unsubscribe := h.logger.Subscribe(func(e logging.Entry) {
		select {
		case entries <- e:
		default:
			// Drop on backpressure; this is a best-effort live tail, not
			// an audit log.
		}
	})
	defer unsubscribe()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-entries:
			if err := writer.WriteEvent("log", e); err != nil {
				return
			}
		}
	}
}

// History handles GET /api/logs/history, the bounded in-memory
// backlog consulted once when the dashboard's log view first opens.
func (h *Logs) History(c *gin.Context) {
	limit := limitFrom(c, 200)
	c.JSON(http.StatusOK, gin.H{"entries": h.logger.History(limit)})
}
