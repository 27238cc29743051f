package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexarelay/claude-relay/internal/config"
	"github.com/nexarelay/claude-relay/internal/logging"
)

// corsMiddleware allows any origin; the proxy is typically run
// behind a trusted local network, not exposed as a public API.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Agent")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// apiKeyAuthMiddleware validates a client-supplied API key for /v1/*
// requests. Validation is skipped entirely when no key is configured.
func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APIKey == "" {
			c.Next()
			return
		}

		var provided string
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			provided = strings.TrimPrefix(auth, "Bearer ")
		} else if key := c.GetHeader("X-API-Key"); key != "" {
			provided = key
		}

		if provided == "" || provided != cfg.APIKey {
			logging.Warn("[API] unauthorized request from %s, invalid API key", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "validation",
				"message": "invalid or missing API key",
			})
			return
		}
		c.Next()
	}
}

// requestLoggingMiddleware logs every request at a level keyed to its
// final status code.
func requestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		const msg = "[%s] %s %d (%dms)"

		switch {
		case status >= 500:
			logging.Error(msg, method, path, status, duration.Milliseconds())
		case status >= 400:
			logging.Warn(msg, method, path, status, duration.Milliseconds())
		default:
			logging.Debug(msg, method, path, status, duration.Milliseconds())
		}
	}
}
