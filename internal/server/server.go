package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nexarelay/claude-relay/internal/asyncwriter"
	"github.com/nexarelay/claude-relay/internal/config"
	"github.com/nexarelay/claude-relay/internal/loadbalancer"
	"github.com/nexarelay/claude-relay/internal/logging"
	"github.com/nexarelay/claude-relay/internal/oauth"
	"github.com/nexarelay/claude-relay/internal/pipeline"
	"github.com/nexarelay/claude-relay/internal/requestlog"
	"github.com/nexarelay/claude-relay/internal/server/handlers"
	"github.com/nexarelay/claude-relay/internal/store"
)

// Server wires the gin Engine serving every client-facing and
// management endpoint on top of the request Pipeline.
type Server struct {
	engine *gin.Engine
	cfg    *config.Config
}

// Deps collects every collaborator the HTTP surface needs, constructed
// by cmd/proxy's wiring and passed through explicitly rather than via
// module-level singletons.
type Deps struct {
	Store      *store.Store
	OAuthMgr   *oauth.Manager
	Strategy   loadbalancer.Strategy
	Pipeline   *pipeline.Pipeline
	Writer     *asyncwriter.Writer
	RequestLog *requestlog.Log
	Logger     *logging.Logger
	Config     *config.Config
}

// New builds the Server and registers every route. debug selects gin's
// debug vs. release mode.
func New(deps Deps, debug bool) *Server {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(requestLoggingMiddleware())

	s := &Server{engine: engine, cfg: deps.Config}
	s.setupRoutes(deps)
	return s
}

func (s *Server) setupRoutes(deps Deps) {
	accountsH := handlers.NewAccounts(deps.Store)
	oauthH := handlers.NewOAuth(deps.OAuthMgr)
	requestsH := handlers.NewRequests(deps.Store, deps.RequestLog)
	statsH := handlers.NewStats(deps.RequestLog, deps.Writer)
	logsH := handlers.NewLogs(deps.Logger)

	s.engine.GET("/health", handlers.Health(deps.Strategy, deps.Store))

	api := s.engine.Group("/api")
	{
		api.GET("/accounts", accountsH.List)
		api.POST("/oauth/init", oauthH.Init)
		api.POST("/oauth/callback", oauthH.Callback)
		api.POST("/accounts/:id/pause", accountsH.Pause)
		api.POST("/accounts/:id/resume", accountsH.Resume)
		api.POST("/accounts/:id/rename", accountsH.Rename)
		// Same wildcard name as the admin actions above (gin requires
		// it); the handler resolves the value as an account name.
		api.DELETE("/accounts/:id", accountsH.Delete)

		api.GET("/requests", requestsH.List)
		api.GET("/requests/detail", requestsH.Detail)
		api.GET("/requests/:id", requestsH.Get)

		api.GET("/stats", statsH.Get)
		api.POST("/stats/reset", statsH.Reset)

		api.GET("/logs/stream", logsH.Stream)
		api.GET("/logs/history", logsH.History)
	}

	v1 := s.engine.Group("/v1")
	v1.Use(apiKeyAuthMiddleware(deps.Config))
	v1.Any("/*path", gin.WrapH(deps.Pipeline))

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "validation",
			"message": "endpoint not found",
		})
	})
}

// Engine returns the underlying gin Engine, e.g. for http.Server.Handler.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
