// Command proxy runs the Anthropic-compatible reverse proxy: it
// multiplexes the client-facing /v1/* API across a pool of
// OAuth-authenticated upstream accounts, selecting one per request via
// session-pinned load balancing, refreshing credentials on demand, and
// persisting per-request telemetry off the hot path.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexarelay/claude-relay/internal/asyncwriter"
	"github.com/nexarelay/claude-relay/internal/cache"
	"github.com/nexarelay/claude-relay/internal/config"
	"github.com/nexarelay/claude-relay/internal/loadbalancer"
	"github.com/nexarelay/claude-relay/internal/logging"
	"github.com/nexarelay/claude-relay/internal/oauth"
	"github.com/nexarelay/claude-relay/internal/pipeline"
	"github.com/nexarelay/claude-relay/internal/provider"
	"github.com/nexarelay/claude-relay/internal/requestlog"
	"github.com/nexarelay/claude-relay/internal/server"
	"github.com/nexarelay/claude-relay/internal/store"
	"github.com/nexarelay/claude-relay/internal/usage"
)

const version = "1.0.0"

func main() {
	var (
		debugMode bool
		port      int
	)
	flag.BoolVar(&debugMode, "debug", false, "enable debug logging")
	flag.IntVar(&port, "port", 0, "server port (overrides PORT env)")
	flag.Parse()

	if os.Getenv("DEBUG") == "true" {
		debugMode = true
	}
	logging.SetDebug(debugMode)

	cfg := config.Load()
	if port != 0 {
		cfg.Port = port
	}

	if err := run(cfg, debugMode); err != nil {
		logging.Error("[Startup] %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, debugMode bool) error {
	st, err := store.Open(cfg.DBPath, store.RetryConfig{
		Attempts: cfg.DBRetryAttempts,
		DelayMs:  cfg.DBRetryDelayMs,
		Backoff:  cfg.DBRetryBackoff,
		MaxMs:    cfg.DBRetryMaxDelayMs,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	cacheClient, err := cache.New(cfg.RedisAddr)
	if err != nil {
		logging.Warn("[Startup] cache unavailable, continuing without it: %v", err)
		cacheClient = &cache.Cache{}
	}
	defer cacheClient.Close()

	priceTable, err := usage.LoadPriceTable(cfg.PricingFile)
	if err != nil {
		return fmt.Errorf("load price table: %w", err)
	}

	oauthMgr := oauth.New(st, cacheClient, cfg.ClientID, cfg.ConsoleHost, cfg.ClaudeAIHost, cfg.TokenURL,
		time.Duration(cfg.OAuthTimeoutMs)*time.Millisecond)

	strategy := loadbalancer.New(cfg.LBStrategy)
	providers := []provider.Provider{provider.NewAnthropic()}

	writer := asyncwriter.New(st)

	reqLog := requestlog.New(500)

	pl := pipeline.New(st, oauthMgr, strategy, providers, writer, reqLog, cacheClient, priceTable, cfg)

	srv := server.New(server.Deps{
		Store:      st,
		OAuthMgr:   oauthMgr,
		Strategy:   strategy,
		Pipeline:   pl,
		Writer:     writer,
		RequestLog: reqLog,
		Logger:     logging.Default,
		Config:     cfg,
	}, debugMode)

	accounts, err := st.ListAccounts(context.Background())
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	printBanner(cfg, strategy.Name(), len(accounts))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv.Engine(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // long-lived streaming responses
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logging.Info("[Server] listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return fmt.Errorf("listen: %w", err)
	case <-quit:
	}

	logging.Info("[Server] shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownDrainTimeoutMs)*time.Millisecond)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logging.Error("[Server] forced shutdown: %v", err)
	}

	writer.Close()
	logging.Success("[Server] stopped cleanly")
	return nil
}

func printBanner(cfg *config.Config, strategyName string, accountCount int) {
	fmt.Printf(`
claude-relay v%s
  listening on      :%d
  strategy          %s
  accounts          %d
  storage           %s
`, version, cfg.Port, strategyName, accountCount, cfg.DBPath)
}
