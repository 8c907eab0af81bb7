package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"signal-kitchen/internal/cache"
	"signal-kitchen/internal/config"
	"signal-kitchen/internal/db"
	"signal-kitchen/internal/entitlement"
	mcpserver "signal-kitchen/internal/mcp"
	"signal-kitchen/internal/repository"
	"signal-kitchen/pkg/logger"
	"signal-kitchen/pkg/tracing"

	"github.com/joho/godotenv"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

const defaultMCPHTTPMaxBodyBytes int64 = 1 << 20 // 1MiB

var (
	loadEnvFunc       = godotenv.Load
	loadConfigFunc    = config.Load
	newLoggerFunc     = logger.NewStderr
	initPostgresFunc  = db.InitPostgres
	initRedisFunc     = cache.InitRedis
	initTracerFunc    = tracing.InitTracer
	newMCPServerFunc  = mcpserver.NewServer
	newMCPHandlerFunc = mcpserver.NewHTTPTransportHandler
	runStdioFunc      = func(ctx context.Context, server *sdkmcp.Server) error {
		return server.Run(ctx, &sdkmcp.StdioTransport{})
	}
	startHTTPServerFunc  = func(srv *http.Server) error { return srv.ListenAndServe() }
	shutdownHTTPServerFn = func(srv *http.Server, ctx context.Context) error { return srv.Shutdown(ctx) }
	setupSignalNotify    = ossignal.Notify
	waitForSignalFunc    = func(quit <-chan os.Signal) { <-quit }
)

func main() {
	_ = loadEnvFunc()

	// stdout carries the stdio protocol, so logs go to stderr.
	log, err := newLoggerFunc(os.Getenv("LOG_LEVEL"))
	if err != nil {
		log = zap.NewNop()
	}
	defer func() { _ = log.Sync() }()
	undo := zap.ReplaceGlobals(log)
	defer undo()

	cfg := loadConfigFunc()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	os.Setenv("DATABASE_URL", cfg.DatabaseURL)
	os.Setenv("REDIS_URL", cfg.RedisURL)
	if err := initPostgresFunc(ctx); err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()
	if err := initRedisFunc(ctx); err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}

	tp, tracer, err := initTracerFunc(ctx)
	if err != nil {
		log.Fatal("failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Warn("error shutting down tracer provider", zap.Error(err))
		}
	}()

	var (
		records entitlement.RecordReader
		candles mcpserver.CandleReader
	)
	if db.Pool != nil {
		records = repository.NewSignalRecordRepository(db.Pool, tracer)
		candles = repository.NewPricePointRepository(db.Pool, tracer)
	} else {
		records = cache.NewRecordStore(cache.Client, tracer)
		log.Info("DATABASE_URL not set, candles_list is unavailable")
	}

	var dir *entitlement.Directory
	if cfg.ConsumersFile != "" {
		if dir, err = entitlement.LoadDirectory(cfg.ConsumersFile); err != nil {
			log.Fatal("failed to load consumer directory", zap.Error(err))
		}
	}
	var lookup entitlement.TierLookup
	if cfg.TierLookupURL != "" {
		lookup = entitlement.NewHTTPTierLookup(cfg.TierLookupURL, cfg.FetchMaxAttempts)
	}
	resolver := entitlement.NewResolver(dir, lookup,
		cache.NewTierCache(cache.Client, time.Duration(cfg.TierCacheTTLSecs)*time.Second),
		cache.NewSubscriptionStore(cache.Client), log)

	table := entitlement.DefaultTable()
	if dir != nil && len(dir.StakeSteps) > 0 {
		table = entitlement.NewTable(entitlement.DefaultPolicies(), dir.StakeSteps)
	}
	gate := entitlement.NewGate(records, table, tracer)

	mcpSrv := newMCPServerFunc(tracer, resolver, gate, candles, mcpserver.ServerConfig{
		RequestTimeout: time.Duration(cfg.MCPRequestTimeoutSecs) * time.Second,
	})

	switch strings.ToLower(strings.TrimSpace(cfg.MCPTransport)) {
	case "", "stdio":
		if err := runStdioFunc(ctx, mcpSrv); err != nil {
			log.Fatal("mcp stdio server failed", zap.Error(err))
		}
	case "http":
		var keys mcpserver.APIKeyResolver
		if resolver.KeyedConsumers() {
			keys = resolver
		}
		limiter := mcpserver.NewRedisRateLimiter(cache.Client, cfg.MCPRateLimitPerMin)
		if err := runHTTPMode(ctx, cancel, cfg, mcpSrv, keys, limiter, log); err != nil {
			log.Fatal("mcp http server failed", zap.Error(err))
		}
	default:
		log.Fatal("unsupported MCP_TRANSPORT", zap.String("transport", cfg.MCPTransport))
	}
}

// runHTTPMode serves the streamable transport. Bearer tokens are consumer
// API keys, so keys must hold at least one keyed directory entry.
func runHTTPMode(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, mcpSrv *sdkmcp.Server, keys mcpserver.APIKeyResolver, limiter mcpserver.RateLimiter, log *zap.Logger) error {
	if !cfg.MCPHTTPEnabled {
		return fmt.Errorf("MCP_HTTP_ENABLED must be true when MCP_TRANSPORT=http")
	}
	if keys == nil {
		return fmt.Errorf("CONSUMERS_FILE with api_key entries is required when MCP_TRANSPORT=http")
	}

	handler := newMCPHandlerFunc(mcpSrv, mcpserver.HTTPHandlerConfig{
		Consumers:       keys,
		RateLimitPerMin: cfg.MCPRateLimitPerMin,
		MaxBodyBytes:    defaultMCPHTTPMaxBodyBytes,
		Limiter:         limiter,
		Logger:          log,
	})

	addr := net.JoinHostPort(cfg.MCPHTTPBind, fmt.Sprintf("%d", cfg.MCPHTTPPort))
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := startHTTPServerFunc(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("mcp http server failed", zap.Error(err))
		}
	}()
	log.Info("mcp http transport listening", zap.String("addr", addr))

	quit := make(chan os.Signal, 1)
	setupSignalNotify(quit, syscall.SIGINT, syscall.SIGTERM)
	waitForSignalFunc(quit)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := shutdownHTTPServerFn(srv, shutdownCtx); err != nil {
		return fmt.Errorf("mcp server forced to shutdown: %w", err)
	}
	return nil
}
