// Package main provides the entry point for the syndication gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/empathy-ledger/syndication-gateway/internal/admin"
	"github.com/empathy-ledger/syndication-gateway/internal/api"
	"github.com/empathy-ledger/syndication-gateway/internal/audit"
	"github.com/empathy-ledger/syndication-gateway/internal/auth"
	"github.com/empathy-ledger/syndication-gateway/internal/config"
	"github.com/empathy-ledger/syndication-gateway/internal/consent"
	"github.com/empathy-ledger/syndication-gateway/internal/distribution"
	"github.com/empathy-ledger/syndication-gateway/internal/embed"
	"github.com/empathy-ledger/syndication-gateway/internal/metrics"
	"github.com/empathy-ledger/syndication-gateway/internal/ratelimit"
	"github.com/empathy-ledger/syndication-gateway/internal/revocation"
	"github.com/empathy-ledger/syndication-gateway/internal/storage"
	"github.com/empathy-ledger/syndication-gateway/internal/webhook"
)

const version = "0.1.0"

// serverShutdownTimeout bounds graceful shutdown.
const serverShutdownTimeout = 30 * time.Second

// limiterIdle is how long an in-memory client bucket survives unused.
const limiterIdle = 10 * time.Minute

type components struct {
	logger        *slog.Logger
	logLevel      *slog.LevelVar
	store         *storage.Store
	apiHandler    *api.Handler
	adminHandler  *admin.Handler
	limiter       ratelimit.Limiter
	memoryLimiter *ratelimit.Memory
	redisLimiter  *ratelimit.Redis
	registry      *prometheus.Registry
	mainRouter    chi.Router
}

func (c *components) close() {
	if c.redisLimiter != nil {
		if err := c.redisLimiter.Close(); err != nil {
			c.logger.Error("failed to close redis client", "error", err)
		}
	}
	if err := c.store.Close(); err != nil {
		c.logger.Error("failed to close storage", "error", err)
	}
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s", s)
	}
}

// initializeComponents wires every service from cfg. The caller owns close().
func initializeComponents(cfg *config.Config) (*components, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logLevel := new(slog.LevelVar)
	logLevel.Set(level)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	keys, err := cfg.Keys()
	if err != nil {
		return nil, err
	}
	store, err := storage.New(cfg.DatabaseURL, keys.SecretEncryption)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	reg := prometheus.NewRegistry()
	if err := metrics.Init(reg); err != nil {
		_ = store.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	auditLog := audit.New(store, logger)
	registry := distribution.NewRegistry(store, auditLog, logger)
	tokens := embed.NewService(store, keys.TokenSigning, embed.WithLogger(logger))
	dispatcher := webhook.NewDispatcher(store,
		webhook.WithAuditor(auditLog),
		webhook.WithLogger(logger),
		webhook.WithPolicy(webhook.Policy{
			Timeout:          cfg.Webhook.Timeout,
			BaseBackoff:      cfg.Webhook.BaseBackoff,
			MaxBackoff:       cfg.Webhook.MaxBackoff,
			MaxAttempts:      cfg.Webhook.MaxAttempts,
			FailureThreshold: cfg.Webhook.FailureThreshold,
		}),
	)
	orchestrator := revocation.New(store, tokens, registry, dispatcher, auditLog,
		revocation.WithConcurrency(cfg.RevocationConcurrency),
		revocation.WithLogger(logger),
	)
	dispatcher.SetHooks(orchestrator.RetryFilter, orchestrator.HandleRetryOutcome)

	bootstrap := auth.NewBootstrapService(store, cfg.BootstrapKey)
	resolver := auth.NewResolver(store, bootstrap)

	c := &components{
		logger:   logger,
		logLevel: logLevel,
		store:    store,
		registry: reg,
	}
	if cfg.RateLimit.RedisAddr != "" {
		c.redisLimiter = ratelimit.NewRedis(cfg.RateLimit.RedisAddr, cfg.RateLimit.RedisPassword,
			cfg.RateLimit.RedisDB, cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		c.limiter = c.redisLimiter
	} else {
		c.memoryLimiter = ratelimit.NewMemory(cfg.RateLimit.RPS, cfg.RateLimit.Burst, limiterIdle)
		c.limiter = c.memoryLimiter
	}

	c.apiHandler = api.NewHandler(api.Services{
		Store:        store,
		Consent:      consent.NewChecker(store),
		Tokens:       tokens,
		Distribution: registry,
		Webhooks:     dispatcher,
		Revocation:   orchestrator,
		Audit:        auditLog,
		Resolver:     resolver,
	}, api.Options{
		TokenTTL:      cfg.TokenTTL,
		SummaryLength: cfg.SummaryLength,
	}, logger)

	c.adminHandler = admin.NewHandler(store, dispatcher, registry, logLevel, logger)
	c.adminHandler.SetAuth(resolver, bootstrap)

	r := c.apiHandler.Routes(c.limiter)
	r.Get("/health", c.adminHandler.HandleHealth)
	r.Get("/ready", c.adminHandler.HandleReady)
	r.Mount("/admin", c.adminHandler.NewRouter())
	c.mainRouter = r

	return c, nil
}

// createServer creates the HTTP server with sane timeouts.
func createServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// startServerAndWaitForShutdown serves until ctx is cancelled, then drains
// in-flight requests and queued event notifications.
func startServerAndWaitForShutdown(ctx context.Context, c *components, srv, metricsSrv *http.Server) error {
	errCh := make(chan error, 2)
	go func() {
		c.logger.Info("syndication gateway listening", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()
	if metricsSrv != nil {
		go func() {
			c.logger.Info("metrics listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server failed: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		c.logger.Info("shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		c.logger.Error("server shutdown failed", "error", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			c.logger.Error("metrics server shutdown failed", "error", err)
		}
	}
	c.apiHandler.Wait()
	return runErr
}

func run(args []string) error {
	cfg, err := config.LoadWithArgs(args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	c, err := initializeComponents(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.memoryLimiter != nil {
		go c.memoryLimiter.Run(ctx, time.Minute)
	}
	if c.redisLimiter != nil {
		if err := c.redisLimiter.Ping(ctx); err != nil {
			c.logger.Warn("redis rate limiter unreachable, requests fail open", "error", err)
		}
	}
	if cfg.SweepInterval > 0 {
		go c.adminHandler.RunSweeper(ctx, cfg.SweepInterval)
	}

	var metricsSrv *http.Server
	if cfg.MetricsListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.HandlerFor(c.registry))
		metricsSrv = createServer(cfg.MetricsListenAddr, mux)
	}

	return startServerAndWaitForShutdown(ctx, c, createServer(cfg.ListenAddr, c.mainRouter), metricsSrv)
}

// runHealthCheck performs an HTTP health check against the local server.
// Returns 0 on success, 1 on failure. Used by container HEALTHCHECK.
func runHealthCheck(addr string) int {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost" + addr + "/health")
	if err != nil {
		return 1
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func main() {
	// Health check subcommand for distroless container health checks
	if len(os.Args) > 1 && os.Args[1] == "health" {
		addr := os.Getenv("LISTEN_ADDR")
		if addr == "" {
			addr = ":8080"
		}
		os.Exit(runHealthCheck(addr))
	}

	if err := run(os.Args[1:]); err != nil {
		slog.Error("syndication gateway failed", "error", err)
		os.Exit(1)
	}
}
