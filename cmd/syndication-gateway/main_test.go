package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/empathy-ledger/syndication-gateway/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MasterSecret = strings.Repeat("m", 32)
	cfg.DatabaseURL = ":memory:"
	cfg.SweepInterval = 0
	return cfg
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", 0, true},
	}
	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCreateServer(t *testing.T) {
	srv := createServer(":1234", http.NotFoundHandler())

	if srv.Addr != ":1234" {
		t.Errorf("expected addr :1234, got %s", srv.Addr)
	}
	if srv.ReadTimeout != 15*time.Second {
		t.Errorf("expected ReadTimeout 15s, got %v", srv.ReadTimeout)
	}
	if srv.WriteTimeout != 30*time.Second {
		t.Errorf("expected WriteTimeout 30s, got %v", srv.WriteTimeout)
	}
	if srv.IdleTimeout != 60*time.Second {
		t.Errorf("expected IdleTimeout 60s, got %v", srv.IdleTimeout)
	}
}

func TestInitializeComponents(t *testing.T) {
	c, err := initializeComponents(testConfig())
	if err != nil {
		t.Fatalf("initializeComponents failed: %v", err)
	}
	defer c.close()

	if c.memoryLimiter == nil || c.redisLimiter != nil {
		t.Error("expected the in-memory limiter without a redis address")
	}
	if c.logLevel.Level() != slog.LevelInfo {
		t.Errorf("expected info level, got %v", c.logLevel.Level())
	}

	tests := []struct {
		path string
		want int
	}{
		{"/health", http.StatusOK},
		{"/ready", http.StatusOK},
		{"/admin/api/whoami", http.StatusUnauthorized},
		{"/v1/stories/s1/audit", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		w := httptest.NewRecorder()
		c.mainRouter.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("GET %s: expected %d, got %d (%s)", tt.path, tt.want, w.Code, w.Body.String())
		}
	}
}

func TestInitializeComponentsRedisLimiter(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.RedisAddr = "127.0.0.1:1"

	c, err := initializeComponents(cfg)
	if err != nil {
		t.Fatalf("initializeComponents failed: %v", err)
	}
	defer c.close()

	if c.redisLimiter == nil || c.memoryLimiter != nil {
		t.Error("expected the redis limiter when an address is configured")
	}
}

func TestInitializeComponentsInvalidLogLevel(t *testing.T) {
	cfg := testConfig()
	cfg.LogLevel = "loud"

	if _, err := initializeComponents(cfg); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestRunRejectsMissingSecret(t *testing.T) {
	t.Setenv("MASTER_SECRET", "")
	t.Setenv("DATABASE_URL", ":memory:")

	err := run(nil)
	if err == nil || !strings.Contains(err.Error(), "MASTER_SECRET") {
		t.Fatalf("expected MASTER_SECRET error, got %v", err)
	}
}

func TestStartServerAndWaitForShutdown(t *testing.T) {
	c, err := initializeComponents(testConfig())
	if err != nil {
		t.Fatalf("initializeComponents failed: %v", err)
	}
	defer c.close()

	ctx, cancel := context.WithCancel(context.Background())
	srv := createServer("127.0.0.1:0", c.mainRouter)

	done := make(chan error, 1)
	go func() { done <- startServerAndWaitForShutdown(ctx, c, srv, nil) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(serverShutdownTimeout):
		t.Fatal("server did not shut down")
	}
}

func TestRunHealthCheck(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	port := func(s *httptest.Server) string {
		_, p, _ := net.SplitHostPort(s.Listener.Addr().String())
		return ":" + p
	}

	if got := runHealthCheck(port(ok)); got != 0 {
		t.Errorf("expected 0 for healthy server, got %d", got)
	}
	if got := runHealthCheck(port(failing)); got != 1 {
		t.Errorf("expected 1 for unhealthy server, got %d", got)
	}
	if got := runHealthCheck(":1"); got != 1 {
		t.Errorf("expected 1 for unreachable server, got %d", got)
	}
}
