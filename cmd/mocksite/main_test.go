package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/empathy-ledger/syndication-gateway/internal/testutil/mocksite"
)

func TestParseOptions(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("WEBHOOK_SECRET", "from-env")

	opts, err := parseOptions(nil)
	if err != nil {
		t.Fatalf("parseOptions failed: %v", err)
	}
	if opts.port != "8082" || opts.secret != "from-env" {
		t.Errorf("unexpected defaults: %+v", opts)
	}

	opts, err = parseOptions([]string{"--port", "9000", "--secret", "s3cret"})
	if err != nil {
		t.Fatalf("parseOptions failed: %v", err)
	}
	if opts.port != "9000" || opts.secret != "s3cret" {
		t.Errorf("flags not applied: %+v", opts)
	}

	if _, err := parseOptions([]string{"--bogus"}); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestCreateHTTPServer(t *testing.T) {
	srv := createHTTPServer("9001", http.NotFoundHandler())
	if srv.Addr != ":9001" {
		t.Errorf("expected addr :9001, got %s", srv.Addr)
	}
}

func TestDoHealthCheck(t *testing.T) {
	ts := httptest.NewServer(mocksite.NewSite("").Handler())
	defer ts.Close()

	if got := doHealthCheck(ts.URL + "/admin/state"); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if got := doHealthCheck(ts.URL + "/missing"); got != 1 {
		t.Errorf("expected 1 for missing route, got %d", got)
	}
	if got := doHealthCheck("http://127.0.0.1:1/admin/state"); got != 1 {
		t.Errorf("expected 1 for unreachable server, got %d", got)
	}
}
