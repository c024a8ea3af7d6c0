// Package main runs a standalone fake external site for local end-to-end runs.
package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/empathy-ledger/syndication-gateway/internal/testutil/mocksite"
)

type options struct {
	port   string
	secret string
}

// parseOptions reads flags, falling back to PORT and WEBHOOK_SECRET.
func parseOptions(args []string) (options, error) {
	fs := pflag.NewFlagSet("mocksite", pflag.ContinueOnError)
	port := fs.String("port", envOr("PORT", "8082"), "port to listen on")
	secret := fs.String("secret", os.Getenv("WEBHOOK_SECRET"), "secret used to verify webhook signatures")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return options{port: *port, secret: *secret}, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func createHTTPServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// setupShutdownHandler closes the server on SIGINT or SIGTERM.
func setupShutdownHandler(httpServer *http.Server) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		log.Println("shutting down mocksite...")
		//nolint:errcheck
		httpServer.Close()
		close(done)
	}()
	return done
}

// doHealthCheck returns 0 when url answers 200, 1 otherwise.
func doHealthCheck(url string) int {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return 1
	}
	//nolint:errcheck
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "health" {
		os.Exit(doHealthCheck("http://localhost:" + envOr("PORT", "8082") + "/admin/state"))
	}

	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		log.Fatalf("invalid arguments: %v", err)
	}

	site := mocksite.NewSite(opts.secret)
	httpServer := createHTTPServer(opts.port, site.Handler())
	done := setupShutdownHandler(httpServer)

	log.Printf("mocksite listening on :%s (webhook endpoint /webhook)", opts.port)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}

	<-done
	log.Println("mocksite stopped")
}
