// Package mocksite provides a fake external site that receives webhooks, for
// tests and local end-to-end runs.
package mocksite

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/empathy-ledger/syndication-gateway/internal/webhook"
)

// RemovedBody is the acknowledgement a site sends once the story is gone.
const RemovedBody = `{"status":"removed"}`

// Received is one webhook the site got.
type Received struct {
	Event          string           `json:"event"`
	DeliveryID     string           `json:"deliveryId"`
	Attempt        int              `json:"attempt"`
	SignatureValid bool             `json:"signatureValid"`
	UserAgent      string           `json:"userAgent"`
	Envelope       webhook.Envelope `json:"envelope"`
	At             time.Time        `json:"at"`
}

// Behaviour controls how the site answers.
type Behaviour struct {
	Status int           `json:"status"`
	Body   string        `json:"body"`
	Delay  time.Duration `json:"delay"`
	// FailFirst answers this many requests with 503 before behaving normally.
	FailFirst int `json:"failFirst"`
}

// Site is the fake site's state and handler.
type Site struct {
	mu        sync.Mutex
	secret    string
	behaviour Behaviour
	received  []Received
}

// NewSite creates a site that verifies signatures with secret. An empty
// secret accepts any signature.
func NewSite(secret string) *Site {
	return &Site{secret: secret, behaviour: Behaviour{Status: http.StatusOK, Body: RemovedBody}}
}

// Handler returns the site's routes.
func (s *Site) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/webhook", s.handleWebhook)
	r.Get("/admin/state", s.handleState)
	r.Put("/admin/behaviour", s.handleBehaviour)
	r.Delete("/admin/reset", s.handleReset)
	return r
}

// SetSecret changes the verification secret.
func (s *Site) SetSecret(secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secret = secret
}

// SetBehaviour changes how the site answers.
func (s *Site) SetBehaviour(b Behaviour) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.Status == 0 {
		b.Status = http.StatusOK
	}
	s.behaviour = b
}

// Received returns a copy of every webhook received so far.
func (s *Site) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Received, len(s.received))
	copy(out, s.received)
	return out
}

// Reset clears received webhooks and restores default behaviour.
func (s *Site) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = nil
	s.behaviour = Behaviour{Status: http.StatusOK, Body: RemovedBody}
}

func (s *Site) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var env webhook.Envelope
	_ = json.Unmarshal(body, &env)
	attempt, _ := strconv.Atoi(r.Header.Get(webhook.HeaderAttempt))

	s.mu.Lock()
	valid := s.secret == "" || webhook.Verify(s.secret, body, r.Header.Get(webhook.HeaderSignature))
	s.received = append(s.received, Received{
		Event:          r.Header.Get(webhook.HeaderEvent),
		DeliveryID:     r.Header.Get(webhook.HeaderDelivery),
		Attempt:        attempt,
		SignatureValid: valid,
		UserAgent:      r.UserAgent(),
		Envelope:       env,
		At:             time.Now().UTC(),
	})
	b := s.behaviour
	failing := s.behaviour.FailFirst > 0
	if failing {
		s.behaviour.FailFirst--
	}
	s.mu.Unlock()

	if b.Delay > 0 {
		select {
		case <-time.After(b.Delay):
		case <-r.Context().Done():
			return
		}
	}
	if !valid {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	if failing {
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(b.Status)
	_, _ = io.WriteString(w, b.Body)
}

func (s *Site) handleState(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	resp := struct {
		Behaviour Behaviour  `json:"behaviour"`
		Received  []Received `json:"received"`
	}{s.behaviour, append([]Received{}, s.received...)}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Site) handleBehaviour(w http.ResponseWriter, r *http.Request) {
	var b Behaviour
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, "invalid behaviour", http.StatusBadRequest)
		return
	}
	s.SetBehaviour(b)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Site) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// Server is a Site running on an httptest server.
type Server struct {
	*httptest.Server
	*Site
}

// New starts a fake site on a loopback httptest server.
func New(secret string) *Server {
	site := NewSite(secret)
	return &Server{Server: httptest.NewServer(site.Handler()), Site: site}
}

// WebhookURL is the endpoint to register for this site.
func (s *Server) WebhookURL() string {
	return s.URL + "/webhook"
}
