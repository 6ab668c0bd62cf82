// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"countdown-reminders/scan"
)

// Scanner interface for triggering reminder runs.
type Scanner interface {
	Run(ctx context.Context) (scan.Summary, error)
}

// Server handles HTTP requests.
type Server struct {
	scanner Scanner
	logger  *slog.Logger
	apiKey  string
}

// Config holds server configuration.
type Config struct {
	Scanner Scanner
	Logger  *slog.Logger

	// APIKey protects the trigger endpoint. Empty disables the check.
	APIKey string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		scanner: cfg.Scanner,
		logger:  cfg.Logger,
		apiKey:  cfg.APIKey,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/remindz", s.handleRemind)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// ListenAndServe starts the server.
func (s *Server) ListenAndServe(port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Minute, // Scans run inline on the request
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "port", port)
	return server.ListenAndServe()
}

type remindResponse struct {
	OK        bool   `json:"ok"`
	Timestamp string `json:"timestamp"`
	Sent      int    `json:"sent"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

func (s *Server) handleRemind(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		s.logger.Warn("Unauthorized trigger attempt", "remote", r.RemoteAddr)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	s.logger.Info("Reminder scan triggered")

	start := time.Now()
	sum, err := s.scanner.Run(r.Context())
	scanDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		scanRuns.WithLabelValues("error").Inc()
		s.logger.Error("Reminder scan failed", "error", err)
		http.Error(w, "Scan failed", http.StatusInternalServerError)
		return
	}
	scanRuns.WithLabelValues("ok").Inc()
	remindersSent.Add(float64(sum.Sent))
	remindersSkipped.Add(float64(sum.Skipped))
	remindersFailed.Add(float64(sum.Failed))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	resp := remindResponse{
		OK:        true,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Sent:      sum.Sent,
		Skipped:   sum.Skipped,
		Failed:    sum.Failed,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

// authorized accepts the key from either the x-api-key header or the key
// query parameter, so both schedulers and manual curl triggers work.
func (s *Server) authorized(r *http.Request) bool {
	if s.apiKey == "" {
		return true
	}
	key := r.Header.Get("x-api-key")
	if key == "" {
		key = r.URL.Query().Get("key")
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
		return
	}
}
