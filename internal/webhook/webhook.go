// Package webhook receives Gitea events and moves merged tickets from Review
// to Completed. It also serves the liveness endpoint.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pengelbrecht/ticketflow/internal/pipeline"
	"github.com/pengelbrecht/ticketflow/internal/queue"
	"github.com/pengelbrecht/ticketflow/internal/ticket"
)

// Header names sent by Gitea.
const (
	EventHeader     = "X-Gitea-Event"
	SignatureHeader = "X-Gitea-Signature"
)

// DefaultPath is where Gitea delivers events.
const DefaultPath = "/webhook/gitea"

const maxBodyBytes = 1 << 20

// Completer applies the Review -> Completed transition.
type Completer interface {
	Complete(id string) (name string, moved bool, err error)
}

// StatsSource reports the dispatch queue state for /health.
type StatsSource interface {
	Stats() queue.Stats
}

// Config configures a Server.
type Config struct {
	// Path of the webhook endpoint. Defaults to DefaultPath.
	Path string

	// Secret enables signature checks on requests that carry a signature.
	Secret string

	// AutoComplete allows merge events to complete tickets.
	AutoComplete bool
}

// Server handles webhook and health requests.
type Server struct {
	cfg       Config
	completer Completer
	stats     StatsSource
	logger    *slog.Logger
}

// New creates a Server.
func New(cfg Config, completer Completer, stats StatsSource, logger *slog.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, completer: completer, stats: stats, logger: logger}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post(s.cfg.Path, s.handleWebhook)
	r.Get("/health", s.handleHealth)
	return r
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("webhook server listening",
		"addr", ln.Addr().String(),
		"webhook", s.cfg.Path,
		"health", "/health")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("webhook server closed")
		return nil
	}
}

// pullRequestEvent is the subset of Gitea's pull_request payload we use.
type pullRequestEvent struct {
	Action      string `json:"action"`
	Number      int64  `json:"number"`
	PullRequest *struct {
		Title  string `json:"title"`
		Merged bool   `json:"merged"`
	} `json:"pull_request"`
}

func (e *pullRequestEvent) merged() bool {
	if e.PullRequest == nil || !e.PullRequest.Merged {
		return false
	}
	return e.Action == "closed" || e.Action == "merged"
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	if sig := r.Header.Get(SignatureHeader); s.cfg.Secret != "" && sig != "" {
		if !VerifySignature(body, s.cfg.Secret, sig) {
			s.logger.Warn("invalid webhook signature", "remote", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
			return
		}
	}

	event := r.Header.Get(EventHeader)
	s.logger.Info("received webhook event", "event", event)

	if event != "pull_request" {
		writeOK(w)
		return
	}

	var payload pullRequestEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
		return
	}

	title := ""
	if payload.PullRequest != nil {
		title = payload.PullRequest.Title
	}
	s.logger.Info("pull request event",
		"number", payload.Number,
		"action", payload.Action,
		"title", title,
		"merged", payload.merged())

	id, ok := ticket.ReviewTitleID(title)
	if !payload.merged() || !ok || !s.cfg.AutoComplete {
		writeOK(w)
		return
	}

	name, moved, err := s.completer.Complete(id)
	switch {
	case errors.Is(err, pipeline.ErrNotInStage):
		s.logger.Warn("ticket left review before completion", "task_id", id, "ticket", name, "error", err)
	case err != nil:
		s.logger.Error("webhook handler error", "task_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	case moved:
		s.logger.Info("ticket completed, pull request merged", "task_id", id, "ticket", name)
	default:
		s.logger.Info("no ticket in review for merged pull request", "task_id", id)
	}
	writeOK(w)
}

// Health is the /health response body.
type Health struct {
	Status string `json:"status"`
	queue.Stats
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{Status: "ok", Stats: queue.Stats{Processing: []string{}}}
	if s.stats != nil {
		h.Stats = s.stats.Stats()
	}
	writeJSON(w, http.StatusOK, h)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// VerifySignature checks a hex HMAC-SHA256 of body keyed by secret. An
// optional "sha256=" prefix is accepted. Comparison is constant-time.
func VerifySignature(body []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}
	expected, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// ComputeSignature returns the hex signature Gitea sends for body.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
