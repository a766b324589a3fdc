// Package webhook turns signed database change notifications into poll
// passes on the dispatcher.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/h1v3-io/babysitter/internal/worker"
)

// Config holds webhook endpoint configuration.
type Config struct {
	// Endpoints maps endpoint names to their auth settings.
	// e.g., {"notion": {Secret: "secret_abc123"}}
	Endpoints map[string]EndpointConfig `json:"endpoints"`
}

// EndpointConfig holds per-endpoint webhook configuration.
type EndpointConfig struct {
	// Secret for HMAC-SHA256 signature verification (X-Notion-Signature or
	// X-Hub-Signature-256 header). If empty, Bearer auth is used instead.
	Secret string `json:"secret,omitempty"`
	// BearerToken for Authorization header auth. Used if Secret is empty.
	BearerToken string `json:"bearer_token,omitempty"`
}

// Payload is the accepted request body. Notion-native deliveries carry Type
// and Entity; simple callers send PageID and EventType.
type Payload struct {
	VerificationToken string `json:"verification_token,omitempty"`

	Type   string `json:"type,omitempty"`
	Entity *struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"entity,omitempty"`

	PageID     string `json:"page_id,omitempty"`
	DatabaseID string `json:"database_id,omitempty"`
	EventType  string `json:"event_type,omitempty"`
}

// event returns the event type and page id regardless of payload shape.
func (p Payload) event() (kind, pageID string) {
	kind, pageID = p.EventType, p.PageID
	if p.Type != "" {
		kind = p.Type
	}
	if p.Entity != nil && p.Entity.ID != "" {
		pageID = p.Entity.ID
	}
	return kind, pageID
}

// Triggerer queues a poll pass.
type Triggerer interface {
	Trigger(reason string) (worker.Job, error)
}

// Handler serves POST /webhook/{name}.
type Handler struct {
	config  Config
	trigger Triggerer
	logger  *slog.Logger
}

// New creates a new webhook handler.
func New(cfg Config, trigger Triggerer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		config:  cfg,
		trigger: trigger,
		logger:  logger.With("component", "webhook"),
	}
}

// ServeHTTP handles webhook requests at /webhook/{name}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := r.PathValue("name")
	if name == "" {
		name = extractName(r.URL.Path)
	}
	if name == "" {
		http.Error(w, "missing endpoint name in path", http.StatusBadRequest)
		return
	}

	endpoint, ok := h.config.Endpoints[name]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown webhook endpoint: %s", name), http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	// Notion's subscription handshake arrives unsigned; the token it carries
	// becomes the signing secret for later deliveries.
	if payload.VerificationToken != "" {
		h.logger.Warn("webhook verification requested; set this token as the webhook secret",
			"endpoint", name, "verification_token", payload.VerificationToken)
		writeJSON(w, http.StatusOK, map[string]string{"verification_token": payload.VerificationToken})
		return
	}

	if !h.authenticate(r, endpoint, body) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	kind, pageID := payload.event()
	if kind == "" {
		http.Error(w, "event type is required", http.StatusBadRequest)
		return
	}
	if !isPageEvent(kind) {
		h.logger.Debug("ignoring webhook event", "endpoint", name, "type", kind)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	job, err := h.trigger.Trigger(fmt.Sprintf("webhook:%s %s %s", name, kind, pageID))
	if err != nil {
		h.logger.Error("webhook trigger failed", "endpoint", name, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, worker.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}

	h.logger.Info("webhook queued poll", "endpoint", name, "type", kind, "page", pageID, "job", job.ID)
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "queued",
		"job_id": job.ID,
		"page":   pageID,
	})
}

func isPageEvent(kind string) bool {
	return strings.HasPrefix(kind, "page.") || strings.HasPrefix(kind, "page_")
}

func (h *Handler) authenticate(r *http.Request, endpoint EndpointConfig, body []byte) bool {
	if endpoint.Secret != "" {
		sig := r.Header.Get("X-Notion-Signature")
		if sig == "" {
			sig = r.Header.Get("X-Hub-Signature-256")
		}
		return verifyHMAC(body, endpoint.Secret, sig)
	}

	if endpoint.BearerToken != "" {
		return r.Header.Get("Authorization") == "Bearer "+endpoint.BearerToken
	}

	// No auth configured: allow (local development).
	return true
}

// verifyHMAC checks an HMAC-SHA256 signature.
// Signature format: "sha256=<hex>"
func verifyHMAC(body []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	expectedMAC, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expectedMAC)
}

// extractName gets the last path segment from /webhook/{name}.
func extractName(path string) string {
	path = strings.TrimSuffix(path, "/")
	i := strings.LastIndex(path, "/")
	return path[i+1:]
}

// ComputeSignature generates an HMAC-SHA256 signature for callers and tests.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
