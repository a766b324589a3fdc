package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/h1v3-io/babysitter/pkg/protocol"
)

// EventsPath is the daemon route that accepts forwarded events.
const EventsPath = "/api/events"

// Forwarder posts events to a running daemon so its observers see activity
// from short-lived hook and MCP processes.
type Forwarder struct {
	url    string
	key    string
	client *http.Client
	logger *slog.Logger
}

// NewForwarder creates a Forwarder for the daemon at baseURL. key is sent
// as a Bearer token when set.
func NewForwarder(baseURL, key string, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		url:    strings.TrimSuffix(baseURL, "/") + EventsPath,
		key:    key,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger.With("component", "forwarder"),
	}
}

// Broadcast sends ev synchronously. Failures are logged and dropped; the
// hook process must never stall on an absent daemon.
func (f *Forwarder) Broadcast(ev protocol.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), f.client.Timeout)
	defer cancel()
	if err := f.Send(ctx, ev); err != nil {
		f.logger.Debug("event forward failed", "type", ev.Type, "error", err)
	}
}

// Send posts ev and reports any failure.
func (f *Forwarder) Send(ctx context.Context, ev protocol.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("forward: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("forward: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.key != "" {
		req.Header.Set("Authorization", "Bearer "+f.key)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("forward: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("forward: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
