// Package worker runs the agent on newly claimed tickets.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/h1v3-io/babysitter/internal/marker"
	"github.com/h1v3-io/babysitter/internal/realtime"
	"github.com/h1v3-io/babysitter/internal/runtime"
	"github.com/h1v3-io/babysitter/internal/session"
	"github.com/h1v3-io/babysitter/internal/ticket"
	"github.com/h1v3-io/babysitter/pkg/protocol"
)

// Starter begins a new agent session.
type Starter interface {
	Start(ctx context.Context, inv runtime.Invocation) error
}

// Result describes one run.
type Result struct {
	TicketID      string                `json:"ticket_id"`
	PageID        string                `json:"page_id"`
	SessionID     string                `json:"session_id"`
	Name          string                `json:"ticket_name"`
	Status        protocol.TicketStatus `json:"status"`
	Continued     bool                  `json:"continued,omitempty"`
	HistoryLoaded bool                  `json:"conversation_loaded"`
	Error         string                `json:"error,omitempty"`
}

// Worker claims pending tickets and drives their first agent run.
type Worker struct {
	repo    *ticket.Repository
	adapter *session.Adapter
	markers *marker.Dir
	agent   Starter
	bus     realtime.Broadcaster
	logger  *slog.Logger

	// SettleDelay is waited after the run before the status is re-read.
	SettleDelay time.Duration
}

// New creates a Worker. bus may be nil.
func New(repo *ticket.Repository, adapter *session.Adapter, markers *marker.Dir, agent Starter, bus realtime.Broadcaster, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = realtime.Nop{}
	}
	return &Worker{
		repo:        repo,
		adapter:     adapter,
		markers:     markers,
		agent:       agent,
		bus:         bus,
		logger:      logger,
		SettleDelay: 2 * time.Second,
	}
}

// Prompt builds the initial task prompt for a ticket.
func Prompt(name, description string) string {
	p := session.BootstrapPrefix + " " + name
	if d := strings.TrimSpace(description); d != "" {
		p += "\n\n" + d
	}
	return p
}

// RunNext claims the oldest pending ticket and runs the agent on it. It
// returns nil when nothing is pending. A failed agent run is reported in
// the Result, not as an error; the ticket is left in Error.
func (w *Worker) RunNext(ctx context.Context) (*Result, error) {
	claim, err := w.repo.ClaimPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	if claim == nil {
		w.logger.Debug("no pending tickets")
		return nil, nil
	}
	log := w.logger.With("ticket", claim.TicketID, "page", claim.PageID, "session", claim.SessionID)
	res := &Result{
		TicketID:  claim.TicketID,
		PageID:    claim.PageID,
		SessionID: claim.SessionID,
		Name:      claim.Name,
		Status:    protocol.StatusPlanning,
	}

	if err := w.markers.Create(claim.TicketID, claim.PageID, ""); err != nil {
		log.Warn("create marker", "error", err)
	}

	var description string
	if t, err := w.repo.Get(ctx, claim.PageID); err == nil {
		description = t.Description
	}

	w.bus.Broadcast(protocol.Event{
		Type:       protocol.EventAgentStarted,
		TicketID:   claim.TicketID,
		PageID:     claim.PageID,
		SessionID:  claim.SessionID,
		TicketName: claim.Name,
	})

	sc := &session.SessionContext{PageID: claim.PageID, TicketID: claim.TicketID, SessionID: claim.SessionID}
	history, err := w.adapter.OnSessionStart(ctx, sc)
	if err != nil {
		return w.fail(ctx, res, fmt.Errorf("session start: %w", err)), nil
	}
	res.HistoryLoaded = len(history) > 0

	log.Info("starting agent", "name", claim.Name, "turn", sc.Turn)
	err = w.agent.Start(ctx, runtime.Invocation{
		SessionID: claim.SessionID,
		Prompt:    Prompt(claim.Name, description),
		TicketID:  claim.TicketID,
		PageID:    claim.PageID,
	})
	if errors.Is(err, context.Canceled) {
		// The session exists; a human answer resumes it on a later pass.
		log.Warn("agent run interrupted; ticket left awaiting input")
		res.Status = protocol.StatusAwaitingInput
		if _, serr := w.repo.UpdateStatus(context.WithoutCancel(ctx), claim.PageID, protocol.StatusAwaitingInput); serr != nil {
			log.Error("restore status", "error", serr)
		}
		return res, err
	}
	if err != nil {
		return w.fail(ctx, res, err), nil
	}

	select {
	case <-ctx.Done():
		return res, ctx.Err()
	case <-time.After(w.SettleDelay):
	}

	added, status, err := w.repo.ContinueIfIdle(ctx, claim.PageID)
	if err != nil {
		return res, fmt.Errorf("worker: check status: %w", err)
	}
	res.Continued, res.Status = added, status
	log.Info("agent run finished", "status", status, "continued", added)
	return res, nil
}

func (w *Worker) fail(ctx context.Context, res *Result, cause error) *Result {
	w.logger.Error("agent run failed", "ticket", res.TicketID, "error", cause)
	res.Error = cause.Error()
	res.Status = protocol.StatusError
	if _, err := w.repo.UpdateStatus(context.WithoutCancel(ctx), res.PageID, protocol.StatusError); err != nil {
		w.logger.Error("mark error", "ticket", res.TicketID, "error", err)
	}
	return res
}
