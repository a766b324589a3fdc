// Package session maps the lifecycle events of one agent run onto ticket
// and conversation updates.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/h1v3-io/babysitter/internal/answers"
	"github.com/h1v3-io/babysitter/internal/realtime"
	"github.com/h1v3-io/babysitter/internal/ticket"
	"github.com/h1v3-io/babysitter/pkg/protocol"
)

const (
	// TimeoutResponse is returned to the agent when nobody answered in time.
	TimeoutResponse = "[Timeout - no user response received]"
	// BootstrapPrefix marks the initial task prompt, which is not a question.
	BootstrapPrefix = "Execute the following task:"

	DefaultAnswerTimeout = 60 * time.Second
	DefaultPollInterval  = time.Second
)

// SessionContext is the state of one agent session bound to a ticket.
type SessionContext struct {
	PageID    string // empty when the session is not bound to a ticket
	TicketID  string
	SessionID string
	Turn      int
}

// Bound reports whether the session belongs to a ticket.
func (sc *SessionContext) Bound() bool {
	return sc != nil && sc.PageID != ""
}

// ToolEvent is one completed tool invocation.
type ToolEvent struct {
	Name   string
	Input  any
	Output any
	Error  string
}

// Adapter updates tickets in response to session events.
type Adapter struct {
	repo    *ticket.Repository
	answers answers.Store
	bus     realtime.Broadcaster
	logger  *slog.Logger

	// AnswerTimeout bounds WaitForAnswer.
	AnswerTimeout time.Duration
	// PollInterval is the delay between answer checks.
	PollInterval time.Duration
	Now          func() time.Time
}

// New creates an Adapter. pending and bus may be nil.
func New(repo *ticket.Repository, pending answers.Store, bus realtime.Broadcaster, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if pending == nil {
		pending = answers.NewMemory()
	}
	if bus == nil {
		bus = realtime.Nop{}
	}
	return &Adapter{
		repo:          repo,
		answers:       pending,
		bus:           bus,
		logger:        logger,
		AnswerTimeout: DefaultAnswerTimeout,
		PollInterval:  DefaultPollInterval,
		Now:           time.Now,
	}
}

// OnSessionStart marks the ticket as Agent Working and restores the turn
// counter to one past the highest turn already recorded. It returns the
// conversation so far.
func (a *Adapter) OnSessionStart(ctx context.Context, sc *SessionContext) ([]protocol.Message, error) {
	if !sc.Bound() {
		a.logger.Warn("session start without a ticket; skipping")
		return nil, nil
	}

	if err := a.setStatus(ctx, sc, protocol.StatusWorking); err != nil {
		return nil, err
	}

	tc, err := a.repo.Context(ctx, sc.PageID)
	if err != nil {
		return nil, fmt.Errorf("session: start: %w", err)
	}
	if tc == nil {
		sc.Turn = 0
		return nil, nil
	}
	sc.Turn = tc.NextTurn()
	if sc.TicketID == "" {
		sc.TicketID = tc.ID
	}
	if sc.SessionID == "" {
		sc.SessionID = tc.SessionID
	}

	a.logger.Info("session started", "ticket", sc.TicketID, "session", sc.SessionID, "turn", sc.Turn, "history", len(tc.Conversation))
	return tc.Conversation, nil
}

// OnUserPromptNeeded records the agent's question, waits for the human and
// returns the answer, or TimeoutResponse when none arrives in time.
func (a *Adapter) OnUserPromptNeeded(ctx context.Context, sc *SessionContext, question string) (string, error) {
	if !sc.Bound() {
		a.logger.Warn("question without a ticket; skipping")
		return "", nil
	}

	if err := a.setStatus(ctx, sc, protocol.StatusAwaitingInput); err != nil {
		return "", err
	}

	now := a.Now().UTC()
	turn := sc.Turn
	if err := a.repo.AppendMessage(ctx, sc.PageID, protocol.Message{
		Role:      protocol.RoleAssistant,
		Content:   question,
		Question:  true,
		Timestamp: now,
		Turn:      turn,
	}); err != nil {
		a.logger.Error("record question", "ticket", sc.TicketID, "error", err)
	}
	sc.Turn++

	if sc.SessionID != "" && !strings.HasPrefix(question, BootstrapPrefix) {
		a.bus.Broadcast(protocol.Event{
			Type:        protocol.EventAgentMessage,
			SessionID:   sc.SessionID,
			TicketID:    sc.TicketID,
			PageID:      sc.PageID,
			Content:     question,
			MessageType: protocol.MessageQuestion,
			Turn:        turn,
			Timestamp:   now,
		})
	}

	answer, ok := a.WaitForAnswer(ctx, sc)

	if err := a.setStatus(ctx, sc, protocol.StatusWorking); err != nil {
		return "", err
	}
	if !ok {
		a.logger.Info("no answer before timeout", "ticket", sc.TicketID, "timeout", a.AnswerTimeout)
		return TimeoutResponse, nil
	}

	if err := a.repo.AppendMessage(ctx, sc.PageID, protocol.Message{
		Role:      protocol.RoleUser,
		Content:   answer,
		Timestamp: a.Now().UTC(),
		Turn:      sc.Turn,
	}); err != nil {
		a.logger.Error("record answer", "ticket", sc.TicketID, "error", err)
	}
	sc.Turn++
	return answer, nil
}

// WaitForAnswer blocks until an answer for the session arrives, checking
// the pending answers first and the ticket's answer property second. It
// reports false on timeout or cancellation.
func (a *Adapter) WaitForAnswer(ctx context.Context, sc *SessionContext) (string, bool) {
	deadline := time.NewTimer(a.AnswerTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(a.PollInterval)
	defer ticker.Stop()

	var wake <-chan struct{}
	stop := func() {}
	notifier, _ := a.answers.(answers.Notifier)
	if notifier != nil && sc.SessionID != "" {
		wake, stop = notifier.Notify(sc.SessionID)
	}
	defer func() { stop() }()

	for {
		if sc.SessionID != "" {
			answer, ok, err := a.answers.Take(ctx, sc.SessionID)
			if err != nil {
				a.logger.Warn("pending answers unavailable", "session", sc.SessionID, "error", err)
			} else if ok {
				// The same answer may also have been mirrored onto the page.
				if _, err := a.repo.TakeResponse(ctx, sc.PageID); err != nil {
					a.logger.Debug("clear mirrored answer", "ticket", sc.TicketID, "error", err)
				}
				return answer, true
			}
		}

		answer, err := a.repo.TakeResponse(ctx, sc.PageID)
		if err != nil {
			a.logger.Warn("poll answer property", "ticket", sc.TicketID, "error", err)
		} else if answer != "" {
			return answer, true
		}

		select {
		case <-ctx.Done():
			return "", false
		case <-deadline.C:
			return "", false
		case <-ticker.C:
		case <-wake:
			wake, stop = notifier.Notify(sc.SessionID)
		}
	}
}

// OnPostToolUse records a finished tool invocation.
func (a *Adapter) OnPostToolUse(ctx context.Context, sc *SessionContext, ev ToolEvent) error {
	if !sc.Bound() {
		return nil
	}
	if ev.Name == "" {
		ev.Name = "unknown"
	}
	if ev.Input == nil {
		ev.Input = map[string]any{}
	}

	now := a.Now().UTC()
	turn := sc.Turn
	if err := a.repo.AppendMessage(ctx, sc.PageID, protocol.Message{
		Type:       protocol.TypeToolUse,
		ToolName:   ev.Name,
		ToolInput:  ev.Input,
		ToolOutput: ev.Output,
		Error:      ev.Error,
		Timestamp:  now,
		Turn:       turn,
	}); err != nil {
		return fmt.Errorf("session: record tool %s: %w", ev.Name, err)
	}
	sc.Turn++

	if sc.SessionID != "" {
		a.bus.Broadcast(protocol.Event{
			Type:        protocol.EventToolExecution,
			SessionID:   sc.SessionID,
			TicketID:    sc.TicketID,
			PageID:      sc.PageID,
			ToolName:    ev.Name,
			ToolSummary: describeTool(ev.Name, ev.Input),
			ToolInput:   ev.Input,
			ToolOutput:  outputText(ev.Output),
			Error:       ev.Error,
			Turn:        turn,
			Timestamp:   now,
		})
	}
	a.logger.Debug("tool recorded", "ticket", sc.TicketID, "tool", ev.Name, "turn", turn)
	return nil
}

// Deliver hands a human answer to the session waiting for it. The answer is
// also mirrored onto the ticket so waiters in other processes see it.
func (a *Adapter) Deliver(ctx context.Context, sessionID, answer string) error {
	answer = strings.TrimSpace(answer)
	if sessionID == "" || answer == "" {
		return fmt.Errorf("session: deliver: session id and answer are required")
	}
	if err := a.answers.Put(ctx, sessionID, answer); err != nil {
		return fmt.Errorf("session: deliver: %w", err)
	}

	ev := protocol.Event{Type: protocol.EventUserResponse, SessionID: sessionID, Response: answer}
	t, err := a.repo.FindBySession(ctx, sessionID)
	if err != nil {
		a.logger.Warn("deliver: ticket lookup failed", "session", sessionID, "error", err)
	} else if t != nil {
		ev.TicketID, ev.PageID = t.ID, t.PageID
		if err := a.repo.SetResponse(ctx, t.PageID, answer); err != nil {
			a.logger.Warn("deliver: mirror answer", "ticket", t.ID, "error", err)
		}
	}
	a.bus.Broadcast(ev)
	a.logger.Info("answer delivered", "session", sessionID, "ticket", ev.TicketID)
	return nil
}

func (a *Adapter) setStatus(ctx context.Context, sc *SessionContext, status protocol.TicketStatus) error {
	ok, err := a.repo.UpdateStatus(ctx, sc.PageID, status)
	if err != nil {
		return fmt.Errorf("session: set %s: %w", status, err)
	}
	if ok {
		a.bus.Broadcast(protocol.Event{
			Type:      protocol.EventStatusChange,
			TicketID:  sc.TicketID,
			PageID:    sc.PageID,
			SessionID: sc.SessionID,
			Status:    status,
		})
	}
	return nil
}

func describeTool(name string, input any) string {
	m, _ := input.(map[string]any)
	if cmd, ok := m["command"].(string); ok && name == "Bash" {
		return name + ": " + clip(cmd, 80)
	}
	if desc, ok := m["description"].(string); ok {
		return name + ": " + clip(desc, 80)
	}
	return name
}

func outputText(out any) string {
	switch v := out.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any:
		s, _ := v["stdout"].(string)
		if stderr, _ := v["stderr"].(string); stderr != "" {
			s += "\n[stderr]\n" + stderr
		}
		return s
	default:
		return fmt.Sprint(v)
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
