package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/h1v3-io/babysitter/internal/app"
	"github.com/h1v3-io/babysitter/internal/realtime"
	"github.com/h1v3-io/babysitter/internal/runtime"
	"github.com/h1v3-io/babysitter/internal/session"
	"github.com/h1v3-io/babysitter/pkg/protocol"
)

// Hook kinds accepted by "babysitter hook".
const (
	hookSessionStart = "session-start"
	hookUserPrompt   = "user-prompt"
	hookPostToolUse  = "post-tool-use"
)

// hookInput is the JSON the agent runtime writes to a hook's stdin.
type hookInput struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path,omitempty"`
	HookEventName  string `json:"hook_event_name,omitempty"`
	Prompt         string `json:"prompt,omitempty"`
	ToolName       string `json:"tool_name,omitempty"`
	ToolInput      any    `json:"tool_input,omitempty"`
	ToolResponse   any    `json:"tool_response,omitempty"`
}

// runHook handles one hook invocation. A session that resolves to no
// tracked ticket is left alone.
func runHook(ctx context.Context, a *app.App, bus realtime.Broadcaster, kind string, stdin io.Reader, stdout io.Writer) error {
	switch kind {
	case hookSessionStart, hookUserPrompt, hookPostToolUse:
	default:
		return fmt.Errorf("unknown hook %q (want %s, %s or %s)", kind, hookSessionStart, hookUserPrompt, hookPostToolUse)
	}

	var in hookInput
	data, err := io.ReadAll(io.LimitReader(stdin, 16<<20))
	if err != nil {
		return fmt.Errorf("hook: read input: %w", err)
	}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &in); err != nil {
			return fmt.Errorf("hook: decode input: %w", err)
		}
	}

	sc, err := resolveSession(ctx, a, in.SessionID)
	if err != nil {
		return err
	}
	if sc == nil {
		a.Logger.Debug("hook: no tracked ticket", "hook", kind, "session", in.SessionID)
		return nil
	}
	adapter := a.Session(bus)

	switch kind {
	case hookSessionStart:
		history, err := adapter.OnSessionStart(ctx, sc)
		if err != nil {
			return err
		}
		if len(history) > 0 {
			fmt.Fprintf(stdout, "Resuming ticket %s at turn %d (%d earlier conversation entries).\n", sc.TicketID, sc.Turn, len(history))
		}
	case hookUserPrompt:
		// The initial task prompt is not a question for the human.
		if strings.HasPrefix(strings.TrimSpace(in.Prompt), session.BootstrapPrefix) || strings.TrimSpace(in.Prompt) == "" {
			return nil
		}
		answer, err := adapter.OnUserPromptNeeded(ctx, sc, in.Prompt)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, answer)
	case hookPostToolUse:
		ev := session.ToolEvent{Name: in.ToolName, Input: in.ToolInput, Output: in.ToolResponse}
		if m, ok := in.ToolResponse.(map[string]any); ok {
			if e, ok := m["error"].(string); ok {
				ev.Error = e
			}
		}
		return adapter.OnPostToolUse(ctx, sc, ev)
	}
	return nil
}

// resolveSession binds a hook to its ticket: the page named by the
// runtime environment first, else the locally tracked ticket holding the
// session id. The turn continues after the recorded conversation.
func resolveSession(ctx context.Context, a *app.App, sessionID string) (*session.SessionContext, error) {
	var (
		t   *protocol.Ticket
		err error
	)
	if pageID := os.Getenv(runtime.EnvPageID); pageID != "" {
		t, err = a.Tickets.Get(ctx, pageID)
	} else if sessionID != "" {
		t, err = a.Tickets.FindBySession(ctx, sessionID)
		if err == nil && t != nil {
			if _, ok := a.Markers.FindByPage(t.PageID); !ok {
				t = nil
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("hook: resolve ticket: %w", err)
	}
	if t == nil {
		return nil, nil
	}

	sc := &session.SessionContext{
		PageID:    t.PageID,
		TicketID:  t.ID,
		SessionID: sessionID,
	}
	if id := os.Getenv(runtime.EnvTicketID); id != "" {
		sc.TicketID = id
	}
	if sc.SessionID == "" {
		sc.SessionID = t.SessionID
	}
	tc, err := a.Tickets.Context(ctx, t.PageID)
	if err != nil {
		return nil, fmt.Errorf("hook: load conversation: %w", err)
	}
	if tc != nil {
		sc.Turn = tc.NextTurn()
	}
	return sc, nil
}
