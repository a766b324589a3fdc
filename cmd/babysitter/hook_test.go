package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/h1v3-io/babysitter/internal/app"
	"github.com/h1v3-io/babysitter/internal/config"
	"github.com/h1v3-io/babysitter/internal/realtime"
	"github.com/h1v3-io/babysitter/internal/runtime"
	"github.com/h1v3-io/babysitter/internal/session"
	"github.com/h1v3-io/babysitter/internal/ticket"
	"github.com/h1v3-io/babysitter/pkg/protocol"
)

func openTestApp(t *testing.T) *app.App {
	t.Helper()
	cfg := config.Defaults()
	cfg.Store.Backend = config.StoreMemory
	cfg.Tickets.MarkerDir = filepath.Join(t.TempDir(), "markers")
	cfg.Session.AnswerTimeout = config.Duration{Duration: 200 * time.Millisecond}
	cfg.Session.PollInterval = config.Duration{Duration: 10 * time.Millisecond}
	a, err := app.Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("app.Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func trackedTicket(t *testing.T, a *app.App, sessionID string) *protocol.Ticket {
	t.Helper()
	ctx := context.Background()
	tk, err := a.Tickets.Create(ctx, ticket.NewTicket{
		Name:      "Fix flaky login test",
		Status:    protocol.StatusWorking,
		TicketID:  "TKT-7",
		SessionID: sessionID,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := a.Markers.Create(tk.ID, tk.PageID, ""); err != nil {
		t.Fatalf("marker: %v", err)
	}
	return tk
}

type eventLog struct{ events []protocol.Event }

func (l *eventLog) Broadcast(ev protocol.Event) { l.events = append(l.events, ev) }

func TestHookUntrackedSessionIsNoop(t *testing.T) {
	a := openTestApp(t)
	var out bytes.Buffer
	in := strings.NewReader(`{"session_id":"nobody","prompt":"what now?"}`)
	if err := runHook(context.Background(), a, realtime.Nop{}, hookUserPrompt, in, &out); err != nil {
		t.Fatalf("runHook: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestHookUnknownKind(t *testing.T) {
	a := openTestApp(t)
	if err := runHook(context.Background(), a, nil, "pre-compact", strings.NewReader("{}"), &bytes.Buffer{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestHookUserPromptReturnsAnswer(t *testing.T) {
	a := openTestApp(t)
	ctx := context.Background()
	tk := trackedTicket(t, a, "sess-1")
	if err := a.Tickets.SetResponse(ctx, tk.PageID, "use the staging db"); err != nil {
		t.Fatal(err)
	}

	bus := &eventLog{}
	var out bytes.Buffer
	in := strings.NewReader(`{"session_id":"sess-1","prompt":"Which database should I use?"}`)
	if err := runHook(ctx, a, bus, hookUserPrompt, in, &out); err != nil {
		t.Fatalf("runHook: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "use the staging db" {
		t.Errorf("answer = %q", got)
	}

	tc, err := a.Tickets.Context(ctx, tk.PageID)
	if err != nil || tc == nil {
		t.Fatalf("Context: %v", err)
	}
	if len(tc.Conversation) != 2 {
		t.Fatalf("conversation has %d entries, want 2", len(tc.Conversation))
	}
	if !tc.Conversation[0].Question || tc.Conversation[1].Role != protocol.RoleUser {
		t.Errorf("unexpected conversation %+v", tc.Conversation)
	}
	if tc.Status != protocol.StatusWorking {
		t.Errorf("status = %q, want %q", tc.Status, protocol.StatusWorking)
	}

	var asked bool
	for _, ev := range bus.events {
		if ev.Type == protocol.EventAgentMessage && ev.TicketID == "TKT-7" {
			asked = true
		}
	}
	if !asked {
		t.Error("question was not broadcast")
	}
}

func TestHookUserPromptSkipsBootstrap(t *testing.T) {
	a := openTestApp(t)
	tk := trackedTicket(t, a, "sess-2")
	var out bytes.Buffer
	in := strings.NewReader(`{"session_id":"sess-2","prompt":"` + session.BootstrapPrefix + ` write docs"}`)
	if err := runHook(context.Background(), a, nil, hookUserPrompt, in, &out); err != nil {
		t.Fatal(err)
	}
	tc, _ := a.Tickets.Context(context.Background(), tk.PageID)
	if len(tc.Conversation) != 0 || out.Len() != 0 {
		t.Errorf("bootstrap prompt recorded: %+v %q", tc.Conversation, out.String())
	}
}

func TestHookPostToolUseContinuesTurns(t *testing.T) {
	a := openTestApp(t)
	ctx := context.Background()
	tk := trackedTicket(t, a, "sess-3")

	for i, body := range []string{
		`{"session_id":"sess-3","tool_name":"Bash","tool_input":{"command":"go test ./..."},"tool_response":{"stdout":"ok"}}`,
		`{"session_id":"sess-3","tool_name":"Read","tool_input":{"file_path":"main.go"},"tool_response":{"error":"no such file"}}`,
	} {
		if err := runHook(ctx, a, nil, hookPostToolUse, strings.NewReader(body), &bytes.Buffer{}); err != nil {
			t.Fatalf("hook %d: %v", i, err)
		}
	}

	tc, err := a.Tickets.Context(ctx, tk.PageID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tc.Conversation) != 2 {
		t.Fatalf("conversation has %d entries", len(tc.Conversation))
	}
	if tc.Conversation[0].Turn != 0 || tc.Conversation[1].Turn != 1 {
		t.Errorf("turns = %d, %d", tc.Conversation[0].Turn, tc.Conversation[1].Turn)
	}
	if tc.Conversation[1].Error != "no such file" {
		t.Errorf("tool error = %q", tc.Conversation[1].Error)
	}
}

func TestHookPostToolUseAfterContinuations(t *testing.T) {
	a := openTestApp(t)
	ctx := context.Background()
	tk := trackedTicket(t, a, "sess-5")
	body := `{"session_id":"sess-5","tool_name":"Bash","tool_input":{"command":"make"},"tool_response":{"stdout":"ok"}}`
	if err := runHook(ctx, a, nil, hookPostToolUse, strings.NewReader(body), &bytes.Buffer{}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := a.Tickets.Continue(ctx, tk.PageID); err != nil {
			t.Fatal(err)
		}
	}
	if err := runHook(ctx, a, nil, hookPostToolUse, strings.NewReader(body), &bytes.Buffer{}); err != nil {
		t.Fatal(err)
	}

	tc, _ := a.Tickets.Context(ctx, tk.PageID)
	if last := tc.Conversation[len(tc.Conversation)-1]; last.Turn != 2 {
		t.Errorf("tool turn = %d, want 2", last.Turn)
	}
	if tc.TurnCount != 2 {
		t.Errorf("turn count = %d, want 2", tc.TurnCount)
	}
}

func TestHookSessionStartByPageEnv(t *testing.T) {
	a := openTestApp(t)
	ctx := context.Background()
	tk, err := a.Tickets.Create(ctx, ticket.NewTicket{Name: "Upgrade deps", Status: protocol.StatusPending, TicketID: "TKT-9"})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Tickets.AppendMessage(ctx, tk.PageID, protocol.Message{Role: protocol.RoleAssistant, Content: "Which go version?", Question: true}); err != nil {
		t.Fatal(err)
	}
	t.Setenv(runtime.EnvPageID, tk.PageID)
	t.Setenv(runtime.EnvTicketID, "TKT-9")

	var out bytes.Buffer
	if err := runHook(ctx, a, nil, hookSessionStart, strings.NewReader(`{"session_id":"sess-4"}`), &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Resuming ticket TKT-9 at turn 1") {
		t.Errorf("output = %q", out.String())
	}
	got, err := a.Tickets.Get(ctx, tk.PageID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != protocol.StatusWorking {
		t.Errorf("status = %q", got.Status)
	}
}

func TestResolveSessionRequiresMarker(t *testing.T) {
	a := openTestApp(t)
	ctx := context.Background()
	if _, err := a.Tickets.Create(ctx, ticket.NewTicket{Name: "Untracked", SessionID: "sess-5"}); err != nil {
		t.Fatal(err)
	}
	sc, err := resolveSession(ctx, a, "sess-5")
	if err != nil {
		t.Fatal(err)
	}
	if sc != nil {
		t.Errorf("untracked ticket resolved: %+v", sc)
	}
}
