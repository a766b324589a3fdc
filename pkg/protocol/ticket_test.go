package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestStatusValid(t *testing.T) {
	for _, s := range Statuses {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	for _, s := range []TicketStatus{"", "pending", "Blocked", "agent working"} {
		if s.Valid() {
			t.Errorf("%q should be invalid", s)
		}
	}
}

func TestStatusClasses(t *testing.T) {
	tests := []struct {
		status    TicketStatus
		resumable bool
		terminal  bool
	}{
		{StatusPending, false, false},
		{StatusPlanning, true, false},
		{StatusWorking, false, false},
		{StatusAwaitingInput, true, false},
		{StatusDone, false, true},
		{StatusError, false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Resumable(); got != tt.resumable {
				t.Errorf("Resumable() = %v, want %v", got, tt.resumable)
			}
			if got := tt.status.Terminal(); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestMaxTurn(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		if got := (&TicketContext{}).MaxTurn(); got != -1 {
			t.Errorf("MaxTurn() = %d, want -1", got)
		}
	})
	t.Run("out of order", func(t *testing.T) {
		tc := &TicketContext{Conversation: []Message{{Turn: 2}, {Turn: 5}, {Turn: 0}}}
		if got := tc.MaxTurn(); got != 5 {
			t.Errorf("MaxTurn() = %d, want 5", got)
		}
	})
}

func TestNextTurn(t *testing.T) {
	tests := []struct {
		name string
		tc   TicketContext
		want int
	}{
		{"empty", TicketContext{}, 0},
		{"after messages", TicketContext{Conversation: []Message{{Turn: 0}, {Turn: 1}}}, 2},
		{"synthesized turns ahead", TicketContext{Ticket: Ticket{TurnCount: 3}, Conversation: []Message{{Turn: 0}}}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tc.NextTurn(); got != tt.want {
				t.Errorf("NextTurn() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMessageKind(t *testing.T) {
	chat := Message{Role: RoleAssistant, Content: "Which branch?", Question: true}
	tool := Message{Type: TypeToolUse, ToolName: "Bash"}
	if chat.Kind() != RoleAssistant || chat.IsToolUse() {
		t.Errorf("chat message kind = %q", chat.Kind())
	}
	if tool.Kind() != TypeToolUse || !tool.IsToolUse() {
		t.Errorf("tool message kind = %q", tool.Kind())
	}
}

func TestTicketContextJSON(t *testing.T) {
	tc := TicketContext{
		Ticket:       Ticket{PageID: "p1", ID: "TKT-1", Status: StatusAwaitingInput, Active: true},
		Conversation: []Message{{Role: RoleUser, Content: "yes", Turn: 1}},
	}
	data, err := json.Marshal(tc)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	for _, want := range []string{`"page_id":"p1"`, `"ticket_id":"TKT-1"`, `"status":"Requesting User Input"`, `"is_active":true`, `"conversation":[`} {
		if !strings.Contains(s, want) {
			t.Errorf("json missing %s: %s", want, s)
		}
	}
}
