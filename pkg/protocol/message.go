package protocol

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	TypeToolUse = "tool_use"
)

// Message is one entry of a ticket's conversation. It is either a chat turn
// (Role set) or a tool-use event (Type == TypeToolUse).
type Message struct {
	Role       string         `json:"role,omitempty"`
	Type       string         `json:"type,omitempty"`
	Content    string         `json:"content,omitempty"`
	Question   bool           `json:"agent_question,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolInput  any            `json:"tool_input,omitempty"`
	ToolOutput any            `json:"tool_output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp,omitzero"`
	Turn       int            `json:"turn"`
	Extra      map[string]any `json:"-"` // fields this version does not model
}

// IsToolUse reports whether m records a tool invocation.
func (m Message) IsToolUse() bool { return m.Type == TypeToolUse }

// Kind returns the role for chat turns and the type for everything else.
func (m Message) Kind() string {
	if m.Role != "" {
		return m.Role
	}
	return m.Type
}
