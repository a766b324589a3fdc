package protocol

import "time"

// EventType identifies a realtime message.
type EventType string

const (
	EventStatusChange  EventType = "status_change"
	EventAgentStarted  EventType = "agent_started"
	EventAgentMessage  EventType = "agent_message"
	EventToolExecution EventType = "tool_execution"
	EventTicketCreated EventType = "ticket_created"
	EventAgentComplete EventType = "agent_complete"
	EventAgentError    EventType = "agent_error"
	EventUserResponse  EventType = "user_response"
	EventPing          EventType = "ping"
	EventPong          EventType = "pong"
	EventAck           EventType = "ack"
)

// Message types carried by EventAgentMessage.
const (
	MessageQuestion = "question"
	MessageText     = "text"
)

// Event is a message on the realtime channel. Fields not relevant to a
// given Type are left empty.
type Event struct {
	Type        EventType    `json:"type"`
	TicketID    string       `json:"ticket_id,omitempty"`
	PageID      string       `json:"page_id,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
	TicketName  string       `json:"ticket_name,omitempty"`
	Status      TicketStatus `json:"status,omitempty"`
	Content     string       `json:"content,omitempty"`
	MessageType string       `json:"message_type,omitempty"`
	ToolName    string       `json:"tool_name,omitempty"`
	ToolSummary string       `json:"tool_description,omitempty"`
	ToolInput   any          `json:"tool_input,omitempty"`
	ToolOutput  string       `json:"tool_output,omitempty"`
	Response    string       `json:"response,omitempty"`
	Error       string       `json:"error,omitempty"`
	JobID       string       `json:"job_id,omitempty"`
	Turn        int          `json:"turn,omitempty"`
	Timestamp   time.Time    `json:"timestamp,omitzero"`
}
