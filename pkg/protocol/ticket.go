package protocol

import "time"

// TicketStatus represents the lifecycle state of a ticket. The values are the
// exact option names of the ticket database's status property.
type TicketStatus string

const (
	StatusPending       TicketStatus = "Pending"
	StatusPlanning      TicketStatus = "Agent Planning"
	StatusWorking       TicketStatus = "Agent Working"
	StatusAwaitingInput TicketStatus = "Requesting User Input"
	StatusDone          TicketStatus = "Done"
	StatusError         TicketStatus = "Error"
)

// Statuses lists every valid status in lifecycle order.
var Statuses = []TicketStatus{
	StatusPending,
	StatusPlanning,
	StatusWorking,
	StatusAwaitingInput,
	StatusDone,
	StatusError,
}

// Valid reports whether s is one of the known statuses. Comparison is case-sensitive.
func (s TicketStatus) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Resumable reports whether a suspended agent may be resumed from s.
func (s TicketStatus) Resumable() bool {
	return s == StatusAwaitingInput || s == StatusPlanning
}

// Terminal reports whether s requires a human before anything else happens.
func (s TicketStatus) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Ticket is a unit of agent work tracked as a page in the ticket database.
type Ticket struct {
	PageID      string       `json:"page_id"`
	ID          string       `json:"ticket_id,omitempty"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Status      TicketStatus `json:"status"`
	SessionID   string       `json:"session_id,omitempty"`
	TurnCount   int          `json:"turn_count"`
	Archived    bool         `json:"archived,omitempty"`
	Active      bool         `json:"is_active"` // a local marker is driving this ticket
	CreatedAt   time.Time    `json:"created_at,omitzero"`
	UpdatedAt   time.Time    `json:"updated_at,omitzero"`
}

// TicketContext is a ticket together with its decoded conversation.
type TicketContext struct {
	Ticket
	Conversation []Message `json:"conversation"`
}

// MaxTurn returns the highest turn in the conversation, or -1 when it is empty.
func (c *TicketContext) MaxTurn() int {
	max := -1
	for _, m := range c.Conversation {
		if m.Turn > max {
			max = m.Turn
		}
	}
	return max
}

// NextTurn returns the turn the next message belongs to. Synthesized turns
// raise TurnCount without adding a message, so it bounds the result too.
func (c *TicketContext) NextTurn() int {
	next := c.MaxTurn() + 1
	if c.TurnCount > next {
		next = c.TurnCount
	}
	return next
}

// Property names of the ticket database.
const (
	PropName             = "Name"
	PropStatus           = "Status"
	PropSessionID        = "Session ID"
	PropTicketID         = "Ticket"
	PropTurnCount        = "Turn Count"
	PropDescription      = "Description"
	PropUserResponse     = "User Response"
	PropConversationJSON = "Conversation JSON" // legacy, read-only
)
