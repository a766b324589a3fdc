package ticket

import (
	"fmt"
	"time"

	"github.com/h1v3-io/babysitter/internal/store"
	"github.com/h1v3-io/babysitter/pkg/protocol"
)

const (
	// ResponseHeading marks the start of a section where a human answers.
	ResponseHeading = "👤 Human Response"
	// ReadyLabel is the checkbox a human ticks once the answer is complete.
	ReadyLabel = "Ready to submit (check when done)"
	// ContinuePrompt is asked when the agent finishes without a question.
	ContinuePrompt = "Task completed. What should I work on next?"
)

// TurnBlocks renders one question turn: a divider, the turn heading, the
// prompt, and an empty Human Response section closed by an unchecked box.
func TurnBlocks(turn int, prompt string) []store.Block {
	return []store.Block{
		{Type: store.Divider},
		{Type: store.Heading2, Text: fmt.Sprintf("🔄 TURN %d", turn)},
		{Type: store.Paragraph, Text: truncate(prompt)},
		{Type: store.Heading3, Text: ResponseHeading},
		{Type: store.Paragraph},
		{Type: store.ToDo, Text: ReadyLabel},
	}
}

// QuestionBlocks renders the first turn of a ticket opened by the agent.
func QuestionBlocks(question string) []store.Block {
	blocks := []store.Block{
		{Type: store.Heading2, Text: "🔄 TURN 1"},
		{Type: store.Paragraph, Text: truncate(AgentAsks(question))},
		{Type: store.Heading3, Text: ResponseHeading},
		{Type: store.Paragraph},
		{Type: store.ToDo, Text: ReadyLabel},
	}
	return blocks
}

// AgentAsks formats a question asked by the agent.
func AgentAsks(question string) string {
	return "🤖 Agent asks: " + question
}

// Notice is a callout appended to a ticket page.
type Notice struct {
	Text  string
	Icon  string
	Color string
}

// ArchivedNotice tells the human that the ticket was archived.
func ArchivedNotice(at time.Time) Notice {
	return Notice{
		Text:  fmt.Sprintf("✅ Ticket archived at %s. Change status to resuscitate.", at.Format(time.DateTime)),
		Icon:  "📦",
		Color: "gray_background",
	}
}

// ResuscitatedNotice tells the human that the ticket is active again.
func ResuscitatedNotice(at time.Time, status protocol.TicketStatus) Notice {
	return Notice{
		Text:  fmt.Sprintf("🔄 Ticket resuscitated at %s (status: %s)", at.Format(time.DateTime), status),
		Icon:  "♻️",
		Color: "green_background",
	}
}

func (n Notice) blocks() []store.Block {
	return []store.Block{
		{Type: store.Divider},
		{Type: store.Callout, Text: truncate(n.Text), Icon: n.Icon, Color: n.Color},
	}
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= store.MaxTextLength-100 {
		return s
	}
	return string(r[:store.MaxTextLength-100])
}
