// Package connector relays agent questions to chat platforms and turns chat
// replies into answers.
package connector

import "context"

// Connector is the interface for chat platforms (Telegram, Slack).
type Connector interface {
	// Name returns the connector type (e.g., "telegram", "slack").
	Name() string
	// Start begins listening for inbound messages. Blocks until context is cancelled.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the connector.
	Stop() error
	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error
}

// OutboundMessage is a message posted to a chat.
type OutboundMessage struct {
	ChatID  string // platform-specific chat identifier
	Content string // message text (Markdown)
}

// InboundMessage is a message received from a chat.
type InboundMessage struct {
	Channel  string // connector name (e.g., "telegram")
	SenderID string // platform-specific sender identifier
	ChatID   string // platform-specific chat identifier; Slack threads are "channel:thread_ts"
	Content  string // message text
	ReplyTo  string // text of the bot message being replied to, if any
}

// InboundHandler processes messages received from chats.
type InboundHandler func(ctx context.Context, msg InboundMessage) error
