// Package conversation persists a ticket's conversation as blocks on the
// ticket page. Each message is one top-level toggle whose nested toggles and
// "key: value" paragraphs hold the message fields. Pages written before the
// block format keep their history as a JSON array in a text property, which
// is still readable but never written.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/h1v3-io/babysitter/internal/store"
	"github.com/h1v3-io/babysitter/pkg/protocol"
)

// containerPrefix marks a top-level toggle as a message container.
const containerPrefix = "💬 "

// Codec appends and decodes conversations.
type Codec struct {
	store  store.Client
	logger *slog.Logger
}

// New creates a Codec backed by c.
func New(c store.Client, logger *slog.Logger) *Codec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Codec{store: c, logger: logger}
}

// Encode renders one message as a labeled container block.
func Encode(m protocol.Message) store.Block {
	entries := messageEntries(m)
	children := make([]store.Block, 0, len(entries))
	for _, e := range entries {
		children = append(children, entryBlock(e.Key, e.Value))
	}
	return store.Block{
		Type:     store.Toggle,
		Text:     truncate(containerLabel(m)),
		Children: children,
	}
}

// Append writes m after the existing conversation and raises the ticket's
// turn count to m's turn. The count never goes down. Earlier messages are
// never read or rewritten.
func (c *Codec) Append(ctx context.Context, pageID string, m protocol.Message) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if _, err := c.store.AppendBlocks(ctx, pageID, []store.Block{Encode(m)}); err != nil {
		return fmt.Errorf("conversation: append: %w", err)
	}
	page, err := c.store.GetPage(ctx, pageID)
	if err != nil {
		return fmt.Errorf("conversation: read turn count: %w", err)
	}
	if n, ok := page.Number(protocol.PropTurnCount); ok && int(n) >= m.Turn {
		return nil
	}
	props := store.Properties{protocol.PropTurnCount: store.Number(float64(m.Turn))}
	if _, err := c.store.UpdatePage(ctx, pageID, props); err != nil {
		return fmt.Errorf("conversation: update turn count: %w", err)
	}
	return nil
}

// Decode returns the conversation stored on a page, in append order. It
// returns an empty slice when the page has no conversation, when it cannot be
// read, or when the stored data is corrupt.
func (c *Codec) Decode(ctx context.Context, pageID string) []protocol.Message {
	msgs, err := c.decodeBlocks(ctx, pageID)
	if err != nil {
		c.logger.Warn("conversation unreadable, treating as empty", "page", pageID, "error", err)
		return []protocol.Message{}
	}
	if len(msgs) > 0 {
		return msgs
	}

	msgs, err = c.decodeLegacy(ctx, pageID)
	if err != nil {
		c.logger.Warn("legacy conversation unreadable, treating as empty", "page", pageID, "error", err)
		return []protocol.Message{}
	}
	return msgs
}

func (c *Codec) decodeBlocks(ctx context.Context, pageID string) ([]protocol.Message, error) {
	blocks, err := c.store.ListBlocks(ctx, pageID)
	if err != nil {
		return nil, err
	}

	var msgs []protocol.Message
	for _, b := range blocks {
		if b.Type != store.Toggle || !strings.HasPrefix(b.Text, containerPrefix) {
			continue
		}
		n, err := c.readContainer(ctx, b, 0)
		if err != nil {
			return nil, err
		}
		fields, ok := FromNode(n).(map[string]any)
		if !ok {
			// an empty container reads as a list
			fields = map[string]any{}
		}
		msgs = append(msgs, messageFromMap(fields))
	}
	return msgs, nil
}

func (c *Codec) readContainer(ctx context.Context, b store.Block, depth int) (Node, error) {
	if depth > maxDecodeDepth {
		return nil, fmt.Errorf("container %s nested deeper than %d", b.ID, maxDecodeDepth)
	}
	if !b.HasChildren {
		return List{}, nil
	}
	children, err := c.store.ListBlocks(ctx, b.ID)
	if err != nil {
		return nil, err
	}

	var entries Map
	labels := make([]string, 0, len(children))
	for _, child := range children {
		switch child.Type {
		case store.Paragraph:
			key, value := splitLeaf(child.Text)
			entries = append(entries, Entry{Key: key, Value: Leaf(value)})
			labels = append(labels, key)
		case store.Toggle:
			n, err := c.readContainer(ctx, child, depth+1)
			if err != nil {
				return nil, err
			}
			entries = append(entries, Entry{Key: child.Text, Value: n})
			labels = append(labels, child.Text)
		}
	}

	if isIndexList(labels) {
		l := make(List, 0, len(entries))
		for _, e := range entries {
			l = append(l, e.Value)
		}
		return l, nil
	}
	return entries, nil
}

func (c *Codec) decodeLegacy(ctx context.Context, pageID string) ([]protocol.Message, error) {
	page, err := c.store.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	raw := strings.TrimSpace(page.Text(protocol.PropConversationJSON))
	if raw == "" {
		return []protocol.Message{}, nil
	}

	var items []map[string]any
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("parse %s: %w", protocol.PropConversationJSON, err)
	}
	msgs := make([]protocol.Message, 0, len(items))
	for _, item := range items {
		msgs = append(msgs, messageFromMap(item))
	}
	return msgs, nil
}

func containerLabel(m protocol.Message) string {
	kind := m.Kind()
	if m.IsToolUse() && m.ToolName != "" {
		kind += " " + m.ToolName
	}
	return fmt.Sprintf("%s%s · turn %d", containerPrefix, kind, m.Turn)
}

// messageEntries lists the message fields in their stored order.
func messageEntries(m protocol.Message) Map {
	var e Map
	add := func(key string, v any) {
		e = append(e, Entry{Key: key, Value: ToNode(v)})
	}

	if m.Role != "" {
		add("role", m.Role)
	}
	if m.Type != "" {
		add("type", m.Type)
	}
	if m.Content != "" || !m.IsToolUse() {
		add("content", m.Content)
	}
	if m.Question {
		add("agent_question", true)
	}
	if m.IsToolUse() {
		add("tool_name", m.ToolName)
		add("tool_input", m.ToolInput)
		add("tool_output", m.ToolOutput)
	}
	if m.Error != "" {
		add("error", m.Error)
	}
	add("timestamp", m.Timestamp.UTC().Format(time.RFC3339Nano))
	add("turn", m.Turn)

	keys := make([]string, 0, len(m.Extra))
	for k := range m.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		add(k, m.Extra[k])
	}
	return e
}

func messageFromMap(fields map[string]any) protocol.Message {
	var m protocol.Message
	for k, v := range fields {
		switch k {
		case "role":
			m.Role = asString(v)
		case "type":
			m.Type = asString(v)
		case "content":
			m.Content = asString(v)
		case "agent_question":
			switch q := v.(type) {
			case bool:
				m.Question = q
			case string: // legacy entries store the question text
				m.Question = q != ""
			}
		case "tool_name":
			m.ToolName = asString(v)
		case "tool_input":
			m.ToolInput = v
		case "tool_output":
			m.ToolOutput = v
		case "error":
			m.Error = asString(v)
		case "timestamp":
			m.Timestamp = asTime(v)
		case "turn":
			if n, ok := v.(float64); ok {
				m.Turn = int(n)
			}
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]any)
			}
			m.Extra[k] = v
		}
	}
	return m
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	}
	return flatten(v)
}

func asTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
