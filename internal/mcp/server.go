// Package mcp serves the ask_human tool to the agent runtime over the Model
// Context Protocol (JSON-RPC 2.0, one message per line on stdio).
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/h1v3-io/babysitter/internal/marker"
	"github.com/h1v3-io/babysitter/internal/realtime"
	"github.com/h1v3-io/babysitter/internal/store"
	"github.com/h1v3-io/babysitter/internal/ticket"
	"github.com/h1v3-io/babysitter/pkg/protocol"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "babysitter"
	serverVersion   = "0.1.0"

	// ToolAskHuman is the name of the only tool this server exposes.
	ToolAskHuman = "ask_human"

	maxTitleLength = 100
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type mcpToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type mcpCallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type mcpCallToolResult struct {
	Content []mcpContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

type mcpContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type askHumanArgs struct {
	Question         string `json:"question"`
	ConversationFile string `json:"conversation_file,omitempty"`
}

// AskResult is returned to the agent after a question was filed.
type AskResult struct {
	Status   string `json:"status"`
	TicketID string `json:"ticket,omitempty"`
	PageID   string `json:"page,omitempty"`
	Turn     int    `json:"turn,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Server answers MCP requests for one agent session.
type Server struct {
	repo    *ticket.Repository
	markers *marker.Dir
	logger  *slog.Logger

	// SessionID is the agent session the questions belong to.
	SessionID string
	// IncludeMetadata attaches a metadata toggle to every question.
	IncludeMetadata bool
	// WorkDir is reported in the metadata toggle. Defaults to the process
	// working directory.
	WorkDir string
	// Bus receives a question event for every question filed.
	Bus realtime.Broadcaster

	mu sync.Mutex
}

// NewServer creates a Server.
func NewServer(repo *ticket.Repository, markers *marker.Dir, sessionID string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	wd, _ := os.Getwd()
	return &Server{
		repo:      repo,
		markers:   markers,
		logger:    logger.With("component", "mcp"),
		SessionID: sessionID,
		WorkDir:   wd,
		Bus:       realtime.Nop{},
	}
}

// Serve reads requests from r and writes responses to w until r is
// exhausted or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	enc := json.NewEncoder(w)

	s.logger.Info("mcp server started", "session", s.SessionID)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		resp := s.handle(ctx, []byte(line))
		if resp == nil {
			continue
		}
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("mcp: write response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mcp: read request: %w", err)
	}
	return nil
}

func (s *Server) handle(ctx context.Context, line []byte) *jsonRPCResponse {
	var req jsonRPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return &jsonRPCResponse{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &jsonRPCError{Code: codeParseError, Message: err.Error()}}
	}
	// Notifications carry no id and get no response.
	if len(req.ID) == 0 || strings.HasPrefix(req.Method, "notifications/") {
		s.logger.Debug("notification", "method", req.Method)
		return nil
	}

	resp := &jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": serverName, "version": serverVersion},
		}
	case "ping":
		resp.Result = map[string]any{}
	case "tools/list":
		resp.Result = map[string]any{"tools": []mcpToolDef{askHumanTool()}}
	case "tools/call":
		var p mcpCallToolParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			resp.Error = &jsonRPCError{Code: codeInvalidParams, Message: err.Error()}
			break
		}
		if p.Name != ToolAskHuman {
			resp.Error = &jsonRPCError{Code: codeInvalidParams, Message: "unknown tool: " + p.Name}
			break
		}
		resp.Result = s.callAskHuman(ctx, p.Arguments)
	default:
		resp.Error = &jsonRPCError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
	}
	return resp
}

func askHumanTool() mcpToolDef {
	return mcpToolDef{
		Name: ToolAskHuman,
		Description: "Ask the human a question through the ticket board. " +
			"The session suspends until the answer arrives and is resumed with it.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{
					"type":        "string",
					"description": "The question to ask",
				},
				"conversation_file": map[string]any{
					"type":        "string",
					"description": "Path to the current conversation file",
				},
			},
			"required": []string{"question"},
		},
	}
}

func (s *Server) callAskHuman(ctx context.Context, raw json.RawMessage) mcpCallToolResult {
	var args askHumanArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return textResult(AskResult{Status: "ERROR", Message: "invalid arguments: " + err.Error()}, true)
		}
	}
	res, err := s.AskHuman(ctx, args.Question, args.ConversationFile)
	if err != nil {
		s.logger.Error("ask_human failed", "session", s.SessionID, "error", err)
		return textResult(AskResult{Status: "ERROR", Message: err.Error()}, true)
	}
	return textResult(res, false)
}

func textResult(v AskResult, isErr bool) mcpCallToolResult {
	data, _ := json.Marshal(v)
	return mcpCallToolResult{Content: []mcpContent{{Type: "text", Text: string(data)}}, IsError: isErr}
}

// AskHuman files a question. A ticket already tracked for this session gets
// a new turn; otherwise a new ticket is opened and tracked.
func (s *Server) AskHuman(ctx context.Context, question, conversationFile string) (AskResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return AskResult{}, errors.New("mcp: question is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.tracked(ctx)
	if err != nil {
		return AskResult{}, err
	}
	if existing != nil {
		turn, err := s.repo.Ask(ctx, existing.PageID, ticket.AgentAsks(question), s.metadata(question, conversationFile)...)
		if err != nil {
			return AskResult{}, fmt.Errorf("mcp: ask: %w", err)
		}
		s.logger.Info("question added", "ticket", existing.ID, "page", existing.PageID, "turn", turn)
		s.announce(existing.ID, existing.PageID, question, turn)
		return AskResult{
			Status:   "SUSPEND",
			TicketID: existing.ID,
			PageID:   existing.PageID,
			Turn:     turn,
			Message:  fmt.Sprintf("Question added to ticket %s as turn %d", existing.ID, turn),
		}, nil
	}

	ticketID := s.repo.NewID()
	t, err := s.repo.Create(ctx, ticket.NewTicket{
		Name:      title(question),
		Status:    protocol.StatusPlanning,
		TicketID:  ticketID,
		SessionID: s.SessionID,
		TurnCount: 1,
		Blocks:    append(ticket.QuestionBlocks(question), s.metadata(question, conversationFile)...),
	})
	if err != nil {
		return AskResult{}, fmt.Errorf("mcp: create ticket: %w", err)
	}
	if _, err := s.repo.UpdateStatus(ctx, t.PageID, protocol.StatusAwaitingInput); err != nil {
		return AskResult{}, fmt.Errorf("mcp: %w", err)
	}
	if err := s.markers.Create(ticketID, t.PageID, conversationFile); err != nil {
		return AskResult{}, fmt.Errorf("mcp: %w", err)
	}
	s.logger.Info("question ticket created", "ticket", ticketID, "page", t.PageID, "session", s.SessionID)
	s.announce(ticketID, t.PageID, question, 1)
	return AskResult{
		Status:   "SUSPEND",
		TicketID: ticketID,
		PageID:   t.PageID,
		Turn:     1,
		Message:  fmt.Sprintf("Created ticket %s", ticketID),
	}, nil
}

func (s *Server) announce(ticketID, pageID, question string, turn int) {
	if s.Bus == nil {
		return
	}
	s.Bus.Broadcast(protocol.Event{
		Type:        protocol.EventAgentMessage,
		TicketID:    ticketID,
		PageID:      pageID,
		SessionID:   s.SessionID,
		Content:     question,
		MessageType: protocol.MessageQuestion,
		Turn:        turn,
		Timestamp:   time.Now().UTC(),
	})
}

// tracked returns the locally tracked ticket that holds this session.
func (s *Server) tracked(ctx context.Context) (*protocol.Ticket, error) {
	t, err := s.repo.FindBySession(ctx, s.SessionID)
	if err != nil {
		return nil, fmt.Errorf("mcp: %w", err)
	}
	if t == nil {
		return nil, nil
	}
	if _, ok := s.markers.FindByPage(t.PageID); !ok {
		return nil, nil
	}
	return t, nil
}

func (s *Server) metadata(question, conversationFile string) []store.Block {
	if !s.IncludeMetadata {
		return nil
	}
	lines := []string{
		"Working directory: " + s.WorkDir,
		"Session: " + s.SessionID,
		fmt.Sprintf("Question length: %d chars", utf8.RuneCountInString(question)),
	}
	if conversationFile != "" {
		lines = append(lines, "Conversation file: "+conversationFile)
		if data, err := os.ReadFile(conversationFile); err == nil {
			lines = append(lines, fmt.Sprintf("Conversation length: %d chars", utf8.RuneCount(data)))
		}
	}
	children := make([]store.Block, 0, len(lines))
	for _, l := range lines {
		children = append(children, store.Block{Type: store.Paragraph, Text: l})
	}
	return []store.Block{{Type: store.Toggle, Text: "📋 Metadata", Children: children}}
}

func title(question string) string {
	r := []rune(question)
	if len(r) <= maxTitleLength {
		return question
	}
	return string(r[:maxTitleLength])
}
