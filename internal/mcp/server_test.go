package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/h1v3-io/babysitter/internal/marker"
	"github.com/h1v3-io/babysitter/internal/realtime"
	"github.com/h1v3-io/babysitter/internal/store"
	"github.com/h1v3-io/babysitter/internal/ticket"
	"github.com/h1v3-io/babysitter/pkg/protocol"
)

func newTestServer(t *testing.T) (*Server, *ticket.Repository, *marker.Dir) {
	t.Helper()
	var opts []string
	for _, s := range protocol.Statuses {
		opts = append(opts, string(s))
	}
	mem := store.NewMemory(store.WithStatusOptions(opts...))
	repo := ticket.NewRepository(mem, nil, "tickets", nil)
	markers := marker.New(t.TempDir())
	return NewServer(repo, markers, "sess-1", nil), repo, markers
}

func serve(t *testing.T, s *Server, lines ...string) []jsonRPCResponse {
	t.Helper()
	var out bytes.Buffer
	if err := s.Serve(context.Background(), strings.NewReader(strings.Join(lines, "\n")+"\n"), &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	var resps []jsonRPCResponse
	dec := json.NewDecoder(&out)
	for dec.More() {
		var r jsonRPCResponse
		if err := dec.Decode(&r); err != nil {
			t.Fatalf("decode: %v", err)
		}
		resps = append(resps, r)
	}
	return resps
}

func TestServeHandshake(t *testing.T) {
	s, _, _ := newTestServer(t)
	resps := serve(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"resources/list"}`,
		`not json`,
	)
	if len(resps) != 4 {
		t.Fatalf("got %d responses, want 4", len(resps))
	}

	init, _ := json.Marshal(resps[0].Result)
	if !strings.Contains(string(init), protocolVersion) || !strings.Contains(string(init), `"tools"`) {
		t.Errorf("initialize = %s", init)
	}
	list, _ := json.Marshal(resps[1].Result)
	if !strings.Contains(string(list), `"ask_human"`) || !strings.Contains(string(list), `"required":["question"]`) {
		t.Errorf("tools/list = %s", list)
	}
	if resps[2].Error == nil || resps[2].Error.Code != codeMethodNotFound {
		t.Errorf("unknown method = %+v", resps[2])
	}
	if resps[3].Error == nil || resps[3].Error.Code != codeParseError {
		t.Errorf("bad json = %+v", resps[3])
	}
}

func callResult(t *testing.T, r jsonRPCResponse) (AskResult, bool) {
	t.Helper()
	data, _ := json.Marshal(r.Result)
	var res mcpCallToolResult
	if err := json.Unmarshal(data, &res); err != nil || len(res.Content) != 1 {
		t.Fatalf("call result = %s", data)
	}
	var ask AskResult
	if err := json.Unmarshal([]byte(res.Content[0].Text), &ask); err != nil {
		t.Fatalf("content = %q", res.Content[0].Text)
	}
	return ask, res.IsError
}

func TestAskHumanCreatesTicket(t *testing.T) {
	s, repo, markers := newTestServer(t)
	ctx := context.Background()
	question := strings.Repeat("Should I use Postgres? ", 10)

	resps := serve(t, s, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"ask_human","arguments":{"question":"`+question+`","conversation_file":"/tmp/conv.jsonl"}}}`)
	ask, isErr := callResult(t, resps[0])
	if isErr || ask.Status != "SUSPEND" || ask.Turn != 1 || ask.TicketID == "" {
		t.Fatalf("result = %+v", ask)
	}

	got, err := repo.Get(ctx, ask.PageID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != protocol.StatusAwaitingInput || got.TurnCount != 1 || got.SessionID != "sess-1" || got.ID != ask.TicketID {
		t.Errorf("ticket = %+v", got)
	}
	if n := len([]rune(got.Name)); n != maxTitleLength {
		t.Errorf("title has %d runes", n)
	}

	m, ok := markers.Get(ask.TicketID)
	if !ok || m.PageID != ask.PageID || m.ConversationPath != "/tmp/conv.jsonl" {
		t.Errorf("marker = %+v, %v", m, ok)
	}

	blocks, _ := repo.Blocks(ctx, ask.PageID)
	if len(blocks) != 5 || blocks[1].Text != ticket.AgentAsks(strings.TrimSpace(question)) {
		t.Errorf("blocks = %+v", blocks)
	}
}

func TestAskHumanAppendsTurn(t *testing.T) {
	s, repo, _ := newTestServer(t)
	ctx := context.Background()

	first, err := s.AskHuman(ctx, "Which database?", "")
	if err != nil {
		t.Fatalf("first ask: %v", err)
	}
	second, err := s.AskHuman(ctx, "Which port?", "")
	if err != nil {
		t.Fatalf("second ask: %v", err)
	}
	if second.PageID != first.PageID || second.TicketID != first.TicketID || second.Turn != 2 {
		t.Errorf("second = %+v, first = %+v", second, first)
	}

	var events []protocol.Event
	s.Bus = realtime.Func(func(ev protocol.Event) { events = append(events, ev) })
	if _, err := s.AskHuman(ctx, "Which port?", ""); err != nil {
		t.Fatalf("third ask: %v", err)
	}
	if len(events) != 1 || events[0].MessageType != protocol.MessageQuestion || events[0].SessionID != "sess-1" || events[0].Turn != 3 {
		t.Errorf("events = %+v", events)
	}

	got, _ := repo.Get(ctx, first.PageID)
	if got.TurnCount != 3 || got.Status != protocol.StatusAwaitingInput {
		t.Errorf("ticket = %+v", got)
	}
	blocks, _ := repo.Blocks(ctx, first.PageID)
	last := blocks[len(blocks)-4]
	if last.Text != ticket.AgentAsks("Which port?") {
		t.Errorf("turn prompt = %q", last.Text)
	}
}

func TestAskHumanUntrackedSessionOpensNewTicket(t *testing.T) {
	s, repo, _ := newTestServer(t)
	ctx := context.Background()
	// Same session on the board but no local marker.
	repo.Create(ctx, ticket.NewTicket{Name: "elsewhere", SessionID: "sess-1", Status: protocol.StatusAwaitingInput})

	res, err := s.AskHuman(ctx, "Hello?", "")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if res.Turn != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestAskHumanMetadata(t *testing.T) {
	s, repo, _ := newTestServer(t)
	s.IncludeMetadata = true
	s.WorkDir = "/work"
	ctx := context.Background()

	res, err := s.AskHuman(ctx, "Deploy now?", "")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	blocks, _ := repo.Blocks(ctx, res.PageID)
	meta := blocks[len(blocks)-1]
	if meta.Type != store.Toggle || !meta.HasChildren {
		t.Fatalf("metadata block = %+v", meta)
	}
	children, _ := repo.Blocks(ctx, meta.ID)
	var texts []string
	for _, c := range children {
		texts = append(texts, c.Text)
	}
	joined := strings.Join(texts, "\n")
	if !strings.Contains(joined, "/work") || !strings.Contains(joined, "sess-1") || !strings.Contains(joined, "11 chars") {
		t.Errorf("metadata = %q", joined)
	}
}

func TestAskHumanEmptyQuestion(t *testing.T) {
	s, _, _ := newTestServer(t)
	resps := serve(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ask_human","arguments":{"question":"  "}}}`)
	ask, isErr := callResult(t, resps[0])
	if !isErr || ask.Status != "ERROR" {
		t.Errorf("result = %+v, isError = %v", ask, isErr)
	}
}
