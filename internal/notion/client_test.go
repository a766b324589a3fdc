package notion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/h1v3-io/babysitter/internal/store"
)

type recorded struct {
	Method string
	Path   string
	Query  string
	Body   map[string]any
}

type fakeNotion struct {
	t        *testing.T
	mu       sync.Mutex
	requests []recorded
	routes   map[string]func(w http.ResponseWriter, r recorded)
	nextID   int
}

func newFakeNotion(t *testing.T) (*fakeNotion, *Client) {
	t.Helper()
	f := &fakeNotion{t: t, routes: make(map[string]func(http.ResponseWriter, recorded))}
	f.routes["GET /v1/databases/db1"] = func(w http.ResponseWriter, _ recorded) {
		fmt.Fprint(w, `{"object":"database","id":"db1","data_sources":[{"id":"ds1","name":"Tickets"}]}`)
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, New("secret-token", WithBaseURL(srv.URL))
}

func (f *fakeNotion) serve(w http.ResponseWriter, r *http.Request) {
	if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
		f.t.Errorf("authorization = %q", got)
	}
	if got := r.Header.Get("Notion-Version"); got != apiVersion {
		f.t.Errorf("notion version = %q", got)
	}
	rec := recorded{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery}
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		if err := json.Unmarshal(data, &rec.Body); err != nil {
			f.t.Errorf("request body: %v", err)
		}
	}
	f.mu.Lock()
	f.requests = append(f.requests, rec)
	h, ok := f.routes[r.Method+" "+r.URL.Path]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"object":"error","status":404,"code":"object_not_found","message":"Could not find object"}`)
		return
	}
	h(w, rec)
}

func (f *fakeNotion) count(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

func (f *fakeNotion) last(method, path string) recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.requests) - 1; i >= 0; i-- {
		if r := f.requests[i]; r.Method == method && r.Path == path {
			return r
		}
	}
	f.t.Fatalf("no %s %s request", method, path)
	return recorded{}
}

// echoChildren answers an append by returning one block per child.
func (f *fakeNotion) echoChildren(w http.ResponseWriter, r recorded) {
	children, _ := r.Body["children"].([]any)
	var results []map[string]any
	for _, c := range children {
		m := c.(map[string]any)
		f.mu.Lock()
		f.nextID++
		id := fmt.Sprintf("blk-%d", f.nextID)
		f.mu.Unlock()
		m["id"] = id
		m["has_children"] = false
		results = append(results, m)
	}
	json.NewEncoder(w).Encode(map[string]any{"object": "list", "results": results})
}

const pageJSON = `{
	"object":"page","id":"%s","archived":%t,
	"created_time":"2025-01-02T03:04:05.000Z","last_edited_time":"2025-01-02T03:04:05.000Z",
	"parent":{"type":"data_source_id","data_source_id":"ds1","database_id":"db1"},
	"properties":{
		"Name":{"type":"title","title":[{"type":"text","plain_text":"Fix ","text":{"content":"Fix "}},{"type":"text","plain_text":"login","text":{"content":"login"}}]},
		"Status":{"type":"status","status":{"name":"Pending"}},
		"Session ID":{"type":"rich_text","rich_text":[]},
		"Turn Count":{"type":"number","number":2}
	}}`

func TestGetPageDecodesProperties(t *testing.T) {
	f, c := newFakeNotion(t)
	f.routes["GET /v1/pages/p1"] = func(w http.ResponseWriter, _ recorded) {
		fmt.Fprintf(w, pageJSON, "p1", true)
	}

	p, err := c.GetPage(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if p.Text("Name") != "Fix login" || p.Text("Status") != "Pending" || p.Text("Session ID") != "" {
		t.Errorf("properties = %+v", p.Properties)
	}
	if n, ok := p.Number("Turn Count"); !ok || n != 2 {
		t.Errorf("turn count = %v, %v", n, ok)
	}
	if !p.Archived || p.DatabaseID != "db1" || p.CreatedTime.Year() != 2025 {
		t.Errorf("page = %+v", p)
	}
}

func TestErrorsMapToSentinels(t *testing.T) {
	f, c := newFakeNotion(t)
	f.routes["PATCH /v1/pages/p1"] = func(w http.ResponseWriter, _ recorded) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"object":"error","status":400,"code":"validation_error","message":"Invalid status option."}`)
	}
	ctx := context.Background()

	_, err := c.GetPage(ctx, "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing page = %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "object_not_found" || apiErr.Status != 404 {
		t.Errorf("api error = %+v", apiErr)
	}

	_, err = c.UpdatePage(ctx, "p1", store.Properties{"Status": store.Status("Bogus")})
	if !errors.Is(err, store.ErrValidation) {
		t.Errorf("bad status = %v", err)
	}
	if body := f.last(http.MethodPatch, "/v1/pages/p1").Body; !strings.Contains(fmt.Sprint(body), "Bogus") {
		t.Errorf("body = %v", body)
	}
}

func TestRateLimitRetried(t *testing.T) {
	f, c := newFakeNotion(t)
	calls := 0
	f.routes["GET /v1/pages/p1"] = func(w http.ResponseWriter, _ recorded) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"object":"error","status":429,"code":"rate_limited","message":"slow down"}`)
			return
		}
		fmt.Fprintf(w, pageJSON, "p1", false)
	}
	if _, err := c.GetPage(context.Background(), "p1"); err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d", calls)
	}
}

func TestQueryPagesPaginatesAndCachesDataSource(t *testing.T) {
	f, c := newFakeNotion(t)
	f.routes["POST /v1/data_sources/ds1/query"] = func(w http.ResponseWriter, r recorded) {
		if r.Body["start_cursor"] == nil {
			fmt.Fprintf(w, `{"object":"list","results":[%s,%s],"has_more":true,"next_cursor":"c2"}`,
				fmt.Sprintf(pageJSON, "p1", false), fmt.Sprintf(pageJSON, "gone", true))
			return
		}
		fmt.Fprintf(w, `{"object":"list","results":[%s],"has_more":false,"next_cursor":null}`, fmt.Sprintf(pageJSON, "p2", false))
	}
	ctx := context.Background()

	q := store.Query{
		DatabaseID: "db1",
		Filter:     &store.Filter{Property: "Status", Type: store.PropStatus, Equals: "Pending"},
		Sorts:      []store.Sort{{Timestamp: store.CreatedTime, Direction: store.Ascending}},
	}
	pages, err := c.QueryPages(ctx, q)
	if err != nil {
		t.Fatalf("QueryPages: %v", err)
	}
	if len(pages) != 2 || pages[0].ID != "p1" || pages[1].ID != "p2" {
		t.Fatalf("pages = %+v", pages)
	}

	body := f.last(http.MethodPost, "/v1/data_sources/ds1/query").Body
	filter, _ := json.Marshal(body["filter"])
	if string(filter) != `{"property":"Status","status":{"equals":"Pending"}}` {
		t.Errorf("filter = %s", filter)
	}
	sorts, _ := json.Marshal(body["sorts"])
	if string(sorts) != `[{"direction":"ascending","timestamp":"created_time"}]` {
		t.Errorf("sorts = %s", sorts)
	}

	q.Limit = 1
	pages, err = c.QueryPages(ctx, q)
	if err != nil || len(pages) != 1 {
		t.Fatalf("limited query = %+v, %v", pages, err)
	}
	if got := f.last(http.MethodPost, "/v1/data_sources/ds1/query").Body["page_size"]; got != float64(1) {
		t.Errorf("page_size = %v", got)
	}
	if n := f.count(http.MethodGet, "/v1/databases/db1"); n != 1 {
		t.Errorf("database fetched %d times", n)
	}
}

func TestCreatePageAppendsNestedChildren(t *testing.T) {
	f, c := newFakeNotion(t)
	f.routes["POST /v1/pages"] = func(w http.ResponseWriter, _ recorded) {
		fmt.Fprintf(w, pageJSON, "new", false)
	}
	f.routes["PATCH /v1/blocks/new/children"] = f.echoChildren
	f.routes["PATCH /v1/blocks/blk-2/children"] = f.echoChildren
	f.routes["PATCH /v1/blocks/blk-3/children"] = f.echoChildren

	p, err := c.CreatePage(context.Background(), store.CreatePageRequest{
		DatabaseID: "db1",
		Properties: store.Properties{
			"Name":       store.Title("Fix login"),
			"Turn Count": store.Number(1),
		},
		Children: []store.Block{
			{Type: store.Paragraph, Text: "intro"},
			{Type: store.Toggle, Text: "💬 user", Children: []store.Block{
				{Type: store.Toggle, Text: "input", Children: []store.Block{{Type: store.Code, Text: "{}"}}},
			}},
		},
	})
	if err != nil {
		t.Fatalf("CreatePage: %v", err)
	}
	if p.ID != "new" || p.DatabaseID != "db1" {
		t.Errorf("page = %+v", p)
	}

	create := f.last(http.MethodPost, "/v1/pages").Body
	parent, _ := json.Marshal(create["parent"])
	if string(parent) != `{"data_source_id":"ds1","type":"data_source_id"}` {
		t.Errorf("parent = %s", parent)
	}
	if _, ok := create["children"]; ok {
		t.Error("children sent with the page")
	}
	title, _ := json.Marshal(create["properties"].(map[string]any)["Name"])
	if string(title) != `{"title":[{"text":{"content":"Fix login"},"type":"text"}]}` {
		t.Errorf("title = %s", title)
	}

	for _, path := range []string{"/v1/blocks/new/children", "/v1/blocks/blk-2/children", "/v1/blocks/blk-3/children"} {
		if f.count(http.MethodPatch, path) != 1 {
			t.Errorf("no append to %s", path)
		}
	}
	code := f.last(http.MethodPatch, "/v1/blocks/blk-3/children").Body["children"].([]any)[0].(map[string]any)
	if code["type"] != "code" || code["code"].(map[string]any)["language"] != "plain text" {
		t.Errorf("code block = %v", code)
	}
}

func TestListBlocksDecodesAndPaginates(t *testing.T) {
	f, c := newFakeNotion(t)
	f.routes["GET /v1/blocks/p1/children"] = func(w http.ResponseWriter, r recorded) {
		if !strings.Contains(r.Query, "start_cursor") {
			fmt.Fprint(w, `{"object":"list","has_more":true,"next_cursor":"n1","results":[
				{"object":"block","id":"b1","type":"to_do","has_children":false,"to_do":{"rich_text":[{"plain_text":"Ready"}],"checked":true,"color":"default"}},
				{"object":"block","id":"b2","type":"divider","has_children":false,"divider":{}}]}`)
			return
		}
		fmt.Fprint(w, `{"object":"list","has_more":false,"next_cursor":null,"results":[
			{"object":"block","id":"b3","type":"callout","has_children":true,"callout":{"rich_text":[{"plain_text":"note"}],"icon":{"type":"emoji","emoji":"📦"},"color":"gray_background"}}]}`)
	}

	blocks, err := c.ListBlocks(context.Background(), "p1")
	if err != nil {
		t.Fatalf("ListBlocks: %v", err)
	}
	want := []store.Block{
		{ID: "b1", Type: store.ToDo, Text: "Ready", Checked: true},
		{ID: "b2", Type: store.Divider},
		{ID: "b3", Type: store.Callout, Text: "note", Icon: "📦", Color: "gray_background", HasChildren: true},
	}
	if len(blocks) != len(want) {
		t.Fatalf("blocks = %+v", blocks)
	}
	for i := range want {
		if fmt.Sprint(blocks[i]) != fmt.Sprint(want[i]) {
			t.Errorf("block %d = %+v, want %+v", i, blocks[i], want[i])
		}
	}
}

func TestRichTextSplitsLongContent(t *testing.T) {
	rt := encodeRichText(strings.Repeat("é", maxRichText+5))
	if len(rt) != 2 || len([]rune(rt[1].Text.Content)) != 5 {
		t.Errorf("chunks = %d", len(rt))
	}
	if got := encodeRichText(""); got == nil || len(got) != 0 {
		t.Errorf("empty = %#v", got)
	}
}
