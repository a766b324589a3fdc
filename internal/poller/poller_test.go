package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/h1v3-io/babysitter/internal/marker"
	"github.com/h1v3-io/babysitter/internal/runtime"
	"github.com/h1v3-io/babysitter/internal/store"
	"github.com/h1v3-io/babysitter/internal/ticket"
	"github.com/h1v3-io/babysitter/pkg/protocol"
)

// fakeAgent records resume calls. onResume runs inside Resume to simulate
// what the agent does to the ticket while it is running.
type fakeAgent struct {
	mu       sync.Mutex
	calls    []runtime.Invocation
	err      error
	onResume func(inv runtime.Invocation)
}

func (f *fakeAgent) Resume(_ context.Context, inv runtime.Invocation) error {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	f.mu.Unlock()
	if f.onResume != nil {
		f.onResume(inv)
	}
	return f.err
}

type fixture struct {
	repo    *ticket.Repository
	mem     *store.Memory
	markers *marker.Dir
	agent   *fakeAgent
	poller  *Poller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var opts []string
	for _, s := range protocol.Statuses {
		opts = append(opts, string(s))
	}
	mem := store.NewMemory(store.WithStatusOptions(opts...))
	f := &fixture{
		mem:     mem,
		repo:    ticket.NewRepository(mem, nil, "tickets", nil),
		markers: marker.New(t.TempDir()),
		agent:   &fakeAgent{},
	}
	f.poller = New(f.repo, f.markers, f.agent, nil, nil)
	f.poller.SettleDelay = 0
	return f
}

// tracked creates a ticket with a local marker. When answer is non-empty
// the ticket gets a question turn whose response section holds it.
func (f *fixture) tracked(t *testing.T, id string, status protocol.TicketStatus, answer string, checked bool) string {
	t.Helper()
	ctx := context.Background()
	tk, err := f.repo.Create(ctx, ticket.NewTicket{Name: id, TicketID: id, SessionID: "sess-" + id, TurnCount: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	blocks := ticket.TurnBlocks(1, "Which branch?")
	blocks[4].Text = answer
	blocks[5].Checked = checked
	if _, err := f.mem.AppendBlocks(ctx, tk.PageID, blocks); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := f.repo.UpdateStatus(ctx, tk.PageID, status); err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := f.markers.Create(id, tk.PageID, ""); err != nil {
		t.Fatalf("marker: %v", err)
	}
	return tk.PageID
}

func (f *fixture) status(t *testing.T, pageID string) protocol.TicketStatus {
	t.Helper()
	tk, err := f.repo.Get(context.Background(), pageID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return tk.Status
}

func TestResumeWithAutoContinuation(t *testing.T) {
	f := newFixture(t)
	page := f.tracked(t, "T2", protocol.StatusAwaitingInput, "go ahead", true)

	var during protocol.TicketStatus
	f.agent.onResume = func(runtime.Invocation) { during = f.status(t, page) }

	report, err := f.poller.Pass(context.Background())
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if len(f.agent.calls) != 1 {
		t.Fatalf("calls = %+v", f.agent.calls)
	}
	inv := f.agent.calls[0]
	if inv.SessionID != "sess-T2" || inv.Prompt != "go ahead" || inv.TicketID != "T2" || inv.PageID != page {
		t.Errorf("invocation = %+v", inv)
	}
	if during != protocol.StatusWorking {
		t.Errorf("status during resume = %q", during)
	}
	if got := f.status(t, page); got != protocol.StatusAwaitingInput {
		t.Errorf("status after = %q", got)
	}
	if len(report.Resumed) != 1 || len(report.Continued) != 1 {
		t.Errorf("report = %+v", report)
	}

	tk, _ := f.repo.Get(context.Background(), page)
	if tk.TurnCount != 2 {
		t.Errorf("turn count = %d, want 2", tk.TurnCount)
	}
	blocks, _ := f.repo.Blocks(context.Background(), page)
	if answer, ready := ExtractResponse(blocks); answer != "" || ready {
		t.Errorf("new section should be empty, got %q %v", answer, ready)
	}

	// The consumed answer must not trigger a second resume.
	f.poller.Pass(context.Background())
	if len(f.agent.calls) != 1 {
		t.Errorf("resumed again: %d calls", len(f.agent.calls))
	}
}

func TestResumeAgentAskedAgain(t *testing.T) {
	f := newFixture(t)
	page := f.tracked(t, "T2", protocol.StatusAwaitingInput, "go ahead", true)
	f.agent.onResume = func(runtime.Invocation) {
		f.repo.Ask(context.Background(), page, "Anything else?")
	}

	report, _ := f.poller.Pass(context.Background())
	if len(report.Continued) != 0 {
		t.Errorf("continuation added after an explicit question: %+v", report)
	}
	tk, _ := f.repo.Get(context.Background(), page)
	if tk.Status != protocol.StatusAwaitingInput || tk.TurnCount != 2 {
		t.Errorf("ticket = %+v", tk)
	}
}

func TestUncheckedAnswerIsNotResumed(t *testing.T) {
	f := newFixture(t)
	page := f.tracked(t, "T3", protocol.StatusAwaitingInput, "half typed", false)

	report, _ := f.poller.Pass(context.Background())
	if len(f.agent.calls) != 0 {
		t.Errorf("resumed unchecked ticket")
	}
	if got := f.status(t, page); got != protocol.StatusAwaitingInput {
		t.Errorf("status = %q", got)
	}
	if report.Skipped != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestCheckedEmptyAnswerIsNotResumed(t *testing.T) {
	f := newFixture(t)
	f.tracked(t, "T", protocol.StatusAwaitingInput, "   ", true)
	f.poller.Pass(context.Background())
	if len(f.agent.calls) != 0 {
		t.Error("resumed without an answer")
	}
}

func TestResumeFailureMarksError(t *testing.T) {
	f := newFixture(t)
	page := f.tracked(t, "T4", protocol.StatusAwaitingInput, "go", true)
	f.agent.err = &runtime.ExitError{Code: 1}

	report, _ := f.poller.Pass(context.Background())
	if got := f.status(t, page); got != protocol.StatusError {
		t.Fatalf("status = %q", got)
	}
	if len(report.Failed) != 1 || len(report.Resumed) != 0 {
		t.Errorf("report = %+v", report)
	}

	report, _ = f.poller.Pass(context.Background())
	if len(f.agent.calls) != 1 {
		t.Errorf("error ticket was retried")
	}
	if got := f.status(t, page); got != protocol.StatusError {
		t.Errorf("status after second pass = %q", got)
	}
	if _, ok := f.markers.Get("T4"); !ok {
		t.Error("error ticket marker should stay active")
	}
}

func TestCanceledResumeStaysResumable(t *testing.T) {
	f := newFixture(t)
	page := f.tracked(t, "T9", protocol.StatusAwaitingInput, "go", true)
	agent := runtime.New(runtime.Config{
		Command:   []string{"/bin/sh", "-c", "sleep 5 & wait", "agent"},
		WaitDelay: 200 * time.Millisecond,
	}, nil)
	f.poller = New(f.repo, f.markers, agent, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	report, err := f.poller.Pass(ctx)
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("pass took %v after cancel", elapsed)
	}
	if len(report.Failed) != 0 || len(report.Interrupted) != 1 {
		t.Errorf("report = %+v", report)
	}
	if got := f.status(t, page); got != protocol.StatusAwaitingInput {
		t.Fatalf("status = %q, want %q", got, protocol.StatusAwaitingInput)
	}

	f.poller = New(f.repo, f.markers, f.agent, nil, nil)
	f.poller.SettleDelay = 0
	report, _ = f.poller.Pass(context.Background())
	if len(f.agent.calls) != 1 || len(report.Resumed) != 1 {
		t.Errorf("interrupted ticket not resumed on the next pass: %+v", report)
	}
}

func TestArchivedPageArchivesMarker(t *testing.T) {
	f := newFixture(t)
	page := f.tracked(t, "T5", protocol.StatusAwaitingInput, "go", true)
	f.repo.SetArchived(context.Background(), page, true)

	report, _ := f.poller.Pass(context.Background())
	if len(f.agent.calls) != 0 {
		t.Error("archived page was resumed")
	}
	if _, ok := f.markers.Get("T5"); ok {
		t.Error("marker still active")
	}
	if archived, _ := f.markers.Archived(); len(archived) != 1 {
		t.Errorf("archived markers = %+v", archived)
	}
	if len(report.Archived) != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestMissingPageArchivesMarker(t *testing.T) {
	f := newFixture(t)
	f.markers.Create("ghost", "no-such-page", "")

	f.poller.Pass(context.Background())
	if _, ok := f.markers.Get("ghost"); ok {
		t.Error("stale marker still active")
	}
}

func TestDoneTicketIsArchivedWithNotice(t *testing.T) {
	f := newFixture(t)
	page := f.tracked(t, "D", protocol.StatusDone, "go", true)

	f.poller.Pass(context.Background())
	if len(f.agent.calls) != 0 {
		t.Error("done ticket was resumed")
	}
	if got := f.status(t, page); got != protocol.StatusDone {
		t.Errorf("status = %q", got)
	}
	blocks, _ := f.repo.Blocks(context.Background(), page)
	last := blocks[len(blocks)-1]
	if last.Type != store.Callout || last.Icon != "📦" {
		t.Errorf("last block = %+v", last)
	}
	if _, ok := f.markers.Get("D"); ok {
		t.Error("marker still active")
	}
}

func TestNotReadyAndSessionlessSkipped(t *testing.T) {
	f := newFixture(t)
	f.tracked(t, "W", protocol.StatusWorking, "go", true)
	f.tracked(t, "P", protocol.StatusPending, "go", true)

	ctx := context.Background()
	tk, _ := f.repo.Create(ctx, ticket.NewTicket{Name: "nosess", TicketID: "N", Status: protocol.StatusAwaitingInput})
	blocks := ticket.TurnBlocks(1, "q")
	blocks[4].Text, blocks[5].Checked = "answer", true
	f.mem.AppendBlocks(ctx, tk.PageID, blocks)
	f.markers.Create("N", tk.PageID, "")

	report, _ := f.poller.Pass(ctx)
	if len(f.agent.calls) != 0 {
		t.Errorf("calls = %+v", f.agent.calls)
	}
	if report.Skipped != 3 {
		t.Errorf("skipped = %d", report.Skipped)
	}
}

func TestPlanningTicketIsResumable(t *testing.T) {
	f := newFixture(t)
	f.tracked(t, "PL", protocol.StatusPlanning, "start", true)
	f.poller.Pass(context.Background())
	if len(f.agent.calls) != 1 {
		t.Errorf("calls = %d", len(f.agent.calls))
	}
}

func TestResuscitation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	page := f.tracked(t, "R", protocol.StatusDone, "", false)

	f.poller.Pass(ctx)
	if _, ok := f.markers.Get("R"); ok {
		t.Fatal("done ticket should be archived")
	}

	// A second pass with the ticket still Done leaves it archived.
	report, _ := f.poller.Pass(ctx)
	if len(report.Resuscitated) != 0 {
		t.Fatalf("report = %+v", report)
	}

	f.repo.UpdateStatus(ctx, page, protocol.StatusAwaitingInput)
	report, _ = f.poller.Pass(ctx)
	if len(report.Resuscitated) != 1 {
		t.Fatalf("report = %+v", report)
	}
	if _, ok := f.markers.Get("R"); !ok {
		t.Error("marker not restored")
	}
	blocks, _ := f.repo.Blocks(ctx, page)
	last := blocks[len(blocks)-1]
	if last.Icon != "♻️" || last.Color != "green_background" {
		t.Errorf("last block = %+v", last)
	}
}

func TestArchivedMarkerGarbageCollection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// With an empty database nothing is removed.
	f.markers.Create("orphan", "gone-page", "")
	f.markers.Archive("orphan")
	f.poller.Pass(ctx)
	if archived, _ := f.markers.Archived(); len(archived) != 1 {
		t.Fatalf("orphan removed against an empty snapshot: %+v", archived)
	}

	f.repo.Create(ctx, ticket.NewTicket{Name: "other"})
	report, _ := f.poller.Pass(ctx)
	if archived, _ := f.markers.Archived(); len(archived) != 0 {
		t.Errorf("orphan not removed: %+v", archived)
	}
	if len(report.Removed) != 1 || report.Removed[0] != "orphan" {
		t.Errorf("report = %+v", report)
	}
}

func TestPassIsExclusive(t *testing.T) {
	f := newFixture(t)
	f.tracked(t, "X", protocol.StatusAwaitingInput, "go", true)

	started := make(chan struct{})
	release := make(chan struct{})
	f.agent.onResume = func(runtime.Invocation) {
		close(started)
		<-release
	}

	done := make(chan struct{})
	go func() {
		f.poller.Pass(context.Background())
		close(done)
	}()
	<-started
	if _, err := f.poller.Pass(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent pass = %v, want ErrBusy", err)
	}
	close(release)
	<-done
}
