package marker

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateAndList(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "tickets"))

	if got, err := d.Active(); err != nil || len(got) != 0 {
		t.Fatalf("missing dir: %v, %v", got, err)
	}

	if err := d.Create("t-2", "page-2", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.Create("t-1", "page-1", "/tmp/conv.jsonl"); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := d.Active()
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(got) != 2 || got[0].TicketID != "t-1" || got[1].TicketID != "t-2" {
		t.Fatalf("active = %+v", got)
	}
	if got[0].PageID != "page-1" || got[0].ConversationPath != "/tmp/conv.jsonl" || got[0].Archived {
		t.Errorf("marker = %+v", got[0])
	}

	if m, ok := d.FindByPage("page-2"); !ok || m.TicketID != "t-2" {
		t.Errorf("FindByPage = %+v, %v", m, ok)
	}
	if _, ok := d.Get("t-3"); ok {
		t.Error("unknown ticket should not be found")
	}
}

func TestArchiveRestoreRemove(t *testing.T) {
	root := t.TempDir()
	d := New(root)
	d.Create("t-1", "page-1", "/conv")

	if err := d.Archive("t-1"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if active, _ := d.Active(); len(active) != 0 {
		t.Errorf("active after archive = %+v", active)
	}
	archived, _ := d.Archived()
	if len(archived) != 1 || !archived[0].Archived || archived[0].ConversationPath != "/conv" {
		t.Fatalf("archived = %+v", archived)
	}
	if _, err := os.Stat(filepath.Join(root, "archive", "t-1.page")); err != nil {
		t.Errorf("archived page file: %v", err)
	}

	if err := d.Restore("t-1"); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if m, ok := d.Get("t-1"); !ok || m.PageID != "page-1" {
		t.Errorf("restored = %+v, %v", m, ok)
	}

	d.Archive("t-1")
	if err := d.Remove("t-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if archived, _ := d.Archived(); len(archived) != 0 {
		t.Errorf("archived after remove = %+v", archived)
	}
}

func TestArchiveUnknown(t *testing.T) {
	d := New(t.TempDir())
	if err := d.Archive("nope"); err == nil {
		t.Error("expected error archiving unknown marker")
	}
}

func TestCreateRequiresIDs(t *testing.T) {
	d := New(t.TempDir())
	if err := d.Create("", "page", ""); err == nil {
		t.Error("expected error for empty ticket id")
	}
}
