// Package marker tracks the tickets this machine is driving. Each active
// ticket has two files in the marker directory: <ticket>.page holds the
// store page id and <ticket>.conversation holds the path of the agent's own
// transcript. Finished or stale tickets move to the archive/ subdirectory.
package marker

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	pageExt         = ".page"
	conversationExt = ".conversation"
	archiveDir      = "archive"
)

// Marker points at one tracked ticket.
type Marker struct {
	TicketID         string
	PageID           string
	ConversationPath string
	Archived         bool
}

// Dir is a marker directory.
type Dir struct {
	root string
}

// New returns the marker directory at root. It is created on first write.
func New(root string) *Dir {
	return &Dir{root: root}
}

// Root returns the directory path.
func (d *Dir) Root() string { return d.root }

// Create writes the marker files for a ticket. conversationPath may be empty.
func (d *Dir) Create(ticketID, pageID, conversationPath string) error {
	if ticketID == "" || pageID == "" {
		return fmt.Errorf("marker: ticket id and page id are required")
	}
	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return fmt.Errorf("marker: create dir: %w", err)
	}
	if err := os.WriteFile(d.path(false, ticketID, pageExt), []byte(pageID), 0o644); err != nil {
		return fmt.Errorf("marker: write page: %w", err)
	}
	if conversationPath != "" {
		if err := os.WriteFile(d.path(false, ticketID, conversationExt), []byte(conversationPath), 0o644); err != nil {
			return fmt.Errorf("marker: write conversation: %w", err)
		}
	}
	return nil
}

// Active lists markers in the marker directory.
func (d *Dir) Active() ([]Marker, error) {
	return d.list(false)
}

// Archived lists markers in the archive subdirectory.
func (d *Dir) Archived() ([]Marker, error) {
	return d.list(true)
}

// Get returns the active marker of a ticket.
func (d *Dir) Get(ticketID string) (Marker, bool) {
	m, err := d.read(false, ticketID)
	if err != nil {
		return Marker{}, false
	}
	return m, true
}

// FindByPage returns the active marker pointing at pageID.
func (d *Dir) FindByPage(pageID string) (Marker, bool) {
	markers, err := d.Active()
	if err != nil {
		return Marker{}, false
	}
	for _, m := range markers {
		if m.PageID == pageID {
			return m, true
		}
	}
	return Marker{}, false
}

// Archive moves a ticket's marker files into the archive subdirectory.
func (d *Dir) Archive(ticketID string) error {
	if err := os.MkdirAll(filepath.Join(d.root, archiveDir), 0o755); err != nil {
		return fmt.Errorf("marker: create archive dir: %w", err)
	}
	return d.move(ticketID, false)
}

// Restore moves a ticket's marker files back out of the archive.
func (d *Dir) Restore(ticketID string) error {
	return d.move(ticketID, true)
}

// Remove deletes a ticket's marker files, active or archived.
func (d *Dir) Remove(ticketID string) error {
	var errs []error
	for _, archived := range []bool{false, true} {
		for _, ext := range []string{pageExt, conversationExt} {
			if err := os.Remove(d.path(archived, ticketID, ext)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("marker: remove %s: %w", ticketID, err)
	}
	return nil
}

func (d *Dir) move(ticketID string, fromArchive bool) error {
	src := d.path(fromArchive, ticketID, pageExt)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("marker: %s: %w", ticketID, err)
	}
	for _, ext := range []string{pageExt, conversationExt} {
		from := d.path(fromArchive, ticketID, ext)
		to := d.path(!fromArchive, ticketID, ext)
		if err := os.Rename(from, to); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("marker: move %s: %w", filepath.Base(from), err)
		}
	}
	return nil
}

func (d *Dir) list(archived bool) ([]Marker, error) {
	dir := d.dirFor(archived)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("marker: list %s: %w", dir, err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), pageExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), pageExt))
	}
	sort.Strings(ids)

	markers := make([]Marker, 0, len(ids))
	for _, id := range ids {
		m, err := d.read(archived, id)
		if err != nil {
			return nil, err
		}
		markers = append(markers, m)
	}
	return markers, nil
}

func (d *Dir) read(archived bool, ticketID string) (Marker, error) {
	page, err := os.ReadFile(d.path(archived, ticketID, pageExt))
	if err != nil {
		return Marker{}, fmt.Errorf("marker: read %s: %w", ticketID, err)
	}
	m := Marker{
		TicketID: ticketID,
		PageID:   strings.TrimSpace(string(page)),
		Archived: archived,
	}
	if conv, err := os.ReadFile(d.path(archived, ticketID, conversationExt)); err == nil {
		m.ConversationPath = strings.TrimSpace(string(conv))
	}
	return m, nil
}

func (d *Dir) dirFor(archived bool) string {
	if archived {
		return filepath.Join(d.root, archiveDir)
	}
	return d.root
}

func (d *Dir) path(archived bool, ticketID, ext string) string {
	return filepath.Join(d.dirFor(archived), ticketID+ext)
}
