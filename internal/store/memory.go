package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Client. It is used by tests and by the daemon's
// "memory" backend for local experiments.
type Memory struct {
	mu       sync.Mutex
	schema   schema
	pages    map[string]*memPage
	blocks   map[string]*Block
	children map[string][]string // parent id → ordered child ids
	seq      int
	now      func() time.Time
}

type memPage struct {
	page Page
	seq  int
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...Option) *Memory {
	return &Memory{
		schema:   newSchema(opts),
		pages:    make(map[string]*memPage),
		blocks:   make(map[string]*Block),
		children: make(map[string][]string),
		now:      time.Now,
	}
}

func (m *Memory) CreatePage(_ context.Context, req CreatePageRequest) (*Page, error) {
	if err := m.schema.validateProperties(req.Properties); err != nil {
		return nil, err
	}
	if err := m.schema.validateBlocks(req.Children); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.seq++
	p := &memPage{
		page: Page{
			ID:             uuid.New().String(),
			DatabaseID:     req.DatabaseID,
			Properties:     copyProperties(req.Properties),
			CreatedTime:    now,
			LastEditedTime: now,
		},
		seq: m.seq,
	}
	m.pages[p.page.ID] = p
	m.appendLocked(p.page.ID, req.Children)

	out := p.page
	out.Properties = copyProperties(p.page.Properties)
	return &out, nil
}

func (m *Memory) GetPage(_ context.Context, pageID string) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pages[pageID]
	if !ok {
		return nil, fmt.Errorf("memory store: page %s: %w", pageID, ErrNotFound)
	}
	out := p.page
	out.Properties = copyProperties(p.page.Properties)
	return &out, nil
}

func (m *Memory) UpdatePage(_ context.Context, pageID string, props Properties) (*Page, error) {
	if err := m.schema.validateProperties(props); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pages[pageID]
	if !ok {
		return nil, fmt.Errorf("memory store: page %s: %w", pageID, ErrNotFound)
	}
	if p.page.Properties == nil {
		p.page.Properties = make(Properties)
	}
	for k, v := range props {
		p.page.Properties[k] = v
	}
	p.page.LastEditedTime = m.now()

	out := p.page
	out.Properties = copyProperties(p.page.Properties)
	return &out, nil
}

func (m *Memory) SetArchived(_ context.Context, pageID string, archived bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pages[pageID]
	if !ok {
		return fmt.Errorf("memory store: page %s: %w", pageID, ErrNotFound)
	}
	p.page.Archived = archived
	p.page.LastEditedTime = m.now()
	return nil
}

func (m *Memory) QueryPages(_ context.Context, q Query) ([]*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rows []*memPage
	for _, p := range m.pages {
		if p.page.Archived || p.page.DatabaseID != q.DatabaseID {
			continue
		}
		if !matches(&p.page, q.Filter) {
			continue
		}
		rows = append(rows, p)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		for _, s := range q.Sorts {
			a, b := sortKey(&rows[i].page, s), sortKey(&rows[j].page, s)
			if a == b {
				continue
			}
			if s.Direction == Descending {
				return a > b
			}
			return a < b
		}
		if len(q.Sorts) > 0 && q.Sorts[0].Direction == Descending {
			return rows[i].seq > rows[j].seq
		}
		return rows[i].seq < rows[j].seq
	})

	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}

	out := make([]*Page, 0, len(rows))
	for _, r := range rows {
		p := r.page
		p.Properties = copyProperties(r.page.Properties)
		out = append(out, &p)
	}
	return out, nil
}

func (m *Memory) ListBlocks(_ context.Context, parentID string) ([]Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pages[parentID]; !ok {
		if _, ok := m.blocks[parentID]; !ok {
			return nil, fmt.Errorf("memory store: parent %s: %w", parentID, ErrNotFound)
		}
	}

	ids := m.children[parentID]
	out := make([]Block, 0, len(ids))
	for _, id := range ids {
		b := *m.blocks[id]
		b.HasChildren = len(m.children[id]) > 0
		out = append(out, b)
	}
	return out, nil
}

func (m *Memory) AppendBlocks(_ context.Context, parentID string, blocks []Block) ([]Block, error) {
	if err := m.schema.validateBlocks(blocks); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pages[parentID]; !ok {
		if _, ok := m.blocks[parentID]; !ok {
			return nil, fmt.Errorf("memory store: parent %s: %w", parentID, ErrNotFound)
		}
	}
	return m.appendLocked(parentID, blocks), nil
}

func (m *Memory) appendLocked(parentID string, blocks []Block) []Block {
	created := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		children := b.Children
		b.ID = uuid.New().String()
		b.Children = nil
		b.HasChildren = len(children) > 0
		stored := b
		m.blocks[b.ID] = &stored
		m.children[parentID] = append(m.children[parentID], b.ID)
		m.appendLocked(b.ID, children)
		created = append(created, b)
	}
	return created
}

func (m *Memory) DeleteBlock(_ context.Context, blockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.blocks[blockID]; !ok {
		return fmt.Errorf("memory store: block %s: %w", blockID, ErrNotFound)
	}
	for parent, ids := range m.children {
		for i, id := range ids {
			if id == blockID {
				m.children[parent] = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
	}
	m.deleteTreeLocked(blockID)
	return nil
}

func (m *Memory) deleteTreeLocked(id string) {
	for _, child := range m.children[id] {
		m.deleteTreeLocked(child)
	}
	delete(m.children, id)
	delete(m.blocks, id)
}

func sortKey(p *Page, s Sort) string {
	switch s.Timestamp {
	case CreatedTime:
		return p.CreatedTime.UTC().Format(timeFormat)
	case LastEditedTime:
		return p.LastEditedTime.UTC().Format(timeFormat)
	}
	prop := p.Properties[s.Property]
	if prop.Number != nil {
		return fmt.Sprintf("%020.6f", *prop.Number)
	}
	return prop.Text
}

func copyProperties(in Properties) Properties {
	out := make(Properties, len(in))
	for k, v := range in {
		if v.Number != nil {
			n := *v.Number
			v.Number = &n
		}
		out[k] = v
	}
	return out
}
