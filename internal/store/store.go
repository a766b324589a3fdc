// Package store defines the document database contract the ticket workflow
// runs against: pages with typed properties, nested block children, and
// database queries. Backends live in this package (Memory, SQLiteStore) and
// in internal/notion.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

var (
	// ErrNotFound is returned when a page or block does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation is returned when a write is rejected by the store's schema,
	// for example an unknown status option or an over-long text value.
	ErrValidation = errors.New("validation failed")
)

// MaxTextLength is the longest text a single property or block may hold.
const MaxTextLength = 2000

// PropertyType is the type of a page property.
type PropertyType string

const (
	PropTitle    PropertyType = "title"
	PropStatus   PropertyType = "status"
	PropRichText PropertyType = "rich_text"
	PropNumber   PropertyType = "number"
)

// Property is a typed property value.
type Property struct {
	Type   PropertyType `json:"type"`
	Text   string       `json:"text,omitempty"`
	Number *float64     `json:"number,omitempty"`
}

func Title(s string) Property    { return Property{Type: PropTitle, Text: s} }
func Status(s string) Property   { return Property{Type: PropStatus, Text: s} }
func RichText(s string) Property { return Property{Type: PropRichText, Text: s} }

func Number(n float64) Property {
	return Property{Type: PropNumber, Number: &n}
}

// Properties maps property names to values.
type Properties map[string]Property

// Page is a database row.
type Page struct {
	ID             string     `json:"id"`
	DatabaseID     string     `json:"database_id,omitempty"`
	Properties     Properties `json:"properties"`
	Archived       bool       `json:"archived"`
	CreatedTime    time.Time  `json:"created_time"`
	LastEditedTime time.Time  `json:"last_edited_time"`
}

// Text returns the text of a title, status or rich_text property.
func (p *Page) Text(name string) string {
	return p.Properties[name].Text
}

// Number returns a number property and whether it is set.
func (p *Page) Number(name string) (float64, bool) {
	v := p.Properties[name].Number
	if v == nil {
		return 0, false
	}
	return *v, true
}

// BlockType is the type of a content block.
type BlockType string

const (
	Paragraph BlockType = "paragraph"
	Heading1  BlockType = "heading_1"
	Heading2  BlockType = "heading_2"
	Heading3  BlockType = "heading_3"
	Divider   BlockType = "divider"
	ToDo      BlockType = "to_do"
	Toggle    BlockType = "toggle"
	Callout   BlockType = "callout"
	Code      BlockType = "code"
	Bullet    BlockType = "bulleted_list_item"
)

// IsHeading reports whether t is any heading level.
func (t BlockType) IsHeading() bool {
	return t == Heading1 || t == Heading2 || t == Heading3
}

// Block is a content block. Children is only used when appending; blocks
// returned by ListBlocks report HasChildren and must be listed separately.
type Block struct {
	ID          string    `json:"id,omitempty"`
	Type        BlockType `json:"type"`
	Text        string    `json:"text,omitempty"`
	Checked     bool      `json:"checked,omitempty"`
	Icon        string    `json:"icon,omitempty"`
	Color       string    `json:"color,omitempty"`
	HasChildren bool      `json:"has_children,omitempty"`
	Children    []Block   `json:"children,omitempty"`
}

// Sort directions and timestamps.
const (
	Ascending  = "ascending"
	Descending = "descending"

	CreatedTime    = "created_time"
	LastEditedTime = "last_edited_time"
)

// Sort orders query results by a property or a page timestamp.
type Sort struct {
	Property  string
	Timestamp string
	Direction string
}

// Filter matches pages whose property text equals Equals.
type Filter struct {
	Property string
	Type     PropertyType
	Equals   string
}

// Query selects non-archived pages of a database.
type Query struct {
	DatabaseID string
	Filter     *Filter
	Sorts      []Sort
	Limit      int // 0 = no limit
}

// CreatePageRequest describes a new page.
type CreatePageRequest struct {
	DatabaseID string
	Properties Properties
	Children   []Block
}

// Client is the document database contract.
type Client interface {
	CreatePage(ctx context.Context, req CreatePageRequest) (*Page, error)
	GetPage(ctx context.Context, pageID string) (*Page, error)
	// UpdatePage merges props into the page's properties.
	UpdatePage(ctx context.Context, pageID string, props Properties) (*Page, error)
	SetArchived(ctx context.Context, pageID string, archived bool) error
	// QueryPages never returns archived pages.
	QueryPages(ctx context.Context, q Query) ([]*Page, error)
	// ListBlocks returns the direct children of a page or block, in order.
	ListBlocks(ctx context.Context, parentID string) ([]Block, error)
	// AppendBlocks appends blocks (with nested Children) after the parent's
	// existing children and returns the created top-level blocks.
	AppendBlocks(ctx context.Context, parentID string, blocks []Block) ([]Block, error)
	DeleteBlock(ctx context.Context, blockID string) error
}

// schema holds the write validation shared by the local backends.
type schema struct {
	statusOptions map[string]bool
}

// Option configures a local backend.
type Option func(*schema)

// WithStatusOptions restricts status properties to the given option names.
func WithStatusOptions(names ...string) Option {
	return func(s *schema) {
		s.statusOptions = make(map[string]bool, len(names))
		for _, n := range names {
			s.statusOptions[n] = true
		}
	}
}

func newSchema(opts []Option) schema {
	var s schema
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func (s schema) validateProperties(props Properties) error {
	for name, p := range props {
		switch p.Type {
		case PropTitle, PropRichText:
		case PropStatus:
			if s.statusOptions != nil && !s.statusOptions[p.Text] {
				return fmt.Errorf("%w: %q is not an option of status property %q", ErrValidation, p.Text, name)
			}
		case PropNumber:
			continue
		default:
			return fmt.Errorf("%w: property %q has unknown type %q", ErrValidation, name, p.Type)
		}
		if utf8.RuneCountInString(p.Text) > MaxTextLength {
			return fmt.Errorf("%w: property %q exceeds %d characters", ErrValidation, name, MaxTextLength)
		}
	}
	return nil
}

func (s schema) validateBlocks(blocks []Block) error {
	for _, b := range blocks {
		if b.Type == "" {
			return fmt.Errorf("%w: block type is required", ErrValidation)
		}
		if utf8.RuneCountInString(b.Text) > MaxTextLength {
			return fmt.Errorf("%w: %s block text exceeds %d characters", ErrValidation, b.Type, MaxTextLength)
		}
		if err := s.validateBlocks(b.Children); err != nil {
			return err
		}
	}
	return nil
}

func matches(p *Page, f *Filter) bool {
	if f == nil {
		return true
	}
	prop, ok := p.Properties[f.Property]
	if !ok {
		return f.Equals == ""
	}
	return prop.Text == f.Equals
}
