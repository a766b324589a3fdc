package notion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/h1v3-io/babysitter/internal/store"
)

// maxRichText is the longest content of one rich text object.
const maxRichText = 2000

type richText struct {
	Type      string `json:"type,omitempty"`
	Text      *text  `json:"text,omitempty"`
	PlainText string `json:"plain_text,omitempty"`
}

type text struct {
	Content string `json:"content"`
}

func encodeRichText(s string) []richText {
	if s == "" {
		return []richText{}
	}
	var out []richText
	r := []rune(s)
	for len(r) > 0 {
		n := min(len(r), maxRichText)
		out = append(out, richText{Type: "text", Text: &text{Content: string(r[:n])}})
		r = r[n:]
	}
	return out
}

func plain(rt []richText) string {
	var b strings.Builder
	for _, t := range rt {
		if t.PlainText != "" {
			b.WriteString(t.PlainText)
		} else if t.Text != nil {
			b.WriteString(t.Text.Content)
		}
	}
	return b.String()
}

type wireProperty struct {
	Type     string     `json:"type"`
	Title    []richText `json:"title,omitempty"`
	RichText []richText `json:"rich_text,omitempty"`
	Status   *struct {
		Name string `json:"name"`
	} `json:"status,omitempty"`
	Select *struct {
		Name string `json:"name"`
	} `json:"select,omitempty"`
	Number *float64 `json:"number,omitempty"`
}

type wirePage struct {
	ID     string `json:"id"`
	Parent struct {
		Type         string `json:"type"`
		DatabaseID   string `json:"database_id"`
		DataSourceID string `json:"data_source_id"`
	} `json:"parent"`
	Properties     map[string]wireProperty `json:"properties"`
	Archived       bool                    `json:"archived"`
	InTrash        bool                    `json:"in_trash"`
	CreatedTime    time.Time               `json:"created_time"`
	LastEditedTime time.Time               `json:"last_edited_time"`
}

func (wp wirePage) toPage(databaseID string) *store.Page {
	if databaseID == "" {
		databaseID = wp.Parent.DatabaseID
	}
	p := &store.Page{
		ID:             wp.ID,
		DatabaseID:     databaseID,
		Properties:     make(store.Properties, len(wp.Properties)),
		Archived:       wp.Archived || wp.InTrash,
		CreatedTime:    wp.CreatedTime,
		LastEditedTime: wp.LastEditedTime,
	}
	for name, prop := range wp.Properties {
		switch prop.Type {
		case "title":
			p.Properties[name] = store.Title(plain(prop.Title))
		case "rich_text":
			p.Properties[name] = store.RichText(plain(prop.RichText))
		case "status":
			v := ""
			if prop.Status != nil {
				v = prop.Status.Name
			}
			p.Properties[name] = store.Status(v)
		case "select":
			v := ""
			if prop.Select != nil {
				v = prop.Select.Name
			}
			p.Properties[name] = store.Status(v)
		case "number":
			p.Properties[name] = store.Property{Type: store.PropNumber, Number: prop.Number}
		}
	}
	return p
}

func encodeProperties(props store.Properties) (map[string]any, error) {
	out := make(map[string]any, len(props))
	for name, p := range props {
		switch p.Type {
		case store.PropTitle:
			out[name] = map[string]any{"title": encodeRichText(p.Text)}
		case store.PropRichText:
			out[name] = map[string]any{"rich_text": encodeRichText(p.Text)}
		case store.PropStatus:
			out[name] = map[string]any{"status": map[string]string{"name": p.Text}}
		case store.PropNumber:
			out[name] = map[string]any{"number": p.Number}
		default:
			return nil, fmt.Errorf("notion: property %q has unknown type %q: %w", name, p.Type, store.ErrValidation)
		}
	}
	return out, nil
}

func encodeFilter(f *store.Filter) map[string]any {
	return map[string]any{
		"property":     f.Property,
		string(f.Type): map[string]string{"equals": f.Equals},
	}
}

type wireBlock struct {
	ID          string
	Type        string
	HasChildren bool
	Content     *wireContent
}

// UnmarshalJSON reads the type-keyed content object of a block.
func (wb *wireBlock) UnmarshalJSON(data []byte) error {
	var head struct {
		ID          string `json:"id"`
		Type        string `json:"type"`
		HasChildren bool   `json:"has_children"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	wb.ID, wb.Type, wb.HasChildren = head.ID, head.Type, head.HasChildren

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	if raw, ok := all[head.Type]; ok {
		var c wireContent
		if err := json.Unmarshal(raw, &c); err == nil {
			wb.Content = &c
		}
	}
	return nil
}

type wireContent struct {
	RichText []richText `json:"rich_text"`
	Checked  bool       `json:"checked"`
	Color    string     `json:"color"`
	Icon     *struct {
		Type  string `json:"type"`
		Emoji string `json:"emoji"`
	} `json:"icon"`
}

func (wb wireBlock) toBlock() store.Block {
	b := store.Block{ID: wb.ID, Type: store.BlockType(wb.Type), HasChildren: wb.HasChildren}
	c := wb.Content
	if c == nil {
		return b
	}
	b.Text = plain(c.RichText)
	b.Checked = c.Checked
	if c.Color != "" && c.Color != "default" {
		b.Color = c.Color
	}
	if c.Icon != nil {
		b.Icon = c.Icon.Emoji
	}
	return b
}

func encodeBlock(b store.Block) (map[string]any, error) {
	if b.Type == "" {
		return nil, fmt.Errorf("notion: block type is required: %w", store.ErrValidation)
	}
	content := map[string]any{}
	switch b.Type {
	case store.Divider:
	case store.ToDo:
		content["rich_text"] = encodeRichText(b.Text)
		content["checked"] = b.Checked
	case store.Callout:
		content["rich_text"] = encodeRichText(b.Text)
		if b.Icon != "" {
			content["icon"] = map[string]string{"type": "emoji", "emoji": b.Icon}
		}
		if b.Color != "" {
			content["color"] = b.Color
		}
	case store.Code:
		content["rich_text"] = encodeRichText(b.Text)
		content["language"] = "plain text"
	default:
		content["rich_text"] = encodeRichText(b.Text)
	}
	return map[string]any{
		"object":       "block",
		"type":         string(b.Type),
		string(b.Type): content,
	}, nil
}
