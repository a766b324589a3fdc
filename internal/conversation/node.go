package conversation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/h1v3-io/babysitter/internal/store"
)

const (
	// MaxTextLength is the longest text written into a single block.
	MaxTextLength = 1900
	// MaxDepth bounds container nesting below a message container. Deeper
	// values are written as one JSON text leaf.
	MaxDepth = 4

	maxDecodeDepth = 32
)

// Node is a value in the block tree: a Leaf, a List or a Map.
type Node interface {
	node()
}

// Leaf is a scalar stored as text.
type Leaf string

// List is an ordered sequence, stored as children labeled [0], [1], ...
type List []Node

// Map is an ordered sequence of labeled entries.
type Map []Entry

// Entry is one labeled member of a Map.
type Entry struct {
	Key   string
	Value Node
}

func (Leaf) node() {}
func (List) node() {}
func (Map) node()  {}

// ToNode converts a decoded JSON value into a Node tree. Empty containers and
// containers nested deeper than MaxDepth collapse into a JSON Leaf.
func ToNode(v any) Node {
	return toNode(normalize(v), 1)
}

func toNode(v any, depth int) Node {
	switch x := v.(type) {
	case map[string]any:
		if depth > MaxDepth || len(x) == 0 {
			return Leaf(flatten(x))
		}
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := make(Map, 0, len(keys))
		for _, k := range keys {
			m = append(m, Entry{Key: k, Value: toNode(x[k], depth+1)})
		}
		return m
	case []any:
		if depth > MaxDepth || len(x) == 0 {
			return Leaf(flatten(x))
		}
		l := make(List, 0, len(x))
		for _, item := range x {
			l = append(l, toNode(item, depth+1))
		}
		return l
	default:
		switch n := normalize(x).(type) {
		case map[string]any, []any:
			return toNode(n, depth)
		}
		return Leaf(scalarText(x))
	}
}

// FromNode converts a Node tree back into JSON-shaped Go values.
func FromNode(n Node) any {
	switch x := n.(type) {
	case Leaf:
		return parseLeaf(string(x))
	case List:
		out := make([]any, 0, len(x))
		for _, item := range x {
			out = append(out, FromNode(item))
		}
		return out
	case Map:
		out := make(map[string]any, len(x))
		for _, e := range x {
			out[e.Key] = FromNode(e.Value)
		}
		return out
	}
	return nil
}

// entryBlock renders one labeled node: a paragraph "key: value" for leaves,
// a toggle labeled key for containers.
func entryBlock(key string, n Node) store.Block {
	switch x := n.(type) {
	case List:
		children := make([]store.Block, 0, len(x))
		for i, item := range x {
			children = append(children, entryBlock(indexLabel(i), item))
		}
		return store.Block{Type: store.Toggle, Text: truncate(key), Children: children}
	case Map:
		children := make([]store.Block, 0, len(x))
		for _, e := range x {
			children = append(children, entryBlock(e.Key, e.Value))
		}
		return store.Block{Type: store.Toggle, Text: truncate(key), Children: children}
	case Leaf:
		return store.Block{Type: store.Paragraph, Text: truncate(key + ": " + string(x))}
	}
	return store.Block{Type: store.Paragraph, Text: truncate(key + ": null")}
}

var indexMarker = regexp.MustCompile(`^\[\d+\]$`)

func indexLabel(i int) string { return fmt.Sprintf("[%d]", i) }

// isIndexList decides whether a container's children form a list: every
// label must be an index marker like "[3]". A map whose keys all look like
// "[n]" is therefore read back as a list, and an empty container is read as
// an empty list.
func isIndexList(labels []string) bool {
	for _, l := range labels {
		if !indexMarker.MatchString(l) {
			return false
		}
	}
	return true
}

// splitLeaf splits "key: value" at the first separator.
func splitLeaf(text string) (key, value string) {
	if k, v, ok := strings.Cut(text, ": "); ok {
		return k, v
	}
	if k, ok := strings.CutSuffix(text, ":"); ok {
		return k, ""
	}
	return text, ""
}

// scalarText renders a scalar. Strings that would parse as JSON are quoted
// so they decode back as strings.
func scalarText(v any) string {
	if s, ok := v.(string); ok {
		if strings.TrimSpace(s) != "" && json.Valid([]byte(s)) {
			b, _ := json.Marshal(s)
			return string(b)
		}
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// parseLeaf reads a leaf as JSON, falling back to the raw text.
func parseLeaf(text string) any {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v
	}
	return text
}

func flatten(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// normalize turns arbitrary Go values (structs, typed maps and slices) into
// the generic shapes produced by encoding/json.
func normalize(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, map[string]any, []any:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return string(b)
	}
	return out
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= MaxTextLength {
		return s
	}
	r := []rune(s)
	return string(r[:MaxTextLength])
}
