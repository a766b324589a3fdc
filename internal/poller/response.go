package poller

import (
	"strings"

	"github.com/h1v3-io/babysitter/internal/store"
)

// ResponseMarker identifies the heading that opens a Human Response section.
const ResponseMarker = "Human Response"

type section struct {
	blocks []store.Block
}

// ExtractResponse reads the human's answer from a ticket's top-level blocks.
// Only the last Human Response section counts: earlier ones belong to turns
// that were already answered. A section runs from its heading to the next
// heading or divider. The answer is its paragraph text; ready is the checked
// flag of the first to-do in the section.
func ExtractResponse(blocks []store.Block) (answer string, ready bool) {
	var sections []section
	var current *section

	for _, b := range blocks {
		if b.Type == store.Heading3 && strings.Contains(b.Text, ResponseMarker) {
			if current != nil {
				sections = append(sections, *current)
			}
			current = &section{}
			continue
		}
		if current == nil {
			continue
		}
		if b.Type.IsHeading() || b.Type == store.Divider {
			sections = append(sections, *current)
			current = nil
			continue
		}
		current.blocks = append(current.blocks, b)
	}
	if current != nil {
		sections = append(sections, *current)
	}
	if len(sections) == 0 {
		return "", false
	}

	var lines []string
	for _, b := range sections[len(sections)-1].blocks {
		switch b.Type {
		case store.Paragraph:
			lines = append(lines, b.Text)
		case store.ToDo:
			return strings.TrimSpace(strings.Join(lines, "\n")), b.Checked
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), false
}
