package telegram

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

// maxMessageLen is Telegram's limit for one message, in characters.
const maxMessageLen = 4096

var (
	inlineCodeRe = regexp.MustCompile("`([^`\n]+)`")
	boldRe       = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	linkRe       = regexp.MustCompile(`\[([^\]\n]+)\]\((https?://[^)\s]+)\)`)
	fenceRe      = regexp.MustCompile("(?s)```[^\n]*\n?(.*?)```")
)

// renderHTML converts the Markdown subset agents use in questions (code
// fences, inline code, bold and links) to Telegram HTML. Everything else is
// escaped verbatim.
func renderHTML(md string) string {
	var out strings.Builder
	var code []string
	open := false

	flush := func() {
		out.WriteString("<pre>")
		out.WriteString(html.EscapeString(strings.Join(code, "\n")))
		out.WriteString("</pre>")
		code = code[:0]
	}

	lines := strings.Split(md, "\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if open {
				flush()
			}
			open = !open
		} else if open {
			code = append(code, line)
			continue
		} else {
			out.WriteString(renderInline(line))
		}
		if i < len(lines)-1 && !open {
			out.WriteByte('\n')
		}
	}
	if open {
		flush()
	}
	return out.String()
}

// renderInline formats one line outside a code fence. Code spans are cut
// out first so their contents are never formatted.
func renderInline(line string) string {
	var out strings.Builder
	for {
		loc := inlineCodeRe.FindStringSubmatchIndex(line)
		if loc == nil {
			out.WriteString(formatText(line))
			return out.String()
		}
		out.WriteString(formatText(line[:loc[0]]))
		out.WriteString("<code>" + html.EscapeString(line[loc[2]:loc[3]]) + "</code>")
		line = line[loc[1]:]
	}
}

func formatText(s string) string {
	s = html.EscapeString(s)
	s = boldRe.ReplaceAllString(s, "<b>$1</b>")
	return linkRe.ReplaceAllString(s, `<a href="$2">$1</a>`)
}

// plainText strips the same Markdown subset, for chats that reject HTML.
func plainText(md string) string {
	s := fenceRe.ReplaceAllString(md, "$1")
	s = inlineCodeRe.ReplaceAllString(s, "$1")
	s = boldRe.ReplaceAllString(s, "$1")
	return linkRe.ReplaceAllString(s, "$1 ($2)")
}

// chunk splits text into pieces of at most limit characters, preferring
// line breaks as split points.
func chunk(text string, limit int) []string {
	var parts []string
	for utf8.RuneCountInString(text) > limit {
		cut := byteOffset(text, limit)
		if nl := strings.LastIndexByte(text[:cut], '\n'); nl > 0 {
			cut = nl + 1
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	if text != "" || len(parts) == 0 {
		parts = append(parts, text)
	}
	return parts
}

func byteOffset(s string, runes int) int {
	n := 0
	for i := range s {
		if n == runes {
			return i
		}
		n++
	}
	return len(s)
}
