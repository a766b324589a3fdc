package slackconn

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/slack-go/slack"
)

// maxSectionText is the Block Kit limit for a section's text.
const maxSectionText = 3000

var (
	boldRe   = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	strikeRe = regexp.MustCompile(`~~([^~\n]+)~~`)
	linkRe   = regexp.MustCompile(`\[([^\]\n]+)\]\(([^)\s]+)\)`)
)

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// toMrkdwn converts the Markdown agents write to Slack mrkdwn. Code spans
// and fences are only escaped; text outside them has bold, strikethrough
// and links rewritten.
func toMrkdwn(md string) string {
	var out strings.Builder
	for i, seg := range splitCode(md) {
		if i%2 == 1 {
			out.WriteString(escaper.Replace(seg))
			continue
		}
		out.WriteString(formatSegment(seg))
	}
	return out.String()
}

// splitCode cuts s at backtick runs. Even-indexed parts are prose and
// odd-indexed parts are code, delimiters included. An unclosed run is prose.
func splitCode(s string) []string {
	var parts []string
	for {
		start := strings.IndexByte(s, '`')
		if start < 0 {
			break
		}
		delim := "`"
		if strings.HasPrefix(s[start:], "```") {
			delim = "```"
		}
		end := strings.Index(s[start+len(delim):], delim)
		if end < 0 {
			break
		}
		end += start + 2*len(delim)
		parts = append(parts, s[:start], s[start:end])
		s = s[end:]
	}
	return append(parts, s)
}

func formatSegment(s string) string {
	// Links are pulled out before escaping so their URLs stay intact.
	var out strings.Builder
	for {
		loc := linkRe.FindStringSubmatchIndex(s)
		if loc == nil {
			out.WriteString(emphasis(escaper.Replace(s)))
			return out.String()
		}
		out.WriteString(emphasis(escaper.Replace(s[:loc[0]])))
		out.WriteString("<" + s[loc[4]:loc[5]] + "|" + escaper.Replace(s[loc[2]:loc[3]]) + ">")
		s = s[loc[1]:]
	}
}

func emphasis(s string) string {
	s = boldRe.ReplaceAllString(s, "*$1*")
	return strikeRe.ReplaceAllString(s, "~$1~")
}

// messageBlocks lays text out as section blocks within the Block Kit size
// limit.
func messageBlocks(text string) []slack.Block {
	var blocks []slack.Block
	for len(text) > 0 {
		part := text
		if len(part) > maxSectionText {
			cut := strings.LastIndexByte(part[:maxSectionText], '\n')
			if cut <= 0 {
				cut = maxSectionText
				for cut > 0 && !utf8.RuneStart(part[cut]) {
					cut--
				}
			}
			part = part[:cut]
		}
		blocks = append(blocks, slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, part, false, false), nil, nil))
		text = strings.TrimPrefix(text[len(part):], "\n")
	}
	return blocks
}

// stripMention removes mentions of the bot.
func stripMention(text, botID string) string {
	if botID != "" {
		text = strings.ReplaceAll(text, "<@"+botID+">", "")
	}
	return strings.TrimSpace(text)
}
