package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestRenderHTML(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"bold", "Use **Postgres** or not?", "Use <b>Postgres</b> or not?"},
		{"inline code", "Run `go test ./...` first?", "Run <code>go test ./...</code> first?"},
		{"code is not formatted", "`**raw**` stays", "<code>**raw**</code> stays"},
		{"link", "See [PR 12](https://example.com/pr/12)", `See <a href="https://example.com/pr/12">PR 12</a>`},
		{"escaping", "Is a < b && c > d?", "Is a &lt; b &amp;&amp; c &gt; d?"},
		{"non http link left alone", "[x](javascript:alert(1))", "[x](javascript:alert(1))"},
		{"fence", "Pick one:\n```go\nif a < b {}\n```\nthanks", "Pick one:\n<pre>if a &lt; b {}</pre>\nthanks"},
		{"unclosed fence", "```\nline 1\nline 2", "<pre>line 1\nline 2</pre>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := renderHTML(tt.in); got != tt.want {
				t.Errorf("renderHTML(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPlainText(t *testing.T) {
	in := "Deploy **now**? See [runbook](https://example.com/rb) and run `make deploy`:\n```sh\nmake deploy\n```"
	want := "Deploy now? See runbook (https://example.com/rb) and run make deploy:\nmake deploy\n"
	if got := plainText(in); got != want {
		t.Errorf("plainText = %q, want %q", got, want)
	}
}

func TestChunk(t *testing.T) {
	t.Run("short", func(t *testing.T) {
		if got := chunk("hello", 10); len(got) != 1 || got[0] != "hello" {
			t.Errorf("chunk = %q", got)
		}
	})
	t.Run("splits at newline", func(t *testing.T) {
		got := chunk("aaaa\nbbbb\ncccc", 11)
		if len(got) != 2 || got[0] != "aaaa\nbbbb\n" || got[1] != "cccc" {
			t.Errorf("chunk = %q", got)
		}
	})
	t.Run("hard split counts runes", func(t *testing.T) {
		got := chunk(strings.Repeat("é", 25), 10)
		if len(got) != 3 {
			t.Fatalf("chunk = %q", got)
		}
		for _, p := range got {
			if !utf8.ValidString(p) || utf8.RuneCountInString(p) > 10 {
				t.Errorf("bad part %q", p)
			}
		}
		if strings.Join(got, "") != strings.Repeat("é", 25) {
			t.Error("parts do not reassemble")
		}
	})
}
