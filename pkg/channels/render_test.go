package channels

import (
	"strings"
	"testing"
)

func TestRenderTelegramHTML(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bold", "**hi**", "<b>hi</b>"},
		{"italic", "some _word_ here", "some <i>word</i> here"},
		{"header stripped", "# Title\nbody", "Title\nbody"},
		{"link", "[docs](https://example.com)", `<a href="https://example.com">docs</a>`},
		{"list bullet", "- item", "• item"},
		{"escapes html", "a < b & c > d", "a &lt; b &amp; c &gt; d"},
		{"inline code", "run `go build` now", "run <code>go build</code> now"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := renderTelegramHTML(tt.input); got != tt.want {
				t.Errorf("renderTelegramHTML(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRenderCodeBlockSurvivesMarkdown(t *testing.T) {
	input := "```go\nx := \"**not bold**\" < 1\n```"
	got := renderTelegramHTML(input)

	if !strings.Contains(got, "<pre><code>") {
		t.Fatalf("expected pre/code wrapper, got %q", got)
	}
	if !strings.Contains(got, "**not bold**") {
		t.Errorf("markdown inside code block must not be rewritten, got %q", got)
	}
	if !strings.Contains(got, "&lt; 1") {
		t.Errorf("code block content must be HTML-escaped, got %q", got)
	}
}

func TestSplitMessageShortTextUntouched(t *testing.T) {
	chunks := splitMessage("hello", 100)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Errorf("splitMessage() = %v", chunks)
	}
}

func TestSplitMessageClosesCodeFences(t *testing.T) {
	var b strings.Builder
	b.WriteString("```go\n")
	for i := 0; i < 50; i++ {
		b.WriteString(strings.Repeat("a", 40) + "\n")
	}
	b.WriteString("```")

	chunks := splitMessage(b.String(), 500)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	for i, chunk := range chunks {
		if strings.Count(chunk, "```")%2 != 0 {
			t.Errorf("chunk %d has an unbalanced code fence:\n%s", i, chunk)
		}
		if len(chunk) > 500 {
			t.Errorf("chunk %d exceeds limit: %d bytes", i, len(chunk))
		}
	}
}
