package channels

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	reHeaders    = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	reBlockquote = regexp.MustCompile(`(?m)^>\s*(.*)$`)
	reLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	reBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reBoldUnder  = regexp.MustCompile(`__(.+?)__`)
	reItalic     = regexp.MustCompile(`\b_([^_]+)_\b`)
	reStrike     = regexp.MustCompile(`~~(.+?)~~`)
	reListItem   = regexp.MustCompile(`(?m)^[-*]\s+`)
	reCodeBlock  = regexp.MustCompile("```[\\w]*\\n?([\\s\\S]*?)```")
	reInlineCode = regexp.MustCompile("`([^`]+)`")
)

// renderTelegramHTML converts the agent's markdown-ish output to Telegram
// HTML. Code spans are lifted out first so markdown inside them survives
// untouched, then reinserted escaped.
func renderTelegramHTML(text string) string {
	if text == "" {
		return ""
	}

	text, blocks := liftPattern(text, reCodeBlock, "CB")
	text, inlines := liftPattern(text, reInlineCode, "IC")

	text = reHeaders.ReplaceAllString(text, "$1")
	text = reBlockquote.ReplaceAllString(text, "$1")
	text = escapeHTML(text)
	text = reLink.ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = reBold.ReplaceAllString(text, "<b>$1</b>")
	text = reBoldUnder.ReplaceAllString(text, "<b>$1</b>")
	text = reItalic.ReplaceAllString(text, "<i>$1</i>")
	text = reStrike.ReplaceAllString(text, "<s>$1</s>")
	text = reListItem.ReplaceAllString(text, "• ")

	for i, code := range inlines {
		text = strings.ReplaceAll(text,
			placeholder("IC", i),
			fmt.Sprintf("<code>%s</code>", escapeHTML(code)))
	}
	for i, code := range blocks {
		text = strings.ReplaceAll(text,
			placeholder("CB", i),
			fmt.Sprintf("<pre><code>%s</code></pre>", escapeHTML(code)))
	}

	return text
}

func placeholder(kind string, i int) string {
	return fmt.Sprintf("\x00%s%d\x00", kind, i)
}

// liftPattern replaces every match of re with an opaque placeholder and
// returns the captured bodies in order.
func liftPattern(text string, re *regexp.Regexp, kind string) (string, []string) {
	var bodies []string
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		bodies = append(bodies, m[1])
	}

	i := 0
	text = re.ReplaceAllStringFunc(text, func(string) string {
		p := placeholder(kind, i)
		i++
		return p
	})
	return text, bodies
}

func escapeHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	return text
}

// splitMessage cuts long text into chunks that fit Telegram's message size
// limit, closing and reopening fenced code blocks at the seam so no chunk
// carries an unterminated fence.
func splitMessage(text string, maxLength int) []string {
	if len(text) <= maxLength {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	inCode := false
	codeLang := ""

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		fence := strings.HasPrefix(trimmed, "```")

		if current.Len()+len(line)+1 > maxLength-20 {
			if inCode {
				current.WriteString("\n```")
			}
			chunks = append(chunks, current.String())
			current.Reset()
			if inCode {
				current.WriteString("```" + codeLang + "\n")
			}
		}

		if fence {
			inCode = !inCode
			if inCode {
				codeLang = strings.TrimPrefix(trimmed, "```")
			} else {
				codeLang = ""
			}
		}

		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)
	}

	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
