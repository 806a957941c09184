// MateCode - Claude Code Telegram bridge
// License: MIT

package claude

import (
	"os"
	"path/filepath"
	"strings"
)

// metaPromptHeading marks the section of .CLAUDE.md that holds the evolving
// system prompt the self-referential loop rewrites.
const metaPromptHeading = "## 初始提示词"

// MetaPrompt loads the meta-prompt section from .CLAUDE.md, checking the
// working directory first and then claudeDir. Missing files or a missing
// section yield "".
func MetaPrompt(claudeDir string) string {
	for _, path := range []string{".CLAUDE.md", filepath.Join(claudeDir, ".CLAUDE.md")} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if prompt := extractMetaPrompt(string(data)); prompt != "" {
			return prompt
		}
	}
	return ""
}

// extractMetaPrompt returns the body of the meta-prompt section, ending at
// the next second-level heading.
func extractMetaPrompt(content string) string {
	var lines []string
	in := false
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == metaPromptHeading {
			in = true
			continue
		}
		if in {
			if strings.HasPrefix(line, "## ") {
				break
			}
			lines = append(lines, line)
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
