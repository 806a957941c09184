// MateCode - Claude Code Telegram bridge
// License: MIT

// Package claude reads the on-disk artifacts of the external Claude Code
// agent: its launcher history, per-project session files and transcript
// directory. Everything here is read-only discovery; the bridge never writes
// into the agent's directories.
package claude

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Session is one entry of the agent's history.jsonl.
type Session struct {
	Project   string  `json:"project"`
	Display   string  `json:"display"`
	Timestamp float64 `json:"timestamp"`
}

// RecentSessions returns the newest sessions from the history file, newest
// first. A missing or partially corrupt file yields whatever parses.
func RecentSessions(historyFile string, limit int) []Session {
	f, err := os.Open(historyFile)
	if err != nil {
		return nil
	}
	defer f.Close()

	var sessions []Session
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var s Session
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			continue
		}
		sessions = append(sessions, s)
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].Timestamp > sessions[j].Timestamp
	})
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions
}

// SessionID resolves a project path to its most recent session ID by locating
// the project's directory under projectsDir and taking the newest .jsonl
// file's stem. Returns "" when nothing matches.
func SessionID(projectsDir, projectPath string) string {
	encoded := strings.TrimPrefix(strings.ReplaceAll(projectPath, "/", "-"), "-")

	for _, prefix := range []string{"-" + encoded, encoded} {
		dir := filepath.Join(projectsDir, prefix)
		if newest := newestJSONL(dir); newest != "" {
			return strings.TrimSuffix(filepath.Base(newest), ".jsonl")
		}
	}
	return ""
}

// LatestTranscript returns the path of the most recently modified transcript
// file, or "" when the directory is missing or empty.
func LatestTranscript(transcriptsDir string) string {
	return newestJSONL(transcriptsDir)
}

func newestJSONL(dir string) string {
	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil || len(matches) == 0 {
		return ""
	}

	newest := ""
	var newestMod int64
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest = m
			newestMod = mod
		}
	}
	return newest
}
