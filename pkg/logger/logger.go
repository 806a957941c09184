// MateCode - Claude Code Telegram bridge
// License: MIT

package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var (
	mu     sync.Mutex
	level  = INFO
	output io.Writer = os.Stderr
)

func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// SetOutput redirects log output, used by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

func logf(l Level, component, msg string, fields map[string]interface{}) {
	mu.Lock()
	defer mu.Unlock()

	if l < level {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02 15:04:05"))
	b.WriteString(" [")
	b.WriteString(levelNames[l])
	b.WriteString("] [")
	b.WriteString(component)
	b.WriteString("] ")
	b.WriteString(msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf(" %s=%v", k, fields[k]))
		}
	}

	fmt.Fprintln(output, b.String())
}

func DebugC(component, msg string) { logf(DEBUG, component, msg, nil) }
func InfoC(component, msg string)  { logf(INFO, component, msg, nil) }
func WarnC(component, msg string)  { logf(WARN, component, msg, nil) }
func ErrorC(component, msg string) { logf(ERROR, component, msg, nil) }

func DebugCF(component, msg string, fields map[string]interface{}) {
	logf(DEBUG, component, msg, fields)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	logf(INFO, component, msg, fields)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	logf(WARN, component, msg, fields)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	logf(ERROR, component, msg, fields)
}

// Truncate shortens s for log previews, appending "..." when cut.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
