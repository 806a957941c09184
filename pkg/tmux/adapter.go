// MateCode - Claude Code Telegram bridge
// License: MIT

package tmux

import (
	"fmt"
	"os/exec"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/zhaopengme/matecode/pkg/logger"
)

// chunkSize bounds how many bytes go into a single send-keys call so that
// arbitrarily long prompts never hit argv limits.
const chunkSize = 2000

// Runner executes a tmux subcommand. Swapped out in tests.
type Runner func(args ...string) error

func execRunner(args ...string) error {
	out, err := exec.Command("tmux", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux %s: %w (%s)", args[0], err, logger.Truncate(string(out), 120))
	}
	return nil
}

// Adapter writes keystrokes into a named tmux session. It reads nothing back;
// the agent's output is observed through its transcript log instead.
//
// Inject serializes all writes: the session accepts a single keystroke stream
// and interleaved bytes from concurrent calls would corrupt the prompt.
type Adapter struct {
	session string
	runner  Runner
	sleep   func(time.Duration)
	mu      sync.Mutex
}

func NewAdapter(session string) *Adapter {
	return &Adapter{
		session: session,
		runner:  execRunner,
		sleep:   time.Sleep,
	}
}

func (a *Adapter) Session() string {
	return a.session
}

// IsAlive reports whether the tmux session exists. It never returns an error;
// any failure to probe counts as not alive.
func (a *Adapter) IsAlive() bool {
	return a.runner("has-session", "-t", a.session) == nil
}

// Inject types text literally into the session, followed by Enter when submit
// is set. Control commands (interrupts, menu navigation) pass submit=false.
func (a *Adapter) Inject(text string, submit bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, chunk := range splitChunks(text, chunkSize) {
		if err := a.runner("send-keys", "-t", a.session, "-l", chunk); err != nil {
			return err
		}
	}

	if submit {
		return a.runner("send-keys", "-t", a.session, "Enter")
	}
	return nil
}

// Interrupt sends Escape, which stops the agent's current turn.
func (a *Adapter) Interrupt() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runner("send-keys", "-t", a.session, "Escape")
}

// RunCommand quits the agent currently running in the session and launches a
// replacement command line. The settle delays give the TUI time to process the
// Escape and the /exit before the next keystrokes land.
func (a *Adapter) RunCommand(line string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.runner("send-keys", "-t", a.session, "Escape"); err != nil {
		return err
	}
	a.sleep(200 * time.Millisecond)

	if err := a.typeLine("/exit"); err != nil {
		return err
	}
	a.sleep(500 * time.Millisecond)

	return a.typeLine(line)
}

// typeLine sends text literally followed by Enter. Callers hold a.mu.
func (a *Adapter) typeLine(text string) error {
	for _, chunk := range splitChunks(text, chunkSize) {
		if err := a.runner("send-keys", "-t", a.session, "-l", chunk); err != nil {
			return err
		}
	}
	return a.runner("send-keys", "-t", a.session, "Enter")
}

// splitChunks cuts s into pieces of at most max bytes without splitting a
// UTF-8 sequence.
func splitChunks(s string, max int) []string {
	if len(s) <= max {
		return []string{s}
	}

	var chunks []string
	for len(s) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = max
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}
