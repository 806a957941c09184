// MateCode - Claude Code Telegram bridge
// License: MIT

// Package transcript tails the agent's JSONL transcript and forwards new
// assistant turns to whichever chat is awaiting a response.
package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/zhaopengme/matecode/pkg/bus"
	"github.com/zhaopengme/matecode/pkg/channels"
	"github.com/zhaopengme/matecode/pkg/claude"
	"github.com/zhaopengme/matecode/pkg/config"
	"github.com/zhaopengme/matecode/pkg/logger"
	"github.com/zhaopengme/matecode/pkg/memory"
	"github.com/zhaopengme/matecode/pkg/state"
)

const componentName = "transcript"

const (
	scanInterval = time.Second
	maxBackoff   = 30 * time.Second
)

// Monitor polls the newest transcript file and delivers assistant text. The
// persisted cursor makes it restart-safe: after a crash it resumes from the
// last delivered byte instead of replaying the whole file.
type Monitor struct {
	cfg      *config.Config
	tracker  *state.PendingTracker
	cursor   *state.Cursor
	store    *memory.Store // nil when memory is disabled
	channels map[string]channels.Channel

	latest func(dir string) string
	sleep  func(time.Duration)
}

func NewMonitor(
	cfg *config.Config,
	tracker *state.PendingTracker,
	cursor *state.Cursor,
	store *memory.Store,
	chans ...channels.Channel,
) *Monitor {
	m := &Monitor{
		cfg:      cfg,
		tracker:  tracker,
		cursor:   cursor,
		store:    store,
		channels: make(map[string]channels.Channel),
		latest:   claude.LatestTranscript,
		sleep:    time.Sleep,
	}
	for _, c := range chans {
		m.channels[c.Name()] = c
	}
	return m
}

// Run polls until ctx is cancelled. Scan failures back off exponentially up
// to maxBackoff; a clean scan resets the interval.
func (m *Monitor) Run(ctx context.Context) error {
	logger.InfoCF(componentName, "Transcript monitor started", map[string]interface{}{
		"dir": m.cfg.Claude.TranscriptsDir,
	})

	interval := scanInterval
	for {
		select {
		case <-ctx.Done():
			logger.InfoC(componentName, "Transcript monitor stopped")
			return ctx.Err()
		case <-time.After(interval):
		}

		if err := m.scan(ctx); err != nil {
			logger.WarnCF(componentName, "Transcript scan failed", map[string]interface{}{
				"error": err.Error(),
			})
			interval *= 2
			if interval > maxBackoff {
				interval = maxBackoff
			}
		} else {
			interval = scanInterval
		}
	}
}

// scan reads everything new since the cursor and forwards assistant turns.
func (m *Monitor) scan(ctx context.Context) error {
	path := m.latest(m.cfg.Claude.TranscriptsDir)
	if path == "" {
		return nil
	}

	pos := m.cursor.Get()
	offset := pos.Offset
	if pos.File != path {
		// A new session started a fresh transcript; begin at its head.
		offset = 0
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() < offset {
		logger.WarnCF(componentName, "Transcript shrank, resetting cursor", map[string]interface{}{
			"file": path,
		})
		offset = 0
	}
	if info.Size() == offset {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	texts, consumed, err := readAssistantTexts(f)
	if err != nil {
		return err
	}
	newOffset := offset + consumed

	if len(texts) == 0 {
		if newOffset != offset || pos.File != path {
			return m.cursor.Set(path, newOffset)
		}
		return nil
	}

	req, awaiting := m.tracker.Peek()
	if !awaiting {
		// Nobody asked; output from terminal-side use is not forwarded.
		logger.DebugCF(componentName, "Dropping transcript events, no pending request", map[string]interface{}{
			"events": len(texts),
		})
		return m.cursor.Set(path, newOffset)
	}

	cleaned, updates := stripMemoryUpdates(texts)
	if len(cleaned) == 0 {
		// The whole turn was a memory update block; nothing to forward.
		if err := m.tracker.Clear(); err != nil {
			logger.WarnCF(componentName, "Failed to clear pending slot", map[string]interface{}{
				"error": err.Error(),
			})
		}
		m.saveMetaUpdates(updates)
		return m.cursor.Set(path, newOffset)
	}

	if m.deliver(ctx, req, cleaned) {
		if err := m.tracker.Clear(); err != nil {
			logger.WarnCF(componentName, "Failed to clear pending slot", map[string]interface{}{
				"error": err.Error(),
			})
		}
		m.saveResponse(cleaned)
		m.saveMetaUpdates(updates)
	} else {
		if err := m.tracker.MarkStuck(); err != nil {
			logger.WarnCF(componentName, "Failed to mark slot stuck", map[string]interface{}{
				"error": err.Error(),
			})
		}
		logger.ErrorCF(componentName, "Delivery failed, response dropped", map[string]interface{}{
			"chat_id": req.ChatID,
			"events":  len(texts),
		})
	}

	// The cursor advances either way; a failed delivery is not replayed.
	return m.cursor.Set(path, newOffset)
}

// deliver sends each text to the pending chat, retrying the batch position
// with doubling backoff. Reports whether every text went out.
func (m *Monitor) deliver(ctx context.Context, req state.PendingRequest, texts []string) bool {
	ch, ok := m.channels[req.Channel]
	if !ok {
		logger.ErrorCF(componentName, "No channel for pending request", map[string]interface{}{
			"channel": req.Channel,
		})
		return false
	}

	retries := m.cfg.Bridge.DeliveryRetries
	if retries < 1 {
		retries = 1
	}

	for _, text := range texts {
		var err error
		backoff := time.Second
		for attempt := 1; attempt <= retries; attempt++ {
			err = ch.Send(ctx, bus.OutboundMessage{
				Channel: req.Channel,
				ChatID:  req.ChatID,
				Content: text,
			})
			if err == nil {
				break
			}
			logger.WarnCF(componentName, "Send failed", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
			if attempt < retries {
				m.sleep(backoff)
				backoff *= 2
			}
		}
		if err != nil {
			return false
		}
	}
	return true
}

func (m *Monitor) saveResponse(texts []string) {
	if m.store == nil {
		return
	}
	if err := m.store.Add(strings.Join(texts, "\n\n"), memory.SourceAuto); err != nil {
		logger.WarnCF(componentName, "Failed to auto-save response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// maxMetaUpdateChars caps a single stored meta update.
const maxMetaUpdateChars = 5000

var memoryUpdateRe = regexp.MustCompile(`(?s)<memory_update>(.*?)</memory_update>`)

// stripMemoryUpdates removes <memory_update> blocks from the texts before
// delivery and returns the extracted block bodies. Texts emptied by the
// stripping are dropped.
func stripMemoryUpdates(texts []string) (cleaned []string, updates []string) {
	for _, text := range texts {
		for _, match := range memoryUpdateRe.FindAllStringSubmatch(text, -1) {
			if update := strings.TrimSpace(match[1]); update != "" {
				updates = append(updates, update)
			}
		}
		if rest := strings.TrimSpace(memoryUpdateRe.ReplaceAllString(text, "")); rest != "" {
			cleaned = append(cleaned, rest)
		}
	}
	return cleaned, updates
}

func (m *Monitor) saveMetaUpdates(updates []string) {
	if m.store == nil {
		return
	}
	for _, update := range updates {
		if err := m.store.Add(memory.Clip(update, maxMetaUpdateChars), memory.SourceMeta); err != nil {
			logger.WarnCF(componentName, "Failed to save meta update", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

type transcriptEvent struct {
	Type    string `json:"type"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// readAssistantTexts consumes complete lines from r, returning the text of
// each assistant event and the number of bytes consumed. A trailing partial
// line is left unconsumed so a mid-write read picks it up next tick.
func readAssistantTexts(r io.Reader) (texts []string, consumed int64, err error) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if err == io.EOF {
			return texts, consumed, nil
		}
		if err != nil {
			return texts, consumed, err
		}
		consumed += int64(len(line))

		if text := assistantText(line); text != "" {
			texts = append(texts, text)
		}
	}
}

// assistantText extracts the concatenated text blocks of one transcript line,
// or "" for non-assistant events and unparseable lines.
func assistantText(line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}

	var ev transcriptEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return ""
	}
	if ev.Type != "assistant" {
		return ""
	}

	var parts []string
	for _, block := range ev.Message.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}
