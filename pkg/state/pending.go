// MateCode - Claude Code Telegram bridge
// License: MIT

package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/zhaopengme/matecode/pkg/logger"
)

// ErrBusy is returned by Acquire while a fresh request is already awaiting a
// response. The agent processes one prompt at a time, so the caller replies
// "busy" instead of injecting.
var ErrBusy = errors.New("a request is already awaiting a response")

// PendingRequest records which chat is owed the agent's next response.
// At most one exists at any time.
type PendingRequest struct {
	Channel         string    `json:"channel"`
	ChatID          string    `json:"chat_id"`
	OriginMessageID string    `json:"origin_message_id"`
	RequestedAt     time.Time `json:"requested_at"`
	Stuck           bool      `json:"stuck,omitempty"`
}

// PendingTracker is the durable single-slot state machine: Idle (no slot),
// Awaiting (slot set, fresh) and Stale (slot set, older than staleAfter;
// accepted as Idle but logged). Every transition is persisted so a restart
// resumes mid-Awaiting.
type PendingTracker struct {
	mu         sync.Mutex
	path       string
	staleAfter time.Duration
	current    *PendingRequest

	now func() time.Time
}

func NewPendingTracker(path string, staleAfter time.Duration) *PendingTracker {
	t := &PendingTracker{
		path:       path,
		staleAfter: staleAfter,
		now:        time.Now,
	}
	t.load()
	return t
}

func (t *PendingTracker) load() {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return
	}
	var req PendingRequest
	if err := json.Unmarshal(data, &req); err != nil {
		logger.WarnCF("pending", "Discarding unreadable pending state", map[string]interface{}{
			"path":  t.path,
			"error": err.Error(),
		})
		return
	}
	if req.ChatID == "" {
		return
	}
	t.current = &req
	logger.InfoCF("pending", "Restored pending request", map[string]interface{}{
		"chat_id":      req.ChatID,
		"requested_at": req.RequestedAt.Format(time.RFC3339),
	})
}

func (t *PendingTracker) persist() error {
	if t.current == nil {
		if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	data, err := json.Marshal(t.current)
	if err != nil {
		return err
	}
	return writeFileAtomic(t.path, data)
}

// Acquire claims the slot for a new request. A fresh existing slot yields
// ErrBusy; a stale one is logged as a warning and superseded.
func (t *PendingTracker) Acquire(channel, chatID, messageID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current != nil {
		age := t.now().Sub(t.current.RequestedAt)
		if age < t.staleAfter {
			return ErrBusy
		}
		logger.WarnCF("pending", "Superseding stale pending request", map[string]interface{}{
			"chat_id": t.current.ChatID,
			"age":     age.Round(time.Second).String(),
		})
	}

	t.current = &PendingRequest{
		Channel:         channel,
		ChatID:          chatID,
		OriginMessageID: messageID,
		RequestedAt:     t.now(),
	}
	if err := t.persist(); err != nil {
		return fmt.Errorf("failed to persist pending request: %w", err)
	}
	return nil
}

// Peek returns the current slot without considering staleness. The second
// return is false when Idle.
func (t *PendingTracker) Peek() (PendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		return PendingRequest{}, false
	}
	return *t.current, true
}

// Awaiting reports whether a fresh (non-stale) request is outstanding.
func (t *PendingTracker) Awaiting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		return false
	}
	return t.now().Sub(t.current.RequestedAt) < t.staleAfter
}

func (t *PendingTracker) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		return nil
	}
	t.current = nil
	return t.persist()
}

// MarkStuck flags the slot after delivery retries are exhausted so /status
// can surface it. The slot stays Awaiting.
func (t *PendingTracker) MarkStuck() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		return nil
	}
	t.current.Stuck = true
	return t.persist()
}

// Describe renders the slot for /status.
func (t *PendingTracker) Describe() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		return "idle"
	}
	age := t.now().Sub(t.current.RequestedAt).Round(time.Second)
	if t.current.Stuck {
		return fmt.Sprintf("awaiting %s, stuck", age)
	}
	if age >= t.staleAfter {
		return fmt.Sprintf("awaiting %s (stale)", age)
	}
	return fmt.Sprintf("awaiting %s", age)
}
