package state

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func newTestTracker(t *testing.T, staleAfter time.Duration) (*PendingTracker, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pending.json")
	return NewPendingTracker(path, staleAfter), path
}

func TestAcquireWhileIdle(t *testing.T) {
	tr, _ := newTestTracker(t, 10*time.Minute)

	if err := tr.Acquire("telegram", "42", "7"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	req, ok := tr.Peek()
	if !ok {
		t.Fatal("expected a pending request after Acquire")
	}
	if req.ChatID != "42" || req.OriginMessageID != "7" || req.Channel != "telegram" {
		t.Errorf("unexpected request: %+v", req)
	}
	if !tr.Awaiting() {
		t.Error("Awaiting() should be true after Acquire")
	}
}

func TestAcquireWhileAwaitingIsBusy(t *testing.T) {
	tr, _ := newTestTracker(t, 10*time.Minute)

	if err := tr.Acquire("telegram", "42", "7"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	err := tr.Acquire("telegram", "42", "8")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second Acquire() = %v, want ErrBusy", err)
	}

	// The original request must be untouched.
	req, _ := tr.Peek()
	if req.OriginMessageID != "7" {
		t.Errorf("busy rejection must not replace the slot, got %+v", req)
	}
}

func TestStaleSlotIsSuperseded(t *testing.T) {
	tr, _ := newTestTracker(t, 10*time.Minute)

	base := time.Now()
	tr.now = func() time.Time { return base }
	if err := tr.Acquire("telegram", "42", "7"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	tr.now = func() time.Time { return base.Add(11 * time.Minute) }
	if tr.Awaiting() {
		t.Error("Awaiting() should be false once the slot is stale")
	}
	if err := tr.Acquire("telegram", "99", "8"); err != nil {
		t.Fatalf("Acquire() over a stale slot should succeed, got %v", err)
	}

	req, _ := tr.Peek()
	if req.ChatID != "99" {
		t.Errorf("stale slot should be superseded, got %+v", req)
	}
}

func TestClear(t *testing.T) {
	tr, path := newTestTracker(t, 10*time.Minute)

	if err := tr.Acquire("telegram", "42", "7"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := tr.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, ok := tr.Peek(); ok {
		t.Error("Peek() should report idle after Clear")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("state file should be removed when Idle")
	}
}

func TestRestartRestoresAwaiting(t *testing.T) {
	tr, path := newTestTracker(t, 10*time.Minute)
	if err := tr.Acquire("telegram", "42", "7"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	restarted := NewPendingTracker(path, 10*time.Minute)
	req, ok := restarted.Peek()
	if !ok {
		t.Fatal("restart should restore the pending slot")
	}
	if req.ChatID != "42" {
		t.Errorf("restored slot = %+v, want chat 42", req)
	}
	if err := restarted.Acquire("telegram", "42", "8"); !errors.Is(err, ErrBusy) {
		t.Errorf("restored slot should still reject new prompts, got %v", err)
	}
}

func TestMarkStuckSurfacesInDescribe(t *testing.T) {
	tr, _ := newTestTracker(t, 10*time.Minute)

	if tr.Describe() != "idle" {
		t.Errorf("Describe() = %q, want idle", tr.Describe())
	}

	if err := tr.Acquire("telegram", "42", "7"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := tr.MarkStuck(); err != nil {
		t.Fatalf("MarkStuck() error = %v", err)
	}

	desc := tr.Describe()
	if !strings.Contains(desc, "stuck") {
		t.Errorf("Describe() = %q, want it to mention \"stuck\"", desc)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursor.json")

	c := NewCursor(path)
	if pos := c.Get(); pos.File != "" || pos.Offset != 0 {
		t.Errorf("fresh cursor should be zero, got %+v", pos)
	}

	if err := c.Set("/tmp/session.jsonl", 1234); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	reloaded := NewCursor(path)
	pos := reloaded.Get()
	if pos.File != "/tmp/session.jsonl" || pos.Offset != 1234 {
		t.Errorf("reloaded cursor = %+v", pos)
	}
}

func TestInstanceLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.lock")

	lock, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if got := Holder(path); got != os.Getpid() {
		t.Errorf("Holder() = %d, want %d", got, os.Getpid())
	}

	lock.Release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Release() should remove the lock file")
	}
}

func TestInstanceLockStaleTakeover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.lock")

	// A pid that cannot be running.
	if err := os.WriteFile(path, []byte(strconv.Itoa(1<<22+1234)), 0644); err != nil {
		t.Fatal(err)
	}

	lock, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock() over dead pid should succeed, got %v", err)
	}
	defer lock.Release()

	if got := Holder(path); got != os.Getpid() {
		t.Errorf("Holder() = %d, want current pid", got)
	}
}
