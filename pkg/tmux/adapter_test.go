package tmux

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (f *fakeRunner) run(args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	return f.err
}

func newFakeAdapter(err error) (*Adapter, *fakeRunner) {
	f := &fakeRunner{err: err}
	a := NewAdapter("claude")
	a.runner = f.run
	a.sleep = func(time.Duration) {}
	return a, f
}

func TestInjectSubmits(t *testing.T) {
	a, f := newFakeAdapter(nil)

	if err := a.Inject("hello", true); err != nil {
		t.Fatalf("Inject() error = %v", err)
	}

	if len(f.calls) != 2 {
		t.Fatalf("expected 2 tmux calls, got %d", len(f.calls))
	}
	if f.calls[0][3] != "-l" || f.calls[0][4] != "hello" {
		t.Errorf("first call should send literal text, got %v", f.calls[0])
	}
	if f.calls[1][3] != "Enter" {
		t.Errorf("second call should send Enter, got %v", f.calls[1])
	}
}

func TestInjectNoSubmit(t *testing.T) {
	a, f := newFakeAdapter(nil)

	if err := a.Inject("/clear", false); err != nil {
		t.Fatalf("Inject() error = %v", err)
	}

	for _, call := range f.calls {
		if call[len(call)-1] == "Enter" {
			t.Errorf("Enter must not be sent when submit=false")
		}
	}
}

func TestInjectChunksLongText(t *testing.T) {
	a, f := newFakeAdapter(nil)

	long := strings.Repeat("x", chunkSize*2+100)
	if err := a.Inject(long, true); err != nil {
		t.Fatalf("Inject() error = %v", err)
	}

	// 3 literal chunks + Enter
	if len(f.calls) != 4 {
		t.Fatalf("expected 4 tmux calls, got %d", len(f.calls))
	}

	var rejoined strings.Builder
	for _, call := range f.calls[:3] {
		rejoined.WriteString(call[len(call)-1])
	}
	if rejoined.String() != long {
		t.Errorf("chunks do not reassemble to the original text")
	}
}

func TestSplitChunksMultibyte(t *testing.T) {
	s := strings.Repeat("你好世界", 200)
	chunks := splitChunks(s, 100)

	var rejoined strings.Builder
	for _, c := range chunks {
		if len(c) > 100 {
			t.Errorf("chunk exceeds max: %d bytes", len(c))
		}
		if !strings.HasPrefix(s[rejoined.Len():], c) {
			t.Fatalf("chunk misaligned at offset %d", rejoined.Len())
		}
		rejoined.WriteString(c)
	}
	if rejoined.String() != s {
		t.Errorf("chunks do not reassemble to the original text")
	}
}

func TestIsAliveFalseOnError(t *testing.T) {
	a, _ := newFakeAdapter(fmt.Errorf("no server running"))
	if a.IsAlive() {
		t.Errorf("IsAlive() should be false when tmux probe fails")
	}

	ok, _ := newFakeAdapter(nil)
	if !ok.IsAlive() {
		t.Errorf("IsAlive() should be true when tmux probe succeeds")
	}
}

func TestRunCommandSequence(t *testing.T) {
	a, f := newFakeAdapter(nil)

	if err := a.RunCommand("claude --continue"); err != nil {
		t.Fatalf("RunCommand() error = %v", err)
	}

	// Escape, "/exit", Enter, command line, Enter.
	want := []string{"Escape", "/exit", "Enter", "claude --continue", "Enter"}
	if len(f.calls) != len(want) {
		t.Fatalf("expected %d tmux calls, got %d: %v", len(want), len(f.calls), f.calls)
	}
	for i, w := range want {
		got := f.calls[i][len(f.calls[i])-1]
		if got != w {
			t.Errorf("call %d = %q, want %q", i, got, w)
		}
	}
}

func TestInterrupt(t *testing.T) {
	a, f := newFakeAdapter(nil)
	if err := a.Interrupt(); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}
	if len(f.calls) != 1 || f.calls[0][3] != "Escape" {
		t.Errorf("Interrupt should send Escape, got %v", f.calls)
	}
}
