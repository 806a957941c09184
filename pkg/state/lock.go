package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/zhaopengme/matecode/pkg/logger"
)

// InstanceLock refuses to let two bridge processes run against the same
// session/transcript pair: a duplicate monitor would double-deliver
// responses. It is a pid file; a lock held by a dead pid is taken over.
type InstanceLock struct {
	path string
}

func AcquireLock(path string) (*InstanceLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(path); err == nil {
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if convErr == nil && pid > 0 && pid != os.Getpid() && pidAlive(pid) {
			return nil, fmt.Errorf("another bridge instance is running (pid %d, lock %s)", pid, path)
		}
		if convErr == nil && pid > 0 {
			logger.WarnCF("lock", "Taking over stale instance lock", map[string]interface{}{
				"pid": pid,
			})
		}
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}
	return &InstanceLock{path: path}, nil
}

func (l *InstanceLock) Release() {
	if l == nil {
		return
	}
	_ = os.Remove(l.path)
}

// Holder returns the pid recorded in the lock file at path, or 0.
func Holder(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || !pidAlive(pid) {
		return 0
	}
	return pid
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
