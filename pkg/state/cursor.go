package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Cursor persists the transcript monitor's read position: which transcript
// file it is following and how many bytes of it have been consumed.
type Cursor struct {
	mu   sync.Mutex
	path string

	Pos CursorPos
}

type CursorPos struct {
	File   string `json:"file"`
	Offset int64  `json:"offset"`
}

func NewCursor(path string) *Cursor {
	c := &Cursor{path: path}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &c.Pos)
	}
	return c
}

func (c *Cursor) Get() CursorPos {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Pos
}

func (c *Cursor) Set(file string, offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Pos = CursorPos{File: file, Offset: offset}
	data, err := json.Marshal(c.Pos)
	if err != nil {
		return err
	}
	return writeFileAtomic(c.path, data)
}

// writeFileAtomic writes via a temp file and rename so a crash mid-write
// never leaves a truncated state file.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
