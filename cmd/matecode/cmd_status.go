// MateCode - Claude Code Telegram bridge
// License: MIT

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zhaopengme/matecode/pkg/memory"
	"github.com/zhaopengme/matecode/pkg/state"
	"github.com/zhaopengme/matecode/pkg/tmux"
)

func statusCmd() {
	fmt.Printf("%s matecode status\n\n", logo)

	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err != nil {
		fmt.Printf("Config:  %s (missing)\n", configPath)
	} else {
		fmt.Printf("Config:  %s\n", configPath)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if pid := state.Holder(filepath.Join(cfg.StateDir, "matecode.pid")); pid > 0 {
		fmt.Printf("Bridge:  running (pid %d)\n", pid)
	} else {
		fmt.Println("Bridge:  not running")
	}

	agent := tmux.NewAdapter(cfg.Tmux.Session)
	if agent.IsAlive() {
		fmt.Printf("Session: %q alive\n", cfg.Tmux.Session)
	} else {
		fmt.Printf("Session: %q NOT FOUND (tmux new -s %s)\n", cfg.Tmux.Session, cfg.Tmux.Session)
	}

	tracker := state.NewPendingTracker(
		filepath.Join(cfg.StateDir, "pending.json"),
		time.Duration(cfg.Bridge.StaleAfterMinutes)*time.Minute)
	fmt.Printf("Slot:    %s\n", tracker.Describe())

	if !cfg.Memory.Enabled {
		fmt.Println("Memory:  disabled")
		return
	}
	store, err := memory.Open(cfg.Memory.DBPath)
	if err != nil {
		fmt.Printf("Memory:  unavailable (%v)\n", err)
		return
	}
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		fmt.Printf("Memory:  unavailable (%v)\n", err)
		return
	}
	fmt.Printf("Memory:  %d entries", stats.Count)
	if stats.Count > 0 {
		fmt.Printf(" (newest %s)", stats.Newest.Format("2006-01-02"))
	}
	fmt.Println()
}
