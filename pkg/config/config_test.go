package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadConfigLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"telegram": {"token": "from-file", "chat_id": 42, "mode": "WEBHOOK"},
		"tmux": {"session": "work"}
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TELEGRAM_BOT_TOKEN", "from-env")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Telegram.Token != "from-env" {
		t.Errorf("env must override file, got %q", cfg.Telegram.Token)
	}
	if cfg.Telegram.ChatID != 42 {
		t.Errorf("ChatID = %d, want 42", cfg.Telegram.ChatID)
	}
	if cfg.Telegram.Mode != ModeWebhook {
		t.Errorf("mode must be normalized to lowercase, got %q", cfg.Telegram.Mode)
	}
	if cfg.Tmux.Session != "work" {
		t.Errorf("Session = %q, want work", cfg.Tmux.Session)
	}
	// untouched fields keep their defaults
	if cfg.Bridge.StaleAfterMinutes != 10 {
		t.Errorf("StaleAfterMinutes = %d, want default 10", cfg.Bridge.StaleAfterMinutes)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Tmux.Session != "claude" {
		t.Errorf("Session = %q, want default claude", cfg.Tmux.Session)
	}
	if cfg.Telegram.Mode != ModePolling {
		t.Errorf("Mode = %q, want default polling", cfg.Telegram.Mode)
	}
}

func TestNormalizeDerivesClaudePaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Claude.Dir = "/opt/claude"
	cfg.StateDir = "/var/lib/matecode"
	cfg.normalize()

	if cfg.Claude.HistoryFile != "/opt/claude/history.jsonl" {
		t.Errorf("HistoryFile = %q", cfg.Claude.HistoryFile)
	}
	if cfg.Claude.ProjectsDir != "/opt/claude/projects" {
		t.Errorf("ProjectsDir = %q", cfg.Claude.ProjectsDir)
	}
	if cfg.Memory.DBPath != "/var/lib/matecode/memory.db" {
		t.Errorf("DBPath = %q", cfg.Memory.DBPath)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing token", func(c *Config) { c.Telegram.ChatID = 42 }, "token"},
		{"missing chat id", func(c *Config) { c.Telegram.Token = "t" }, "chat id"},
		{"bad mode", func(c *Config) {
			c.Telegram.Token = "t"
			c.Telegram.ChatID = 42
			c.Telegram.Mode = "carrier-pigeon"
		}, "mode"},
		{"valid", func(c *Config) {
			c.Telegram.Token = "t"
			c.Telegram.ChatID = 42
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestRelaunchCommands(t *testing.T) {
	cfg := DefaultConfig()

	got := cfg.ResumeCommand("abc-123")
	if got != "claude --resume abc-123 --dangerously-skip-permissions" {
		t.Errorf("ResumeCommand() = %q", got)
	}

	cfg.Claude.ExtraArgs = ""
	if got := cfg.ContinueCommand(); got != "claude --continue" {
		t.Errorf("ContinueCommand() = %q", got)
	}
}
