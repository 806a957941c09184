// MateCode - Claude Code Telegram bridge
// License: MIT

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
)

const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

type TelegramConfig struct {
	Token         string `json:"token" env:"TELEGRAM_BOT_TOKEN"`
	ChatID        int64  `json:"chat_id" env:"TELEGRAM_CHAT_ID"`
	Mode          string `json:"mode" env:"TELEGRAM_MODE"`
	WebhookPort   int    `json:"webhook_port" env:"TELEGRAM_WEBHOOK_PORT"`
	WebhookPath   string `json:"webhook_path" env:"TELEGRAM_WEBHOOK_PATH"`
	WebhookURL    string `json:"webhook_url,omitempty" env:"TELEGRAM_WEBHOOK_URL"`
	WebhookSecret string `json:"webhook_secret" env:"TELEGRAM_WEBHOOK_SECRET"`
	Proxy         string `json:"proxy,omitempty" env:"TELEGRAM_PROXY"`
}

type TmuxConfig struct {
	Session string `json:"session" env:"TMUX_SESSION"`
}

// ClaudeConfig locates the external agent's on-disk artifacts. The bridge
// never runs the agent itself; it only reads these paths and re-launches the
// CLI inside the tmux session for resume/continue.
type ClaudeConfig struct {
	Dir            string `json:"dir" env:"CLAUDE_DIR"`
	TranscriptsDir string `json:"transcripts_dir,omitempty"`
	HistoryFile    string `json:"history_file,omitempty"`
	ProjectsDir    string `json:"projects_dir,omitempty"`
	Command        string `json:"command"`
	ExtraArgs      string `json:"extra_args"`
}

type MemoryConfig struct {
	Enabled         bool   `json:"enabled" env:"MEMORY_ENABLED"`
	DBPath          string `json:"db_path,omitempty" env:"MEMORY_DB_PATH"`
	MaxResults      int    `json:"max_results" env:"MEMORY_MAX_RESULTS"`
	MaxContextChars int    `json:"max_context_chars" env:"MEMORY_MAX_CONTEXT"`
}

type BridgeConfig struct {
	StaleAfterMinutes int `json:"stale_after_minutes"`
	DeliveryRetries   int `json:"delivery_retries"`
	LoopIterations    int `json:"loop_iterations"`
}

type CronJob struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Prompt   string `json:"prompt"`
}

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Tmux     TmuxConfig     `json:"tmux"`
	Claude   ClaudeConfig   `json:"claude"`
	Memory   MemoryConfig   `json:"memory"`
	Bridge   BridgeConfig   `json:"bridge"`
	Cron     []CronJob      `json:"cron,omitempty"`
	StateDir string         `json:"state_dir,omitempty" env:"MATECODE_STATE_DIR"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		Telegram: TelegramConfig{
			Mode:        ModePolling,
			WebhookPort: 8418,
			WebhookPath: "/telegram/webhook",
		},
		Tmux: TmuxConfig{
			Session: "claude",
		},
		Claude: ClaudeConfig{
			Dir:       filepath.Join(home, ".claude"),
			Command:   "claude",
			ExtraArgs: "--dangerously-skip-permissions",
		},
		Memory: MemoryConfig{
			Enabled:         true,
			MaxResults:      5,
			MaxContextChars: 2000,
		},
		Bridge: BridgeConfig{
			StaleAfterMinutes: 10,
			DeliveryRetries:   3,
			LoopIterations:    5,
		},
		StateDir: filepath.Join(home, ".matecode"),
	}
}

// LoadConfig reads the JSON config (if present), layers it over the defaults
// and finally applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	cfg.normalize()

	return cfg, nil
}

func (c *Config) normalize() {
	if c.Telegram.Mode == "" {
		c.Telegram.Mode = ModePolling
	}
	c.Telegram.Mode = strings.ToLower(c.Telegram.Mode)

	if c.Claude.TranscriptsDir == "" {
		c.Claude.TranscriptsDir = filepath.Join(c.Claude.Dir, "transcripts")
	}
	if c.Claude.HistoryFile == "" {
		c.Claude.HistoryFile = filepath.Join(c.Claude.Dir, "history.jsonl")
	}
	if c.Claude.ProjectsDir == "" {
		c.Claude.ProjectsDir = filepath.Join(c.Claude.Dir, "projects")
	}
	if c.Memory.DBPath == "" {
		c.Memory.DBPath = filepath.Join(c.StateDir, "memory.db")
	}
}

func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required (config telegram.token or TELEGRAM_BOT_TOKEN)")
	}
	if c.Telegram.ChatID == 0 {
		return fmt.Errorf("authorized chat id is required (config telegram.chat_id or TELEGRAM_CHAT_ID)")
	}
	if c.Telegram.Mode != ModePolling && c.Telegram.Mode != ModeWebhook {
		return fmt.Errorf("unknown telegram mode %q (want %q or %q)", c.Telegram.Mode, ModePolling, ModeWebhook)
	}
	return nil
}

// ResumeCommand builds the shell line that re-launches the agent against a
// specific prior session.
func (c *Config) ResumeCommand(sessionID string) string {
	return strings.TrimSpace(fmt.Sprintf("%s --resume %s %s", c.Claude.Command, sessionID, c.Claude.ExtraArgs))
}

// ContinueCommand builds the shell line that re-launches the agent against
// its most recent session.
func (c *Config) ContinueCommand() string {
	return strings.TrimSpace(fmt.Sprintf("%s --continue %s", c.Claude.Command, c.Claude.ExtraArgs))
}
