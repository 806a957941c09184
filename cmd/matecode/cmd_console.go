// MateCode - Claude Code Telegram bridge
// License: MIT

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"golang.org/x/sync/errgroup"

	"github.com/zhaopengme/matecode/pkg/bridge"
	"github.com/zhaopengme/matecode/pkg/bus"
	"github.com/zhaopengme/matecode/pkg/channels"
	"github.com/zhaopengme/matecode/pkg/logger"
	"github.com/zhaopengme/matecode/pkg/memory"
	"github.com/zhaopengme/matecode/pkg/state"
	"github.com/zhaopengme/matecode/pkg/tmux"
	"github.com/zhaopengme/matecode/pkg/transcript"
)

// consoleCmd drives the bridge from the local terminal: same dispatcher, same
// transcript monitor, no Telegram. Useful for trying the command grammar and
// for machines without a bot token.
func consoleCmd() {
	for _, arg := range os.Args[2:] {
		if arg == "--debug" || arg == "-d" {
			logger.SetLevel(logger.DEBUG)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Same pid lock as the bridge: two monitors over one cursor and pending
	// slot would race on delivery.
	lock, err := state.AcquireLock(filepath.Join(cfg.StateDir, "matecode.pid"))
	if err != nil {
		fmt.Printf("Another bridge is running: %v\n", err)
		os.Exit(1)
	}
	defer lock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := bus.NewMessageBus()
	agent := tmux.NewAdapter(cfg.Tmux.Session)
	tracker := state.NewPendingTracker(
		filepath.Join(cfg.StateDir, "pending.json"),
		time.Duration(cfg.Bridge.StaleAfterMinutes)*time.Minute)
	cursor := state.NewCursor(filepath.Join(cfg.StateDir, "cursor.json"))

	var store *memory.Store
	if cfg.Memory.Enabled {
		if store, err = memory.Open(cfg.Memory.DBPath); err != nil {
			fmt.Printf("Memory unavailable: %v\n", err)
			store = nil
		} else {
			defer store.Close()
		}
	}

	console := channels.NewConsoleChannel(broker)
	dispatcher := bridge.NewDispatcher(cfg, broker, agent, tracker, store, console)
	monitor := transcript.NewMonitor(cfg, tracker, cursor, store, console)

	_ = console.Start(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return outboundPump(gctx, broker, console) })

	if !agent.IsAlive() {
		fmt.Printf("⚠️  tmux session %q not found. Start it with: tmux new -s %s\n",
			cfg.Tmux.Session, cfg.Tmux.Session)
	}
	fmt.Printf("%s Console mode (exit to quit, /help for commands)\n\n", logo)

	consoleLoop(console)

	cancel()
	broker.Close()
	_ = g.Wait()
	fmt.Println("Goodbye!")
}

func consoleLoop(console *channels.ConsoleChannel) {
	prompt := fmt.Sprintf("%s You: ", logo)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".matecode_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		simpleConsoleLoop(console)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return
		}

		console.PublishLine(input)
	}
}

func simpleConsoleLoop(console *channels.ConsoleChannel) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Printf("%s You: ", logo)
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return
		}

		console.PublishLine(input)
	}
}
