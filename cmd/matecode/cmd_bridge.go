// MateCode - Claude Code Telegram bridge
// License: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zhaopengme/matecode/pkg/bridge"
	"github.com/zhaopengme/matecode/pkg/bus"
	"github.com/zhaopengme/matecode/pkg/channels"
	"github.com/zhaopengme/matecode/pkg/config"
	"github.com/zhaopengme/matecode/pkg/cron"
	"github.com/zhaopengme/matecode/pkg/logger"
	"github.com/zhaopengme/matecode/pkg/memory"
	"github.com/zhaopengme/matecode/pkg/state"
	"github.com/zhaopengme/matecode/pkg/tmux"
	"github.com/zhaopengme/matecode/pkg/transcript"
)

func bridgeCmd() {
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
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid config: %v\n", err)
		os.Exit(1)
	}

	lock, err := state.AcquireLock(filepath.Join(cfg.StateDir, "matecode.pid"))
	if err != nil {
		fmt.Printf("Another bridge is running: %v\n", err)
		os.Exit(1)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker := bus.NewMessageBus()
	agent := tmux.NewAdapter(cfg.Tmux.Session)
	tracker := state.NewPendingTracker(
		filepath.Join(cfg.StateDir, "pending.json"),
		time.Duration(cfg.Bridge.StaleAfterMinutes)*time.Minute)
	cursor := state.NewCursor(filepath.Join(cfg.StateDir, "cursor.json"))

	var store *memory.Store
	if cfg.Memory.Enabled {
		store, err = memory.Open(cfg.Memory.DBPath)
		if err != nil {
			logger.WarnCF("bridge", "Memory unavailable, continuing without it", map[string]interface{}{
				"error": err.Error(),
			})
			store = nil
		} else {
			defer store.Close()
		}
	}

	channel, err := newTelegramChannel(cfg, broker)
	if err != nil {
		fmt.Printf("Error creating telegram channel: %v\n", err)
		os.Exit(1)
	}

	dispatcher := bridge.NewDispatcher(cfg, broker, agent, tracker, store, channel)
	monitor := transcript.NewMonitor(cfg, tracker, cursor, store, channel)
	scheduler := cron.NewService(cfg.Cron, dispatcher)

	if !agent.IsAlive() {
		logger.WarnCF("bridge", "tmux session not found, start it before sending prompts", map[string]interface{}{
			"session": cfg.Tmux.Session,
		})
	}

	if err := channel.Start(ctx); err != nil {
		fmt.Printf("Error starting telegram channel: %v\n", err)
		os.Exit(1)
	}

	logger.InfoCF("bridge", "MateCode bridge running", map[string]interface{}{
		"mode":    cfg.Telegram.Mode,
		"session": cfg.Tmux.Session,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return outboundPump(gctx, broker, channel) })

	<-gctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := channel.Stop(shutdownCtx); err != nil {
		logger.WarnCF("bridge", "Channel shutdown failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	broker.Close()
	_ = g.Wait()

	logger.InfoC("bridge", "Bridge stopped")
}

func newTelegramChannel(cfg *config.Config, broker bus.Broker) (channels.Channel, error) {
	if cfg.Telegram.Mode == config.ModeWebhook {
		return channels.NewTelegramWebhookChannel(cfg.Telegram, broker)
	}
	return channels.NewTelegramPollingChannel(cfg.Telegram, broker)
}

// outboundPump routes dispatcher replies to their transport. The transcript
// monitor sends directly (it owns retries); everything else goes through here.
func outboundPump(ctx context.Context, broker bus.Broker, chans ...channels.Channel) error {
	byName := make(map[string]channels.Channel, len(chans))
	for _, c := range chans {
		byName[c.Name()] = c
	}

	for {
		msg, ok := broker.SubscribeOutbound(ctx)
		if !ok {
			return ctx.Err()
		}
		ch, found := byName[msg.Channel]
		if !found {
			logger.WarnCF("bridge", "No transport for outbound message", map[string]interface{}{
				"channel": msg.Channel,
			})
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			logger.ErrorCF("bridge", "Failed to send reply", map[string]interface{}{
				"channel": msg.Channel,
				"error":   err.Error(),
			})
		}
	}
}
