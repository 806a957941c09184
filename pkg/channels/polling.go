package channels

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegohandler"
	th "github.com/mymmrac/telego/telegohandler"

	"github.com/zhaopengme/matecode/pkg/bus"
	"github.com/zhaopengme/matecode/pkg/config"
	"github.com/zhaopengme/matecode/pkg/logger"
)

// TelegramPollingChannel is the pull transport: a getUpdates long-poll loop
// with a 30s bounded wait. telego persists the update offset ahead of
// processing and retries transport errors with capped backoff.
type TelegramPollingChannel struct {
	telegramSender
	handler *telegohandler.BotHandler
}

func NewTelegramPollingChannel(cfg config.TelegramConfig, broker bus.Broker) (*TelegramPollingChannel, error) {
	bot, err := newTelegramBot(cfg)
	if err != nil {
		return nil, err
	}

	return &TelegramPollingChannel{
		telegramSender: telegramSender{
			BaseChannel: NewBaseChannel("telegram", broker),
			bot:         bot,
		},
	}, nil
}

func (c *TelegramPollingChannel) Start(ctx context.Context) error {
	logger.InfoC(c.Name(), "Starting Telegram bot (polling mode)...")

	updates, err := c.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout: 30,
	})
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	bh, err := telegohandler.NewBotHandler(c.bot, updates)
	if err != nil {
		return fmt.Errorf("failed to create bot handler: %w", err)
	}
	c.handler = bh

	bh.HandleMessage(func(_ *th.Context, message telego.Message) error {
		c.publishMessage(&message)
		return nil
	}, th.AnyMessageWithText())

	bh.HandleCallbackQuery(func(_ *th.Context, query telego.CallbackQuery) error {
		c.publishCallback(&query)
		return nil
	}, th.AnyCallbackQueryWithMessage())

	c.registerCommands(ctx)
	c.setRunning(true)
	logger.InfoCF(c.Name(), "Telegram bot connected", map[string]interface{}{
		"username": c.bot.Username(),
	})

	go bh.Start()

	go func() {
		<-ctx.Done()
		bh.Stop()
	}()

	return nil
}

func (c *TelegramPollingChannel) Stop(ctx context.Context) error {
	logger.InfoC(c.Name(), "Stopping Telegram bot...")
	c.setRunning(false)
	if c.handler != nil {
		c.handler.Stop()
	}
	return nil
}
