package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mymmrac/telego"

	"github.com/zhaopengme/matecode/pkg/bus"
	"github.com/zhaopengme/matecode/pkg/config"
	"github.com/zhaopengme/matecode/pkg/logger"
)

// TelegramWebhookChannel is the push transport: a bound HTTP listener that
// Telegram delivers updates to. Every request is acknowledged with 200
// regardless of processing outcome (anything else triggers redelivery
// storms), and processing is handed off so the request never blocks on
// session I/O.
type TelegramWebhookChannel struct {
	telegramSender
	cfg    config.TelegramConfig
	server *http.Server
}

func NewTelegramWebhookChannel(cfg config.TelegramConfig, broker bus.Broker) (*TelegramWebhookChannel, error) {
	bot, err := newTelegramBot(cfg)
	if err != nil {
		return nil, err
	}

	return &TelegramWebhookChannel{
		telegramSender: telegramSender{
			BaseChannel: NewBaseChannel("telegram", broker),
			bot:         bot,
		},
		cfg: cfg,
	}, nil
}

func (c *TelegramWebhookChannel) Start(ctx context.Context) error {
	logger.InfoC(c.Name(), "Starting Telegram bot (webhook mode)...")

	mux := http.NewServeMux()
	mux.HandleFunc(c.cfg.WebhookPath, c.handleUpdate)
	mux.HandleFunc("/health/telegram", c.handleHealth)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.cfg.WebhookPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF(c.Name(), "Webhook server failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}()

	// With a public URL configured, register it with Telegram; otherwise the
	// operator has set the webhook through their tunnel tooling already.
	if c.cfg.WebhookURL != "" {
		err := c.bot.SetWebhook(ctx, &telego.SetWebhookParams{
			URL:         c.cfg.WebhookURL,
			SecretToken: c.cfg.WebhookSecret,
		})
		if err != nil {
			return fmt.Errorf("failed to set webhook: %w", err)
		}
	}

	c.registerCommands(ctx)
	c.setRunning(true)
	logger.InfoCF(c.Name(), "Webhook listener bound", map[string]interface{}{
		"port": c.cfg.WebhookPort,
		"path": c.cfg.WebhookPath,
	})
	return nil
}

func (c *TelegramWebhookChannel) Stop(ctx context.Context) error {
	logger.InfoC(c.Name(), "Stopping webhook listener...")
	c.setRunning(false)
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

func (c *TelegramWebhookChannel) handleUpdate(w http.ResponseWriter, r *http.Request) {
	// Always acknowledge; Telegram redelivers on any non-2xx.
	defer w.WriteHeader(http.StatusOK)

	if r.Method != http.MethodPost {
		return
	}

	if c.cfg.WebhookSecret != "" &&
		r.Header.Get("X-Telegram-Bot-Api-Secret-Token") != c.cfg.WebhookSecret {
		logger.WarnC(c.Name(), "Webhook request with bad secret token dropped")
		return
	}

	var update telego.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		logger.WarnCF(c.Name(), "Failed to parse webhook update", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	// Hand off so the HTTP response is never blocked on session injection.
	go c.dispatch(&update)
}

func (c *TelegramWebhookChannel) dispatch(update *telego.Update) {
	switch {
	case update.Message != nil:
		c.publishMessage(update.Message)
	case update.CallbackQuery != nil:
		c.publishCallback(update.CallbackQuery)
	}
}

func (c *TelegramWebhookChannel) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
