package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/zhaopengme/matecode/pkg/bus"
	"github.com/zhaopengme/matecode/pkg/config"
	"github.com/zhaopengme/matecode/pkg/logger"
)

// Telegram caps messages at 4096 chars; leave headroom for the HTML markup
// added during rendering.
const telegramMessageLimit = 4000

// MetaKeyboard is the outbound-metadata key carrying an inline keyboard as
// JSON rows of [label, callback_data] pairs.
const MetaKeyboard = "inline_keyboard"

var botCommands = []telego.BotCommand{
	{Command: "clear", Description: "Clear conversation"},
	{Command: "resume", Description: "Resume session (shows picker)"},
	{Command: "continue_", Description: "Continue most recent session"},
	{Command: "loop", Description: "Ralph Loop: /loop <prompt>"},
	{Command: "meta_loop", Description: "Ralph Loop with auto-memory: /meta_loop <prompt>"},
	{Command: "stop", Description: "Interrupt Claude (Escape)"},
	{Command: "status", Description: "Check bridge status"},
	{Command: "remember", Description: "Save to memory: /remember <text>"},
	{Command: "recall", Description: "Search memories: /recall <query>"},
	{Command: "forget", Description: "Delete memory: /forget <query|all>"},
	{Command: "memstats", Description: "Memory statistics"},
	{Command: "metamem", Description: "List meta-update memories"},
}

func newTelegramBot(cfg config.TelegramConfig) (*telego.Bot, error) {
	var opts []telego.BotOption

	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	} else if os.Getenv("HTTP_PROXY") != "" || os.Getenv("HTTPS_PROXY") != "" {
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return bot, nil
}

// telegramSender implements the outbound half shared by the polling and
// webhook variants.
type telegramSender struct {
	*BaseChannel
	bot *telego.Bot
}

func (c *telegramSender) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID %q: %w", msg.ChatID, err)
	}

	var keyboard *telego.InlineKeyboardMarkup
	if raw, ok := msg.Metadata[MetaKeyboard]; ok {
		keyboard = decodeKeyboard(raw)
	}

	var lastErr error
	for i, chunk := range splitMessage(msg.Content, telegramMessageLimit) {
		params := &telego.SendMessageParams{
			ChatID:    tu.ID(chatID),
			Text:      renderTelegramHTML(chunk),
			ParseMode: telego.ModeHTML,
		}
		if i == 0 && keyboard != nil {
			params.ReplyMarkup = keyboard
		}

		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			logger.WarnCF(c.Name(), "HTML send failed, falling back to plain text", map[string]interface{}{
				"error": err.Error(),
				"chunk": i,
			})
			params.Text = chunk
			params.ParseMode = ""
			if _, err := c.bot.SendMessage(ctx, params); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

func (c *telegramSender) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
	})
}

func (c *telegramSender) SendTyping(ctx context.Context, chatIDStr string) {
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return
	}
	err = c.bot.SendChatAction(ctx, &telego.SendChatActionParams{
		ChatID: tu.ID(chatID),
		Action: telego.ChatActionTyping,
	})
	if err != nil {
		logger.DebugCF(c.Name(), "Failed to send typing action", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (c *telegramSender) React(ctx context.Context, chatIDStr, messageIDStr string) {
	chatID, err1 := strconv.ParseInt(chatIDStr, 10, 64)
	messageID, err2 := strconv.Atoi(messageIDStr)
	if err1 != nil || err2 != nil {
		return
	}
	err := c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Reaction: []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: "👍"},
		},
	})
	if err != nil {
		logger.DebugCF(c.Name(), "Failed to set reaction", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (c *telegramSender) registerCommands(ctx context.Context) {
	err := c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: botCommands})
	if err != nil {
		logger.WarnCF(c.Name(), "Failed to register bot commands", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	logger.InfoC(c.Name(), "Bot commands registered")
}

// publishMessage converts one telego message into an inbound bus message,
// deduplicated by message ID.
func (c *telegramSender) publishMessage(message *telego.Message) {
	if message == nil || message.Text == "" || message.From == nil {
		return
	}

	chatID := strconv.FormatInt(message.Chat.ID, 10)
	messageID := strconv.Itoa(message.MessageID)

	logger.DebugCF(c.Name(), "Received message", map[string]interface{}{
		"chat_id": chatID,
		"preview": logger.Truncate(message.Text, 50),
	})

	c.Publish("msg:"+messageID, bus.InboundMessage{
		Channel:   c.Name(),
		SenderID:  strconv.FormatInt(message.From.ID, 10),
		ChatID:    chatID,
		Content:   message.Text,
		MessageID: messageID,
	})
}

// publishCallback converts an inline-button press, deduplicated by query ID.
func (c *telegramSender) publishCallback(query *telego.CallbackQuery) {
	if query == nil || query.Message == nil {
		return
	}

	chatID := strconv.FormatInt(query.Message.GetChat().ID, 10)

	c.Publish("cb:"+query.ID, bus.InboundMessage{
		Channel:      c.Name(),
		SenderID:     strconv.FormatInt(query.From.ID, 10),
		ChatID:       chatID,
		CallbackID:   query.ID,
		CallbackData: query.Data,
	})
}

// EncodeKeyboard marshals [label, callback_data] rows for MetaKeyboard.
func EncodeKeyboard(rows [][2]string) string {
	data, _ := json.Marshal(rows)
	return string(data)
}

func decodeKeyboard(raw string) *telego.InlineKeyboardMarkup {
	var rows [][2]string
	if err := json.Unmarshal([]byte(raw), &rows); err != nil || len(rows) == 0 {
		return nil
	}

	kbRows := make([][]telego.InlineKeyboardButton, 0, len(rows))
	for _, r := range rows {
		kbRows = append(kbRows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(r[0]).WithCallbackData(r[1]),
		))
	}
	return tu.InlineKeyboard(kbRows...)
}
