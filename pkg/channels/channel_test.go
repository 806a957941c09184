package channels

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zhaopengme/matecode/pkg/bus"
	"github.com/zhaopengme/matecode/pkg/config"
)

func TestDedupWindow(t *testing.T) {
	d := newDedupWindow()

	if d.Seen("a") {
		t.Error("first sighting should not be a duplicate")
	}
	if !d.Seen("a") {
		t.Error("second sighting should be a duplicate")
	}
}

func TestDedupWindowEviction(t *testing.T) {
	d := newDedupWindow()

	for i := 0; i < dedupWindowSize+1; i++ {
		d.Seen(fmt.Sprintf("id-%d", i))
	}

	// "id-0" fell out of the window, so it counts as new again.
	if d.Seen("id-0") {
		t.Error("evicted id should no longer be a duplicate")
	}
	if d.Seen(fmt.Sprintf("id-%d", dedupWindowSize)) == false {
		t.Error("recent id should still be a duplicate")
	}
}

func TestPublishDeduplicates(t *testing.T) {
	broker := bus.NewMessageBus()
	base := NewBaseChannel("test", broker)

	msg := bus.InboundMessage{Channel: "test", ChatID: "42", Content: "hello", MessageID: "7"}
	if !base.Publish("msg:7", msg) {
		t.Fatal("first publish should succeed")
	}
	if base.Publish("msg:7", msg) {
		t.Fatal("duplicate publish should be dropped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := broker.ConsumeInbound(ctx)
	if !ok || got.Content != "hello" {
		t.Fatalf("expected the published message, got %+v ok=%v", got, ok)
	}

	// Exactly one copy must have reached the bus.
	shortCtx, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if _, ok := broker.ConsumeInbound(shortCtx); ok {
		t.Fatal("duplicate must not reach the bus")
	}
}

func newTestWebhookChannel(broker bus.Broker) *TelegramWebhookChannel {
	return &TelegramWebhookChannel{
		telegramSender: telegramSender{
			BaseChannel: NewBaseChannel("telegram", broker),
		},
		cfg: config.TelegramConfig{
			WebhookPath:   "/telegram/webhook",
			WebhookSecret: "s3cret",
		},
	}
}

const webhookUpdate = `{
	"update_id": 1001,
	"message": {
		"message_id": 7,
		"from": {"id": 42, "is_bot": false, "first_name": "u"},
		"chat": {"id": 42, "type": "private"},
		"date": 1700000000,
		"text": "hello"
	}
}`

func TestWebhookAcksAndPublishes(t *testing.T) {
	broker := bus.NewMessageBus()
	c := newTestWebhookChannel(broker)

	req := httptest.NewRequest("POST", "/telegram/webhook", bytes.NewBufferString(webhookUpdate))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "s3cret")
	rec := httptest.NewRecorder()
	c.handleUpdate(rec, req)

	if rec.Code != 200 {
		t.Fatalf("webhook must ack with 200, got %d", rec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := broker.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected an inbound message")
	}
	if msg.ChatID != "42" || msg.Content != "hello" || msg.MessageID != "7" {
		t.Errorf("unexpected inbound message: %+v", msg)
	}
}

func TestWebhookRedeliveryIsDeduplicated(t *testing.T) {
	broker := bus.NewMessageBus()
	c := newTestWebhookChannel(broker)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/telegram/webhook", bytes.NewBufferString(webhookUpdate))
		req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "s3cret")
		rec := httptest.NewRecorder()
		c.handleUpdate(rec, req)
		if rec.Code != 200 {
			t.Fatalf("redelivery must still be acked with 200, got %d", rec.Code)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := broker.ConsumeInbound(ctx); !ok {
		t.Fatal("expected the first delivery")
	}

	shortCtx, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel2()
	if _, ok := broker.ConsumeInbound(shortCtx); ok {
		t.Fatal("redelivered update must produce exactly one inbound message")
	}
}

func TestWebhookBadSecretDropped(t *testing.T) {
	broker := bus.NewMessageBus()
	c := newTestWebhookChannel(broker)

	req := httptest.NewRequest("POST", "/telegram/webhook", bytes.NewBufferString(webhookUpdate))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "wrong")
	rec := httptest.NewRecorder()
	c.handleUpdate(rec, req)

	// Still acked, but nothing published.
	if rec.Code != 200 {
		t.Fatalf("got %d, want 200", rec.Code)
	}
	shortCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, ok := broker.ConsumeInbound(shortCtx); ok {
		t.Fatal("update with bad secret must be dropped")
	}
}

func TestEncodeDecodeKeyboard(t *testing.T) {
	raw := EncodeKeyboard([][2]string{
		{"Continue most recent", "continue_recent"},
		{"project alpha", "resume:abc-123"},
	})

	kb := decodeKeyboard(raw)
	if kb == nil || len(kb.InlineKeyboard) != 2 {
		t.Fatalf("decodeKeyboard() = %+v", kb)
	}
	btn := kb.InlineKeyboard[1][0]
	if btn.Text != "project alpha" || btn.CallbackData != "resume:abc-123" {
		t.Errorf("unexpected button: %+v", btn)
	}

	if decodeKeyboard("not json") != nil {
		t.Error("invalid keyboard metadata should decode to nil")
	}
}
