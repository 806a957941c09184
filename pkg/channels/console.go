// MateCode - Claude Code Telegram bridge
// License: MIT

package channels

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/zhaopengme/matecode/pkg/bus"
)

// ConsoleChannel is the local transport behind `matecode console`: lines typed
// at the terminal go through the same dispatcher path as Telegram messages,
// replies print to stdout.
type ConsoleChannel struct {
	*BaseChannel
	out io.Writer
	seq atomic.Int64
}

func NewConsoleChannel(broker bus.Broker) *ConsoleChannel {
	return &ConsoleChannel{
		BaseChannel: NewBaseChannel("console", broker),
		out:         os.Stdout,
	}
}

func (c *ConsoleChannel) Start(ctx context.Context) error {
	c.setRunning(true)
	return nil
}

func (c *ConsoleChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	return nil
}

func (c *ConsoleChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	_, err := fmt.Fprintf(c.out, "\n🧉 %s\n\n", msg.Content)
	return err
}

func (c *ConsoleChannel) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return nil
}

func (c *ConsoleChannel) SendTyping(ctx context.Context, chatID string) {}

func (c *ConsoleChannel) React(ctx context.Context, chatID, messageID string) {}

// PublishLine feeds one typed line into the bus as an inbound message.
func (c *ConsoleChannel) PublishLine(text string) {
	id := strconv.FormatInt(c.seq.Add(1), 10)
	c.Publish("", bus.InboundMessage{
		Channel:   c.Name(),
		SenderID:  "local",
		ChatID:    "local",
		Content:   text,
		MessageID: id,
	})
}
