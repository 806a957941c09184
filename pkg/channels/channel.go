// MateCode - Claude Code Telegram bridge
// License: MIT

package channels

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zhaopengme/matecode/pkg/bus"
	"github.com/zhaopengme/matecode/pkg/logger"
)

// Channel is one transport for chat updates. Implementations convert
// platform updates into bus.InboundMessage and expose the outbound send
// primitive the transcript monitor delivers through.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	AnswerCallback(ctx context.Context, callbackID, text string) error

	// SendTyping and React are best-effort acknowledgment affordances;
	// failures are logged, never propagated.
	SendTyping(ctx context.Context, chatID string)
	React(ctx context.Context, chatID, messageID string)
}

// dedupWindowSize bounds the recent-update memory. Upstream delivery is
// at-least-once, so both transports drop identifiers they have seen within
// this window.
const dedupWindowSize = 256

type dedupWindow struct {
	mu   sync.Mutex
	seen map[string]struct{}
	fifo []string
}

func newDedupWindow() *dedupWindow {
	return &dedupWindow{seen: make(map[string]struct{})}
}

// Seen records id and reports whether it was already present.
func (d *dedupWindow) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	d.fifo = append(d.fifo, id)
	if len(d.fifo) > dedupWindowSize {
		oldest := d.fifo[0]
		d.fifo = d.fifo[1:]
		delete(d.seen, oldest)
	}
	return false
}

// BaseChannel carries the pieces every transport shares: the bus it publishes
// into, its running flag and the dedup window.
type BaseChannel struct {
	name    string
	bus     bus.Broker
	running atomic.Bool
	dedup   *dedupWindow
}

func NewBaseChannel(name string, broker bus.Broker) *BaseChannel {
	return &BaseChannel{
		name:  name,
		bus:   broker,
		dedup: newDedupWindow(),
	}
}

func (b *BaseChannel) Name() string {
	return b.name
}

func (b *BaseChannel) IsRunning() bool {
	return b.running.Load()
}

func (b *BaseChannel) setRunning(v bool) {
	b.running.Store(v)
}

// Publish hands one inbound message to the bus unless its identifier was
// already seen. Returns false for duplicates.
func (b *BaseChannel) Publish(dedupKey string, msg bus.InboundMessage) bool {
	if dedupKey != "" && b.dedup.Seen(dedupKey) {
		logger.DebugCF(b.name, "Dropping duplicate update", map[string]interface{}{
			"id": dedupKey,
		})
		return false
	}
	b.bus.PublishInbound(msg)
	return true
}
