// MateCode - Claude Code Telegram bridge
// License: MIT

// Package bridge routes normalized chat updates to the agent's tmux session.
// It owns authorization, the command grammar and the single-slot pending
// request state; transports and the transcript monitor live elsewhere.
package bridge

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/zhaopengme/matecode/pkg/bus"
	"github.com/zhaopengme/matecode/pkg/channels"
	"github.com/zhaopengme/matecode/pkg/claude"
	"github.com/zhaopengme/matecode/pkg/config"
	"github.com/zhaopengme/matecode/pkg/logger"
	"github.com/zhaopengme/matecode/pkg/memory"
	"github.com/zhaopengme/matecode/pkg/state"
)

const componentName = "bridge"

// Injector is the slice of the tmux adapter the dispatcher needs.
type Injector interface {
	Inject(text string, submit bool) error
	Interrupt() error
	IsAlive() bool
	RunCommand(line string) error
	Session() string
}

// Sessions resolves the agent's prior sessions for the resume picker.
// Implemented by pkg/claude in production, faked in tests.
type Sessions interface {
	Recent(limit int) []claude.Session
	SessionID(projectPath string) string
}

type fileSessions struct {
	cfg *config.Config
}

func (f fileSessions) Recent(limit int) []claude.Session {
	return claude.RecentSessions(f.cfg.Claude.HistoryFile, limit)
}

func (f fileSessions) SessionID(projectPath string) string {
	return claude.SessionID(f.cfg.Claude.ProjectsDir, projectPath)
}

// Commands that only make sense on the interactive terminal; the bridge
// refuses to inject them.
var blockedCommands = map[string]bool{
	"/login":  true,
	"/logout": true,
	"/exit":   true,
	"/quit":   true,
}

const sessionDeadReply = "⚠️ No tmux session found. Start one with:\n" +
	"tmux new -s %s\nthen launch claude inside it."

const busyReply = "⏳ Claude is still working on the previous request. " +
	"Send /stop to interrupt it, or wait for the reply."

// Dispatcher consumes the inbound side of the bus and turns each update into
// keystrokes, a direct reply, or nothing.
type Dispatcher struct {
	cfg      *config.Config
	broker   bus.Broker
	agent    Injector
	tracker  *state.PendingTracker
	store    *memory.Store // nil when memory is disabled
	sessions Sessions
	channels map[string]channels.Channel
}

func NewDispatcher(
	cfg *config.Config,
	broker bus.Broker,
	agent Injector,
	tracker *state.PendingTracker,
	store *memory.Store,
	chans ...channels.Channel,
) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		broker:   broker,
		agent:    agent,
		tracker:  tracker,
		store:    store,
		sessions: fileSessions{cfg: cfg},
		channels: make(map[string]channels.Channel),
	}
	for _, c := range chans {
		d.channels[c.Name()] = c
	}
	return d
}

// Run consumes inbound messages until ctx is cancelled or the bus closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	logger.InfoC(componentName, "Dispatcher started")
	for {
		msg, ok := d.broker.ConsumeInbound(ctx)
		if !ok {
			logger.InfoC(componentName, "Dispatcher stopped")
			return ctx.Err()
		}
		d.Handle(ctx, msg)
	}
}

// Handle processes one inbound update. Exposed for tests and the cron runner.
func (d *Dispatcher) Handle(ctx context.Context, msg bus.InboundMessage) {
	if !d.authorized(msg) {
		logger.WarnCF(componentName, "Dropping message from unauthorized chat", map[string]interface{}{
			"channel": msg.Channel,
			"chat_id": msg.ChatID,
			"sender":  msg.SenderID,
		})
		return
	}

	if msg.IsCallback() {
		d.handleCallback(ctx, msg)
		return
	}

	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		d.handleCommand(ctx, msg, text)
		return
	}

	d.handlePrompt(ctx, msg, text)
}

// authorized restricts the telegram transport to the single configured chat.
// The console transport is local and always trusted.
func (d *Dispatcher) authorized(msg bus.InboundMessage) bool {
	if msg.Channel != "telegram" {
		return true
	}
	return msg.ChatID == strconv.FormatInt(d.cfg.Telegram.ChatID, 10)
}

func (d *Dispatcher) reply(msg bus.InboundMessage, text string) {
	d.broker.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: text,
	})
}

func (d *Dispatcher) handleCommand(ctx context.Context, msg bus.InboundMessage, text string) {
	cmd, args := splitCommand(text)

	logger.DebugCF(componentName, "Command received", map[string]interface{}{
		"command": cmd,
	})

	if blockedCommands[cmd] {
		d.reply(msg, fmt.Sprintf(
			"This command needs the interactive terminal. Attach with:\ntmux attach -t %s",
			d.agent.Session()))
		return
	}

	switch cmd {
	case "/start", "/help":
		d.reply(msg, helpText())
	case "/clear":
		d.cmdClear(msg)
	case "/stop":
		d.cmdStop(msg)
	case "/status":
		d.reply(msg, d.StatusText())
	case "/resume":
		d.cmdResume(msg)
	case "/continue_", "/continue":
		d.relaunch(msg, d.cfg.ContinueCommand(), "most recent session")
	case "/loop":
		d.cmdLoop(ctx, msg, args)
	case "/meta_loop":
		d.cmdMetaLoop(ctx, msg, args)
	case "/metamem":
		d.cmdMetaMem(msg)
	case "/remember":
		d.cmdRemember(msg, args)
	case "/recall":
		d.cmdRecall(msg, args)
	case "/forget":
		d.cmdForget(msg, args)
	case "/memstats":
		d.cmdMemStats(msg)
	default:
		// Unrecognized slash commands are the agent's own (like /compact);
		// pass them through without claiming the pending slot, since many
		// produce no transcript event.
		d.injectRaw(ctx, msg, text, false)
	}
}

func splitCommand(text string) (cmd, args string) {
	parts := strings.SplitN(text, " ", 2)
	cmd = strings.ToLower(parts[0])
	// strip the @botname suffix Telegram appends in groups
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	if len(parts) > 1 {
		args = strings.TrimSpace(parts[1])
	}
	return cmd, args
}

func (d *Dispatcher) cmdClear(msg bus.InboundMessage) {
	if !d.agent.IsAlive() {
		d.reply(msg, fmt.Sprintf(sessionDeadReply, d.agent.Session()))
		return
	}
	if err := d.agent.Inject("/clear", true); err != nil {
		d.reply(msg, "Failed to clear: "+err.Error())
		return
	}
	if err := d.tracker.Clear(); err != nil {
		logger.WarnCF(componentName, "Failed to clear pending slot", map[string]interface{}{
			"error": err.Error(),
		})
	}
	d.reply(msg, "🧹 Conversation cleared.")
}

func (d *Dispatcher) cmdStop(msg bus.InboundMessage) {
	if err := d.agent.Interrupt(); err != nil {
		d.reply(msg, "Failed to interrupt: "+err.Error())
		return
	}
	// Drop the slot unconditionally; the interrupted turn will never answer.
	if err := d.tracker.Clear(); err != nil {
		logger.WarnCF(componentName, "Failed to clear pending slot", map[string]interface{}{
			"error": err.Error(),
		})
	}
	d.reply(msg, "⏹ Interrupted. Claude is idle again.")
}

// StatusText summarizes the bridge for /status and the status subcommand.
func (d *Dispatcher) StatusText() string {
	var b strings.Builder
	b.WriteString("🧉 MateCode status\n")

	if d.agent.IsAlive() {
		fmt.Fprintf(&b, "tmux session %q: alive\n", d.agent.Session())
	} else {
		fmt.Fprintf(&b, "tmux session %q: NOT FOUND\n", d.agent.Session())
	}

	fmt.Fprintf(&b, "request slot: %s\n", d.tracker.Describe())

	if d.store == nil {
		b.WriteString("memory: disabled")
	} else if stats, err := d.store.Stats(); err != nil {
		b.WriteString("memory: unavailable (" + err.Error() + ")")
	} else {
		fmt.Fprintf(&b, "memory: %d entries", stats.Count)
	}
	return b.String()
}

func (d *Dispatcher) cmdResume(msg bus.InboundMessage) {
	sessions := d.sessions.Recent(5)

	rows := [][2]string{{"▶️ Continue most recent", "continue_recent"}}
	for _, s := range sessions {
		id := d.sessions.SessionID(s.Project)
		if id == "" {
			continue
		}
		label := s.Display
		if label == "" {
			label = s.Project
		}
		rows = append(rows, [2]string{logger.Truncate(label, 40), "resume:" + id})
	}

	if len(rows) == 1 && len(sessions) == 0 {
		d.reply(msg, "No prior sessions found.")
		return
	}

	d.broker.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: "Pick a session to resume:",
		Metadata: map[string]string{
			channels.MetaKeyboard: channels.EncodeKeyboard(rows),
		},
	})
}

func (d *Dispatcher) handleCallback(ctx context.Context, msg bus.InboundMessage) {
	if ch, ok := d.channels[msg.Channel]; ok {
		if err := ch.AnswerCallback(ctx, msg.CallbackID, ""); err != nil {
			logger.DebugCF(componentName, "Failed to answer callback", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	switch {
	case msg.CallbackData == "continue_recent":
		d.relaunch(msg, d.cfg.ContinueCommand(), "most recent session")
	case strings.HasPrefix(msg.CallbackData, "resume:"):
		id := strings.TrimPrefix(msg.CallbackData, "resume:")
		d.relaunch(msg, d.cfg.ResumeCommand(id), "session "+logger.Truncate(id, 12))
	default:
		logger.WarnCF(componentName, "Unknown callback data", map[string]interface{}{
			"data": msg.CallbackData,
		})
	}
}

// relaunch quits the running agent and starts the given command line in its
// place. The pending slot is dropped: the old turn will never answer and the
// new instance starts idle.
func (d *Dispatcher) relaunch(msg bus.InboundMessage, line, what string) {
	if !d.agent.IsAlive() {
		d.reply(msg, fmt.Sprintf(sessionDeadReply, d.agent.Session()))
		return
	}

	logger.InfoCF(componentName, "Relaunching agent", map[string]interface{}{
		"command": line,
	})
	if err := d.agent.RunCommand(line); err != nil {
		d.reply(msg, "Failed to relaunch: "+err.Error())
		return
	}
	_ = d.tracker.Clear()
	d.reply(msg, "▶️ Resuming "+what+". Give it a moment to start.")
}

func (d *Dispatcher) cmdLoop(ctx context.Context, msg bus.InboundMessage, args string) {
	if args == "" {
		d.reply(msg, "Usage: /loop <prompt>")
		return
	}

	escaped := strings.ReplaceAll(args, `"`, `\"`)
	wrapper := fmt.Sprintf(
		`/ralph-loop:ralph-loop "%s Output <promise>DONE</promise> when complete." --max-iterations %d --completion-promise "DONE"`,
		escaped, d.cfg.Bridge.LoopIterations)

	d.injectRaw(ctx, msg, wrapper, true)
}

// metaLoopInstruction tells the agent to end its reply with a rewritten
// system prompt inside <memory_update> tags; the transcript monitor strips
// the tags and stores the update before delivery.
const metaLoopInstruction = `【自我涉指协议】
这是递归自我涉指模式。你需要：
1. 完成用户的请求
2. 分析本轮交互中的关键信息和学习点
3. 在回复末尾使用 <memory_update> 标签输出更新后的系统提示词

格式：
<memory_update>
[更新后的完整提示词内容]
</memory_update>`

func (d *Dispatcher) metaPrompt() string {
	return claude.MetaPrompt(d.cfg.Claude.Dir)
}

// cmdMetaLoop runs the prompt as a Ralph Loop with the self-referential
// protocol attached, so each iteration can rewrite the stored system prompt.
func (d *Dispatcher) cmdMetaLoop(ctx context.Context, msg bus.InboundMessage, args string) {
	if args == "" {
		d.reply(msg, "Usage: /meta_loop <prompt>")
		return
	}

	full := metaLoopInstruction + "\n\n---\n\n用户请求: " + args + "\n\n请完成任务并输出记忆更新。"
	if meta := d.metaPrompt(); meta != "" {
		full = "【系统角色】\n" + meta + "\n\n" + full
	}

	escaped := strings.ReplaceAll(full, `"`, `\"`)
	wrapper := fmt.Sprintf(
		`/ralph-loop:ralph-loop "%s Output <promise>DONE</promise> when complete." --max-iterations %d --completion-promise "DONE"`,
		escaped, d.cfg.Bridge.LoopIterations)

	d.injectRaw(ctx, msg, wrapper, true)
}

func (d *Dispatcher) cmdMetaMem(msg bus.InboundMessage) {
	if d.store == nil {
		d.reply(msg, "Memory is disabled.")
		return
	}

	entries, err := d.store.RecentBySource(memory.SourceMeta, 5)
	if err != nil {
		d.reply(msg, "Lookup failed: "+err.Error())
		return
	}
	if len(entries) == 0 {
		d.reply(msg, "No meta-update memories found.")
		return
	}

	var b strings.Builder
	b.WriteString("🔄 Meta-update memories:\n")
	for i, e := range entries {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1,
			e.CreatedAt.Format("2006-01-02"), logger.Truncate(e.Content, 150))
	}
	d.reply(msg, strings.TrimRight(b.String(), "\n"))
}

func (d *Dispatcher) cmdRemember(msg bus.InboundMessage, args string) {
	if d.store == nil {
		d.reply(msg, "Memory is disabled.")
		return
	}
	if args == "" {
		d.reply(msg, "Usage: /remember <text>")
		return
	}
	if err := d.store.Add(args, memory.SourceManual); err != nil {
		logger.ErrorCF(componentName, "Failed to save memory", map[string]interface{}{
			"error": err.Error(),
		})
		d.reply(msg, "Failed to save: "+err.Error())
		return
	}
	d.reply(msg, "✅ Remembered.")
}

func (d *Dispatcher) cmdRecall(msg bus.InboundMessage, args string) {
	if d.store == nil {
		d.reply(msg, "Memory is disabled.")
		return
	}

	var entries []memory.Entry
	var err error
	if args == "" {
		entries, err = d.store.Recent(d.cfg.Memory.MaxResults)
	} else {
		entries, err = d.store.Search(args, d.cfg.Memory.MaxResults)
	}
	if err != nil {
		d.reply(msg, "Search failed: "+err.Error())
		return
	}
	if len(entries) == 0 {
		d.reply(msg, "Nothing found.")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d:\n", len(entries))
	for i, e := range entries {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1,
			e.CreatedAt.Format("2006-01-02"), logger.Truncate(e.Content, 200))
	}
	d.reply(msg, strings.TrimRight(b.String(), "\n"))
}

func (d *Dispatcher) cmdForget(msg bus.InboundMessage, args string) {
	if d.store == nil {
		d.reply(msg, "Memory is disabled.")
		return
	}
	if args == "" {
		d.reply(msg, "Usage: /forget <query>, or /forget all to wipe everything")
		return
	}

	if args == "all" {
		if err := d.store.Clear(); err != nil {
			d.reply(msg, "Failed to clear memory: "+err.Error())
			return
		}
		d.reply(msg, "🗑 All memories deleted.")
		return
	}

	n, err := d.store.DeleteByQuery(args)
	if err != nil {
		d.reply(msg, "Failed to delete: "+err.Error())
		return
	}
	d.reply(msg, fmt.Sprintf("🗑 Deleted %d matching memories.", n))
}

func (d *Dispatcher) cmdMemStats(msg bus.InboundMessage) {
	if d.store == nil {
		d.reply(msg, "Memory is disabled.")
		return
	}
	stats, err := d.store.Stats()
	if err != nil {
		d.reply(msg, "Stats unavailable: "+err.Error())
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🧠 %d memories", stats.Count)
	if stats.Count > 0 {
		fmt.Fprintf(&b, "\noldest: %s\nnewest: %s",
			stats.Oldest.Format("2006-01-02"), stats.Newest.Format("2006-01-02"))
		for source, n := range stats.BySource {
			fmt.Fprintf(&b, "\n%s: %d", source, n)
		}
	}
	d.reply(msg, b.String())
}

// handlePrompt is the main path: augment with memory context and the
// .CLAUDE.md meta-prompt, claim the slot, type the prompt into the session.
func (d *Dispatcher) handlePrompt(ctx context.Context, msg bus.InboundMessage, prompt string) {
	if !d.injectRaw(ctx, msg, d.buildFullPrompt(prompt), true) {
		return
	}

	// Remember what was asked; the transcript monitor saves the answer.
	if d.store != nil {
		if err := d.store.Add(prompt, memory.SourceAuto); err != nil {
			logger.WarnCF(componentName, "Failed to auto-save prompt", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

// injectRaw types text into the session. When claimSlot is set it first
// acquires the pending slot so the next transcript event is attributed to this
// message. Returns whether the injection happened.
func (d *Dispatcher) injectRaw(ctx context.Context, msg bus.InboundMessage, text string, claimSlot bool) bool {
	if !d.agent.IsAlive() {
		d.reply(msg, fmt.Sprintf(sessionDeadReply, d.agent.Session()))
		return false
	}

	if claimSlot {
		err := d.tracker.Acquire(msg.Channel, msg.ChatID, msg.MessageID)
		if err == state.ErrBusy {
			d.reply(msg, busyReply)
			return false
		}
		if err != nil {
			logger.ErrorCF(componentName, "Failed to record pending request", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	if err := d.agent.Inject(text, true); err != nil {
		if claimSlot {
			_ = d.tracker.Clear()
		}
		logger.ErrorCF(componentName, "Injection failed", map[string]interface{}{
			"error": err.Error(),
		})
		d.reply(msg, "Failed to reach the session: "+err.Error())
		return false
	}

	if ch, ok := d.channels[msg.Channel]; ok && msg.MessageID != "" {
		ch.React(ctx, msg.ChatID, msg.MessageID)
		ch.SendTyping(ctx, msg.ChatID)
	}
	return true
}

// RunScheduledPrompt injects a cron job's prompt through the normal prompt
// path. Skipped when a request is already awaiting a response; scheduled work
// never preempts the operator.
func (d *Dispatcher) RunScheduledPrompt(ctx context.Context, name, prompt string) bool {
	if d.tracker.Awaiting() {
		logger.InfoCF(componentName, "Skipping scheduled prompt, slot busy", map[string]interface{}{
			"job": name,
		})
		return false
	}

	logger.InfoCF(componentName, "Running scheduled prompt", map[string]interface{}{
		"job": name,
	})
	d.handlePrompt(ctx, bus.InboundMessage{
		Channel: "telegram",
		ChatID:  strconv.FormatInt(d.cfg.Telegram.ChatID, 10),
	}, prompt)
	return true
}

// buildFullPrompt prepends the contextual parts the session should see before
// the prompt itself: relevant memories, then the .CLAUDE.md meta-prompt.
func (d *Dispatcher) buildFullPrompt(prompt string) string {
	var parts []string
	if preamble := d.memoryPreamble(prompt); preamble != "" {
		parts = append(parts, preamble)
	}
	if meta := d.metaPrompt(); meta != "" {
		parts = append(parts, "【系统指令】\n"+meta)
	}
	if len(parts) == 0 {
		return prompt
	}
	return strings.Join(parts, "\n\n---\n\n") + "\n\n---\n\n" + prompt
}

// memoryPreamble searches stored memories for context relevant to the prompt.
// Any failure degrades to no preamble.
func (d *Dispatcher) memoryPreamble(prompt string) string {
	if d.store == nil {
		return ""
	}
	entries, err := d.store.Search(prompt, d.cfg.Memory.MaxResults)
	if err != nil {
		logger.WarnCF(componentName, "Memory search failed", map[string]interface{}{
			"error": err.Error(),
		})
		return ""
	}
	return memory.FormatForPrompt(entries, d.cfg.Memory.MaxContextChars)
}

func helpText() string {
	return `🧉 MateCode bridges this chat to Claude Code in tmux.

Type anything to send it as a prompt. Commands:
/clear - clear the conversation
/resume - pick a prior session to resume
/continue_ - continue the most recent session
/loop <prompt> - run the prompt as a Ralph Loop
/meta_loop <prompt> - Ralph Loop with auto-memory updates
/stop - interrupt the current turn
/status - session, slot and memory state
/remember <text> - save to long-term memory
/recall <query> - search memory (empty for recent)
/forget <query|all> - delete memories
/memstats - memory statistics
/metamem - list recent meta-update memories`
}
