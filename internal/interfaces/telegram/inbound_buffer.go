package telegram

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/convogate/gateway/pkg/safego"
)

// BufferConfig 入站缓冲参数
type BufferConfig struct {
	// 超过该长度的消息可能是被 Telegram 拆分的长文本
	FragmentStartThreshold int
	FragmentMaxGap         time.Duration
	FragmentMaxIDGap       int
	FragmentMaxParts       int
	FragmentMaxTotalChars  int

	// 合并连续的短消息, 0 表示不合并
	DebounceWindow time.Duration
}

// DefaultBufferConfig 默认参数
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		FragmentStartThreshold: 4000,
		FragmentMaxGap:         1500 * time.Millisecond,
		FragmentMaxIDGap:       1,
		FragmentMaxParts:       12,
		FragmentMaxTotalChars:  50000,
		DebounceWindow:         1500 * time.Millisecond,
	}
}

// InboundBuffer merges rapid-fire Telegram messages into a single turn
// before they reach the conversation:
//  1. Text fragments: a long paste that Telegram split into several messages
//  2. Debounce: several short messages sent in quick succession
type InboundBuffer struct {
	cfg       BufferConfig
	fragments map[string]*pendingEntry
	debounce  map[string]*pendingEntry
	handler   InboundHandler
	logger    *zap.Logger
	mu        sync.Mutex
}

// InboundHandler is called when a buffered message is ready
type InboundHandler func(ctx context.Context, msg *IncomingMessage)

type pendingEntry struct {
	messages []bufferedMessage
	timer    *time.Timer
}

type bufferedMessage struct {
	ctx        context.Context
	msg        *IncomingMessage
	receivedAt time.Time
}

// NewInboundBuffer creates a new inbound buffer
func NewInboundBuffer(handler InboundHandler, cfg BufferConfig, logger *zap.Logger) *InboundBuffer {
	return &InboundBuffer{
		cfg:       cfg,
		fragments: make(map[string]*pendingEntry),
		debounce:  make(map[string]*pendingEntry),
		handler:   handler,
		logger:    logger,
	}
}

// Submit routes an incoming message through the appropriate buffer
func (b *InboundBuffer) Submit(ctx context.Context, msg *IncomingMessage) {
	// Commands bypass all buffering
	if isCommand(msg.Text) || strings.TrimSpace(msg.Text) == "" {
		b.handler(ctx, msg)
		return
	}

	if b.tryAppendFragment(ctx, msg) {
		return
	}

	if utf8.RuneCountInString(msg.Text) >= b.cfg.FragmentStartThreshold {
		b.startFragment(ctx, msg)
		return
	}

	if b.cfg.DebounceWindow <= 0 {
		b.handler(ctx, msg)
		return
	}
	b.submitDebounce(ctx, msg)
}

func entryKey(kind string, msg *IncomingMessage) string {
	return fmt.Sprintf("%s:%d:%d", kind, msg.ChatID, msg.UserID)
}

// --- Text Fragment Reassembly ---

func (b *InboundBuffer) tryAppendFragment(ctx context.Context, msg *IncomingMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := entryKey("frag", msg)
	entry, exists := b.fragments[key]
	if !exists {
		return false
	}

	last := entry.messages[len(entry.messages)-1]
	idGap := msg.MessageID - last.msg.MessageID

	canAppend := idGap > 0 && idGap <= b.cfg.FragmentMaxIDGap &&
		time.Since(last.receivedAt) <= b.cfg.FragmentMaxGap &&
		len(entry.messages) < b.cfg.FragmentMaxParts

	if canAppend {
		total := utf8.RuneCountInString(msg.Text)
		for _, m := range entry.messages {
			total += utf8.RuneCountInString(m.msg.Text)
		}
		canAppend = total <= b.cfg.FragmentMaxTotalChars
	}

	if !canAppend {
		// 不连续, 先把已收集的片段发出去
		entry.timer.Stop()
		delete(b.fragments, key)
		b.flushLocked(entry, "")
		return false
	}

	entry.messages = append(entry.messages, bufferedMessage{ctx: ctx, msg: msg, receivedAt: time.Now()})
	entry.timer.Reset(b.cfg.FragmentMaxGap)

	b.logger.Debug("Text fragment appended",
		zap.Int64("chat_id", msg.ChatID),
		zap.Int("part", len(entry.messages)),
		zap.Int("msg_id", msg.MessageID),
	)
	return true
}

func (b *InboundBuffer) startFragment(ctx context.Context, msg *IncomingMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// 同一来源的短消息先行发出, 保持顺序
	if pending, ok := b.debounce[entryKey("deb", msg)]; ok {
		pending.timer.Stop()
		delete(b.debounce, entryKey("deb", msg))
		b.flushLocked(pending, "\n")
	}

	key := entryKey("frag", msg)
	b.fragments[key] = b.newEntryLocked(b.fragments, key, ctx, msg, b.cfg.FragmentMaxGap, "")

	b.logger.Debug("Text fragment sequence started",
		zap.Int64("chat_id", msg.ChatID),
		zap.Int("text_len", utf8.RuneCountInString(msg.Text)),
	)
}

// --- Debounce ---

func (b *InboundBuffer) submitDebounce(ctx context.Context, msg *IncomingMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := entryKey("deb", msg)
	if entry, exists := b.debounce[key]; exists {
		entry.messages = append(entry.messages, bufferedMessage{ctx: ctx, msg: msg, receivedAt: time.Now()})
		entry.timer.Reset(b.cfg.DebounceWindow)
		return
	}

	b.debounce[key] = b.newEntryLocked(b.debounce, key, ctx, msg, b.cfg.DebounceWindow, "\n")
}

// newEntryLocked starts a pending entry that flushes itself after wait.
func (b *InboundBuffer) newEntryLocked(table map[string]*pendingEntry, key string, ctx context.Context, msg *IncomingMessage, wait time.Duration, sep string) *pendingEntry {
	entry := &pendingEntry{
		messages: []bufferedMessage{{ctx: ctx, msg: msg, receivedAt: time.Now()}},
	}
	entry.timer = time.AfterFunc(wait, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if e, ok := table[key]; ok && e == entry {
			delete(table, key)
			b.flushLocked(e, sep)
		}
	})
	return entry
}

// flushLocked merges the entry into one message and hands it off.
func (b *InboundBuffer) flushLocked(entry *pendingEntry, sep string) {
	if len(entry.messages) == 0 {
		return
	}
	if len(entry.messages) == 1 {
		b.deliver(entry.messages[0].ctx, entry.messages[0].msg)
		return
	}

	sort.SliceStable(entry.messages, func(i, j int) bool {
		return entry.messages[i].msg.MessageID < entry.messages[j].msg.MessageID
	})

	first := entry.messages[0]
	last := entry.messages[len(entry.messages)-1]

	parts := make([]string, 0, len(entry.messages))
	for _, m := range entry.messages {
		if m.msg.Text != "" {
			parts = append(parts, m.msg.Text)
		}
	}

	merged := &IncomingMessage{
		MessageID: last.msg.MessageID,
		ChatID:    first.msg.ChatID,
		UserID:    first.msg.UserID,
		Username:  first.msg.Username,
		Text:      strings.Join(parts, sep),
		Timestamp: first.msg.Timestamp,
	}

	b.logger.Info("Inbound messages merged",
		zap.Int64("chat_id", merged.ChatID),
		zap.Int("count", len(entry.messages)),
	)

	b.deliver(first.ctx, merged)
}

func (b *InboundBuffer) deliver(ctx context.Context, msg *IncomingMessage) {
	safego.Go(b.logger, "telegram-inbound", func() {
		b.handler(ctx, msg)
	})
}
