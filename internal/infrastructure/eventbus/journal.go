package eventbus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/convogate/gateway/internal/domain/entity"
	"github.com/convogate/gateway/internal/domain/service"
)

// JournalFile is the active journal name inside JournalConfig.Dir.
const JournalFile = "events.jsonl"

// JournalBus wraps InMemoryBus and appends every conversation event to a
// JSON lines journal before dispatch. Replay re-emits the journal so a fresh
// set of subscribers can rebuild counters offline.
type JournalBus struct {
	inner   *InMemoryBus
	file    *os.File
	writer  *bufio.Writer
	path    string
	mu      sync.Mutex
	logger  *zap.Logger
	maxSize int64
	written int64
}

// journalEntry is one line on disk.
type journalEntry struct {
	Type           string    `json:"type"`
	Timestamp      time.Time `json:"ts"`
	ConversationID string    `json:"conversation_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Source         string    `json:"source,omitempty"`
	Sequence       int       `json:"seq,omitempty"`
	Persisted      bool      `json:"persisted,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// JournalConfig 事件日志配置
type JournalConfig struct {
	Dir        string // 必填
	BufferSize int    // 默认 256
	MaxSize    int64  // 超过后轮转为 .old, 默认 10MB
}

// NewJournalBus opens (or creates) the journal in cfg.Dir.
func NewJournalBus(cfg JournalConfig, logger *zap.Logger) (*JournalBus, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("journal dir is required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10 * 1024 * 1024
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	path := filepath.Join(cfg.Dir, JournalFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	var size int64
	if stat, err := f.Stat(); err == nil {
		size = stat.Size()
	}

	return &JournalBus{
		inner:   NewInMemoryBus(logger, cfg.BufferSize),
		file:    f,
		writer:  bufio.NewWriterSize(f, 64*1024),
		path:    path,
		logger:  logger.With(zap.String("component", "event-journal")),
		maxSize: cfg.MaxSize,
		written: size,
	}, nil
}

// Publish journals conversation events, then dispatches.
func (b *JournalBus) Publish(ctx context.Context, event Event) {
	if ev, ok := ConversationPayload(event); ok {
		b.append(ev)
	}
	b.inner.Publish(ctx, event)
}

func (b *JournalBus) append(ev service.ConversationEvent) {
	data, err := json.Marshal(journalEntry{
		Type:           string(ev.Type),
		Timestamp:      ev.Timestamp,
		ConversationID: ev.ConversationID,
		UserID:         ev.UserID,
		Source:         string(ev.Source),
		Sequence:       ev.Sequence,
		Persisted:      ev.Persisted,
		Error:          ev.Error,
	})
	if err != nil {
		b.logger.Error("Failed to marshal event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.writer.Write(append(data, '\n'))
	if err != nil {
		b.logger.Error("Journal write failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
	b.written += int64(n)
	_ = b.writer.Flush()

	if b.written >= b.maxSize {
		b.rotateLocked()
	}
}

// Subscribe delegates to InMemoryBus.
func (b *JournalBus) Subscribe(eventType string, handler Handler) {
	b.inner.Subscribe(eventType, handler)
}

// Close flushes the journal and drains the bus.
func (b *JournalBus) Close() {
	b.mu.Lock()
	_ = b.writer.Flush()
	_ = b.file.Sync()
	_ = b.file.Close()
	b.mu.Unlock()

	b.inner.Close()
}

// Replay re-emits the journal (rotated file first) to the subscribers
// without journaling the events again. Handlers have returned when Replay
// does. Returns the number replayed.
func (b *JournalBus) Replay(ctx context.Context) (int, error) {
	b.mu.Lock()
	_ = b.writer.Flush()
	b.mu.Unlock()

	count := 0
	for _, path := range []string{b.path + ".old", b.path} {
		n, err := b.replayFile(ctx, path)
		count += n
		if err != nil {
			return count, err
		}
	}

	b.logger.Info("Journal replay complete", zap.Int("events", count))
	return count, nil
}

func (b *JournalBus) replayFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open journal for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	count := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry journalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			b.logger.Warn("Skipping corrupt journal entry", zap.Error(err))
			continue
		}

		ev := service.ConversationEvent{
			Type:           service.ConversationEventType(entry.Type),
			ConversationID: entry.ConversationID,
			UserID:         entry.UserID,
			Source:         entity.Source(entry.Source),
			Sequence:       entry.Sequence,
			Persisted:      entry.Persisted,
			Error:          entry.Error,
			Timestamp:      entry.Timestamp,
		}
		// 同步分发, 回放不受缓冲区大小限制
		b.inner.dispatchEvent(ctx, &BaseEvent{EventType: entry.Type, EventTimestamp: entry.Timestamp, EventPayload: ev})
		count++
	}

	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("journal scan: %w", err)
	}
	return count, nil
}

// Truncate clears the journal and its rotated file.
func (b *JournalBus) Truncate() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_ = b.writer.Flush()
	_ = b.file.Close()
	_ = os.Remove(b.path + ".old")

	f, err := os.Create(b.path)
	if err != nil {
		return fmt.Errorf("truncate journal: %w", err)
	}
	b.file = f
	b.writer = bufio.NewWriterSize(f, 64*1024)
	b.written = 0
	return nil
}

// rotateLocked keeps one rotated file. Caller holds b.mu.
func (b *JournalBus) rotateLocked() {
	_ = b.writer.Flush()
	_ = b.file.Close()

	oldPath := b.path + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(b.path, oldPath)

	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		b.logger.Error("Journal rotation failed", zap.Error(err))
		return
	}
	b.file = f
	b.writer = bufio.NewWriterSize(f, 64*1024)
	b.written = 0

	b.logger.Info("Journal rotated", zap.String("old_path", oldPath))
}

// Size returns the active journal size in bytes.
func (b *JournalBus) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}
