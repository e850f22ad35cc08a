package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// collectHandler collects messages into a thread-safe slice
type collectHandler struct {
	mu   sync.Mutex
	msgs []*IncomingMessage
	done chan struct{}
}

func newCollectHandler() *collectHandler {
	return &collectHandler{
		done: make(chan struct{}, 100),
	}
}

func (h *collectHandler) handler() InboundHandler {
	return func(ctx context.Context, msg *IncomingMessage) {
		h.mu.Lock()
		h.msgs = append(h.msgs, msg)
		h.mu.Unlock()
		h.done <- struct{}{}
	}
}

func (h *collectHandler) waitN(n int, timeout time.Duration) []*IncomingMessage {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
wait:
	for i := 0; i < n; i++ {
		select {
		case <-h.done:
		case <-timer.C:
			break wait
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	result := make([]*IncomingMessage, len(h.msgs))
	copy(result, h.msgs)
	return result
}

func testBufferConfig() BufferConfig {
	cfg := DefaultBufferConfig()
	cfg.FragmentStartThreshold = 100
	cfg.FragmentMaxGap = 150 * time.Millisecond
	cfg.DebounceWindow = 100 * time.Millisecond
	return cfg
}

// --- Test: Commands bypass buffer ---

func TestInboundBuffer_CommandBypassesBuffer(t *testing.T) {
	h := newCollectHandler()
	buf := NewInboundBuffer(h.handler(), testBufferConfig(), zap.NewNop())

	buf.Submit(context.Background(), &IncomingMessage{MessageID: 1, ChatID: 100, UserID: 1, Text: "/help"})

	// 命令不经过缓冲, Submit 返回前已投递
	msgs := h.waitN(1, 10*time.Millisecond)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Text != "/help" {
		t.Fatalf("expected '/help', got '%s'", msgs[0].Text)
	}
}

// --- Test: Debounce merges rapid messages ---

func TestInboundBuffer_DebounceMergesMessages(t *testing.T) {
	h := newCollectHandler()
	buf := NewInboundBuffer(h.handler(), testBufferConfig(), zap.NewNop())

	ctx := context.Background()

	buf.Submit(ctx, &IncomingMessage{MessageID: 1, ChatID: 100, UserID: 1, Text: "Hello"})
	buf.Submit(ctx, &IncomingMessage{MessageID: 2, ChatID: 100, UserID: 1, Text: "How are you"})
	buf.Submit(ctx, &IncomingMessage{MessageID: 3, ChatID: 100, UserID: 1, Text: "Today"})

	msgs := h.waitN(1, 2*time.Second)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 debounced message, got %d", len(msgs))
	}

	expected := "Hello\nHow are you\nToday"
	if msgs[0].Text != expected {
		t.Fatalf("expected '%s', got '%s'", expected, msgs[0].Text)
	}
	if msgs[0].MessageID != 3 {
		t.Fatalf("merged message should carry the last id, got %d", msgs[0].MessageID)
	}
}

func TestInboundBuffer_DebounceKeepsChatsApart(t *testing.T) {
	h := newCollectHandler()
	buf := NewInboundBuffer(h.handler(), testBufferConfig(), zap.NewNop())

	ctx := context.Background()
	buf.Submit(ctx, &IncomingMessage{MessageID: 1, ChatID: 100, UserID: 1, Text: "a"})
	buf.Submit(ctx, &IncomingMessage{MessageID: 1, ChatID: 200, UserID: 2, Text: "b"})

	msgs := h.waitN(2, 2*time.Second)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
}

func TestInboundBuffer_NoDebounceWindow(t *testing.T) {
	h := newCollectHandler()
	cfg := testBufferConfig()
	cfg.DebounceWindow = 0
	buf := NewInboundBuffer(h.handler(), cfg, zap.NewNop())

	buf.Submit(context.Background(), &IncomingMessage{MessageID: 1, ChatID: 100, UserID: 1, Text: "now"})

	msgs := h.waitN(1, 10*time.Millisecond)
	if len(msgs) != 1 || msgs[0].Text != "now" {
		t.Fatalf("expected immediate delivery, got %v", msgs)
	}
}

// --- Test: Text fragment reassembly ---

func TestInboundBuffer_TextFragmentReassembly(t *testing.T) {
	h := newCollectHandler()
	buf := NewInboundBuffer(h.handler(), testBufferConfig(), zap.NewNop())

	ctx := context.Background()
	longText := strings.Repeat("长", 120)

	buf.Submit(ctx, &IncomingMessage{MessageID: 100, ChatID: 200, UserID: 1, Text: longText})
	buf.Submit(ctx, &IncomingMessage{MessageID: 101, ChatID: 200, UserID: 1, Text: "BBBB"})

	msgs := h.waitN(1, 2*time.Second)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 reassembled message, got %d", len(msgs))
	}
	if msgs[0].Text != longText+"BBBB" {
		t.Fatalf("fragments should be joined without separator, got %d runes", len([]rune(msgs[0].Text)))
	}
}

func TestInboundBuffer_FragmentBreaksOnIDGap(t *testing.T) {
	h := newCollectHandler()
	buf := NewInboundBuffer(h.handler(), testBufferConfig(), zap.NewNop())

	ctx := context.Background()
	longText := strings.Repeat("x", 150)

	buf.Submit(ctx, &IncomingMessage{MessageID: 10, ChatID: 200, UserID: 1, Text: longText})
	buf.Submit(ctx, &IncomingMessage{MessageID: 15, ChatID: 200, UserID: 1, Text: "later"})

	msgs := h.waitN(2, 2*time.Second)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 separate messages, got %d", len(msgs))
	}
}

// --- Test: isCommand ---

func TestIsCommand(t *testing.T) {
	tests := []struct {
		text     string
		expected bool
	}{
		{"/help", true},
		{"/history 2", true},
		{"hello", false},
		{"", false},
		{"not a /command", false},
		{" /help", false}, // space before /
	}

	for _, tt := range tests {
		result := isCommand(tt.text)
		if result != tt.expected {
			t.Errorf("isCommand(%q) = %v, want %v", tt.text, result, tt.expected)
		}
	}
}
