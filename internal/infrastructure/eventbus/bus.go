package eventbus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/convogate/gateway/internal/domain/service"
	"github.com/convogate/gateway/pkg/safego"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Event 事件接口
type Event interface {
	Type() string
	Timestamp() time.Time
	Payload() any
}

// BaseEvent 基础事件实现
type BaseEvent struct {
	EventType      string
	EventTimestamp time.Time
	EventPayload   any
}

// Type 返回事件类型
func (e *BaseEvent) Type() string { return e.EventType }

// Timestamp 返回事件时间戳
func (e *BaseEvent) Timestamp() time.Time { return e.EventTimestamp }

// Payload 返回事件载荷
func (e *BaseEvent) Payload() any { return e.EventPayload }

// NewEvent 创建新事件
func NewEvent(eventType string, payload any) *BaseEvent {
	return &BaseEvent{
		EventType:      eventType,
		EventTimestamp: time.Now(),
		EventPayload:   payload,
	}
}

// Handler 事件处理函数
type Handler func(ctx context.Context, event Event)

// Bus 事件总线接口
type Bus interface {
	// Publish 发布事件, 不阻塞
	Publish(ctx context.Context, event Event)
	// Subscribe 订阅事件, eventType 为 Wildcard 时接收全部事件
	Subscribe(eventType string, handler Handler)
	// Close 关闭事件总线, 等待已入队事件分发完毕
	Close()
}

// InMemoryBus 内存事件总线
type InMemoryBus struct {
	mu        sync.RWMutex
	handlers  map[string][]Handler
	eventChan chan eventWrapper
	closed    bool
	dropped   int64
	logger    *zap.Logger
	wg        sync.WaitGroup
}

type eventWrapper struct {
	ctx   context.Context
	event Event
}

// NewInMemoryBus 创建内存事件总线
func NewInMemoryBus(logger *zap.Logger, bufferSize int) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	bus := &InMemoryBus{
		handlers:  make(map[string][]Handler),
		eventChan: make(chan eventWrapper, bufferSize),
		logger:    logger.With(zap.String("component", "eventbus")),
	}

	// 启动事件分发协程
	bus.wg.Add(1)
	go bus.dispatch()

	return bus
}

// Publish 发布事件, 缓冲区满时丢弃
func (b *InMemoryBus) Publish(ctx context.Context, event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	// 处理器在请求结束后运行, 不继承请求的取消
	ctx = context.WithoutCancel(ctx)

	select {
	case b.eventChan <- eventWrapper{ctx: ctx, event: event}:
	default:
		b.dropped++
		b.logger.Warn("Event buffer full, dropping event",
			zap.String("type", event.Type()),
			zap.Int64("dropped_total", b.dropped),
		)
	}
}

// Subscribe 订阅事件
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.logger.Debug("Handler subscribed", zap.String("event_type", eventType))
}

// Dropped 返回因缓冲区满被丢弃的事件数
func (b *InMemoryBus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close 关闭事件总线
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.eventChan)
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("Event bus closed")
}

// dispatch 事件分发循环
func (b *InMemoryBus) dispatch() {
	defer b.wg.Done()

	for wrapper := range b.eventChan {
		b.dispatchEvent(wrapper.ctx, wrapper.event)
	}
}

// dispatchEvent 分发单个事件
func (b *InMemoryBus) dispatchEvent(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type()])+len(b.handlers[Wildcard]))
	handlers = append(handlers, b.handlers[event.Type()]...)
	handlers = append(handlers, b.handlers[Wildcard]...)
	b.mu.RUnlock()

	// 并行执行处理器
	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer safego.Recover(b.logger, "event:"+event.Type())
			h(ctx, event)
		}(handler)
	}
	wg.Wait()
}

// ConversationSink adapts a Bus to the engine's EventSink. The event type is
// the engine's event name and the payload is the ConversationEvent value.
func ConversationSink(bus Bus) service.EventSink {
	return service.EventSinkFunc(func(ctx context.Context, ev service.ConversationEvent) {
		bus.Publish(ctx, &BaseEvent{
			EventType:      string(ev.Type),
			EventTimestamp: ev.Timestamp,
			EventPayload:   ev,
		})
	})
}

// ConversationPayload extracts the engine event from a bus event.
func ConversationPayload(event Event) (service.ConversationEvent, bool) {
	ev, ok := event.Payload().(service.ConversationEvent)
	return ev, ok
}
