package service

import (
	"context"
	"time"

	"github.com/convogate/gateway/internal/domain/entity"
)

// ConversationEventType names a lifecycle event emitted by the engine.
type ConversationEventType string

const (
	EventMessageAppended   ConversationEventType = "conversation.message_appended"
	EventSummarized        ConversationEventType = "conversation.summarized"
	EventSummarizeFailed   ConversationEventType = "conversation.summarize_failed"
	EventCondenseFallback  ConversationEventType = "conversation.condense_fallback"
	EventConversationStart ConversationEventType = "conversation.created"
)

// ConversationEvent is published after the state change it describes.
type ConversationEvent struct {
	Type           ConversationEventType
	ConversationID string
	UserID         string
	Source         entity.Source
	Sequence       int
	Persisted      bool
	Error          string
	Timestamp      time.Time
}

// EventSink receives engine events. Publish must not block.
type EventSink interface {
	Publish(ctx context.Context, event ConversationEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event ConversationEvent)

// Publish implements EventSink.
func (f EventSinkFunc) Publish(ctx context.Context, event ConversationEvent) {
	f(ctx, event)
}

type noopSink struct{}

func (noopSink) Publish(context.Context, ConversationEvent) {}
