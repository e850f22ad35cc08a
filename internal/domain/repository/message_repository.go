package repository

import (
	"context"

	"github.com/convogate/gateway/internal/domain/entity"
)

// MessageRepository 会话消息仓储接口
type MessageRepository interface {
	// ListByConversation 按序号升序返回会话全部消息
	ListByConversation(ctx context.Context, conversationID string) ([]*entity.ConversationMessage, error)

	// MaxSequence 返回会话当前最大序号, 没有消息时为 0
	MaxSequence(ctx context.Context, conversationID string) (int, error)

	// Insert 写入消息, (conversation_id, sequence_number) 冲突时返回 Conflict AppError
	Insert(ctx context.Context, msg *entity.ConversationMessage) error

	// DeleteByConversation 删除若干会话下的全部消息
	DeleteByConversation(ctx context.Context, conversationIDs ...string) error
}
