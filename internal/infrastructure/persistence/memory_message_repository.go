package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/convogate/gateway/internal/domain/entity"
	"github.com/convogate/gateway/internal/domain/repository"
	"github.com/convogate/gateway/pkg/errors"
)

// MemoryMessageRepository 内存实现的消息仓储（用于开发/测试）
type MemoryMessageRepository struct {
	mu sync.RWMutex
	// 会话ID -> 序号 -> 消息
	byConversation map[string]map[int]*entity.ConversationMessage
}

// NewMemoryMessageRepository 创建内存消息仓储
func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{
		byConversation: make(map[string]map[int]*entity.ConversationMessage),
	}
}

var _ repository.MessageRepository = (*MemoryMessageRepository)(nil)

// ListByConversation 按序号升序返回全部消息
func (r *MemoryMessageRepository) ListByConversation(ctx context.Context, conversationID string) ([]*entity.ConversationMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seqs := r.byConversation[conversationID]
	out := make([]*entity.ConversationMessage, 0, len(seqs))
	for _, msg := range seqs {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SequenceNumber() < out[j].SequenceNumber()
	})
	return out, nil
}

// MaxSequence 返回当前最大序号
func (r *MemoryMessageRepository) MaxSequence(ctx context.Context, conversationID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	highest := 0
	for seq := range r.byConversation[conversationID] {
		if seq > highest {
			highest = seq
		}
	}
	return highest, nil
}

// Insert 写入消息, 序号重复时返回 Conflict
func (r *MemoryMessageRepository) Insert(ctx context.Context, msg *entity.ConversationMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	convID := msg.ConversationID()
	seqs, ok := r.byConversation[convID]
	if !ok {
		seqs = make(map[int]*entity.ConversationMessage)
		r.byConversation[convID] = seqs
	}
	if _, exists := seqs[msg.SequenceNumber()]; exists {
		return errors.NewConflictError("message sequence already exists", nil)
	}

	if msg.ID() == "" {
		msg.AssignID(uuid.NewString())
	}
	seqs[msg.SequenceNumber()] = msg
	return nil
}

// DeleteByConversation 删除若干会话下的全部消息
func (r *MemoryMessageRepository) DeleteByConversation(ctx context.Context, conversationIDs ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range conversationIDs {
		delete(r.byConversation, id)
	}
	return nil
}

// Count 返回会话消息数
func (r *MemoryMessageRepository) Count(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConversation[conversationID])
}
