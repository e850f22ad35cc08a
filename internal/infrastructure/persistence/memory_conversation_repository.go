package persistence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convogate/gateway/internal/domain/entity"
	"github.com/convogate/gateway/internal/domain/repository"
	"github.com/convogate/gateway/pkg/errors"
)

// MemoryConversationRepository 内存实现的会话仓储（用于开发/测试）
type MemoryConversationRepository struct {
	mu            sync.RWMutex
	conversations map[string]*entity.Conversation
}

// NewMemoryConversationRepository 创建内存会话仓储
func NewMemoryConversationRepository() *MemoryConversationRepository {
	return &MemoryConversationRepository{
		conversations: make(map[string]*entity.Conversation),
	}
}

var _ repository.ConversationRepository = (*MemoryConversationRepository)(nil)

// FindLatestActive 按创建时间倒序取最近一条活跃会话
func (r *MemoryConversationRepository) FindLatestActive(ctx context.Context, lookup repository.Lookup, source entity.Source) (*entity.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *entity.Conversation
	for _, c := range r.conversations {
		if c.Source != source || !c.IsActive || !matchesLookup(c, lookup) {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, errors.NewNotFoundError("conversation not found")
	}
	return cloneConversation(latest), nil
}

func matchesLookup(c *entity.Conversation, lookup repository.Lookup) bool {
	if lookup.Field == repository.LookupByExternalChatID {
		return c.ExternalChatID != nil && *c.ExternalChatID == lookup.ExternalChatID
	}
	return c.UserID == lookup.UserID
}

// FindByID 按 (id, userID, source) 查找
func (r *MemoryConversationRepository) FindByID(ctx context.Context, id, userID string, source entity.Source) (*entity.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conversations[id]
	if !ok || c.UserID != userID || c.Source != source {
		return nil, errors.NewNotFoundError("conversation not found")
	}
	return cloneConversation(c), nil
}

// FindByShareToken 按分享令牌查找
func (r *MemoryConversationRepository) FindByShareToken(ctx context.Context, token string, source entity.Source) (*entity.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.conversations {
		if c.Source == source && c.ShareToken != nil && *c.ShareToken == token {
			return cloneConversation(c), nil
		}
	}
	return nil, errors.NewNotFoundError("shared conversation not found")
}

// Create 创建会话
func (r *MemoryConversationRepository) Create(ctx context.Context, conv *entity.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if _, exists := r.conversations[conv.ID]; exists {
		return errors.NewConflictError("conversation already exists", nil)
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	r.conversations[conv.ID] = cloneConversation(conv)
	return nil
}

// Update 更新会话字段
func (r *MemoryConversationRepository) Update(ctx context.Context, id string, u repository.ConversationUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conversations[id]
	if !ok {
		return errors.NewNotFoundError("conversation not found")
	}

	if u.ShareToken != nil && !u.ClearShare {
		for otherID, other := range r.conversations {
			if otherID != id && other.ShareToken != nil && *other.ShareToken == *u.ShareToken {
				return errors.NewConflictError("share token already exists", nil)
			}
		}
	}

	if u.Summary != nil {
		c.Summary = strPtr(*u.Summary)
	}
	if u.Title != nil {
		c.Title = strPtr(*u.Title)
	}
	if u.MessageCount != nil {
		c.MessageCount = *u.MessageCount
	}
	if u.IsActive != nil {
		c.IsActive = *u.IsActive
	}
	if u.ClearShare {
		c.ShareToken = nil
		c.ShareExpiresAt = nil
	} else {
		if u.ShareToken != nil {
			c.ShareToken = strPtr(*u.ShareToken)
		}
		if u.ShareExpiresAt != nil {
			t := *u.ShareExpiresAt
			c.ShareExpiresAt = &t
		}
	}
	if u.LastMessageAt != nil {
		t := *u.LastMessageAt
		c.LastMessageAt = &t
	}
	if !u.UpdatedAt.IsZero() {
		c.UpdatedAt = u.UpdatedAt
	} else {
		c.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// List 按 updated_at 倒序分页列出
func (r *MemoryConversationRepository) List(ctx context.Context, userID string, source entity.Source, opts repository.ListOptions) ([]*entity.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	needle := strings.ToLower(opts.Search)
	matched := make([]*entity.Conversation, 0)
	for _, c := range r.conversations {
		if c.UserID != userID || c.Source != source {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(c.TitleOrEmpty()), needle) {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	if opts.Offset >= len(matched) {
		return []*entity.Conversation{}, nil
	}
	matched = matched[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}

	out := make([]*entity.Conversation, 0, len(matched))
	for _, c := range matched {
		out = append(out, cloneConversation(c))
	}
	return out, nil
}

// ListIDs 列出用户在该渠道下的全部会话ID
func (r *MemoryConversationRepository) ListIDs(ctx context.Context, userID string, source entity.Source) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0)
	for id, c := range r.conversations {
		if c.UserID == userID && c.Source == source {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// CloseActive 关闭全部活跃会话
func (r *MemoryConversationRepository) CloseActive(ctx context.Context, userID string, source entity.Source) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, c := range r.conversations {
		if c.UserID == userID && c.Source == source && c.IsActive {
			c.IsActive = false
			n++
		}
	}
	return n, nil
}

// Delete 删除单个会话
func (r *MemoryConversationRepository) Delete(ctx context.Context, id, userID string, source entity.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conversations[id]
	if !ok || c.UserID != userID || c.Source != source {
		return errors.NewNotFoundError("conversation not found")
	}
	delete(r.conversations, id)
	return nil
}

// DeleteAll 删除用户在该渠道下的全部会话
func (r *MemoryConversationRepository) DeleteAll(ctx context.Context, userID string, source entity.Source) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, c := range r.conversations {
		if c.UserID == userID && c.Source == source {
			delete(r.conversations, id)
			n++
		}
	}
	return n, nil
}

func cloneConversation(c *entity.Conversation) *entity.Conversation {
	cp := *c
	if c.Title != nil {
		cp.Title = strPtr(*c.Title)
	}
	if c.Summary != nil {
		cp.Summary = strPtr(*c.Summary)
	}
	if c.ExternalChatID != nil {
		v := *c.ExternalChatID
		cp.ExternalChatID = &v
	}
	if c.ShareToken != nil {
		cp.ShareToken = strPtr(*c.ShareToken)
	}
	if c.ShareExpiresAt != nil {
		t := *c.ShareExpiresAt
		cp.ShareExpiresAt = &t
	}
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		cp.LastMessageAt = &t
	}
	return &cp
}

func strPtr(s string) *string {
	return &s
}
