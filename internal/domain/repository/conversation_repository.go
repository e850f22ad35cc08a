package repository

import (
	"context"
	"time"

	"github.com/convogate/gateway/internal/domain/entity"
)

// LookupField 定位"今日会话"使用的字段
type LookupField string

const (
	LookupByUserID         LookupField = "user_id"
	LookupByExternalChatID LookupField = "external_chat_id"
)

// Lookup 渠道标识: web 用内部用户ID, telegram 用 chat id
type Lookup struct {
	Field          LookupField
	UserID         string
	ExternalChatID int64
}

// ListOptions 列表查询参数
type ListOptions struct {
	Limit  int
	Offset int
	Search string // 标题模糊搜索, 空串表示不过滤
}

// ConversationUpdate 会话字段更新, nil 字段不修改
type ConversationUpdate struct {
	Summary        *string
	Title          *string
	MessageCount   *int
	IsActive       *bool
	ShareToken     *string
	ShareExpiresAt *time.Time
	ClearShare     bool
	LastMessageAt  *time.Time
	UpdatedAt      time.Time
}

// ConversationRepository 会话仓储接口
// 未找到时返回 NotFound AppError
type ConversationRepository interface {
	// FindLatestActive 按创建时间倒序取最近一条活跃会话
	FindLatestActive(ctx context.Context, lookup Lookup, source entity.Source) (*entity.Conversation, error)

	// FindByID 按 (id, userID, source) 查找
	FindByID(ctx context.Context, id, userID string, source entity.Source) (*entity.Conversation, error)

	// FindByShareToken 按分享令牌查找
	FindByShareToken(ctx context.Context, token string, source entity.Source) (*entity.Conversation, error)

	// Create 创建会话, 由仓储分配ID
	Create(ctx context.Context, conv *entity.Conversation) error

	// Update 更新会话字段
	Update(ctx context.Context, id string, update ConversationUpdate) error

	// List 按 updated_at 倒序分页列出
	List(ctx context.Context, userID string, source entity.Source, opts ListOptions) ([]*entity.Conversation, error)

	// ListIDs 列出用户在该渠道下的全部会话ID
	ListIDs(ctx context.Context, userID string, source entity.Source) ([]string, error)

	// CloseActive 关闭用户在该渠道下的全部活跃会话, 返回影响行数
	CloseActive(ctx context.Context, userID string, source entity.Source) (int64, error)

	// Delete 删除单个会话
	Delete(ctx context.Context, id, userID string, source entity.Source) error

	// DeleteAll 删除用户在该渠道下的全部会话, 返回删除数
	DeleteAll(ctx context.Context, userID string, source entity.Source) (int64, error)
}
