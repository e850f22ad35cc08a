package repository

import (
	"context"

	"github.com/convogate/gateway/internal/domain/entity"
)

// IdentityRepository telegram 用户映射仓储
type IdentityRepository interface {
	// FindUserID 查找内部用户ID, 不存在时返回 NotFound
	FindUserID(ctx context.Context, telegramUserID int64) (string, error)

	// Upsert 幂等创建映射; 已存在时只刷新 chat id 与用户名, 不改变 user id
	Upsert(ctx context.Context, telegramUserID, chatID int64, username string) (*entity.TelegramUser, error)
}
