package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convogate/gateway/internal/domain/entity"
	"github.com/convogate/gateway/internal/domain/repository"
	"github.com/convogate/gateway/pkg/errors"
)

// MemoryIdentityRepository 内存实现的 telegram 用户映射仓储
type MemoryIdentityRepository struct {
	mu    sync.Mutex
	users map[int64]*entity.TelegramUser
}

// NewMemoryIdentityRepository 创建内存映射仓储
func NewMemoryIdentityRepository() *MemoryIdentityRepository {
	return &MemoryIdentityRepository{users: make(map[int64]*entity.TelegramUser)}
}

var _ repository.IdentityRepository = (*MemoryIdentityRepository)(nil)

// FindUserID 查找内部用户ID
func (r *MemoryIdentityRepository) FindUserID(ctx context.Context, telegramUserID int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[telegramUserID]
	if !ok {
		return "", errors.NewNotFoundError("telegram user not found")
	}
	return u.UserID, nil
}

// Upsert 幂等创建映射
func (r *MemoryIdentityRepository) Upsert(ctx context.Context, telegramUserID, chatID int64, username string) (*entity.TelegramUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	u, ok := r.users[telegramUserID]
	if !ok {
		u = &entity.TelegramUser{
			TelegramUserID: telegramUserID,
			UserID:         uuid.NewString(),
			CreatedAt:      now,
		}
		r.users[telegramUserID] = u
	}
	u.TelegramChatID = chatID
	u.Username = username
	u.UpdatedAt = now

	cp := *u
	return &cp, nil
}
