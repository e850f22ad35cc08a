package persistence

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/convogate/gateway/internal/domain/entity"
	"github.com/convogate/gateway/internal/domain/repository"
	"github.com/convogate/gateway/internal/infrastructure/persistence/models"
)

// GormIdentityRepository GORM 实现的 telegram 用户映射仓储
type GormIdentityRepository struct {
	db *gorm.DB
}

// NewGormIdentityRepository 创建 GORM 映射仓储
func NewGormIdentityRepository(db *gorm.DB) repository.IdentityRepository {
	return &GormIdentityRepository{db: db}
}

// FindUserID 查找内部用户ID
func (r *GormIdentityRepository) FindUserID(ctx context.Context, telegramUserID int64) (string, error) {
	var model models.TelegramUserModel
	err := r.db.WithContext(ctx).
		Where("telegram_user_id = ?", telegramUserID).
		Take(&model).Error
	if err != nil {
		return "", translate(err, "telegram user")
	}
	return model.UserID, nil
}

// Upsert 幂等创建映射, 冲突时只刷新 chat id 与用户名
func (r *GormIdentityRepository) Upsert(ctx context.Context, telegramUserID, chatID int64, username string) (*entity.TelegramUser, error) {
	model := &models.TelegramUserModel{
		TelegramUserID: telegramUserID,
		UserID:         uuid.NewString(),
		TelegramChatID: chatID,
		Username:       username,
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "telegram_user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"telegram_chat_id", "username", "updated_at"}),
	}).Create(model).Error
	if err != nil {
		return nil, translate(err, "telegram user")
	}

	// 冲突更新时 model.UserID 仍是新生成的值, 需要回读
	var stored models.TelegramUserModel
	if err := r.db.WithContext(ctx).
		Where("telegram_user_id = ?", telegramUserID).
		Take(&stored).Error; err != nil {
		return nil, translate(err, "telegram user")
	}

	return &entity.TelegramUser{
		TelegramUserID: stored.TelegramUserID,
		UserID:         stored.UserID,
		TelegramChatID: stored.TelegramChatID,
		Username:       stored.Username,
		CreatedAt:      stored.CreatedAt,
		UpdatedAt:      stored.UpdatedAt,
	}, nil
}
