package persistence

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/convogate/gateway/internal/domain/entity"
	"github.com/convogate/gateway/internal/domain/repository"
	"github.com/convogate/gateway/internal/infrastructure/persistence/models"
	domainErrors "github.com/convogate/gateway/pkg/errors"
)

// GormConversationRepository GORM 实现的会话仓储
type GormConversationRepository struct {
	db *gorm.DB
}

// NewGormConversationRepository 创建 GORM 会话仓储
func NewGormConversationRepository(db *gorm.DB) repository.ConversationRepository {
	return &GormConversationRepository{db: db}
}

// FindLatestActive 按创建时间倒序取最近一条活跃会话
func (r *GormConversationRepository) FindLatestActive(ctx context.Context, lookup repository.Lookup, source entity.Source) (*entity.Conversation, error) {
	q := r.db.WithContext(ctx).
		Where("source = ? AND is_active = ?", string(source), true)

	switch lookup.Field {
	case repository.LookupByExternalChatID:
		q = q.Where("external_chat_id = ?", lookup.ExternalChatID)
	default:
		q = q.Where("user_id = ?", lookup.UserID)
	}

	var model models.ConversationModel
	if err := q.Order("created_at desc").Limit(1).Take(&model).Error; err != nil {
		return nil, translate(err, "conversation")
	}
	return toConversationEntity(&model), nil
}

// FindByID 按 (id, userID, source) 查找
func (r *GormConversationRepository) FindByID(ctx context.Context, id, userID string, source entity.Source) (*entity.Conversation, error) {
	var model models.ConversationModel
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND source = ?", id, userID, string(source)).
		Take(&model).Error
	if err != nil {
		return nil, translate(err, "conversation")
	}
	return toConversationEntity(&model), nil
}

// FindByShareToken 按分享令牌查找
func (r *GormConversationRepository) FindByShareToken(ctx context.Context, token string, source entity.Source) (*entity.Conversation, error) {
	var model models.ConversationModel
	err := r.db.WithContext(ctx).
		Where("share_token = ? AND source = ?", token, string(source)).
		Take(&model).Error
	if err != nil {
		return nil, translate(err, "shared conversation")
	}
	return toConversationEntity(&model), nil
}

// Create 创建会话
func (r *GormConversationRepository) Create(ctx context.Context, conv *entity.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	model := toConversationModel(conv)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return translate(err, "conversation")
	}
	conv.CreatedAt = model.CreatedAt
	conv.UpdatedAt = model.UpdatedAt
	return nil
}

// Update 更新会话字段
func (r *GormConversationRepository) Update(ctx context.Context, id string, update repository.ConversationUpdate) error {
	fields := updateFields(update)
	if len(fields) == 0 {
		return nil
	}

	result := r.db.WithContext(ctx).
		Model(&models.ConversationModel{}).
		Where("id = ?", id).
		Updates(fields)
	if result.Error != nil {
		return translate(result.Error, "conversation")
	}
	if result.RowsAffected == 0 {
		return domainErrors.NewNotFoundError("conversation not found")
	}
	return nil
}

// List 按 updated_at 倒序分页列出
func (r *GormConversationRepository) List(ctx context.Context, userID string, source entity.Source, opts repository.ListOptions) ([]*entity.Conversation, error) {
	q := r.db.WithContext(ctx).
		Where("user_id = ? AND source = ?", userID, string(source))

	if opts.Search != "" {
		q = q.Where("LOWER(title) LIKE ? ESCAPE '\\'", "%"+escapeLike(strings.ToLower(opts.Search))+"%")
	}

	var rows []models.ConversationModel
	err := q.Order("updated_at IS NULL, updated_at desc").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&rows).Error
	if err != nil {
		return nil, translate(err, "conversations")
	}

	out := make([]*entity.Conversation, 0, len(rows))
	for i := range rows {
		out = append(out, toConversationEntity(&rows[i]))
	}
	return out, nil
}

// ListIDs 列出用户在该渠道下的全部会话ID
func (r *GormConversationRepository) ListIDs(ctx context.Context, userID string, source entity.Source) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&models.ConversationModel{}).
		Where("user_id = ? AND source = ?", userID, string(source)).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, translate(err, "conversations")
	}
	return ids, nil
}

// CloseActive 关闭全部活跃会话
func (r *GormConversationRepository) CloseActive(ctx context.Context, userID string, source entity.Source) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.ConversationModel{}).
		Where("user_id = ? AND source = ? AND is_active = ?", userID, string(source), true).
		UpdateColumn("is_active", false)
	if result.Error != nil {
		return 0, translate(result.Error, "conversations")
	}
	return result.RowsAffected, nil
}

// Delete 删除单个会话
func (r *GormConversationRepository) Delete(ctx context.Context, id, userID string, source entity.Source) error {
	result := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND source = ?", id, userID, string(source)).
		Delete(&models.ConversationModel{})
	if result.Error != nil {
		return translate(result.Error, "conversation")
	}
	if result.RowsAffected == 0 {
		return domainErrors.NewNotFoundError("conversation not found")
	}
	return nil
}

// DeleteAll 删除用户在该渠道下的全部会话
func (r *GormConversationRepository) DeleteAll(ctx context.Context, userID string, source entity.Source) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND source = ?", userID, string(source)).
		Delete(&models.ConversationModel{})
	if result.Error != nil {
		return 0, translate(result.Error, "conversations")
	}
	return result.RowsAffected, nil
}

// 转换方法

func updateFields(u repository.ConversationUpdate) map[string]interface{} {
	fields := make(map[string]interface{})
	if u.Summary != nil {
		fields["summary"] = *u.Summary
	}
	if u.Title != nil {
		fields["title"] = *u.Title
	}
	if u.MessageCount != nil {
		fields["message_count"] = *u.MessageCount
	}
	if u.IsActive != nil {
		fields["is_active"] = *u.IsActive
	}
	if u.ClearShare {
		fields["share_token"] = nil
		fields["share_expires_at"] = nil
	} else {
		if u.ShareToken != nil {
			fields["share_token"] = *u.ShareToken
		}
		if u.ShareExpiresAt != nil {
			fields["share_expires_at"] = u.ShareExpiresAt.UTC()
		}
	}
	if u.LastMessageAt != nil {
		fields["last_message_at"] = u.LastMessageAt.UTC()
	}
	if !u.UpdatedAt.IsZero() {
		fields["updated_at"] = u.UpdatedAt.UTC()
	}
	return fields
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func toConversationModel(c *entity.Conversation) *models.ConversationModel {
	return &models.ConversationModel{
		ID:             c.ID,
		UserID:         c.UserID,
		Source:         string(c.Source),
		IsActive:       c.IsActive,
		Title:          c.Title,
		Summary:        c.Summary,
		MessageCount:   c.MessageCount,
		ExternalChatID: c.ExternalChatID,
		ShareToken:     c.ShareToken,
		ShareExpiresAt: c.ShareExpiresAt,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
		LastMessageAt:  c.LastMessageAt,
	}
}

func toConversationEntity(m *models.ConversationModel) *entity.Conversation {
	return &entity.Conversation{
		ID:             m.ID,
		UserID:         m.UserID,
		Source:         entity.Source(m.Source),
		IsActive:       m.IsActive,
		Title:          m.Title,
		Summary:        m.Summary,
		MessageCount:   m.MessageCount,
		ExternalChatID: m.ExternalChatID,
		ShareToken:     m.ShareToken,
		ShareExpiresAt: m.ShareExpiresAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		LastMessageAt:  m.LastMessageAt,
	}
}
