package persistence

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/convogate/gateway/internal/domain/entity"
	"github.com/convogate/gateway/internal/domain/repository"
	"github.com/convogate/gateway/internal/infrastructure/persistence/models"
	domainErrors "github.com/convogate/gateway/pkg/errors"
)

// GormMessageRepository GORM 实现的会话消息仓储
type GormMessageRepository struct {
	db *gorm.DB
}

// NewGormMessageRepository 创建 GORM 消息仓储
func NewGormMessageRepository(db *gorm.DB) repository.MessageRepository {
	return &GormMessageRepository{db: db}
}

// ListByConversation 按序号升序返回全部消息
func (r *GormMessageRepository) ListByConversation(ctx context.Context, conversationID string) ([]*entity.ConversationMessage, error) {
	var rows []models.ConversationMessageModel
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("sequence_number asc").
		Find(&rows).Error
	if err != nil {
		return nil, translate(err, "messages")
	}

	out := make([]*entity.ConversationMessage, 0, len(rows))
	for i := range rows {
		out = append(out, toMessageEntity(&rows[i]))
	}
	return out, nil
}

// MaxSequence 返回当前最大序号, 没有消息时为 0
func (r *GormMessageRepository) MaxSequence(ctx context.Context, conversationID string) (int, error) {
	var highest *int
	err := r.db.WithContext(ctx).
		Model(&models.ConversationMessageModel{}).
		Where("conversation_id = ?", conversationID).
		Select("MAX(sequence_number)").
		Scan(&highest).Error
	if err != nil {
		return 0, translate(err, "messages")
	}
	if highest == nil {
		return 0, nil
	}
	return *highest, nil
}

// Insert 写入消息
func (r *GormMessageRepository) Insert(ctx context.Context, msg *entity.ConversationMessage) error {
	model, err := toMessageModel(msg)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return translate(err, "message sequence")
	}
	msg.AssignID(model.ID)
	return nil
}

// DeleteByConversation 删除若干会话下的全部消息
func (r *GormMessageRepository) DeleteByConversation(ctx context.Context, conversationIDs ...string) error {
	if len(conversationIDs) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Where("conversation_id IN ?", conversationIDs).
		Delete(&models.ConversationMessageModel{}).Error
	return translate(err, "messages")
}

// 转换方法

func toMessageModel(msg *entity.ConversationMessage) (*models.ConversationMessageModel, error) {
	id := msg.ID()
	if id == "" {
		id = uuid.NewString()
	}

	var metadata datatypes.JSON
	if images := msg.Images(); len(images) > 0 {
		raw, err := json.Marshal(models.MessageMetadata{Images: images})
		if err != nil {
			return nil, domainErrors.NewInternalErrorWithCause("failed to marshal metadata", err)
		}
		metadata = datatypes.JSON(raw)
	}

	return &models.ConversationMessageModel{
		ID:             id,
		ConversationID: msg.ConversationID(),
		Role:           string(msg.Role()),
		Content:        msg.Content(),
		SequenceNumber: msg.SequenceNumber(),
		Metadata:       metadata,
		CreatedAt:      msg.CreatedAt(),
	}, nil
}

func toMessageEntity(m *models.ConversationMessageModel) *entity.ConversationMessage {
	var images []string
	if len(m.Metadata) > 0 {
		var meta models.MessageMetadata
		// 元数据解析失败不影响消息本身
		if err := json.Unmarshal(m.Metadata, &meta); err == nil {
			images = meta.Images
		}
	}
	return entity.ReconstructConversationMessage(
		m.ID,
		m.ConversationID,
		entity.Role(m.Role),
		m.Content,
		m.SequenceNumber,
		images,
		m.CreatedAt,
	)
}
