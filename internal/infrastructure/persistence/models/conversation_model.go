package models

import (
	"time"

	"gorm.io/datatypes"
)

// ConversationModel 数据库会话模型
type ConversationModel struct {
	ID             string  `gorm:"primaryKey;size:64"`
	UserID         string  `gorm:"size:64;not null;index:idx_conversations_user_source_active,priority:1"`
	Source         string  `gorm:"size:16;not null;index:idx_conversations_user_source_active,priority:2;index:idx_conversations_chat_source_active,priority:2"`
	IsActive       bool    `gorm:"not null;default:true;index:idx_conversations_user_source_active,priority:3;index:idx_conversations_chat_source_active,priority:3"`
	Title          *string `gorm:"size:255"`
	Summary        *string `gorm:"type:text"`
	MessageCount   int     `gorm:"not null;default:0"`
	ExternalChatID *int64  `gorm:"index:idx_conversations_chat_source_active,priority:1"`
	ShareToken     *string `gorm:"size:64;uniqueIndex"`
	ShareExpiresAt *time.Time
	CreatedAt      time.Time `gorm:"not null;index"`
	UpdatedAt      time.Time `gorm:"not null"`
	LastMessageAt  *time.Time
}

// TableName 指定表名
func (ConversationModel) TableName() string {
	return "conversations"
}

// ConversationMessageModel 数据库会话消息模型
// (conversation_id, sequence_number) 唯一
type ConversationMessageModel struct {
	ID             string         `gorm:"primaryKey;size:64"`
	ConversationID string         `gorm:"size:64;not null;uniqueIndex:idx_conversation_messages_seq,priority:1"`
	Role           string         `gorm:"size:16;not null"`
	Content        string         `gorm:"type:text;not null;default:''"`
	SequenceNumber int            `gorm:"not null;uniqueIndex:idx_conversation_messages_seq,priority:2"`
	Metadata       datatypes.JSON `gorm:"column:metadata"`
	CreatedAt      time.Time      `gorm:"not null"`
}

// TableName 指定表名
func (ConversationMessageModel) TableName() string {
	return "conversation_messages"
}

// MessageMetadata metadata 列的 JSON 结构
type MessageMetadata struct {
	Images []string `json:"images,omitempty"`
}

// TelegramUserModel telegram 用户映射模型
type TelegramUserModel struct {
	TelegramUserID int64  `gorm:"primaryKey;autoIncrement:false"`
	UserID         string `gorm:"size:64;not null;uniqueIndex"`
	TelegramChatID int64
	Username       string `gorm:"size:64"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName 指定表名
func (TelegramUserModel) TableName() string {
	return "telegram_users"
}

// All 参与自动迁移的全部模型
func All() []interface{} {
	return []interface{}{
		&ConversationModel{},
		&ConversationMessageModel{},
		&TelegramUserModel{},
	}
}
