package entity

import (
	"time"
)

// Role 消息角色
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid 判断角色是否合法
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// ConversationMessage 会话中的一轮消息 (持久化后不可变)
type ConversationMessage struct {
	id             string
	conversationID string
	role           Role
	content        string
	sequenceNumber int
	images         []string
	createdAt      time.Time
}

// NewConversationMessage 创建新消息（工厂方法）
func NewConversationMessage(
	conversationID string,
	role Role,
	content string,
	sequenceNumber int,
	images []string,
) (*ConversationMessage, error) {
	if conversationID == "" {
		return nil, ErrInvalidConversationID
	}
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	if sequenceNumber <= 0 {
		return nil, ErrInvalidSequence
	}

	return &ConversationMessage{
		conversationID: conversationID,
		role:           role,
		content:        content,
		sequenceNumber: sequenceNumber,
		images:         append([]string(nil), images...),
		createdAt:      time.Now(),
	}, nil
}

// ReconstructConversationMessage 重建消息（用于从持久化层恢复）
func ReconstructConversationMessage(
	id, conversationID string,
	role Role,
	content string,
	sequenceNumber int,
	images []string,
	createdAt time.Time,
) *ConversationMessage {
	return &ConversationMessage{
		id:             id,
		conversationID: conversationID,
		role:           role,
		content:        content,
		sequenceNumber: sequenceNumber,
		images:         images,
		createdAt:      createdAt,
	}
}

// ID 返回消息ID (持久化前为空)
func (m *ConversationMessage) ID() string {
	return m.id
}

// AssignID 由仓储在写入时分配ID
func (m *ConversationMessage) AssignID(id string) {
	m.id = id
}

// ConversationID 返回会话ID
func (m *ConversationMessage) ConversationID() string {
	return m.conversationID
}

// Role 返回角色
func (m *ConversationMessage) Role() Role {
	return m.role
}

// Content 返回内容
func (m *ConversationMessage) Content() string {
	return m.content
}

// SequenceNumber 返回会话内序号
func (m *ConversationMessage) SequenceNumber() int {
	return m.sequenceNumber
}

// Images 返回图片 URL（副本）
func (m *ConversationMessage) Images() []string {
	return append([]string(nil), m.images...)
}

// CreatedAt 返回创建时间
func (m *ConversationMessage) CreatedAt() time.Time {
	return m.createdAt
}

// IsDialogue 是否属于用户/助手对话 (加载上下文时只取这两类)
func (m *ConversationMessage) IsDialogue() bool {
	return m.role == RoleUser || m.role == RoleAssistant
}
