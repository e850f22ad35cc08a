package entity

import "time"

// Source 会话来源渠道
type Source string

const (
	SourceWeb      Source = "web"
	SourceTelegram Source = "telegram"
	SourceWhatsApp Source = "whatsapp"
	SourceAPI      Source = "api"
)

// Valid 判断渠道是否受支持
func (s Source) Valid() bool {
	switch s {
	case SourceWeb, SourceTelegram, SourceWhatsApp, SourceAPI:
		return true
	}
	return false
}

// Conversation 会话聚合根
// 一个用户在一个渠道上的一段对话, 按天划分
type Conversation struct {
	ID             string
	UserID         string
	Source         Source
	IsActive       bool
	Title          *string
	Summary        *string
	MessageCount   int
	ExternalChatID *int64 // telegram chat id
	ShareToken     *string
	ShareExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastMessageAt  *time.Time
}

// TitleOrEmpty 返回标题, 未设置时为空串
func (c *Conversation) TitleOrEmpty() string {
	if c.Title == nil {
		return ""
	}
	return *c.Title
}

// SummaryOrEmpty 返回摘要, 未设置时为空串
func (c *Conversation) SummaryOrEmpty() string {
	if c.Summary == nil {
		return ""
	}
	return *c.Summary
}

// LastTouched 最后一次修改时间, 从未更新过则取创建时间
func (c *Conversation) LastTouched() time.Time {
	if c.UpdatedAt.IsZero() {
		return c.CreatedAt
	}
	return c.UpdatedAt
}

// LastActivity 列表展示用的最后活跃时间
func (c *Conversation) LastActivity() time.Time {
	if c.LastMessageAt != nil && !c.LastMessageAt.IsZero() {
		return *c.LastMessageAt
	}
	return c.LastTouched()
}

// ShareActive 分享链接是否有效
func (c *Conversation) ShareActive(now time.Time) bool {
	if c.ShareToken == nil || *c.ShareToken == "" {
		return false
	}
	return c.ShareExpiresAt == nil || now.Before(*c.ShareExpiresAt)
}
