package history

import (
	"time"
	"unicode/utf8"

	"github.com/convogate/gateway/internal/domain/entity"
)

// Message 上下文中的一轮对话
type Message struct {
	Role    entity.Role `json:"role"`
	Content string      `json:"content"`
	Images  []string    `json:"images,omitempty"`
}

// HasPayload 内容或图片非空才会被持久化
func (m Message) HasPayload() bool {
	return m.Content != "" || len(m.Images) > 0
}

// ConversationContext 一次请求内的会话工作集
// 由调用方持有, 不跨请求缓存
type ConversationContext struct {
	Messages    []Message `json:"messages"`
	Summary     string    `json:"summary,omitempty"`
	Title       string    `json:"title,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

// NewConversationContext 创建空工作集
func NewConversationContext(now time.Time) *ConversationContext {
	return &ConversationContext{
		Messages:    make([]Message, 0),
		LastUpdated: now,
	}
}

// Append 追加消息并刷新时间
func (c *ConversationContext) Append(msg Message, now time.Time) {
	c.Messages = append(c.Messages, msg)
	c.LastUpdated = now
}

// TotalLength 工作集内容总字符数
func (c *ConversationContext) TotalLength() int {
	total := 0
	for _, m := range c.Messages {
		total += utf8.RuneCountInString(m.Content)
	}
	return total
}

// FromStored 把持久化消息转换为工作集, 只保留 user/assistant
func FromStored(msgs []*entity.ConversationMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsDialogue() {
			continue
		}
		out = append(out, Message{
			Role:    m.Role(),
			Content: m.Content(),
			Images:  m.Images(),
		})
	}
	return out
}
