package valueobject

import "fmt"

// ConversationConfig 会话上下文阈值（不可变）
// 长度均按字符 (rune) 计算
type ConversationConfig struct {
	MaxContextLength           int // 工作集总长度超过该值时触发摘要
	MaxSummaryLength           int // 摘要最大长度
	MaxMessagesBeforeSummarize int // 工作集条数超过该值时触发摘要
	MaxContextPromptLength     int // 最终提示词最大长度
	MaxSummaryDisplayLength    int // 提示词中摘要块最大长度
	MaxMessagesDisplayLength   int // 提示词中消息块最大长度
}

// DefaultConversationConfig 默认阈值
func DefaultConversationConfig() ConversationConfig {
	return ConversationConfig{
		MaxContextLength:           1000,
		MaxSummaryLength:           1000,
		MaxMessagesBeforeSummarize: 6,
		MaxContextPromptLength:     2000,
		MaxSummaryDisplayLength:    800,
		MaxMessagesDisplayLength:   1000,
	}
}

// WebConversationConfig web 渠道阈值
func WebConversationConfig() ConversationConfig {
	cfg := DefaultConversationConfig()
	cfg.MaxContextLength = 1000
	return cfg
}

// TelegramConversationConfig telegram 渠道阈值, 工作集更宽
func TelegramConversationConfig() ConversationConfig {
	cfg := DefaultConversationConfig()
	cfg.MaxContextLength = 1500
	return cfg
}

// Merge 用非零字段覆盖, 返回新值
func (c ConversationConfig) Merge(override ConversationConfig) ConversationConfig {
	if override.MaxContextLength > 0 {
		c.MaxContextLength = override.MaxContextLength
	}
	if override.MaxSummaryLength > 0 {
		c.MaxSummaryLength = override.MaxSummaryLength
	}
	if override.MaxMessagesBeforeSummarize > 0 {
		c.MaxMessagesBeforeSummarize = override.MaxMessagesBeforeSummarize
	}
	if override.MaxContextPromptLength > 0 {
		c.MaxContextPromptLength = override.MaxContextPromptLength
	}
	if override.MaxSummaryDisplayLength > 0 {
		c.MaxSummaryDisplayLength = override.MaxSummaryDisplayLength
	}
	if override.MaxMessagesDisplayLength > 0 {
		c.MaxMessagesDisplayLength = override.MaxMessagesDisplayLength
	}
	return c
}

// Validate 检查阈值
func (c ConversationConfig) Validate() error {
	if c.MaxContextLength <= 0 || c.MaxSummaryLength <= 0 || c.MaxMessagesBeforeSummarize <= 0 {
		return fmt.Errorf("conversation thresholds must be positive: %+v", c)
	}
	if c.MaxContextPromptLength <= 0 || c.MaxSummaryDisplayLength <= 0 || c.MaxMessagesDisplayLength <= 0 {
		return fmt.Errorf("prompt display limits must be positive: %+v", c)
	}
	return nil
}
