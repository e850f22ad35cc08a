package history

import (
	"regexp"
	"strings"

	"github.com/convogate/gateway/internal/domain/entity"
	"github.com/convogate/gateway/internal/domain/valueobject"
)

const (
	summaryBlockLabel  = "Previous conversation summary:\n"
	messagesBlockLabel = "Recent messages:\n"

	// DefaultTitle 没有标题也没有摘要时的列表标题
	DefaultTitle = "New Conversation"

	titleMaxLength  = 50
	titleKeepLength = 47
	titleEllipsis   = "..."
)

var titleMarker = regexp.MustCompile(`^[-•*]\s*`)

// BuildContextPrompt 组装发给模型的上下文提示词
// 每一步截断都保留末尾, 结果长度不超过 MaxContextPromptLength
func BuildContextPrompt(c *ConversationContext, cfg valueobject.ConversationConfig) string {
	if c == nil {
		return ""
	}

	parts := make([]string, 0, 2)

	if c.Summary != "" {
		parts = append(parts, summaryBlockLabel+TailRunes(c.Summary, cfg.MaxSummaryDisplayLength))
	}

	if len(c.Messages) > 0 {
		lines := make([]string, 0, len(c.Messages))
		for _, m := range c.Messages {
			lines = append(lines, roleLabel(m.Role)+": "+m.Content)
		}
		rendered := TailRunes(strings.Join(lines, "\n"), cfg.MaxMessagesDisplayLength)
		parts = append(parts, messagesBlockLabel+rendered)
	}

	return TailRunes(strings.Join(parts, "\n\n"), cfg.MaxContextPromptLength)
}

// system 消息与 assistant 同样渲染
func roleLabel(r entity.Role) string {
	if r == entity.RoleUser {
		return "User"
	}
	return "Assistant"
}

// DeriveTitle 列表标题: 显式标题优先, 否则取摘要首行
func DeriveTitle(title, summary string) string {
	if title != "" {
		return title
	}
	if summary == "" {
		return DefaultTitle
	}

	firstLine := strings.SplitN(summary, "\n", 2)[0]
	firstLine = titleMarker.ReplaceAllString(firstLine, "")
	if RuneLen(firstLine) > titleMaxLength {
		return HeadRunes(firstLine, titleKeepLength) + titleEllipsis
	}
	return firstLine
}
