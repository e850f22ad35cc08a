package history

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Summarizer 消息摘要生成器接口
// 调用可能失败, 由调用方决定如何降级
type Summarizer interface {
	Summarize(ctx context.Context, messages []Message) (string, error)
}

// SummarizerFunc 函数适配器
type SummarizerFunc func(ctx context.Context, messages []Message) (string, error)

// Summarize 实现 Summarizer
func (f SummarizerFunc) Summarize(ctx context.Context, messages []Message) (string, error) {
	return f(ctx, messages)
}

// ModelClient 模型客户端接口 (用于摘要生成)
type ModelClient interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// LLMSummarizer 基于 LLM 的摘要生成器
type LLMSummarizer struct {
	client         ModelClient
	tokenizer      Tokenizer
	maxInputTokens int
	summaryPrompt  string
}

// SummarizerConfig 摘要器配置
type SummarizerConfig struct {
	MaxInputTokens int    // 输入消息最大 token
	CustomPrompt   string // 自定义摘要提示词, 需包含一个 %s
}

// DefaultSummarizerConfig 默认配置
func DefaultSummarizerConfig() *SummarizerConfig {
	return &SummarizerConfig{
		MaxInputTokens: 8000,
	}
}

const defaultSummaryPrompt = `Summarize the following conversation into a short list of bullet points.
Keep the user's goals, decisions that were made and anything still unresolved.
Stay under 150 words.

Conversation:
%s

Summary:`

// NewLLMSummarizer 创建 LLM 摘要器
func NewLLMSummarizer(client ModelClient, config *SummarizerConfig) *LLMSummarizer {
	if config == nil {
		config = DefaultSummarizerConfig()
	}
	prompt := config.CustomPrompt
	if prompt == "" {
		prompt = defaultSummaryPrompt
	}
	return &LLMSummarizer{
		client:         client,
		tokenizer:      NewSimpleTokenizer(),
		maxInputTokens: config.MaxInputTokens,
		summaryPrompt:  prompt,
	}
}

// Summarize 生成对话摘要
// 输入超出 token 预算时丢弃最早的消息
func (s *LLMSummarizer) Summarize(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	lines := make([]string, 0, len(messages))
	totalTokens := 0
	truncated := false
	for i := len(messages) - 1; i >= 0; i-- {
		line := fmt.Sprintf("[%s]: %s", messages[i].Role, messages[i].Content)
		lineTokens := s.tokenizer.Count(line)
		if totalTokens+lineTokens > s.maxInputTokens {
			truncated = true
			break
		}
		lines = append(lines, line)
		totalTokens += lineTokens
	}

	var sb strings.Builder
	if truncated {
		sb.WriteString("... (earlier messages omitted)\n")
	}
	for i := len(lines) - 1; i >= 0; i-- {
		sb.WriteString(lines[i])
		sb.WriteString("\n")
	}

	summary, err := s.client.Generate(ctx, fmt.Sprintf(s.summaryPrompt, sb.String()))
	if err != nil {
		return "", fmt.Errorf("failed to generate summary: %w", err)
	}
	return strings.TrimSpace(summary), nil
}

// SimpleSummarizer 简单摘要器 (不依赖 LLM, 未配置模型时使用)
// 输出是确定的: 每条消息取开头一段
type SimpleSummarizer struct {
	maxPoints    int
	maxLineChars int
}

// NewSimpleSummarizer 创建简单摘要器
func NewSimpleSummarizer() *SimpleSummarizer {
	return &SimpleSummarizer{maxPoints: 10, maxLineChars: 80}
}

// Summarize 简单提取要点
func (s *SimpleSummarizer) Summarize(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	points := make([]string, 0, len(messages))
	for _, msg := range messages {
		content := strings.TrimSpace(strings.ReplaceAll(msg.Content, "\n", " "))
		if content == "" {
			continue
		}
		if utf8.RuneCountInString(content) > s.maxLineChars {
			content = HeadRunes(content, s.maxLineChars) + "..."
		}
		points = append(points, fmt.Sprintf("- %s: %s", msg.Role, content))
	}

	if len(points) == 0 {
		return fmt.Sprintf("- %d earlier messages", len(messages)), nil
	}
	// 保留最近的要点
	if len(points) > s.maxPoints {
		points = points[len(points)-s.maxPoints:]
	}
	return strings.Join(points, "\n"), nil
}

// Tokenizer token 计数接口
type Tokenizer interface {
	Count(text string) int
}

// SimpleTokenizer 简单 token 计数器 (基于字符估算)
type SimpleTokenizer struct {
	charsPerToken float64
}

// NewSimpleTokenizer 创建简单计数器
func NewSimpleTokenizer() *SimpleTokenizer {
	return &SimpleTokenizer{
		charsPerToken: 4.0, // 英文平均 4 字符一个 token，中文约 2 字符
	}
}

// Count 估算 token 数
func (t *SimpleTokenizer) Count(text string) int {
	cjk := 0
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		}
	}
	other := utf8.RuneCountInString(text) - cjk
	tokens := float64(cjk)/2.0 + float64(other)/t.charsPerToken
	return int(tokens) + 1
}
