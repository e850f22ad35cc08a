package telegram

import (
	"strings"
	"unicode"
)

// TelegramMessageLimit Telegram 消息长度限制 (字符数)
const TelegramMessageLimit = 4096

// markdownChunkLimit 给代码块补全留出余量
const markdownChunkLimit = TelegramMessageLimit - 96

const fence = "```"

// ChunkMessage 分块消息 (超过 4096 字符)
func ChunkMessage(text string) []string {
	return chunkRunes(text, TelegramMessageLimit)
}

// ChunkMarkdown 分块 Markdown 文本, 被截断的代码块在下一块重新打开
func ChunkMarkdown(text string) []string {
	chunks := chunkRunes(text, markdownChunkLimit)
	if len(chunks) < 2 {
		return chunks
	}

	reopen := ""
	for i, chunk := range chunks {
		chunk = reopen + chunk
		reopen = ""
		if strings.Count(chunk, fence)%2 == 1 {
			chunk += "\n" + fence
			reopen = fence + "\n"
		}
		chunks[i] = chunk
	}
	return chunks
}

func chunkRunes(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}

		splitAt := findSplitPoint(runes, limit)
		chunks = append(chunks, strings.TrimRightFunc(string(runes[:splitAt]), unicode.IsSpace))
		runes = trimLeft(runes[splitAt:])
	}
	return chunks
}

// findSplitPoint 寻找分割点
// 优先级: 双换行 > 单换行 > 句号 > 空格 > 强制截断
func findSplitPoint(runes []rune, maxLen int) int {
	window := runes[:maxLen]

	if idx := lastIndex(window, "\n\n"); idx >= maxLen/2 {
		return idx
	}
	if idx := lastIndex(window, "\n"); idx >= maxLen/2 {
		return idx
	}
	for i := len(window) - 1; i >= maxLen/2; i-- {
		switch window[i] {
		case '。', '！', '？', '!', '?':
			return i + 1 // 包含标点
		case '.':
			if i+1 < len(runes) && runes[i+1] == ' ' {
				return i + 1
			}
		}
	}
	if idx := lastIndex(window, " "); idx >= maxLen/3 {
		return idx
	}
	return maxLen
}

// lastIndex 从末尾查找子串, 返回 rune 下标
func lastIndex(runes []rune, substr string) int {
	sub := []rune(substr)
outer:
	for i := len(runes) - len(sub); i >= 0; i-- {
		for j, r := range sub {
			if runes[i+j] != r {
				continue outer
			}
		}
		return i
	}
	return -1
}

// trimLeft 去除左侧空白
func trimLeft(runes []rune) []rune {
	start := 0
	for start < len(runes) && unicode.IsSpace(runes[start]) {
		start++
	}
	return runes[start:]
}
