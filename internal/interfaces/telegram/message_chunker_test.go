package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkMessage_ShortTextUntouched(t *testing.T) {
	assert.Equal(t, []string{"hello"}, ChunkMessage("hello"))
}

func TestChunkMessage_CountsRunes(t *testing.T) {
	// 3000 个汉字超过 4096 字节, 但未超过字符限制
	text := strings.Repeat("中", 3000)
	assert.Len(t, ChunkMessage(text), 1)

	text = strings.Repeat("中", 5000)
	chunks := ChunkMessage(text)
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c))
		assert.LessOrEqual(t, utf8.RuneCountInString(c), TelegramMessageLimit)
	}
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestChunkMessage_PrefersParagraphBoundary(t *testing.T) {
	first := strings.Repeat("a", 3000)
	second := strings.Repeat("b", 3000)
	chunks := ChunkMessage(first + "\n\n" + second)

	require.Len(t, chunks, 2)
	assert.Equal(t, first, chunks[0])
	assert.Equal(t, second, chunks[1])
}

func TestChunkMarkdown_ReopensSplitCodeBlock(t *testing.T) {
	code := strings.Repeat("x := 1\n", 1000)
	chunks := ChunkMarkdown("```go\n" + code + "```")

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.Equal(t, 0, strings.Count(c, "```")%2, "every chunk has balanced fences")
		assert.LessOrEqual(t, utf8.RuneCountInString(c), TelegramMessageLimit)
	}
	assert.True(t, strings.HasPrefix(chunks[1], "```\n"))
}
