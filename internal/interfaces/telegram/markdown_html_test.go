package telegram

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkdownToTelegramHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"bold and italic", "**a** _b_", "<b>a</b> <i>b</i>"},
		{"heading", "# Title", "<b>Title</b>"},
		{"inline code is escaped", "`a<b`", "<code>a&lt;b</code>"},
		{"fenced code", "```go\nx < y\n```", "<pre><code class=\"language-go\">x &lt; y\n</code></pre>"},
		{"link", "[site](https://example.com)", "<a href=\"https://example.com\">site</a>"},
		{"list", "- one\n- two", "• one\n• two"},
		{"ordered list", "1. one\n2. two", "1. one\n2. two"},
		{"nested list", "- one\n  - two", "• one\n  • two"},
		{"quote", "> said", "▎said"},
		{"raw html is shown as text", "hi <script>x</script>", "hi &lt;script&gt;x&lt;/script&gt;"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MarkdownToTelegramHTML(tt.in))
		})
	}
}

func TestStripMarkdownForPlaintext(t *testing.T) {
	assert.Equal(t, "bold and site", StripMarkdownForPlaintext("**bold** and [site](https://x.io)"))
	assert.Equal(t, "x := 1", StripMarkdownForPlaintext("```go\nx := 1\n```"))
	assert.Equal(t, "• one\n• a < b", StripMarkdownForPlaintext("- one\n- a < b"))
}

func TestStripTelegramHTML(t *testing.T) {
	assert.Equal(t, "a < b", StripTelegramHTML("<b>a</b> &lt; b"))
}
