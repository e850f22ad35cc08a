package telegram

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MarkdownToTelegramHTML 将模型输出的 Markdown 转为 Telegram HTML.
// 只输出 Telegram 支持的 <b> <i> <code> <pre> <a>, 其余内容一律转义.
func MarkdownToTelegramHTML(markdown string) string {
	return renderMarkdown(markdown, false)
}

// StripMarkdownForPlaintext 去掉 Markdown 标记, 用于 HTML 被拒绝时的纯文本重发.
func StripMarkdownForPlaintext(markdown string) string {
	return renderMarkdown(markdown, true)
}

var reHTMLTag = regexp.MustCompile(`</?[a-z]+[^>]*>`)

// StripTelegramHTML turns rendered Telegram HTML back into plain text.
func StripTelegramHTML(s string) string {
	return html.UnescapeString(reHTMLTag.ReplaceAllString(s, ""))
}

func renderMarkdown(markdown string, plain bool) string {
	if markdown == "" {
		return ""
	}
	src := []byte(markdown)
	r := &tgRenderer{src: src, plain: plain}
	r.children(goldmark.New().Parser().Parse(text.NewReader(src)))
	return strings.TrimRight(r.out.String(), "\n")
}

// tgRenderer 遍历 goldmark AST. plain 模式下不输出标签也不转义.
type tgRenderer struct {
	src   []byte
	plain bool
	out   strings.Builder
}

func (r *tgRenderer) tag(s string) {
	if !r.plain {
		r.out.WriteString(s)
	}
}

func (r *tgRenderer) text(s string) {
	if r.plain {
		r.out.WriteString(s)
		return
	}
	r.out.WriteString(html.EscapeString(s))
}

func (r *tgRenderer) children(n ast.Node) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		r.node(c)
	}
}

// sub 在独立缓冲区中渲染子节点, 用于需要逐行加前缀的块
func (r *tgRenderer) sub(n ast.Node) string {
	inner := &tgRenderer{src: r.src, plain: r.plain}
	inner.children(n)
	return strings.TrimRight(inner.out.String(), "\n")
}

func (r *tgRenderer) lines(n ast.Node) {
	segs := n.Lines()
	for i := 0; i < segs.Len(); i++ {
		seg := segs.At(i)
		r.text(string(seg.Value(r.src)))
	}
}

func (r *tgRenderer) node(n ast.Node) {
	switch n := n.(type) {
	case *ast.Paragraph:
		r.children(n)
		r.out.WriteString("\n\n")

	case *ast.TextBlock:
		r.children(n)
		r.out.WriteString("\n")

	case *ast.Heading:
		r.tag("<b>")
		r.children(n)
		r.tag("</b>")
		r.out.WriteString("\n\n")

	case *ast.ThematicBreak:
		r.out.WriteString("———\n\n")

	case *ast.Blockquote:
		for _, line := range strings.Split(r.sub(n), "\n") {
			r.out.WriteString("▎" + line + "\n")
		}
		r.out.WriteString("\n")

	case *ast.FencedCodeBlock:
		if lang := string(n.Language(r.src)); lang != "" {
			r.tag(`<pre><code class="language-` + html.EscapeString(lang) + `">`)
		} else {
			r.tag("<pre><code>")
		}
		r.lines(n)
		r.tag("</code></pre>")
		r.out.WriteString("\n\n")

	case *ast.CodeBlock:
		r.tag("<pre><code>")
		r.lines(n)
		r.tag("</code></pre>")
		r.out.WriteString("\n\n")

	case *ast.List:
		r.list(n)

	case *ast.Text:
		r.text(string(n.Segment.Value(r.src)))
		if n.SoftLineBreak() || n.HardLineBreak() {
			r.out.WriteString("\n")
		}

	case *ast.String:
		r.text(string(n.Value))

	case *ast.CodeSpan:
		r.tag("<code>")
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			if t, ok := c.(*ast.Text); ok {
				r.text(string(t.Segment.Value(r.src)))
			}
		}
		r.tag("</code>")

	case *ast.Emphasis:
		open, end := "<i>", "</i>"
		if n.Level == 2 {
			open, end = "<b>", "</b>"
		}
		r.tag(open)
		r.children(n)
		r.tag(end)

	case *ast.Link:
		r.tag(`<a href="` + html.EscapeString(string(n.Destination)) + `">`)
		r.children(n)
		r.tag("</a>")

	case *ast.AutoLink:
		url := string(n.URL(r.src))
		r.tag(`<a href="` + html.EscapeString(url) + `">`)
		r.text(url)
		r.tag("</a>")

	case *ast.Image:
		if !r.plain {
			r.text("[图片: " + string(n.Destination) + "]")
		}

	case *ast.RawHTML:
		// 模型输出的 HTML 按文本显示
		for i := 0; i < n.Segments.Len(); i++ {
			seg := n.Segments.At(i)
			r.text(string(seg.Value(r.src)))
		}

	case *ast.HTMLBlock:
		r.lines(n)
		if n.HasClosure() {
			r.text(string(n.ClosureLine.Value(r.src)))
		}
		r.out.WriteString("\n")

	default:
		r.children(n)
	}
}

func (r *tgRenderer) list(l *ast.List) {
	idx := l.Start
	for item := l.FirstChild(); item != nil; item = item.NextSibling() {
		if l.IsOrdered() {
			r.out.WriteString(strconv.Itoa(idx) + ". ")
			idx++
		} else {
			r.out.WriteString("• ")
		}
		r.out.WriteString(strings.ReplaceAll(r.sub(item), "\n", "\n  "))
		r.out.WriteString("\n")
	}
	r.out.WriteString("\n")
}
