package telegram

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/convogate/gateway/internal/application/usecase"
	"github.com/convogate/gateway/internal/domain/entity"
	"github.com/convogate/gateway/internal/domain/history"
	"github.com/convogate/gateway/internal/domain/repository"
	apperrors "github.com/convogate/gateway/pkg/errors"
)

const (
	historyPageSize = 10
	// showMessages 是 /show 展示的最近消息条数
	showMessages  = 10
	previewLength = 300
)

const helpText = `📚 <b>命令列表</b>

/new: 结束当前对话, 下一条消息开启新对话
/history [页码]: 历史对话
/show &lt;序号&gt;: 查看并切换到该对话
/delete &lt;序号&gt;: 删除对话
/summary: 今日对话摘要
/context: 发送给模型的上下文
/clear: 删除全部对话

💡 直接发送消息即可对话`

// registerConversationCommands registers the conversation lifecycle commands.
func (a *Adapter) registerConversationCommands(registry *CommandRegistry) {
	registry.Register("start", func(ctx context.Context, cmd *Command) (*OutgoingMessage, error) {
		return htmlReply(cmd, "👋 欢迎！直接发送消息即可开始对话, 发送 /help 查看命令。"), nil
	})

	registry.Register("help", func(ctx context.Context, cmd *Command) (*OutgoingMessage, error) {
		return htmlReply(cmd, helpText), nil
	})

	// /new 关闭活跃对话
	registry.Register("new", func(ctx context.Context, cmd *Command) (*OutgoingMessage, error) {
		if _, err := a.conv.CloseActiveConversation(ctx, cmd.UserID); err != nil {
			return nil, err
		}
		return htmlReply(cmd, "✨ 已开始新对话"), nil
	})
	registry.Alias("reset", "new")

	// /clear 删除全部对话
	registry.Register("clear", func(ctx context.Context, cmd *Command) (*OutgoingMessage, error) {
		n, err := a.conv.DeleteAllConversations(ctx, cmd.UserID)
		if err != nil {
			return nil, err
		}
		return htmlReply(cmd, fmt.Sprintf("🗑 已删除 %d 个对话", n)), nil
	})

	registry.Register("history", func(ctx context.Context, cmd *Command) (*OutgoingMessage, error) {
		page := 1
		if len(cmd.Args) > 0 {
			if p := parsePageNumber(cmd.Args[0]); p > 0 {
				page = p
			}
		}
		items := a.conv.GetConversationList(ctx, cmd.UserID, repository.ListOptions{
			Limit:  historyPageSize,
			Offset: (page - 1) * historyPageSize,
		})
		if len(items) == 0 {
			if page > 1 {
				return htmlReply(cmd, "📜 没有更多对话了"), nil
			}
			return htmlReply(cmd, "📜 还没有历史对话"), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "📜 <b>历史对话</b> (第 %d 页)\n\n", page)
		for i, it := range items {
			fmt.Fprintf(&sb, "%d. <b>%s</b>\n  %s · %d 条消息\n",
				(page-1)*historyPageSize+i+1,
				html.EscapeString(it.Title),
				it.LastUpdated.Format("2006-01-02 15:04"),
				it.MessageCount,
			)
		}
		sb.WriteString("\n/show &lt;序号&gt; 切换到对话")
		if len(items) == historyPageSize {
			fmt.Fprintf(&sb, "\n下一页: /history %d", page+1)
		}
		return htmlReply(cmd, sb.String()), nil
	})
	registry.Alias("list", "history")

	registry.Register("show", func(ctx context.Context, cmd *Command) (*OutgoingMessage, error) {
		if len(cmd.Args) == 0 {
			return htmlReply(cmd, "用法: /show &lt;序号&gt;"), nil
		}
		id, ok := a.resolveConversationArg(ctx, cmd)
		if !ok {
			return htmlReply(cmd, "🔍 没有找到该对话"), nil
		}
		if _, err := a.conv.ResumeConversation(ctx, senderOfCommand(cmd), id); err != nil {
			if apperrors.IsNotFound(err) {
				return htmlReply(cmd, "🔍 没有找到该对话"), nil
			}
			return nil, err
		}
		full := a.conv.GetConversationByID(ctx, id, cmd.UserID)
		if full == nil {
			return htmlReply(cmd, "🔍 没有找到该对话"), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "<b>%s</b>\n", html.EscapeString(history.DeriveTitle(full.Title, full.Summary)))
		fmt.Fprintf(&sb, "%s · %d 条消息\n", full.CreatedAt.Format("2006-01-02 15:04"), full.MessageCount)
		if full.Summary != "" {
			fmt.Fprintf(&sb, "\n📝 %s\n", html.EscapeString(history.HeadRunes(full.Summary, previewLength)))
		}

		msgs := full.Messages
		if len(msgs) > showMessages {
			msgs = msgs[len(msgs)-showMessages:]
		}
		if len(msgs) > 0 {
			sb.WriteString("\n")
		}
		for _, m := range msgs {
			fmt.Fprintf(&sb, "%s %s\n", roleIcon(m.Role), html.EscapeString(history.HeadRunes(m.Content, previewLength)))
		}
		sb.WriteString("\n✅ 已切换到该对话, 继续发送消息即可")
		return htmlReply(cmd, sb.String()), nil
	})

	registry.Register("delete", func(ctx context.Context, cmd *Command) (*OutgoingMessage, error) {
		if len(cmd.Args) == 0 {
			return htmlReply(cmd, "用法: /delete &lt;序号&gt;"), nil
		}
		id, ok := a.resolveConversationArg(ctx, cmd)
		if !ok {
			return htmlReply(cmd, "🔍 没有找到该对话"), nil
		}
		if err := a.conv.DeleteConversation(ctx, id, cmd.UserID); err != nil {
			if apperrors.IsNotFound(err) {
				return htmlReply(cmd, "🔍 没有找到该对话"), nil
			}
			return nil, err
		}
		return htmlReply(cmd, "🗑 对话已删除"), nil
	})

	registry.Register("summary", func(ctx context.Context, cmd *Command) (*OutgoingMessage, error) {
		summary := a.conv.TodaySummary(ctx, cmd.ChatID)
		if summary == "" {
			return htmlReply(cmd, "📝 今天的对话还没有摘要"), nil
		}
		return htmlReply(cmd, "📝 <b>今日摘要</b>\n\n"+html.EscapeString(summary)), nil
	})

	registry.Register("context", func(ctx context.Context, cmd *Command) (*OutgoingMessage, error) {
		prompt := a.conv.TodayContextPrompt(ctx, cmd.ChatID)
		if prompt == "" {
			return htmlReply(cmd, "🧠 当前上下文为空"), nil
		}
		return htmlReply(cmd, "🧠 <b>当前上下文</b>\n\n<pre>"+html.EscapeString(history.TailRunes(prompt, 3500))+"</pre>"), nil
	})
}

// resolveConversationArg 把 /history 中的序号转为对话 ID, 非数字参数按 ID 处理
func (a *Adapter) resolveConversationArg(ctx context.Context, cmd *Command) (string, bool) {
	arg := strings.TrimSpace(cmd.Args[0])
	if n := parsePageNumber(arg); n > 0 {
		return a.conv.ConversationAt(ctx, cmd.UserID, n)
	}
	return arg, arg != ""
}

func htmlReply(cmd *Command, text string) *OutgoingMessage {
	return &OutgoingMessage{ChatID: cmd.ChatID, Text: text, ParseMode: "HTML"}
}

func senderOfCommand(cmd *Command) usecase.TelegramSender {
	return usecase.TelegramSender{ChatID: cmd.ChatID, UserID: cmd.UserID, Username: cmd.Username}
}

func roleIcon(r entity.Role) string {
	switch r {
	case entity.RoleUser:
		return "👤"
	case entity.RoleSystem:
		return "⚙️"
	default:
		return "🤖"
	}
}
