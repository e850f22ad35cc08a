package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/convogate/gateway/internal/application/usecase"
	"github.com/convogate/gateway/internal/domain/service"
	apperrors "github.com/convogate/gateway/pkg/errors"
	"github.com/convogate/gateway/pkg/safego"
)

// turnTimeout bounds one chat turn including the model call.
const turnTimeout = 2 * time.Minute

// Config Telegram 适配器配置
type Config struct {
	BotToken       string
	AllowedUserIDs []int64 // 空表示允许所有人
	Debug          bool
}

// BotAPI is the subset of *tgbotapi.BotAPI the adapter uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Adapter Telegram 适配器
type Adapter struct {
	bot       BotAPI
	config    *Config
	logger    *zap.Logger
	conv      *usecase.TelegramConversation
	responder usecase.Responder
	registry  *CommandRegistry
	inbound   *InboundBuffer
	cancel    context.CancelFunc
}

// IncomingMessage 入站消息
type IncomingMessage struct {
	MessageID int
	ChatID    int64
	UserID    int64
	Username  string
	Text      string
	Timestamp time.Time
}

// OutgoingMessage 出站消息
type OutgoingMessage struct {
	ChatID    int64
	Text      string
	ParseMode string // "HTML" 或空
	ReplyToID int
	// PlainText HTML 被拒绝时的纯文本版本, 为空则从 Text 去标签
	PlainText string
}

// NewAdapter 创建 Telegram 适配器
func NewAdapter(config *Config, conv *usecase.TelegramConversation, responder usecase.Responder, logger *zap.Logger) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(config.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	bot.Debug = config.Debug

	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	return newAdapter(bot, config, conv, responder, DefaultBufferConfig(), logger), nil
}

func newAdapter(bot BotAPI, config *Config, conv *usecase.TelegramConversation, responder usecase.Responder, bufCfg BufferConfig, logger *zap.Logger) *Adapter {
	a := &Adapter{
		bot:       bot,
		config:    config,
		logger:    logger.With(zap.String("component", "telegram")),
		conv:      conv,
		responder: responder,
		registry:  NewCommandRegistry(),
	}
	a.inbound = NewInboundBuffer(a.processMessage, bufCfg, a.logger)
	a.registerConversationCommands(a.registry)
	return a
}

// Start 启动适配器 (轮询模式)
func (a *Adapter) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	innerCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// 设置 Bot 命令菜单
	if err := a.SetupBotCommands(); err != nil {
		a.logger.Warn("Failed to setup bot commands", zap.Error(err))
	}

	updates := a.bot.GetUpdatesChan(u)

	a.logger.Info("Starting Telegram polling")

	safego.Go(a.logger, "telegram-poll", func() {
		for {
			select {
			case <-innerCtx.Done():
				a.bot.StopReceivingUpdates()
				a.logger.Info("Telegram adapter stopped")
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				safego.Go(a.logger, "telegram-update", func() {
					a.handleUpdate(innerCtx, update)
				})
			}
		}
	})

	return nil
}

// SetupBotCommands 设置 Bot 命令菜单
func (a *Adapter) SetupBotCommands() error {
	commands := []tgbotapi.BotCommand{
		{Command: "new", Description: "✨ 新对话"},
		{Command: "history", Description: "📜 历史对话"},
		{Command: "summary", Description: "📝 今日摘要"},
		{Command: "context", Description: "🧠 当前上下文"},
		{Command: "clear", Description: "🗑 删除全部对话"},
		{Command: "help", Description: "❓ 帮助"},
	}

	_, err := a.bot.Request(tgbotapi.NewSetMyCommands(commands...))
	if err != nil {
		return fmt.Errorf("failed to set bot commands: %w", err)
	}

	a.logger.Info("Bot commands menu configured", zap.Int("count", len(commands)))
	return nil
}

// Stop 停止适配器
func (a *Adapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

// handleUpdate 处理更新
func (a *Adapter) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}

	if !a.isAllowedUser(msg.From.ID) {
		a.logger.Warn("Unauthorized access",
			zap.Int64("chat_id", msg.Chat.ID),
			zap.Int64("user_id", msg.From.ID),
			zap.String("username", msg.From.UserName),
		)
		return
	}

	// 先检查是否是命令
	if cmd := ParseCommand(msg.Text); cmd != nil {
		cmd.ChatID = msg.Chat.ID
		cmd.UserID = msg.From.ID
		cmd.Username = msg.From.UserName

		response, handled, err := a.registry.Handle(ctx, cmd)
		if err != nil {
			a.logger.Error("Failed to handle command",
				zap.String("command", cmd.Name),
				zap.Error(err),
			)
			a.sendError(msg.Chat.ID, err)
			return
		}
		if handled {
			if response != nil {
				a.SendMessage(response)
			}
			return
		}

		a.logger.Debug("Unknown command, treating as message", zap.String("command", cmd.Name))
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	a.inbound.Submit(ctx, &IncomingMessage{
		MessageID: msg.MessageID,
		ChatID:    msg.Chat.ID,
		UserID:    msg.From.ID,
		Username:  msg.From.UserName,
		Text:      text,
		Timestamp: time.Unix(int64(msg.Date), 0),
	})
}

// processMessage runs one chat turn for a buffered message.
func (a *Adapter) processMessage(ctx context.Context, msg *IncomingMessage) {
	if a.responder == nil {
		a.logger.Warn("No responder configured, ignoring message", zap.Int64("chat_id", msg.ChatID))
		return
	}

	a.SendTyping(msg.ChatID)

	ctx, cancel := context.WithTimeout(ctx, turnTimeout)
	defer cancel()

	result, err := a.conv.Chat(ctx, senderOf(msg), msg.Text, a.responder)
	if err != nil {
		a.logger.Error("Failed to handle message",
			zap.Int64("chat_id", msg.ChatID),
			zap.Error(err),
		)
		a.sendError(msg.ChatID, err)
		return
	}

	if err := a.SendReply(msg.ChatID, result.Reply, msg.MessageID); err != nil {
		a.logger.Error("Failed to send reply", zap.Int64("chat_id", msg.ChatID), zap.Error(err))
	}
}

func senderOf(msg *IncomingMessage) usecase.TelegramSender {
	return usecase.TelegramSender{ChatID: msg.ChatID, UserID: msg.UserID, Username: msg.Username}
}

// SendReply renders markdown as Telegram HTML and sends it in chunks.
// Only the first chunk quotes the original message.
func (a *Adapter) SendReply(chatID int64, markdown string, replyTo int) error {
	for i, chunk := range ChunkMarkdown(markdown) {
		out := &OutgoingMessage{
			ChatID:    chatID,
			Text:      MarkdownToTelegramHTML(chunk),
			ParseMode: tgbotapi.ModeHTML,
			PlainText: StripMarkdownForPlaintext(chunk),
		}
		if out.Text == "" {
			continue
		}
		if i == 0 {
			out.ReplyToID = replyTo
		}
		if err := a.SendMessage(out); err != nil {
			return err
		}
	}
	return nil
}

// SendMessage 发送消息
func (a *Adapter) SendMessage(out *OutgoingMessage) error {
	msg := tgbotapi.NewMessage(out.ChatID, out.Text)

	if out.ParseMode != "" {
		msg.ParseMode = out.ParseMode
	}
	if out.ReplyToID > 0 {
		msg.ReplyToMessageID = out.ReplyToID
	}

	_, err := a.bot.Send(msg)

	// HTML 解析失败时退回纯文本
	if err != nil && msg.ParseMode != "" && strings.Contains(err.Error(), "can't parse entities") {
		a.logger.Warn("HTML parse failed, retrying as plain text",
			zap.Int64("chat_id", out.ChatID),
			zap.Error(err),
		)
		msg.ParseMode = ""
		msg.Text = out.PlainText
		if msg.Text == "" {
			msg.Text = StripTelegramHTML(out.Text)
		}
		_, err = a.bot.Send(msg)
	}

	return err
}

// SendTyping 发送打字状态
func (a *Adapter) SendTyping(chatID int64) {
	a.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
}

// sendError 发送错误消息
func (a *Adapter) sendError(chatID int64, err error) {
	a.bot.Send(tgbotapi.NewMessage(chatID, errorText(err)))
}

// errorText 分类错误并给出提示
func errorText(err error) string {
	switch {
	case service.IsIdentityError(err):
		return "🔑 无法识别你的账号，请稍后重试"
	case errors.Is(err, context.DeadlineExceeded):
		return "⏰ 响应超时，请稍后重试"
	case errors.Is(err, context.Canceled):
		return "⏹ 操作已取消"
	}

	switch apperrors.CodeOf(err) {
	case apperrors.CodeServiceUnavail:
		return "🔄 模型服务暂时不可用，请稍后重试"
	case apperrors.CodeNotFound:
		return "🔍 没有找到该对话"
	case apperrors.CodeInvalidInput:
		return "⚠️ 输入无效"
	}

	short := err.Error()
	if len([]rune(short)) > 200 {
		short = string([]rune(short)[:200]) + "..."
	}
	return fmt.Sprintf("❌ 出错了: %s", short)
}

// isAllowedUser 检查用户是否在白名单
func (a *Adapter) isAllowedUser(userID int64) bool {
	if len(a.config.AllowedUserIDs) == 0 {
		return true // 空白名单 = 允许所有
	}
	for _, id := range a.config.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
