package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/convogate/gateway/internal/application/usecase"
	"github.com/convogate/gateway/internal/domain/entity"
	"github.com/convogate/gateway/internal/domain/history"
	"github.com/convogate/gateway/internal/domain/repository"
	"github.com/convogate/gateway/internal/domain/service"
	"github.com/convogate/gateway/internal/domain/valueobject"
	"github.com/convogate/gateway/internal/infrastructure/persistence"
	apperrors "github.com/convogate/gateway/pkg/errors"
)

type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	requests int
	// sendErr is returned once for the next HTML message
	sendErr error
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, nil
	}
	if b.sendErr != nil && msg.ParseMode != "" {
		err := b.sendErr
		b.sendErr = nil
		return tgbotapi.Message{}, err
	}
	b.sent = append(b.sent, msg)
	return tgbotapi.Message{MessageID: len(b.sent)}, nil
}

func (b *fakeBot) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests++
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (b *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(chan tgbotapi.Update)
}

func (b *fakeBot) StopReceivingUpdates() {}

func (b *fakeBot) messages() []tgbotapi.MessageConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]tgbotapi.MessageConfig, len(b.sent))
	copy(out, b.sent)
	return out
}

func (b *fakeBot) last(t *testing.T) tgbotapi.MessageConfig {
	t.Helper()
	msgs := b.messages()
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

type upperResponder struct{}

func (upperResponder) Respond(_ context.Context, _, userMessage string) (string, error) {
	return strings.ToUpper(userMessage), nil
}

func newTestAdapter(t *testing.T, cfg *Config, responder usecase.Responder) (*Adapter, *fakeBot) {
	t.Helper()
	logger := zap.NewNop()
	svc := service.NewConversationService(
		entity.SourceTelegram,
		valueobject.DefaultConversationConfig(),
		persistence.NewMemoryConversationRepository(),
		persistence.NewMemoryMessageRepository(),
		logger,
	)
	conv := usecase.NewTelegramConversation(svc, persistence.NewMemoryIdentityRepository(), history.NewSimpleSummarizer(), logger)

	bufCfg := DefaultBufferConfig()
	bufCfg.DebounceWindow = 50 * time.Millisecond

	bot := &fakeBot{}
	return newAdapter(bot, cfg, conv, responder, bufCfg, logger), bot
}

func textUpdate(msgID int, userID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: msgID,
		From:      &tgbotapi.User{ID: userID, UserName: "tester"},
		Chat:      &tgbotapi.Chat{ID: userID},
		Text:      text,
		Date:      int(time.Now().Unix()),
	}}
}

func TestAdapter_ChatTurnThroughDebounce(t *testing.T) {
	a, bot := newTestAdapter(t, &Config{}, upperResponder{})
	ctx := context.Background()

	a.handleUpdate(ctx, textUpdate(1, 42, "hi"))
	a.handleUpdate(ctx, textUpdate(2, 42, "there"))

	require.Eventually(t, func() bool { return len(bot.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)

	reply := bot.last(t)
	assert.Equal(t, "HI\nTHERE", reply.Text)
	assert.Equal(t, tgbotapi.ModeHTML, reply.ParseMode)
	assert.Equal(t, 2, reply.ReplyToMessageID)

	full := a.conv.GetConversationList(ctx, 42, repository.ListOptions{Limit: 10})
	require.Len(t, full, 1)
	assert.Equal(t, 2, full[0].MessageCount)
}

func TestAdapter_HistoryAndSummaryCommands(t *testing.T) {
	a, bot := newTestAdapter(t, &Config{}, upperResponder{})
	ctx := context.Background()

	a.handleUpdate(ctx, textUpdate(1, 7, "/history"))
	assert.Contains(t, bot.last(t).Text, "还没有历史对话")

	a.handleUpdate(ctx, textUpdate(2, 7, "/summary"))
	assert.Contains(t, bot.last(t).Text, "还没有摘要")

	a.handleUpdate(ctx, textUpdate(3, 7, "remember the milk"))
	require.Eventually(t, func() bool { return len(bot.messages()) == 3 }, 2*time.Second, 10*time.Millisecond)

	a.handleUpdate(ctx, textUpdate(5, 7, "/history@convobot"))
	listing := bot.last(t).Text
	assert.Contains(t, listing, "历史对话")
	assert.Contains(t, listing, history.DefaultTitle)
	assert.Contains(t, listing, "2 条消息")

	a.handleUpdate(ctx, textUpdate(6, 7, "/context"))
	assert.Contains(t, bot.last(t).Text, "REMEMBER THE MILK")
}

func TestAdapter_NewClosesActiveConversation(t *testing.T) {
	a, bot := newTestAdapter(t, &Config{}, upperResponder{})
	ctx := context.Background()

	a.handleUpdate(ctx, textUpdate(1, 9, "first"))
	require.Eventually(t, func() bool { return len(bot.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)

	a.handleUpdate(ctx, textUpdate(3, 9, "/new"))
	assert.Contains(t, bot.last(t).Text, "已开始新对话")

	a.handleUpdate(ctx, textUpdate(4, 9, "second"))
	require.Eventually(t, func() bool { return len(bot.messages()) == 3 }, 2*time.Second, 10*time.Millisecond)

	assert.Len(t, a.conv.GetConversationList(ctx, 9, repository.ListOptions{Limit: 10}), 2)

	a.handleUpdate(ctx, textUpdate(6, 9, "/clear"))
	assert.Contains(t, bot.last(t).Text, "已删除 2 个对话")
}

func TestAdapter_ShowSwitchesToListedConversation(t *testing.T) {
	a, bot := newTestAdapter(t, &Config{}, upperResponder{})
	ctx := context.Background()

	a.handleUpdate(ctx, textUpdate(1, 11, "first"))
	require.Eventually(t, func() bool { return len(bot.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	a.handleUpdate(ctx, textUpdate(3, 11, "/new"))
	a.handleUpdate(ctx, textUpdate(4, 11, "second"))
	require.Eventually(t, func() bool { return len(bot.messages()) == 3 }, 2*time.Second, 10*time.Millisecond)

	listed := a.conv.GetConversationList(ctx, 11, repository.ListOptions{Limit: 10})
	require.Len(t, listed, 2)
	older := listed[1].ID

	a.handleUpdate(ctx, textUpdate(6, 11, "/history"))
	assert.Contains(t, bot.last(t).Text, "2. ")

	a.handleUpdate(ctx, textUpdate(7, 11, "/show 2"))
	shown := bot.last(t).Text
	assert.Contains(t, shown, "FIRST")
	assert.Contains(t, shown, "已切换到该对话")

	a.handleUpdate(ctx, textUpdate(8, 11, "third"))
	require.Eventually(t, func() bool { return len(bot.messages()) == 6 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "THIRD", bot.last(t).Text)

	assert.Len(t, a.conv.GetConversationList(ctx, 11, repository.ListOptions{Limit: 10}), 2)
	full := a.conv.GetConversationByID(ctx, older, 11)
	require.NotNil(t, full)
	require.Len(t, full.Messages, 4)
	assert.Equal(t, "third", full.Messages[2].Content)

	a.handleUpdate(ctx, textUpdate(10, 11, "/show 5"))
	assert.Contains(t, bot.last(t).Text, "没有找到")
}

func TestAdapter_DeleteByListIndex(t *testing.T) {
	a, bot := newTestAdapter(t, &Config{}, upperResponder{})
	ctx := context.Background()

	a.handleUpdate(ctx, textUpdate(1, 12, "keep me"))
	require.Eventually(t, func() bool { return len(bot.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)

	a.handleUpdate(ctx, textUpdate(3, 12, "/delete 2"))
	assert.Contains(t, bot.last(t).Text, "没有找到")

	a.handleUpdate(ctx, textUpdate(4, 12, "/delete 1"))
	assert.Contains(t, bot.last(t).Text, "对话已删除")
	assert.Empty(t, a.conv.GetConversationList(ctx, 12, repository.ListOptions{Limit: 10}))
}

func TestAdapter_ContextCommandIsReadOnly(t *testing.T) {
	a, bot := newTestAdapter(t, &Config{}, upperResponder{})
	ctx := context.Background()

	a.handleUpdate(ctx, textUpdate(1, 13, "/context"))
	assert.Contains(t, bot.last(t).Text, "当前上下文为空")

	conv, err := a.conv.Service().GetTodayConversation(ctx, repository.Lookup{
		Field:          repository.LookupByExternalChatID,
		ExternalChatID: 13,
	})
	require.NoError(t, err)
	assert.Nil(t, conv, "/context must not create a conversation")
	_, known := a.conv.ConversationAt(ctx, 13, 1)
	assert.False(t, known, "no identity mapping was created")
}

func TestAdapter_RejectsUnlistedUsers(t *testing.T) {
	a, bot := newTestAdapter(t, &Config{AllowedUserIDs: []int64{1}}, upperResponder{})

	a.handleUpdate(context.Background(), textUpdate(1, 2, "/help"))
	a.handleUpdate(context.Background(), textUpdate(2, 2, "hello"))

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, bot.messages())

	a.handleUpdate(context.Background(), textUpdate(3, 1, "/help"))
	assert.Contains(t, bot.last(t).Text, "命令列表")
}

func TestAdapter_SendMessageFallsBackToPlainText(t *testing.T) {
	a, bot := newTestAdapter(t, &Config{}, upperResponder{})
	bot.sendErr = errors.New("Bad Request: can't parse entities")

	require.NoError(t, a.SendReply(1, "**bold** and `code`", 0))

	msg := bot.last(t)
	assert.Empty(t, msg.ParseMode)
	assert.Equal(t, "bold and code", msg.Text)
}

func TestErrorText(t *testing.T) {
	assert.Contains(t, errorText(context.DeadlineExceeded), "超时")
	assert.Contains(t, errorText(apperrors.NewServiceUnavailableError("model down", nil)), "模型服务")
	assert.Contains(t, errorText(apperrors.NewNotFoundError("conversation")), "没有找到")
	assert.Contains(t, errorText(errors.New(strings.Repeat("x", 500))), "...")
}

func TestParseCommand(t *testing.T) {
	cmd := ParseCommand("/history@convobot 2")
	require.NotNil(t, cmd)
	assert.Equal(t, "history", cmd.Name)
	assert.Equal(t, []string{"2"}, cmd.Args)

	assert.Nil(t, ParseCommand("hello"))
	assert.Nil(t, ParseCommand("/@bot"))

	assert.Equal(t, 3, parsePageNumber("3"))
	assert.Equal(t, -1, parsePageNumber("x"))
	assert.Equal(t, -1, parsePageNumber("99999999999"))
}
