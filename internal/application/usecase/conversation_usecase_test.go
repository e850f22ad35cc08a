package usecase_test

import (
	"context"
	"errors"
	"strings"
	"testing"

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

// brokenConversations fails every call, simulating a store outage.
type brokenConversations struct {
	repository.ConversationRepository
}

var errStoreDown = apperrors.NewServiceUnavailableError("database unreachable", errors.New("dial tcp: connection refused"))

func (brokenConversations) FindLatestActive(context.Context, repository.Lookup, entity.Source) (*entity.Conversation, error) {
	return nil, errStoreDown
}

func (brokenConversations) Create(context.Context, *entity.Conversation) error {
	return errStoreDown
}

func (brokenConversations) List(context.Context, string, entity.Source, repository.ListOptions) ([]*entity.Conversation, error) {
	return nil, errStoreDown
}

// brokenIdentities fails upserts.
type brokenIdentities struct {
	*persistence.MemoryIdentityRepository
}

func (brokenIdentities) Upsert(context.Context, int64, int64, string) (*entity.TelegramUser, error) {
	return nil, errStoreDown
}

// ctxMessages rejects inserts once the caller's context is done.
type ctxMessages struct {
	*persistence.MemoryMessageRepository
}

func (m ctxMessages) Insert(ctx context.Context, msg *entity.ConversationMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.MemoryMessageRepository.Insert(ctx, msg)
}

// cancellingResponder answers after the request context has been cancelled.
type cancellingResponder struct {
	cancel context.CancelFunc
}

func (r cancellingResponder) Respond(context.Context, string, string) (string, error) {
	r.cancel()
	return "late answer", nil
}

// echoResponder replies with the user message upper-cased.
type echoResponder struct {
	prompts []string
	err     error
}

func (e *echoResponder) Respond(_ context.Context, prompt, userMessage string) (string, error) {
	e.prompts = append(e.prompts, prompt)
	if e.err != nil {
		return "", e.err
	}
	return "echo: " + strings.ToUpper(userMessage), nil
}

func newWeb(t *testing.T, convs repository.ConversationRepository) (*usecase.WebConversation, *persistence.MemoryMessageRepository) {
	t.Helper()
	msgs := persistence.NewMemoryMessageRepository()
	svc := service.NewConversationService(entity.SourceWeb, valueobject.WebConversationConfig(), convs, msgs, zap.NewNop())
	return usecase.NewWebConversation(svc, history.NewSimpleSummarizer(), zap.NewNop()), msgs
}

func newTelegram(t *testing.T, convs repository.ConversationRepository, ids repository.IdentityRepository) *usecase.TelegramConversation {
	t.Helper()
	svc := service.NewConversationService(entity.SourceTelegram, valueobject.TelegramConversationConfig(), convs, persistence.NewMemoryMessageRepository(), zap.NewNop())
	return usecase.NewTelegramConversation(svc, ids, history.NewSimpleSummarizer(), zap.NewNop())
}

func TestWebConversation_TodayFlow(t *testing.T) {
	web, msgs := newWeb(t, persistence.NewMemoryConversationRepository())
	ctx := context.Background()

	first, err := web.AddMessageToContext(ctx, "u1", history.Message{Role: entity.RoleUser, Content: "hi"}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, first.ConversationID)

	second, err := web.AddMessageToContext(ctx, "u1", history.Message{Role: entity.RoleAssistant, Content: "hello"}, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Len(t, second.Context.Messages, 2)
	assert.Equal(t, 2, msgs.Count(first.ConversationID))

	prompt := web.BuildContextPrompt(second.Context)
	assert.Contains(t, prompt, "User: hi")
	assert.Contains(t, prompt, "Assistant: hello")

	items := web.GetConversationList(ctx, "u1", repository.ListOptions{})
	require.Len(t, items, 1)
	assert.Equal(t, history.DefaultTitle, items[0].Title)
}

func TestWebConversation_ContinuationFallsBackToToday(t *testing.T) {
	web, _ := newWeb(t, persistence.NewMemoryConversationRepository())
	ctx := context.Background()

	today, err := web.GetOrCreateTodayContext(ctx, "u1")
	require.NoError(t, err)

	got, err := web.AddMessageToConversation(ctx, "does-not-exist", "u1", history.Message{Role: entity.RoleUser, Content: "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, today.ConversationID, got.ConversationID)

	got, err = web.AddMessageToConversation(ctx, today.ConversationID, "u1", history.Message{Role: entity.RoleUser, Content: "y"}, nil)
	require.NoError(t, err)
	assert.Len(t, got.Context.Messages, 2)
}

func TestWebConversation_FallbackOnStoreOutage(t *testing.T) {
	web, _ := newWeb(t, brokenConversations{})
	ctx := context.Background()

	today, err := web.GetOrCreateTodayContext(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, today.ConversationID)
	assert.Equal(t, "u1", today.UserID)

	got, err := web.AddMessageToContext(ctx, "u1", history.Message{Role: entity.RoleUser, Content: "still here"}, nil)
	require.NoError(t, err)
	assert.Empty(t, got.ConversationID)
	assert.Len(t, got.Context.Messages, 1)

	assert.Empty(t, web.GetConversationList(ctx, "u1", repository.ListOptions{}))
}

func TestWebConversation_ChatStoresReplyAfterRequestCancelled(t *testing.T) {
	msgs := ctxMessages{persistence.NewMemoryMessageRepository()}
	svc := service.NewConversationService(entity.SourceWeb, valueobject.WebConversationConfig(), persistence.NewMemoryConversationRepository(), msgs, zap.NewNop())
	web := usecase.NewWebConversation(svc, history.NewSimpleSummarizer(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	result, err := web.Chat(ctx, "", "u1", "slow question", nil, cancellingResponder{cancel: cancel})
	require.NoError(t, err)
	assert.Equal(t, "late answer", result.Reply)
	assert.Equal(t, 2, msgs.Count(result.ConversationID))
}

func TestTelegramConversation_FallbackKeepsSenderIdentity(t *testing.T) {
	tg := newTelegram(t, brokenConversations{}, persistence.NewMemoryIdentityRepository())
	ctx := context.Background()
	sender := usecase.TelegramSender{ChatID: 5, UserID: 6}

	today, err := tg.GetOrCreateTodayContext(ctx, sender)
	require.NoError(t, err)
	assert.Empty(t, today.ConversationID)

	userID, err := tg.ResolveUserID(ctx, sender)
	require.NoError(t, err)
	assert.NotEmpty(t, userID)
	assert.Equal(t, userID, today.UserID)
}

func TestWebConversation_MissingIdentityBubbles(t *testing.T) {
	web, _ := newWeb(t, persistence.NewMemoryConversationRepository())

	_, err := web.GetOrCreateTodayContext(context.Background(), "")
	assert.ErrorIs(t, err, entity.ErrIdentityUnresolved)
}

func TestWebConversation_Chat(t *testing.T) {
	web, msgs := newWeb(t, persistence.NewMemoryConversationRepository())
	responder := &echoResponder{}

	res, err := web.Chat(context.Background(), "", "u1", "ping", nil, responder)
	require.NoError(t, err)
	assert.Equal(t, "echo: PING", res.Reply)
	require.Len(t, res.Context.Messages, 2)
	assert.Equal(t, entity.RoleAssistant, res.Context.Messages[1].Role)
	assert.Equal(t, 2, msgs.Count(res.ConversationID))

	require.Len(t, responder.prompts, 1)
	assert.Contains(t, responder.prompts[0], "User: ping")
}

func TestWebConversation_ChatResponderFailureKeepsUserTurn(t *testing.T) {
	web, msgs := newWeb(t, persistence.NewMemoryConversationRepository())
	ctx := context.Background()

	_, err := web.Chat(ctx, "", "u1", "ping", nil, &echoResponder{err: errors.New("rate limited")})
	require.Error(t, err)

	today, err := web.GetOrCreateTodayContext(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, msgs.Count(today.ConversationID))
}

func TestTelegramConversation_IdentityUpsertIsIdempotent(t *testing.T) {
	ids := persistence.NewMemoryIdentityRepository()
	tg := newTelegram(t, persistence.NewMemoryConversationRepository(), ids)
	ctx := context.Background()
	sender := usecase.TelegramSender{ChatID: 555, UserID: 42, Username: "alice"}

	first, err := tg.ResolveUserID(ctx, sender)
	require.NoError(t, err)

	sender.Username = "alice2"
	second, err := tg.ResolveUserID(ctx, sender)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	today, err := tg.AddMessageToContext(ctx, sender, history.Message{Role: entity.RoleUser, Content: "hey"}, nil)
	require.NoError(t, err)
	assert.Equal(t, first, today.UserID)

	again, err := tg.GetOrCreateTodayContext(ctx, sender)
	require.NoError(t, err)
	assert.Equal(t, today.ConversationID, again.ConversationID)
	assert.Len(t, again.Context.Messages, 1)
}

func TestTelegramConversation_FallbackOnIdentityStoreOutage(t *testing.T) {
	tg := newTelegram(t, persistence.NewMemoryConversationRepository(), brokenIdentities{persistence.NewMemoryIdentityRepository()})
	ctx := context.Background()

	today, err := tg.GetOrCreateTodayContext(ctx, usecase.TelegramSender{ChatID: 1, UserID: 2})
	require.NoError(t, err)
	assert.Empty(t, today.ConversationID)
}

func TestTelegramConversation_UnresolvedSender(t *testing.T) {
	tg := newTelegram(t, persistence.NewMemoryConversationRepository(), persistence.NewMemoryIdentityRepository())

	_, err := tg.GetOrCreateTodayContext(context.Background(), usecase.TelegramSender{ChatID: 1})
	assert.True(t, service.IsIdentityError(err))
}

func TestTelegramConversation_ReadsAndCleanup(t *testing.T) {
	tg := newTelegram(t, persistence.NewMemoryConversationRepository(), persistence.NewMemoryIdentityRepository())
	ctx := context.Background()
	sender := usecase.TelegramSender{ChatID: 9, UserID: 7}

	assert.Empty(t, tg.GetConversationList(ctx, sender.UserID, repository.ListOptions{}))
	closed, err := tg.CloseActiveConversation(ctx, sender.UserID)
	require.NoError(t, err)
	assert.Zero(t, closed)

	res, err := tg.Chat(ctx, sender, "hello", &echoResponder{})
	require.NoError(t, err)
	assert.Equal(t, "echo: HELLO", res.Reply)

	items := tg.GetConversationList(ctx, sender.UserID, repository.ListOptions{})
	require.Len(t, items, 1)
	full := tg.GetConversationByID(ctx, items[0].ID, sender.UserID)
	require.NotNil(t, full)
	assert.Len(t, full.Messages, 2)
	assert.Nil(t, tg.GetConversationByID(ctx, items[0].ID, 12345))
	assert.Empty(t, tg.TodaySummary(ctx, sender.ChatID))

	closed, err = tg.CloseActiveConversation(ctx, sender.UserID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, closed)

	deleted, err := tg.DeleteAllConversations(ctx, sender.UserID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}
