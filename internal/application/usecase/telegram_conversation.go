package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/convogate/gateway/internal/domain/entity"
	"github.com/convogate/gateway/internal/domain/history"
	"github.com/convogate/gateway/internal/domain/repository"
	"github.com/convogate/gateway/internal/domain/service"
	apperrors "github.com/convogate/gateway/pkg/errors"
)

// TelegramSender identifies the author of an incoming telegram update.
type TelegramSender struct {
	ChatID   int64
	UserID   int64
	Username string
}

// telegramIdentity finds conversations by chat id and owns new ones by the
// mapped internal user id, creating the mapping on first contact.
type telegramIdentity struct {
	sender     TelegramSender
	identities repository.IdentityRepository
}

func (t telegramIdentity) Lookup() repository.Lookup {
	return chatLookup(t.sender.ChatID)
}

func (t telegramIdentity) ResolveUserID(ctx context.Context) (string, error) {
	if t.sender.UserID == 0 {
		return "", entity.ErrIdentityUnresolved
	}
	user, err := t.identities.Upsert(ctx, t.sender.UserID, t.sender.ChatID, t.sender.Username)
	if err != nil {
		return "", fmt.Errorf("upsert telegram user %d: %w", t.sender.UserID, err)
	}
	return user.UserID, nil
}

// TelegramConversation is the telegram channel facade over the engine.
type TelegramConversation struct {
	channel
	identities repository.IdentityRepository
}

// NewTelegramConversation creates the telegram adapter. svc must be built for source telegram.
func NewTelegramConversation(
	svc *service.ConversationService,
	identities repository.IdentityRepository,
	summarizer history.Summarizer,
	logger *zap.Logger,
) *TelegramConversation {
	return &TelegramConversation{
		channel:    newChannel(svc, summarizer, logger),
		identities: identities,
	}
}

// ResolveUserID maps a telegram user to the internal user id, creating the
// mapping when it does not exist yet.
func (t *TelegramConversation) ResolveUserID(ctx context.Context, sender TelegramSender) (string, error) {
	return telegramIdentity{sender: sender, identities: t.identities}.ResolveUserID(ctx)
}

// GetOrCreateTodayContext resolves today's conversation for a chat.
func (t *TelegramConversation) GetOrCreateTodayContext(ctx context.Context, sender TelegramSender) (*service.TodayContext, error) {
	return t.today(ctx, telegramIdentity{sender: sender, identities: t.identities})
}

// AddMessageToContext appends msg to today's conversation of the chat.
func (t *TelegramConversation) AddMessageToContext(ctx context.Context, sender TelegramSender, msg history.Message, summarizer history.Summarizer) (*service.TodayContext, error) {
	today, err := t.GetOrCreateTodayContext(ctx, sender)
	if err != nil {
		return nil, err
	}
	return t.append(ctx, today, msg, summarizer)
}

// Chat runs one request/reply turn on today's conversation.
func (t *TelegramConversation) Chat(ctx context.Context, sender TelegramSender, text string, responder Responder) (*ChatResult, error) {
	today, err := t.GetOrCreateTodayContext(ctx, sender)
	if err != nil {
		return nil, err
	}
	return t.converse(ctx, today, text, nil, responder)
}

func chatLookup(chatID int64) repository.Lookup {
	return repository.Lookup{Field: repository.LookupByExternalChatID, ExternalChatID: chatID}
}

// todayConversation is a read-only lookup; it never creates a row.
func (t *TelegramConversation) todayConversation(ctx context.Context, chatID int64) *entity.Conversation {
	conv, err := t.svc.GetTodayConversation(ctx, chatLookup(chatID))
	if err != nil {
		t.logger.Warn("Failed to look up today's conversation", zap.Int64("chat_id", chatID), zap.Error(err))
		return nil
	}
	return conv
}

// TodaySummary returns the running summary of today's conversation without
// creating one.
func (t *TelegramConversation) TodaySummary(ctx context.Context, chatID int64) string {
	conv := t.todayConversation(ctx, chatID)
	if conv == nil {
		return ""
	}
	return conv.SummaryOrEmpty()
}

// TodayContextPrompt renders today's context prompt of the chat, or "" when
// the chat has no conversation today. Nothing is created.
func (t *TelegramConversation) TodayContextPrompt(ctx context.Context, chatID int64) string {
	conv := t.todayConversation(ctx, chatID)
	if conv == nil {
		return ""
	}
	msgs, err := t.svc.LoadMessages(ctx, conv.ID)
	if err != nil {
		t.logger.Warn("Failed to load today's messages", zap.String("conversation_id", conv.ID), zap.Error(err))
		return ""
	}
	return t.BuildContextPrompt(&history.ConversationContext{
		Messages:    msgs,
		Summary:     conv.SummaryOrEmpty(),
		Title:       conv.TitleOrEmpty(),
		LastUpdated: conv.LastActivity(),
	})
}

// ConversationAt resolves the 1-based position of a conversation in the
// user's list, newest first.
func (t *TelegramConversation) ConversationAt(ctx context.Context, telegramUserID int64, index int) (string, bool) {
	if index < 1 {
		return "", false
	}
	items := t.GetConversationList(ctx, telegramUserID, repository.ListOptions{Limit: 1, Offset: index - 1})
	if len(items) == 0 {
		return "", false
	}
	return items[0].ID, true
}

// ResumeConversation switches the chat to a stored conversation; the
// sender's next messages continue it.
func (t *TelegramConversation) ResumeConversation(ctx context.Context, sender TelegramSender, conversationID string) (*service.TodayContext, error) {
	userID, ok := t.knownUserID(ctx, sender.UserID)
	if !ok {
		return nil, apperrors.NewNotFoundError("conversation not found")
	}
	return t.svc.ResumeConversation(ctx, conversationID, userID, chatLookup(sender.ChatID))
}

// knownUserID looks up an existing mapping. Read paths never create one.
func (t *TelegramConversation) knownUserID(ctx context.Context, telegramUserID int64) (string, bool) {
	userID, err := t.identities.FindUserID(ctx, telegramUserID)
	if err != nil {
		if !apperrors.IsNotFound(err) {
			t.logger.Error("Failed to look up telegram user", zap.Int64("telegram_user_id", telegramUserID), zap.Error(err))
		}
		return "", false
	}
	return userID, true
}

// GetConversationList returns a page of the user's telegram conversations.
func (t *TelegramConversation) GetConversationList(ctx context.Context, telegramUserID int64, opts repository.ListOptions) []service.ListItem {
	userID, ok := t.knownUserID(ctx, telegramUserID)
	if !ok {
		return []service.ListItem{}
	}
	return t.list(ctx, userID, opts)
}

// GetConversationByID returns nil when the conversation is not available.
func (t *TelegramConversation) GetConversationByID(ctx context.Context, conversationID string, telegramUserID int64) *service.FullConversation {
	userID, ok := t.knownUserID(ctx, telegramUserID)
	if !ok {
		return nil
	}
	return t.get(ctx, conversationID, userID)
}

// DeleteConversation removes one conversation owned by the telegram user.
func (t *TelegramConversation) DeleteConversation(ctx context.Context, conversationID string, telegramUserID int64) error {
	userID, ok := t.knownUserID(ctx, telegramUserID)
	if !ok {
		return apperrors.NewNotFoundError("conversation not found")
	}
	return t.svc.DeleteConversation(ctx, conversationID, userID)
}

// DeleteAllConversations removes every telegram conversation of the user.
func (t *TelegramConversation) DeleteAllConversations(ctx context.Context, telegramUserID int64) (int64, error) {
	userID, ok := t.knownUserID(ctx, telegramUserID)
	if !ok {
		return 0, nil
	}
	return t.svc.DeleteAllConversations(ctx, userID)
}

// CloseActiveConversation marks all active telegram conversations inactive.
func (t *TelegramConversation) CloseActiveConversation(ctx context.Context, telegramUserID int64) (int64, error) {
	userID, ok := t.knownUserID(ctx, telegramUserID)
	if !ok {
		return 0, nil
	}
	return t.svc.CloseActiveConversations(ctx, userID)
}
