package usecase

import (
	"context"

	"go.uber.org/zap"

	"github.com/convogate/gateway/internal/domain/entity"
	"github.com/convogate/gateway/internal/domain/history"
	"github.com/convogate/gateway/internal/domain/repository"
	"github.com/convogate/gateway/internal/domain/service"
)

// webIdentity identifies web users by the internal user id.
type webIdentity struct {
	userID string
}

func (w webIdentity) Lookup() repository.Lookup {
	return repository.Lookup{Field: repository.LookupByUserID, UserID: w.userID}
}

func (w webIdentity) ResolveUserID(context.Context) (string, error) {
	if w.userID == "" {
		return "", entity.ErrIdentityUnresolved
	}
	return w.userID, nil
}

// WebConversation is the web channel facade over the conversation engine.
type WebConversation struct {
	channel
}

// NewWebConversation creates the web adapter. svc must be built for source web.
func NewWebConversation(svc *service.ConversationService, summarizer history.Summarizer, logger *zap.Logger) *WebConversation {
	return &WebConversation{channel: newChannel(svc, summarizer, logger)}
}

// GetOrCreateTodayContext resolves today's conversation for userID.
func (w *WebConversation) GetOrCreateTodayContext(ctx context.Context, userID string) (*service.TodayContext, error) {
	return w.today(ctx, webIdentity{userID: userID})
}

// AddMessageToContext appends msg to today's conversation. A nil summarizer
// disables summarization for this call.
func (w *WebConversation) AddMessageToContext(ctx context.Context, userID string, msg history.Message, summarizer history.Summarizer) (*service.TodayContext, error) {
	today, err := w.GetOrCreateTodayContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	return w.append(ctx, today, msg, summarizer)
}

// AddMessageToConversation continues a specific conversation. An empty id or
// a conversation that cannot be loaded falls back to today's conversation.
func (w *WebConversation) AddMessageToConversation(ctx context.Context, conversationID, userID string, msg history.Message, summarizer history.Summarizer) (*service.TodayContext, error) {
	target, err := w.resolve(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	return w.append(ctx, target, msg, summarizer)
}

// Chat runs one request/reply turn, optionally on a specific conversation.
func (w *WebConversation) Chat(ctx context.Context, conversationID, userID, text string, images []string, responder Responder) (*ChatResult, error) {
	target, err := w.resolve(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	return w.converse(ctx, target, text, images, responder)
}

func (w *WebConversation) resolve(ctx context.Context, conversationID, userID string) (*service.TodayContext, error) {
	if conversationID == "" {
		return w.GetOrCreateTodayContext(ctx, userID)
	}
	loaded, err := w.svc.LoadConversationIntoContext(ctx, conversationID, userID)
	if err != nil {
		w.logger.Warn("Could not load conversation, continuing today's instead",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return w.GetOrCreateTodayContext(ctx, userID)
	}
	return loaded, nil
}

// GetConversationList returns a page of the user's conversations.
func (w *WebConversation) GetConversationList(ctx context.Context, userID string, opts repository.ListOptions) []service.ListItem {
	return w.list(ctx, userID, opts)
}

// GetConversationByID returns nil when the conversation is not available.
func (w *WebConversation) GetConversationByID(ctx context.Context, conversationID, userID string) *service.FullConversation {
	return w.get(ctx, conversationID, userID)
}

// LoadConversationIntoContext loads a stored conversation for continuation.
func (w *WebConversation) LoadConversationIntoContext(ctx context.Context, conversationID, userID string) (*service.TodayContext, error) {
	return w.svc.LoadConversationIntoContext(ctx, conversationID, userID)
}

// UpdateConversationTitle sets an explicit title.
func (w *WebConversation) UpdateConversationTitle(ctx context.Context, conversationID, userID, title string) error {
	return w.svc.UpdateTitle(ctx, conversationID, userID, title)
}

// DeleteConversation removes one conversation and its messages.
func (w *WebConversation) DeleteConversation(ctx context.Context, conversationID, userID string) error {
	return w.svc.DeleteConversation(ctx, conversationID, userID)
}

// DeleteAllConversations removes every web conversation of the user.
func (w *WebConversation) DeleteAllConversations(ctx context.Context, userID string) (int64, error) {
	return w.svc.DeleteAllConversations(ctx, userID)
}

// CloseActiveConversation marks all active web conversations inactive.
func (w *WebConversation) CloseActiveConversation(ctx context.Context, userID string) (int64, error) {
	return w.svc.CloseActiveConversations(ctx, userID)
}

// CreateShareLink issues a share token valid for days (<= 0 means 7).
func (w *WebConversation) CreateShareLink(ctx context.Context, conversationID, userID string, days int) (*service.ShareLink, error) {
	return w.svc.CreateShareLink(ctx, conversationID, userID, days)
}

// RevokeShareLink clears the share token.
func (w *WebConversation) RevokeShareLink(ctx context.Context, conversationID, userID string) error {
	return w.svc.RevokeShareLink(ctx, conversationID, userID)
}

// GetShareStatus reports the share state of a conversation.
func (w *WebConversation) GetShareStatus(ctx context.Context, conversationID, userID string) (*service.ShareStatus, error) {
	return w.svc.GetShareStatus(ctx, conversationID, userID)
}

// GetSharedConversation resolves a public share token.
func (w *WebConversation) GetSharedConversation(ctx context.Context, token string) (*service.SharedConversation, error) {
	return w.svc.GetSharedConversation(ctx, token)
}
