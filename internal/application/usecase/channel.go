package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/convogate/gateway/internal/domain/entity"
	"github.com/convogate/gateway/internal/domain/history"
	"github.com/convogate/gateway/internal/domain/repository"
	"github.com/convogate/gateway/internal/domain/service"
)

// persistTimeout bounds storing the assistant turn once the reply exists.
const persistTimeout = 30 * time.Second

// Responder generates the assistant turn from a built context prompt.
type Responder interface {
	Respond(ctx context.Context, prompt, userMessage string) (string, error)
}

// ChatResult is the outcome of one user turn answered by the Responder.
type ChatResult struct {
	ConversationID string                       `json:"conversation_id,omitempty"`
	Reply          string                       `json:"reply"`
	Context        *history.ConversationContext `json:"context"`
	// Prompt is the context prompt after the assistant turn was appended.
	Prompt string `json:"prompt"`
}

// channel holds the behaviour shared by every delivery channel: error
// degradation around the engine and the request/reply chat flow.
type channel struct {
	svc        *service.ConversationService
	summarizer history.Summarizer
	logger     *zap.Logger
}

func newChannel(svc *service.ConversationService, summarizer history.Summarizer, logger *zap.Logger) channel {
	return channel{
		svc:        svc,
		summarizer: summarizer,
		logger:     logger.With(zap.String("channel", string(svc.Source()))),
	}
}

// today resolves today's context. Only identity errors are returned; any
// other failure yields a non-persisted context so the chat keeps working.
func (c *channel) today(ctx context.Context, identity service.ChannelIdentity) (*service.TodayContext, error) {
	today, err := c.svc.GetOrCreateTodayContext(ctx, identity)
	if err == nil {
		return today, nil
	}
	if service.IsIdentityError(err) {
		return nil, err
	}
	c.logger.Warn("Conversation store unavailable, using non-persisted context", zap.Error(err))
	userID, idErr := identity.ResolveUserID(ctx)
	if idErr != nil {
		userID = ""
	}
	return c.svc.FallbackContext(userID), nil
}

func (c *channel) append(ctx context.Context, today *service.TodayContext, msg history.Message, summarizer history.Summarizer) (*service.TodayContext, error) {
	updated, err := c.svc.AppendMessage(ctx, service.AppendParams{
		ConversationID: today.ConversationID,
		UserID:         today.UserID,
		Context:        today.Context,
		Message:        msg,
		Summarizer:     summarizer,
	})
	if err != nil {
		return nil, err
	}
	today.Context = updated
	return today, nil
}

// converse appends the user turn, asks the responder and appends its reply.
func (c *channel) converse(ctx context.Context, today *service.TodayContext, text string, images []string, responder Responder) (*ChatResult, error) {
	if responder == nil {
		return nil, fmt.Errorf("no responder configured for %s", c.svc.Source())
	}

	if _, err := c.append(ctx, today, history.Message{Role: entity.RoleUser, Content: text, Images: images}, c.summarizer); err != nil {
		return nil, err
	}

	prompt := c.svc.BuildContextPrompt(today.Context)
	reply, err := responder.Respond(ctx, prompt, text)
	if err != nil {
		return nil, fmt.Errorf("generate reply: %w", err)
	}

	// 回复已生成, 落库不受请求 ctx 的超时和取消影响
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if _, err := c.append(persistCtx, today, history.Message{Role: entity.RoleAssistant, Content: reply}, c.summarizer); err != nil {
		return nil, err
	}

	return &ChatResult{
		ConversationID: today.ConversationID,
		Reply:          reply,
		Context:        today.Context,
		Prompt:         c.svc.BuildContextPrompt(today.Context),
	}, nil
}

// list degrades to an empty page on store failure.
func (c *channel) list(ctx context.Context, userID string, opts repository.ListOptions) []service.ListItem {
	items, err := c.svc.ListConversations(ctx, userID, opts)
	if err != nil {
		c.logger.Error("Failed to list conversations", zap.String("user_id", userID), zap.Error(err))
		return []service.ListItem{}
	}
	return items
}

// get returns nil when the conversation is missing, foreign, or unreadable.
func (c *channel) get(ctx context.Context, conversationID, userID string) *service.FullConversation {
	full, err := c.svc.GetConversationByID(ctx, conversationID, userID)
	if err != nil {
		c.logger.Info("Conversation not available",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return nil
	}
	return full
}

// BuildContextPrompt renders a context with the channel's limits.
func (c *channel) BuildContextPrompt(conv *history.ConversationContext) string {
	return c.svc.BuildContextPrompt(conv)
}

// Service exposes the underlying engine.
func (c *channel) Service() *service.ConversationService {
	return c.svc
}
