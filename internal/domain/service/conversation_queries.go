package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/convogate/gateway/internal/domain/history"
	"github.com/convogate/gateway/internal/domain/repository"
	apperrors "github.com/convogate/gateway/pkg/errors"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	minSearchLength  = 2
)

// ListItem is one row of a conversation list.
type ListItem struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	LastUpdated  time.Time `json:"last_updated"`
	CreatedAt    time.Time `json:"created_at"`
}

// FullConversation is a conversation row plus its complete ordered history.
type FullConversation struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	Messages     []history.Message `json:"messages"`
	Summary      string            `json:"summary,omitempty"`
	Title        string            `json:"title,omitempty"`
	MessageCount int               `json:"message_count"`
	LastUpdated  time.Time         `json:"last_updated"`
	CreatedAt    time.Time         `json:"created_at"`
}

// ListConversations returns a page of conversations, newest activity first.
func (s *ConversationService) ListConversations(ctx context.Context, userID string, opts repository.ListOptions) ([]ListItem, error) {
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.Search = strings.TrimSpace(opts.Search)
	if history.RuneLen(opts.Search) < minSearchLength {
		opts.Search = ""
	}

	rows, err := s.conversations.List(ctx, userID, s.source, opts)
	if err != nil {
		return nil, fmt.Errorf("list conversations for %s: %w", userID, err)
	}

	items := make([]ListItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, ListItem{
			ID:           row.ID,
			Title:        history.DeriveTitle(row.TitleOrEmpty(), row.SummaryOrEmpty()),
			MessageCount: row.MessageCount,
			LastUpdated:  row.LastActivity(),
			CreatedAt:    row.CreatedAt,
		})
	}
	return items, nil
}

// GetConversationByID fetches a conversation scoped to (id, userID, source)
// with its full history, not just the working set.
func (s *ConversationService) GetConversationByID(ctx context.Context, conversationID, userID string) (*FullConversation, error) {
	conv, err := s.conversations.FindByID(ctx, conversationID, userID, s.source)
	if err != nil {
		return nil, err
	}

	msgs, err := s.LoadMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Conversation loaded",
		zap.String("conversation_id", conv.ID),
		zap.Int("messages", len(msgs)),
		zap.Int("message_count", conv.MessageCount),
	)

	return &FullConversation{
		ID:           conv.ID,
		UserID:       conv.UserID,
		Messages:     msgs,
		Summary:      conv.SummaryOrEmpty(),
		Title:        conv.TitleOrEmpty(),
		MessageCount: conv.MessageCount,
		LastUpdated:  conv.LastActivity(),
		CreatedAt:    conv.CreatedAt,
	}, nil
}

// LoadConversationIntoContext turns a stored conversation into a working set
// so it can be continued.
func (s *ConversationService) LoadConversationIntoContext(ctx context.Context, conversationID, userID string) (*TodayContext, error) {
	full, err := s.GetConversationByID(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	return &TodayContext{
		ConversationID: full.ID,
		UserID:         full.UserID,
		Context: &history.ConversationContext{
			Messages:    full.Messages,
			Summary:     full.Summary,
			Title:       full.Title,
			LastUpdated: full.LastUpdated,
		},
	}, nil
}

// ResumeConversation makes a stored conversation the active one of its
// owner, so the next today lookup of the channel continues it. With a chat
// lookup the conversation must belong to that chat.
func (s *ConversationService) ResumeConversation(ctx context.Context, conversationID, userID string, lookup repository.Lookup) (*TodayContext, error) {
	conv, err := s.conversations.FindByID(ctx, conversationID, userID, s.source)
	if err != nil {
		return nil, err
	}
	if lookup.Field == repository.LookupByExternalChatID &&
		(conv.ExternalChatID == nil || *conv.ExternalChatID != lookup.ExternalChatID) {
		return nil, apperrors.NewNotFoundError("conversation not found in this chat")
	}

	if _, err := s.conversations.CloseActive(ctx, userID, s.source); err != nil {
		return nil, fmt.Errorf("close active conversations for %s: %w", userID, err)
	}
	active := true
	if err := s.conversations.Update(ctx, conv.ID, repository.ConversationUpdate{
		IsActive:  &active,
		UpdatedAt: s.now(),
	}); err != nil {
		return nil, fmt.Errorf("reactivate conversation %s: %w", conv.ID, err)
	}

	s.logger.Info("Conversation resumed",
		zap.String("conversation_id", conv.ID),
		zap.String("user_id", userID),
	)
	return s.LoadConversationIntoContext(ctx, conv.ID, userID)
}

// DeleteConversation removes one conversation, messages first.
func (s *ConversationService) DeleteConversation(ctx context.Context, conversationID, userID string) error {
	if _, err := s.conversations.FindByID(ctx, conversationID, userID, s.source); err != nil {
		return err
	}
	if err := s.messages.DeleteByConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("delete messages of %s: %w", conversationID, err)
	}
	if err := s.conversations.Delete(ctx, conversationID, userID, s.source); err != nil {
		return fmt.Errorf("delete conversation %s: %w", conversationID, err)
	}
	s.logger.Info("Conversation deleted", zap.String("conversation_id", conversationID))
	return nil
}

// CloseActiveConversations flips every active conversation of the user on
// this channel to inactive.
func (s *ConversationService) CloseActiveConversations(ctx context.Context, userID string) (int64, error) {
	closed, err := s.conversations.CloseActive(ctx, userID, s.source)
	if err != nil {
		return 0, fmt.Errorf("close active conversations for %s: %w", userID, err)
	}
	s.logger.Info("Active conversations closed",
		zap.String("user_id", userID),
		zap.Int64("count", closed),
	)
	return closed, nil
}

// DeleteAllConversations removes every conversation of the user on this
// channel and reports how many were removed.
func (s *ConversationService) DeleteAllConversations(ctx context.Context, userID string) (int64, error) {
	ids, err := s.conversations.ListIDs(ctx, userID, s.source)
	if err != nil {
		return 0, fmt.Errorf("list conversations for deletion: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.messages.DeleteByConversation(ctx, ids...); err != nil {
		return 0, fmt.Errorf("delete messages for %s: %w", userID, err)
	}
	deleted, err := s.conversations.DeleteAll(ctx, userID, s.source)
	if err != nil {
		return 0, fmt.Errorf("delete conversations for %s: %w", userID, err)
	}
	s.logger.Info("Conversations deleted",
		zap.String("user_id", userID),
		zap.Int64("count", deleted),
	)
	return deleted, nil
}
