package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/convogate/gateway/internal/domain/history"
	"github.com/convogate/gateway/internal/domain/repository"
	apperrors "github.com/convogate/gateway/pkg/errors"
)

const (
	defaultShareDays = 7
	maxShareDays     = 365

	sharedTitle = "Shared Conversation"
)

// ShareLink is an issued share token.
type ShareLink struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ShareStatus describes the share state of a conversation.
type ShareStatus struct {
	IsShared  bool       `json:"is_shared"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// SharedConversation is the public read-only view behind a share token.
type SharedConversation struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Messages     []history.Message `json:"messages"`
	MessageCount int               `json:"message_count"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
}

// newShareToken returns 32 lowercase hex characters.
func newShareToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreateShareLink issues a token for a conversation owned by userID.
// days <= 0 uses the 7 day default.
func (s *ConversationService) CreateShareLink(ctx context.Context, conversationID, userID string, days int) (*ShareLink, error) {
	if days <= 0 {
		days = defaultShareDays
	}
	if days > maxShareDays {
		return nil, apperrors.NewInvalidInputError("share link may not outlive a year")
	}
	if _, err := s.conversations.FindByID(ctx, conversationID, userID, s.source); err != nil {
		return nil, err
	}

	now := s.now()
	token := newShareToken()
	expiresAt := now.AddDate(0, 0, days)
	if err := s.conversations.Update(ctx, conversationID, repository.ConversationUpdate{
		ShareToken:     &token,
		ShareExpiresAt: &expiresAt,
		UpdatedAt:      now,
	}); err != nil {
		return nil, err
	}

	s.logger.Info("Share link created",
		zap.String("conversation_id", conversationID),
		zap.Time("expires_at", expiresAt),
	)
	return &ShareLink{Token: token, ExpiresAt: expiresAt}, nil
}

// RevokeShareLink clears the share token.
func (s *ConversationService) RevokeShareLink(ctx context.Context, conversationID, userID string) error {
	if _, err := s.conversations.FindByID(ctx, conversationID, userID, s.source); err != nil {
		return err
	}
	return s.conversations.Update(ctx, conversationID, repository.ConversationUpdate{
		ClearShare: true,
		UpdatedAt:  s.now(),
	})
}

// GetShareStatus reports whether a conversation currently has a live link.
func (s *ConversationService) GetShareStatus(ctx context.Context, conversationID, userID string) (*ShareStatus, error) {
	conv, err := s.conversations.FindByID(ctx, conversationID, userID, s.source)
	if err != nil {
		return nil, err
	}
	status := &ShareStatus{IsShared: conv.ShareActive(s.now())}
	if conv.ShareToken != nil {
		status.Token = *conv.ShareToken
	}
	status.ExpiresAt = conv.ShareExpiresAt
	return status, nil
}

// GetSharedConversation resolves a share token. Unknown and expired tokens
// both read as not found.
func (s *ConversationService) GetSharedConversation(ctx context.Context, token string) (*SharedConversation, error) {
	if token == "" {
		return nil, apperrors.NewNotFoundError("shared conversation not found")
	}
	conv, err := s.conversations.FindByShareToken(ctx, token, s.source)
	if err != nil {
		return nil, err
	}
	if !conv.ShareActive(s.now()) {
		s.logger.Info("Share link expired", zap.String("conversation_id", conv.ID))
		return nil, apperrors.NewNotFoundError("shared conversation not found")
	}

	msgs, err := s.LoadMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	title := conv.TitleOrEmpty()
	if title == "" {
		title = sharedTitle
	}
	count := conv.MessageCount
	if count == 0 {
		count = len(msgs)
	}
	return &SharedConversation{
		ID:           conv.ID,
		Title:        title,
		Messages:     msgs,
		MessageCount: count,
		CreatedAt:    conv.CreatedAt,
		ExpiresAt:    conv.ShareExpiresAt,
	}, nil
}
