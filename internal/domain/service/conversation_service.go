package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/convogate/gateway/internal/domain/entity"
	"github.com/convogate/gateway/internal/domain/history"
	"github.com/convogate/gateway/internal/domain/repository"
	"github.com/convogate/gateway/internal/domain/valueobject"
	apperrors "github.com/convogate/gateway/pkg/errors"
)

const (
	// keepRecentMessages is the working set left behind by a summarization.
	keepRecentMessages = 2
	// maxInsertAttempts bounds retries after a sequence number conflict.
	maxInsertAttempts = 3

	condensePrefix = "Please condense this conversation summary:\n"
)

// ChannelIdentity is what a delivery channel contributes to the engine:
// how to find today's conversation and who owns a new one.
type ChannelIdentity interface {
	Lookup() repository.Lookup
	ResolveUserID(ctx context.Context) (string, error)
}

// TodayContext is a resolved conversation plus its working set.
// An empty ConversationID marks a non-persisted fallback.
type TodayContext struct {
	ConversationID string
	UserID         string
	Context        *history.ConversationContext
}

// AppendParams are the inputs of one AppendMessage call.
type AppendParams struct {
	ConversationID string
	UserID         string
	Context        *history.ConversationContext
	Message        history.Message
	Summarizer     history.Summarizer
}

// ConversationService owns the read/append/summarize/condense algorithms
// for a single channel. Contexts are caller owned and never cached here.
type ConversationService struct {
	source        entity.Source
	config        valueobject.ConversationConfig
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	locker        ConversationLocker
	events        EventSink
	now           func() time.Time
	location      *time.Location
	logger        *zap.Logger
}

// NewConversationService creates the engine for one channel.
func NewConversationService(
	source entity.Source,
	config valueobject.ConversationConfig,
	conversations repository.ConversationRepository,
	messages repository.MessageRepository,
	logger *zap.Logger,
) *ConversationService {
	return &ConversationService{
		source:        source,
		config:        config,
		conversations: conversations,
		messages:      messages,
		locker:        NewKeyedMutex(),
		events:        noopSink{},
		now:           time.Now,
		location:      time.Local,
		logger:        logger.With(zap.String("component", "conversation"), zap.String("source", string(source))),
	}
}

// SetLocker replaces the default in-process lock table.
func (s *ConversationService) SetLocker(l ConversationLocker) {
	if l != nil {
		s.locker = l
	}
}

// SetEventSink sets where lifecycle events go.
func (s *ConversationService) SetEventSink(sink EventSink) {
	if sink != nil {
		s.events = sink
	}
}

// SetClock overrides the time source.
func (s *ConversationService) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetLocation sets the zone in which "today" is evaluated.
func (s *ConversationService) SetLocation(loc *time.Location) {
	if loc != nil {
		s.location = loc
	}
}

// Source returns the channel this engine serves.
func (s *ConversationService) Source() entity.Source { return s.source }

// Config returns the thresholds this engine was built with.
func (s *ConversationService) Config() valueobject.ConversationConfig { return s.config }

// Now returns the engine clock.
func (s *ConversationService) Now() time.Time { return s.now() }

// isToday compares calendar days in the configured zone.
func (s *ConversationService) isToday(t time.Time) bool {
	ny, nm, nd := s.now().In(s.location).Date()
	ty, tm, td := t.In(s.location).Date()
	return ny == ty && nm == tm && nd == td
}

// GetTodayConversation returns the conversation that should receive the next
// message, or nil when none exists or the latest active one is from a prior day.
func (s *ConversationService) GetTodayConversation(ctx context.Context, lookup repository.Lookup) (*entity.Conversation, error) {
	conv, err := s.conversations.FindLatestActive(ctx, lookup, s.source)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find latest active conversation: %w", err)
	}
	if !s.isToday(conv.LastTouched()) {
		s.logger.Debug("Latest active conversation is stale",
			zap.String("conversation_id", conv.ID),
			zap.Time("last_touched", conv.LastTouched()),
		)
		return nil, nil
	}
	return conv, nil
}

// LoadMessages returns the ordered user/assistant history of a conversation.
func (s *ConversationService) LoadMessages(ctx context.Context, conversationID string) ([]history.Message, error) {
	rows, err := s.messages.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", conversationID, err)
	}
	return history.FromStored(rows), nil
}

// CreateConversation inserts a new active conversation. An initial message
// with payload is persisted at sequence 1.
func (s *ConversationService) CreateConversation(
	ctx context.Context,
	userID string,
	externalChatID *int64,
	initial *history.Message,
) (string, *history.ConversationContext, error) {
	if userID == "" {
		return "", nil, entity.ErrInvalidUserID
	}

	now := s.now()
	conv := &entity.Conversation{
		UserID:    userID,
		Source:    s.source,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if initial != nil {
		conv.MessageCount = 1
	}
	if s.source == entity.SourceTelegram && externalChatID != nil {
		chatID := *externalChatID
		conv.ExternalChatID = &chatID
	}

	if err := s.conversations.Create(ctx, conv); err != nil {
		return "", nil, fmt.Errorf("create %s conversation for %s: %w", s.source, userID, err)
	}

	c := history.NewConversationContext(now)
	if initial != nil {
		if initial.HasPayload() {
			if err := s.insertAt(ctx, conv.ID, *initial, 1); err != nil {
				s.logger.Error("Failed to persist initial message",
					zap.String("conversation_id", conv.ID),
					zap.Error(err),
				)
			}
		}
		c.Messages = append(c.Messages, *initial)
	}

	s.events.Publish(ctx, ConversationEvent{
		Type:           EventConversationStart,
		ConversationID: conv.ID,
		UserID:         userID,
		Source:         s.source,
		Timestamp:      now,
	})
	s.logger.Info("Conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("user_id", userID),
	)
	return conv.ID, c, nil
}

// GetOrCreateTodayContext resolves today's conversation for a channel identity,
// creating one when needed. Callers decide how to degrade on error.
func (s *ConversationService) GetOrCreateTodayContext(ctx context.Context, identity ChannelIdentity) (*TodayContext, error) {
	lookup := identity.Lookup()

	conv, err := s.GetTodayConversation(ctx, lookup)
	if err != nil {
		// 读失败按未找到处理, 继续尝试创建
		s.logger.Warn("Failed to fetch today's conversation", zap.Error(err))
	}

	if conv != nil {
		msgs, err := s.LoadMessages(ctx, conv.ID)
		if err != nil {
			s.logger.Error("Failed to load conversation messages",
				zap.String("conversation_id", conv.ID),
				zap.Error(err),
			)
			msgs = []history.Message{}
		}
		return &TodayContext{
			ConversationID: conv.ID,
			UserID:         conv.UserID,
			Context: &history.ConversationContext{
				Messages:    msgs,
				Summary:     conv.SummaryOrEmpty(),
				Title:       conv.TitleOrEmpty(),
				LastUpdated: conv.LastTouched(),
			},
		}, nil
	}

	userID, err := identity.ResolveUserID(ctx)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, entity.ErrIdentityUnresolved
	}

	var chatID *int64
	if lookup.Field == repository.LookupByExternalChatID {
		chatID = &lookup.ExternalChatID
	}
	id, c, err := s.CreateConversation(ctx, userID, chatID, nil)
	if err != nil {
		return nil, err
	}
	return &TodayContext{ConversationID: id, UserID: userID, Context: c}, nil
}

// FallbackContext is the non-persisted context used when storage is down.
func (s *ConversationService) FallbackContext(userID string) *TodayContext {
	return &TodayContext{
		UserID:  userID,
		Context: history.NewConversationContext(s.now()),
	}
}

// AppendMessage appends one turn and applies the summarization policy.
// Storage and summarizer failures are logged and absorbed; the returned
// context always contains the new message.
func (s *ConversationService) AppendMessage(ctx context.Context, p AppendParams) (*history.ConversationContext, error) {
	if p.Context == nil {
		return nil, apperrors.NewInvalidInputError("conversation context is required")
	}
	if !p.Message.Role.Valid() {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("invalid role %q", p.Message.Role))
	}

	c := p.Context
	if p.ConversationID == "" {
		c.Append(p.Message, s.now())
		return c, nil
	}

	unlock, err := s.locker.Lock(ctx, p.ConversationID)
	if err != nil {
		s.logger.Warn("Conversation lock unavailable, appending unlocked",
			zap.String("conversation_id", p.ConversationID),
			zap.Error(err),
		)
		unlock = func() {}
	}
	defer unlock()

	next, persisted := s.persistMessage(ctx, p.ConversationID, p.Message)

	c.Append(p.Message, s.now())
	s.events.Publish(ctx, ConversationEvent{
		Type:           EventMessageAppended,
		ConversationID: p.ConversationID,
		UserID:         p.UserID,
		Source:         s.source,
		Sequence:       next,
		Persisted:      persisted,
		Timestamp:      s.now(),
	})

	if s.ShouldSummarize(c) {
		s.summarize(ctx, p.ConversationID, p.UserID, c, p.Summarizer)
	}

	if err := s.UpdateConversationState(ctx, p.ConversationID, c, next); err != nil {
		s.logger.Error("Failed to update conversation state",
			zap.String("conversation_id", p.ConversationID),
			zap.Error(err),
		)
	}
	return c, nil
}

// persistMessage assigns the next sequence number and writes the row when the
// message has a payload. It returns the sequence number used for the turn.
func (s *ConversationService) persistMessage(ctx context.Context, conversationID string, msg history.Message) (int, bool) {
	next, err := s.nextSequence(ctx, conversationID)
	if err != nil {
		s.logger.Error("Failed to read max sequence",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}

	if !msg.HasPayload() {
		s.logger.Warn("Skipping message insert, no content",
			zap.String("conversation_id", conversationID),
			zap.String("role", string(msg.Role)),
		)
		return next, false
	}

	for attempt := 1; attempt <= maxInsertAttempts; attempt++ {
		err = s.insertAt(ctx, conversationID, msg, next)
		if err == nil {
			return next, true
		}
		if !apperrors.IsConflict(err) {
			break
		}
		s.logger.Warn("Sequence number conflict, retrying",
			zap.String("conversation_id", conversationID),
			zap.Int("sequence", next),
			zap.Int("attempt", attempt),
		)
		if reread, rerr := s.nextSequence(ctx, conversationID); rerr == nil {
			next = reread
		} else {
			next++
		}
	}

	s.logger.Error("Failed to insert message",
		zap.String("conversation_id", conversationID),
		zap.Int("sequence", next),
		zap.Error(err),
	)
	return next, false
}

func (s *ConversationService) nextSequence(ctx context.Context, conversationID string) (int, error) {
	highest, err := s.messages.MaxSequence(ctx, conversationID)
	if err != nil {
		return 1, err
	}
	return highest + 1, nil
}

func (s *ConversationService) insertAt(ctx context.Context, conversationID string, msg history.Message, seq int) error {
	row, err := entity.NewConversationMessage(conversationID, msg.Role, msg.Content, seq, msg.Images)
	if err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	return s.messages.Insert(ctx, row)
}

// ShouldSummarize reports whether the working set has outgrown the thresholds.
func (s *ConversationService) ShouldSummarize(c *history.ConversationContext) bool {
	n := len(c.Messages)
	if n <= keepRecentMessages {
		return false
	}
	return c.TotalLength() > s.config.MaxContextLength || n > s.config.MaxMessagesBeforeSummarize
}

// summarize folds everything but the last two turns into the summary.
// On summarizer failure the working set is left untouched.
func (s *ConversationService) summarize(
	ctx context.Context,
	conversationID, userID string,
	c *history.ConversationContext,
	summarizer history.Summarizer,
) {
	if summarizer == nil {
		s.logger.Debug("No summarizer supplied, skipping summarization",
			zap.String("conversation_id", conversationID),
		)
		return
	}

	split := len(c.Messages) - keepRecentMessages
	toSummarize := append([]history.Message(nil), c.Messages[:split]...)
	keep := append([]history.Message(nil), c.Messages[split:]...)

	newSummary, err := summarizer.Summarize(ctx, toSummarize)
	if err != nil {
		s.logger.Error("Failed to summarize conversation",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		s.events.Publish(ctx, ConversationEvent{
			Type:           EventSummarizeFailed,
			ConversationID: conversationID,
			UserID:         userID,
			Source:         s.source,
			Error:          err.Error(),
			Timestamp:      s.now(),
		})
		return
	}

	s.storeSummary(ctx, conversationID, newSummary)

	if c.Summary != "" {
		condensed, fellBack := s.CondenseSummary(ctx, c.Summary, newSummary, summarizer)
		c.Summary = condensed
		if fellBack {
			s.events.Publish(ctx, ConversationEvent{
				Type:           EventCondenseFallback,
				ConversationID: conversationID,
				UserID:         userID,
				Source:         s.source,
				Timestamp:      s.now(),
			})
		}
	} else {
		c.Summary = history.HeadRunes(newSummary, s.config.MaxSummaryLength)
	}
	c.Messages = keep

	s.markSummarized(ctx, conversationID, c.Summary)

	s.events.Publish(ctx, ConversationEvent{
		Type:           EventSummarized,
		ConversationID: conversationID,
		UserID:         userID,
		Source:         s.source,
		Timestamp:      s.now(),
	})
	s.logger.Info("Conversation summarized",
		zap.String("conversation_id", conversationID),
		zap.Int("summarized_messages", len(toSummarize)),
		zap.Int("summary_length", history.RuneLen(c.Summary)),
	)
}

// CondenseSummary merges an existing summary with a new one. The bool result
// is true when the summarizer failed and the tail of the combined text was kept.
func (s *ConversationService) CondenseSummary(
	ctx context.Context,
	existing, newSummary string,
	summarizer history.Summarizer,
) (string, bool) {
	combined := existing + "\n\n" + newSummary
	if history.RuneLen(combined) <= s.config.MaxSummaryLength {
		return combined, false
	}

	if summarizer != nil {
		condensed, err := summarizer.Summarize(ctx, []history.Message{{
			Role:    entity.RoleUser,
			Content: condensePrefix + combined,
		}})
		if err == nil {
			return history.HeadRunes(condensed, s.config.MaxSummaryLength), false
		}
		s.logger.Warn("Summary condensation failed, keeping newest text", zap.Error(err))
	}
	return history.TailRunes(combined, s.config.MaxSummaryLength), true
}

// storeSummary and markSummarized both write the summary column.
func (s *ConversationService) storeSummary(ctx context.Context, conversationID, summary string) {
	summary = history.HeadRunes(summary, s.config.MaxSummaryLength)
	if err := s.conversations.Update(ctx, conversationID, repository.ConversationUpdate{
		Summary:   &summary,
		UpdatedAt: s.now(),
	}); err != nil {
		s.logger.Error("Failed to store summary",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
}

func (s *ConversationService) markSummarized(ctx context.Context, conversationID, summary string) {
	if err := s.conversations.Update(ctx, conversationID, repository.ConversationUpdate{
		Summary:   &summary,
		UpdatedAt: s.now(),
	}); err != nil {
		s.logger.Error("Failed to mark conversation summarized",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
}

// UpdateConversationState persists the running counter, summary, title and timestamps.
func (s *ConversationService) UpdateConversationState(
	ctx context.Context,
	conversationID string,
	c *history.ConversationContext,
	messageCount int,
) error {
	now := s.now()
	update := repository.ConversationUpdate{
		MessageCount:  &messageCount,
		UpdatedAt:     now,
		LastMessageAt: &now,
	}
	if c.Summary != "" {
		summary := c.Summary
		update.Summary = &summary
	}
	if c.Title != "" {
		title := c.Title
		update.Title = &title
	}
	return s.conversations.Update(ctx, conversationID, update)
}

// UpdateTitle sets an explicit title on a conversation owned by userID.
func (s *ConversationService) UpdateTitle(ctx context.Context, conversationID, userID, title string) error {
	if title == "" {
		return apperrors.NewInvalidInputError("title must not be empty")
	}
	if _, err := s.conversations.FindByID(ctx, conversationID, userID, s.source); err != nil {
		return err
	}
	return s.conversations.Update(ctx, conversationID, repository.ConversationUpdate{
		Title:     &title,
		UpdatedAt: s.now(),
	})
}

// BuildContextPrompt renders a context with this channel's limits.
func (s *ConversationService) BuildContextPrompt(c *history.ConversationContext) string {
	return history.BuildContextPrompt(c, s.config)
}

// IsIdentityError reports whether err means the request has no owner at all.
func IsIdentityError(err error) bool {
	return errors.Is(err, entity.ErrIdentityUnresolved) || errors.Is(err, entity.ErrInvalidUserID)
}
