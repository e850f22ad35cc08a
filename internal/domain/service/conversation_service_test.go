package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/convogate/gateway/internal/domain/entity"
	"github.com/convogate/gateway/internal/domain/history"
	"github.com/convogate/gateway/internal/domain/repository"
	"github.com/convogate/gateway/internal/domain/service"
	"github.com/convogate/gateway/internal/domain/valueobject"
	"github.com/convogate/gateway/internal/infrastructure/persistence"
	apperrors "github.com/convogate/gateway/pkg/errors"
)

type fixture struct {
	svc           *service.ConversationService
	conversations *persistence.MemoryConversationRepository
	messages      *persistence.MemoryMessageRepository
	clock         *fakeClock
	events        *eventRecorder
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type eventRecorder struct {
	mu     sync.Mutex
	events []service.ConversationEvent
}

func (r *eventRecorder) Publish(_ context.Context, ev service.ConversationEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) count(t service.ConversationEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type userIdentity struct {
	userID string
	err    error
}

func (u userIdentity) Lookup() repository.Lookup {
	return repository.Lookup{Field: repository.LookupByUserID, UserID: u.userID}
}

func (u userIdentity) ResolveUserID(context.Context) (string, error) {
	return u.userID, u.err
}

func newFixture(t *testing.T, cfg valueobject.ConversationConfig) *fixture {
	t.Helper()
	f := &fixture{
		conversations: persistence.NewMemoryConversationRepository(),
		messages:      persistence.NewMemoryMessageRepository(),
		clock:         &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)},
		events:        &eventRecorder{},
	}
	f.svc = service.NewConversationService(entity.SourceWeb, cfg, f.conversations, f.messages, zap.NewNop())
	f.svc.SetClock(f.clock.Now)
	f.svc.SetLocation(time.UTC)
	f.svc.SetEventSink(f.events)
	return f
}

func fixedSummary(text string) history.Summarizer {
	return history.SummarizerFunc(func(context.Context, []history.Message) (string, error) {
		return text, nil
	})
}

func (f *fixture) append(t *testing.T, today *service.TodayContext, role entity.Role, content string, s history.Summarizer) *history.ConversationContext {
	t.Helper()
	c, err := f.svc.AppendMessage(context.Background(), service.AppendParams{
		ConversationID: today.ConversationID,
		UserID:         today.UserID,
		Context:        today.Context,
		Message:        history.Message{Role: role, Content: content},
		Summarizer:     s,
	})
	require.NoError(t, err)
	today.Context = c
	return c
}

func TestAppendMessage_SummarizesAfterMessageThreshold(t *testing.T) {
	f := newFixture(t, valueobject.ConversationConfig{
		MaxContextLength:           1000,
		MaxSummaryLength:           1000,
		MaxMessagesBeforeSummarize: 6,
		MaxContextPromptLength:     2000,
		MaxSummaryDisplayLength:    800,
		MaxMessagesDisplayLength:   1000,
	})
	ctx := context.Background()

	today, err := f.svc.GetOrCreateTodayContext(ctx, userIdentity{userID: "u1"})
	require.NoError(t, err)

	var c *history.ConversationContext
	for i := 0; i < 7; i++ {
		role := entity.RoleUser
		if i%2 == 1 {
			role = entity.RoleAssistant
		}
		c = f.append(t, today, role, strings.Repeat("x", 9)+string(rune('0'+i)), fixedSummary("S"))
		if i < 6 {
			assert.Empty(t, c.Summary, "no summary before threshold at message %d", i+1)
		}
	}

	require.Len(t, c.Messages, 2)
	assert.Equal(t, "S", c.Summary)
	assert.Equal(t, "xxxxxxxxx5", c.Messages[0].Content)
	assert.Equal(t, "xxxxxxxxx6", c.Messages[1].Content)

	conv, err := f.conversations.FindByID(ctx, today.ConversationID, "u1", entity.SourceWeb)
	require.NoError(t, err)
	assert.Equal(t, "S", conv.SummaryOrEmpty())
	assert.Equal(t, 7, conv.MessageCount)
	assert.Equal(t, 7, f.messages.Count(today.ConversationID))
	assert.Equal(t, 1, f.events.count(service.EventSummarized))
}

func TestAppendMessage_EmptyContentNotPersisted(t *testing.T) {
	f := newFixture(t, valueobject.DefaultConversationConfig())
	ctx := context.Background()

	today, err := f.svc.GetOrCreateTodayContext(ctx, userIdentity{userID: "u1"})
	require.NoError(t, err)

	f.append(t, today, entity.RoleUser, "hello", nil)
	c := f.append(t, today, entity.RoleAssistant, "", nil)

	require.Len(t, c.Messages, 2)
	assert.Equal(t, "", c.Messages[1].Content)
	assert.Equal(t, 1, f.messages.Count(today.ConversationID))

	// 计数按"尝试的轮次"推进
	conv, err := f.conversations.FindByID(ctx, today.ConversationID, "u1", entity.SourceWeb)
	require.NoError(t, err)
	assert.Equal(t, 2, conv.MessageCount)
}

func TestAppendMessage_SequencesAreGaplessAndOrdered(t *testing.T) {
	f := newFixture(t, valueobject.DefaultConversationConfig())
	ctx := context.Background()

	today, err := f.svc.GetOrCreateTodayContext(ctx, userIdentity{userID: "u1"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		f.append(t, today, entity.RoleUser, "m", nil)
	}

	stored, err := f.messages.ListByConversation(ctx, today.ConversationID)
	require.NoError(t, err)
	require.Len(t, stored, 5)
	for i, m := range stored {
		assert.Equal(t, i+1, m.SequenceNumber())
	}
}

func TestAppendMessage_ConcurrentAppendsGetDistinctSequences(t *testing.T) {
	f := newFixture(t, valueobject.ConversationConfig{
		MaxContextLength:           1 << 20,
		MaxSummaryLength:           1000,
		MaxMessagesBeforeSummarize: 1 << 20,
		MaxContextPromptLength:     2000,
		MaxSummaryDisplayLength:    800,
		MaxMessagesDisplayLength:   1000,
	})
	ctx := context.Background()

	today, err := f.svc.GetOrCreateTodayContext(ctx, userIdentity{userID: "u1"})
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// 每个调用方持有自己的上下文
			_, err := f.svc.AppendMessage(ctx, service.AppendParams{
				ConversationID: today.ConversationID,
				UserID:         "u1",
				Context:        history.NewConversationContext(f.clock.Now()),
				Message:        history.Message{Role: entity.RoleUser, Content: "hi"},
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := f.messages.ListByConversation(ctx, today.ConversationID)
	require.NoError(t, err)
	require.Len(t, stored, writers)
	for i, m := range stored {
		assert.Equal(t, i+1, m.SequenceNumber())
	}
}

func TestAppendMessage_SummarizerFailureKeepsWorkingSet(t *testing.T) {
	f := newFixture(t, valueobject.ConversationConfig{
		MaxContextLength:           1000,
		MaxSummaryLength:           1000,
		MaxMessagesBeforeSummarize: 2,
		MaxContextPromptLength:     2000,
		MaxSummaryDisplayLength:    800,
		MaxMessagesDisplayLength:   1000,
	})
	ctx := context.Background()
	failing := history.SummarizerFunc(func(context.Context, []history.Message) (string, error) {
		return "", errors.New("model unavailable")
	})

	today, err := f.svc.GetOrCreateTodayContext(ctx, userIdentity{userID: "u1"})
	require.NoError(t, err)

	var c *history.ConversationContext
	for i := 0; i < 3; i++ {
		c = f.append(t, today, entity.RoleUser, "msg", failing)
	}

	assert.Len(t, c.Messages, 3)
	assert.Empty(t, c.Summary)
	assert.Equal(t, 1, f.events.count(service.EventSummarizeFailed))
	assert.Equal(t, 0, f.events.count(service.EventSummarized))
}

func TestAppendMessage_NoRepeatSummarizeBelowThreshold(t *testing.T) {
	f := newFixture(t, valueobject.ConversationConfig{
		MaxContextLength:           1000,
		MaxSummaryLength:           1000,
		MaxMessagesBeforeSummarize: 3,
		MaxContextPromptLength:     2000,
		MaxSummaryDisplayLength:    800,
		MaxMessagesDisplayLength:   1000,
	})
	ctx := context.Background()

	var calls int
	counting := history.SummarizerFunc(func(context.Context, []history.Message) (string, error) {
		calls++
		return "summary", nil
	})

	today, err := f.svc.GetOrCreateTodayContext(ctx, userIdentity{userID: "u1"})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		f.append(t, today, entity.RoleUser, "msg", counting)
	}
	assert.Equal(t, 1, calls)

	// 工作集回到 2 条后, 再加一条不会再次触发
	f.append(t, today, entity.RoleUser, "msg", counting)
	assert.Equal(t, 1, calls)
	assert.Len(t, today.Context.Messages, 3)
}

func TestAppendMessage_LengthTriggerCountsRunes(t *testing.T) {
	f := newFixture(t, valueobject.ConversationConfig{
		MaxContextLength:           10,
		MaxSummaryLength:           1000,
		MaxMessagesBeforeSummarize: 100,
		MaxContextPromptLength:     2000,
		MaxSummaryDisplayLength:    800,
		MaxMessagesDisplayLength:   1000,
	})

	c := history.NewConversationContext(f.clock.Now())
	for i := 0; i < 3; i++ {
		c.Append(history.Message{Role: entity.RoleUser, Content: "你好"}, f.clock.Now())
	}
	assert.False(t, f.svc.ShouldSummarize(c), "6 runes must not trigger")

	c.Append(history.Message{Role: entity.RoleUser, Content: "你好你好你好"}, f.clock.Now())
	assert.True(t, f.svc.ShouldSummarize(c))
}

func TestCondenseSummary(t *testing.T) {
	f := newFixture(t, valueobject.DefaultConversationConfig())
	ctx := context.Background()
	existing := strings.Repeat("a", 950)
	newer := strings.Repeat("b", 200)

	t.Run("fits without summarizer call", func(t *testing.T) {
		got, fellBack := f.svc.CondenseSummary(ctx, "old", "new", nil)
		assert.Equal(t, "old\n\nnew", got)
		assert.False(t, fellBack)
	})

	t.Run("fallback keeps newest tail", func(t *testing.T) {
		failing := history.SummarizerFunc(func(context.Context, []history.Message) (string, error) {
			return "", errors.New("boom")
		})
		got, fellBack := f.svc.CondenseSummary(ctx, existing, newer, failing)
		assert.True(t, fellBack)
		assert.Equal(t, 1000, history.RuneLen(got))
		assert.True(t, strings.HasSuffix(got, newer))
	})

	t.Run("summarizer result is capped", func(t *testing.T) {
		var prompt string
		verbose := history.SummarizerFunc(func(_ context.Context, msgs []history.Message) (string, error) {
			prompt = msgs[0].Content
			return strings.Repeat("c", 1500), nil
		})
		got, fellBack := f.svc.CondenseSummary(ctx, existing, newer, verbose)
		assert.False(t, fellBack)
		assert.Equal(t, 1000, history.RuneLen(got))
		assert.True(t, strings.HasPrefix(prompt, "Please condense this conversation summary:\n"))
	})
}

func TestAppendMessage_CondenseFallbackThroughEngine(t *testing.T) {
	f := newFixture(t, valueobject.ConversationConfig{
		MaxContextLength:           10000,
		MaxSummaryLength:           1000,
		MaxMessagesBeforeSummarize: 2,
		MaxContextPromptLength:     2000,
		MaxSummaryDisplayLength:    800,
		MaxMessagesDisplayLength:   1000,
	})
	ctx := context.Background()

	calls := 0
	s := history.SummarizerFunc(func(context.Context, []history.Message) (string, error) {
		calls++
		if calls == 1 {
			return strings.Repeat("b", 200), nil
		}
		return "", errors.New("condense failed")
	})

	today, err := f.svc.GetOrCreateTodayContext(ctx, userIdentity{userID: "u1"})
	require.NoError(t, err)
	today.Context.Summary = strings.Repeat("a", 950)

	for i := 0; i < 3; i++ {
		f.append(t, today, entity.RoleUser, "msg", s)
	}

	assert.Equal(t, 1000, history.RuneLen(today.Context.Summary))
	assert.Equal(t, 1, f.events.count(service.EventCondenseFallback))

	conv, err := f.conversations.FindByID(ctx, today.ConversationID, "u1", entity.SourceWeb)
	require.NoError(t, err)
	assert.Equal(t, today.Context.Summary, conv.SummaryOrEmpty())
}

func TestAppendMessage_InMemoryOnlyWithoutConversationID(t *testing.T) {
	f := newFixture(t, valueobject.DefaultConversationConfig())
	fallback := f.svc.FallbackContext("u1")

	c, err := f.svc.AppendMessage(context.Background(), service.AppendParams{
		UserID:  "u1",
		Context: fallback.Context,
		Message: history.Message{Role: entity.RoleUser, Content: "offline"},
	})
	require.NoError(t, err)
	assert.Len(t, c.Messages, 1)
	assert.Empty(t, f.events.events)
}

func TestAppendMessage_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t, valueobject.DefaultConversationConfig())

	_, err := f.svc.AppendMessage(context.Background(), service.AppendParams{ConversationID: "c"})
	assert.True(t, apperrors.IsInvalidInput(err))

	_, err = f.svc.AppendMessage(context.Background(), service.AppendParams{
		ConversationID: "c",
		Context:        history.NewConversationContext(time.Now()),
		Message:        history.Message{Role: "robot", Content: "x"},
	})
	assert.True(t, apperrors.IsInvalidInput(err))
}

func TestGetOrCreateTodayContext_DailyRollover(t *testing.T) {
	f := newFixture(t, valueobject.DefaultConversationConfig())
	ctx := context.Background()
	id := userIdentity{userID: "u1"}

	first, err := f.svc.GetOrCreateTodayContext(ctx, id)
	require.NoError(t, err)
	f.append(t, first, entity.RoleUser, "morning", nil)

	f.clock.Advance(2 * time.Hour)
	again, err := f.svc.GetOrCreateTodayContext(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, again.ConversationID)
	require.Len(t, again.Context.Messages, 1)
	assert.Equal(t, "morning", again.Context.Messages[0].Content)

	f.clock.Advance(24 * time.Hour)
	next, err := f.svc.GetOrCreateTodayContext(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, first.ConversationID, next.ConversationID)
	assert.Empty(t, next.Context.Messages)

	// 旧会话仍为活跃, 由批量关闭清理
	closed, err := f.svc.CloseActiveConversations(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, closed)
}

func TestGetOrCreateTodayContext_IdentityErrors(t *testing.T) {
	f := newFixture(t, valueobject.DefaultConversationConfig())
	ctx := context.Background()

	_, err := f.svc.GetOrCreateTodayContext(ctx, userIdentity{userID: ""})
	assert.True(t, service.IsIdentityError(err))

	storeDown := errors.New("identity store down")
	_, err = f.svc.GetOrCreateTodayContext(ctx, userIdentity{userID: "u1", err: storeDown})
	assert.ErrorIs(t, err, storeDown)
	assert.False(t, service.IsIdentityError(err))
}

func TestCreateConversation_PersistsInitialMessage(t *testing.T) {
	f := newFixture(t, valueobject.DefaultConversationConfig())
	ctx := context.Background()

	id, c, err := f.svc.CreateConversation(ctx, "u1", nil, &history.Message{Role: entity.RoleUser, Content: "first"})
	require.NoError(t, err)
	require.Len(t, c.Messages, 1)

	stored, err := f.messages.ListByConversation(ctx, id)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 1, stored[0].SequenceNumber())
	assert.Equal(t, 1, f.events.count(service.EventConversationStart))

	next, _, err := f.svc.CreateConversation(ctx, "u1", nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, id, next)
}

func TestKeyedMutex(t *testing.T) {
	km := service.NewKeyedMutex()
	ctx := context.Background()

	unlock, err := km.Lock(ctx, "a")
	require.NoError(t, err)

	// 不同 key 互不阻塞
	unlockB, err := km.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()

	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(timeout, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Equal(t, 0, km.Len())

	unlock, err = km.Lock(ctx, "a")
	require.NoError(t, err)
	unlock()
}

type failingLocker struct{}

func (failingLocker) Lock(context.Context, string) (func(), error) {
	return nil, errors.New("redis unreachable")
}

func TestAppendMessage_ProceedsWhenLockUnavailable(t *testing.T) {
	f := newFixture(t, valueobject.DefaultConversationConfig())
	f.svc.SetLocker(failingLocker{})
	ctx := context.Background()

	today, err := f.svc.GetOrCreateTodayContext(ctx, userIdentity{userID: "u1"})
	require.NoError(t, err)
	c := f.append(t, today, entity.RoleUser, "still works", nil)
	assert.Len(t, c.Messages, 1)
	assert.Equal(t, 1, f.messages.Count(today.ConversationID))
}
