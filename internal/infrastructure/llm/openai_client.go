package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/convogate/gateway/internal/domain/history"
	"github.com/convogate/gateway/internal/infrastructure/config"
	apperrors "github.com/convogate/gateway/pkg/errors"
)

const (
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 60 * time.Second

	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// ErrEmptyCompletion is returned when the endpoint answers with no choices.
var ErrEmptyCompletion = errors.New("model returned no choices")

// OpenAIClient talks to any OpenAI compatible chat completion endpoint.
// It serves both as the summarizer's ModelClient and as the chat Responder.
type OpenAIClient struct {
	api              *openai.Client
	model            string
	summaryModel     string
	summaryMaxTokens int
	timeout          time.Duration
	breaker          *CircuitBreaker
	logger           *zap.Logger
}

// NewOpenAIClient creates a client from the llm config section.
func NewOpenAIClient(cfg *config.LLMConfig, logger *zap.Logger) *OpenAIClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	summaryModel := cfg.SummaryModel
	if summaryModel == "" {
		summaryModel = model
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &OpenAIClient{
		api:              openai.NewClientWithConfig(clientCfg),
		model:            model,
		summaryModel:     summaryModel,
		summaryMaxTokens: cfg.SummaryMaxTokens,
		timeout:          timeout,
		breaker:          NewCircuitBreaker(breakerThreshold, breakerCooldown),
		logger:           logger.With(zap.String("component", "llm"), zap.String("model", model)),
	}
}

var _ history.ModelClient = (*OpenAIClient)(nil)

// Generate implements history.ModelClient with the summary model.
func (c *OpenAIClient) Generate(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, c.summaryModel, c.summaryMaxTokens, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	})
}

// Respond answers userMessage with the conversation context prompt as the
// system message.
func (c *OpenAIClient) Respond(ctx context.Context, prompt, userMessage string) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if prompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: prompt})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userMessage})
	return c.complete(ctx, c.model, 0, msgs)
}

// BreakerState exposes the circuit state for health reporting.
func (c *OpenAIClient) BreakerState() CircuitState {
	return c.breaker.State()
}

func (c *OpenAIClient) complete(ctx context.Context, model string, maxTokens int, msgs []openai.ChatCompletionMessage) (string, error) {
	if !c.breaker.Allow() {
		return "", apperrors.NewServiceUnavailableError("model endpoint circuit open", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: maxTokens,
	})
	if err != nil {
		c.breaker.RecordFailure()
		c.logger.Warn("Chat completion failed",
			zap.String("request_model", model),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("circuit", c.breaker.State().String()),
			zap.Error(err),
		)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	c.breaker.RecordSuccess()

	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}

	c.logger.Debug("Chat completion done",
		zap.String("request_model", model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("elapsed", time.Since(start)),
	)
	return resp.Choices[0].Message.Content, nil
}

// NewSummarizer picks the model-backed summarizer when an API key is set and
// the deterministic offline one otherwise.
func NewSummarizer(cfg *config.LLMConfig, client *OpenAIClient) history.Summarizer {
	if cfg.APIKey == "" || client == nil {
		return history.NewSimpleSummarizer()
	}
	return history.NewLLMSummarizer(client, history.DefaultSummarizerConfig())
}
