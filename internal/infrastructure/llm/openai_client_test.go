package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/convogate/gateway/internal/domain/history"
	"github.com/convogate/gateway/internal/infrastructure/config"
	apperrors "github.com/convogate/gateway/pkg/errors"
)

func fakeCompletionServer(t *testing.T, status int, reply string, seen *openai.ChatCompletionRequest) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":{"message":"upstream down","type":"server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestClient(baseURL string) *OpenAIClient {
	return NewOpenAIClient(&config.LLMConfig{
		APIKey:           "test-key",
		BaseURL:          baseURL + "/v1",
		Model:            "chat-model",
		SummaryModel:     "summary-model",
		SummaryMaxTokens: 321,
		Timeout:          5 * time.Second,
	}, zap.NewNop())
}

func TestOpenAIClient_Respond(t *testing.T) {
	var req openai.ChatCompletionRequest
	srv, _ := fakeCompletionServer(t, http.StatusOK, "hi there", &req)

	reply, err := newTestClient(srv.URL).Respond(context.Background(), "Recent messages:\nUser: hi", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi there", reply)

	assert.Equal(t, "chat-model", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, "hi", req.Messages[1].Content)
}

func TestOpenAIClient_GenerateUsesSummaryModel(t *testing.T) {
	var req openai.ChatCompletionRequest
	srv, _ := fakeCompletionServer(t, http.StatusOK, "  - user asked about weather \n", &req)

	s := history.NewLLMSummarizer(newTestClient(srv.URL), nil)
	summary, err := s.Summarize(context.Background(), []history.Message{{Role: "user", Content: "weather?"}})
	require.NoError(t, err)
	assert.Equal(t, "- user asked about weather", summary)

	assert.Equal(t, "summary-model", req.Model)
	assert.Equal(t, 321, req.MaxTokens)
	require.Len(t, req.Messages, 1)
	assert.Contains(t, req.Messages[0].Content, "[user]: weather?")
}

func TestOpenAIClient_BreakerOpensOnRepeatedFailure(t *testing.T) {
	srv, calls := fakeCompletionServer(t, http.StatusBadRequest, "", nil)
	client := newTestClient(srv.URL)

	for i := 0; i < breakerThreshold; i++ {
		_, err := client.Generate(context.Background(), "x")
		require.Error(t, err)
	}
	assert.Equal(t, CircuitOpen, client.BreakerState())

	_, err := client.Generate(context.Background(), "x")
	assert.Equal(t, apperrors.CodeServiceUnavail, apperrors.CodeOf(err))
	assert.EqualValues(t, breakerThreshold, atomic.LoadInt32(calls))
}

func TestNewSummarizer_OfflineWithoutKey(t *testing.T) {
	s := NewSummarizer(&config.LLMConfig{}, nil)
	_, ok := s.(*history.SimpleSummarizer)
	assert.True(t, ok)

	s = NewSummarizer(&config.LLMConfig{APIKey: "k"}, newTestClient("http://localhost"))
	_, ok = s.(*history.LLMSummarizer)
	assert.True(t, ok)
}
