package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/convogate/gateway/internal/application/usecase"
	"github.com/convogate/gateway/internal/domain/entity"
	"github.com/convogate/gateway/internal/domain/history"
	"github.com/convogate/gateway/internal/domain/service"
	"github.com/convogate/gateway/internal/domain/valueobject"
	"github.com/convogate/gateway/internal/infrastructure/persistence"
)

type staticTokens map[string]string

func (s staticTokens) Validate(token string) (string, error) {
	if user, ok := s[token]; ok {
		return user, nil
	}
	return "", errors.New("unknown token")
}

type shoutResponder struct{}

func (shoutResponder) Respond(_ context.Context, _, userMessage string) (string, error) {
	return strings.ToUpper(userMessage) + "!", nil
}

func startServer(t *testing.T) (*httptest.Server, *usecase.WebConversation, *Hub) {
	t.Helper()
	logger := zap.NewNop()
	svc := service.NewConversationService(
		entity.SourceWeb,
		valueobject.DefaultConversationConfig(),
		persistence.NewMemoryConversationRepository(),
		persistence.NewMemoryMessageRepository(),
		logger,
	)
	web := usecase.NewWebConversation(svc, history.NewSimpleSummarizer(), logger)

	hub := NewHub(web, shoutResponder{}, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(NewHandler(hub, staticTokens{"good": "alice"}, logger))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv, web, hub
}

func dial(t *testing.T, srv *httptest.Server, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat?" + query
	return websocket.DefaultDialer.Dial(url, nil)
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHandler_RejectsBadToken(t *testing.T) {
	srv, _, _ := startServer(t)

	_, resp, err := dial(t, srv, "token=bad")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_ChatRoundTrip(t *testing.T) {
	srv, web, _ := startServer(t)

	conn, _, err := dial(t, srv, "token=good")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSMessage{Type: MessageTypePing, ID: "p1"}))
	pong := readMessage(t, conn)
	assert.Equal(t, MessageTypePong, pong.Type)
	assert.Equal(t, "p1", pong.ID)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: MessageTypeChat, ID: "m1", Content: "hello"}))
	reply := readMessage(t, conn)
	require.Equal(t, MessageTypeReply, reply.Type)
	assert.Equal(t, "HELLO!", reply.Content)
	assert.Equal(t, "m1", reply.ID)
	require.NotEmpty(t, reply.ConversationID)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: MessageTypeChat, ID: "m2", Content: "again"}))
	second := readMessage(t, conn)
	assert.Equal(t, reply.ConversationID, second.ConversationID, "turns stay on the same conversation")

	full := web.GetConversationByID(context.Background(), reply.ConversationID, "alice")
	require.NotNil(t, full)
	require.Len(t, full.Messages, 4)
	assert.Equal(t, "AGAIN!", full.Messages[3].Content)
}

func TestHandler_UnsupportedType(t *testing.T) {
	srv, _, _ := startServer(t)

	conn, _, err := dial(t, srv, "token=good")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "tool_call", ID: "x"}))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg = readMessage(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
}

func TestHub_TracksClients(t *testing.T) {
	srv, _, hub := startServer(t)

	conn, _, err := dial(t, srv, "token=good")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.GetClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
