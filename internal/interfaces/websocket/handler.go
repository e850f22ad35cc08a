package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/convogate/gateway/internal/application/usecase"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 512 * 1024 // 512KB
	turnWait   = 2 * time.Minute
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // token 校验代替来源校验
	},
}

// MessageType 消息类型
type MessageType string

const (
	MessageTypeChat  MessageType = "chat"
	MessageTypeReply MessageType = "reply"
	MessageTypeError MessageType = "error"
	MessageTypePing  MessageType = "ping"
	MessageTypePong  MessageType = "pong"
)

// WSMessage WebSocket 消息
type WSMessage struct {
	Type           MessageType `json:"type"`
	ID             string      `json:"id,omitempty"`
	Content        string      `json:"content,omitempty"`
	Images         []string    `json:"images,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Timestamp      int64       `json:"timestamp"`
}

// TokenValidator resolves a bearer token to a user id.
type TokenValidator interface {
	Validate(token string) (string, error)
}

// Client WebSocket 客户端
type Client struct {
	ID     string
	UserID string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *zap.Logger

	// 当前会话, 首条消息可指定, 之后沿用回复中的会话
	conversationID string
}

// Hub WebSocket 连接中心
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	logger     *zap.Logger
	mu         sync.RWMutex

	// 连接的生命周期不依赖请求上下文
	ctx context.Context

	web       *usecase.WebConversation
	responder usecase.Responder
}

// NewHub 创建连接中心
func NewHub(web *usecase.WebConversation, responder usecase.Responder, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With(zap.String("component", "ws")),
		ctx:        context.Background(),
		web:        web,
		responder:  responder,
	}
}

// Run 运行连接中心, ctx 结束时断开所有连接
func (h *Hub) Run(ctx context.Context) {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			// 关闭底层连接, 读写协程随之退出
			h.mu.Lock()
			for id, client := range h.clients {
				client.conn.Close()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.logger.Info("Client connected",
				zap.String("client_id", client.ID),
				zap.String("user_id", client.UserID),
			)
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("Client disconnected", zap.String("client_id", client.ID))
		}
	}
}

// GetClientCount 获取客户端数量
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) baseContext() context.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ctx
}

// Handler WebSocket 处理器
type Handler struct {
	hub    *Hub
	tokens TokenValidator
	logger *zap.Logger
}

// NewHandler 创建 WebSocket 处理器
func NewHandler(hub *Hub, tokens TokenValidator, logger *zap.Logger) *Handler {
	return &Handler{
		hub:    hub,
		tokens: tokens,
		logger: logger,
	}
}

// ServeHTTP 处理 /ws/chat?token=...&conversation_id=...
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.tokens == nil {
		http.Error(w, "authentication not configured", http.StatusServiceUnavailable)
		return
	}
	userID, err := h.tokens.Validate(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:             uuid.NewString(),
		UserID:         userID,
		conn:           conn,
		send:           make(chan []byte, 256),
		hub:            h.hub,
		logger:         h.logger,
		conversationID: r.URL.Query().Get("conversation_id"),
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.baseContext().Done():
		conn.Close()
		return
	}

	// 启动读写协程
	go client.writePump()
	go client.readPump()
}

// readPump 读取消息, 同一连接上的对话轮次串行处理
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.baseContext().Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.SendMessage(&WSMessage{Type: MessageTypeError, Content: "malformed message"})
			continue
		}

		switch msg.Type {
		case MessageTypePing:
			c.SendMessage(&WSMessage{Type: MessageTypePong, ID: msg.ID})
		case MessageTypeChat:
			c.handleChat(&msg)
		default:
			c.SendMessage(&WSMessage{Type: MessageTypeError, ID: msg.ID, Content: "unsupported message type"})
		}
	}
}

func (c *Client) handleChat(msg *WSMessage) {
	if msg.ConversationID != "" {
		c.conversationID = msg.ConversationID
	}

	ctx, cancel := context.WithTimeout(c.hub.baseContext(), turnWait)
	defer cancel()

	result, err := c.hub.web.Chat(ctx, c.conversationID, c.UserID, msg.Content, msg.Images, c.hub.responder)
	if err != nil {
		c.logger.Warn("Chat turn failed",
			zap.String("client_id", c.ID),
			zap.String("user_id", c.UserID),
			zap.Error(err),
		)
		c.SendMessage(&WSMessage{Type: MessageTypeError, ID: msg.ID, Content: "reply failed"})
		return
	}

	if result.ConversationID != "" {
		c.conversationID = result.ConversationID
	}
	c.SendMessage(&WSMessage{
		Type:           MessageTypeReply,
		ID:             msg.ID,
		Content:        result.Reply,
		ConversationID: result.ConversationID,
	})
}

// writePump 写入消息
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage 发送消息给客户端, 发送队列满时丢弃
func (c *Client) SendMessage(msg *WSMessage) {
	msg.Timestamp = time.Now().Unix()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Send buffer full, dropping message", zap.String("client_id", c.ID))
	}
}
