package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/convogate/gateway/internal/application/usecase"
	"github.com/convogate/gateway/internal/domain/entity"
	"github.com/convogate/gateway/internal/domain/history"
	"github.com/convogate/gateway/internal/domain/repository"
	"github.com/convogate/gateway/internal/domain/service"
	apperrors "github.com/convogate/gateway/pkg/errors"
)

// ConversationHandler 会话 API 处理器
type ConversationHandler struct {
	web        *usecase.WebConversation
	summarizer history.Summarizer
	responder  usecase.Responder
	logger     *zap.Logger
}

// NewConversationHandler 创建会话处理器. responder 为 nil 时不支持 reply=true
func NewConversationHandler(web *usecase.WebConversation, summarizer history.Summarizer, responder usecase.Responder, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{
		web:        web,
		summarizer: summarizer,
		responder:  responder,
		logger:     logger,
	}
}

// AddMessageRequest 追加消息请求
type AddMessageRequest struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images"`
	// Reply asks the model for the assistant turn; Role must be user or empty.
	Reply bool `json:"reply"`
}

// UpdateTitleRequest 修改标题请求
type UpdateTitleRequest struct {
	Title string `json:"title" binding:"required"`
}

// ShareRequest 创建分享请求
type ShareRequest struct {
	// ExpiresInDays 为 0 时使用默认有效期
	ExpiresInDays int `json:"expires_in_days"`
}

// todayResponse is the wire form of a resolved context and its prompt.
type todayResponse struct {
	ConversationID string                       `json:"conversation_id,omitempty"`
	Persisted      bool                         `json:"persisted"`
	Context        *history.ConversationContext `json:"context"`
	Prompt         string                       `json:"prompt"`
}

func (h *ConversationHandler) contextResponse(t *service.TodayContext) todayResponse {
	return todayResponse{
		ConversationID: t.ConversationID,
		Persisted:      t.ConversationID != "",
		Context:        t.Context,
		Prompt:         h.web.BuildContextPrompt(t.Context),
	}
}

// ListConversations 会话列表
// GET /api/v1/conversations?limit=&offset=&search=
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	opts := repository.ListOptions{
		Limit:  queryInt(c, "limit", 0),
		Offset: queryInt(c, "offset", 0),
		Search: c.Query("search"),
	}
	items := h.web.GetConversationList(c.Request.Context(), CurrentUser(c), opts)
	c.JSON(http.StatusOK, gin.H{"conversations": items, "count": len(items)})
}

// GetToday 获取今日会话及其上下文 prompt
// GET /api/v1/conversations/today
func (h *ConversationHandler) GetToday(c *gin.Context) {
	today, err := h.web.GetOrCreateTodayContext(c.Request.Context(), CurrentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.contextResponse(today))
}

// AddTodayMessage 向今日会话追加消息
// POST /api/v1/conversations/messages
func (h *ConversationHandler) AddTodayMessage(c *gin.Context) {
	h.addMessage(c, "")
}

// AddMessage 继续指定会话
// POST /api/v1/conversations/:id/messages
func (h *ConversationHandler) AddMessage(c *gin.Context) {
	h.addMessage(c, c.Param("id"))
}

func (h *ConversationHandler) addMessage(c *gin.Context, conversationID string) {
	var req AddMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	userID := CurrentUser(c)

	if req.Reply {
		if req.Role != "" && entity.Role(req.Role) != entity.RoleUser {
			writeError(c, apperrors.NewInvalidInputError("reply is only supported for user messages"))
			return
		}
		if h.responder == nil {
			writeError(c, apperrors.NewServiceUnavailableError("no model configured", nil))
			return
		}
		result, err := h.web.Chat(ctx, conversationID, userID, req.Content, req.Images, h.responder)
		if err != nil {
			h.logger.Error("Chat turn failed", zap.String("user_id", userID), zap.Error(err))
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
		return
	}

	role := entity.Role(req.Role)
	if role == "" {
		role = entity.RoleUser
	}
	msg := history.Message{Role: role, Content: req.Content, Images: req.Images}

	var (
		today *service.TodayContext
		err   error
	)
	if conversationID == "" {
		today, err = h.web.AddMessageToContext(ctx, userID, msg, h.summarizer)
	} else {
		today, err = h.web.AddMessageToConversation(ctx, conversationID, userID, msg, h.summarizer)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.contextResponse(today))
}

// GetConversation 获取完整会话
// GET /api/v1/conversations/:id
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	full := h.web.GetConversationByID(c.Request.Context(), c.Param("id"), CurrentUser(c))
	if full == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	c.JSON(http.StatusOK, full)
}

// LoadConversation 载入会话以继续对话
// POST /api/v1/conversations/:id/load
func (h *ConversationHandler) LoadConversation(c *gin.Context) {
	loaded, err := h.web.LoadConversationIntoContext(c.Request.Context(), c.Param("id"), CurrentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.contextResponse(loaded))
}

// UpdateTitle 修改标题
// PATCH /api/v1/conversations/:id
func (h *ConversationHandler) UpdateTitle(c *gin.Context) {
	var req UpdateTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.web.UpdateConversationTitle(c.Request.Context(), c.Param("id"), CurrentUser(c), req.Title); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteConversation 删除会话
// DELETE /api/v1/conversations/:id
func (h *ConversationHandler) DeleteConversation(c *gin.Context) {
	if err := h.web.DeleteConversation(c.Request.Context(), c.Param("id"), CurrentUser(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteAll 删除全部会话
// DELETE /api/v1/conversations
func (h *ConversationHandler) DeleteAll(c *gin.Context) {
	n, err := h.web.DeleteAllConversations(c.Request.Context(), CurrentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// CloseActive 结束当前活跃会话, 下一条消息开启新会话
// POST /api/v1/conversations/close
func (h *ConversationHandler) CloseActive(c *gin.Context) {
	n, err := h.web.CloseActiveConversation(c.Request.Context(), CurrentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": n})
}

// CreateShare 创建分享链接
// POST /api/v1/conversations/:id/share
func (h *ConversationHandler) CreateShare(c *gin.Context) {
	var req ShareRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	link, err := h.web.CreateShareLink(c.Request.Context(), c.Param("id"), CurrentUser(c), req.ExpiresInDays)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, link)
}

// RevokeShare 撤销分享
// DELETE /api/v1/conversations/:id/share
func (h *ConversationHandler) RevokeShare(c *gin.Context) {
	if err := h.web.RevokeShareLink(c.Request.Context(), c.Param("id"), CurrentUser(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetShareStatus 分享状态
// GET /api/v1/conversations/:id/share
func (h *ConversationHandler) GetShareStatus(c *gin.Context) {
	status, err := h.web.GetShareStatus(c.Request.Context(), c.Param("id"), CurrentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetShared 公开读取分享的会话, 无需认证
// GET /api/v1/shared/:token
func (h *ConversationHandler) GetShared(c *gin.Context) {
	shared, err := h.web.GetSharedConversation(c.Request.Context(), c.Param("token"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, shared)
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
