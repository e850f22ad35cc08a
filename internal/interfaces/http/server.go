package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/convogate/gateway/internal/infrastructure/auth"
	"github.com/convogate/gateway/internal/infrastructure/monitoring"
	"github.com/convogate/gateway/internal/interfaces/http/handlers"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config HTTP服务器配置
type Config struct {
	Host string
	Port int
	Mode string // local, production
}

// Deps are the collaborators mounted on the router.
type Deps struct {
	Conversations *handlers.ConversationHandler
	Debug         *handlers.DebugHandler
	Auth          *auth.JWTService
	Monitor       *monitoring.Monitor
	// ChatSocket serves /ws/chat when set. It authenticates on its own.
	ChatSocket http.Handler
}

// NewServer 创建HTTP服务器
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(cfg, deps, logger),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// NewRouter builds the gin engine. Exposed for tests.
func NewRouter(cfg Config, deps Deps, logger *zap.Logger) *gin.Engine {
	// 设置Gin模式
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger, deps.Monitor))

	setupRoutes(router, deps)
	return router
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由
func setupRoutes(router *gin.Engine, deps Deps) {
	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	if deps.Monitor != nil {
		router.GET("/metrics", gin.WrapH(deps.Monitor.PrometheusHandler()))
	}
	if deps.ChatSocket != nil {
		router.GET("/ws/chat", gin.WrapH(deps.ChatSocket))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/ping", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "pong"})
		})

		conv := deps.Conversations
		if conv != nil {
			// 分享链接无需认证
			v1.GET("/shared/:token", conv.GetShared)

			authed := v1.Group("/conversations", requireAuth(deps.Auth))
			{
				authed.GET("", conv.ListConversations)
				authed.DELETE("", conv.DeleteAll)
				authed.POST("/close", conv.CloseActive)

				authed.GET("/today", conv.GetToday)
				authed.POST("/messages", conv.AddTodayMessage)

				authed.GET("/:id", conv.GetConversation)
				authed.PATCH("/:id", conv.UpdateTitle)
				authed.DELETE("/:id", conv.DeleteConversation)
				authed.POST("/:id/load", conv.LoadConversation)
				authed.POST("/:id/messages", conv.AddMessage)

				authed.POST("/:id/share", conv.CreateShare)
				authed.GET("/:id/share", conv.GetShareStatus)
				authed.DELETE("/:id/share", conv.RevokeShare)
			}
		}

		if deps.Debug != nil {
			debug := v1.Group("/debug", requireAuth(deps.Auth))
			debug.GET("/metrics", deps.Debug.GetMetrics)
			debug.GET("/runtime", deps.Debug.GetRuntime)
		}
	}
}

// requireAuth 校验 Bearer token 并写入用户 ID
func requireAuth(jwtSvc *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtSvc == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "authentication not configured"})
			return
		}
		token := auth.BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		userID, err := jwtSvc.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(handlers.ContextUserID, userID)
		c.Next()
	}
}

// ginLogger Gin日志中间件
func ginLogger(logger *zap.Logger, monitor *monitoring.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery
		if c.Request.URL.Query().Has("token") {
			query = "[redacted]"
		}

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		if monitor != nil {
			monitor.RecordRequest(latency, statusCode >= http.StatusInternalServerError)
		}

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
			zap.String("user_id", c.GetString(handlers.ContextUserID)),
		)
	}
}
