package application

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/convogate/gateway/internal/application/usecase"
	"github.com/convogate/gateway/internal/domain/entity"
	"github.com/convogate/gateway/internal/domain/history"
	"github.com/convogate/gateway/internal/domain/repository"
	"github.com/convogate/gateway/internal/domain/service"
	"github.com/convogate/gateway/internal/domain/valueobject"
	"github.com/convogate/gateway/internal/infrastructure/auth"
	"github.com/convogate/gateway/internal/infrastructure/config"
	"github.com/convogate/gateway/internal/infrastructure/eventbus"
	"github.com/convogate/gateway/internal/infrastructure/llm"
	"github.com/convogate/gateway/internal/infrastructure/lock"
	"github.com/convogate/gateway/internal/infrastructure/monitoring"
	"github.com/convogate/gateway/internal/infrastructure/persistence"
	httpServer "github.com/convogate/gateway/internal/interfaces/http"
	"github.com/convogate/gateway/internal/interfaces/http/handlers"
	"github.com/convogate/gateway/internal/interfaces/telegram"
	"github.com/convogate/gateway/internal/interfaces/websocket"
)

// App 应用程序
type App struct {
	// 配置
	config   *config.Config
	logger   *zap.Logger
	location *time.Location

	// 存储
	db    *gorm.DB
	redis *redis.Client

	// 仓储层
	conversationRepo repository.ConversationRepository
	messageRepo      repository.MessageRepository
	identityRepo     repository.IdentityRepository

	// 基础设施
	bus        eventbus.Bus
	monitor    *monitoring.Monitor
	locker     service.ConversationLocker
	llmClient  *llm.OpenAIClient
	summarizer history.Summarizer
	responder  usecase.Responder
	jwt        *auth.JWTService

	// 应用服务
	web      *usecase.WebConversation
	telegram *usecase.TelegramConversation

	// 接口层
	hub             *websocket.Hub
	stopHub         context.CancelFunc
	httpServer      *httpServer.Server
	telegramAdapter *telegram.Adapter
}

// NewApp 创建应用程序 (依赖注入容器)
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app, err := newCore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := app.initInterfaces(); err != nil {
		app.closeCore()
		return nil, fmt.Errorf("failed to init interfaces: %w", err)
	}

	return app, nil
}

// NewAppCLI creates the engine without HTTP, websocket or Telegram, for
// one-shot CLI commands.
func NewAppCLI(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	return newCore(ctx, cfg, logger)
}

func newCore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	loc, err := cfg.Conversation.Location()
	if err != nil {
		return nil, err
	}

	app := &App{
		config:   cfg,
		logger:   logger,
		location: loc,
	}

	if err := app.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := app.initInfrastructure(ctx); err != nil {
		app.closeCore()
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	app.initApplicationServices()
	return app, nil
}

// initRepositories 初始化仓储层
func (app *App) initRepositories() error {
	app.logger.Info("Initializing repositories",
		zap.String("database", app.config.Database.Type),
	)

	db, err := persistence.NewDBConnection(&app.config.Database, app.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db

	app.conversationRepo = persistence.NewGormConversationRepository(db)
	app.messageRepo = persistence.NewGormMessageRepository(db)
	app.identityRepo = persistence.NewGormIdentityRepository(db)
	return nil
}

// initInfrastructure 初始化基础设施
func (app *App) initInfrastructure(ctx context.Context) error {
	app.logger.Info("Initializing infrastructure")

	// 事件总线
	if dir := app.config.Events.JournalDir; dir != "" {
		bus, err := eventbus.NewJournalBus(eventbus.JournalConfig{
			Dir:        dir,
			BufferSize: app.config.Events.BufferSize,
			MaxSize:    app.config.Events.MaxJournalSize,
		}, app.logger)
		if err != nil {
			return fmt.Errorf("failed to open event journal: %w", err)
		}
		app.bus = bus
		app.logger.Info("Event journal enabled", zap.String("dir", dir))
	} else {
		app.bus = eventbus.NewInMemoryBus(app.logger, app.config.Events.BufferSize)
	}

	app.monitor = monitoring.NewMonitor(app.logger)
	app.monitor.Subscribe(app.bus)

	// 会话锁: 配置了 redis 时跨实例共享, 否则进程内
	app.locker = service.NewKeyedMutex()
	if app.config.Redis.Addr != "" {
		client, err := lock.NewRedisClient(ctx, &app.config.Redis)
		if err != nil {
			app.logger.Warn("Redis unavailable, using in-process conversation lock", zap.Error(err))
		} else {
			app.redis = client
			app.locker = lock.NewRedisLocker(client, app.config.Redis.LockTTL, app.logger)
			app.logger.Info("Redis conversation lock enabled", zap.String("addr", app.config.Redis.Addr))
		}
	}

	// 模型
	if app.config.LLM.APIKey != "" {
		app.llmClient = llm.NewOpenAIClient(&app.config.LLM, app.logger)
		app.responder = app.monitor.InstrumentResponder(app.llmClient)
	} else {
		app.logger.Warn("llm.api_key not set: offline summarizer, chat replies disabled")
	}
	app.summarizer = llm.NewSummarizer(&app.config.LLM, app.llmClient)

	// Web 鉴权
	jwtSvc, err := auth.NewJWTService(&app.config.Auth)
	if err != nil {
		app.logger.Warn("auth.jwt_secret not set: web conversation API disabled", zap.Error(err))
	} else {
		app.jwt = jwtSvc
	}

	return nil
}

// initApplicationServices 初始化应用服务
func (app *App) initApplicationServices() {
	app.logger.Info("Initializing application services")

	webSvc := app.newConversationService(entity.SourceWeb, app.config.Conversation.WebThresholds())
	app.web = usecase.NewWebConversation(webSvc, app.summarizer, app.logger)

	tgSvc := app.newConversationService(entity.SourceTelegram, app.config.Conversation.TelegramThresholds())
	app.telegram = usecase.NewTelegramConversation(tgSvc, app.identityRepo, app.summarizer, app.logger)
}

func (app *App) newConversationService(source entity.Source, thresholds valueobject.ConversationConfig) *service.ConversationService {
	svc := service.NewConversationService(source, thresholds, app.conversationRepo, app.messageRepo, app.logger)
	svc.SetLocker(app.locker)
	svc.SetLocation(app.location)
	svc.SetEventSink(eventbus.ConversationSink(app.bus))
	return svc
}

// initInterfaces 初始化接口层
func (app *App) initInterfaces() error {
	app.logger.Info("Initializing interfaces")

	app.hub = websocket.NewHub(app.web, app.responder, app.logger)
	var tokens websocket.TokenValidator
	if app.jwt != nil {
		tokens = app.jwt
	}

	breaker := func() string { return "disabled" }
	if app.llmClient != nil {
		breaker = func() string { return app.llmClient.BreakerState().String() }
	}

	app.httpServer = httpServer.NewServer(
		httpServer.Config{
			Host: app.config.Gateway.Host,
			Port: app.config.Gateway.Port,
			Mode: app.config.Gateway.Mode,
		},
		httpServer.Deps{
			Conversations: handlers.NewConversationHandler(app.web, app.summarizer, app.responder, app.logger),
			Debug:         handlers.NewDebugHandler(app.monitor, breaker, app.logger),
			Auth:          app.jwt,
			Monitor:       app.monitor,
			ChatSocket:    websocket.NewHandler(app.hub, tokens, app.logger),
		},
		app.logger,
	)

	if app.config.Telegram.BotToken == "" {
		app.logger.Info("telegram.bot_token not set, Telegram channel disabled")
		return nil
	}

	adapter, err := telegram.NewAdapter(&telegram.Config{
		BotToken:       app.config.Telegram.BotToken,
		AllowedUserIDs: app.config.Telegram.AllowIDs,
		Debug:          app.config.Telegram.Debug,
	}, app.telegram, app.responder, app.logger)
	if err != nil {
		app.logger.Warn("Telegram adapter unavailable", zap.Error(err))
		return nil
	}
	app.telegramAdapter = adapter
	return nil
}

// Start 启动应用程序
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application")

	hubCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	app.stopHub = cancel
	go app.hub.Run(hubCtx)

	if err := app.httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if app.telegramAdapter != nil {
		if err := app.telegramAdapter.Start(ctx); err != nil {
			return fmt.Errorf("failed to start telegram adapter: %w", err)
		}
	}

	app.logger.Info("Application started successfully")
	return nil
}

// Stop 停止应用程序
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	if app.telegramAdapter != nil {
		app.telegramAdapter.Stop()
	}

	if app.httpServer != nil {
		if err := app.httpServer.Stop(ctx); err != nil {
			app.logger.Error("Failed to stop HTTP server", zap.Error(err))
		}
	}

	if app.stopHub != nil {
		app.stopHub()
	}

	app.closeCore()
	app.logger.Info("Application stopped successfully")
	return nil
}

// Close releases the engine resources of a CLI app.
func (app *App) Close() {
	app.closeCore()
}

// closeCore 关闭事件总线, redis 与数据库
func (app *App) closeCore() {
	if app.bus != nil {
		app.bus.Close()
		app.bus = nil
	}

	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("Failed to close redis client", zap.Error(err))
		}
		app.redis = nil
	}

	if app.db != nil {
		if sqlDB, err := app.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				app.logger.Error("Failed to close database connection", zap.Error(err))
			}
		}
		app.db = nil
	}
}

// Logger returns the application logger
func (app *App) Logger() *zap.Logger {
	return app.logger
}

// AppConfig returns the application config
func (app *App) AppConfig() *config.Config {
	return app.config
}

// Web returns the web channel facade
func (app *App) Web() *usecase.WebConversation {
	return app.web
}

// Telegram returns the telegram channel facade
func (app *App) Telegram() *usecase.TelegramConversation {
	return app.telegram
}

// Monitor returns the metrics collector
func (app *App) Monitor() *monitoring.Monitor {
	return app.monitor
}
