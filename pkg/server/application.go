package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"

	"goim-realtime/pkg/auth"
	"goim-realtime/pkg/config"
	"goim-realtime/pkg/kafka"
	"goim-realtime/pkg/lifecycle"
	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/middleware"
	"goim-realtime/pkg/redis"
	"goim-realtime/pkg/telemetry"
)

// Application 应用程序框架
type Application struct {
	serviceName    string
	config         *config.Config
	logger         kratoslog.Logger
	originalLogger logger.Logger
	serverManager  *ServerManager
	lifecycle      *lifecycle.LifecycleManager

	// 基础设施组件
	redisClient   *redis.RedisClient
	kafkaProducer *kafka.Producer

	// 中间件
	authMiddleware    *middleware.AuthMiddleware
	loggingMiddleware *middleware.LoggingMiddleware
	otelMiddleware    *middleware.OTelMiddleware

	httpRouteRegister func(*gin.Engine)
}

// NewApplication 创建应用程序
func NewApplication(serviceName string) (*Application, error) {
	cfg, err := config.LoadConfig(serviceName)
	if err != nil {
		return nil, err
	}
	if cfg.Relay.InstanceID == "" {
		cfg.Relay.InstanceID = defaultInstanceID()
	}

	if err := logger.Init(cfg.Log.Level); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	originalLogger := logger.GetLogger()

	// 基础设施组件的日志经适配器写入zap
	kratosLogger := kratoslog.With(logger.NewKratosLogger(originalLogger),
		"service.name", cfg.App.Name,
		"service.version", cfg.App.Version,
		"instance.id", cfg.Relay.InstanceID,
	)

	lifecycleManager := lifecycle.NewLifecycleManager(kratosLogger)
	lifecycleManager.SetStopTimeout(cfg.Relay.Connection.StopTimeout())

	if cfg.App.UsesDefaultSecret() {
		kratosLogger.Log(kratoslog.LevelWarn, "msg", "Using built-in JWT secret, set JWT_SECRET outside development", "env", cfg.App.Env)
	}

	app := &Application{
		serviceName:    serviceName,
		config:         cfg,
		logger:         kratosLogger,
		originalLogger: originalLogger,
		serverManager:  NewServerManager(cfg, kratosLogger),
		lifecycle:      lifecycleManager,
		authMiddleware: middleware.NewAuthMiddleware(kratosLogger, &auth.JWTConfig{
			Secret:     cfg.App.JWTSecret,
			ExpireTime: 24 * time.Hour,
		}),
		loggingMiddleware: middleware.NewLoggingMiddleware(kratosLogger),
		otelMiddleware:    middleware.NewOTelMiddleware(cfg.App.Name),
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, err
	}
	return app, nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	return host + "-" + uuid.NewString()[:8]
}

// initInfrastructure 初始化基础设施组件
func (app *Application) initInfrastructure() error {
	rc := app.config.Redis
	app.redisClient = redis.NewRedisClient(redis.Options{
		Addr:         rc.Addr,
		Password:     rc.Password,
		DB:           rc.DB,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
	})

	// Kafka 可选，未配置broker时不启用
	if app.config.Kafka.Enabled() {
		producer, err := kafka.InitProducer(app.config.Kafka.Brokers, app.originalLogger)
		if err != nil {
			return fmt.Errorf("failed to connect to Kafka: %w", err)
		}
		app.kafkaProducer = producer
	}

	if app.config.Telemetry.Enabled {
		if err := telemetry.InitGlobal(telemetry.FromAppConfig(app.config)); err != nil {
			return fmt.Errorf("failed to init telemetry: %w", err)
		}
	}
	return nil
}

// EnableHTTP 启用HTTP服务器并挂载公共中间件
func (app *Application) EnableHTTP() HTTPServer {
	httpServer := app.serverManager.EnableHTTP()

	httpServer.RegisterRoutes(func(engine *gin.Engine) {
		engine.Use(middleware.Recovery(app.originalLogger))
		engine.Use(middleware.RequestID())
		if app.config.Telemetry.Enabled {
			engine.Use(app.otelMiddleware.GinMiddlewares()...)
		}
		engine.Use(app.loggingMiddleware.GinLogging())
	})

	return httpServer
}

// EnableWebSocket 在HTTP服务器上挂载WebSocket处理器
func (app *Application) EnableWebSocket(path string, handler WebSocketHandler) WebSocketServer {
	ws := app.serverManager.EnableWebSocket()
	ws.RegisterHandler(path, handler)
	return ws
}

// RegisterHTTPRoutes 注册HTTP路由
func (app *Application) RegisterHTTPRoutes(registerFunc func(*gin.Engine)) {
	app.httpRouteRegister = registerFunc
}

// AddHook 注册业务生命周期钩子（优先级 100-199）
func (app *Application) AddHook(hook lifecycle.Hook) {
	app.lifecycle.AddHook(hook)
}

// OnDrain 注册网关排空回调
func (app *Application) OnDrain(fn func(context.Context) error) {
	app.serverManager.OnDrain(fn)
}

// GetRedisClient 获取Redis客户端
func (app *Application) GetRedisClient() *redis.RedisClient {
	return app.redisClient
}

// GetKafkaProducer 获取Kafka生产者，未启用时为nil
func (app *Application) GetKafkaProducer() *kafka.Producer {
	return app.kafkaProducer
}

// GetLogger 获取原有日志器
func (app *Application) GetLogger() logger.Logger {
	return app.originalLogger
}

// GetKratosLogger 获取Kratos日志器
func (app *Application) GetKratosLogger() kratoslog.Logger {
	return app.logger
}

// GetConfig 获取配置
func (app *Application) GetConfig() *config.Config {
	return app.config
}

// GetAuthMiddleware 获取认证中间件
func (app *Application) GetAuthMiddleware() *middleware.AuthMiddleware {
	return app.authMiddleware
}

// GetServerManager 获取服务器管理器
func (app *Application) GetServerManager() *ServerManager {
	return app.serverManager
}

// Run 运行应用程序，阻塞到停止完成
func (app *Application) Run() error {
	app.registerLifecycleHooks()

	if err := app.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle: %w", err)
	}

	app.lifecycle.Wait()
	return nil
}

// registerLifecycleHooks 注册生命周期钩子
func (app *Application) registerLifecycleHooks() {
	if app.httpRouteRegister != nil {
		_ = app.serverManager.RegisterHTTPRoutes(app.httpRouteRegister)
	}

	app.lifecycle.AddHook(lifecycle.Hook{
		Name:     "telemetry",
		Priority: 0,
		OnStop:   telemetry.ShutdownGlobal,
	})

	app.lifecycle.AddHook(lifecycle.Hook{
		Name:     "redis",
		Priority: 10,
		OnStart: func(ctx context.Context) error {
			// 存储暂不可达时照常启动，由就绪探针反映
			if err := app.redisClient.Ping(ctx); err != nil {
				app.logger.Log(kratoslog.LevelWarn, "msg", "Redis not reachable at startup", "error", err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return app.redisClient.Close()
		},
	})

	if app.kafkaProducer != nil {
		app.lifecycle.AddHook(lifecycle.Hook{
			Name:     "kafka-producer",
			Priority: 20,
			OnStop: func(ctx context.Context) error {
				return app.kafkaProducer.Close()
			},
		})
	}

	// 网关最后启动、最先停止
	app.lifecycle.AddHook(lifecycle.Hook{
		Name:     "servers",
		Priority: 200,
		OnStart: func(ctx context.Context) error {
			return app.serverManager.StartAll(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return app.serverManager.StopAll(ctx)
		},
	})
}
