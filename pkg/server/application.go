package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"goim-friendgraph/pkg/config"
	"goim-friendgraph/pkg/database"
	"goim-friendgraph/pkg/kafka"
	"goim-friendgraph/pkg/lifecycle"
	"goim-friendgraph/pkg/logger"
	"goim-friendgraph/pkg/middleware"
	"goim-friendgraph/pkg/redis"
)

// Application 应用程序框架
type Application struct {
	serviceName   string
	config        *config.Config
	logger        kratoslog.Logger
	appLogger     logger.Logger
	serverManager *ServerManager
	lifecycle     *lifecycle.LifecycleManager

	// 基础设施组件
	postgreSQL    *database.PostgreSQL
	redisClient   *redis.RedisClient
	kafkaProducer *kafka.Producer

	// 中间件
	authMiddleware    *middleware.AuthMiddleware
	loggingMiddleware *middleware.LoggingMiddleware
	otelMiddleware    *middleware.OTelMiddleware
}

// NewApplication 创建应用程序并连接基础设施
func NewApplication(cfg *config.Config, appLogger logger.Logger) (*Application, error) {
	kratosLogger := logger.NewKratosLogger(appLogger)

	app := &Application{
		serviceName:       cfg.App.Name,
		config:            cfg,
		logger:            kratosLogger,
		appLogger:         appLogger,
		serverManager:     NewServerManager(cfg, kratosLogger),
		lifecycle:         lifecycle.NewLifecycleManager(kratosLogger),
		authMiddleware:    middleware.NewAuthMiddleware(kratosLogger, cfg.App.JWTSecret),
		loggingMiddleware: middleware.NewLoggingMiddleware(kratosLogger),
		otelMiddleware:    middleware.NewOTelMiddleware(cfg.App.Name),
	}

	if err := app.initInfrastructure(); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

// initInfrastructure 初始化基础设施组件
func (app *Application) initInfrastructure() error {
	postgreSQL, err := database.NewPostgreSQL(app.config.Database.PostgreSQL)
	if err != nil {
		return fmt.Errorf("connect PostgreSQL: %w", err)
	}
	app.postgreSQL = postgreSQL

	// Redis 不可用时仍然启动，写失败会进入死信队列
	app.redisClient = redis.NewRedisClient(app.config.Redis)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := app.redisClient.Ping(ctx); err != nil {
		app.logger.Log(kratoslog.LevelWarn, "msg", "Redis unavailable at startup", "addr", app.config.Redis.Addr, "error", err)
	}

	if app.config.Kafka.Enabled {
		producer, err := kafka.InitProducer(app.config.Kafka.Brokers, app.appLogger)
		if err != nil {
			return fmt.Errorf("connect Kafka: %w", err)
		}
		app.kafkaProducer = producer
	}
	return nil
}

// EnableHTTP 启用HTTP服务器并挂载公共中间件、/health、/metrics
func (app *Application) EnableHTTP() HTTPServer {
	httpServer := app.serverManager.EnableHTTP()

	httpServer.RegisterRoutes(func(engine *gin.Engine) {
		engine.Use(middleware.Recovery(app.appLogger))
		engine.Use(app.otelMiddleware.GinMiddleware()...)
		engine.Use(app.loggingMiddleware.GinLogging())

		engine.GET("/health", app.handleHealth)
		engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	})

	return httpServer
}

// EnableGRPC 启用gRPC服务器（仅健康检查）
func (app *Application) EnableGRPC() GRPCServer {
	return app.serverManager.EnableGRPC(
		app.loggingMiddleware.GRPCRecovery(),
		app.otelMiddleware.GRPCUnaryServerInterceptor(),
		app.loggingMiddleware.GRPCLogging(),
	)
}

// RegisterHTTPRoutes 注册HTTP路由
func (app *Application) RegisterHTTPRoutes(registerFunc func(*gin.Engine)) error {
	return app.serverManager.RegisterHTTPRoutes(registerFunc)
}

// AddHook 注册业务层生命周期钩子
func (app *Application) AddHook(hook lifecycle.Hook) {
	app.lifecycle.AddHook(hook)
}

// Ping 探测 PostgreSQL 与 Redis
func (app *Application) Ping(ctx context.Context) error {
	return errors.Join(app.postgreSQL.Health(ctx), app.redisClient.Ping(ctx))
}

func (app *Application) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	body := gin.H{"service": app.serviceName, "time": time.Now().Unix(), "postgresql": "ok", "redis": "ok"}
	status := http.StatusOK
	if err := app.postgreSQL.Health(ctx); err != nil {
		body["postgresql"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	// Redis 故障时服务降级而非不可用
	if err := app.redisClient.Ping(ctx); err != nil {
		body["redis"] = err.Error()
	}
	c.JSON(status, body)
}

// GetPostgreSQL 获取PostgreSQL连接
func (app *Application) GetPostgreSQL() *database.PostgreSQL {
	return app.postgreSQL
}

// GetRedisClient 获取Redis客户端
func (app *Application) GetRedisClient() *redis.RedisClient {
	return app.redisClient
}

// GetKafkaProducer 获取Kafka生产者，未启用时为nil
func (app *Application) GetKafkaProducer() *kafka.Producer {
	return app.kafkaProducer
}

// GetLogger 获取日志器
func (app *Application) GetLogger() logger.Logger {
	return app.appLogger
}

// GetKratosLogger 获取Kratos日志器
func (app *Application) GetKratosLogger() kratoslog.Logger {
	return app.logger
}

// GetAuthMiddleware 获取认证中间件
func (app *Application) GetAuthMiddleware() *middleware.AuthMiddleware {
	return app.authMiddleware
}

// GetConfig 获取配置
func (app *Application) GetConfig() *config.Config {
	return app.config
}

// Run 注册钩子、启动并阻塞到收到停止信号
func (app *Application) Run() error {
	app.registerLifecycleHooks()

	if err := app.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle: %w", err)
	}

	app.lifecycle.Wait()
	return nil
}

// Close 关闭基础设施连接，命令行一次性任务结束时调用
func (app *Application) Close() error {
	var errs []error
	if app.kafkaProducer != nil {
		errs = append(errs, app.kafkaProducer.Close())
	}
	if app.redisClient != nil {
		errs = append(errs, app.redisClient.Close())
	}
	if app.postgreSQL != nil {
		errs = append(errs, app.postgreSQL.Close())
	}
	return errors.Join(errs...)
}

// registerLifecycleHooks 注册生命周期钩子
func (app *Application) registerLifecycleHooks() {
	app.lifecycle.AddHook(lifecycle.Hook{
		Name:     "infrastructure",
		Priority: 0,
		OnStop: func(ctx context.Context) error {
			return app.Close()
		},
	})

	app.lifecycle.AddHook(lifecycle.Hook{
		Name:     "servers",
		Priority: 100,
		OnStart: func(ctx context.Context) error {
			return app.serverManager.StartAll(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return app.serverManager.StopAll(ctx)
		},
	})

	if grpcServer := app.serverManager.GetGRPCServer(); grpcServer != nil {
		app.lifecycle.AddHook(lifecycle.Hook{
			Name:     "grpc-health",
			Priority: 150,
			OnStart: func(ctx context.Context) error {
				go WatchHealth(ctx, grpcServer, 10*time.Second, app.Ping)
				return nil
			},
		})
	}
}
