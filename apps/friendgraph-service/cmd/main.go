package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"goim-friendgraph/apps/friendgraph-service/cache"
	"goim-friendgraph/apps/friendgraph-service/dao"
	"goim-friendgraph/apps/friendgraph-service/model"
	"goim-friendgraph/apps/friendgraph-service/service"
	"goim-friendgraph/pkg/config"
	"goim-friendgraph/pkg/logger"
	"goim-friendgraph/pkg/server"
	"goim-friendgraph/pkg/telemetry"
)

const serviceName = "friendgraph-service"

// components 组装好的各层实例
type components struct {
	cfg       *config.Config
	app       *server.Application
	logger    logger.Logger
	graph     *service.FriendGraphService
	recommend *service.RecommendService
	rebuild   *service.RebuildService
	scheduler *service.DLQScheduler
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Friend graph cache consistency and recommendation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newRebuildCommand(), newDLQCommand())
	return root
}

// bootstrap 加载配置、连接基础设施、迁移表并组装服务
func bootstrap() (*components, error) {
	cfg, err := config.LoadConfig(serviceName)
	if err != nil {
		return nil, err
	}

	appLogger, err := logger.NewLogger(cfg.Logger.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	tcfg := telemetry.DefaultConfig(cfg.App.Name)
	tcfg.ServiceVersion = cfg.App.Version
	if cfg.App.OTelDebug {
		tcfg.ExporterType = "stdout"
	}
	if err := telemetry.InitGlobal(tcfg); err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	app, err := server.NewApplication(cfg, appLogger)
	if err != nil {
		return nil, err
	}

	db := app.GetPostgreSQL()
	// 帖子、评论、点赞表由内容服务维护，这里只迁移自有表
	if err := db.AutoMigrate(&model.Friendship{}, &model.CacheMutationEvent{}, &model.RebuildCheckpoint{}); err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	graphCfg := cfg.FriendGraph
	store := cache.NewGraphCache(app.GetRedisClient(), cache.OptionsFromConfig(graphCfg.Cache))
	source := dao.NewGraphSourceDAO(db)
	dlq := dao.NewDLQDAO(db)

	var publisher service.EventPublisher
	if producer := app.GetKafkaProducer(); producer != nil {
		publisher = producer
	}
	notifier := service.NewFailureNotifier(publisher, cfg.Kafka.DLQFailedTopic, appLogger)

	return &components{
		cfg:       cfg,
		app:       app,
		logger:    appLogger,
		graph:     service.NewFriendGraphService(source, store, dlq, graphCfg.Cache.ScoreStep, appLogger),
		recommend: service.NewRecommendService(source, store, graphCfg.Recommend.DefaultPageSize, graphCfg.Recommend.MaxPageSize, appLogger),
		rebuild:   service.NewRebuildService(source, store, graphCfg.Rebuild.ChunkSize, graphCfg.Cache.ScoreStep, appLogger),
		scheduler: service.NewDLQScheduler(store, dlq, source, notifier, service.SchedulerOptionsFromConfig(graphCfg.DLQ), appLogger),
	}, nil
}

// close 一次性命令结束时释放连接
func (c *components) close() {
	if err := c.app.Close(); err != nil {
		c.logger.Warn(context.Background(), "Close infrastructure failed", logger.Err(err))
	}
	_ = telemetry.ShutdownGlobal(context.Background())
}
