package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"goim-friendgraph/apps/friendgraph-service/consumer"
	"goim-friendgraph/apps/friendgraph-service/handler"
	"goim-friendgraph/apps/friendgraph-service/service"
	"goim-friendgraph/pkg/lifecycle"
	"goim-friendgraph/pkg/logger"
	"goim-friendgraph/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP/gRPC servers, the dead letter scheduler and Kafka consumers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = telemetry.ShutdownGlobal(context.Background()) }()
			return serve(c)
		},
	}
}

func serve(c *components) error {
	app := c.app
	app.EnableHTTP()
	app.EnableGRPC()

	httpHandler := handler.NewHTTPHandler(c.graph, c.recommend, c.rebuild, c.scheduler, app.GetAuthMiddleware(), c.logger)
	if err := app.RegisterHTTPRoutes(func(engine *gin.Engine) {
		httpHandler.RegisterRoutes(engine)
	}); err != nil {
		return err
	}

	app.AddHook(lifecycle.Hook{
		Name:     "dlq-scheduler",
		Priority: 300,
		OnStart: func(ctx context.Context) error {
			c.scheduler.Start(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			c.scheduler.Stop()
			return nil
		},
	})

	if c.cfg.Kafka.Enabled {
		events := consumer.NewGraphEventConsumer(c.graph, consumer.Topics{
			Interaction: c.cfg.Kafka.InteractionTopic,
			Member:      c.cfg.Kafka.MemberTopic,
		}, c.logger)

		app.AddHook(lifecycle.Hook{
			Name:     "graph-event-consumer",
			Priority: 310,
			OnStart: func(ctx context.Context) error {
				go func() {
					err := events.Start(ctx, c.cfg.Kafka.Brokers, c.cfg.Kafka.GroupID)
					if err != nil && !errors.Is(err, context.Canceled) {
						c.logger.Error(ctx, "Graph event consumer stopped", logger.Err(err))
					}
				}()
				return nil
			},
			OnStop: func(context.Context) error {
				return events.Close()
			},
		})
	}

	return app.Run()
}

func newRebuildCommand() *cobra.Command {
	var opts service.RebuildOptions
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the friend graph cache from the relational store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := bootstrap()
			if err != nil {
				return err
			}
			defer c.close()

			report, err := c.rebuild.Rebuild(cmd.Context(), opts)
			if report != nil {
				_ = printJSON(cmd.OutOrStdout(), report)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&opts.Resume, "resume", false, "continue from the saved checkpoint")
	cmd.Flags().BoolVar(&opts.Flush, "flush", false, "delete all friend graph cache keys first")
	cmd.Flags().IntVar(&opts.ChunkSize, "chunk-size", 0, "rows per chunk (default from config)")
	return cmd
}

func newDLQCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay the cache mutation dead letter queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count events by status",
		RunE: withComponents(func(cmd *cobra.Command, c *components, _ []string) error {
			stats, err := c.scheduler.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Replay every pending event now",
		RunE: withComponents(func(cmd *cobra.Command, c *components, _ []string) error {
			report, err := c.scheduler.Drain(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		}),
	})

	var afterID int64
	var limit int
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List permanently failed events",
		RunE: withComponents(func(cmd *cobra.Command, c *components, _ []string) error {
			events, err := c.scheduler.ListFailed(cmd.Context(), afterID, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		}),
	}
	failed.Flags().Int64Var(&afterID, "after", 0, "list events with id greater than this")
	failed.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.AddCommand(failed)

	cmd.AddCommand(&cobra.Command{
		Use:   "requeue <id>...",
		Short: "Move failed events back to pending",
		Args:  cobra.MinimumNArgs(1),
		RunE: withComponents(func(cmd *cobra.Command, c *components, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid event id %q: %w", arg, err)
				}
				ids = append(ids, id)
			}
			n, err := c.scheduler.Requeue(cmd.Context(), ids)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d event(s)\n", n)
			return nil
		}),
	})

	return cmd
}

// withComponents 为一次性命令组装依赖并在结束时释放
func withComponents(run func(cmd *cobra.Command, c *components, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := bootstrap()
		if err != nil {
			return err
		}
		defer c.close()
		return run(cmd, c, args)
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
