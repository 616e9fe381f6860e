package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"vidqueue/api"
	"vidqueue/config"
	"vidqueue/events"
	"vidqueue/ffmpeg"
	"vidqueue/logging"
	"vidqueue/store"
	"vidqueue/task"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the task queue and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configFlag)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Persistence and event fan-out
	backend, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("closing state store", zap.Error(err))
		}
	}()

	broker := events.NewBroker(logger)
	defer broker.Close()
	sinks := events.Multi{broker}

	if cfg.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.NATSURL, "vidqueue")
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Drain()
		sinks = append(sinks, events.NewNATSSink(nc, cfg.NATSSubject, logger))
		logger.Info("publishing events to nats", zap.String("url", cfg.NATSURL), zap.String("subject", cfg.NATSSubject))
	}

	if cfg.MetricsEnable {
		shutdownMetrics, err := events.SetupMetrics(cfg.MetricsInterval)
		if err != nil {
			return fmt.Errorf("setup metrics: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdownMetrics(sctx); err != nil {
				logger.Warn("flushing metrics", zap.Error(err))
			}
		}()
		metricsSink, err := events.NewMetricsSink(nil, logger)
		if err != nil {
			return fmt.Errorf("create metrics sink: %w", err)
		}
		sinks = append(sinks, metricsSink)
	}

	// 2. Engine and task manager
	runner, err := ffmpeg.NewRunner(cfg, logger)
	if err != nil {
		return fmt.Errorf("init ffmpeg runner: %w", err)
	}
	taskManager, err := task.NewManager(cfg, runner, backend, sinks, logger)
	if err != nil {
		return fmt.Errorf("init task manager: %w", err)
	}
	if err := taskManager.LoadState(ctx); err != nil {
		return err
	}
	taskManager.Start(ctx)
	if cfg.AutoStart {
		taskManager.StartQueue()
	}

	// 3. HTTP server
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.SetupRouter(taskManager, broker, cfg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		stop()
		logger.Info("shutting down gracefully, press Ctrl+C again to force")

		// SSE clients only leave when the broker closes
		broker.Close()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})
	serveErr := g.Wait()

	// Execution contexts observe ctx and return; interrupted tasks are recovered on next start
	taskManager.Wait()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := taskManager.SaveState(sctx); err != nil {
		logger.Error("saving state on shutdown", zap.Error(err))
	}

	logger.Info("server exiting")
	return serveErr
}
