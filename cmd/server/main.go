package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marketingpilot/autopilot/internal/api"
	"github.com/marketingpilot/autopilot/internal/audit"
	"github.com/marketingpilot/autopilot/internal/config"
	"github.com/marketingpilot/autopilot/internal/emergency"
	"github.com/marketingpilot/autopilot/internal/handlers"
	"github.com/marketingpilot/autopilot/internal/heartbeat"
	"github.com/marketingpilot/autopilot/internal/notify"
	"github.com/marketingpilot/autopilot/internal/store"
	"github.com/marketingpilot/autopilot/internal/task"
	"github.com/marketingpilot/autopilot/internal/worker"
)

func main() {
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	s, err := store.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer s.Close()
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

	auditWriter := audit.NewWriter(s.Client(), logger)
	notifier := notify.New(s.Client(), cfg.EventStream, logger)
	stopper := emergency.NewStopper(s, auditWriter, notifier, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := worker.NewPool(s, cfg.WorkerCount, cfg.ApprovalTTL, cfg.RetryDelay, logger)
	pool.RegisterDrafter(task.TypeBlogPost, handlers.DraftBlogPost)
	pool.RegisterDrafter(task.TypeSocialPost, handlers.DraftSocialPost)
	pool.RegisterDrafter(task.TypeEmailBlast, handlers.DraftEmailBlast)
	pool.RegisterDrafter(task.TypeAdCopy, handlers.DraftAdCopy)
	for _, tt := range []task.Type{task.TypeBlogPost, task.TypeSocialPost, task.TypeEmailBlast, task.TypeAdCopy} {
		pool.RegisterPublisher(tt, handlers.Publish)
	}
	pool.Start(ctx)

	sweeper := heartbeat.NewSweeper(s, notifier, cfg.HeartbeatInterval, logger)
	sweeper.Start(ctx)

	handler := api.NewHandler(s, stopper, auditWriter, notifier)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
	}

	sweeper.Stop()
	pool.Stop()
	logger.Info("server stopped")
}
