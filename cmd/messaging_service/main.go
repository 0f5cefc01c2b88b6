package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "campus_connect/docs" // 引入生成的 Swagger 文档
	"campus_connect/internal/messaging/app"
	"campus_connect/internal/messaging/repository"
	"campus_connect/internal/messaging/router"
	"campus_connect/pkg/config"
	"campus_connect/pkg/database"
	"campus_connect/pkg/logger"
	"campus_connect/pkg/middlewares"
	"campus_connect/pkg/test_tool"
	"campus_connect/pkg/token"

	"github.com/coder/quartz"
	"github.com/gofiber/fiber/v2"
	fiber_log "github.com/gofiber/fiber/v2/middleware/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger.Log = logger.Initialize(config.EnvConfig.MessagingService, config.EnvConfig.MessagingServiceLogPath)
	defer logger.Log.Sync()

	cfg, err := config.LoadConfig[config.Messaging](config.EnvConfig.MessagingService, config.EnvConfig.MessagingServiceYAMLPath)
	if err != nil {
		logger.Log.Fatal("load config failed", zap.Error(err))
	}
	test_tool.StartPprof()
	token.Configure(cfg.Auth.JWTSecret, cfg.Auth.SessionTTL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := quartz.NewReal()
	res := &resources{}
	defer res.close()

	// 1. 建立 store / feed
	store, err := res.newStore(ctx, cfg, clock)
	if err != nil {
		logger.Log.Fatal("create store failed", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	feed, err := res.newFeed(ctx, cfg)
	if err != nil {
		logger.Log.Fatal("create feed failed", zap.String("driver", cfg.Feed.Driver), zap.Error(err))
	}
	backend := repository.NewRealtimeBackend(store, feed, clock, cfg.Backend.Timeout)
	res.add(func() {
		if err := backend.Close(); err != nil {
			logger.Log.Warn("close feed failed", zap.Error(err))
		}
	})

	// 2. auth / 檔案
	sessions, err := res.newSessionCache(ctx, cfg, clock)
	if err != nil {
		logger.Log.Fatal("create session cache failed", zap.Error(err))
	}
	auth := repository.NewAuthRepository(backend, sessions, clock)
	files, err := newFileStorage(ctx, cfg)
	if err != nil {
		logger.Log.Fatal("create file storage failed", zap.Error(err))
	}

	// 3. 啟動 Fiber
	r := fiber.New(fiber.Config{DisableStartupMessage: true})
	file, err := os.OpenFile(fmt.Sprintf("%s/access.log", config.EnvConfig.MessagingServiceLogPath), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer file.Close()
	r.Use(fiber_log.New(fiber_log.Config{
		Output: file,
	}))

	sessionCfg := app.SessionConfig{
		Debounce:   cfg.Presence.Debounce,
		Heartbeat:  cfg.Presence.Heartbeat,
		TypingIdle: cfg.Typing.Idle,
	}
	var check middlewares.SessionCheck = func(ctx context.Context, tokenStr string) error {
		_, err := auth.GetSession(ctx, tokenStr)
		return err
	}
	router.RegisterRoutes(r,
		app.NewMessagingHTTPHandler(backend, auth, files),
		app.NewMessagingWebsocketHandler(backend, clock, sessionCfg),
		check,
	)

	grpcSrv, err := database.NewGRPCServer(":" + cfg.GRPCPort)
	if err != nil {
		logger.Log.Fatal("create grpc server failed", zap.Error(err))
	}
	reaper := app.NewPresenceReaper(backend, clock, cfg.Presence.ReapInterval, cfg.Presence.TTL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Log.Info("messaging service listening", zap.String("port", cfg.Port))
		return r.Listen(":" + cfg.Port)
	})
	g.Go(func() error {
		grpcSrv.SetServing("", true)
		return grpcSrv.Serve()
	})
	g.Go(func() error {
		return reaper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Log.Info("shutting down")
		grpcSrv.SetServing("", false)
		if err := r.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Log.Warn("fiber shutdown failed", zap.Error(err))
		}
		grpcSrv.Stop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Log.Error("messaging service stopped", zap.Error(err))
	}
}
