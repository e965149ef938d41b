package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flumauricio/goliasbot-sub000/internal/analytics"
	"github.com/flumauricio/goliasbot-sub000/internal/bot"
	"github.com/flumauricio/goliasbot-sub000/internal/config"
	"github.com/flumauricio/goliasbot-sub000/internal/hierarchy"
	"github.com/flumauricio/goliasbot-sub000/internal/modules/audit"
	"github.com/flumauricio/goliasbot-sub000/internal/storage"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := config.BuildLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	auditLogger := audit.NewLogger(store, logger)
	metricsSvc := analytics.New(store, time.Duration(cfg.Cache.StatusTTLMinutes)*time.Minute)
	cache := hierarchy.NewCache(
		time.Duration(cfg.Cache.ConfigTTLMinutes)*time.Minute,
		time.Duration(cfg.Cache.StatusTTLMinutes)*time.Minute,
	)
	repo := hierarchy.NewRepository(store, cache)
	limiter := hierarchy.NewRateLimiter(store, cfg.RateLimit.MaxActions, time.Duration(cfg.RateLimit.WindowHours)*time.Hour)

	botSvc, err := bot.New(cfg, logger, store, repo, cache, limiter, metricsSvc, auditLogger)
	if err != nil {
		logger.Fatal("bot init failed", zap.Error(err))
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	if err := botSvc.Start(runCtx); err != nil {
		logger.Fatal("bot start failed", zap.Error(err))
	}
	botSvc.Engine().Start(runCtx)
	logger.Info("bot started")

	var server *http.Server
	if cfg.Health.Enabled {
		server = &http.Server{Addr: cfg.Health.Addr}
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		go func() {
			logger.Info("health endpoint enabled", zap.String("addr", cfg.Health.Addr))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("health server error", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown requested")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cancelRun()
	botSvc.Engine().Stop()
	if server != nil {
		_ = server.Shutdown(ctx)
	}
	botSvc.Close(ctx)
}
