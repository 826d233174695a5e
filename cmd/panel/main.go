// Package main запускает HTTP-сервер и цикл сверки заказов SMM-панели.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/akhalidy/smmpanel-system/internal/config"
	"github.com/akhalidy/smmpanel-system/internal/handler"
	"github.com/akhalidy/smmpanel-system/internal/middleware"
	"github.com/akhalidy/smmpanel-system/internal/pricing"
	"github.com/akhalidy/smmpanel-system/internal/provider"
	"github.com/akhalidy/smmpanel-system/internal/repository"
	"github.com/akhalidy/smmpanel-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var prov service.Provider
	if cfg.ProviderAPIURL != "" {
		prov = provider.NewClient(cfg.ProviderAPIURL, cfg.ProviderAPIKey)
	} else {
		sugar.Warn("provider API is not configured, orders will be stored locally")
	}

	resolver := pricing.NewResolver(repo, repo, pricing.NewRuleCache(), sugar)

	svc := service.NewService(repo, prov, resolver, sugar,
		time.Duration(cfg.SyncInterval)*time.Second, cfg.SyncBatchSize)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AdminToken)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового цикла сверки заказов
	g.Go(func() error {
		svc.StartOrderSync(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting smmpanel server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
