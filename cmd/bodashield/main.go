// Package main запускает HTTP-сервер сервиса бода-страхования.
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

	"github.com/bodashield/bodashield-system/internal/claims"
	"github.com/bodashield/bodashield-system/internal/config"
	"github.com/bodashield/bodashield-system/internal/gateway"
	"github.com/bodashield/bodashield-system/internal/handler"
	"github.com/bodashield/bodashield-system/internal/middleware"
	"github.com/bodashield/bodashield-system/internal/payment"
	"github.com/bodashield/bodashield-system/internal/policy"
	"github.com/bodashield/bodashield-system/internal/quote"
	"github.com/bodashield/bodashield-system/internal/repository"
	"github.com/bodashield/bodashield-system/internal/service"
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

	gatewayClient := gateway.NewClient(cfg.GatewayAddress)
	quotes := quote.NewCalculator(cfg.KshPerHbar)
	activator := policy.NewActivator(repo)

	engine := payment.NewEngine(payment.Config{
		Gateway:   gatewayClient,
		Ledger:    repo,
		Intents:   repo,
		Activator: activator,
		Quotes:    quotes,
		Logger:    logger,
	})

	adjudicator := claims.NewAdjudicator(repo)

	svc := service.NewService(repo, engine, adjudicator, quotes, cfg.KshPerHbar)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.OperatorToken, cfg.KshPerHbar)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Возобновление опроса подтверждений, прерванного перезапуском
	g.Go(func() error {
		if err := engine.ResumeAwaiting(ctx); err != nil {
			sugar.Errorw("resume confirmation polling", "error", err)
		}
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting bodashield server", "addr", cfg.RunAddress)
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

		engine.Shutdown()
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
