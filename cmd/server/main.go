// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"qkd-key-manager/config"
	"qkd-key-manager/internal/handler"
	"qkd-key-manager/internal/infra"
	"qkd-key-manager/internal/repository"
	"qkd-key-manager/internal/usecase"
	"qkd-key-manager/migrations"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg)

	db, err := infra.NewDB(cfg)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}

	if cfg.AutoMigrate {
		svc := usecase.NewMigrationService(repository.NewMigrationRepository(db), db, migrations.FS)
		n, err := svc.ApplyMigrations(ctx)
		if err != nil {
			slog.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
		slog.Info("migrations applied", "count", n)
	}

	// 保存時の鍵ラップ（Cloud KMS またはローカルマスター鍵）
	wrapper, err := infra.NewKeyWrapper(ctx, cfg)
	if err != nil {
		slog.Error("failed to init key wrapper", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := wrapper.Close(); closeErr != nil {
			slog.Error("failed to close key wrapper", "error", closeErr)
		}
	}()

	metrics := infra.NewMetrics()

	// DI
	service := usecase.NewKeyService(
		repository.NewKeyRepository(db),
		repository.NewUsageLogRepository(db),
		wrapper,
		usecase.WithMetrics(metrics),
		usecase.WithDefaults(usecase.KeyDefaults{
			LengthBits:    cfg.DefaultKeyBits,
			MaxLengthBits: cfg.MaxKeyBits,
			Usage:         cfg.DefaultKeyUsage,
			ListLimit:     cfg.ListLimitDefault,
			MaxListLimit:  cfg.ListLimitMax,
		}),
	)

	router := handler.NewRouter(handler.RouterDeps{
		Keys:        handler.NewKeyHandler(service, cfg.DefaultKeyLifetime),
		Envelopes:   handler.NewEnvelopeHandler(service, cfg.EnvelopeAlgorithm, metrics),
		Metrics:     metrics.Handler(),
		RateLimited: metrics,
	}, cfg)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	if cfg.ExpirySweepCron != "" {
		sweeper, err := usecase.NewExpirySweeper(service, cfg.ExpirySweepCron)
		if err != nil {
			slog.Error("failed to init expiry sweeper", "error", err)
			os.Exit(1)
		}
		go sweeper.Run(runCtx)
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		stop()
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port, "database_driver", cfg.DatabaseDriver)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
