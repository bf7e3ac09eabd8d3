// リソースAPIのエントリポイント。
// ユーザー管理とログインを担当し、アクセストークンを発行する唯一のサービス。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/nao1215/taskhub/internal/resource"
	"github.com/nao1215/taskhub/pkg/logging"
	"github.com/nao1215/taskhub/pkg/token"
	"go.uber.org/zap"
)

func main() {
	// .envが無い環境では環境変数だけを使う
	_ = godotenv.Load()

	cfg := resource.LoadConfig()
	logger, err := logging.New("rest-api", cfg.Development)
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("リソースAPIが異常終了しました", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg resource.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	privateKey, err := token.LoadPrivateKey(cfg.PrivateKeyPath)
	if err != nil {
		return err
	}
	issuer, err := token.NewIssuer(privateKey)
	if err != nil {
		return err
	}

	store, err := resource.OpenSQLiteStore(ctx, cfg.DatabaseDSN, logger.Named("migration"))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := resource.Seed(ctx, store, cfg.BcryptCost); err != nil {
		return err
	}

	server, err := resource.NewServer(cfg, store, issuer, logger)
	if err != nil {
		return err
	}
	return server.Run(ctx)
}
