// gatewayサービスのエントリポイント。
// アクセストークンの検証とリクエストのルーティングを担当する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/nao1215/taskhub/internal/gateway"
	"github.com/nao1215/taskhub/pkg/logging"
	"github.com/nao1215/taskhub/pkg/token"
	"go.uber.org/zap"
)

func main() {
	// .envが無い環境では環境変数だけを使う
	_ = godotenv.Load()

	cfg := gateway.LoadConfig()
	logger, err := logging.New("gateway", cfg.Development)
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("gatewayサービスが異常終了しました", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg gateway.Config, logger *zap.Logger) error {
	publicKey, err := token.LoadPublicKey(cfg.PublicKeyPath)
	if err != nil {
		return err
	}
	verifier, err := token.NewVerifier(publicKey)
	if err != nil {
		return err
	}

	server, err := gateway.NewServer(cfg, verifier, logger, gateway.WithTransport(gateway.NewTransport()))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Run(ctx)
}
