// タスクAPIのエントリポイント。
// GraphQLでタスクを管理し、変更をWebSocketの購読者へ配信する。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nao1215/taskhub/internal/task"
	"github.com/nao1215/taskhub/pkg/logging"
	"github.com/nao1215/taskhub/pkg/metrics"
	"go.uber.org/zap"
)

func main() {
	// .envが無い環境では環境変数だけを使う
	_ = godotenv.Load()

	cfg := task.LoadConfig()
	logger, err := logging.New("task-api", cfg.Development)
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("タスクAPIが異常終了しました", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg task.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New("task-api")
	broker, err := task.NewBroker(ctx, cfg, logger.Named("eventbus"), m)
	if err != nil {
		return err
	}
	defer func() { _ = broker.Close() }()

	store := task.NewMemoryStore(task.SeedTasks(time.Now().UTC())...)
	server, err := task.NewServer(cfg, store, broker, logger, task.WithMetrics(m))
	if err != nil {
		return err
	}
	return server.Run(ctx)
}
