// keygenはアクセストークンの署名に使うRSA鍵ペアを生成する。
// 秘密鍵はresourceサービス、公開鍵はgatewayサービスが読み込む。
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/nao1215/taskhub/pkg/logging"
	"github.com/nao1215/taskhub/pkg/token"
	"go.uber.org/zap"
)

func main() {
	out := flag.String("out", ".", "鍵ファイルの出力先ディレクトリ")
	bits := flag.Int("bits", token.DefaultKeyBits, "RSA鍵のビット長")
	force := flag.Bool("force", false, "既存の鍵ファイルを上書きする")
	flag.Parse()

	logger, err := logging.New("keygen", true)
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(*out, *bits, *force, logger); err != nil {
		logger.Error("鍵の生成に失敗しました", zap.Error(err))
		os.Exit(1)
	}
}

func run(dir string, bits int, force bool, logger *zap.Logger) error {
	privatePath := filepath.Join(dir, "private.key")
	publicPath := filepath.Join(dir, "public.key")
	if !force {
		for _, p := range []string{privatePath, publicPath} {
			if _, err := os.Stat(p); err == nil {
				return fmt.Errorf("%s は既に存在します（-force で上書き）", p)
			}
		}
	}

	key, err := token.GenerateKey(bits)
	if err != nil {
		return err
	}
	privatePEM, err := token.EncodePrivateKey(key)
	if err != nil {
		return err
	}
	publicPEM, err := token.EncodePublicKey(&key.PublicKey)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("出力先ディレクトリの作成に失敗: %w", err)
	}
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		return fmt.Errorf("秘密鍵の書き込みに失敗: %w", err)
	}
	if err := os.WriteFile(publicPath, publicPEM, 0o644); err != nil {
		return fmt.Errorf("公開鍵の書き込みに失敗: %w", err)
	}

	logger.Info("鍵ペアを生成しました",
		zap.String("private_key", privatePath),
		zap.String("public_key", publicPath),
		zap.Int("bits", bits))
	return nil
}
