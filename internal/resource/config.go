package resource

import (
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Config はリソースAPIの設定。
type Config struct {
	// Port はリッスンポート。
	Port string
	// PrivateKeyPath はアクセストークン署名用の秘密鍵（PEM）のパス。
	PrivateKeyPath string
	// DatabaseDSN はSQLiteの接続文字列。
	DatabaseDSN string
	// Development は開発モードかどうか。
	Development bool
	// BcryptCost はパスワードハッシュのコスト。
	BcryptCost int
	// ShutdownTimeout はグレースフルシャットダウンの待ち時間。
	ShutdownTimeout time.Duration
}

// LoadConfig は環境変数から設定を読み込む。
func LoadConfig() Config {
	return Config{
		Port:            getEnvOr("PORT", "3001"),
		PrivateKeyPath:  getEnvOr("PRIVATE_KEY_PATH", "private.key"),
		DatabaseDSN:     getEnvOr("DATABASE_DSN", DefaultDSN),
		Development:     os.Getenv("APP_ENV") == "development",
		BcryptCost:      bcrypt.DefaultCost,
		ShutdownTimeout: 10 * time.Second,
	}
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
