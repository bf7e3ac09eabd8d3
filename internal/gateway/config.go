package gateway

import (
	"os"
	"strings"
	"time"
)

// Config はgatewayサービスの設定。
type Config struct {
	// Port はリッスンポート。
	Port string
	// ResourceAPIURL はリソースAPI（ユーザー管理・ログイン）のベースURL。
	ResourceAPIURL string
	// TaskAPIURL はタスクAPI（GraphQL）のベースURL。
	TaskAPIURL string
	// PublicKeyPath はアクセストークン検証用の公開鍵（PEM）のパス。
	PublicKeyPath string
	// AllowedOrigins はCORSとWebSocketで許可するオリジン。"*" ですべて許可する。
	AllowedOrigins []string
	// ForwardSecret はバックエンドへ転送するユーザー情報に署名する共有シークレット。
	// 空の場合は署名しない。
	ForwardSecret []byte
	// Development は開発モードかどうか。エラーレスポンスに原因を含める。
	Development bool
	// HealthTimeout はバックエンドのヘルスチェックのタイムアウト。
	HealthTimeout time.Duration
	// ShutdownTimeout はグレースフルシャットダウンの待ち時間。
	ShutdownTimeout time.Duration
}

// LoadConfig は環境変数から設定を読み込む。
func LoadConfig() Config {
	return Config{
		Port:            getEnvOr("PORT", "3000"),
		ResourceAPIURL:  getEnvOr("RESOURCE_API_URL", "http://localhost:3001"),
		TaskAPIURL:      getEnvOr("TASK_API_URL", "http://localhost:4000"),
		PublicKeyPath:   getEnvOr("PUBLIC_KEY_PATH", "public.key"),
		AllowedOrigins:  splitList(getEnvOr("ALLOWED_ORIGINS", "*")),
		ForwardSecret:   []byte(os.Getenv("FORWARD_SECRET")),
		Development:     os.Getenv("APP_ENV") == "development",
		HealthTimeout:   2 * time.Second,
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

// splitList はカンマ区切りの文字列を分割する。空要素は除く。
func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
