package task

import (
	"os"
	"strings"
	"time"
)

// イベントバスの種類。
const (
	EventBusMemory = "memory"
	EventBusRedis  = "redis"
)

// Config はタスクAPIの設定。
type Config struct {
	// Port はリッスンポート。
	Port string
	// EventBus は使用するイベントバス（memory / redis）。
	EventBus string
	// RedisAddr はEventBusがredisの場合の接続先。
	RedisAddr string
	// ForwardSecret はgatewayと共有するシークレット。設定した場合は署名付きのユーザー情報だけを信頼する。
	ForwardSecret []byte
	// AllowedOrigins はWebSocket接続を許可するオリジン。"*" ですべて許可する。
	AllowedOrigins []string
	// Development は開発モードかどうか。
	Development bool
	// InitTimeout はWebSocket接続後に connection_init を待つ時間。
	InitTimeout time.Duration
	// WriteTimeout はWebSocketへの1回の書き込みの制限時間。
	WriteTimeout time.Duration
	// ShutdownTimeout はグレースフルシャットダウンの待ち時間。
	ShutdownTimeout time.Duration
}

// LoadConfig は環境変数から設定を読み込む。
func LoadConfig() Config {
	return Config{
		Port:            getEnvOr("PORT", "4000"),
		EventBus:        getEnvOr("EVENT_BUS", EventBusMemory),
		RedisAddr:       getEnvOr("REDIS_ADDR", "localhost:6379"),
		ForwardSecret:   []byte(os.Getenv("FORWARD_SECRET")),
		AllowedOrigins:  splitList(getEnvOr("ALLOWED_ORIGINS", "*")),
		Development:     os.Getenv("APP_ENV") == "development",
		InitTimeout:     10 * time.Second,
		WriteTimeout:    5 * time.Second,
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
