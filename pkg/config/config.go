// Package config は環境変数と.envファイルからサービス設定を読み込む。
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Config は通知サービスの設定値。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// Env は実行環境（development, production）。
	Env string
	// DatabasePath はSQLiteデータベースファイルのパス。
	DatabasePath string
	// JWTSecret はスタッフ用JWTの署名鍵。
	JWTSecret string
	// RedisAddr はシグナル中継に使うRedisのアドレス。空の場合は中継を無効化する。
	RedisAddr string
	// RedisPassword はRedisのパスワード。
	RedisPassword string
	// AMQPURI は注文イベントを購読するAMQPブローカーのURI。空の場合は購読を無効化する。
	AMQPURI string
	// AMQPExchange は注文イベントが発行されるエクスチェンジ名。
	AMQPExchange string
	// AMQPQueue は通知サービスが使用するキュー名。
	AMQPQueue string
	// LogLevel はログレベル（debug, info, warn, error）。
	LogLevel string
	// LogFormat はログ形式（text, json）。
	LogFormat string
	// FrontendURL はCORSで許可するフロントエンドのオリジン。
	FrontendURL string
	// DefaultScope は注文イベントの通知先スコープ。
	DefaultScope string
	// HeartbeatInterval はWebSocket接続のping送信間隔。
	HeartbeatInterval time.Duration
}

// Load は.envファイル（存在する場合）と環境変数から設定を読み込む。
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Debug(".envファイルが見つからないため環境変数のみを使用します")
	}

	return Config{
		Port:              getEnvOr("PORT", "8086"),
		Env:               getEnvOr("APP_ENV", "development"),
		DatabasePath:      getEnvOr("DATABASE_PATH", "/data/notification.db"),
		JWTSecret:         getEnvOr("JWT_SECRET", "dev-secret-key"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		AMQPURI:           os.Getenv("AMQP_URI"),
		AMQPExchange:      getEnvOr("AMQP_EXCHANGE", "dealer.orders"),
		AMQPQueue:         getEnvOr("AMQP_QUEUE", "notification.order-events"),
		LogLevel:          getEnvOr("LOG_LEVEL", "info"),
		LogFormat:         getEnvOr("LOG_FORMAT", "text"),
		FrontendURL:       getEnvOr("FRONTEND_URL", "http://localhost:3000"),
		DefaultScope:      getEnvOr("DEFAULT_SCOPE", "staff"),
		HeartbeatInterval: getDurationOr("WS_HEARTBEAT_SECONDS", 30*time.Second),
	}
}

// IsDevelopment は開発環境で動作しているかを返す。
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// getEnvOr は環境変数の値を返す。未設定の場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// getDurationOr は秒数を表す環境変数をtime.Durationとして返す。
// 未設定または不正な値の場合はデフォルト値を返す。
func getDurationOr(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		log.Warnf("%sの値が不正なためデフォルト値を使用します: %q", key, v)
		return defaultValue
	}
	return time.Duration(sec) * time.Second
}
