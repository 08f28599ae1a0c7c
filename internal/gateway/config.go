package gateway

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config はゲートウェイサービスの設定。環境変数から読み込む。
type Config struct {
	// Port はサーバーのリッスンポート。
	Port string `env:"PORT" envDefault:"8080"`
	// PresenceBaseURL はpresenceサービスのベースURL。
	PresenceBaseURL string `env:"PRESENCE_BASE_URL" envDefault:"http://localhost:4000"`
	// JWTSecret は認証セッショントークンの署名用秘密鍵。
	JWTSecret string `env:"JWT_SECRET" envDefault:"dev-secret-key"`
	// FrontendURL はCORSで許可するフロントエンドのオリジン。
	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`
	// SessionIdleTTL はアイドルセッションを失効させるまでの時間。
	SessionIdleTTL time.Duration `env:"SESSION_IDLE_TTL" envDefault:"30m"`
	// PresenceLookupTimeout はpresenceルックアップの応答上限。
	PresenceLookupTimeout time.Duration `env:"PRESENCE_LOOKUP_TIMEOUT" envDefault:"3s"`
	// PhoneAuthTTL は電話番号認証セッションの有効期間。
	PhoneAuthTTL time.Duration `env:"PHONE_AUTH_TTL" envDefault:"5m"`
}

// LoadConfig は環境変数から設定を読み込む。
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("環境変数の読み込みに失敗: %w", err)
	}
	return cfg, nil
}
