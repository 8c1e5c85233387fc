package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// Redis (遅延ジョブキュー・通知ストリーム)
	RedisURL           string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	NotificationStream string `env:"NOTIFICATION_STREAM" envDefault:"notifications"`

	// Token
	TokenSigningKey string        `env:"TOKEN_SIGNING_KEY,required,notEmpty"`
	TokenIssuer     string        `env:"TOKEN_ISSUER" envDefault:"storeauth"`
	TokenAudience   string        `env:"TOKEN_AUDIENCE" envDefault:"storeauth-clients"`
	TokenTTL        time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	// Identity provider
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`

	// Phone verification
	PhoneCodeTTL          time.Duration `env:"PHONE_CODE_TTL" envDefault:"2m"`
	SchedulerPollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" envDefault:"1s"`
	SchedulerBatchSize    int           `env:"SCHEDULER_BATCH_SIZE" envDefault:"100"`
	SweepInterval         time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	SweepGrace            time.Duration `env:"SWEEP_GRACE" envDefault:"10m"`

	// Billing (空の場合はローカルIDを採番する)
	StripeSecretKey string `env:"STRIPE_SECRET_KEY"`
	StripeAPIURL    string `env:"STRIPE_API_URL"`

	// Account
	PasswordMinLength int `env:"PASSWORD_MIN_LENGTH" envDefault:"8"`

	// Rate Limit
	RateLimitGeneral   int `env:"RATE_LIMIT_GENERAL" envDefault:"120"`
	RateLimitPhoneCode int `env:"RATE_LIMIT_PHONE_CODE" envDefault:"3"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定、または値が解釈できない場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.TokenSigningKey) < 32 {
		return fmt.Errorf("TOKEN_SIGNING_KEY must be at least 32 bytes")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive")
	}
	if c.PhoneCodeTTL <= 0 {
		return fmt.Errorf("PHONE_CODE_TTL must be positive")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.SchedulerPollInterval <= 0 {
		return fmt.Errorf("SCHEDULER_POLL_INTERVAL must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.SweepGrace < 0 {
		return fmt.Errorf("SWEEP_GRACE must not be negative")
	}
	if c.SchedulerBatchSize <= 0 {
		return fmt.Errorf("SCHEDULER_BATCH_SIZE must be positive")
	}
	if c.RateLimitGeneral <= 0 || c.RateLimitPhoneCode <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	return nil
}

// BillingEnabled はStripe連携が有効かどうかを返す。
func (c *Config) BillingEnabled() bool {
	return c.StripeSecretKey != ""
}
