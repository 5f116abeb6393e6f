package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/hitoshi/jitauth/internal/auth"
	"github.com/hitoshi/jitauth/internal/model"
	"github.com/hitoshi/jitauth/internal/tracing"
)

// ストア種別。
const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"jitauth.db"`

	// Auth
	MaxTokenLength     int           `env:"AUTH_MAX_TOKEN_LENGTH" envDefault:"2048"`
	ExistingUserBudget time.Duration `env:"AUTH_EXISTING_USER_BUDGET" envDefault:"1s"`
	NewUserBudget      time.Duration `env:"AUTH_NEW_USER_BUDGET" envDefault:"2s"`

	// OIDC。クライアントIDを設定したIdPのみ受け付ける
	GoogleClientID    string        `env:"GOOGLE_CLIENT_ID"`
	AppleClientID     string        `env:"APPLE_CLIENT_ID"`
	MicrosoftClientID string        `env:"MICROSOFT_CLIENT_ID"`
	FacebookClientID  string        `env:"FACEBOOK_CLIENT_ID"`
	LineClientID      string        `env:"LINE_CLIENT_ID"`
	JWKSCacheTTL      time.Duration `env:"JWKS_CACHE_TTL" envDefault:"6h"`
	JWKSRefreshMin    time.Duration `env:"JWKS_REFRESH_INTERVAL" envDefault:"1m"`
	// 0sで猶予なし
	OIDCLeeway time.Duration `env:"OIDC_LEEWAY" envDefault:"30s"`

	// Tracing。エンドポイント未設定の場合は無効
	OTLPEndpoint      string  `env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"`
	TracingService    string  `env:"OTEL_SERVICE_NAME" envDefault:"jitauth"`
	TracingSampleRate float64 `env:"OTEL_TRACES_SAMPLE_RATIO" envDefault:"1"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Server
	ServerPort      string        `env:"SERVER_PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// CORS
	// カンマ区切りで複数指定できる
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	var missing []string
	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case StoreDriverSQLite:
		if cfg.SQLitePath == "" {
			missing = append(missing, "SQLITE_PATH")
		}
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER: %q (allowed: postgres, sqlite)", cfg.StoreDriver)
	}
	if len(cfg.ClientIDs()) == 0 {
		missing = append(missing, "GOOGLE_CLIENT_ID|APPLE_CLIENT_ID|MICROSOFT_CLIENT_ID|FACEBOOK_CLIENT_ID|LINE_CLIENT_ID")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if cfg.TracingSampleRate < 0 || cfg.TracingSampleRate > 1 {
		return nil, fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO must be between 0 and 1: %v", cfg.TracingSampleRate)
	}
	if cfg.MaxTokenLength <= 0 {
		return nil, fmt.Errorf("AUTH_MAX_TOKEN_LENGTH must be positive: %d", cfg.MaxTokenLength)
	}
	return cfg, nil
}

// ClientIDs は設定済みのIdPとクライアントIDの組を返す。
func (c *Config) ClientIDs() map[model.Provider]string {
	ids := map[model.Provider]string{}
	for p, id := range map[model.Provider]string{
		model.ProviderGoogle:    c.GoogleClientID,
		model.ProviderApple:     c.AppleClientID,
		model.ProviderMicrosoft: c.MicrosoftClientID,
		model.ProviderFacebook:  c.FacebookClientID,
		model.ProviderLine:      c.LineClientID,
	} {
		if strings.TrimSpace(id) != "" {
			ids[p] = id
		}
	}
	return ids
}

// AuthConfig は認証ユースケースの設定を返す。
func (c *Config) AuthConfig() auth.Config {
	return auth.Config{
		MaxTokenLength:     c.MaxTokenLength,
		ExistingUserBudget: c.ExistingUserBudget,
		NewUserBudget:      c.NewUserBudget,
	}
}

// Issuers は設定済みIdPの検証設定を返す。
func (c *Config) Issuers() []auth.IssuerConfig {
	var issuers []auth.IssuerConfig
	for _, p := range model.Providers() {
		id, ok := c.ClientIDs()[p]
		if !ok {
			continue
		}
		if ic, ok := auth.PresetIssuer(p, id); ok {
			issuers = append(issuers, ic)
		}
	}
	return issuers
}

// TracingOptions はトレース出力の設定を返す。
func (c *Config) TracingOptions() tracing.Options {
	return tracing.Options{
		Endpoint:    c.OTLPEndpoint,
		ServiceName: c.TracingService,
		SampleRatio: c.TracingSampleRate,
	}
}
