package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL     string
	DBMaxOpenConns  int
	DBMaxIdleConns  int
	ReadyTimeout    time.Duration
	TokenCleanupInt time.Duration

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	ProviderTimeout    time.Duration
	OAuthStateTTL      time.Duration

	// Login token
	LoginTokenMaxAge  int // 秒。プロバイダーが有効期間を返さない場合に使用する
	LoginRedirectURL  string
	DefaultRefererURL string
	TokenCacheTTL     time.Duration

	// Redis（任意。未設定時はインメモリ実装を使う）
	RedisURL string

	// Relay（proxyモード）
	PrefsServerURL   string
	RelayTimeout     time.Duration
	RelayReadRetries int
	LoginCookieName  string

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitSSO     int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load はserve/worker/migrateモード用にConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	if cfg.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}

	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	if cfg.GoogleClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}

	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	if cfg.GoogleRedirectURL == "" {
		missing = append(missing, "GOOGLE_REDIRECT_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	loadCommon(cfg, "8080")

	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.ReadyTimeout = getEnvDuration("READY_TIMEOUT", 2*time.Second)
	cfg.TokenCleanupInt = getEnvDuration("TOKEN_CLEANUP_INTERVAL", time.Hour)
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.OAuthStateTTL = getEnvDuration("OAUTH_STATE_TTL", 10*time.Minute)
	cfg.LoginTokenMaxAge = getEnvInt("LOGIN_TOKEN_MAX_AGE", 3600)
	cfg.LoginRedirectURL = getEnvString("LOGIN_REDIRECT_URL", "")
	cfg.DefaultRefererURL = getEnvString("DEFAULT_REFERER_URL", cfg.BaseURL)
	cfg.TokenCacheTTL = getEnvDuration("TOKEN_CACHE_TTL", time.Minute)
	cfg.RateLimitSSO = getEnvInt("RATE_LIMIT_SSO", 20)

	return cfg, nil
}

// LoadProxy はproxyモード用にConfigを読み込む。
// DBとOAuthの設定は不要で、リレー先のPREFS_SERVER_URLのみ必須とする。
func LoadProxy() (*Config, error) {
	cfg := &Config{}

	cfg.PrefsServerURL = strings.TrimRight(os.Getenv("PREFS_SERVER_URL"), "/")
	if cfg.PrefsServerURL == "" {
		return nil, fmt.Errorf("required environment variables are not set: %v", []string{"PREFS_SERVER_URL"})
	}

	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:8081")
	loadCommon(cfg, "8081")

	cfg.RelayTimeout = getEnvDuration("RELAY_TIMEOUT", 10*time.Second)
	cfg.RelayReadRetries = getEnvInt("RELAY_READ_RETRIES", 2)
	cfg.LoginCookieName = getEnvString("LOGIN_COOKIE_NAME", "PDS_loginToken")

	return cfg, nil
}

func loadCommon(cfg *Config, defaultPort string) {
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.ServerPort = getEnvString("SERVER_PORT", defaultPort)
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
