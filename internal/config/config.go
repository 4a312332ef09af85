// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// 認証情報ストアの種別
const (
	CredentialStoreFile     = "file"
	CredentialStoreDatabase = "database"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Upstream
	UpstreamBaseURL        string
	UpstreamTimeout        time.Duration
	UpstreamMaxConcurrent  int
	UpstreamRateLimit      float64 // req/sec。0以下は無制限
	UpstreamRateBurst      int
	UpstreamSSRFProtection bool

	// Credential
	AuthConfigPath       string
	RenewalLeadTime      time.Duration
	RenewalRetryInterval time.Duration
	RenewalTimeout       time.Duration
	CredentialStore      string
	CredentialFile       string
	DatabaseURL          string

	// Cache
	CacheTTL              time.Duration
	RefreshTimeout        time.Duration
	RefreshFailureBackoff time.Duration
	RefreshOnStart        bool

	// Server
	ServerPort        string
	CORSAllowedOrigin string
	APIRateLimit      float64 // クライアントIPごとのreq/min。0以下は無制限
	APIRateBurst      int

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値の組み合わせが不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.UpstreamBaseURL = strings.TrimRight(os.Getenv("UPSTREAM_BASE_URL"), "/")
	if cfg.UpstreamBaseURL == "" {
		missing = append(missing, "UPSTREAM_BASE_URL")
	}

	cfg.CredentialStore = strings.ToLower(getEnvString("CREDENTIAL_STORE", CredentialStoreFile))
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.CredentialStore == CredentialStoreDatabase && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if cfg.CredentialStore != CredentialStoreFile && cfg.CredentialStore != CredentialStoreDatabase {
		return nil, fmt.Errorf("unsupported CREDENTIAL_STORE: %q (allowed: %s, %s)",
			cfg.CredentialStore, CredentialStoreFile, CredentialStoreDatabase)
	}

	// Optional fields with defaults
	cfg.UpstreamTimeout = getEnvDuration("UPSTREAM_TIMEOUT", 10*time.Second)
	cfg.UpstreamMaxConcurrent = getEnvInt("UPSTREAM_MAX_CONCURRENT", 8)
	cfg.UpstreamRateLimit = getEnvFloat("UPSTREAM_RATE_LIMIT", 0)
	cfg.UpstreamRateBurst = getEnvInt("UPSTREAM_RATE_BURST", 10)
	cfg.UpstreamSSRFProtection = getEnvBool("UPSTREAM_SSRF_PROTECTION", false)
	cfg.AuthConfigPath = getEnvString("AUTH_CONFIG_PATH", "auth.json")
	cfg.RenewalLeadTime = getEnvDuration("RENEWAL_LEAD_TIME", 600*time.Second)
	cfg.RenewalRetryInterval = getEnvDuration("RENEWAL_RETRY_INTERVAL", 60*time.Second)
	cfg.RenewalTimeout = getEnvDuration("RENEWAL_TIMEOUT", 10*time.Second)
	cfg.CredentialFile = getEnvString("CREDENTIAL_FILE", ".token-cache.json")
	cfg.CacheTTL = getEnvDuration("CACHE_TTL", 30*time.Second)
	cfg.RefreshTimeout = getEnvDuration("REFRESH_TIMEOUT", 2*time.Minute)
	cfg.RefreshFailureBackoff = getEnvDuration("REFRESH_FAILURE_BACKOFF", 5*time.Second)
	cfg.RefreshOnStart = getEnvBool("REFRESH_ON_START", true)
	cfg.ServerPort = getEnvString("SERVER_PORT", "3001")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.APIRateLimit = getEnvFloat("API_RATE_LIMIT", 120)
	cfg.APIRateBurst = getEnvInt("API_RATE_BURST", 30)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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
