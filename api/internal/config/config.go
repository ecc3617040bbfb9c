// api/internal/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all dynamic configuration, ensuring no hardcoded values exist
// in the business logic.
type Config struct {
	Environment string
	Port        string
	DatabaseURL string // empty disables the Postgres-backed audit trail and tunables store

	JWTAdminSecret   string
	EncryptionKeyHex string // optional; when unset, env var values are not written to the audit trail at all

	UseWSProxy bool

	BatchDelay          time.Duration
	HeartbeatInterval   time.Duration
	RunnerStaleTimeout  time.Duration
	BrowserStaleTimeout time.Duration
	QueueMaxSize        int
	CommandTTL          time.Duration
	CommandMaxAttempts  int
	HTTPProxyTimeout    time.Duration
	HMRConnectTimeout   time.Duration
}

// Load reads a .env file if present, then parses the environment and
// applies sensible default fallbacks. In production it refuses to start
// with placeholder secrets.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment:         getEnv("BROKER_ENV", "development"),
		Port:                getEnv("PORT", "8080"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		JWTAdminSecret:      getEnv("JWT_ADMIN_SECRET", ""),
		EncryptionKeyHex:    getEnv("ENCRYPTION_KEY", ""),
		UseWSProxy:          getEnvBool("USE_WS_PROXY", false),
		BatchDelay:          getEnvDuration("BROKER_BATCH_DELAY_MS", 200*time.Millisecond),
		HeartbeatInterval:   getEnvDuration("BROKER_HEARTBEAT_INTERVAL_MS", 30*time.Second),
		RunnerStaleTimeout:  getEnvDuration("BROKER_RUNNER_STALE_MS", 90*time.Second),
		BrowserStaleTimeout: getEnvDuration("BROKER_BROWSER_STALE_MS", 60*time.Second),
		QueueMaxSize:        getEnvInt("BROKER_QUEUE_MAX_SIZE", 500),
		CommandTTL:          getEnvDuration("BROKER_COMMAND_TTL_MS", 5*time.Minute),
		CommandMaxAttempts:  getEnvInt("BROKER_COMMAND_MAX_ATTEMPTS", 5),
		HTTPProxyTimeout:    getEnvDuration("BROKER_HTTP_PROXY_TIMEOUT_MS", 30*time.Second),
		HMRConnectTimeout:   getEnvDuration("BROKER_HMR_CONNECT_TIMEOUT_MS", 30*time.Second),
	}

	if cfg.Environment == "production" {
		requireProductionSecrets(cfg)
	}

	return cfg
}

func requireProductionSecrets(cfg *Config) {
	if cfg.JWTAdminSecret == "" || len(cfg.JWTAdminSecret) < 32 {
		log.Fatal("config: JWT_ADMIN_SECRET must be set to at least 32 characters in production")
	}
	if RunnerSharedSecret() == "" {
		log.Fatal("config: RUNNER_SHARED_SECRET must be set in production")
	}
}

// RunnerSharedSecret is read fresh from the environment on every call
// rather than cached on Config, so it can be rotated by updating the
// process environment (e.g. via an orchestrator secret refresh) without a
// restart. The runner WebSocket handler calls this once per upgrade
// attempt.
func RunnerSharedSecret() string {
	return os.Getenv("RUNNER_SHARED_SECRET")
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	ms, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
