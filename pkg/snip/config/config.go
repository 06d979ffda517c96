package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the runtime configuration for the snip server
type Config struct {
	Port     string
	BaseURL  string
	LogLevel slog.Level

	DBDriver string
	DBDSN    string

	JWTSecret string

	// GeoIPDBPath points at a GeoLite2-City database. Empty disables geolocation.
	GeoIPDBPath string
	GeoTimeout  time.Duration

	// RedisAddr enables the distributed sweeper lock when set
	RedisAddr     string
	RedisPassword string

	StoreTimeout   time.Duration
	RedirectStatus int

	ClickQueueSize     int
	ClickWorkers       int
	ClickBatchSize     int
	ClickFlushInterval time.Duration

	SweepExpiredSchedule    string
	SweepClickLimitSchedule string
	SweepTimeout            time.Duration

	// RateLimitRPS bounds link creation and password attempts per client IP
	RateLimitRPS   int
	RateLimitBurst int
}

// Load reads configuration from the environment, loading a local .env file first if present.
func Load() *Config {
	_ = godotenv.Load() // missing .env is fine outside local dev

	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		BaseURL:  strings.TrimRight(getEnv("BASE_URL", "http://localhost:8080"), "/"),
		LogLevel: parseLevel(getEnv("LOG_LEVEL", "info")),

		DBDriver: strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBDSN:    getEnv("DB_DSN", "snip.db"),

		JWTSecret: getEnv("JWT_SECRET", "snip-dev-secret-change-in-production"),

		GeoIPDBPath: getEnv("GEOIP_DB_PATH", ""),
		GeoTimeout:  getEnvDuration("GEO_TIMEOUT", 2*time.Second),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		StoreTimeout:   getEnvDuration("STORE_TIMEOUT", 2*time.Second),
		RedirectStatus: getEnvInt("REDIRECT_STATUS", 302),

		ClickQueueSize:     getEnvInt("CLICK_QUEUE_SIZE", 1000),
		ClickWorkers:       getEnvInt("CLICK_WORKERS", 2),
		ClickBatchSize:     getEnvInt("CLICK_BATCH_SIZE", 100),
		ClickFlushInterval: getEnvDuration("CLICK_FLUSH_INTERVAL", 5*time.Second),

		SweepExpiredSchedule:    getEnv("SWEEP_EXPIRED_SCHEDULE", "0 3 * * *"),
		SweepClickLimitSchedule: getEnv("SWEEP_CLICK_LIMIT_SCHEDULE", "30 3 * * *"),
		SweepTimeout:            getEnvDuration("SWEEP_TIMEOUT", 5*time.Minute),

		RateLimitRPS:   getEnvInt("RATE_LIMIT_RPS", 5),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 10),
	}

	if cfg.RedirectStatus != 301 && cfg.RedirectStatus != 302 {
		cfg.RedirectStatus = 302
	}
	if cfg.ClickWorkers < 1 {
		cfg.ClickWorkers = 1
	}
	if cfg.ClickQueueSize < 1 {
		cfg.ClickQueueSize = 1000
	}
	if cfg.ClickBatchSize < 1 {
		cfg.ClickBatchSize = 100
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := getEnv(key, ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := getEnv(key, ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
