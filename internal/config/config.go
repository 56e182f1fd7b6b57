package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	ServerAddr  string

	// GatewayOrigins restricts browser origins on /gateway; empty allows any.
	GatewayOrigins []string
	LogLevel    slog.Level

	// NodeID is this process's snowflake node ID (1-1023).
	NodeID int64

	// Realtime session synchronizer.
	SyncWorkers     int
	SyncQueueSize   int
	SyncMaxAttempts int
	SyncBatchSize   int

	PermissionCacheTTL time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory, if present, is loaded first; real environment variables win.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           envOrDefault("REDIS_URL", "redis://localhost:6379"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		ServerAddr:         envOrDefault("SERVER_ADDR", ":8080"),
		GatewayOrigins:     envList("GATEWAY_ORIGINS"),
		LogLevel:           parseLogLevel(os.Getenv("LOG_LEVEL")),
		NodeID:             int64(envInt("NODE_ID", 1)),
		SyncWorkers:        envInt("SYNC_WORKERS", 4),
		SyncQueueSize:      envInt("SYNC_QUEUE_SIZE", 1024),
		SyncMaxAttempts:    envInt("SYNC_MAX_ATTEMPTS", 3),
		SyncBatchSize:      envInt("SYNC_BATCH_SIZE", 200),
		PermissionCacheTTL: envDuration("PERMISSION_CACHE_TTL", 5*time.Minute),
	}

	var missing []string
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		panic(fmt.Sprintf("required environment variables not set: %s", strings.Join(missing, ", ")))
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt parses a positive integer, falling back on absence or garbage.
func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
