package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// Config holds runtime configuration for the orchestrator.
type Config struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	DockerHost         string
	Workdir            string
	GitTimeout         time.Duration
	BuildTimeout       time.Duration
	ActionTimeout      time.Duration
	SyncInterval       time.Duration
	SyncMissThreshold  int
	ActionLeaseTTL     time.Duration
	WebhookSecret      string
	DefaultRegistry    string
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("AUTOPOD_ADDR", ":5000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://autopod:autopod@db:5432/autopod?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		DockerHost:         GetString("DOCKER_HOST", ""),
		Workdir:            GetString("AUTOPOD_WORKDIR", "/tmp/autopod"),
		GitTimeout:         time.Duration(GetInt("GIT_TIMEOUT_SECONDS", 60)) * time.Second,
		BuildTimeout:       time.Duration(GetInt("BUILD_TIMEOUT_SECONDS", 600)) * time.Second,
		ActionTimeout:      time.Duration(GetInt("ACTION_TIMEOUT_SECONDS", 30)) * time.Second,
		SyncInterval:       time.Duration(GetInt("SYNC_INTERVAL_SECONDS", 5)) * time.Second,
		SyncMissThreshold:  GetInt("SYNC_MISS_THRESHOLD", 3),
		ActionLeaseTTL:     time.Duration(GetInt("ACTION_LEASE_TTL_SECONDS", 60)) * time.Second,
		WebhookSecret:      GetString("GIT_WEBHOOK_SECRET", ""),
		DefaultRegistry:    GetString("DOCKER_REGISTRY", "docker.io"),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
