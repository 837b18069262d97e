package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds server configuration
type Config struct {
	// Server
	Host        string
	Port        int
	Environment string

	// Authentication
	JWTSecret string

	// Database (optional)
	DatabaseURL string

	// Redis (optional)
	RedisURL          string
	RedisChannelPrefix string

	// CORS
	CORSOrigins []string

	// Replication engine (spec.md §2.3)
	BacklogMillis          int64
	StreamLimit            int
	CompactIntervalHours   int
	CompactRetentionDays   int
	PruneIntervalDays      int
	PruneRetentionDays     int
	ProtocolVersion        int
}

// Load loads configuration from environment variables
func Load() *Config {
	env := getEnv("ENVIRONMENT", "development")
	jwtSecret := getEnv("JWT_SECRET", "")

	if jwtSecret == "" {
		if env == "production" {
			panic("JWT_SECRET environment variable is required in production")
		}
		jwtSecret = "development-secret-do-not-use-in-production"
	}

	if env == "production" && len(jwtSecret) < 32 {
		panic(fmt.Sprintf("JWT_SECRET must be at least 32 characters in production (got %d)", len(jwtSecret)))
	}

	return &Config{
		Host:               getEnv("HOST", "0.0.0.0"),
		Port:               getEnvInt("PORT", 8080),
		Environment:        env,
		JWTSecret:          jwtSecret,
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		RedisChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "replicate"),
		CORSOrigins:        []string{"*"}, // TODO: Parse from env

		BacklogMillis:        int64(getEnvInt("REPLICATE_BACKLOG_MS", 5*60*1000)),
		StreamLimit:          getEnvInt("REPLICATE_STREAM_LIMIT", 100),
		CompactIntervalHours: getEnvInt("REPLICATE_COMPACT_INTERVAL_HOURS", 24),
		CompactRetentionDays: getEnvInt("REPLICATE_COMPACT_RETENTION_DAYS", 90),
		PruneIntervalDays:    getEnvInt("REPLICATE_PRUNE_INTERVAL_DAYS", 7),
		PruneRetentionDays:   getEnvInt("REPLICATE_PRUNE_RETENTION_DAYS", 180),
		ProtocolVersion:      getEnvInt("REPLICATE_PROTOCOL_VERSION", 1),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
