package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// CasdoorConfig holds the identity provider connection settings.
type CasdoorConfig struct {
	Endpoint     string
	ClientID     string
	ClientSecret string
	Cert         string
	Organization string
	Application  string
}

// EngineConfig holds the attempt engine timing and rate limit knobs.
type EngineConfig struct {
	// Grace window added after the nominal duration before an attempt is
	// treated as expired
	GraceWindow time.Duration

	// Expected heartbeat cadence from clients; informational, returned in
	// attempt status payloads
	HeartbeatInterval time.Duration

	// Sliding window rate limit for heartbeats per (student, test) pair
	HeartbeatLimit  int
	HeartbeatWindow time.Duration

	// Deadline extension policy: a heartbeat extends the deadline once,
	// only when less than ExtensionThreshold remains, by ExtensionIncrement
	ExtensionThreshold time.Duration
	ExtensionIncrement time.Duration

	// Open text grading: minimum similarity for the fuzzy tier and how
	// many significant terms must overlap for the keyword tier
	SimilarityThreshold float64
	KeywordMinOverlap   int
}

type Config struct {
	Port        string
	Environment string
	LogLevel    slog.Level

	DatabaseURL string
	RedisURL    string

	KafkaBrokers string
	KafkaTopic   string

	Casdoor CasdoorConfig
	Engine  EngineConfig
}

// LoadConfig reads configuration from the environment, with .env as an
// optional local override.
func LoadConfig() (*Config, error) {
	// .env is optional; real deployments inject environment directly
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		Environment:  getEnv("ENVIRONMENT", "development"),
		LogLevel:     parseLogLevel(getEnv("LOG_LEVEL", "info")),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		KafkaBrokers: os.Getenv("KAFKA_BROKERS"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "attempt-events"),
		Casdoor: CasdoorConfig{
			Endpoint:     os.Getenv("CASDOOR_ENDPOINT"),
			ClientID:     os.Getenv("CASDOOR_CLIENT_ID"),
			ClientSecret: os.Getenv("CASDOOR_CLIENT_SECRET"),
			Cert:         os.Getenv("CASDOOR_CERT"),
			Organization: os.Getenv("CASDOOR_ORGANIZATION"),
			Application:  os.Getenv("CASDOOR_APPLICATION"),
		},
		Engine: EngineConfig{
			GraceWindow:        getDurationEnv("ATTEMPT_GRACE_WINDOW", 30*time.Second),
			HeartbeatInterval:  getDurationEnv("HEARTBEAT_INTERVAL", 30*time.Second),
			HeartbeatLimit:     getIntEnv("HEARTBEAT_LIMIT", 10),
			HeartbeatWindow:    getDurationEnv("HEARTBEAT_WINDOW", time.Minute),
			ExtensionThreshold: getDurationEnv("EXTENSION_THRESHOLD", 2*time.Minute),
			ExtensionIncrement: getDurationEnv("EXTENSION_INCREMENT", 5*time.Minute),

			SimilarityThreshold: getFloatEnv("OPEN_TEXT_SIMILARITY_THRESHOLD", 0.8),
			KeywordMinOverlap:   getIntEnv("OPEN_TEXT_KEYWORD_MIN_OVERLAP", 2),
		},
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloatEnv(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
