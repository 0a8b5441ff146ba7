package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	TCPPort     string
	HTTPPort    string
	MetricsPort string
	RedisAddr   string
	RedisDB     int

	// TrailHorizon bounds trail queries that give no explicit range.
	TrailHorizon time.Duration

	InterpolationActive      bool
	InterpolationThresholdMt float64

	VelocityLoggingActive bool
	VelocityThresholdKmh  int

	NumberOfRetries int
	RetriesInterval time.Duration
}

func Load() Config {
	// Local development convenience; missing .env is fine.
	_ = godotenv.Load()

	return Config{
		TCPPort:     getEnv("TCP_PORT", "8001"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsPort: getEnv("METRICS_PORT", "9000"),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:     getEnvInt("REDIS_DB", 0),

		TrailHorizon: time.Duration(getEnvInt("TRAIL_HORIZON_SEC", 3600)) * time.Second,

		InterpolationActive:      getEnvBool("INTERPOLATION_ACTIVE", false),
		InterpolationThresholdMt: getEnvFloat("INTERPOLATION_THRESHOLD_MT", 500),

		VelocityLoggingActive: getEnvBool("VELOCITY_LOGGING_ACTIVE", true),
		VelocityThresholdKmh:  getEnvInt("VELOCITY_THRESHOLD_KMH", 200),

		NumberOfRetries: getEnvInt("NUMBER_OF_RETRIES", 3),
		RetriesInterval: time.Duration(getEnvInt("RETRIES_INTERVAL_MSEC", 250)) * time.Millisecond,
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}
