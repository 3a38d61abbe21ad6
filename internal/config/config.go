// Package config loads runtime configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable shared by the client and the bridge daemon.
type Config struct {
	Environment string
	Port        string // strangerloopd listen port
	JWTSecret   string

	Redis         RedisConfig
	SignalChannel string // global signaling channel name
	QueuePrefix   string // queue store key prefix

	StunServers []string
	VideoFile   string // optional IVF file looped as the outbound video track

	SearchRetryDelay   time.Duration
	WaitTimeout        time.Duration
	NegotiationTimeout time.Duration
}

// RedisConfig is the Redis connection block.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Load reads the environment, falling back to development defaults.
func Load() *Config {
	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Port:        getEnv("PORT", "8080"),
		JWTSecret:   getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		SignalChannel:      getEnv("SIGNAL_CHANNEL", ""),
		QueuePrefix:        getEnv("QUEUE_PREFIX", ""),
		StunServers:        getEnvList("STUN_SERVERS"),
		VideoFile:          getEnv("VIDEO_FILE", ""),
		SearchRetryDelay:   getEnvDuration("SEARCH_RETRY_DELAY", 500*time.Millisecond),
		WaitTimeout:        getEnvDuration("WAIT_TIMEOUT", 30*time.Second),
		NegotiationTimeout: getEnvDuration("NEGOTIATION_TIMEOUT", 20*time.Second),
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
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

// getEnvList parses a comma-separated value, nil when unset.
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
