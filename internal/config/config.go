package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds all configuration for the router.
type Config struct {
	// HTTP server configuration
	HTTP HTTPConfig

	// Queue configuration (embedded, nats, or sqs)
	Queue QueueConfig

	// Mediator configuration
	Mediator MediatorConfig

	// Pools lists the statically-configured process pools. The TOML-backed
	// ConfigSource rereads them from its file on every fetch; cmd/router
	// seeds the static in-memory ConfigSource from this field otherwise.
	Pools []PoolConfig

	// Data directory for embedded services
	DataDir string

	// Development mode
	DevMode bool
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// QueueConfig holds queue configuration.
type QueueConfig struct {
	Type string // "embedded", "nats", "sqs"

	Subject string

	NATS NATSConfig
	SQS  SQSConfig
}

// NATSConfig holds NATS configuration.
type NATSConfig struct {
	URL     string
	DataDir string
}

// SQSConfig holds AWS SQS configuration.
type SQSConfig struct {
	QueueURL          string
	Region            string
	WaitTimeSeconds   int
	VisibilityTimeout int
}

// MediatorConfig holds HTTP mediator configuration.
type MediatorConfig struct {
	TimeoutSeconds        int
	MaxRetries            int
	CircuitBreakerEnabled bool
}

// PoolConfig describes one statically-configured process pool, as loaded
// from TOML or built up in code for the static in-memory config source.
type PoolConfig struct {
	Code               string `toml:"code"`
	Concurrency        int    `toml:"concurrency"`
	QueueCapacity      int    `toml:"queue_capacity"`
	RateLimitPerMinute *int   `toml:"rate_limit_per_minute"`
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 8080),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:4200"}),
		},

		Queue: QueueConfig{
			Type:    getEnv("QUEUE_TYPE", "embedded"),
			Subject: getEnv("QUEUE_SUBJECT", "router.dispatch"),
			NATS: NATSConfig{
				URL:     getEnv("NATS_URL", "nats://localhost:4222"),
				DataDir: getEnv("NATS_DATA_DIR", "./data/nats"),
			},
			SQS: SQSConfig{
				QueueURL:          getEnv("SQS_QUEUE_URL", ""),
				Region:            getEnv("AWS_REGION", "us-east-1"),
				WaitTimeSeconds:   getEnvInt("SQS_WAIT_TIME_SECONDS", 20),
				VisibilityTimeout: getEnvInt("SQS_VISIBILITY_TIMEOUT", 120),
			},
		},

		Mediator: MediatorConfig{
			TimeoutSeconds:        getEnvInt("MEDIATOR_TIMEOUT_SECONDS", 30),
			MaxRetries:            getEnvInt("MEDIATOR_MAX_RETRIES", 3),
			CircuitBreakerEnabled: getEnvBool("MEDIATOR_CIRCUIT_BREAKER_ENABLED", true),
		},

		DataDir: getEnv("DATA_DIR", "./data"),
		DevMode: getEnvBool("ROUTER_DEV", false),
	}

	return cfg, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}
