package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the TOML configuration file structure.
type TOMLConfig struct {
	HTTP     TOMLHTTPConfig     `toml:"http"`
	Queue    TOMLQueueConfig    `toml:"queue"`
	Mediator TOMLMediatorConfig `toml:"mediator"`
	Pools    []PoolConfig       `toml:"pools"`
	DataDir  string             `toml:"data_dir"`
	DevMode  bool               `toml:"dev_mode"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML.
type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// TOMLQueueConfig represents queue configuration in TOML.
type TOMLQueueConfig struct {
	Type    string         `toml:"type"`
	Subject string         `toml:"subject"`
	NATS    TOMLNATSConfig `toml:"nats"`
	SQS     TOMLSQSConfig  `toml:"sqs"`
}

// TOMLNATSConfig represents NATS configuration in TOML.
type TOMLNATSConfig struct {
	URL     string `toml:"url"`
	DataDir string `toml:"data_dir"`
}

// TOMLSQSConfig represents SQS configuration in TOML.
type TOMLSQSConfig struct {
	QueueURL          string `toml:"queue_url"`
	Region            string `toml:"region"`
	WaitTimeSeconds   int    `toml:"wait_time_seconds"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
}

// TOMLMediatorConfig represents mediator configuration in TOML.
type TOMLMediatorConfig struct {
	TimeoutSeconds        int  `toml:"timeout_seconds"`
	MaxRetries            int  `toml:"max_retries"`
	CircuitBreakerEnabled bool `toml:"circuit_breaker_enabled"`
}

// ConfigPaths lists the paths to search for config files.
var ConfigPaths = []string{
	"config.toml",
	"router.toml",
	"./config/config.toml",
	"/etc/router/config.toml",
}

// LoadFromFile loads configuration from a TOML file.
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg), nil
}

// LoadWithFile loads configuration from file first, then overrides with env vars.
func LoadWithFile() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	configPath := os.Getenv("ROUTER_CONFIG")
	if configPath == "" {
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	if configPath == "" {
		return cfg, nil
	}

	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	return mergeConfigs(fileCfg, cfg), nil
}

// tomlConfigToConfig converts TOML config to the internal Config struct.
func tomlConfigToConfig(tc *TOMLConfig) *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:        tc.HTTP.Port,
			CORSOrigins: tc.HTTP.CORSOrigins,
		},
		Queue: QueueConfig{
			Type:    tc.Queue.Type,
			Subject: tc.Queue.Subject,
			NATS: NATSConfig{
				URL:     tc.Queue.NATS.URL,
				DataDir: tc.Queue.NATS.DataDir,
			},
			SQS: SQSConfig{
				QueueURL:          tc.Queue.SQS.QueueURL,
				Region:            tc.Queue.SQS.Region,
				WaitTimeSeconds:   tc.Queue.SQS.WaitTimeSeconds,
				VisibilityTimeout: tc.Queue.SQS.VisibilityTimeout,
			},
		},
		Mediator: MediatorConfig{
			TimeoutSeconds:        tc.Mediator.TimeoutSeconds,
			MaxRetries:            tc.Mediator.MaxRetries,
			CircuitBreakerEnabled: tc.Mediator.CircuitBreakerEnabled,
		},
		Pools:   tc.Pools,
		DataDir: tc.DataDir,
		DevMode: tc.DevMode,
	}
}

// mergeConfigs merges two configs, with override taking precedence for
// non-default values.
func mergeConfigs(base, override *Config) *Config {
	result := *base

	if override.HTTP.Port != 0 && override.HTTP.Port != 8080 {
		result.HTTP.Port = override.HTTP.Port
	}
	if len(override.HTTP.CORSOrigins) > 0 &&
		!(len(override.HTTP.CORSOrigins) == 1 && override.HTTP.CORSOrigins[0] == "http://localhost:4200") {
		result.HTTP.CORSOrigins = override.HTTP.CORSOrigins
	}

	if override.Queue.Type != "" && override.Queue.Type != "embedded" {
		result.Queue.Type = override.Queue.Type
	}
	if override.Queue.Subject != "" && override.Queue.Subject != "router.dispatch" {
		result.Queue.Subject = override.Queue.Subject
	}
	if override.Queue.NATS.URL != "" && override.Queue.NATS.URL != "nats://localhost:4222" {
		result.Queue.NATS.URL = override.Queue.NATS.URL
	}
	if override.Queue.SQS.QueueURL != "" {
		result.Queue.SQS.QueueURL = override.Queue.SQS.QueueURL
	}

	if override.Mediator.TimeoutSeconds != 0 && override.Mediator.TimeoutSeconds != 30 {
		result.Mediator.TimeoutSeconds = override.Mediator.TimeoutSeconds
	}
	if override.Mediator.MaxRetries != 0 && override.Mediator.MaxRetries != 3 {
		result.Mediator.MaxRetries = override.Mediator.MaxRetries
	}

	if override.DataDir != "" && override.DataDir != "./data" {
		result.DataDir = override.DataDir
	}
	if override.DevMode {
		result.DevMode = true
	}

	return &result
}

// WriteExampleConfig writes an example configuration file to path.
func WriteExampleConfig(path string) error {
	example := `# Router configuration.
# Environment variables override these settings.

data_dir = "./data"
dev_mode = false

[http]
port = 8080
cors_origins = ["http://localhost:4200"]

[queue]
type = "embedded"  # embedded, nats, or sqs
subject = "router.dispatch"

[queue.nats]
url = "nats://localhost:4222"
data_dir = "./data/nats"

[queue.sqs]
queue_url = ""
region = "us-east-1"
wait_time_seconds = 20
visibility_timeout = 120

[mediator]
timeout_seconds = 30
max_retries = 3
circuit_breaker_enabled = true

[[pools]]
code = "default"
concurrency = 20
queue_capacity = 100
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
