package core

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pairwire/pairwire-go/errs"
)

// Config holds the client configuration
type Config struct {
	// Relay connection settings
	Relay RelayConfig `yaml:"relay"`

	// Storage backend settings
	Storage StorageConfig `yaml:"storage"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging"`
}

// RelayConfig holds relay server settings
type RelayConfig struct {
	URL                string `yaml:"url"`
	ProjectID          string `yaml:"project_id"`
	Transport          string `yaml:"transport"` // "websocket" or "nats"
	NATSSubject        string `yaml:"nats_subject"`
	RequestTimeoutMS   int    `yaml:"request_timeout_ms"`
	HeartbeatMS        int    `yaml:"heartbeat_ms"`
	ReconnectAttempts  int    `yaml:"reconnect_attempts"`
	ReconnectInitialMS int    `yaml:"reconnect_initial_ms"`
	ReconnectMaxMS     int    `yaml:"reconnect_max_ms"`
}

// StorageConfig selects and tunes the persistence backend
type StorageConfig struct {
	Backend string   `yaml:"backend"` // "memory", "sqlite" or "s3"
	Path    string   `yaml:"path"`    // sqlite database file
	S3      S3Config `yaml:"s3"`
}

// S3Config holds S3 backend settings
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// LoadConfig loads configuration from a YAML file, falling back to
// defaults when the file does not exist.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "read config file", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "parse config file", err)
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			URL:                "wss://relay.walletconnect.com",
			Transport:          "websocket",
			RequestTimeoutMS:   15000,
			HeartbeatMS:        30000,
			ReconnectAttempts:  6,
			ReconnectInitialMS: 1000,
			ReconnectMaxMS:     30000,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "pairwire.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func (c RelayConfig) transportConfig() relayDurations {
	return relayDurations{
		request:          time.Duration(c.RequestTimeoutMS) * time.Millisecond,
		heartbeat:        time.Duration(c.HeartbeatMS) * time.Millisecond,
		reconnectInitial: time.Duration(c.ReconnectInitialMS) * time.Millisecond,
		reconnectMax:     time.Duration(c.ReconnectMaxMS) * time.Millisecond,
	}
}

type relayDurations struct {
	request          time.Duration
	heartbeat        time.Duration
	reconnectInitial time.Duration
	reconnectMax     time.Duration
}
