// Package config loads the YAML configuration shared by the coordinator
// binaries.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sigedem/txcoord/pkg/logger"
	"github.com/sigedem/txcoord/pkg/telemetry"
)

// Coordinator holds the tunables of the transaction coordinator.
type Coordinator struct {
	// DefaultTimeout bounds how long a transaction's advisory mirror entry
	// lives; each transaction may override it.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// LockTimeout bounds how long a single lock acquisition may block.
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// LockTTL is the lifetime of a granted lock before it is treated as stale.
	LockTTL time.Duration `yaml:"lock_ttl"`
	// DeadlockInterval is the period of the background deadlock sweep.
	DeadlockInterval time.Duration `yaml:"deadlock_interval"`
	// MaxRetries is the default number of extra attempts Execute makes for
	// retryable failures.
	MaxRetries int `yaml:"max_retries"`
	// EnableTwoPhase turns on the two-phase commit path for transactions
	// with more than one participant.
	EnableTwoPhase bool `yaml:"enable_two_phase"`
}

// Transport configures the participant messaging channel.
type Transport struct {
	// Mode selects the implementation: "loopback", "tcp" or "http3".
	Mode string `yaml:"mode"`
	// Participants maps participant ids to their network addresses.
	Participants map[string]string `yaml:"participants"`
	// mTLS material for the http3 mode.
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// Config is the root configuration document.
type Config struct {
	Logger      logger.Config    `yaml:"logger"`
	Telemetry   telemetry.Config `yaml:"telemetry"`
	Coordinator Coordinator      `yaml:"coordinator"`
	Transport   Transport        `yaml:"transport"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logger: logger.Config{Level: "info", Format: "console", OutputFile: "stdout"},
		Telemetry: telemetry.Config{
			Enabled:        false,
			ServiceName:    "sigedem-tx",
			PrometheusPort: 9464,
		},
		Coordinator: Coordinator{
			DefaultTimeout:   5 * time.Minute,
			LockTimeout:      10 * time.Second,
			LockTTL:          time.Minute,
			DeadlockInterval: 5 * time.Second,
			MaxRetries:       3,
		},
		Transport: Transport{Mode: "loopback"},
	}
}

// Load reads and parses the YAML file at path, applying defaults for any
// omitted section.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}
