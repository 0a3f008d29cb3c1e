// Package config loads the daemon's configuration: the registry DSN, the
// Worker's concurrency cap, the plan-provider and agent binaries, and
// optional cloud logging settings.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// DefaultConfigPath is used when RALPH_CONFIG_PATH is unset.
const DefaultConfigPath = "/etc/ralph/config.yaml"

const (
	defaultDSN            = "ralph.db"
	defaultConcurrency    = 20
	defaultTimeoutSeconds = 1800
)

// Config is the daemon's full configuration.
type Config struct {
	Registry     RegistryConfig     `mapstructure:"registry" json:"registry" yaml:"registry"`
	Worker       WorkerConfig       `mapstructure:"worker" json:"worker" yaml:"worker"`
	PlanProvider PlanProviderConfig `mapstructure:"plan_provider" json:"plan_provider" yaml:"plan_provider"`
	Agent        AgentConfig        `mapstructure:"agent" json:"agent" yaml:"agent"`
	Logging      LoggingConfig      `mapstructure:"logging" json:"logging" yaml:"logging"`
}

// RegistryConfig configures the Run Registry's sqlite backing store.
type RegistryConfig struct {
	DSN string `mapstructure:"dsn" json:"dsn" yaml:"dsn"`
}

// WorkerConfig bounds how many Engines the Worker runs at once.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency" json:"concurrency" yaml:"concurrency"`
}

// PlanProviderConfig names the external plan-provider CLI binary.
type PlanProviderConfig struct {
	Binary string `mapstructure:"binary" json:"binary" yaml:"binary"`
}

// AgentConfig names the agent binary the Agent Runner spawns, the
// validator binary the Quality Gate invokes, and a per-iteration timeout.
type AgentConfig struct {
	Binary          string `mapstructure:"binary" json:"binary" yaml:"binary"`
	ValidatorBinary string `mapstructure:"validator_binary" json:"validator_binary" yaml:"validator_binary"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds" json:"timeout_seconds" yaml:"timeout_seconds"`
}

// LoggingConfig selects the logging backend. A non-empty GCPProjectID
// makes rlog use the Cloud Logging client when the process runs on GCP;
// otherwise rlog writes structured JSON to stdout.
type LoggingConfig struct {
	GCPProjectID string `mapstructure:"gcp_project_id" json:"gcp_project_id" yaml:"gcp_project_id"`
	Verbose      bool   `mapstructure:"verbose" json:"verbose" yaml:"verbose"`
}

// LoadConfig loads configuration from the real environment and filesystem.
func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(os.Getenv, os.ReadFile)
}

// LoadConfigFromEnv loads configuration via injected getenv/readFile
// functions, so callers can unit test without touching the real
// environment. Decoding goes through a private viper instance so the
// mapstructure tags on Config (and its nested structs) are the single
// source of truth for both this path and ralphctl's own viper-backed
// flag/file binding in cli.initConfig. RALPH_CONFIG, when set, is parsed
// as an inline JSON document and takes precedence over any file.
// Otherwise the file named by RALPH_CONFIG_PATH (or DefaultConfigPath)
// is read and parsed as YAML; a missing file is not an error. Defaults
// cover only the registry DSN, worker concurrency and agent timeout; the
// plan-provider and agent binaries stay empty, which ValidateForDaemon
// rejects.
func LoadConfigFromEnv(getenv func(string) string, readFile func(string) ([]byte, error)) (Config, error) {
	var cfg Config
	applyDefaults(&cfg)

	if configJSON := getenv("RALPH_CONFIG"); configJSON != "" {
		v := viper.New()
		v.SetConfigType("json")
		if err := v.ReadConfig(strings.NewReader(configJSON)); err != nil {
			return cfg, fmt.Errorf("failed to parse RALPH_CONFIG: %w", err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return cfg, fmt.Errorf("failed to decode RALPH_CONFIG: %w", err)
		}
		return cfg, cfg.Validate()
	}

	configPath := getenv("RALPH_CONFIG_PATH")
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	data, err := readFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return cfg, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config file %s: %w", configPath, err)
	}
	return cfg, cfg.Validate()
}

func applyDefaults(cfg *Config) {
	if cfg.Registry.DSN == "" {
		cfg.Registry.DSN = defaultDSN
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = defaultConcurrency
	}
	if cfg.Agent.TimeoutSeconds <= 0 {
		cfg.Agent.TimeoutSeconds = defaultTimeoutSeconds
	}
}

// Validate checks structural validity of whatever fields are set,
// independent of whether the config is complete enough to run a daemon.
func (c Config) Validate() error {
	if c.Worker.Concurrency < 0 {
		return fmt.Errorf("worker concurrency must not be negative")
	}
	if c.Agent.TimeoutSeconds < 0 {
		return fmt.Errorf("agent timeout_seconds must not be negative")
	}
	return nil
}

// ValidateForDaemon additionally requires the fields ralphd needs before
// it can admit a single run: a registry DSN, a plan-provider binary, and
// an agent binary.
func (c Config) ValidateForDaemon() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Registry.DSN == "" {
		return fmt.Errorf("registry dsn is required")
	}
	if c.PlanProvider.Binary == "" {
		return fmt.Errorf("plan_provider binary is required")
	}
	if c.Agent.Binary == "" {
		return fmt.Errorf("agent binary is required")
	}
	return nil
}
