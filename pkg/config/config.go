// Package config provides kora-rent's layered configuration: built-in
// defaults, overridden by environment variables, overridden by an optional
// YAML file, overridden last by CLI flags — the same default/env/file/
// validate layering as the teacher's liteclient/config package.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is kora-rent's complete runtime configuration.
type Config struct {
	Network NetworkConfig `yaml:"network"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Policy  PolicyConfig  `yaml:"policy"`
}

// NetworkConfig describes which chain cluster to talk to.
type NetworkConfig struct {
	Name         string        `yaml:"name"` // "mainnet-beta", "devnet", "testnet"
	RPCURL       string        `yaml:"rpc_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// StorageConfig describes where the ledger file lives.
type StorageConfig struct {
	DBDir string `yaml:"db_dir"`
}

// LoggingConfig configures the ambient Logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// PolicyConfig configures the Policy Engine's thresholds.
type PolicyConfig struct {
	MinLamports   uint64 `yaml:"min_lamports"`
	MinAgeDays    int    `yaml:"min_age_days"`
	WhitelistPath string `yaml:"whitelist_path"`
}

// DefaultConfig returns kora-rent's built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			Name:         "mainnet-beta",
			RPCURL:       "https://api.mainnet-beta.solana.com",
			Timeout:      30 * time.Second,
			MaxRetries:   5,
			RetryBackoff: 250 * time.Millisecond,
		},
		Storage: StorageConfig{
			DBDir: ".",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Policy: PolicyConfig{
			MinLamports: 0,
			MinAgeDays:  30,
		},
	}
}

// Load builds a Config from defaults, then environment variables, then an
// optional YAML file (explicit path, or $KORA_RENT_CONFIG_FILE), then
// validates the result.
func Load(explicitFile string) (*Config, error) {
	cfg := DefaultConfig()

	loadFromEnv(cfg)

	file := explicitFile
	if file == "" {
		file = os.Getenv("KORA_RENT_CONFIG_FILE")
	}
	if file != "" {
		if err := loadFromFile(cfg, file); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", file, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv("KORA_RENT_NETWORK"); v != "" {
		cfg.Network.Name = v
	}
	if v := os.Getenv("KORA_RENT_RPC_URL"); v != "" {
		cfg.Network.RPCURL = v
	}
	if v := os.Getenv("KORA_RENT_DB_DIR"); v != "" {
		cfg.Storage.DBDir = v
	}
	if v := os.Getenv("KORA_RENT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("KORA_RENT_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("KORA_RENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Network.Timeout = d
		}
	}
	if v := os.Getenv("KORA_RENT_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Network.MaxRetries = n
		}
	}
	if v := os.Getenv("KORA_RENT_MIN_LAMPORTS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Policy.MinLamports = n
		}
	}
	if v := os.Getenv("KORA_RENT_MIN_AGE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Policy.MinAgeDays = n
		}
	}
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

// Validate checks the configuration for obviously broken values.
func (c *Config) Validate() error {
	if c.Network.RPCURL == "" {
		return fmt.Errorf("network.rpc_url must not be empty")
	}
	if c.Network.Timeout <= 0 {
		return fmt.Errorf("network.timeout must be positive")
	}
	if c.Storage.DBDir == "" {
		return fmt.Errorf("storage.db_dir must not be empty")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be \"json\" or \"text\", got %q", c.Logging.Format)
	}
	return nil
}

// DBPath returns the ledger file path for a given network, per the naming
// convention "kora-rent-<network>.db".
func (c *Config) DBPath() string {
	return fmt.Sprintf("%s/kora-rent-%s.db", c.Storage.DBDir, c.Network.Name)
}
