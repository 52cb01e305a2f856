// Package config loads the immutable, process-wide Config value. It is
// built once at startup from a YAML file plus environment-provided
// secrets; no component reads the environment directly after that.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RateLimitRule is one layer of the Policy Engine's rate-limit
// configuration. Tool == "" means "default rule for all tools"; AgentID
// == "" means "applies to every agent".
type RateLimitRule struct {
	Tool           string `yaml:"tool"`
	AgentID        string `yaml:"agent_id"`
	MaxCalls       int    `yaml:"max_calls"`
	WindowSeconds  int    `yaml:"window_seconds"`
}

// yamlConfig is the on-disk shape; durations and gated fields are
// converted into their runtime representation by Load.
type yamlConfig struct {
	RPCEndpoints []string `yaml:"rpc_endpoints"`
	ChainID      int64    `yaml:"chain_id"`

	SpendThresholdNative string `yaml:"spend_threshold_native"`

	PlaintextExportEnabled bool `yaml:"plaintext_export_enabled"`

	PersistenceDSN string `yaml:"persistence_dsn"`

	FaucetEndpoint string `yaml:"faucet_endpoint"`

	RateLimits []RateLimitRule `yaml:"rate_limits"`

	ChainCallTimeoutSeconds int `yaml:"chain_call_timeout_seconds"`
	ReceiptWaitTimeoutSeconds int `yaml:"receipt_wait_timeout_seconds"`

	FeePercentile    int `yaml:"fee_percentile"`
	FeeSampleBlocks  int `yaml:"fee_sample_blocks"`

	StrategyPollIntervalSeconds int `yaml:"strategy_poll_interval_seconds"`
}

// Config is the single immutable configuration value constructed at
// startup. Every field is resolved (durations parsed, secrets loaded)
// before any component constructor sees it.
type Config struct {
	RPCEndpoints []string
	ChainID      int64

	SpendThresholdNative string
	ConfirmationCode     string

	PlaintextExportEnabled        bool
	PlaintextExportConfirmationCode string

	EncryptionSecret []byte

	PersistenceDSN string
	FaucetEndpoint string

	RateLimits []RateLimitRule

	ChainCallTimeout   time.Duration
	ReceiptWaitTimeout time.Duration

	FeePercentile   int
	FeeSampleBlocks int

	StrategyPollInterval time.Duration
}

// Load reads configPath as YAML and merges in secrets from the process
// environment (optionally pre-loaded from an env file via envPath, which
// may be empty to skip that step). The returned Config is fully resolved
// and safe to share read-only across every component.
func Load(configPath, envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var y yamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	secret, err := loadEncryptionSecret()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCEndpoints:                     y.RPCEndpoints,
		ChainID:                          y.ChainID,
		SpendThresholdNative:             y.SpendThresholdNative,
		ConfirmationCode:                 os.Getenv("CORE_CONFIRMATION_CODE"),
		PlaintextExportEnabled:           y.PlaintextExportEnabled,
		PlaintextExportConfirmationCode: os.Getenv("CORE_PLAINTEXT_EXPORT_CODE"),
		EncryptionSecret:                 secret,
		PersistenceDSN:                   y.PersistenceDSN,
		FaucetEndpoint:                   y.FaucetEndpoint,
		RateLimits:                       y.RateLimits,
		ChainCallTimeout:                 durationOrDefault(y.ChainCallTimeoutSeconds, 10) * time.Second,
		ReceiptWaitTimeout:               durationOrDefault(y.ReceiptWaitTimeoutSeconds, 120) * time.Second,
		FeePercentile:                    intOrDefault(y.FeePercentile, 50),
		FeeSampleBlocks:                  intOrDefault(y.FeeSampleBlocks, 20),
		StrategyPollInterval:             durationOrDefault(y.StrategyPollIntervalSeconds, 30) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadEncryptionSecret reads the deployment secret used by the Key Store's
// at-rest cipher from the environment. An unset variable yields a nil
// secret rather than an error; there is no sidecar-file fallback, and
// keystore.NewStore rejects an empty secret.
func loadEncryptionSecret() ([]byte, error) {
	hexSecret := os.Getenv("CORE_ENCRYPTION_SECRET")
	if hexSecret == "" {
		return nil, nil
	}
	return []byte(hexSecret), nil
}

func (c *Config) validate() error {
	if len(c.RPCEndpoints) == 0 {
		return fmt.Errorf("config: at least one rpc endpoint is required")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("config: chain_id must be positive")
	}
	if c.FeePercentile < 0 || c.FeePercentile > 100 {
		return fmt.Errorf("config: fee_percentile must be within [0, 100]")
	}
	if c.FeeSampleBlocks <= 0 {
		return fmt.Errorf("config: fee_sample_blocks must be positive")
	}
	if c.PlaintextExportEnabled && c.PlaintextExportConfirmationCode == "" {
		return fmt.Errorf("config: plaintext export enabled but no confirmation code configured")
	}
	for _, r := range c.RateLimits {
		if r.MaxCalls <= 0 || r.WindowSeconds <= 0 {
			return fmt.Errorf("config: rate limit rule for tool %q must have positive max_calls and window_seconds", r.Tool)
		}
	}
	return nil
}

func durationOrDefault(seconds, fallback int) time.Duration {
	if seconds <= 0 {
		return time.Duration(fallback)
	}
	return time.Duration(seconds)
}

func intOrDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
