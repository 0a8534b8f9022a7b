package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML and TOML files can use strings such
// as "15s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := string(text)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DatabaseConfig selects the ledger backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// ChainConfig points the operator at the verifier contract.
type ChainConfig struct {
	RPCEndpoint string `yaml:"rpc" toml:"rpc"`
	ChainID     uint64 `yaml:"chain_id" toml:"chain_id"`
	Contract    string `yaml:"contract" toml:"contract"`
	GasLimit    uint64 `yaml:"gas_limit" toml:"gas_limit"`
	// RateLimit caps RPC calls per second; RateBurst allows short bursts.
	RateLimit        float64 `yaml:"rate_limit" toml:"rate_limit"`
	RateBurst        int     `yaml:"rate_burst" toml:"rate_burst"`
	MaxBlockRange    uint64  `yaml:"max_block_range" toml:"max_block_range"`
	Confirmations    uint64  `yaml:"confirmations" toml:"confirmations"`
	RebroadcastAfter uint64  `yaml:"rebroadcast_after_blocks" toml:"rebroadcast_after_blocks"`
}

// OperatorConfig locates the operator signing key.
type OperatorConfig struct {
	Keystore      string `yaml:"keystore" toml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env"`
}

// Pair identifies a base/quote swap market.
type Pair struct {
	Base  string `yaml:"base" toml:"base"`
	Quote string `yaml:"quote" toml:"quote"`
}

// SchedulerConfig tunes the tick loop.
type SchedulerConfig struct {
	Interval     Duration `yaml:"interval" toml:"interval"`
	Timeout      Duration `yaml:"timeout" toml:"timeout"`
	RedisAddress string   `yaml:"redis" toml:"redis"`
	LeaseKey     string   `yaml:"lease_key" toml:"lease_key"`
	LeaseTTL     Duration `yaml:"lease_ttl" toml:"lease_ttl"`
	Parallelism  int      `yaml:"parallelism" toml:"parallelism"`
}

// MatchingConfig is the swap matching policy.
type MatchingConfig struct {
	Inverse        bool `yaml:"inverse" toml:"inverse"`
	Reverse        bool `yaml:"reverse" toml:"reverse"`
	AllowSelfMatch bool `yaml:"allow_self_match" toml:"allow_self_match"`
}

// LogConfig mirrors logging.Options.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}
