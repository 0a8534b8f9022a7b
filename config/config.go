package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"commitchain/crypto"
	"commitchain/storage"
)

// Config captures runtime configuration for operatord.
type Config struct {
	Environment   string          `yaml:"environment" toml:"environment"`
	ListenAddress string          `yaml:"listen" toml:"listen"`
	Database      DatabaseConfig  `yaml:"database" toml:"database"`
	Chain         ChainConfig     `yaml:"chain" toml:"chain"`
	Operator      OperatorConfig  `yaml:"operator" toml:"operator"`
	Tokens        []string        `yaml:"tokens" toml:"tokens"`
	Pairs         []Pair          `yaml:"pairs" toml:"pairs"`
	Scheduler     SchedulerConfig `yaml:"scheduler" toml:"scheduler"`
	Matching      MatchingConfig  `yaml:"matching" toml:"matching"`
	Log           LogConfig       `yaml:"log" toml:"log"`
	Telemetry     TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// Load reads configuration from path. Files ending in .toml are decoded as
// TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	if isTOML(path) {
		meta, err := toml.Decode(string(raw), &cfg)
		if err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("decode config: unknown key %s", undecoded[0].String())
		}
	} else {
		dec := yaml.NewDecoder(strings.NewReader(string(raw)))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "dev"
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = storage.DriverSQLite
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == storage.DriverSQLite {
		cfg.Database.DSN = "file:/var/data/operator.sqlite?_pragma=foreign_keys(1)"
	}
	if cfg.Chain.GasLimit == 0 {
		cfg.Chain.GasLimit = 2_000_000
	}
	if cfg.Chain.RateLimit <= 0 {
		cfg.Chain.RateLimit = 20
	}
	if cfg.Chain.RateBurst <= 0 {
		cfg.Chain.RateBurst = 5
	}
	if cfg.Chain.MaxBlockRange == 0 {
		cfg.Chain.MaxBlockRange = 2_000
	}
	if cfg.Chain.Confirmations == 0 {
		cfg.Chain.Confirmations = 12
	}
	if cfg.Chain.RebroadcastAfter == 0 {
		cfg.Chain.RebroadcastAfter = 20
	}
	if cfg.Operator.PassphraseEnv == "" {
		cfg.Operator.PassphraseEnv = "HUB_OPERATOR_PASSPHRASE"
	}
	if cfg.Scheduler.Interval.Duration == 0 {
		cfg.Scheduler.Interval.Duration = 15 * time.Second
	}
	if cfg.Scheduler.Timeout.Duration == 0 {
		cfg.Scheduler.Timeout.Duration = 2 * time.Minute
	}
	if cfg.Scheduler.LeaseKey == "" {
		cfg.Scheduler.LeaseKey = "commitchain:operator:tick"
	}
	if cfg.Scheduler.LeaseTTL.Duration == 0 {
		cfg.Scheduler.LeaseTTL.Duration = cfg.Scheduler.Timeout.Duration + 30*time.Second
	}
	if cfg.Scheduler.Parallelism <= 0 {
		cfg.Scheduler.Parallelism = 8
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	cfg.Chain.Contract = strings.ToLower(strings.TrimSpace(cfg.Chain.Contract))
	for i, token := range cfg.Tokens {
		cfg.Tokens[i] = normaliseAddress(token)
	}
	for i := range cfg.Pairs {
		cfg.Pairs[i].Base = normaliseAddress(cfg.Pairs[i].Base)
		cfg.Pairs[i].Quote = normaliseAddress(cfg.Pairs[i].Quote)
	}
}

func normaliseAddress(raw string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
}

// TokenAddresses returns the configured tokens as addresses.
func (c Config) TokenAddresses() []common.Address {
	out := make([]common.Address, 0, len(c.Tokens))
	for _, token := range c.Tokens {
		addr, err := storage.ParseHexAddress(token)
		if err != nil {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// ContractAddress returns the verifier contract address.
func (c Config) ContractAddress() common.Address {
	return common.HexToAddress(c.Chain.Contract)
}

// Default returns a configuration with every default applied and no tokens.
func Default() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

// Init writes a default TOML configuration to path together with a fresh
// operator keystore next to it. Existing files are never overwritten.
func Init(path, passphrase string) (Config, error) {
	if _, err := os.Stat(path); err == nil {
		return Config{}, fmt.Errorf("config %s already exists", path)
	} else if !os.IsNotExist(err) {
		return Config{}, err
	}
	cfg := Default()
	cfg.Operator.Keystore = defaultKeystorePath(path)
	if _, err := os.Stat(cfg.Operator.Keystore); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return Config{}, genErr
		}
		if err := crypto.SaveToKeystore(cfg.Operator.Keystore, key, passphrase); err != nil {
			return Config{}, err
		}
	} else if err != nil {
		return Config{}, err
	}
	if err := persist(path, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func persist(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if isTOML(path) {
		return toml.NewEncoder(f).Encode(cfg)
	}
	enc := yaml.NewEncoder(f)
	defer enc.Close()
	return enc.Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}
