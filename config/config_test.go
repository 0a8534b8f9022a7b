package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"commitchain/crypto"
)

const (
	tokenA   = "00000000000000000000000000000000000000aa"
	tokenB   = "00000000000000000000000000000000000000bb"
	contract = "0x00000000000000000000000000000000000000c1"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "operator.yaml", `
listen: "127.0.0.1:9000"
database:
  driver: postgres
  dsn: "postgres://hub@localhost/hub"
chain:
  rpc: "http://localhost:8545"
  chain_id: 5
  contract: "`+contract+`"
operator:
  keystore: "/keys/operator.keystore"
tokens:
  - "0x00000000000000000000000000000000000000AA"
  - "`+tokenB+`"
pairs:
  - base: "`+tokenA+`"
    quote: "`+tokenB+`"
scheduler:
  interval: 5s
  redis: "localhost:6379"
matching:
  allow_self_match: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddress)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, []string{tokenA, tokenB}, cfg.Tokens)
	require.Equal(t, 5*time.Second, cfg.Scheduler.Interval.Duration)
	require.Equal(t, 2*time.Minute, cfg.Scheduler.Timeout.Duration)
	require.Equal(t, cfg.Scheduler.Timeout.Duration+30*time.Second, cfg.Scheduler.LeaseTTL.Duration)
	require.True(t, cfg.Matching.AllowSelfMatch)
	require.False(t, cfg.Matching.Inverse)
	require.Equal(t, "HUB_OPERATOR_PASSPHRASE", cfg.Operator.PassphraseEnv)
	require.Len(t, cfg.TokenAddresses(), 2)
	require.Equal(t, byte(0xc1), cfg.ContractAddress()[19])
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "operator.toml", `
tokens = ["`+tokenA+`"]

[chain]
rpc = "http://localhost:8545"
chain_id = 1337
contract = "`+contract+`"

[operator]
keystore = "operator.keystore"

[scheduler]
interval = "1m"
timeout = "30s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.NotEmpty(t, cfg.Database.DSN)
	require.Equal(t, time.Minute, cfg.Scheduler.Interval.Duration)
	require.Equal(t, 30*time.Second, cfg.Scheduler.Timeout.Duration)
	require.Equal(t, uint64(1337), cfg.Chain.ChainID)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeFile(t, "operator.toml", "unknown_knob = 1\n"))
	require.ErrorContains(t, err, "unknown key")

	_, err = Load(writeFile(t, "operator.yaml", "unknown_knob: 1\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := Config{
			Chain:    ChainConfig{RPCEndpoint: "http://localhost:8545", ChainID: 1, Contract: contract},
			Operator: OperatorConfig{Keystore: "k"},
			Tokens:   []string{tokenA, tokenB},
		}
		applyDefaults(&cfg)
		return cfg
	}
	require.NoError(t, validate(base()))

	cases := map[string]func(*Config){
		"driver":        func(c *Config) { c.Database.Driver = "mysql" },
		"rpc":           func(c *Config) { c.Chain.RPCEndpoint = "" },
		"chain id":      func(c *Config) { c.Chain.ChainID = 0 },
		"contract":      func(c *Config) { c.Chain.Contract = "nope" },
		"keystore":      func(c *Config) { c.Operator.Keystore = " " },
		"no tokens":     func(c *Config) { c.Tokens = nil },
		"bad token":     func(c *Config) { c.Tokens = []string{"abc"} },
		"dup token":     func(c *Config) { c.Tokens = []string{tokenA, tokenA} },
		"pair unknown":  func(c *Config) { c.Pairs = []Pair{{Base: tokenA, Quote: "00000000000000000000000000000000000000cc"}} },
		"pair same leg": func(c *Config) { c.Pairs = []Pair{{Base: tokenA, Quote: tokenA}} },
		"lease ttl": func(c *Config) {
			c.Scheduler.RedisAddress = "localhost:6379"
			c.Scheduler.LeaseTTL.Duration = time.Second
		},
		"sample ratio": func(c *Config) { c.Telemetry.SampleRatio = 1.5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(&cfg)
			require.Error(t, validate(cfg))
		})
	}
}

func TestInitWritesConfigAndKeystore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "operator.toml")
	cfg, err := Init(path, "test-passphrase")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "operator.keystore"), cfg.Operator.Keystore)

	_, err = crypto.LoadFromKeystore(cfg.Operator.Keystore, "test-passphrase")
	require.NoError(t, err)

	_, err = Init(path, "test-passphrase")
	require.Error(t, err)

	_, err = Load(path)
	require.ErrorContains(t, err, "chain.rpc")
}
