package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"commitchain/storage"
)

func validate(cfg Config) error {
	switch cfg.Database.Driver {
	case storage.DriverSQLite, storage.DriverPostgres:
	default:
		return fmt.Errorf("database.driver %q unsupported", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database.dsn must be configured")
	}
	if strings.TrimSpace(cfg.Chain.RPCEndpoint) == "" {
		return fmt.Errorf("chain.rpc must be configured")
	}
	if cfg.Chain.ChainID == 0 {
		return fmt.Errorf("chain.chain_id must be positive")
	}
	if !common.IsHexAddress(cfg.Chain.Contract) || common.HexToAddress(cfg.Chain.Contract) == (common.Address{}) {
		return fmt.Errorf("chain.contract %q is not an address", cfg.Chain.Contract)
	}
	if strings.TrimSpace(cfg.Operator.Keystore) == "" {
		return fmt.Errorf("operator.keystore must be configured")
	}
	if len(cfg.Tokens) == 0 {
		return fmt.Errorf("at least one token must be configured")
	}
	known := make(map[string]struct{}, len(cfg.Tokens))
	for _, token := range cfg.Tokens {
		if _, err := storage.ParseHexAddress(token); err != nil {
			return fmt.Errorf("tokens: %w", err)
		}
		if _, dup := known[token]; dup {
			return fmt.Errorf("tokens: %s listed twice", token)
		}
		known[token] = struct{}{}
	}
	for _, pair := range cfg.Pairs {
		if pair.Base == pair.Quote {
			return fmt.Errorf("pairs: base and quote must differ (%s)", pair.Base)
		}
		for _, leg := range []string{pair.Base, pair.Quote} {
			if _, ok := known[leg]; !ok {
				return fmt.Errorf("pairs: token %s is not configured", leg)
			}
		}
	}
	if cfg.Scheduler.Interval.Duration <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	if cfg.Scheduler.Timeout.Duration <= 0 {
		return fmt.Errorf("scheduler.timeout must be positive")
	}
	if cfg.Scheduler.RedisAddress != "" && cfg.Scheduler.LeaseTTL.Duration < cfg.Scheduler.Timeout.Duration {
		return fmt.Errorf("scheduler.lease_ttl must cover scheduler.timeout")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	return nil
}
