package epoch

import (
	"fmt"

	"commitchain/storage"
)

// Config describes how base-chain blocks are partitioned into eons.
type Config struct {
	// GenesisBlock is the block at which eon 1 starts.
	GenesisBlock uint64

	// Length is the number of blocks that make up a single eon. The value
	// must be greater than zero.
	Length uint64

	// ExtendedSlackPeriod is the sub-block after which withdrawals of old
	// eons may be confirmed. It defaults to half of Length when zero.
	ExtendedSlackPeriod uint64
}

// FromParameters maps synced verifier constants onto a clock configuration.
func FromParameters(p storage.ContractParameters) Config {
	return Config{
		GenesisBlock:        p.GenesisBlock,
		Length:              p.BlocksPerEon,
		ExtendedSlackPeriod: p.ExtendedSlackPeriod,
	}
}

// Validate ensures the configuration is self-consistent.
func (c Config) Validate() error {
	if c.Length == 0 {
		return fmt.Errorf("eon length must be greater than zero")
	}
	if c.ExtendedSlackPeriod > c.Length {
		return fmt.Errorf("extended slack period %d exceeds eon length %d", c.ExtendedSlackPeriod, c.Length)
	}
	return nil
}

// SlackPeriod is the number of leading sub-blocks reserved for checkpoint
// submission.
func (c Config) SlackPeriod() uint64 {
	return c.Length / 4
}

func (c Config) extendedSlack() uint64 {
	if c.ExtendedSlackPeriod == 0 {
		return c.Length / 2
	}
	return c.ExtendedSlackPeriod
}
