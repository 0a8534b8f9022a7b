package epoch

import "errors"

// ErrBeforeGenesis is returned for blocks that precede the first eon.
var ErrBeforeGenesis = errors.New("epoch: block precedes genesis")

// Phase is the position of a block within its eon.
type Phase int

const (
	// PhaseSlack covers the first quarter of an eon, when the checkpoint for
	// the eon is due.
	PhaseSlack Phase = iota
	// PhaseExtendedSlack runs until the extended slack period elapses.
	PhaseExtendedSlack
	// PhaseNormal is the remainder of the eon.
	PhaseNormal
)

func (p Phase) String() string {
	switch p {
	case PhaseSlack:
		return "slack"
	case PhaseExtendedSlack:
		return "extended_slack"
	default:
		return "normal"
	}
}

// Clock derives eon numbers from block heights.
type Clock struct {
	cfg Config
}

// NewClock validates cfg and returns a clock.
func NewClock(cfg Config) (*Clock, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Clock{cfg: cfg}, nil
}

// Config returns the clock configuration.
func (c *Clock) Config() Config {
	return c.cfg
}

// Eon returns the 1-based eon that contains block.
func (c *Clock) Eon(block uint64) (uint64, error) {
	if block < c.cfg.GenesisBlock {
		return 0, ErrBeforeGenesis
	}
	return (block-c.cfg.GenesisBlock)/c.cfg.Length + 1, nil
}

// SubBlock returns the offset of block within its eon.
func (c *Clock) SubBlock(block uint64) (uint64, error) {
	if block < c.cfg.GenesisBlock {
		return 0, ErrBeforeGenesis
	}
	return (block - c.cfg.GenesisBlock) % c.cfg.Length, nil
}

// Phase classifies block.
func (c *Clock) Phase(block uint64) (Phase, error) {
	sub, err := c.SubBlock(block)
	if err != nil {
		return PhaseNormal, err
	}
	return c.PhaseOf(sub), nil
}

// PhaseOf classifies a sub-block offset.
func (c *Clock) PhaseOf(sub uint64) Phase {
	switch {
	case sub < c.cfg.SlackPeriod():
		return PhaseSlack
	case sub < c.cfg.extendedSlack():
		return PhaseExtendedSlack
	default:
		return PhaseNormal
	}
}

// PastExtendedSlack reports whether sub has reached the extended slack
// boundary, after which withdrawals may be confirmed.
func (c *Clock) PastExtendedSlack(sub uint64) bool {
	return sub >= c.cfg.extendedSlack()
}

// FirstBlock returns the first block of eon.
func (c *Clock) FirstBlock(eon uint64) uint64 {
	if eon == 0 {
		return c.cfg.GenesisBlock
	}
	return c.cfg.GenesisBlock + (eon-1)*c.cfg.Length
}
