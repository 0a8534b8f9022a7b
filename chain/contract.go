package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"commitchain/storage"
)

// ChallengeEvent is a dispute opened against the operator on the base chain.
type ChallengeEvent struct {
	// Ref uniquely identifies the challenge (transaction hash and log index).
	Ref      string
	Kind     storage.ChallengeKind
	Token    common.Address
	Wallet   common.Address
	Sender   common.Address
	Eon      uint64
	Deadline uint64
	Nonce    uint64
	HasNonce bool
	Block    uint64
}

// DepositEvent is an on-chain deposit into the verifier contract.
type DepositEvent struct {
	Ref    string
	Token  common.Address
	Wallet common.Address
	Amount *big.Int
	Block  uint64
}

// WithdrawalRequestEvent is an on-chain withdrawal claim.
type WithdrawalRequestEvent struct {
	Ref    string
	Token  common.Address
	Wallet common.Address
	Amount *big.Int
	Block  uint64
}

// Contract is the read side of the verifier contract consumed by the hub.
//
//go:generate mockgen -destination=contract_mock.go -package=chain . Contract
type Contract interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CurrentEon(ctx context.Context) (uint64, error)
	CurrentSubBlock(ctx context.Context) (uint64, error)
	ExtendedSlackPeriod(ctx context.Context) (uint64, error)
	GenesisBlock(ctx context.Context) (uint64, error)
	EonsKept(ctx context.Context) (uint64, error)
	BlocksPerEon(ctx context.Context) (uint64, error)
	ChallengeMinGasCost(ctx context.Context) (*big.Int, error)
	UnmanagedFunds(ctx context.Context, token common.Address, eon uint64) (*big.Int, error)
	ManagedFunds(ctx context.Context, token common.Address, eon uint64) (*big.Int, error)
	TotalBalance(ctx context.Context, token common.Address) (*big.Int, error)
	LastCheckpoint(ctx context.Context, token common.Address) (eon uint64, root common.Hash, err error)
	MissedCheckpoint(ctx context.Context) (bool, error)
	LiveChallengeCount(ctx context.Context, eon uint64) (uint64, error)
	LiveChallenges(ctx context.Context, token common.Address, eon uint64) ([]ChallengeEvent, error)
	Deposits(ctx context.Context, fromBlock, toBlock uint64) ([]DepositEvent, error)
	WithdrawalRequests(ctx context.Context, fromBlock, toBlock uint64) ([]WithdrawalRequestEvent, error)
}
