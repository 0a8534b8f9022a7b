package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"commitchain/core/epoch"
	"commitchain/core/hub"
	"commitchain/observability"
	"commitchain/storage"
)

// WithdrawalObserver records withdrawal requests seen on-chain.
type WithdrawalObserver interface {
	ObserveTx(tx *gorm.DB, walletID uint64, amount *big.Int, eon uint64, chainTxID string) error
}

// Sync mirrors verifier state and events into the ledger store.
type Sync struct {
	store    *storage.Store
	contract Contract
	tokens   []common.Address
	observer WithdrawalObserver
	maxRange uint64
	now      func() time.Time
	logger   *slog.Logger
}

// SyncOption customises the sync daemon.
type SyncOption func(*Sync)

// WithMaxRange bounds the block span imported per tick.
func WithMaxRange(blocks uint64) SyncOption {
	return func(s *Sync) { s.maxRange = blocks }
}

// WithSyncLogger overrides the default logger.
func WithSyncLogger(logger *slog.Logger) SyncOption {
	return func(s *Sync) { s.logger = logger }
}

// WithSyncClock sets the function used to stamp synced_at.
func WithSyncClock(now func() time.Time) SyncOption {
	return func(s *Sync) { s.now = now }
}

// NewSync constructs the sync daemon for the given tokens.
func NewSync(store *storage.Store, contract Contract, tokens []common.Address, observer WithdrawalObserver, opts ...SyncOption) *Sync {
	s := &Sync{
		store:    store,
		contract: contract,
		tokens:   tokens,
		observer: observer,
		maxRange: 5_000,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Parameters loads the verifier constants, fetching and persisting them on
// first use.
func (s *Sync) Parameters(ctx context.Context) (storage.ContractParameters, error) {
	params, err := storage.LoadParameters(s.store.DB().WithContext(ctx))
	if err == nil {
		return params, nil
	}
	if !errors.Is(err, storage.ErrNotSynced) {
		return storage.ContractParameters{}, err
	}
	genesis, err := s.contract.GenesisBlock(ctx)
	if err != nil {
		return storage.ContractParameters{}, hub.Unavailable("genesis block", err)
	}
	length, err := s.contract.BlocksPerEon(ctx)
	if err != nil {
		return storage.ContractParameters{}, hub.Unavailable("blocks per eon", err)
	}
	kept, err := s.contract.EonsKept(ctx)
	if err != nil {
		return storage.ContractParameters{}, hub.Unavailable("eons kept", err)
	}
	cost, err := s.contract.ChallengeMinGasCost(ctx)
	if err != nil {
		return storage.ContractParameters{}, hub.Unavailable("challenge cost", err)
	}
	slack, err := s.contract.ExtendedSlackPeriod(ctx)
	if err != nil {
		return storage.ContractParameters{}, hub.Unavailable("extended slack period", err)
	}
	params = storage.ContractParameters{
		GenesisBlock:        genesis,
		BlocksPerEon:        length,
		EonsKept:            kept,
		ChallengeCost:       storage.NewAmount(cost),
		ExtendedSlackPeriod: slack,
	}
	if err := s.store.InitParameters(ctx, params); err != nil && !errors.Is(err, hub.ErrAlreadyPerformed) {
		return storage.ContractParameters{}, err
	}
	return storage.LoadParameters(s.store.DB().WithContext(ctx))
}

// Run refreshes the contract state and imports events up to the head.
func (s *Sync) Run(ctx context.Context) (storage.ContractState, error) {
	params, err := s.Parameters(ctx)
	if err != nil {
		return storage.ContractState{}, err
	}
	clock, err := epoch.NewClock(epoch.FromParameters(params))
	if err != nil {
		return storage.ContractState{}, hub.Invariantf("contract parameters: %v", err)
	}
	prev, err := storage.LoadContractState(s.store.DB().WithContext(ctx))
	if err != nil && !errors.Is(err, storage.ErrNotSynced) {
		return storage.ContractState{}, err
	}
	next, checkpoints, err := s.observe(ctx)
	if err != nil {
		return storage.ContractState{}, err
	}

	from := params.GenesisBlock
	if prev.Block >= from {
		from = prev.Block + 1
	}
	to := next.Block
	if to >= from && to-from+1 > s.maxRange {
		to = from + s.maxRange - 1
		next.Block = to
	}
	var deposits []DepositEvent
	var requests []WithdrawalRequestEvent
	if to >= from {
		deposits, err = s.contract.Deposits(ctx, from, to)
		if err != nil {
			return storage.ContractState{}, hub.Unavailable("deposit events", err)
		}
		requests, err = s.contract.WithdrawalRequests(ctx, from, to)
		if err != nil {
			return storage.ContractState{}, hub.Unavailable("withdrawal request events", err)
		}
	} else if prev.Block > next.Block {
		next.Block = prev.Block
	}

	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		for _, ev := range deposits {
			if err := s.importDeposit(tx, clock, ev); err != nil {
				return err
			}
		}
		for _, ev := range requests {
			if err := s.importRequest(tx, clock, ev); err != nil {
				return err
			}
		}
		for _, cp := range checkpoints {
			if err := markSubmitted(tx, cp); err != nil {
				return err
			}
		}
		return storage.SaveContractState(tx, next)
	})
	if err != nil {
		return storage.ContractState{}, err
	}
	observability.Events().RecordImported("deposit", len(deposits))
	observability.Events().RecordImported("withdrawal_request", len(requests))
	observability.Hub().SetChainHead(next.Block, next.EonNumber, next.LiveChallengeCount)
	s.logger.Debug("contract synced",
		slog.Uint64("block", next.Block),
		slog.Uint64("eon", next.EonNumber),
		slog.Int("deposits", len(deposits)),
		slog.Int("withdrawal_requests", len(requests)))
	return next, nil
}

func (s *Sync) observe(ctx context.Context) (storage.ContractState, []chainCheckpoint, error) {
	head, err := s.contract.BlockNumber(ctx)
	if err != nil {
		return storage.ContractState{}, nil, hub.Unavailable("block number", err)
	}
	eon, err := s.contract.CurrentEon(ctx)
	if err != nil {
		return storage.ContractState{}, nil, hub.Unavailable("current eon", err)
	}
	sub, err := s.contract.CurrentSubBlock(ctx)
	if err != nil {
		return storage.ContractState{}, nil, hub.Unavailable("current sub-block", err)
	}
	missed, err := s.contract.MissedCheckpoint(ctx)
	if err != nil {
		return storage.ContractState{}, nil, hub.Unavailable("missed checkpoint", err)
	}
	live, err := s.contract.LiveChallengeCount(ctx, eon)
	if err != nil {
		return storage.ContractState{}, nil, hub.Unavailable("live challenges", err)
	}
	state := storage.ContractState{
		Block:                              head,
		EonNumber:                          eon,
		SubBlock:                           sub,
		HasMissedCheckpointSubmission:      missed,
		LiveChallengeCount:                 live,
		IsCheckpointSubmittedForCurrentEon: len(s.tokens) > 0,
		SyncedAt:                           s.now().UTC(),
	}
	checkpoints := make([]chainCheckpoint, 0, len(s.tokens))
	for i, token := range s.tokens {
		lastEon, root, err := s.contract.LastCheckpoint(ctx, token)
		if err != nil {
			return storage.ContractState{}, nil, hub.Unavailable("last checkpoint", err)
		}
		if i == 0 {
			state.LastCheckpointEon = lastEon
			state.LastCheckpointRoot = storage.HashFrom(root)
		}
		if lastEon < eon {
			state.IsCheckpointSubmittedForCurrentEon = false
		}
		checkpoints = append(checkpoints, chainCheckpoint{token: token, eon: lastEon, root: root})
	}
	return state, checkpoints, nil
}

type chainCheckpoint struct {
	token common.Address
	eon   uint64
	root  common.Hash
}

// markSubmitted flags the local commitment the verifier accepted. A root
// mismatch leaves the flag unset.
func markSubmitted(tx *gorm.DB, cp chainCheckpoint) error {
	err := tx.Model(&storage.TokenCommitment{}).
		Where("token = ? AND eon_number = ? AND root = ? AND submitted = ?", storage.HexAddress(cp.token), cp.eon, storage.HashFrom(cp.root), false).
		Update("submitted", true).Error
	if err != nil {
		return fmt.Errorf("mark checkpoint %s/%d submitted: %w", cp.token.Hex(), cp.eon, err)
	}
	return nil
}

func (s *Sync) walletFor(tx *gorm.DB, token, address common.Address) (storage.Wallet, bool, error) {
	wallet, err := storage.WalletByAddress(tx, storage.HexAddress(token), storage.HexAddress(address))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.Wallet{}, false, nil
	}
	if err != nil {
		return storage.Wallet{}, false, fmt.Errorf("resolve wallet: %w", err)
	}
	return wallet, true, nil
}

func (s *Sync) importDeposit(tx *gorm.DB, clock *epoch.Clock, ev DepositEvent) error {
	wallet, ok, err := s.walletFor(tx, ev.Token, ev.Wallet)
	if err != nil {
		return err
	}
	eon, err := clock.Eon(ev.Block)
	if err != nil {
		return hub.Invariantf("deposit %s: %v", ev.Ref, err)
	}
	if !ok {
		observability.Events().RecordSkipped("deposit")
		s.logger.Warn("deposit for unknown wallet held until admission",
			slog.String("token", ev.Token.Hex()),
			slog.String("wallet", ev.Wallet.Hex()),
			slog.String("ref", ev.Ref))
		held := storage.UnclaimedDeposit{
			Token:     storage.HexAddress(ev.Token),
			Address:   storage.HexAddress(ev.Wallet),
			Amount:    storage.NewAmount(ev.Amount),
			Block:     ev.Block,
			EonNumber: eon,
			ChainTxID: ev.Ref,
		}
		err := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "chain_tx_id"}}, DoNothing: true}).Create(&held).Error
		if err != nil {
			return fmt.Errorf("hold deposit %s: %w", ev.Ref, err)
		}
		return nil
	}
	deposit := storage.Deposit{
		WalletID:  wallet.ID,
		Amount:    storage.NewAmount(ev.Amount),
		Block:     ev.Block,
		EonNumber: eon,
		ChainTxID: ev.Ref,
	}
	err = tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "chain_tx_id"}}, DoNothing: true}).Create(&deposit).Error
	if err != nil {
		return fmt.Errorf("insert deposit %s: %w", ev.Ref, err)
	}
	return nil
}

func (s *Sync) importRequest(tx *gorm.DB, clock *epoch.Clock, ev WithdrawalRequestEvent) error {
	wallet, ok, err := s.walletFor(tx, ev.Token, ev.Wallet)
	if err != nil {
		return err
	}
	if !ok {
		observability.Events().RecordSkipped("withdrawal_request")
		s.logger.Warn("withdrawal request for unknown wallet",
			slog.String("token", ev.Token.Hex()),
			slog.String("wallet", ev.Wallet.Hex()),
			slog.String("ref", ev.Ref))
		return nil
	}
	eon, err := clock.Eon(ev.Block)
	if err != nil {
		return hub.Invariantf("withdrawal request %s: %v", ev.Ref, err)
	}
	if s.observer == nil {
		return fmt.Errorf("withdrawal observer not configured")
	}
	return s.observer.ObserveTx(tx, wallet.ID, ev.Amount, eon, ev.Ref)
}
