package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"commitchain/chain"
	"commitchain/core/hub"
	"commitchain/core/ledger"
	"commitchain/core/merkle"
	"commitchain/storage"
)

// ErrHubHalted is returned once the contract reports a missed checkpoint.
// The verifier no longer accepts commitments from this operator.
var ErrHubHalted = fmt.Errorf("%w: checkpoint submission missed, hub halted", hub.ErrInsufficientPriorState)

// Entry is one wallet's committed interval.
type Entry struct {
	Wallet   storage.Wallet
	Left     *big.Int
	Right    *big.Int
	Checksum common.Hash
	Proof    merkle.Proof
}

// Result is a built checkpoint.
type Result struct {
	Token      string
	Eon        uint64
	Root       common.Hash
	UpperBound *big.Int
	Entries    []Entry
}

// Manager builds and submits per-token eon checkpoints.
type Manager struct {
	store       *storage.Store
	queue       *chain.Queue
	logger      *slog.Logger
	parallelism int
}

// Option customises the manager.
type Option func(*Manager)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithParallelism bounds the per-wallet balance fan-out.
func WithParallelism(n int) Option {
	return func(m *Manager) { m.parallelism = n }
}

// New constructs a checkpoint manager.
func New(store *storage.Store, queue *chain.Queue, opts ...Option) *Manager {
	m := &Manager{store: store, queue: queue, logger: slog.Default(), parallelism: 8}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type closing struct {
	width    *big.Int
	checksum common.Hash
}

// Build commits the end-of-(eon-1) balances of token. Wallets are ordered by
// ascending address and laid out on consecutive disjoint intervals starting
// at zero. An existing commitment makes the call a no-op returning
// hub.ErrAlreadyPerformed.
func (m *Manager) Build(ctx context.Context, token string, eon uint64) (*Result, error) {
	if eon == 0 {
		return nil, hub.Invariantf("checkpoint eon must be positive")
	}
	db := m.store.DB().WithContext(ctx)
	if err := m.ensureNotHalted(db); err != nil {
		return nil, err
	}
	exists, err := commitmentExists(db, token, eon)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: checkpoint %s/%d", hub.ErrAlreadyPerformed, token, eon)
	}
	prior := eon - 1
	priorCommitted := prior == 0
	if !priorCommitted {
		priorCommitted, err = commitmentExists(db, token, prior)
		if err != nil {
			return nil, err
		}
		if !priorCommitted {
			var older int64
			if err := db.Model(&storage.TokenCommitment{}).Where("token = ? AND eon_number < ?", token, prior).Count(&older).Error; err != nil {
				return nil, fmt.Errorf("count commitments: %w", err)
			}
			if older > 0 {
				return nil, hub.PriorStatef("checkpoint %s/%d missing before eon %d", token, prior, eon)
			}
		}
	}

	if prior > 0 {
		var undelivered int64
		err := db.Model(&storage.Transfer{}).
			Joins("JOIN wallets ON wallets.id = transfers.recipient_id").
			Where("wallets.token = ? AND transfers.eon_number = ? AND transfers.processed = ? AND transfers.delivered = ? AND transfers.cancelled = ? AND transfers.amount_swapped IS NULL",
				token, prior, true, false, false).
			Count(&undelivered).Error
		if err != nil {
			return nil, fmt.Errorf("count undelivered transfers: %w", err)
		}
		if undelivered > 0 {
			return nil, hub.PriorStatef("%d transfers of %s eon %d not delivered", undelivered, token, prior)
		}
	}

	wallets, err := storage.WalletsByToken(db, token, prior)
	if err != nil {
		return nil, err
	}
	closings := make([]closing, len(wallets))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(m.parallelism)
	for i := range wallets {
		i := i
		group.Go(func() error {
			c, err := closingBalance(m.store.DB().WithContext(gctx), wallets[i], prior, priorCommitted)
			if err != nil {
				return err
			}
			closings[i] = c
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	result := &Result{Token: token, Eon: eon, UpperBound: new(big.Int)}
	leaves := make([]merkle.Leaf, len(wallets))
	for i, wallet := range wallets {
		addr, err := storage.ParseHexAddress(wallet.Address)
		if err != nil {
			return nil, hub.Invariantf("wallet %d: %v", wallet.ID, err)
		}
		left := new(big.Int).Set(result.UpperBound)
		result.UpperBound.Add(result.UpperBound, closings[i].width)
		right := new(big.Int).Set(result.UpperBound)
		leaf, err := merkle.NewAllotmentLeaf(addr, left, right)
		if err != nil {
			return nil, hub.Invariantf("wallet %d: %v", wallet.ID, err)
		}
		leaves[i] = leaf
		result.Entries = append(result.Entries, Entry{Wallet: wallet, Left: left, Right: right, Checksum: closings[i].checksum})
	}
	tree := merkle.Build(leaves)
	result.Root = tree.Root()
	for i := range result.Entries {
		proof, err := tree.Proof(i)
		if err != nil {
			return nil, err
		}
		result.Entries[i].Proof = proof
	}
	if _, err := merkle.Word(result.UpperBound); err != nil {
		return nil, hub.Invariantf("checkpoint %s/%d upper bound: %v", token, eon, err)
	}

	err = m.store.Transaction(ctx, func(tx *gorm.DB) error {
		exists, err := commitmentExists(tx, token, eon)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: checkpoint %s/%d", hub.ErrAlreadyPerformed, token, eon)
		}
		for _, entry := range result.Entries {
			latest, err := ledger.LatestTx(tx, entry.Wallet.ID, prior)
			if err != nil {
				return err
			}
			if latest.Checksum != entry.Checksum {
				return hub.PriorStatef("wallet %d eon %d moved while checkpoint %s/%d was built", entry.Wallet.ID, prior, token, eon)
			}
			allotment := storage.ExclusiveBalanceAllotment{
				WalletID:            entry.Wallet.ID,
				EonNumber:           eon,
				Left:                storage.NewAmount(entry.Left),
				Right:               storage.NewAmount(entry.Right),
				MerkleProof:         entry.Proof.SiblingBytes(),
				MerkleTrail:         entry.Proof.TrailString(),
				ActiveStateChecksum: storage.HashFrom(entry.Checksum),
			}
			if err := tx.Create(&allotment).Error; err != nil {
				if storage.IsConstraintViolation(err) {
					return hub.Invariantf("allotment %d/%d already exists", entry.Wallet.ID, eon)
				}
				return fmt.Errorf("insert allotment: %w", err)
			}
		}
		commitment := storage.TokenCommitment{
			Token:       token,
			EonNumber:   eon,
			Root:        storage.HashFrom(result.Root),
			UpperBound:  storage.NewAmount(result.UpperBound),
			WalletCount: len(result.Entries),
		}
		if err := tx.Create(&commitment).Error; err != nil {
			if storage.IsConstraintViolation(err) {
				return fmt.Errorf("%w: checkpoint %s/%d", hub.ErrAlreadyPerformed, token, eon)
			}
			return fmt.Errorf("insert commitment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("checkpoint built",
		slog.String("token", token),
		slog.Uint64("eon", eon),
		slog.String("root", result.Root.Hex()),
		slog.String("upper_bound", result.UpperBound.String()),
		slog.Int("wallets", len(result.Entries)))
	return result, nil
}

func (m *Manager) ensureNotHalted(db *gorm.DB) error {
	state, err := storage.LoadContractState(db)
	if errors.Is(err, storage.ErrNotSynced) {
		return nil
	}
	if err != nil {
		return err
	}
	if state.HasMissedCheckpointSubmission {
		return ErrHubHalted
	}
	return nil
}

func commitmentExists(db *gorm.DB, token string, eon uint64) (bool, error) {
	var count int64
	err := db.Model(&storage.TokenCommitment{}).Where("token = ? AND eon_number = ?", token, eon).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("lookup commitment %s/%d: %w", token, eon, err)
	}
	return count > 0, nil
}

// closingBalance is the wallet's balance at the end of prior: the committed
// width of prior plus its net movement minus its non-slashed withdrawal
// requests.
func closingBalance(db *gorm.DB, wallet storage.Wallet, prior uint64, priorCommitted bool) (closing, error) {
	width := new(big.Int)
	if prior > 0 {
		allotment, ok, err := storage.Allotment(db, wallet.ID, prior)
		if err != nil {
			return closing{}, err
		}
		if ok {
			width = allotment.Width().Big()
		} else if priorCommitted && wallet.RegistrationEon < prior {
			return closing{}, hub.PriorStatef("wallet %d has no allotment for eon %d", wallet.ID, prior)
		}
	}
	latest, err := ledger.LatestTx(db, wallet.ID, prior)
	if err != nil {
		return closing{}, err
	}
	pending, err := storage.PendingWithdrawals(db, wallet.ID, prior, 0)
	if err != nil {
		return closing{}, err
	}
	width.Add(width, latest.Net())
	width.Sub(width, pending.Big())
	if width.Sign() < 0 {
		return closing{}, hub.PriorStatef("wallet %d closes eon %d with negative balance %s", wallet.ID, prior, width)
	}
	return closing{width: width, checksum: latest.Checksum}, nil
}

// Submit queues the on-chain submission of an already built checkpoint.
func (m *Manager) Submit(ctx context.Context, token string, eon uint64) (storage.OutgoingTransaction, error) {
	tokenAddr, err := storage.ParseHexAddress(token)
	if err != nil {
		return storage.OutgoingTransaction{}, hub.Invariantf("checkpoint token: %v", err)
	}
	var out storage.OutgoingTransaction
	err = m.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := m.ensureNotHalted(tx); err != nil {
			return err
		}
		var commitment storage.TokenCommitment
		err := tx.First(&commitment, "token = ? AND eon_number = ?", token, eon).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return hub.PriorStatef("checkpoint %s/%d not built", token, eon)
		}
		if err != nil {
			return fmt.Errorf("load commitment: %w", err)
		}
		if commitment.Submitted || commitment.OutgoingTxID != nil {
			return fmt.Errorf("%w: checkpoint %s/%d submitted", hub.ErrAlreadyPerformed, token, eon)
		}
		out, err = m.queue.SubmitCheckpoint(tx, tokenAddr, eon, commitment.Root.Common(), commitment.UpperBound.Big())
		if err != nil {
			return err
		}
		return tx.Model(&storage.TokenCommitment{}).Where("id = ?", commitment.ID).Update("outgoing_tx_id", out.ID).Error
	})
	if err != nil {
		return storage.OutgoingTransaction{}, err
	}
	m.logger.Info("checkpoint queued",
		slog.String("token", token),
		slog.Uint64("eon", eon),
		slog.Uint64("nonce", out.Nonce))
	return out, nil
}

// Run builds and queues the checkpoint of the current eon for every token.
// Already performed steps are skipped.
func (m *Manager) Run(ctx context.Context, tokens []string, eon uint64) error {
	var errs []error
	for _, token := range tokens {
		if _, err := m.Build(ctx, token, eon); err != nil && !errors.Is(err, hub.ErrAlreadyPerformed) {
			errs = append(errs, err)
			continue
		}
		if _, err := m.Submit(ctx, token, eon); err != nil && !errors.Is(err, hub.ErrAlreadyPerformed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadProof returns the stored allotment proof of a wallet for eon.
func LoadProof(db *gorm.DB, wallet storage.Wallet, eon uint64) (storage.ExclusiveBalanceAllotment, merkle.Proof, error) {
	allotment, ok, err := storage.Allotment(db, wallet.ID, eon)
	if err != nil {
		return storage.ExclusiveBalanceAllotment{}, merkle.Proof{}, err
	}
	if !ok {
		return storage.ExclusiveBalanceAllotment{}, merkle.Proof{}, hub.PriorStatef("wallet %d has no allotment for eon %d", wallet.ID, eon)
	}
	var commitment storage.TokenCommitment
	if err := db.First(&commitment, "token = ? AND eon_number = ?", wallet.Token, eon).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.ExclusiveBalanceAllotment{}, merkle.Proof{}, hub.PriorStatef("checkpoint %s/%d missing", wallet.Token, eon)
		}
		return storage.ExclusiveBalanceAllotment{}, merkle.Proof{}, fmt.Errorf("load commitment: %w", err)
	}
	addr, err := storage.ParseHexAddress(wallet.Address)
	if err != nil {
		return storage.ExclusiveBalanceAllotment{}, merkle.Proof{}, err
	}
	leaf, err := merkle.NewAllotmentLeaf(addr, allotment.Left.Big(), allotment.Right.Big())
	if err != nil {
		return storage.ExclusiveBalanceAllotment{}, merkle.Proof{}, err
	}
	proof, err := merkle.DecodeProof(allotment.MerkleProof, allotment.MerkleTrail, leaf.Hash(), commitment.Root.Common())
	if err != nil {
		return storage.ExclusiveBalanceAllotment{}, merkle.Proof{}, hub.PriorStatef("allotment %d/%d: %v", wallet.ID, eon, err)
	}
	return allotment, proof, nil
}
