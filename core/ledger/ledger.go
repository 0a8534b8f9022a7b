package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"gorm.io/gorm"

	"commitchain/core/hub"
	"commitchain/core/merkle"
	hubcrypto "commitchain/crypto"
	"commitchain/storage"
)

// Update is a proposed cumulative active state for a wallet in an eon.
type Update struct {
	WalletID        uint64
	Eon             uint64
	Spendings       *big.Int
	Gains           *big.Int
	TxSetHash       common.Hash
	WalletSignature []byte
}

// State is the latest countersigned active state of a wallet in an eon. A
// zero Sequence means the wallet has not moved in the eon.
type State struct {
	WalletID          uint64
	Eon               uint64
	Sequence          uint64
	Spendings         *big.Int
	Gains             *big.Int
	TxSetHash         common.Hash
	Checksum          common.Hash
	OperatorSignature []byte
}

// Net returns gains minus spendings. The result may be negative.
func (s State) Net() *big.Int {
	return new(big.Int).Sub(s.Gains, s.Spendings)
}

// Ledger owns per-wallet, per-eon active state and enforces monotonicity.
type Ledger struct {
	store  *storage.Store
	signer hubcrypto.Signer
	logger *slog.Logger
}

// Option customises the ledger.
type Option func(*Ledger)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New constructs a ledger that countersigns records with signer.
func New(store *storage.Store, signer hubcrypto.Signer, opts ...Option) *Ledger {
	l := &Ledger{store: store, signer: signer, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the backing store.
func (l *Ledger) Store() *storage.Store {
	return l.store
}

// ApplyDelta records a new cumulative active state and returns its checksum.
func (l *Ledger) ApplyDelta(ctx context.Context, update Update) (common.Hash, error) {
	var checksum common.Hash
	err := l.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		checksum, err = l.ApplyDeltaTx(tx, update)
		return err
	})
	return checksum, err
}

// ApplyDeltaTx is ApplyDelta inside the caller's transaction. The wallet row
// is locked and the insert claims sequence latest+1; a concurrent writer that
// observed the same latest record fails on the unique sequence slot. An eon
// is closed once the checkpoint of the following eon exists, and closed eons
// accept no further records.
func (l *Ledger) ApplyDeltaTx(tx *gorm.DB, update Update) (common.Hash, error) {
	if update.Spendings == nil || update.Gains == nil {
		return common.Hash{}, hub.Invariantf("active state for wallet %d missing totals", update.WalletID)
	}
	if update.Spendings.Sign() < 0 || update.Gains.Sign() < 0 {
		return common.Hash{}, hub.Invariantf("active state for wallet %d has negative totals", update.WalletID)
	}
	wallet, err := storage.LockWallet(tx, update.WalletID)
	if err != nil {
		return common.Hash{}, err
	}
	closed, err := EonClosed(tx, wallet.Token, update.Eon)
	if err != nil {
		return common.Hash{}, err
	}
	if closed {
		return common.Hash{}, hub.Invariantf("wallet %d eon %d already checkpointed", update.WalletID, update.Eon)
	}
	latest, err := latestTx(tx, update.WalletID, update.Eon)
	if err != nil {
		return common.Hash{}, err
	}
	if update.Spendings.Cmp(latest.Spendings) < 0 {
		return common.Hash{}, hub.Invariantf("wallet %d eon %d spendings decrease from %s to %s",
			update.WalletID, update.Eon, latest.Spendings, update.Spendings)
	}
	if update.Gains.Cmp(latest.Gains) < 0 {
		return common.Hash{}, hub.Invariantf("wallet %d eon %d gains decrease from %s to %s",
			update.WalletID, update.Eon, latest.Gains, update.Gains)
	}
	checksum, err := Checksum(wallet, update.Eon, update.Spendings, update.Gains, update.TxSetHash)
	if err != nil {
		return common.Hash{}, hub.Invariantf("wallet %d eon %d: %v", update.WalletID, update.Eon, err)
	}
	signature, err := l.signer.Sign(checksum)
	if err != nil {
		return common.Hash{}, fmt.Errorf("countersign active state: %w", err)
	}
	record := storage.ActiveState{
		WalletID:          update.WalletID,
		EonNumber:         update.Eon,
		Sequence:          latest.Sequence + 1,
		UpdatedSpendings:  storage.NewAmount(update.Spendings),
		UpdatedGains:      storage.NewAmount(update.Gains),
		TxSetHash:         storage.HashFrom(update.TxSetHash),
		WalletSignature:   update.WalletSignature,
		OperatorSignature: signature,
		Checksum:          storage.HashFrom(checksum),
	}
	if err := tx.Create(&record).Error; err != nil {
		if storage.IsConstraintViolation(err) {
			return common.Hash{}, hub.Invariantf("wallet %d eon %d sequence %d already claimed", update.WalletID, update.Eon, record.Sequence)
		}
		return common.Hash{}, fmt.Errorf("insert active state: %w", err)
	}
	l.logger.Debug("active state applied",
		slog.Uint64("wallet_id", update.WalletID),
		slog.Uint64("eon", update.Eon),
		slog.Uint64("sequence", record.Sequence),
		slog.String("checksum", checksum.Hex()))
	return checksum, nil
}

// EonClosed reports whether the closing balances of eon for token were
// already committed by the checkpoint of eon+1.
func EonClosed(db *gorm.DB, token string, eon uint64) (bool, error) {
	var count int64
	err := db.Model(&storage.TokenCommitment{}).
		Where("token = ? AND eon_number = ?", token, eon+1).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("lookup commitment %s/%d: %w", token, eon+1, err)
	}
	return count > 0, nil
}

// CreditTx adds spend and gain to the latest state of (walletID, eon) and
// folds item into the transfer-set commitment.
func (l *Ledger) CreditTx(tx *gorm.DB, walletID, eon uint64, spend, gain *big.Int, item common.Hash) (common.Hash, error) {
	latest, err := latestTx(tx, walletID, eon)
	if err != nil {
		return common.Hash{}, err
	}
	update := Update{
		WalletID:  walletID,
		Eon:       eon,
		Spendings: new(big.Int).Set(latest.Spendings),
		Gains:     new(big.Int).Set(latest.Gains),
		TxSetHash: crypto.Keccak256Hash(latest.TxSetHash.Bytes(), item.Bytes()),
	}
	if spend != nil {
		update.Spendings.Add(update.Spendings, spend)
	}
	if gain != nil {
		update.Gains.Add(update.Gains, gain)
	}
	return l.ApplyDeltaTx(tx, update)
}

// Latest returns the newest countersigned record, or the zero state.
func (l *Ledger) Latest(ctx context.Context, walletID, eon uint64) (State, error) {
	return latestTx(l.store.DB().WithContext(ctx), walletID, eon)
}

// LatestTx is Latest inside the caller's transaction.
func LatestTx(tx *gorm.DB, walletID, eon uint64) (State, error) {
	return latestTx(tx, walletID, eon)
}

func latestTx(db *gorm.DB, walletID, eon uint64) (State, error) {
	var record storage.ActiveState
	err := db.Where("wallet_id = ? AND eon_number = ?", walletID, eon).
		Order("sequence DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return State{WalletID: walletID, Eon: eon, Spendings: new(big.Int), Gains: new(big.Int)}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("load active state %d/%d: %w", walletID, eon, err)
	}
	return fromRecord(record), nil
}

func fromRecord(r storage.ActiveState) State {
	return State{
		WalletID:          r.WalletID,
		Eon:               r.EonNumber,
		Sequence:          r.Sequence,
		Spendings:         r.UpdatedSpendings.Big(),
		Gains:             r.UpdatedGains.Big(),
		TxSetHash:         r.TxSetHash.Common(),
		Checksum:          r.Checksum.Common(),
		OperatorSignature: r.OperatorSignature,
	}
}

// History lists every record of (walletID, eon) in insertion order.
func (l *Ledger) History(ctx context.Context, walletID, eon uint64) ([]State, error) {
	var records []storage.ActiveState
	err := l.store.DB().WithContext(ctx).
		Where("wallet_id = ? AND eon_number = ?", walletID, eon).
		Order("sequence ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list active states %d/%d: %w", walletID, eon, err)
	}
	out := make([]State, len(records))
	for i, r := range records {
		out[i] = fromRecord(r)
	}
	return out, nil
}

// Balance returns the spendable balance of a wallet in eon: the committed
// allotment width plus the eon's net movement minus non-slashed withdrawal
// requests of the eon.
func (l *Ledger) Balance(ctx context.Context, walletID, eon uint64) (*big.Int, error) {
	return BalanceTx(l.store.DB().WithContext(ctx), walletID, eon)
}

// BalanceTx is Balance inside the caller's transaction.
func BalanceTx(tx *gorm.DB, walletID, eon uint64) (*big.Int, error) {
	allotment, _, err := storage.Allotment(tx, walletID, eon)
	if err != nil {
		return nil, err
	}
	latest, err := latestTx(tx, walletID, eon)
	if err != nil {
		return nil, err
	}
	pending, err := storage.PendingWithdrawals(tx, walletID, eon, 0)
	if err != nil {
		return nil, err
	}
	balance := allotment.Width().Big()
	balance.Add(balance, latest.Net())
	balance.Sub(balance, pending.Big())
	return balance, nil
}

// Checksum is keccak256(address || token || uint256(eon) ||
// uint256(spendings) || uint256(gains) || tx_set_hash).
func Checksum(wallet storage.Wallet, eon uint64, spendings, gains *big.Int, txSetHash common.Hash) (common.Hash, error) {
	address, err := storage.ParseHexAddress(wallet.Address)
	if err != nil {
		return common.Hash{}, err
	}
	token, err := storage.ParseHexAddress(wallet.Token)
	if err != nil {
		return common.Hash{}, err
	}
	s, err := merkle.Word(spendings)
	if err != nil {
		return common.Hash{}, err
	}
	g, err := merkle.Word(gains)
	if err != nil {
		return common.Hash{}, err
	}
	eb, sb, gb := uint256.NewInt(eon).Bytes32(), s.Bytes32(), g.Bytes32()
	return crypto.Keccak256Hash(address.Bytes(), token.Bytes(), eb[:], sb[:], gb[:], txSetHash.Bytes()), nil
}
