// Package sync serves the read model wallets use to synchronise with the
// operator: their committed interval, its proof, the latest countersigned
// active state and the withdrawals still pending.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"commitchain/core/checkpoint"
	"commitchain/core/ledger"
	"commitchain/core/merkle"
	"commitchain/storage"
)

// ErrUnknownWallet is returned for a (token, address) pair that was never
// admitted.
var ErrUnknownWallet = errors.New("sync: wallet not admitted")

// Allotment is a committed interval with its membership proof.
type Allotment struct {
	Eon                 uint64       `json:"eon"`
	Left                string       `json:"left"`
	Right               string       `json:"right"`
	ActiveStateChecksum common.Hash  `json:"activeStateChecksum"`
	Proof               merkle.Proof `json:"proof"`
}

// ActiveState is the latest countersigned state of the current eon.
type ActiveState struct {
	Eon               uint64      `json:"eon"`
	Sequence          uint64      `json:"sequence"`
	Spendings         string      `json:"spendings"`
	Gains             string      `json:"gains"`
	TxSetHash         common.Hash `json:"txSetHash"`
	Checksum          common.Hash `json:"checksum"`
	OperatorSignature string      `json:"operatorSignature,omitempty"`
}

// PendingWithdrawal is an unconfirmed, unslashed withdrawal request.
type PendingWithdrawal struct {
	ID     uint64 `json:"id"`
	Eon    uint64 `json:"eon"`
	Amount string `json:"amount"`
}

// WalletView is everything a wallet needs to audit its standing.
type WalletView struct {
	Token              string              `json:"token"`
	Address            string              `json:"address"`
	RegistrationEon    uint64              `json:"registrationEon"`
	Eon                uint64              `json:"eon"`
	Block              uint64              `json:"block"`
	Balance            string              `json:"balance"`
	Allotment          *Allotment          `json:"allotment,omitempty"`
	ActiveState        ActiveState         `json:"activeState"`
	PendingWithdrawals []PendingWithdrawal `json:"pendingWithdrawals"`
}

// Reader answers wallet sync queries from the ledger store.
type Reader struct {
	store *storage.Store
}

// NewReader constructs a read model over store.
func NewReader(store *storage.Store) *Reader {
	return &Reader{store: store}
}

// Wallet assembles the view of (token, address) at the mirrored current eon.
// Reads run in one transaction so the parts are mutually consistent.
func (r *Reader) Wallet(ctx context.Context, token, address string) (WalletView, error) {
	token = normalise(token)
	address = normalise(address)
	var view WalletView
	err := r.store.Transaction(ctx, func(tx *gorm.DB) error {
		wallet, err := storage.WalletByAddress(tx, token, address)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s/%s", ErrUnknownWallet, token, address)
		}
		if err != nil {
			return fmt.Errorf("load wallet: %w", err)
		}
		state, err := storage.LoadContractState(tx)
		if err != nil {
			return err
		}
		view = WalletView{
			Token:           wallet.Token,
			Address:         wallet.Address,
			RegistrationEon: wallet.RegistrationEon,
			Eon:             state.EonNumber,
			Block:           state.Block,
		}

		if view.Allotment, err = latestAllotment(tx, wallet, state.EonNumber); err != nil {
			return err
		}

		latest, err := ledger.LatestTx(tx, wallet.ID, state.EonNumber)
		if err != nil {
			return err
		}
		view.ActiveState = ActiveState{
			Eon:       state.EonNumber,
			Sequence:  latest.Sequence,
			Spendings: latest.Spendings.String(),
			Gains:     latest.Gains.String(),
			TxSetHash: latest.TxSetHash,
			Checksum:  latest.Checksum,
		}
		if len(latest.OperatorSignature) > 0 {
			view.ActiveState.OperatorSignature = "0x" + common.Bytes2Hex(latest.OperatorSignature)
		}

		balance, err := ledger.BalanceTx(tx, wallet.ID, state.EonNumber)
		if err != nil {
			return err
		}
		view.Balance = balance.String()

		var requests []storage.WithdrawalRequest
		if err := tx.Where("wallet_id = ? AND slashed = ? AND confirmed = ?", wallet.ID, false, false).
			Order("id ASC").Find(&requests).Error; err != nil {
			return fmt.Errorf("list withdrawal requests: %w", err)
		}
		view.PendingWithdrawals = make([]PendingWithdrawal, 0, len(requests))
		for _, req := range requests {
			view.PendingWithdrawals = append(view.PendingWithdrawals, PendingWithdrawal{
				ID:     req.ID,
				Eon:    req.EonNumber,
				Amount: req.Amount.String(),
			})
		}
		return nil
	})
	if err != nil {
		return WalletView{}, err
	}
	return view, nil
}

// latestAllotment returns the newest committed interval at or before eon, or
// nil when the wallet has never been checkpointed.
func latestAllotment(tx *gorm.DB, wallet storage.Wallet, eon uint64) (*Allotment, error) {
	var record storage.ExclusiveBalanceAllotment
	err := tx.Where("wallet_id = ? AND eon_number <= ?", wallet.ID, eon).
		Order("eon_number DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load allotment: %w", err)
	}
	allotment, proof, err := checkpoint.LoadProof(tx, wallet, record.EonNumber)
	if err != nil {
		return nil, err
	}
	return &Allotment{
		Eon:                 allotment.EonNumber,
		Left:                allotment.Left.String(),
		Right:               allotment.Right.String(),
		ActiveStateChecksum: allotment.ActiveStateChecksum.Common(),
		Proof:               proof,
	}, nil
}

func normalise(raw string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
}
