package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"commitchain/core/hub"
	"commitchain/core/ledger"
	hubcrypto "commitchain/crypto"
	"commitchain/storage"
)

// Digest is the message the operator countersigns to admit a wallet:
// keccak256(token || address || uint256(eon)).
func Digest(token, address common.Address, eon uint64) common.Hash {
	e := uint256.NewInt(eon).Bytes32()
	return crypto.Keccak256Hash(token.Bytes(), address.Bytes(), e[:])
}

// Service admits wallets and credits deposits.
type Service struct {
	store  *storage.Store
	ledger *ledger.Ledger
	signer hubcrypto.Signer
	logger *slog.Logger
}

// New constructs the admission service.
func New(store *storage.Store, l *ledger.Ledger, signer hubcrypto.Signer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, ledger: l, signer: signer, logger: logger}
}

// Request queues a registration for the next admission pass.
func (s *Service) Request(ctx context.Context, token, address common.Address, walletSignature []byte) (storage.AdmissionRequest, error) {
	req := storage.AdmissionRequest{
		Token:           storage.HexAddress(token),
		Address:         storage.HexAddress(address),
		WalletSignature: walletSignature,
	}
	if err := s.store.DB().WithContext(ctx).Create(&req).Error; err != nil {
		return storage.AdmissionRequest{}, fmt.Errorf("queue admission: %w", err)
	}
	return req, nil
}

// Admit countersigns every pending request and creates its wallet with the
// authorization in the same transaction. It returns the number admitted.
func (s *Service) Admit(ctx context.Context, eon uint64) (int, error) {
	var pending []storage.AdmissionRequest
	err := s.store.DB().WithContext(ctx).Where("processed = ?", false).Order("id ASC").Find(&pending).Error
	if err != nil {
		return 0, fmt.Errorf("load admission requests: %w", err)
	}
	admitted := 0
	var errs []error
	for _, req := range pending {
		created, err := s.admit(ctx, req, eon)
		switch {
		case err == nil:
			if created {
				admitted++
			}
		case errors.Is(err, hub.ErrAlreadyPerformed):
		default:
			errs = append(errs, err)
		}
	}
	return admitted, errors.Join(errs...)
}

// admit reports whether a new wallet was created. A request for an already
// admitted address only marks the request processed.
func (s *Service) admit(ctx context.Context, req storage.AdmissionRequest, eon uint64) (bool, error) {
	token, err := storage.ParseHexAddress(req.Token)
	if err != nil {
		return false, hub.Invariantf("admission %d: %v", req.ID, err)
	}
	address, err := storage.ParseHexAddress(req.Address)
	if err != nil {
		return false, hub.Invariantf("admission %d: %v", req.ID, err)
	}
	authorization, err := s.signer.Sign(Digest(token, address, eon))
	if err != nil {
		return false, fmt.Errorf("countersign admission %d: %w", req.ID, err)
	}
	created := false
	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Model(&storage.AdmissionRequest{}).Where("id = ?", req.ID).Update("processed", true).Error; err != nil {
			return fmt.Errorf("mark admission %d: %w", req.ID, err)
		}
		var existing []storage.Wallet
		if err := tx.Where("token = ? AND address = ?", req.Token, req.Address).Limit(1).Find(&existing).Error; err != nil {
			return fmt.Errorf("lookup wallet: %w", err)
		}
		if len(existing) > 0 {
			return claimDeposits(tx, existing[0])
		}
		wallet := storage.Wallet{
			Token:                     req.Token,
			Address:                   req.Address,
			RegistrationEon:           eon,
			RegistrationAuthorization: authorization,
		}
		if err := tx.Create(&wallet).Error; err != nil {
			if storage.IsConstraintViolation(err) {
				return hub.Invariantf("admission %d rejected: %v", req.ID, err)
			}
			return fmt.Errorf("insert wallet: %w", err)
		}
		s.logger.Info("wallet admitted",
			slog.Uint64("wallet_id", wallet.ID),
			slog.String("token", wallet.Token),
			slog.String("address", wallet.Address),
			slog.Uint64("eon", eon))
		created = true
		return claimDeposits(tx, wallet)
	})
	return created && err == nil, err
}

// claimDeposits moves deposits synced before the wallet existed into the
// credit queue.
func claimDeposits(tx *gorm.DB, wallet storage.Wallet) error {
	var held []storage.UnclaimedDeposit
	err := tx.Where("token = ? AND address = ? AND claimed = ?", wallet.Token, wallet.Address, false).Order("id ASC").Find(&held).Error
	if err != nil {
		return fmt.Errorf("load held deposits: %w", err)
	}
	for _, h := range held {
		deposit := storage.Deposit{
			WalletID:  wallet.ID,
			Amount:    h.Amount,
			Block:     h.Block,
			EonNumber: h.EonNumber,
			ChainTxID: h.ChainTxID,
		}
		err := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "chain_tx_id"}}, DoNothing: true}).Create(&deposit).Error
		if err != nil {
			return fmt.Errorf("claim deposit %s: %w", h.ChainTxID, err)
		}
		if err := tx.Model(&storage.UnclaimedDeposit{}).Where("id = ?", h.ID).Update("claimed", true).Error; err != nil {
			return fmt.Errorf("mark deposit %s claimed: %w", h.ChainTxID, err)
		}
	}
	return nil
}

// CreditDeposits applies every uncredited deposit of eon or earlier to the
// wallet's gains in the current eon.
func (s *Service) CreditDeposits(ctx context.Context, eon uint64) (int, error) {
	var pending []storage.Deposit
	err := s.store.DB().WithContext(ctx).
		Where("credited = ? AND eon_number <= ?", false, eon).
		Order("id ASC").
		Find(&pending).Error
	if err != nil {
		return 0, fmt.Errorf("load deposits: %w", err)
	}
	credited := 0
	var errs []error
	for _, deposit := range pending {
		err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
			res := tx.Model(&storage.Deposit{}).
				Where("id = ? AND credited = ?", deposit.ID, false).
				Update("credited", true)
			if res.Error != nil {
				return fmt.Errorf("mark deposit %d: %w", deposit.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				return hub.ErrAlreadyPerformed
			}
			item := crypto.Keccak256Hash([]byte("deposit"), []byte(deposit.ChainTxID))
			_, err := s.ledger.CreditTx(tx, deposit.WalletID, eon, nil, deposit.Amount.Big(), item)
			return err
		})
		switch {
		case err == nil:
			credited++
		case errors.Is(err, hub.ErrAlreadyPerformed):
		default:
			errs = append(errs, fmt.Errorf("credit deposit %d: %w", deposit.ID, err))
		}
	}
	return credited, errors.Join(errs...)
}

// VerifyAuthorization checks a wallet's registration authorization against
// the operator account.
func VerifyAuthorization(operator common.Address, wallet storage.Wallet) error {
	token, err := storage.ParseHexAddress(wallet.Token)
	if err != nil {
		return err
	}
	address, err := storage.ParseHexAddress(wallet.Address)
	if err != nil {
		return err
	}
	return hubcrypto.VerifySignature(operator, Digest(token, address, wallet.RegistrationEon), wallet.RegistrationAuthorization)
}
