package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"gorm.io/gorm"

	"commitchain/chain"
	"commitchain/core/epoch"
	"commitchain/core/hub"
	"commitchain/core/ledger"
	"commitchain/storage"
)

// ErrInsufficientCommittedBalance rejects a request that exceeds what the
// wallet's committed allotment still covers.
var ErrInsufficientCommittedBalance = fmt.Errorf("%w: insufficient committed balance", hub.ErrInvariantViolation)

// Service drives withdrawal requests through slashing and confirmation.
type Service struct {
	store  *storage.Store
	queue  *chain.Queue
	logger *slog.Logger
}

// Option customises the service.
type Option func(*Service)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New constructs the withdrawal service.
func New(store *storage.Store, queue *chain.Queue, opts ...Option) *Service {
	s := &Service{store: store, queue: queue, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ chain.WithdrawalObserver = (*Service)(nil)

// Request validates a withdrawal against the wallet's committed allotment
// for eon minus its earlier non-slashed requests and records it.
func (s *Service) Request(ctx context.Context, walletID uint64, amount *big.Int, eon uint64, chainTxID string) (storage.WithdrawalRequest, error) {
	if amount == nil || amount.Sign() < 0 {
		return storage.WithdrawalRequest{}, hub.Invariantf("withdrawal amount must not be negative")
	}
	var out storage.WithdrawalRequest
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		if _, err := storage.LockWallet(tx, walletID); err != nil {
			return err
		}
		allotment, _, err := storage.Allotment(tx, walletID, eon)
		if err != nil {
			return err
		}
		pending, err := storage.PendingWithdrawals(tx, walletID, eon, 0)
		if err != nil {
			return err
		}
		available := allotment.Width().Big()
		available.Sub(available, pending.Big())
		if amount.Cmp(available) > 0 {
			return fmt.Errorf("%w: wallet %d requested %s of %s", ErrInsufficientCommittedBalance, walletID, amount, available)
		}
		out = storage.WithdrawalRequest{
			WalletID:  walletID,
			Amount:    storage.NewAmount(amount),
			EonNumber: eon,
			ChainTxID: chainTxID,
		}
		if err := tx.Create(&out).Error; err != nil {
			if storage.IsConstraintViolation(err) {
				return fmt.Errorf("%w: withdrawal request %s", hub.ErrAlreadyPerformed, chainTxID)
			}
			return fmt.Errorf("insert withdrawal request: %w", err)
		}
		return nil
	})
	return out, err
}

// Observe records a request seen on-chain. On-chain requests are facts and
// are never rejected here; Slash deals with the invalid ones.
func (s *Service) Observe(ctx context.Context, walletID uint64, amount *big.Int, eon uint64, chainTxID string) error {
	return s.store.Transaction(ctx, func(tx *gorm.DB) error {
		return s.ObserveTx(tx, walletID, amount, eon, chainTxID)
	})
}

// ObserveTx is Observe inside the caller's transaction. Replayed events are
// ignored.
func (s *Service) ObserveTx(tx *gorm.DB, walletID uint64, amount *big.Int, eon uint64, chainTxID string) error {
	if chainTxID != "" {
		var count int64
		if err := tx.Model(&storage.WithdrawalRequest{}).Where("chain_tx_id = ?", chainTxID).Count(&count).Error; err != nil {
			return fmt.Errorf("lookup withdrawal request: %w", err)
		}
		if count > 0 {
			return nil
		}
	}
	request := storage.WithdrawalRequest{
		WalletID:  walletID,
		Amount:    storage.NewAmount(amount),
		EonNumber: eon,
		ChainTxID: chainTxID,
	}
	if err := tx.Create(&request).Error; err != nil {
		return fmt.Errorf("insert withdrawal request: %w", err)
	}
	s.logger.Info("withdrawal request observed",
		slog.Uint64("wallet_id", walletID),
		slog.Uint64("eon", eon),
		slog.String("amount", amount.String()))
	return nil
}

// Slash marks every open request of an eon up to eon that its wallet's
// balance does not cover and queues the on-chain slash. Slashing is
// permanent. It returns the number of requests slashed.
func (s *Service) Slash(ctx context.Context, eon uint64) (int, error) {
	var requests []storage.WithdrawalRequest
	err := s.store.DB().WithContext(ctx).
		Where("slashed = ? AND confirmed = ? AND eon_number <= ?", false, false, eon).
		Order("id ASC").
		Find(&requests).Error
	if err != nil {
		return 0, fmt.Errorf("list withdrawal requests: %w", err)
	}
	slashed := 0
	var errs []error
	for _, request := range requests {
		ok, err := s.slash(ctx, request.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			slashed++
		}
	}
	return slashed, errors.Join(errs...)
}

func (s *Service) slash(ctx context.Context, requestID uint64) (bool, error) {
	slashed := false
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var request storage.WithdrawalRequest
		if err := tx.First(&request, "id = ?", requestID).Error; err != nil {
			return fmt.Errorf("load withdrawal request %d: %w", requestID, err)
		}
		wallet, err := storage.LockWallet(tx, request.WalletID)
		if err != nil {
			return err
		}
		if request.Slashed || request.Confirmed {
			return nil
		}
		allotment, _, err := storage.Allotment(tx, wallet.ID, request.EonNumber)
		if err != nil {
			return err
		}
		latest, err := ledger.LatestTx(tx, wallet.ID, request.EonNumber)
		if err != nil {
			return err
		}
		earlier, err := storage.PendingWithdrawals(tx, wallet.ID, request.EonNumber, request.ID)
		if err != nil {
			return err
		}
		available := allotment.Width().Big()
		available.Add(available, latest.Net())
		available.Sub(available, earlier.Big())
		if request.Amount.Big().Cmp(available) <= 0 {
			return nil
		}

		token, err := storage.ParseHexAddress(wallet.Token)
		if err != nil {
			return hub.Invariantf("wallet %d token: %v", wallet.ID, err)
		}
		address, err := storage.ParseHexAddress(wallet.Address)
		if err != nil {
			return hub.Invariantf("wallet %d address: %v", wallet.ID, err)
		}
		_, err = s.queue.SubmitSlash(tx, request.ID, chain.SlashCall{
			Token:     token,
			Wallet:    address,
			Eon:       request.EonNumber,
			Amount:    request.Amount.Big(),
			Checksum:  latest.Checksum,
			Spendings: latest.Spendings,
			Gains:     latest.Gains,
		})
		if err != nil && !errors.Is(err, hub.ErrAlreadyPerformed) {
			return err
		}
		if err := tx.Model(&storage.WithdrawalRequest{}).Where("id = ?", request.ID).Update("slashed", true).Error; err != nil {
			return fmt.Errorf("slash withdrawal request %d: %w", request.ID, err)
		}
		slashed = true
		s.logger.Warn("withdrawal request slashed",
			slog.Uint64("request_id", request.ID),
			slog.Uint64("wallet_id", wallet.ID),
			slog.String("amount", request.Amount.String()),
			slog.String("available", available.String()))
		return nil
	})
	return slashed, err
}

// Confirm queues confirmWithdrawals for every wallet holding requests at
// least two eons old, once the current sub-block has passed the extended
// slack period. Each confirmed request gets one Withdrawal. Wallets whose
// confirmation tag for the current eon already exists are skipped. It
// returns the number of requests confirmed.
func (s *Service) Confirm(ctx context.Context, state storage.ContractState) (int, error) {
	if state.EonNumber < 3 {
		return 0, nil
	}
	params, err := storage.LoadParameters(s.store.DB().WithContext(ctx))
	if err != nil {
		return 0, hub.PriorStatef("contract parameters: %v", err)
	}
	clock, err := epoch.NewClock(epoch.FromParameters(params))
	if err != nil {
		return 0, hub.Invariantf("contract parameters: %v", err)
	}
	if !clock.PastExtendedSlack(state.SubBlock) {
		s.logger.Debug("withdrawal confirmation waits for extended slack",
			slog.Uint64("eon", state.EonNumber),
			slog.Uint64("sub_block", state.SubBlock))
		return 0, nil
	}
	cutoff := state.EonNumber - 2

	var walletIDs []uint64
	err = s.store.DB().WithContext(ctx).Model(&storage.WithdrawalRequest{}).
		Where("slashed = ? AND confirmed = ? AND eon_number <= ?", false, false, cutoff).
		Distinct("wallet_id").
		Order("wallet_id ASC").
		Pluck("wallet_id", &walletIDs).Error
	if err != nil {
		return 0, fmt.Errorf("list confirmable wallets: %w", err)
	}

	confirmed := 0
	var errs []error
	for _, walletID := range walletIDs {
		n, err := s.confirmWallet(ctx, walletID, state.EonNumber, cutoff)
		switch {
		case errors.Is(err, hub.ErrAlreadyPerformed):
			s.logger.Debug("withdrawal confirmation already queued",
				slog.Uint64("wallet_id", walletID),
				slog.Uint64("eon", state.EonNumber))
		case err != nil:
			errs = append(errs, err)
		default:
			confirmed += n
		}
	}
	return confirmed, errors.Join(errs...)
}

func (s *Service) confirmWallet(ctx context.Context, walletID, eon, cutoff uint64) (int, error) {
	count := 0
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		wallet, err := storage.LockWallet(tx, walletID)
		if err != nil {
			return err
		}
		var requests []storage.WithdrawalRequest
		err = tx.Where("wallet_id = ? AND slashed = ? AND confirmed = ? AND eon_number <= ?", walletID, false, false, cutoff).
			Order("id ASC").
			Find(&requests).Error
		if err != nil {
			return fmt.Errorf("list withdrawal requests: %w", err)
		}
		if len(requests) == 0 {
			return nil
		}
		token, err := storage.ParseHexAddress(wallet.Token)
		if err != nil {
			return hub.Invariantf("wallet %d token: %v", wallet.ID, err)
		}
		address, err := storage.ParseHexAddress(wallet.Address)
		if err != nil {
			return hub.Invariantf("wallet %d address: %v", wallet.ID, err)
		}
		out, err := s.queue.QueueConfirmWithdrawal(tx, token, address, eon, wallet.ID)
		if err != nil {
			return err
		}
		for _, request := range requests {
			withdrawal := storage.Withdrawal{
				RequestID:    request.ID,
				WalletID:     wallet.ID,
				Amount:       request.Amount,
				EonNumber:    request.EonNumber,
				OutgoingTxID: out.ID,
			}
			if err := tx.Create(&withdrawal).Error; err != nil {
				if storage.IsConstraintViolation(err) {
					return hub.Invariantf("withdrawal for request %d already exists", request.ID)
				}
				return fmt.Errorf("insert withdrawal: %w", err)
			}
			if err := tx.Model(&storage.WithdrawalRequest{}).Where("id = ?", request.ID).Update("confirmed", true).Error; err != nil {
				return fmt.Errorf("confirm withdrawal request %d: %w", request.ID, err)
			}
		}
		count = len(requests)
		s.logger.Info("withdrawals confirmed",
			slog.Uint64("wallet_id", wallet.ID),
			slog.Uint64("eon", eon),
			slog.Int("requests", count),
			slog.Uint64("nonce", out.Nonce))
		return nil
	})
	return count, err
}
