package passive

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
	"gorm.io/gorm/clause"

	"commitchain/core/hub"
	"commitchain/core/ledger"
	"commitchain/core/merkle"
	"commitchain/storage"
)

// Service moves off-chain transfers from sender to recipient and maintains
// each recipient's passive-delivery tree.
type Service struct {
	store  *storage.Store
	ledger *ledger.Ledger
	logger *slog.Logger
}

// New constructs the passive delivery service.
func New(store *storage.Store, l *ledger.Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, ledger: l, logger: logger}
}

// TransferHash commits to the immutable fields of a transfer.
func TransferHash(sender, recipient common.Address, amount *big.Int, nonce, eon uint64) (common.Hash, error) {
	a, err := merkle.Word(amount)
	if err != nil {
		return common.Hash{}, err
	}
	ab, nb, eb := a.Bytes32(), uint256.NewInt(nonce).Bytes32(), uint256.NewInt(eon).Bytes32()
	return crypto.Keccak256Hash(sender.Bytes(), recipient.Bytes(), ab[:], nb[:], eb[:]), nil
}

// SendRequest is a signed off-chain transfer.
type SendRequest struct {
	SenderID        uint64
	RecipientID     uint64
	Amount          *big.Int
	Nonce           uint64
	Eon             uint64
	WalletSignature []byte
}

// Send debits the sender and records the transfer for delivery. Nonces must
// strictly increase per sender, the amount must be covered by the sender's
// balance and req.Eon must be the current on-chain eon.
func (s *Service) Send(ctx context.Context, req SendRequest) (storage.Transfer, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return storage.Transfer{}, hub.Invariantf("transfer amount must be positive")
	}
	if req.SenderID == req.RecipientID {
		return storage.Transfer{}, hub.Invariantf("transfer to self")
	}
	var out storage.Transfer
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		state, err := storage.LoadContractState(tx)
		if err != nil {
			return hub.Unavailable("contract state", err)
		}
		if req.Eon != state.EonNumber {
			return hub.Invariantf("transfer eon %d is not current eon %d", req.Eon, state.EonNumber)
		}
		sender, err := storage.LockWallet(tx, req.SenderID)
		if err != nil {
			return err
		}
		recipient, err := storage.WalletByID(tx, req.RecipientID)
		if err != nil {
			return err
		}
		if sender.Token != recipient.Token {
			return hub.Invariantf("transfer across tokens %s and %s", sender.Token, recipient.Token)
		}
		var last storage.Transfer
		res := tx.Where("wallet_id = ?", req.SenderID).Order("nonce DESC").Limit(1).Find(&last)
		if res.Error != nil {
			return fmt.Errorf("load last nonce: %w", res.Error)
		}
		if res.RowsAffected > 0 && req.Nonce <= last.Nonce {
			return hub.Invariantf("wallet %d nonce %d not above %d", req.SenderID, req.Nonce, last.Nonce)
		}
		balance, err := ledger.BalanceTx(tx, req.SenderID, req.Eon)
		if err != nil {
			return err
		}
		if balance.Cmp(req.Amount) < 0 {
			return hub.Invariantf("wallet %d balance %s below transfer %s", req.SenderID, balance, req.Amount)
		}
		senderAddr, _ := storage.ParseHexAddress(sender.Address)
		recipientAddr, _ := storage.ParseHexAddress(recipient.Address)
		hash, err := TransferHash(senderAddr, recipientAddr, req.Amount, req.Nonce, req.Eon)
		if err != nil {
			return hub.Invariantf("transfer: %v", err)
		}
		out = storage.Transfer{
			WalletID:        req.SenderID,
			RecipientID:     req.RecipientID,
			Amount:          storage.NewAmount(req.Amount),
			MatchedAmount:   storage.AmountFromUint64(0),
			Nonce:           req.Nonce,
			EonNumber:       req.Eon,
			Processed:       true,
			Complete:        true,
			WalletSignature: req.WalletSignature,
		}
		if err := tx.Create(&out).Error; err != nil {
			if storage.IsConstraintViolation(err) {
				return hub.Invariantf("wallet %d nonce %d already used", req.SenderID, req.Nonce)
			}
			return fmt.Errorf("insert transfer: %w", err)
		}
		_, err = s.ledger.CreditTx(tx, req.SenderID, req.Eon, req.Amount, nil, hash)
		return err
	})
	return out, err
}

// Deliver credits every processed, undelivered transfer of eon to its
// recipient and refreshes the recipients' passive roots. It returns the
// number of transfers delivered.
func (s *Service) Deliver(ctx context.Context, eon uint64) (int, error) {
	var recipients []uint64
	err := s.store.DB().WithContext(ctx).Model(&storage.Transfer{}).
		Where("eon_number = ? AND processed = ? AND delivered = ? AND cancelled = ? AND amount_swapped IS NULL", eon, true, false, false).
		Distinct().
		Order("recipient_id ASC").
		Pluck("recipient_id", &recipients).Error
	if err != nil {
		return 0, fmt.Errorf("list pending recipients: %w", err)
	}
	delivered := 0
	var errs []error
	for _, recipientID := range recipients {
		n, err := s.deliverTo(ctx, recipientID, eon)
		if err != nil {
			errs = append(errs, fmt.Errorf("deliver to wallet %d: %w", recipientID, err))
			continue
		}
		delivered += n
	}
	return delivered, errors.Join(errs...)
}

func (s *Service) deliverTo(ctx context.Context, recipientID, eon uint64) (int, error) {
	delivered := 0
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		recipient, err := storage.LockWallet(tx, recipientID)
		if err != nil {
			return err
		}
		var pending []storage.Transfer
		err = tx.Where("recipient_id = ? AND eon_number = ? AND processed = ? AND delivered = ? AND cancelled = ? AND amount_swapped IS NULL",
			recipientID, eon, true, false, false).
			Order("id ASC").
			Find(&pending).Error
		if err != nil {
			return fmt.Errorf("load pending transfers: %w", err)
		}
		offset, err := deliveredTotal(tx, recipientID, eon)
		if err != nil {
			return err
		}
		for _, t := range pending {
			left := new(big.Int).Set(offset)
			offset.Add(offset, t.Amount.Big())
			leftAmount, rightAmount := storage.NewAmount(left), storage.NewAmount(offset)
			err := tx.Model(&storage.Transfer{}).Where("id = ?", t.ID).Updates(map[string]any{
				"delivered":     true,
				"passive_left":  leftAmount,
				"passive_right": rightAmount,
			}).Error
			if err != nil {
				return fmt.Errorf("mark transfer %d: %w", t.ID, err)
			}
			hash, err := s.transferHash(tx, t)
			if err != nil {
				return err
			}
			if _, err := s.ledger.CreditTx(tx, recipientID, eon, nil, t.Amount.Big(), hash); err != nil {
				return err
			}
			delivered++
		}
		tree, _, err := buildTree(tx, recipient, eon)
		if err != nil {
			return err
		}
		record := storage.PassiveDelivery{
			RecipientID: recipientID,
			EonNumber:   eon,
			Root:        storage.HashFrom(tree.Root()),
			Total:       storage.NewAmount(offset),
			LeafCount:   tree.Len(),
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "recipient_id"}, {Name: "eon_number"}},
			DoUpdates: clause.AssignmentColumns([]string{"root", "total", "leaf_count", "updated_at"}),
		}).Create(&record).Error
	})
	if err != nil {
		return 0, err
	}
	s.logger.Debug("passive transfers delivered",
		slog.Uint64("wallet_id", recipientID),
		slog.Uint64("eon", eon),
		slog.Int("count", delivered))
	return delivered, nil
}

func deliveredTotal(tx *gorm.DB, recipientID, eon uint64) (*big.Int, error) {
	var record storage.PassiveDelivery
	err := tx.First(&record, "recipient_id = ? AND eon_number = ?", recipientID, eon).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load passive delivery: %w", err)
	}
	return record.Total.Big(), nil
}

func (s *Service) transferHash(tx *gorm.DB, t storage.Transfer) (common.Hash, error) {
	sender, err := storage.WalletByID(tx, t.WalletID)
	if err != nil {
		return common.Hash{}, err
	}
	recipient, err := storage.WalletByID(tx, t.RecipientID)
	if err != nil {
		return common.Hash{}, err
	}
	senderAddr, err := storage.ParseHexAddress(sender.Address)
	if err != nil {
		return common.Hash{}, err
	}
	recipientAddr, err := storage.ParseHexAddress(recipient.Address)
	if err != nil {
		return common.Hash{}, err
	}
	return TransferHash(senderAddr, recipientAddr, t.Amount.Big(), t.Nonce, t.EonNumber)
}

// buildTree rebuilds the recipient's passive tree for eon over delivered
// transfers in id order.
func buildTree(tx *gorm.DB, recipient storage.Wallet, eon uint64) (*merkle.Tree, []storage.Transfer, error) {
	var transfers []storage.Transfer
	err := tx.Where("recipient_id = ? AND eon_number = ? AND delivered = ? AND amount_swapped IS NULL", recipient.ID, eon, true).
		Order("id ASC").
		Find(&transfers).Error
	if err != nil {
		return nil, nil, fmt.Errorf("load delivered transfers: %w", err)
	}
	recipientAddr, err := storage.ParseHexAddress(recipient.Address)
	if err != nil {
		return nil, nil, err
	}
	leaves := make([]merkle.Leaf, 0, len(transfers))
	for _, t := range transfers {
		leaf, err := leafFor(tx, t, recipientAddr)
		if err != nil {
			return nil, nil, err
		}
		leaves = append(leaves, leaf)
	}
	return merkle.Build(leaves), transfers, nil
}

func leafFor(tx *gorm.DB, t storage.Transfer, recipient common.Address) (merkle.PassiveLeaf, error) {
	if t.PassiveLeft == nil || t.PassiveRight == nil {
		return merkle.PassiveLeaf{}, hub.PriorStatef("transfer %d delivered without passive interval", t.ID)
	}
	sender, err := storage.WalletByID(tx, t.WalletID)
	if err != nil {
		return merkle.PassiveLeaf{}, err
	}
	senderAddr, err := storage.ParseHexAddress(sender.Address)
	if err != nil {
		return merkle.PassiveLeaf{}, err
	}
	hash, err := TransferHash(senderAddr, recipient, t.Amount.Big(), t.Nonce, t.EonNumber)
	if err != nil {
		return merkle.PassiveLeaf{}, err
	}
	return merkle.NewPassiveLeaf(senderAddr, t.PassiveLeft.Big(), t.PassiveRight.Big(), t.Nonce, hash)
}

// Membership is a transfer's passive leaf and its proof.
type Membership struct {
	Transfer storage.Transfer
	Leaf     merkle.PassiveLeaf
	Proof    merkle.Proof
}

// Proof rebuilds the recipient tree containing transferID and returns the
// membership proof of the transfer.
func (s *Service) Proof(ctx context.Context, transferID uint64) (Membership, error) {
	return ProofTx(s.store.DB().WithContext(ctx), transferID)
}

// ProofTx is Proof inside the caller's transaction.
func ProofTx(tx *gorm.DB, transferID uint64) (Membership, error) {
	var t storage.Transfer
	if err := tx.First(&t, "id = ?", transferID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Membership{}, hub.PriorStatef("transfer %d unknown", transferID)
		}
		return Membership{}, fmt.Errorf("load transfer %d: %w", transferID, err)
	}
	if !t.Delivered {
		return Membership{}, hub.PriorStatef("transfer %d not delivered", transferID)
	}
	recipient, err := storage.WalletByID(tx, t.RecipientID)
	if err != nil {
		return Membership{}, err
	}
	tree, transfers, err := buildTree(tx, recipient, t.EonNumber)
	if err != nil {
		return Membership{}, err
	}
	for i, candidate := range transfers {
		if candidate.ID != t.ID {
			continue
		}
		proof, err := tree.Proof(i)
		if err != nil {
			return Membership{}, err
		}
		recipientAddr, _ := storage.ParseHexAddress(recipient.Address)
		leaf, err := leafFor(tx, candidate, recipientAddr)
		if err != nil {
			return Membership{}, err
		}
		return Membership{Transfer: candidate, Leaf: leaf, Proof: proof}, nil
	}
	return Membership{}, hub.PriorStatef("transfer %d missing from passive tree", transferID)
}

// FindDelivered locates the delivered transfer with the given sender nonce.
func FindDelivered(tx *gorm.DB, senderID, recipientID, nonce, eon uint64) (storage.Transfer, error) {
	var t storage.Transfer
	err := tx.First(&t, "wallet_id = ? AND recipient_id = ? AND nonce = ? AND eon_number = ? AND delivered = ?",
		senderID, recipientID, nonce, eon, true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.Transfer{}, hub.PriorStatef("no delivered transfer %d->%d nonce %d in eon %d", senderID, recipientID, nonce, eon)
	}
	if err != nil {
		return storage.Transfer{}, fmt.Errorf("load transfer: %w", err)
	}
	return t, nil
}
