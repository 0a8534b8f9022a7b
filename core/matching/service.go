package matching

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"commitchain/core/hub"
	"commitchain/core/ledger"
	"commitchain/storage"
)

// Pair names the base and quote tokens of a market.
type Pair struct {
	Base  string
	Quote string
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// Service persists swap orders and settles matches through the ledger.
type Service struct {
	store  *storage.Store
	ledger *ledger.Ledger
	engine Engine
	logger *slog.Logger
}

// New constructs the swap service.
func New(store *storage.Store, l *ledger.Ledger, engine Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, ledger: l, engine: engine, logger: logger}
}

// PlaceRequest is a signed swap order. For a sell order WalletID holds the
// base token and RecipientID the quote token; a buy order is the opposite.
type PlaceRequest struct {
	WalletID        uint64
	RecipientID     uint64
	Side            storage.Side
	Amount          *big.Int
	AmountSwapped   *big.Int
	Nonce           uint64
	Eon             uint64
	WalletSignature []byte
}

// Place records a swap order in pair. Nonces strictly increase per wallet.
func (s *Service) Place(ctx context.Context, pair Pair, req PlaceRequest) (storage.Transfer, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 || req.AmountSwapped == nil || req.AmountSwapped.Sign() <= 0 {
		return storage.Transfer{}, hub.Invariantf("swap amounts must be positive")
	}
	var out storage.Transfer
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		wallet, err := storage.LockWallet(tx, req.WalletID)
		if err != nil {
			return err
		}
		recipient, err := storage.WalletByID(tx, req.RecipientID)
		if err != nil {
			return err
		}
		if err := checkLegs(pair, req.Side, wallet, recipient); err != nil {
			return err
		}
		var last storage.Transfer
		res := tx.Where("wallet_id = ?", req.WalletID).Order("nonce DESC").Limit(1).Find(&last)
		if res.Error != nil {
			return fmt.Errorf("load last nonce: %w", res.Error)
		}
		if res.RowsAffected > 0 && req.Nonce <= last.Nonce {
			return hub.Invariantf("wallet %d nonce %d not above %d", req.WalletID, req.Nonce, last.Nonce)
		}
		swapped := storage.NewAmount(req.AmountSwapped)
		out = storage.Transfer{
			WalletID:        req.WalletID,
			RecipientID:     req.RecipientID,
			Amount:          storage.NewAmount(req.Amount),
			AmountSwapped:   &swapped,
			Side:            req.Side,
			MatchedAmount:   storage.AmountFromUint64(0),
			Nonce:           req.Nonce,
			EonNumber:       req.Eon,
			WalletSignature: req.WalletSignature,
		}
		if err := tx.Create(&out).Error; err != nil {
			if storage.IsConstraintViolation(err) {
				return hub.Invariantf("wallet %d nonce %d already used", req.WalletID, req.Nonce)
			}
			return fmt.Errorf("insert swap: %w", err)
		}
		return nil
	})
	return out, err
}

// Cancel withdraws the unmatched remainder of an order.
func (s *Service) Cancel(ctx context.Context, orderID uint64) error {
	res := s.store.DB().WithContext(ctx).Model(&storage.Transfer{}).
		Where("id = ? AND amount_swapped IS NOT NULL AND complete = ? AND cancelled = ?", orderID, false, false).
		Updates(map[string]any{"cancelled": true, "processed": true})
	if res.Error != nil {
		return fmt.Errorf("cancel swap %d: %w", orderID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: swap %d not open", hub.ErrAlreadyPerformed, orderID)
	}
	return nil
}

func checkLegs(pair Pair, side storage.Side, wallet, recipient storage.Wallet) error {
	if wallet.Address != recipient.Address {
		return hub.Invariantf("swap legs %d and %d belong to different owners", wallet.ID, recipient.ID)
	}
	var give, take string
	switch side {
	case storage.SideSell:
		give, take = pair.Base, pair.Quote
	case storage.SideBuy:
		give, take = pair.Quote, pair.Base
	default:
		return hub.Invariantf("swap side %q", side)
	}
	if wallet.Token != strings.ToLower(give) || recipient.Token != strings.ToLower(take) {
		return hub.Invariantf("swap legs %s->%s do not match %s %s", wallet.Token, recipient.Token, side, pair)
	}
	return nil
}

type openOrder struct {
	transfer storage.Transfer
	order    *Order
}

// Process matches the open orders of pair placed up to eon and settles each
// fill: the seller spends base and gains quote, the buyer spends quote and
// gains base. Orders whose funding wallet cannot cover the outstanding
// obligation sit out the round. It returns the number of fills.
func (s *Service) Process(ctx context.Context, pair Pair, eon uint64) (int, error) {
	fills := 0
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		open, err := s.loadOpen(tx, pair, eon)
		if err != nil {
			return err
		}
		funded, err := s.funded(tx, open, eon)
		if err != nil {
			return err
		}
		orders := make([]*Order, 0, len(funded))
		byID := make(map[uint64]*openOrder, len(funded))
		for _, o := range funded {
			orders = append(orders, o.order)
			byID[o.order.ID] = o
		}
		matched := s.engine.Match(orders)
		for _, fill := range matched {
			if err := s.settle(tx, byID[fill.BuyID], byID[fill.SellID], fill, eon); err != nil {
				return err
			}
		}
		for _, o := range byID {
			if o.order.Matched.Cmp(o.transfer.MatchedAmount.Big()) == 0 {
				continue
			}
			complete := o.order.Remaining().Sign() == 0
			err := tx.Model(&storage.Transfer{}).Where("id = ?", o.transfer.ID).Updates(map[string]any{
				"matched_amount": storage.NewAmount(o.order.Matched),
				"complete":       complete,
				"processed":      complete,
			}).Error
			if err != nil {
				return fmt.Errorf("update swap %d: %w", o.transfer.ID, err)
			}
		}
		fills = len(matched)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if fills > 0 {
		s.logger.Info("swaps matched",
			slog.String("pair", pair.String()),
			slog.Uint64("eon", eon),
			slog.Int("fills", fills))
	}
	return fills, nil
}

func (s *Service) loadOpen(tx *gorm.DB, pair Pair, eon uint64) ([]*openOrder, error) {
	var transfers []storage.Transfer
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Joins("JOIN wallets ON wallets.id = transfers.wallet_id").
		Where("transfers.amount_swapped IS NOT NULL AND transfers.complete = ? AND transfers.cancelled = ? AND transfers.eon_number <= ?", false, false, eon).
		Where("(transfers.side = ? AND wallets.token = ?) OR (transfers.side = ? AND wallets.token = ?)",
			storage.SideSell, strings.ToLower(pair.Base), storage.SideBuy, strings.ToLower(pair.Quote)).
		Order("transfers.id ASC").
		Find(&transfers).Error
	if err != nil {
		return nil, fmt.Errorf("load open swaps: %w", err)
	}
	out := make([]*openOrder, 0, len(transfers))
	for _, t := range transfers {
		wallet, err := storage.WalletByID(tx, t.WalletID)
		if err != nil {
			return nil, err
		}
		out = append(out, &openOrder{
			transfer: t,
			order: &Order{
				ID:            t.ID,
				Owner:         wallet.Address,
				Side:          t.Side,
				Amount:        t.Amount.Big(),
				AmountSwapped: t.AmountSwapped.Big(),
				Matched:       t.MatchedAmount.Big(),
			},
		})
	}
	return out, nil
}

// funded drops orders whose funding wallet balance in eon, after the
// obligations of that wallet's earlier orders, cannot cover the order's
// worst-case remaining spend.
func (s *Service) funded(tx *gorm.DB, open []*openOrder, eon uint64) ([]*openOrder, error) {
	reserved := make(map[uint64]*big.Int)
	out := make([]*openOrder, 0, len(open))
	for _, o := range open {
		walletID := o.transfer.WalletID
		if _, ok := reserved[walletID]; !ok {
			balance, err := ledger.BalanceTx(tx, walletID, eon)
			if err != nil {
				return nil, err
			}
			reserved[walletID] = balance
		}
		need := o.order.Remaining()
		if o.order.Side == storage.SideBuy {
			need.Mul(need, o.order.AmountSwapped)
			need.Add(need, new(big.Int).Sub(o.order.Amount, big.NewInt(1)))
			need.Quo(need, o.order.Amount)
		}
		if reserved[walletID].Cmp(need) < 0 {
			s.logger.Warn("swap order not funded",
				slog.Uint64("order_id", o.transfer.ID),
				slog.Uint64("wallet_id", walletID),
				slog.String("needed", need.String()),
				slog.String("available", reserved[walletID].String()))
			continue
		}
		reserved[walletID].Sub(reserved[walletID], need)
		out = append(out, o)
	}
	return out, nil
}

func (s *Service) settle(tx *gorm.DB, buy, sell *openOrder, fill Fill, eon uint64) error {
	id := uuid.New()
	record := storage.Matching{
		ID:            id,
		LeftOrderID:   fill.BuyID,
		RightOrderID:  fill.SellID,
		Quantity:      storage.NewAmount(fill.Quantity),
		QuoteQuantity: storage.NewAmount(fill.Quote),
		EonNumber:     eon,
	}
	if err := tx.Create(&record).Error; err != nil {
		return fmt.Errorf("insert matching: %w", err)
	}
	item := common.BytesToHash(id[:])
	moves := []struct {
		walletID    uint64
		spend, gain *big.Int
	}{
		{sell.transfer.WalletID, fill.Quantity, nil},
		{sell.transfer.RecipientID, nil, fill.Quote},
		{buy.transfer.WalletID, fill.Quote, nil},
		{buy.transfer.RecipientID, nil, fill.Quantity},
	}
	for _, m := range moves {
		if _, err := s.ledger.CreditTx(tx, m.walletID, eon, m.spend, m.gain, item); err != nil {
			return fmt.Errorf("settle matching %s: %w", id, err)
		}
	}
	return nil
}
