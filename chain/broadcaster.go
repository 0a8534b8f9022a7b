package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"gorm.io/gorm"

	"commitchain/core/hub"
	"commitchain/storage"
)

// Sender is the subset of the Ethereum RPC used to publish transactions.
type Sender interface {
	BlockNumber(ctx context.Context) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Broadcaster signs queued calls and publishes them. It never waits for
// mining; Reconcile picks receipts up on later ticks.
type Broadcaster struct {
	store         *storage.Store
	sender        Sender
	key           *ecdsa.PrivateKey
	chainID       *big.Int
	confirmations uint64
	rebroadcast   uint64
	logger        *slog.Logger
}

// BroadcasterOption customises the broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithConfirmations sets how many blocks a receipt needs before the attempt
// is considered final.
func WithConfirmations(n uint64) BroadcasterOption {
	return func(b *Broadcaster) { b.confirmations = n }
}

// WithRebroadcastAfter re-sends an unmined call after the given number of
// blocks with a fresh gas price.
func WithRebroadcastAfter(blocks uint64) BroadcasterOption {
	return func(b *Broadcaster) { b.rebroadcast = blocks }
}

// WithBroadcastLogger overrides the default logger.
func WithBroadcastLogger(logger *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) { b.logger = logger }
}

// NewBroadcaster constructs a broadcaster signing with key.
func NewBroadcaster(store *storage.Store, sender Sender, key *ecdsa.PrivateKey, chainID uint64, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		store:         store,
		sender:        sender,
		key:           key,
		chainID:       new(big.Int).SetUint64(chainID),
		confirmations: 6,
		rebroadcast:   20,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Broadcast publishes every queued call that has no live attempt. It returns
// the number of transactions sent.
func (b *Broadcaster) Broadcast(ctx context.Context) (int, error) {
	head, err := b.sender.BlockNumber(ctx)
	if err != nil {
		return 0, hub.Unavailable("block number", err)
	}
	var pending []storage.OutgoingTransaction
	err = b.store.DB().WithContext(ctx).
		Preload("Attempts").
		Where("ignored = ?", false).
		Order("nonce ASC").
		Find(&pending).Error
	if err != nil {
		return 0, fmt.Errorf("load outgoing transactions: %w", err)
	}
	sent := 0
	for _, out := range pending {
		if !b.needsAttempt(out, head) {
			continue
		}
		if err := b.send(ctx, out, head); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func (b *Broadcaster) needsAttempt(out storage.OutgoingTransaction, head uint64) bool {
	if len(out.Attempts) == 0 {
		return true
	}
	var latest uint64
	for _, a := range out.Attempts {
		if a.MinedBlock != nil {
			return false
		}
		if a.Block > latest {
			latest = a.Block
		}
	}
	return b.rebroadcast > 0 && head >= latest+b.rebroadcast
}

func (b *Broadcaster) send(ctx context.Context, out storage.OutgoingTransaction, head uint64) error {
	gasPrice, err := b.sender.SuggestGasPrice(ctx)
	if err != nil {
		return hub.Unavailable("suggest gas price", err)
	}
	to, err := storage.ParseHexAddress(out.To)
	if err != nil {
		return hub.Invariantf("outgoing transaction %d: %v", out.ID, err)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    out.Nonce,
		To:       &to,
		Value:    out.Value.Big(),
		Gas:      out.Gas,
		GasPrice: gasPrice,
		Data:     out.Data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(b.chainID), b.key)
	if err != nil {
		return fmt.Errorf("sign outgoing transaction %d: %w", out.ID, err)
	}
	payload, err := signed.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode outgoing transaction %d: %w", out.ID, err)
	}
	if err := b.sender.SendTransaction(ctx, signed); err != nil {
		return hub.Unavailable(fmt.Sprintf("send transaction nonce %d", out.Nonce), err)
	}
	attempt := storage.TransactionAttempt{
		TransactionID: out.ID,
		Block:         head,
		GasPrice:      storage.NewAmount(gasPrice),
		SignedPayload: payload,
		Hash:          storage.HashFrom(signed.Hash()),
	}
	if err := b.store.DB().WithContext(ctx).Create(&attempt).Error; err != nil {
		return fmt.Errorf("record attempt for %d: %w", out.ID, err)
	}
	b.logger.Info("outgoing transaction broadcast",
		slog.Uint64("nonce", out.Nonce),
		slog.String("tag", out.Tag),
		slog.String("hash", signed.Hash().Hex()))
	return nil
}

// Reconcile records mined blocks and confirmations for open attempts. It
// returns the number of attempts newly confirmed.
func (b *Broadcaster) Reconcile(ctx context.Context) (int, error) {
	head, err := b.sender.BlockNumber(ctx)
	if err != nil {
		return 0, hub.Unavailable("block number", err)
	}
	var open []storage.TransactionAttempt
	if err := b.store.DB().WithContext(ctx).Where("confirmed = ?", false).Order("id ASC").Find(&open).Error; err != nil {
		return 0, fmt.Errorf("load open attempts: %w", err)
	}
	confirmed := 0
	for _, attempt := range open {
		receipt, err := b.sender.TransactionReceipt(ctx, attempt.Hash.Common())
		if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
			continue
		}
		if err != nil {
			return confirmed, hub.Unavailable("transaction receipt", err)
		}
		if receipt.BlockNumber == nil || !receipt.BlockNumber.IsUint64() {
			continue
		}
		mined := receipt.BlockNumber.Uint64()
		if attempt.MinedBlock != nil && receipt.Status != gethtypes.ReceiptStatusSuccessful {
			continue
		}
		updates := map[string]any{"mined_block": mined}
		final := head+1 >= mined+b.confirmations
		if final && receipt.Status == gethtypes.ReceiptStatusSuccessful {
			updates["confirmed"] = true
			confirmed++
		}
		err = b.store.Transaction(ctx, func(tx *gorm.DB) error {
			return tx.Model(&storage.TransactionAttempt{}).Where("id = ?", attempt.ID).Updates(updates).Error
		})
		if err != nil {
			return confirmed, fmt.Errorf("update attempt %d: %w", attempt.ID, err)
		}
		if receipt.Status != gethtypes.ReceiptStatusSuccessful {
			b.logger.Error("outgoing transaction reverted",
				slog.Uint64("transaction_id", attempt.TransactionID),
				slog.String("hash", attempt.Hash.Common().Hex()))
		}
	}
	return confirmed, nil
}
