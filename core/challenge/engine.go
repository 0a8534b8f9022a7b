package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"commitchain/chain"
	"commitchain/core/checkpoint"
	"commitchain/core/hub"
	"commitchain/core/ledger"
	"commitchain/core/passive"
	"commitchain/storage"
)

// Report summarises one response pass.
type Report struct {
	Opened    int
	Responded int
	Conceded  int
}

// Engine answers on-chain disputes against the operator's commitments.
type Engine struct {
	store    *storage.Store
	contract chain.Contract
	queue    *chain.Queue
	tokens   []common.Address
	logger   *slog.Logger
}

// Option customises the engine.
type Option func(*Engine)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New constructs a challenge engine for the given tokens.
func New(store *storage.Store, contract chain.Contract, queue *chain.Queue, tokens []common.Address, opts ...Option) *Engine {
	e := &Engine{store: store, contract: contract, queue: queue, tokens: tokens, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Respond records newly issued challenges and queues a defensive proof for
// every open one. Challenges whose deadline has passed are conceded.
// Challenges that cannot be answered stay OPENED and are reported as
// hub.ErrInsufficientPriorState on every pass.
func (e *Engine) Respond(ctx context.Context, state storage.ContractState) (Report, error) {
	var report Report
	var errs []error
	if state.LiveChallengeCount > 0 {
		for _, token := range e.tokens {
			events, err := e.contract.LiveChallenges(ctx, token, state.EonNumber)
			if err != nil {
				return report, hub.Unavailable("live challenges", err)
			}
			for _, ev := range events {
				opened, err := e.record(ctx, ev)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if opened {
					report.Opened++
				}
			}
		}
	}

	var open []storage.Challenge
	err := e.store.DB().WithContext(ctx).
		Where("state = ?", storage.ChallengeOpened).
		Order("deadline_block ASC, id ASC").
		Find(&open).Error
	if err != nil {
		return report, fmt.Errorf("list open challenges: %w", err)
	}
	for _, ch := range open {
		if state.Block >= ch.DeadlineBlock {
			if err := e.concede(ctx, ch); err != nil {
				errs = append(errs, err)
				continue
			}
			report.Conceded++
			errs = append(errs, hub.PriorStatef("challenge %s expired unanswered at block %d", ch.ChainRef, ch.DeadlineBlock))
			continue
		}
		if err := e.answer(ctx, ch.ID); err != nil {
			e.logger.Error("challenge unanswered",
				slog.String("ref", ch.ChainRef),
				slog.String("kind", string(ch.Kind)),
				slog.Uint64("wallet_id", ch.WalletID),
				slog.Uint64("deadline", ch.DeadlineBlock),
				slog.Any("error", err))
			errs = append(errs, fmt.Errorf("challenge %s: %w", ch.ChainRef, err))
			continue
		}
		report.Responded++
	}
	return report, errors.Join(errs...)
}

func (e *Engine) record(ctx context.Context, ev chain.ChallengeEvent) (bool, error) {
	opened := false
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		wallet, err := storage.WalletByAddress(tx, storage.HexAddress(ev.Token), storage.HexAddress(ev.Wallet))
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return hub.PriorStatef("challenge %s against unknown wallet %s", ev.Ref, ev.Wallet.Hex())
		}
		if err != nil {
			return fmt.Errorf("resolve challenged wallet: %w", err)
		}
		record := storage.Challenge{
			ChainRef:      ev.Ref,
			Kind:          ev.Kind,
			WalletID:      wallet.ID,
			EonNumber:     ev.Eon,
			DeadlineBlock: ev.Deadline,
			State:         storage.ChallengeOpened,
		}
		if ev.Kind == storage.ChallengeDelivery {
			sender, err := storage.WalletByAddress(tx, storage.HexAddress(ev.Token), storage.HexAddress(ev.Sender))
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return hub.PriorStatef("delivery challenge %s from unknown sender %s", ev.Ref, ev.Sender.Hex())
			}
			if err != nil {
				return fmt.Errorf("resolve challenge sender: %w", err)
			}
			nonce := ev.Nonce
			record.CounterpartyID = &sender.ID
			record.TransferNonce = &nonce
		}
		result := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "chain_ref"}}, DoNothing: true}).Create(&record)
		if result.Error != nil {
			return fmt.Errorf("insert challenge %s: %w", ev.Ref, result.Error)
		}
		opened = result.RowsAffected > 0
		return nil
	})
	if opened {
		e.logger.Warn("challenge opened",
			slog.String("ref", ev.Ref),
			slog.String("kind", string(ev.Kind)),
			slog.String("wallet", ev.Wallet.Hex()),
			slog.Uint64("eon", ev.Eon),
			slog.Uint64("deadline", ev.Deadline))
	}
	return opened, err
}

func (e *Engine) concede(ctx context.Context, ch storage.Challenge) error {
	err := e.store.DB().WithContext(ctx).Model(&storage.Challenge{}).
		Where("id = ? AND state = ?", ch.ID, storage.ChallengeOpened).
		Update("state", storage.ChallengeExpiredConceded).Error
	if err != nil {
		return fmt.Errorf("concede challenge %s: %w", ch.ChainRef, err)
	}
	e.logger.Error("challenge conceded",
		slog.String("ref", ch.ChainRef),
		slog.Uint64("wallet_id", ch.WalletID),
		slog.Uint64("deadline", ch.DeadlineBlock))
	return nil
}

func (e *Engine) answer(ctx context.Context, id uint64) error {
	return e.store.Transaction(ctx, func(tx *gorm.DB) error {
		var ch storage.Challenge
		if err := tx.First(&ch, "id = ?", id).Error; err != nil {
			return fmt.Errorf("load challenge %d: %w", id, err)
		}
		if ch.State != storage.ChallengeOpened {
			return nil
		}
		if ch.EonNumber < 2 {
			return hub.PriorStatef("challenge against eon %d without a prior checkpoint", ch.EonNumber)
		}
		wallet, err := storage.WalletByID(tx, ch.WalletID)
		if err != nil {
			return err
		}
		var data []byte
		switch ch.Kind {
		case storage.ChallengeStateUpdate:
			data, err = stateUpdateAnswer(tx, wallet, ch)
		case storage.ChallengeDelivery:
			data, err = deliveryAnswer(tx, wallet, ch)
		default:
			err = hub.Invariantf("unknown challenge kind %q", ch.Kind)
		}
		if err != nil {
			return err
		}
		out, err := e.queue.SubmitChallengeResponse(tx, ch.ChainRef, data)
		if errors.Is(err, hub.ErrAlreadyPerformed) {
			err = tx.Where("tag = ?", chain.ChallengeTag(ch.ChainRef)).First(&out).Error
		}
		if err != nil {
			return err
		}
		err = tx.Model(&storage.Challenge{}).Where("id = ?", ch.ID).
			Updates(map[string]any{"state": storage.ChallengeResponded, "outgoing_tx_id": out.ID}).Error
		if err != nil {
			return fmt.Errorf("mark challenge responded: %w", err)
		}
		e.logger.Info("challenge answered",
			slog.String("ref", ch.ChainRef),
			slog.String("kind", string(ch.Kind)),
			slog.Uint64("nonce", out.Nonce))
		return nil
	})
}

func addresses(wallet storage.Wallet) (common.Address, common.Address, error) {
	token, err := storage.ParseHexAddress(wallet.Token)
	if err != nil {
		return common.Address{}, common.Address{}, hub.Invariantf("wallet %d token: %v", wallet.ID, err)
	}
	address, err := storage.ParseHexAddress(wallet.Address)
	if err != nil {
		return common.Address{}, common.Address{}, hub.Invariantf("wallet %d address: %v", wallet.ID, err)
	}
	return token, address, nil
}

// stateUpdateAnswer proves the wallet's closing state of eon-1 and its
// allotment in the checkpoint of eon.
func stateUpdateAnswer(tx *gorm.DB, wallet storage.Wallet, ch storage.Challenge) ([]byte, error) {
	token, address, err := addresses(wallet)
	if err != nil {
		return nil, err
	}
	allotment, proof, err := checkpoint.LoadProof(tx, wallet, ch.EonNumber)
	if err != nil {
		return nil, err
	}
	latest, err := ledger.LatestTx(tx, wallet.ID, ch.EonNumber-1)
	if err != nil {
		return nil, err
	}
	if latest.Checksum != allotment.ActiveStateChecksum.Common() {
		return nil, hub.PriorStatef("wallet %d active state of eon %d diverged from its checkpoint", wallet.ID, ch.EonNumber-1)
	}
	var nonce uint64
	err = tx.Model(&storage.Transfer{}).
		Where("recipient_id = ? AND eon_number = ? AND delivered = ?", wallet.ID, ch.EonNumber-1, true).
		Select("COALESCE(MAX(nonce), 0)").
		Scan(&nonce).Error
	if err != nil {
		return nil, fmt.Errorf("highest delivered nonce: %w", err)
	}
	return chain.PackStateUpdateAnswer(chain.StateUpdateAnswer{
		Token:     token,
		Wallet:    address,
		Eon:       ch.EonNumber,
		Checksum:  latest.Checksum,
		Spendings: latest.Spendings,
		Gains:     latest.Gains,
		TxSetHash: latest.TxSetHash,
		Nonce:     nonce,
		Left:      allotment.Left.Big(),
		Right:     allotment.Right.Big(),
		Proof:     proof,
	})
}

// deliveryAnswer proves the disputed transfer of eon-1 sits in the
// recipient's passive tree, together with the recipient's allotment of eon.
func deliveryAnswer(tx *gorm.DB, recipient storage.Wallet, ch storage.Challenge) ([]byte, error) {
	if ch.CounterpartyID == nil || ch.TransferNonce == nil {
		return nil, hub.Invariantf("delivery challenge %s without sender nonce", ch.ChainRef)
	}
	token, recipientAddr, err := addresses(recipient)
	if err != nil {
		return nil, err
	}
	sender, err := storage.WalletByID(tx, *ch.CounterpartyID)
	if err != nil {
		return nil, err
	}
	_, senderAddr, err := addresses(sender)
	if err != nil {
		return nil, err
	}
	transfer, err := passive.FindDelivered(tx, sender.ID, recipient.ID, *ch.TransferNonce, ch.EonNumber-1)
	if err != nil {
		return nil, err
	}
	membership, err := passive.ProofTx(tx, transfer.ID)
	if err != nil {
		return nil, err
	}
	allotment, proof, err := checkpoint.LoadProof(tx, recipient, ch.EonNumber)
	if err != nil {
		return nil, err
	}
	return chain.PackDeliveryAnswer(chain.DeliveryAnswer{
		Token:        token,
		Sender:       senderAddr,
		Recipient:    recipientAddr,
		Eon:          ch.EonNumber,
		Nonce:        transfer.Nonce,
		TransferHash: membership.Leaf.TransferHash,
		PassiveLeft:  membership.Leaf.Left.ToBig(),
		PassiveRight: membership.Leaf.Right.ToBig(),
		PassiveProof: membership.Proof,
		Left:         allotment.Left.Big(),
		Right:        allotment.Right.Big(),
		Proof:        proof,
	})
}
