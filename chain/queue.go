package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"commitchain/core/hub"
	"commitchain/storage"
)

// Idempotency tags. A tag is unique across the outgoing queue, so a second
// tick observing the same opportunity cannot enqueue a duplicate call.

// CheckpointTag keys a checkpoint submission.
func CheckpointTag(eon uint64, token string) string {
	return fmt.Sprintf("checkpoint_%d_%s", eon, token)
}

// ConfirmationTag keys a per-wallet withdrawal confirmation.
func ConfirmationTag(eon, walletID uint64) string {
	return fmt.Sprintf("withdrawal_confirmation_%d_%d", eon, walletID)
}

// ChallengeTag keys a challenge response.
func ChallengeTag(chainRef string) string {
	return "challenge_response_" + chainRef
}

// SlashTag keys a withdrawal slash.
func SlashTag(requestID uint64) string {
	return fmt.Sprintf("withdrawal_slash_%d", requestID)
}

// QueueConfig describes the account that signs outgoing calls.
type QueueConfig struct {
	ChainID  uint64
	From     common.Address
	Contract common.Address
	// GasLimit is applied to every queued call.
	GasLimit uint64
	// BaseNonce is the account nonce used when the queue is empty.
	BaseNonce uint64
}

// Queue persists outgoing verifier calls inside the caller's transaction.
type Queue struct {
	cfg QueueConfig
}

// NewQueue constructs a queue.
func NewQueue(cfg QueueConfig) *Queue {
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 500_000
	}
	return &Queue{cfg: cfg}
}

// Config returns the queue configuration.
func (q *Queue) Config() QueueConfig {
	return q.cfg
}

// TagExists reports whether a call with tag was already queued.
func (q *Queue) TagExists(tx *gorm.DB, tag string) (bool, error) {
	var count int64
	if err := tx.Model(&storage.OutgoingTransaction{}).Where("tag = ?", tag).Count(&count).Error; err != nil {
		return false, fmt.Errorf("lookup tag %s: %w", tag, err)
	}
	return count > 0, nil
}

// Enqueue assigns the next nonce and persists data as a call to the
// verifier. An existing tag yields hub.ErrAlreadyPerformed.
func (q *Queue) Enqueue(tx *gorm.DB, tag string, data []byte) (storage.OutgoingTransaction, error) {
	if tag != "" {
		exists, err := q.TagExists(tx, tag)
		if err != nil {
			return storage.OutgoingTransaction{}, err
		}
		if exists {
			return storage.OutgoingTransaction{}, fmt.Errorf("%w: %s", hub.ErrAlreadyPerformed, tag)
		}
	}
	nonce, err := q.nextNonce(tx)
	if err != nil {
		return storage.OutgoingTransaction{}, err
	}
	record := storage.OutgoingTransaction{
		ChainID: q.cfg.ChainID,
		From:    storage.HexAddress(q.cfg.From),
		To:      storage.HexAddress(q.cfg.Contract),
		Gas:     q.cfg.GasLimit,
		Data:    data,
		Value:   storage.AmountFromUint64(0),
		Nonce:   nonce,
		Tag:     tag,
	}
	if err := tx.Create(&record).Error; err != nil {
		if storage.IsConstraintViolation(err) {
			return storage.OutgoingTransaction{}, hub.Invariantf("outgoing nonce %d or tag %q already used", nonce, tag)
		}
		return storage.OutgoingTransaction{}, fmt.Errorf("insert outgoing transaction: %w", err)
	}
	return record, nil
}

func (q *Queue) nextNonce(tx *gorm.DB) (uint64, error) {
	var last storage.OutgoingTransaction
	res := tx.Order("nonce DESC").Limit(1).Find(&last)
	if res.Error != nil {
		return 0, fmt.Errorf("load last nonce: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return q.cfg.BaseNonce, nil
	}
	if last.Nonce+1 < q.cfg.BaseNonce {
		return q.cfg.BaseNonce, nil
	}
	return last.Nonce + 1, nil
}

// SubmitCheckpoint queues the commitment of (token, eon).
func (q *Queue) SubmitCheckpoint(tx *gorm.DB, token common.Address, eon uint64, root common.Hash, upperBound *big.Int) (storage.OutgoingTransaction, error) {
	data, err := PackSubmitCheckpoint(token, eon, root, upperBound)
	if err != nil {
		return storage.OutgoingTransaction{}, fmt.Errorf("pack checkpoint: %w", err)
	}
	return q.Enqueue(tx, CheckpointTag(eon, storage.HexAddress(token)), data)
}

// QueueConfirmWithdrawal queues confirmWithdrawals for one wallet.
func (q *Queue) QueueConfirmWithdrawal(tx *gorm.DB, token, wallet common.Address, eon, walletID uint64) (storage.OutgoingTransaction, error) {
	data, err := PackConfirmWithdrawals(token, wallet)
	if err != nil {
		return storage.OutgoingTransaction{}, fmt.Errorf("pack confirmation: %w", err)
	}
	return q.Enqueue(tx, ConfirmationTag(eon, walletID), data)
}

// SubmitChallengeResponse queues pre-encoded challenge calldata.
func (q *Queue) SubmitChallengeResponse(tx *gorm.DB, chainRef string, data []byte) (storage.OutgoingTransaction, error) {
	return q.Enqueue(tx, ChallengeTag(chainRef), data)
}

// SubmitSlash queues slashWithdrawal for a request.
func (q *Queue) SubmitSlash(tx *gorm.DB, requestID uint64, call SlashCall) (storage.OutgoingTransaction, error) {
	data, err := PackSlashWithdrawal(call)
	if err != nil {
		return storage.OutgoingTransaction{}, fmt.Errorf("pack slash: %w", err)
	}
	return q.Enqueue(tx, SlashTag(requestID), data)
}
