package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Wallet is a (token, address) pair admitted to the hub. The registration
// authorization is the operator's countersignature over the admission digest
// and is required at the column level.
type Wallet struct {
	ID                        uint64 `gorm:"primaryKey"`
	Token                     string `gorm:"size:40;not null;uniqueIndex:idx_wallet_token_address,priority:1;check:chk_wallet_token_width,length(token) = 40"`
	Address                   string `gorm:"size:40;not null;uniqueIndex:idx_wallet_token_address,priority:2;check:chk_wallet_address_width,length(address) = 40"`
	RegistrationEon           uint64 `gorm:"not null"`
	RegistrationAuthorization []byte `gorm:"not null;check:chk_wallet_authorization,length(registration_authorization) > 0"`
	CreatedAt                 time.Time
}

// AdmissionRequest is a pending registration awaiting operator countersignature.
type AdmissionRequest struct {
	ID              uint64 `gorm:"primaryKey"`
	Token           string `gorm:"size:40;not null;check:chk_admission_token_width,length(token) = 40"`
	Address         string `gorm:"size:40;not null;check:chk_admission_address_width,length(address) = 40"`
	WalletSignature []byte
	Processed       bool `gorm:"not null;default:false;index"`
	CreatedAt       time.Time
}

// ActiveState is one countersigned cumulative spend/gain record for a wallet
// in an eon. Records are never mutated; the unique sequence slot makes every
// insert a compare-and-swap against the previously observed latest record.
type ActiveState struct {
	ID                uint64 `gorm:"primaryKey"`
	WalletID          uint64 `gorm:"not null;uniqueIndex:idx_active_state_slot,priority:1"`
	EonNumber         uint64 `gorm:"not null;uniqueIndex:idx_active_state_slot,priority:2"`
	Sequence          uint64 `gorm:"not null;uniqueIndex:idx_active_state_slot,priority:3;check:chk_active_state_sequence,sequence > 0"`
	UpdatedSpendings  Amount `gorm:"not null"`
	UpdatedGains      Amount `gorm:"not null"`
	TxSetHash         Hash   `gorm:"size:64;not null"`
	WalletSignature   []byte
	OperatorSignature []byte `gorm:"not null;check:chk_active_state_operator_sig,length(operator_signature) > 0"`
	Checksum          Hash   `gorm:"size:64;not null;index"`
	CreatedAt         time.Time
}

// ExclusiveBalanceAllotment is a wallet's disjoint interval [Left, Right) for
// an eon together with its membership proof in the token commitment.
type ExclusiveBalanceAllotment struct {
	ID                  uint64 `gorm:"primaryKey"`
	WalletID            uint64 `gorm:"not null;uniqueIndex:idx_allotment_wallet_eon,priority:1"`
	EonNumber           uint64 `gorm:"not null;uniqueIndex:idx_allotment_wallet_eon,priority:2;index"`
	Left                Amount `gorm:"column:left_bound;not null"`
	Right               Amount `gorm:"column:right_bound;not null"`
	MerkleProof         []byte `gorm:"not null"`
	MerkleTrail         string `gorm:"not null"`
	ActiveStateChecksum Hash   `gorm:"size:64;not null"`
	CreatedAt           time.Time
}

// TokenCommitment is the append-only per (token, eon) checkpoint root.
// OutgoingTxID is set once the submission is queued. Submitted is set once
// the verifier reports the same root as its last checkpoint.
type TokenCommitment struct {
	ID           uint64 `gorm:"primaryKey"`
	Token        string `gorm:"size:40;not null;uniqueIndex:idx_commitment_token_eon,priority:1"`
	EonNumber    uint64 `gorm:"not null;uniqueIndex:idx_commitment_token_eon,priority:2"`
	Root         Hash   `gorm:"size:64;not null"`
	UpperBound   Amount `gorm:"not null"`
	WalletCount  int    `gorm:"not null"`
	Submitted    bool   `gorm:"not null;default:false"`
	OutgoingTxID *uint64
	CreatedAt    time.Time
}

// Deposit is an on-chain deposit credited to a wallet's gains.
type Deposit struct {
	ID        uint64 `gorm:"primaryKey"`
	WalletID  uint64 `gorm:"not null;index"`
	Amount    Amount `gorm:"not null"`
	Block     uint64 `gorm:"not null"`
	EonNumber uint64 `gorm:"not null;index"`
	ChainTxID string `gorm:"size:160;not null;uniqueIndex"`
	Credited  bool   `gorm:"not null;default:false;index"`
	CreatedAt time.Time
}

// UnclaimedDeposit is an on-chain deposit whose wallet was not admitted when
// it was synced. Admission of (Token, Address) moves it into Deposit.
type UnclaimedDeposit struct {
	ID        uint64 `gorm:"primaryKey"`
	Token     string `gorm:"size:40;not null;index:idx_unclaimed_owner,priority:1"`
	Address   string `gorm:"size:40;not null;index:idx_unclaimed_owner,priority:2"`
	Amount    Amount `gorm:"not null"`
	Block     uint64 `gorm:"not null"`
	EonNumber uint64 `gorm:"not null"`
	ChainTxID string `gorm:"size:160;not null;uniqueIndex"`
	Claimed   bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
}

// WithdrawalRequest is a wallet's on-chain withdrawal claim.
type WithdrawalRequest struct {
	ID        uint64 `gorm:"primaryKey"`
	WalletID  uint64 `gorm:"not null;index"`
	Amount    Amount `gorm:"not null"`
	EonNumber uint64 `gorm:"not null;index"`
	Slashed   bool   `gorm:"not null;default:false"`
	Confirmed bool   `gorm:"not null;default:false"`
	ChainTxID string `gorm:"size:160;uniqueIndex:idx_withdrawal_chain_tx,where:chain_tx_id <> ''"`
	CreatedAt time.Time
}

// Withdrawal is the confirmed counterpart of a WithdrawalRequest.
type Withdrawal struct {
	ID           uint64 `gorm:"primaryKey"`
	RequestID    uint64 `gorm:"not null;uniqueIndex"`
	WalletID     uint64 `gorm:"not null;index"`
	Amount       Amount `gorm:"not null"`
	EonNumber    uint64 `gorm:"not null"`
	OutgoingTxID uint64 `gorm:"not null"`
	CreatedAt    time.Time
}

// ContractState mirrors on-chain verifier state. It is a single row.
type ContractState struct {
	ID                                 uint64 `gorm:"primaryKey;check:chk_contract_state_singleton,id = 1"`
	Block                              uint64 `gorm:"not null"`
	EonNumber                          uint64 `gorm:"not null"`
	SubBlock                           uint64 `gorm:"not null"`
	LastCheckpointRoot                 Hash   `gorm:"size:64;not null"`
	LastCheckpointEon                  uint64 `gorm:"not null"`
	IsCheckpointSubmittedForCurrentEon bool   `gorm:"not null"`
	HasMissedCheckpointSubmission      bool   `gorm:"not null"`
	LiveChallengeCount                 uint64 `gorm:"not null"`
	SyncedAt                           time.Time
}

// ContractParameters holds the verifier constants. Written exactly once.
type ContractParameters struct {
	ID                  uint64 `gorm:"primaryKey;check:chk_contract_parameters_singleton,id = 1"`
	GenesisBlock        uint64 `gorm:"not null"`
	BlocksPerEon        uint64 `gorm:"not null;check:chk_blocks_per_eon,blocks_per_eon > 0"`
	EonsKept            uint64 `gorm:"not null"`
	ChallengeCost       Amount `gorm:"not null"`
	ExtendedSlackPeriod uint64 `gorm:"not null"`
	CreatedAt           time.Time
}

// Side identifies the book side of a swap order.
type Side string

const (
	// SideNone marks a plain transfer.
	SideNone Side = ""
	// SideBuy orders pay quote for base.
	SideBuy Side = "buy"
	// SideSell orders pay base for quote.
	SideSell Side = "sell"
)

// Transfer is an off-chain transfer or, when AmountSwapped is set, a swap
// order. Nonces are unique per sender wallet.
type Transfer struct {
	ID              uint64  `gorm:"primaryKey"`
	WalletID        uint64  `gorm:"not null;uniqueIndex:idx_transfer_wallet_nonce,priority:1"`
	RecipientID     uint64  `gorm:"not null;index"`
	Amount          Amount  `gorm:"not null"`
	AmountSwapped   *Amount `gorm:""`
	Side            Side    `gorm:"size:4;not null;default:''"`
	MatchedAmount   Amount  `gorm:"not null"`
	Nonce           uint64  `gorm:"not null;uniqueIndex:idx_transfer_wallet_nonce,priority:2"`
	EonNumber       uint64  `gorm:"not null;index"`
	Processed       bool    `gorm:"not null;default:false"`
	Complete        bool    `gorm:"not null;default:false"`
	Cancelled       bool    `gorm:"not null;default:false"`
	Delivered       bool    `gorm:"not null;default:false"`
	PassiveLeft     *Amount
	PassiveRight    *Amount
	WalletSignature []byte
	CreatedAt       time.Time
}

// IsSwap reports whether the record is a swap order.
func (t Transfer) IsSwap() bool {
	return t.AmountSwapped != nil
}

// PassiveDelivery is the root of a recipient's passive-delivery tree for an eon.
type PassiveDelivery struct {
	ID          uint64 `gorm:"primaryKey"`
	RecipientID uint64 `gorm:"not null;uniqueIndex:idx_passive_recipient_eon,priority:1"`
	EonNumber   uint64 `gorm:"not null;uniqueIndex:idx_passive_recipient_eon,priority:2"`
	Root        Hash   `gorm:"size:64;not null"`
	Total       Amount `gorm:"not null"`
	LeafCount   int    `gorm:"not null"`
	UpdatedAt   time.Time
}

// Matching pairs a buy and a sell order for a matched base quantity.
type Matching struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	LeftOrderID   uint64    `gorm:"not null;index"`
	RightOrderID  uint64    `gorm:"not null;index"`
	Quantity      Amount    `gorm:"not null"`
	QuoteQuantity Amount    `gorm:"not null"`
	EonNumber     uint64    `gorm:"not null;index"`
	CreatedAt     time.Time
}

// ChallengeKind enumerates the disputes the operator answers.
type ChallengeKind string

const (
	// ChallengeStateUpdate disputes a wallet's committed balance.
	ChallengeStateUpdate ChallengeKind = "state_update"
	// ChallengeDelivery disputes delivery of a specific transfer.
	ChallengeDelivery ChallengeKind = "delivery"
)

// ChallengeState is the lifecycle position of a challenge.
type ChallengeState string

const (
	ChallengeOpened          ChallengeState = "OPENED"
	ChallengeResponded       ChallengeState = "RESPONDED"
	ChallengeExpiredConceded ChallengeState = "EXPIRED_CONCEDED"
)

// Challenge is the operator's record of an on-chain dispute.
type Challenge struct {
	ID             uint64        `gorm:"primaryKey"`
	ChainRef       string        `gorm:"size:160;not null;uniqueIndex"`
	Kind           ChallengeKind `gorm:"size:16;not null"`
	WalletID       uint64        `gorm:"not null;index"`
	EonNumber      uint64        `gorm:"not null"`
	DeadlineBlock  uint64        `gorm:"not null"`
	CounterpartyID *uint64
	TransferNonce  *uint64
	State          ChallengeState `gorm:"size:24;not null;index"`
	OutgoingTxID   *uint64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OutgoingTransaction is a durable, queued base-chain call.
type OutgoingTransaction struct {
	ID        uint64 `gorm:"primaryKey"`
	ChainID   uint64 `gorm:"not null"`
	From      string `gorm:"column:from_address;size:40;not null"`
	To        string `gorm:"column:to_address;size:40;not null"`
	Gas       uint64 `gorm:"not null"`
	Data      []byte
	Value     Amount `gorm:"not null"`
	Nonce     uint64 `gorm:"not null;uniqueIndex"`
	Tag       string `gorm:"size:160;uniqueIndex:idx_outgoing_tag,where:tag <> ''"`
	Ignore    bool   `gorm:"column:ignored;not null;default:false"`
	CreatedAt time.Time
	Attempts  []TransactionAttempt `gorm:"foreignKey:TransactionID"`
}

// TransactionAttempt records one broadcast try of an OutgoingTransaction.
type TransactionAttempt struct {
	ID            uint64 `gorm:"primaryKey"`
	TransactionID uint64 `gorm:"not null;index"`
	Block         uint64 `gorm:"not null"`
	GasPrice      Amount `gorm:"not null"`
	SignedPayload []byte `gorm:"not null"`
	Hash          Hash   `gorm:"size:64;not null;uniqueIndex"`
	MinedBlock    *uint64
	Confirmed     bool `gorm:"not null;default:false"`
	CreatedAt     time.Time
}

// AutoMigrate applies the schema for every ledger table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Wallet{},
		&AdmissionRequest{},
		&ActiveState{},
		&ExclusiveBalanceAllotment{},
		&TokenCommitment{},
		&Deposit{},
		&UnclaimedDeposit{},
		&WithdrawalRequest{},
		&Withdrawal{},
		&ContractState{},
		&ContractParameters{},
		&Transfer{},
		&PassiveDelivery{},
		&Matching{},
		&Challenge{},
		&OutgoingTransaction{},
		&TransactionAttempt{},
	)
}
