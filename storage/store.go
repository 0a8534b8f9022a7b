package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"commitchain/core/hub"
)

const (
	// DriverSQLite selects the embedded pure-Go SQLite backend.
	DriverSQLite = "sqlite"
	// DriverPostgres selects PostgreSQL.
	DriverPostgres = "postgres"
)

var (
	// ErrPathRequired is returned when the backing store DSN is missing.
	ErrPathRequired = errors.New("storage dsn must be configured")
	// ErrNotSynced is returned before the first contract sync populated the
	// state or parameter rows.
	ErrNotSynced = errors.New("storage: contract state not synced")
)

// Store wraps the ledger database.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured backend and applies the schema.
func Open(driver, dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		dialector = sqlite.Open(trimmed)
	case DriverPostgres:
		dialector = postgres.Open(trimmed)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: nil database")
	}
	if db.Dialector.Name() == DriverSQLite {
		// SQLite serialises writers; a single connection keeps row locks and
		// in-memory databases coherent.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn inside a single database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// IsConstraintViolation reports whether err was raised by a unique or check
// constraint.
func IsConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, gorm.ErrCheckConstraintViolated) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "CHECK constraint failed") ||
		strings.Contains(msg, "NOT NULL constraint failed") ||
		strings.Contains(msg, "SQLSTATE 23")
}

// LockWallet loads a wallet holding a row lock for the rest of tx.
func LockWallet(tx *gorm.DB, walletID uint64) (Wallet, error) {
	var wallet Wallet
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&wallet, "id = ?", walletID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Wallet{}, hub.Invariantf("wallet %d not admitted", walletID)
	}
	if err != nil {
		return Wallet{}, fmt.Errorf("load wallet %d: %w", walletID, err)
	}
	return wallet, nil
}

// WalletByID loads a wallet without locking it.
func WalletByID(db *gorm.DB, walletID uint64) (Wallet, error) {
	var wallet Wallet
	err := db.First(&wallet, "id = ?", walletID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Wallet{}, hub.PriorStatef("wallet %d unknown", walletID)
	}
	if err != nil {
		return Wallet{}, fmt.Errorf("load wallet %d: %w", walletID, err)
	}
	return wallet, nil
}

// WalletByAddress resolves a (token, address) pair.
func WalletByAddress(db *gorm.DB, token, address string) (Wallet, error) {
	var wallet Wallet
	err := db.First(&wallet, "token = ? AND address = ?", strings.ToLower(token), strings.ToLower(address)).Error
	if err != nil {
		return Wallet{}, err
	}
	return wallet, nil
}

// WalletsByToken lists the wallets of token registered at or before eon in
// ascending address order, the canonical leaf order of every commitment.
func WalletsByToken(db *gorm.DB, token string, eon uint64) ([]Wallet, error) {
	var wallets []Wallet
	err := db.Where("token = ? AND registration_eon <= ?", strings.ToLower(token), eon).
		Order("address ASC").
		Find(&wallets).Error
	if err != nil {
		return nil, fmt.Errorf("list wallets for %s: %w", token, err)
	}
	return wallets, nil
}

// Allotment loads the committed interval of a wallet for an eon. The boolean
// is false when no checkpoint covers the wallet yet.
func Allotment(db *gorm.DB, walletID, eon uint64) (ExclusiveBalanceAllotment, bool, error) {
	var allotment ExclusiveBalanceAllotment
	err := db.First(&allotment, "wallet_id = ? AND eon_number = ?", walletID, eon).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ExclusiveBalanceAllotment{}, false, nil
	}
	if err != nil {
		return ExclusiveBalanceAllotment{}, false, fmt.Errorf("load allotment %d/%d: %w", walletID, eon, err)
	}
	return allotment, true, nil
}

// Width returns right-left of the allotment.
func (a ExclusiveBalanceAllotment) Width() Amount {
	return NewAmount(a.Right.Big().Sub(a.Right.Big(), a.Left.Big()))
}

// LoadContractState returns the mirrored verifier state.
func LoadContractState(db *gorm.DB) (ContractState, error) {
	var state ContractState
	err := db.First(&state, "id = ?", 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ContractState{}, ErrNotSynced
	}
	if err != nil {
		return ContractState{}, fmt.Errorf("load contract state: %w", err)
	}
	return state, nil
}

// SaveContractState upserts the singleton contract state row.
func SaveContractState(db *gorm.DB, state ContractState) error {
	state.ID = 1
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&state).Error
	if err != nil {
		return fmt.Errorf("save contract state: %w", err)
	}
	return nil
}

// LoadParameters returns the verifier constants.
func LoadParameters(db *gorm.DB) (ContractParameters, error) {
	var params ContractParameters
	err := db.First(&params, "id = ?", 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ContractParameters{}, ErrNotSynced
	}
	if err != nil {
		return ContractParameters{}, fmt.Errorf("load contract parameters: %w", err)
	}
	return params, nil
}

// InitParameters writes the verifier constants exactly once. Rewriting the
// same values is ErrAlreadyPerformed; different values are an invariant
// violation.
func (s *Store) InitParameters(ctx context.Context, params ContractParameters) error {
	params.ID = 1
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		existing, err := LoadParameters(tx)
		switch {
		case errors.Is(err, ErrNotSynced):
			if err := tx.Create(&params).Error; err != nil {
				if IsConstraintViolation(err) {
					return hub.Invariantf("contract parameters rejected: %v", err)
				}
				return fmt.Errorf("insert contract parameters: %w", err)
			}
			return nil
		case err != nil:
			return err
		}
		if existing.GenesisBlock != params.GenesisBlock ||
			existing.BlocksPerEon != params.BlocksPerEon ||
			existing.EonsKept != params.EonsKept ||
			existing.ExtendedSlackPeriod != params.ExtendedSlackPeriod ||
			existing.ChallengeCost.Cmp(params.ChallengeCost) != 0 {
			return hub.Invariantf("contract parameters already initialised with different values")
		}
		return hub.ErrAlreadyPerformed
	})
}

// PendingWithdrawals sums the non-slashed withdrawal requests a wallet made
// in eon. A non-zero before limits the sum to requests with a smaller id.
func PendingWithdrawals(db *gorm.DB, walletID, eon, before uint64) (Amount, error) {
	query := db.Model(&WithdrawalRequest{}).
		Where("wallet_id = ? AND eon_number = ? AND slashed = ?", walletID, eon, false)
	if before > 0 {
		query = query.Where("id < ?", before)
	}
	var requests []WithdrawalRequest
	if err := query.Order("id ASC").Find(&requests).Error; err != nil {
		return Amount{}, fmt.Errorf("list withdrawal requests: %w", err)
	}
	total := AmountFromUint64(0)
	for _, req := range requests {
		total = total.Add(req.Amount)
	}
	return total, nil
}
