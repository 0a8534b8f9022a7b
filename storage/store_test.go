package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"commitchain/core/hub"
)

const (
	testToken   = "00000000000000000000000000000000000000aa"
	testAddress = "00000000000000000000000000000000000000b1"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestWalletRequiresAuthorization(t *testing.T) {
	store := openTestStore(t)
	err := store.DB().Create(&Wallet{Token: testToken, Address: testAddress}).Error
	require.Error(t, err)
	require.True(t, IsConstraintViolation(err), "unexpected error: %v", err)

	err = store.DB().Create(&Wallet{Token: testToken, Address: testAddress, RegistrationAuthorization: []byte{1}}).Error
	require.NoError(t, err)

	err = store.DB().Create(&Wallet{Token: testToken, Address: testAddress, RegistrationAuthorization: []byte{2}}).Error
	require.True(t, IsConstraintViolation(err), "duplicate wallet accepted: %v", err)
}

func TestWalletAddressWidth(t *testing.T) {
	store := openTestStore(t)
	err := store.DB().Create(&Wallet{Token: testToken, Address: "abc", RegistrationAuthorization: []byte{1}}).Error
	require.True(t, IsConstraintViolation(err), "short address accepted: %v", err)
}

func TestActiveStateSequenceSlotIsUnique(t *testing.T) {
	store := openTestStore(t)
	record := ActiveState{
		WalletID:          1,
		EonNumber:         3,
		Sequence:          1,
		UpdatedSpendings:  AmountFromUint64(0),
		UpdatedGains:      AmountFromUint64(10),
		OperatorSignature: []byte{1},
	}
	require.NoError(t, store.DB().Create(&record).Error)
	dup := record
	dup.ID = 0
	dup.UpdatedGains = AmountFromUint64(20)
	err := store.DB().Create(&dup).Error
	require.True(t, IsConstraintViolation(err), "duplicate sequence accepted: %v", err)
}

func TestOutgoingTagUniqueWhenSet(t *testing.T) {
	store := openTestStore(t)
	db := store.DB()
	require.NoError(t, db.Create(&OutgoingTransaction{Nonce: 0, Tag: "checkpoint_1_" + testToken}).Error)
	require.NoError(t, db.Create(&OutgoingTransaction{Nonce: 1}).Error)
	require.NoError(t, db.Create(&OutgoingTransaction{Nonce: 2}).Error)

	err := db.Create(&OutgoingTransaction{Nonce: 3, Tag: "checkpoint_1_" + testToken}).Error
	require.True(t, IsConstraintViolation(err), "duplicate tag accepted: %v", err)

	err = db.Create(&OutgoingTransaction{Nonce: 2, Tag: "other"}).Error
	require.True(t, IsConstraintViolation(err), "duplicate nonce accepted: %v", err)
}

func TestTransferNonceUniquePerWallet(t *testing.T) {
	store := openTestStore(t)
	db := store.DB()
	require.NoError(t, db.Create(&Transfer{WalletID: 1, RecipientID: 2, Amount: AmountFromUint64(5), Nonce: 1}).Error)
	require.NoError(t, db.Create(&Transfer{WalletID: 2, RecipientID: 1, Amount: AmountFromUint64(5), Nonce: 1}).Error)
	err := db.Create(&Transfer{WalletID: 1, RecipientID: 3, Amount: AmountFromUint64(1), Nonce: 1}).Error
	require.True(t, IsConstraintViolation(err), "duplicate nonce accepted: %v", err)
}

func TestInitParametersExactlyOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	params := ContractParameters{GenesisBlock: 100, BlocksPerEon: 40, EonsKept: 3, ChallengeCost: AmountFromUint64(7), ExtendedSlackPeriod: 20}

	require.NoError(t, store.InitParameters(ctx, params))
	require.ErrorIs(t, store.InitParameters(ctx, params), hub.ErrAlreadyPerformed)

	changed := params
	changed.BlocksPerEon = 50
	require.ErrorIs(t, store.InitParameters(ctx, changed), hub.ErrInvariantViolation)

	loaded, err := LoadParameters(store.DB())
	require.NoError(t, err)
	require.Equal(t, uint64(40), loaded.BlocksPerEon)
	require.Equal(t, "7", loaded.ChallengeCost.String())
}

func TestContractStateUpsert(t *testing.T) {
	store := openTestStore(t)
	_, err := LoadContractState(store.DB())
	require.True(t, errors.Is(err, ErrNotSynced))

	require.NoError(t, SaveContractState(store.DB(), ContractState{Block: 10, EonNumber: 1}))
	require.NoError(t, SaveContractState(store.DB(), ContractState{Block: 20, EonNumber: 2, LiveChallengeCount: 1}))

	state, err := LoadContractState(store.DB())
	require.NoError(t, err)
	require.Equal(t, uint64(20), state.Block)
	require.Equal(t, uint64(1), state.LiveChallengeCount)
}

func TestAmountRoundTripsBeyondUint64(t *testing.T) {
	store := openTestStore(t)
	huge, err := ParseAmount("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	require.NoError(t, err)
	deposit := Deposit{WalletID: 1, Amount: huge, ChainTxID: "tx-1"}
	require.NoError(t, store.DB().Create(&deposit).Error)

	var loaded Deposit
	require.NoError(t, store.DB().First(&loaded, deposit.ID).Error)
	require.Zero(t, loaded.Amount.Cmp(huge))
}

func TestFileDSN(t *testing.T) {
	_, err := FileDSN("  ")
	require.ErrorIs(t, err, ErrPathRequired)
	dsn, err := FileDSN("ledger.db")
	require.NoError(t, err)
	if !strings.HasPrefix(dsn, "file:/") || !strings.Contains(dsn, "foreign_keys(1)") {
		t.Fatalf("unexpected dsn %q", dsn)
	}
}
