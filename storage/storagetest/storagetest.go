// Package storagetest provides fixtures for tests that need a ledger store.
package storagetest

import (
	"fmt"
	"testing"

	"commitchain/storage"
)

// DefaultToken is the token used by fixtures that do not care about it.
const DefaultToken = "00000000000000000000000000000000000000ee"

// Open returns an isolated in-memory store closed at test cleanup.
func Open(t testing.TB) *storage.Store {
	t.Helper()
	store, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// Address returns a deterministic fixed-width wallet address.
func Address(n uint64) string {
	return fmt.Sprintf("%040x", n)
}

// Wallet admits a wallet with a placeholder authorization.
func Wallet(t testing.TB, store *storage.Store, token string, n, eon uint64) storage.Wallet {
	t.Helper()
	wallet := storage.Wallet{
		Token:                     token,
		Address:                   Address(n),
		RegistrationEon:           eon,
		RegistrationAuthorization: []byte{0x01},
	}
	if err := store.DB().Create(&wallet).Error; err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	return wallet
}

// Allotment writes a committed interval for a wallet.
func Allotment(t testing.TB, store *storage.Store, walletID, eon, left, right uint64) storage.ExclusiveBalanceAllotment {
	t.Helper()
	allotment := storage.ExclusiveBalanceAllotment{
		WalletID:    walletID,
		EonNumber:   eon,
		Left:        storage.AmountFromUint64(left),
		Right:       storage.AmountFromUint64(right),
		MerkleProof: []byte{},
	}
	if err := store.DB().Create(&allotment).Error; err != nil {
		t.Fatalf("create allotment: %v", err)
	}
	return allotment
}

// Parameters initialises the verifier constants.
func Parameters(t testing.TB, store *storage.Store, params storage.ContractParameters) {
	t.Helper()
	params.ID = 1
	if err := store.DB().Create(&params).Error; err != nil {
		t.Fatalf("create parameters: %v", err)
	}
}
