package sync

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"commitchain/chain"
	"commitchain/core/checkpoint"
	"commitchain/core/ledger"
	"commitchain/core/merkle"
	hubcrypto "commitchain/crypto"
	"commitchain/storage"
	"commitchain/storage/storagetest"
)

func TestWalletView(t *testing.T) {
	ctx := context.Background()
	key, err := hubcrypto.GeneratePrivateKey()
	require.NoError(t, err)
	signer, err := hubcrypto.NewKeySigner(key)
	require.NoError(t, err)
	store := storagetest.Open(t)
	l := ledger.New(store, signer)
	queue := chain.NewQueue(chain.QueueConfig{ChainID: 1337, From: signer.Address(), Contract: common.Address{0xc0}})
	token := storagetest.DefaultToken

	alice := storagetest.Wallet(t, store, token, 1, 1)
	bob := storagetest.Wallet(t, store, token, 2, 1)
	late := storagetest.Wallet(t, store, token, 3, 2)
	credit := func(walletID, eon uint64, gain int64, item byte) {
		err := store.Transaction(ctx, func(tx *gorm.DB) error {
			_, err := l.CreditTx(tx, walletID, eon, nil, big.NewInt(gain), common.Hash{item})
			return err
		})
		require.NoError(t, err)
	}
	credit(alice.ID, 1, 50, 1)
	credit(bob.ID, 1, 20, 2)
	result, err := checkpoint.New(store, queue).Build(ctx, token, 2)
	require.NoError(t, err)

	reader := NewReader(store)
	_, err = reader.Wallet(ctx, token, alice.Address)
	require.ErrorIs(t, err, storage.ErrNotSynced)

	require.NoError(t, storage.SaveContractState(store.DB(), storage.ContractState{Block: 90, EonNumber: 2}))
	credit(alice.ID, 2, 5, 3)
	require.NoError(t, store.DB().Create(&storage.WithdrawalRequest{WalletID: alice.ID, Amount: storage.AmountFromUint64(10), EonNumber: 2}).Error)
	require.NoError(t, store.DB().Create(&storage.WithdrawalRequest{WalletID: alice.ID, Amount: storage.AmountFromUint64(99), EonNumber: 2, Slashed: true}).Error)

	view, err := reader.Wallet(ctx, "0x"+token, "0x"+alice.Address)
	require.NoError(t, err)
	require.Equal(t, uint64(2), view.Eon)
	require.Equal(t, "45", view.Balance)
	require.NotNil(t, view.Allotment)
	require.Equal(t, "0", view.Allotment.Left)
	require.Equal(t, "50", view.Allotment.Right)
	require.Equal(t, result.Root, view.Allotment.Proof.Root)
	require.True(t, merkle.Verify(view.Allotment.Proof.Root, view.Allotment.Proof.Leaf, view.Allotment.Proof))
	require.Equal(t, uint64(1), view.ActiveState.Sequence)
	require.Equal(t, "5", view.ActiveState.Gains)
	require.NotEmpty(t, view.ActiveState.OperatorSignature)
	require.Len(t, view.PendingWithdrawals, 1)
	require.Equal(t, "10", view.PendingWithdrawals[0].Amount)

	encoded, err := json.Marshal(view)
	require.NoError(t, err)
	var decoded WalletView
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.True(t, merkle.Verify(decoded.Allotment.Proof.Root, decoded.Allotment.Proof.Leaf, decoded.Allotment.Proof))

	lateView, err := reader.Wallet(ctx, token, late.Address)
	require.NoError(t, err)
	require.Nil(t, lateView.Allotment)
	require.Equal(t, "0", lateView.Balance)
	require.Empty(t, lateView.PendingWithdrawals)

	_, err = reader.Wallet(ctx, token, storagetest.Address(42))
	require.ErrorIs(t, err, ErrUnknownWallet)
}
