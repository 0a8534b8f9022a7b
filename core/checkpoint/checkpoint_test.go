package checkpoint

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"commitchain/chain"
	"commitchain/core/hub"
	"commitchain/core/ledger"
	"commitchain/core/merkle"
	hubcrypto "commitchain/crypto"
	"commitchain/storage"
	"commitchain/storage/storagetest"
)

type fixture struct {
	store   *storage.Store
	ledger  *ledger.Ledger
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := hubcrypto.GeneratePrivateKey()
	require.NoError(t, err)
	signer, err := hubcrypto.NewKeySigner(key)
	require.NoError(t, err)
	store := storagetest.Open(t)
	queue := chain.NewQueue(chain.QueueConfig{ChainID: 1337, From: signer.Address(), Contract: common.Address{0xc0}})
	return &fixture{
		store:   store,
		ledger:  ledger.New(store, signer),
		manager: New(store, queue, WithParallelism(2)),
	}
}

func (f *fixture) credit(t *testing.T, walletID, eon uint64, gain int64) {
	t.Helper()
	err := f.store.Transaction(context.Background(), func(tx *gorm.DB) error {
		_, err := f.ledger.CreditTx(tx, walletID, eon, nil, big.NewInt(gain), common.Hash{byte(walletID), byte(gain)})
		return err
	})
	require.NoError(t, err)
}

func TestBuildLaysOutDisjointIntervals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := storagetest.DefaultToken
	c := storagetest.Wallet(t, f.store, token, 3, 1)
	a := storagetest.Wallet(t, f.store, token, 1, 1)
	b := storagetest.Wallet(t, f.store, token, 2, 1)
	late := storagetest.Wallet(t, f.store, token, 4, 2)

	f.credit(t, a.ID, 1, 30)
	f.credit(t, b.ID, 1, 50)
	require.NoError(t, f.store.DB().Create(&storage.WithdrawalRequest{WalletID: b.ID, Amount: storage.AmountFromUint64(10), EonNumber: 1}).Error)
	require.NoError(t, f.store.DB().Create(&storage.WithdrawalRequest{WalletID: b.ID, Amount: storage.AmountFromUint64(25), EonNumber: 1, Slashed: true}).Error)

	result, err := f.manager.Build(ctx, token, 2)
	require.NoError(t, err)
	require.Equal(t, "70", result.UpperBound.String())
	require.Len(t, result.Entries, 3)

	want := []struct {
		id          uint64
		left, right int64
	}{{a.ID, 0, 30}, {b.ID, 30, 70}, {c.ID, 70, 70}}
	for i, w := range want {
		entry := result.Entries[i]
		require.Equal(t, w.id, entry.Wallet.ID)
		require.Equal(t, big.NewInt(w.left), entry.Left)
		require.Equal(t, big.NewInt(w.right), entry.Right)
		require.True(t, merkle.Verify(result.Root, entry.Proof.Leaf, entry.Proof))
	}

	for _, wallet := range []storage.Wallet{a, b, c} {
		_, proof, err := LoadProof(f.store.DB(), wallet, 2)
		require.NoError(t, err)
		require.True(t, merkle.Verify(result.Root, proof.Leaf, proof), "wallet %d", wallet.ID)
	}
	_, _, err = LoadProof(f.store.DB(), late, 2)
	require.ErrorIs(t, err, hub.ErrInsufficientPriorState)

	var commitment storage.TokenCommitment
	require.NoError(t, f.store.DB().First(&commitment, "token = ? AND eon_number = ?", token, 2).Error)
	require.Equal(t, result.Root, commitment.Root.Common())
	require.Equal(t, 3, commitment.WalletCount)
}

func TestBuildCarriesPriorAllotment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := storagetest.DefaultToken
	a := storagetest.Wallet(t, f.store, token, 1, 1)
	f.credit(t, a.ID, 1, 30)
	_, err := f.manager.Build(ctx, token, 2)
	require.NoError(t, err)

	late := storagetest.Wallet(t, f.store, token, 2, 2)
	f.credit(t, a.ID, 2, 5)
	f.credit(t, late.ID, 2, 11)

	result, err := f.manager.Build(ctx, token, 3)
	require.NoError(t, err)
	require.Equal(t, "46", result.UpperBound.String())
	require.Equal(t, "35", result.Entries[0].Right.String())
	require.Equal(t, late.ID, result.Entries[1].Wallet.ID)
	require.Equal(t, "46", result.Entries[1].Right.String())
}

func TestBuildIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := storagetest.DefaultToken
	a := storagetest.Wallet(t, f.store, token, 1, 1)
	f.credit(t, a.ID, 1, 9)

	_, err := f.manager.Build(ctx, token, 2)
	require.NoError(t, err)
	_, err = f.manager.Build(ctx, token, 2)
	require.ErrorIs(t, err, hub.ErrAlreadyPerformed)

	out, err := f.manager.Submit(ctx, token, 2)
	require.NoError(t, err)
	require.Equal(t, chain.CheckpointTag(2, token), out.Tag)
	_, err = f.manager.Submit(ctx, token, 2)
	require.ErrorIs(t, err, hub.ErrAlreadyPerformed)

	require.NoError(t, f.manager.Run(ctx, []string{token}, 2))
	var count int64
	require.NoError(t, f.store.DB().Model(&storage.OutgoingTransaction{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
	require.NoError(t, f.store.DB().Model(&storage.ExclusiveBalanceAllotment{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestBuildRejectsGaps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := storagetest.DefaultToken
	storagetest.Wallet(t, f.store, token, 1, 1)
	_, err := f.manager.Build(ctx, token, 2)
	require.NoError(t, err)

	_, err = f.manager.Build(ctx, token, 4)
	require.ErrorIs(t, err, hub.ErrInsufficientPriorState)

	_, err = f.manager.Submit(ctx, token, 3)
	require.ErrorIs(t, err, hub.ErrInsufficientPriorState)
}

func TestBuildRejectsNegativeClosingBalance(t *testing.T) {
	f := newFixture(t)
	token := storagetest.DefaultToken
	a := storagetest.Wallet(t, f.store, token, 1, 1)
	require.NoError(t, f.store.DB().Create(&storage.WithdrawalRequest{WalletID: a.ID, Amount: storage.AmountFromUint64(1), EonNumber: 1}).Error)

	_, err := f.manager.Build(context.Background(), token, 2)
	require.ErrorIs(t, err, hub.ErrInsufficientPriorState)
}

func TestHaltedHubDoesNotCheckpoint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, storage.SaveContractState(f.store.DB(), storage.ContractState{EonNumber: 3, HasMissedCheckpointSubmission: true}))
	_, err := f.manager.Build(context.Background(), storagetest.DefaultToken, 3)
	require.ErrorIs(t, err, ErrHubHalted)
}

func TestCheckpointedEonRejectsLaterWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := storagetest.DefaultToken
	a := storagetest.Wallet(t, f.store, token, 1, 1)
	f.credit(t, a.ID, 1, 40)

	_, err := f.manager.Build(ctx, token, 2)
	require.NoError(t, err)

	err = f.store.Transaction(ctx, func(tx *gorm.DB) error {
		_, err := f.ledger.CreditTx(tx, a.ID, 1, big.NewInt(5), nil, common.Hash{0xaa})
		return err
	})
	require.ErrorIs(t, err, hub.ErrInvariantViolation)
	_, err = f.ledger.ApplyDelta(ctx, ledger.Update{WalletID: a.ID, Eon: 1, Spendings: big.NewInt(5), Gains: big.NewInt(40)})
	require.ErrorIs(t, err, hub.ErrInvariantViolation)

	latest, err := f.ledger.Latest(ctx, a.ID, 1)
	require.NoError(t, err)
	allotment, ok, err := storage.Allotment(f.store.DB(), a.ID, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, allotment.ActiveStateChecksum.Common(), latest.Checksum)
	require.Equal(t, "0", latest.Spendings.String())

	// the open eon still accepts records
	f.credit(t, a.ID, 2, 1)
}

func TestSubmitSkipsCheckpointAcceptedOnChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := storagetest.DefaultToken
	storagetest.Wallet(t, f.store, token, 1, 1)
	_, err := f.manager.Build(ctx, token, 2)
	require.NoError(t, err)
	require.NoError(t, f.store.DB().Model(&storage.TokenCommitment{}).
		Where("token = ? AND eon_number = ?", token, 2).Update("submitted", true).Error)

	_, err = f.manager.Submit(ctx, token, 2)
	require.ErrorIs(t, err, hub.ErrAlreadyPerformed)
	var count int64
	require.NoError(t, f.store.DB().Model(&storage.OutgoingTransaction{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestBuildWaitsForPassiveDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := storagetest.DefaultToken
	a := storagetest.Wallet(t, f.store, token, 1, 1)
	b := storagetest.Wallet(t, f.store, token, 2, 1)
	f.credit(t, a.ID, 1, 30)
	transfer := storage.Transfer{
		WalletID:      a.ID,
		RecipientID:   b.ID,
		Amount:        storage.AmountFromUint64(10),
		MatchedAmount: storage.AmountFromUint64(0),
		Nonce:         1,
		EonNumber:     1,
		Processed:     true,
		Complete:      true,
	}
	require.NoError(t, f.store.DB().Create(&transfer).Error)

	_, err := f.manager.Build(ctx, token, 2)
	require.ErrorIs(t, err, hub.ErrInsufficientPriorState)
	exists, err := commitmentExists(f.store.DB(), token, 2)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, f.store.DB().Model(&storage.Transfer{}).Where("id = ?", transfer.ID).Update("delivered", true).Error)
	_, err = f.manager.Build(ctx, token, 2)
	require.NoError(t, err)
}
