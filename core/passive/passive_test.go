package passive

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"commitchain/core/hub"
	"commitchain/core/ledger"
	"commitchain/core/merkle"
	hubcrypto "commitchain/crypto"
	"commitchain/storage"
	"commitchain/storage/storagetest"
)

func newService(t *testing.T) *Service {
	t.Helper()
	key, err := hubcrypto.GeneratePrivateKey()
	require.NoError(t, err)
	signer, err := hubcrypto.NewKeySigner(key)
	require.NoError(t, err)
	store := storagetest.Open(t)
	return New(store, ledger.New(store, signer), nil)
}

func setEon(t *testing.T, svc *Service, eon uint64) {
	t.Helper()
	require.NoError(t, storage.SaveContractState(svc.store.DB(), storage.ContractState{Block: 10 * eon, EonNumber: eon}))
}

func TestSendAndDeliver(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	alice := storagetest.Wallet(t, svc.store, storagetest.DefaultToken, 1, 1)
	bob := storagetest.Wallet(t, svc.store, storagetest.DefaultToken, 2, 1)
	storagetest.Allotment(t, svc.store, alice.ID, 2, 0, 100)
	setEon(t, svc, 2)

	_, err := svc.Send(ctx, SendRequest{SenderID: alice.ID, RecipientID: bob.ID, Amount: big.NewInt(5), Nonce: 1, Eon: 2})
	require.NoError(t, err)
	_, err = svc.Send(ctx, SendRequest{SenderID: alice.ID, RecipientID: bob.ID, Amount: big.NewInt(7), Nonce: 2, Eon: 2})
	require.NoError(t, err)

	_, err = svc.Send(ctx, SendRequest{SenderID: alice.ID, RecipientID: bob.ID, Amount: big.NewInt(1), Nonce: 2, Eon: 2})
	require.ErrorIs(t, err, hub.ErrInvariantViolation, "replayed nonce")
	_, err = svc.Send(ctx, SendRequest{SenderID: alice.ID, RecipientID: bob.ID, Amount: big.NewInt(89), Nonce: 3, Eon: 2})
	require.ErrorIs(t, err, hub.ErrInvariantViolation, "overdraft")

	delivered, err := svc.Deliver(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 2, delivered)

	delivered, err = svc.Deliver(ctx, 2)
	require.NoError(t, err)
	require.Zero(t, delivered)

	bobState, err := svc.ledger.Latest(ctx, bob.ID, 2)
	require.NoError(t, err)
	require.Equal(t, "12", bobState.Gains.String())
	aliceState, err := svc.ledger.Latest(ctx, alice.ID, 2)
	require.NoError(t, err)
	require.Equal(t, "12", aliceState.Spendings.String())

	var record storage.PassiveDelivery
	require.NoError(t, svc.store.DB().First(&record, "recipient_id = ?", bob.ID).Error)
	require.Equal(t, "12", record.Total.String())
	require.Equal(t, 2, record.LeafCount)

	var transfers []storage.Transfer
	require.NoError(t, svc.store.DB().Order("id ASC").Find(&transfers).Error)
	require.Equal(t, "0", transfers[0].PassiveLeft.String())
	require.Equal(t, "5", transfers[0].PassiveRight.String())
	require.Equal(t, "5", transfers[1].PassiveLeft.String())
	require.Equal(t, "12", transfers[1].PassiveRight.String())

	membership, err := svc.Proof(ctx, transfers[1].ID)
	require.NoError(t, err)
	require.Equal(t, record.Root.Common(), membership.Proof.Root)
	require.True(t, merkle.Verify(record.Root.Common(), membership.Leaf.Hash(), membership.Proof))
	require.Equal(t, uint64(2), membership.Leaf.Nonce)
}

func TestDeliverAppendsToExistingTree(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	alice := storagetest.Wallet(t, svc.store, storagetest.DefaultToken, 1, 1)
	bob := storagetest.Wallet(t, svc.store, storagetest.DefaultToken, 2, 1)
	storagetest.Allotment(t, svc.store, alice.ID, 1, 0, 50)
	setEon(t, svc, 1)

	_, err := svc.Send(ctx, SendRequest{SenderID: alice.ID, RecipientID: bob.ID, Amount: big.NewInt(10), Nonce: 1, Eon: 1})
	require.NoError(t, err)
	_, err = svc.Deliver(ctx, 1)
	require.NoError(t, err)
	_, err = svc.Send(ctx, SendRequest{SenderID: alice.ID, RecipientID: bob.ID, Amount: big.NewInt(3), Nonce: 4, Eon: 1})
	require.NoError(t, err)
	_, err = svc.Deliver(ctx, 1)
	require.NoError(t, err)

	var last storage.Transfer
	require.NoError(t, svc.store.DB().First(&last, "nonce = ?", 4).Error)
	require.Equal(t, "10", last.PassiveLeft.String())
	require.Equal(t, "13", last.PassiveRight.String())
}

func TestProofRequiresDelivery(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	alice := storagetest.Wallet(t, svc.store, storagetest.DefaultToken, 1, 1)
	bob := storagetest.Wallet(t, svc.store, storagetest.DefaultToken, 2, 1)
	storagetest.Allotment(t, svc.store, alice.ID, 1, 0, 50)
	setEon(t, svc, 1)
	tr, err := svc.Send(ctx, SendRequest{SenderID: alice.ID, RecipientID: bob.ID, Amount: big.NewInt(10), Nonce: 1, Eon: 1})
	require.NoError(t, err)

	_, err = svc.Proof(ctx, tr.ID)
	require.ErrorIs(t, err, hub.ErrInsufficientPriorState)
}

func TestSendRejectsEonOtherThanCurrent(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	alice := storagetest.Wallet(t, svc.store, storagetest.DefaultToken, 1, 1)
	bob := storagetest.Wallet(t, svc.store, storagetest.DefaultToken, 2, 1)
	storagetest.Allotment(t, svc.store, alice.ID, 1, 0, 50)
	storagetest.Allotment(t, svc.store, alice.ID, 2, 0, 50)

	_, err := svc.Send(ctx, SendRequest{SenderID: alice.ID, RecipientID: bob.ID, Amount: big.NewInt(10), Nonce: 1, Eon: 1})
	require.ErrorIs(t, err, hub.ErrExternalUnavailable, "contract state never synced")

	setEon(t, svc, 2)
	_, err = svc.Send(ctx, SendRequest{SenderID: alice.ID, RecipientID: bob.ID, Amount: big.NewInt(10), Nonce: 1, Eon: 1})
	require.ErrorIs(t, err, hub.ErrInvariantViolation, "stale eon")
	_, err = svc.Send(ctx, SendRequest{SenderID: alice.ID, RecipientID: bob.ID, Amount: big.NewInt(10), Nonce: 1, Eon: 3})
	require.ErrorIs(t, err, hub.ErrInvariantViolation, "future eon")

	var count int64
	require.NoError(t, svc.store.DB().Model(&storage.Transfer{}).Count(&count).Error)
	require.Zero(t, count)

	_, err = svc.Send(ctx, SendRequest{SenderID: alice.ID, RecipientID: bob.ID, Amount: big.NewInt(10), Nonce: 1, Eon: 2})
	require.NoError(t, err)
}
