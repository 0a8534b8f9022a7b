package chain

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	hubcrypto "commitchain/crypto"
	"commitchain/storage"
	"commitchain/storage/storagetest"
)

type fakeSender struct {
	head     uint64
	sent     []*gethtypes.Transaction
	receipts map[common.Hash]*gethtypes.Receipt
}

func (f *fakeSender) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeSender) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(2_000_000_000), nil }

func (f *fakeSender) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeSender) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func TestBroadcastSignsAndReconciles(t *testing.T) {
	store := storagetest.Open(t)
	key, err := hubcrypto.GeneratePrivateKey()
	require.NoError(t, err)
	queue := NewQueue(QueueConfig{ChainID: 1337, From: key.Address(), Contract: testContract})
	_, err = queue.SubmitCheckpoint(store.DB(), testToken, 2, common.Hash{3}, big.NewInt(10))
	require.NoError(t, err)

	sender := &fakeSender{head: 100, receipts: map[common.Hash]*gethtypes.Receipt{}}
	b := NewBroadcaster(store, sender, key.PrivateKey, 1337, WithConfirmations(3), WithRebroadcastAfter(0))
	ctx := context.Background()

	sent, err := b.Broadcast(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Len(t, sender.sent, 1)

	signed := sender.sent[0]
	from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(1337)), signed)
	require.NoError(t, err)
	require.Equal(t, key.Address(), from)
	require.Equal(t, testContract, *signed.To())

	sent, err = b.Broadcast(ctx)
	require.NoError(t, err)
	require.Zero(t, sent, "no rebroadcast of a pending call")

	confirmed, err := b.Reconcile(ctx)
	require.NoError(t, err)
	require.Zero(t, confirmed)

	sender.receipts[signed.Hash()] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(101)}
	sender.head = 102
	confirmed, err = b.Reconcile(ctx)
	require.NoError(t, err)
	require.Zero(t, confirmed)

	var attempt storage.TransactionAttempt
	require.NoError(t, store.DB().First(&attempt).Error)
	require.NotNil(t, attempt.MinedBlock)
	require.Equal(t, uint64(101), *attempt.MinedBlock)
	require.False(t, attempt.Confirmed)

	sender.head = 103
	confirmed, err = b.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, confirmed)
}
