package chain

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"commitchain/storage"
)

type fakeBackend struct {
	head    uint64
	returns map[string][]any
	logs    []gethtypes.Log
	queries []ethereum.FilterQuery
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := verifierABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(f.returns[method.Name]...)
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	f.queries = append(f.queries, q)
	var out []gethtypes.Log
	for _, l := range f.logs {
		if len(q.Topics) > 0 && l.Topics[0] != q.Topics[0][0] {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func eventData(t *testing.T, name string, values ...any) []byte {
	t.Helper()
	data, err := verifierABI.Events[name].Inputs.NonIndexed().Pack(values...)
	require.NoError(t, err)
	return data
}

func TestEthContractReads(t *testing.T) {
	backend := &fakeBackend{head: 500, returns: map[string][]any{
		"getCurrentEonNumber":           {big.NewInt(4)},
		"hasMissedCheckpointSubmission": {true},
		"lastCheckpoint":                {big.NewInt(3), [32]byte{0x11}},
		"getTotalBalance":               {big.NewInt(12345)},
	}}
	c := NewEthContract(backend, testContract, rate.NewLimiter(rate.Inf, 1))
	ctx := context.Background()

	eon, err := c.CurrentEon(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(4), eon)

	missed, err := c.MissedCheckpoint(ctx)
	require.NoError(t, err)
	require.True(t, missed)

	lastEon, root, err := c.LastCheckpoint(ctx, testToken)
	require.NoError(t, err)
	require.Equal(t, uint64(3), lastEon)
	require.Equal(t, common.Hash{0x11}, root)

	total, err := c.TotalBalance(ctx, testToken)
	require.NoError(t, err)
	require.Equal(t, "12345", total.String())
}

func TestEthContractDecodesEvents(t *testing.T) {
	wallet := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	sender := common.HexToAddress("0x00000000000000000000000000000000000000a2")
	backend := &fakeBackend{
		head: 190,
		returns: map[string][]any{
			"genesis":      {big.NewInt(100)},
			"blocksPerEon": {big.NewInt(40)},
		},
		logs: []gethtypes.Log{
			{
				Topics:      []common.Hash{depositEventSignature, common.BytesToHash(testToken.Bytes()), common.BytesToHash(wallet.Bytes())},
				Data:        eventData(t, "Deposit", big.NewInt(77)),
				BlockNumber: 120,
				TxHash:      common.Hash{1},
				Index:       2,
			},
			{
				Topics: []common.Hash{challengeIssuedEventSignature, common.BytesToHash(testToken.Bytes()),
					common.BytesToHash(wallet.Bytes()), common.BytesToHash(sender.Bytes())},
				Data:        eventData(t, "ChallengeIssued", big.NewInt(3), big.NewInt(200), uint8(1), uint64(9)),
				BlockNumber: 185,
				TxHash:      common.Hash{2},
			},
		},
	}
	c := NewEthContract(backend, testContract, nil)
	ctx := context.Background()

	deposits, err := c.Deposits(ctx, 100, 190)
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	require.Equal(t, wallet, deposits[0].Wallet)
	require.Equal(t, "77", deposits[0].Amount.String())
	require.Equal(t, common.Hash{1}.Hex()+":2", deposits[0].Ref)

	challenges, err := c.LiveChallenges(ctx, testToken, 3)
	require.NoError(t, err)
	require.Len(t, challenges, 1)
	require.Equal(t, storage.ChallengeDelivery, challenges[0].Kind)
	require.Equal(t, sender, challenges[0].Sender)
	require.True(t, challenges[0].HasNonce)
	require.Equal(t, uint64(9), challenges[0].Nonce)
	require.Equal(t, uint64(200), challenges[0].Deadline)

	last := backend.queries[len(backend.queries)-1]
	require.Equal(t, "180", last.FromBlock.String())
	require.Equal(t, "190", last.ToBlock.String())
}
