package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"gorm.io/gorm"

	"commitchain/core/hub"
	"commitchain/storage"
	"commitchain/storage/storagetest"
)

type recordingObserver struct {
	seen []string
}

func (r *recordingObserver) ObserveTx(tx *gorm.DB, walletID uint64, amount *big.Int, eon uint64, chainTxID string) error {
	r.seen = append(r.seen, chainTxID)
	return tx.Create(&storage.WithdrawalRequest{WalletID: walletID, Amount: storage.NewAmount(amount), EonNumber: eon, ChainTxID: chainTxID}).Error
}

func expectParameters(m *MockContract) {
	m.EXPECT().GenesisBlock(gomock.Any()).Return(uint64(100), nil)
	m.EXPECT().BlocksPerEon(gomock.Any()).Return(uint64(40), nil)
	m.EXPECT().EonsKept(gomock.Any()).Return(uint64(3), nil)
	m.EXPECT().ChallengeMinGasCost(gomock.Any()).Return(big.NewInt(1000), nil)
	m.EXPECT().ExtendedSlackPeriod(gomock.Any()).Return(uint64(20), nil)
}

func expectHead(m *MockContract, block, eon, sub uint64) {
	m.EXPECT().BlockNumber(gomock.Any()).Return(block, nil)
	m.EXPECT().CurrentEon(gomock.Any()).Return(eon, nil)
	m.EXPECT().CurrentSubBlock(gomock.Any()).Return(sub, nil)
	m.EXPECT().MissedCheckpoint(gomock.Any()).Return(false, nil)
	m.EXPECT().LiveChallengeCount(gomock.Any(), eon).Return(uint64(0), nil)
	m.EXPECT().LastCheckpoint(gomock.Any(), testToken).Return(eon, common.Hash{0x42}, nil)
}

func TestSyncImportsEventsOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := storagetest.Open(t)
	wallet := storagetest.Wallet(t, store, storage.HexAddress(testToken), 1, 1)
	walletAddr := common.HexToAddress(wallet.Address)
	contract := NewMockContract(ctrl)
	observer := &recordingObserver{}
	fixed := time.Unix(1700000000, 0)
	sync := NewSync(store, contract, []common.Address{testToken}, observer, WithSyncClock(func() time.Time { return fixed }))
	ctx := context.Background()

	expectParameters(contract)
	expectHead(contract, 150, 2, 10)
	contract.EXPECT().Deposits(gomock.Any(), uint64(100), uint64(150)).Return([]DepositEvent{
		{Ref: "0x01:0", Token: testToken, Wallet: walletAddr, Amount: big.NewInt(500), Block: 120},
		{Ref: "0x02:0", Token: testToken, Wallet: common.Address{0x77}, Amount: big.NewInt(1), Block: 121},
	}, nil)
	contract.EXPECT().WithdrawalRequests(gomock.Any(), uint64(100), uint64(150)).Return([]WithdrawalRequestEvent{
		{Ref: "0x03:1", Token: testToken, Wallet: walletAddr, Amount: big.NewInt(50), Block: 145},
	}, nil)

	state, err := sync.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(150), state.Block)
	require.True(t, state.IsCheckpointSubmittedForCurrentEon)

	var deposits []storage.Deposit
	require.NoError(t, store.DB().Find(&deposits).Error)
	require.Len(t, deposits, 1)
	require.Equal(t, uint64(1), deposits[0].EonNumber)
	require.Equal(t, "500", deposits[0].Amount.String())
	require.Equal(t, []string{"0x03:1"}, observer.seen)

	var held []storage.UnclaimedDeposit
	require.NoError(t, store.DB().Find(&held).Error)
	require.Len(t, held, 1)
	require.Equal(t, "0x02:0", held[0].ChainTxID)
	require.Equal(t, storage.HexAddress(common.Address{0x77}), held[0].Address)
	require.Equal(t, uint64(1), held[0].EonNumber)
	require.False(t, held[0].Claimed)

	var request storage.WithdrawalRequest
	require.NoError(t, store.DB().First(&request).Error)
	require.Equal(t, uint64(2), request.EonNumber)

	expectHead(contract, 160, 2, 20)
	contract.EXPECT().Deposits(gomock.Any(), uint64(151), uint64(160)).Return(nil, nil)
	contract.EXPECT().WithdrawalRequests(gomock.Any(), uint64(151), uint64(160)).Return(nil, nil)
	state, err = sync.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(160), state.Block)

	loaded, err := storage.LoadContractState(store.DB())
	require.NoError(t, err)
	require.Equal(t, uint64(20), loaded.SubBlock)
	require.Equal(t, storage.HashFrom(common.Hash{0x42}), loaded.LastCheckpointRoot)
}

func TestSyncUnavailableCommitsNothing(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := storagetest.Open(t)
	contract := NewMockContract(ctrl)
	sync := NewSync(store, contract, []common.Address{testToken}, &recordingObserver{})

	expectParameters(contract)
	contract.EXPECT().BlockNumber(gomock.Any()).Return(uint64(0), errors.New("connection refused"))

	_, err := sync.Run(context.Background())
	require.ErrorIs(t, err, hub.ErrExternalUnavailable)
	_, err = storage.LoadContractState(store.DB())
	require.ErrorIs(t, err, storage.ErrNotSynced)
}

func TestSyncMarksAcceptedCheckpointSubmitted(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := storagetest.Open(t)
	contract := NewMockContract(ctrl)
	sync := NewSync(store, contract, []common.Address{testToken}, &recordingObserver{})
	token := storage.HexAddress(testToken)

	commit := func(eon uint64, root common.Hash) {
		require.NoError(t, store.DB().Create(&storage.TokenCommitment{
			Token: token, EonNumber: eon, Root: storage.HashFrom(root), UpperBound: storage.AmountFromUint64(0),
		}).Error)
	}
	commit(1, common.Hash{0x41})
	commit(2, common.Hash{0x42})
	commit(3, common.Hash{0x43})

	expectParameters(contract)
	expectHead(contract, 150, 2, 10)
	contract.EXPECT().Deposits(gomock.Any(), uint64(100), uint64(150)).Return(nil, nil)
	contract.EXPECT().WithdrawalRequests(gomock.Any(), uint64(100), uint64(150)).Return(nil, nil)
	_, err := sync.Run(context.Background())
	require.NoError(t, err)

	var commitments []storage.TokenCommitment
	require.NoError(t, store.DB().Order("eon_number ASC").Find(&commitments).Error)
	require.Len(t, commitments, 3)
	require.False(t, commitments[0].Submitted)
	require.True(t, commitments[1].Submitted)
	require.False(t, commitments[2].Submitted)
}

func TestSyncIgnoresCheckpointWithForeignRoot(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := storagetest.Open(t)
	contract := NewMockContract(ctrl)
	sync := NewSync(store, contract, []common.Address{testToken}, &recordingObserver{})
	require.NoError(t, store.DB().Create(&storage.TokenCommitment{
		Token: storage.HexAddress(testToken), EonNumber: 2, Root: storage.HashFrom(common.Hash{0x99}), UpperBound: storage.AmountFromUint64(0),
	}).Error)

	expectParameters(contract)
	expectHead(contract, 150, 2, 10)
	contract.EXPECT().Deposits(gomock.Any(), uint64(100), uint64(150)).Return(nil, nil)
	contract.EXPECT().WithdrawalRequests(gomock.Any(), uint64(100), uint64(150)).Return(nil, nil)
	_, err := sync.Run(context.Background())
	require.NoError(t, err)

	var commitment storage.TokenCommitment
	require.NoError(t, store.DB().First(&commitment).Error)
	require.False(t, commitment.Submitted)
}
