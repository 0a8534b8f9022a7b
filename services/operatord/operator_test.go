package operatord

import (
	"context"
	"errors"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"commitchain/chain"
	"commitchain/config"
	"commitchain/core/hub"
	"commitchain/core/scheduler"
	hubcrypto "commitchain/crypto"
	"commitchain/storage"
	"commitchain/storage/storagetest"
)

type idleSender struct{}

func (idleSender) BlockNumber(context.Context) (uint64, error)        { return 0, errors.New("offline") }
func (idleSender) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (idleSender) SendTransaction(context.Context, *gethtypes.Transaction) error {
	return errors.New("offline")
}
func (idleSender) TransactionReceipt(context.Context, common.Hash) (*gethtypes.Receipt, error) {
	return nil, errors.New("offline")
}

type alerts struct {
	mu    sync.Mutex
	steps []string
}

func (a *alerts) Alert(_ context.Context, step string, _ error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.steps = append(a.steps, step)
}

func newOperator(t *testing.T, contract chain.Contract, alerter scheduler.Alerter) (*Operator, *storage.Store) {
	t.Helper()
	key, err := hubcrypto.GeneratePrivateKey()
	require.NoError(t, err)
	signer, err := hubcrypto.NewKeySigner(key)
	require.NoError(t, err)
	store := storagetest.Open(t)
	cfg := config.Default()
	cfg.Chain.ChainID = 1337
	cfg.Chain.Contract = "00000000000000000000000000000000000000c0"
	cfg.Tokens = []string{storagetest.DefaultToken}
	cfg.ListenAddress = "127.0.0.1:0"
	op, err := New(cfg, Deps{
		Store:    store,
		Contract: contract,
		Sender:   idleSender{},
		Signer:   signer,
		Alerter:  alerter,
	})
	require.NoError(t, err)
	return op, store
}

func TestStepGraph(t *testing.T) {
	op, _ := newOperator(t, chain.NewMockContract(gomock.NewController(t)), nil)
	require.Equal(t, []string{
		StepSyncContract,
		StepRespondChallenges,
		StepConfirmWithdrawals,
		StepBroadcast,
		StepAdmissions,
		StepDeposits,
		StepSlashWithdrawals,
		StepPassiveTransfers,
		StepSwaps,
		StepCheckpoint,
	}, op.Scheduler().Steps())
}

func TestChainOutageSkipsVerifierPipeline(t *testing.T) {
	contract := chain.NewMockContract(gomock.NewController(t))
	contract.EXPECT().GenesisBlock(gomock.Any()).Return(uint64(0), errors.New("dial tcp: connection refused")).AnyTimes()
	rec := &alerts{}
	op, _ := newOperator(t, contract, rec)

	report, err := op.Scheduler().Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.OutcomeFailed, report.Outcome(StepSyncContract))
	require.Equal(t, scheduler.OutcomeSkipped, report.Outcome(StepRespondChallenges))
	require.Equal(t, scheduler.OutcomeSkipped, report.Outcome(StepConfirmWithdrawals))
	require.Equal(t, scheduler.OutcomeSkipped, report.Outcome(StepBroadcast))
	require.Equal(t, scheduler.OutcomeFailed, report.Outcome(StepAdmissions))
	require.Equal(t, scheduler.OutcomeSkipped, report.Outcome(StepCheckpoint))
	require.ErrorIs(t, report.Err(), hub.ErrExternalUnavailable)
	require.Equal(t, []string{StepSyncContract, StepAdmissions}, rec.steps)
}

func TestCheckpointWaitsForMirror(t *testing.T) {
	rec := &alerts{}
	op, store := newOperator(t, chain.NewMockContract(gomock.NewController(t)), rec)
	ctx := context.Background()

	require.ErrorIs(t, op.checkpoint(ctx), hub.ErrExternalUnavailable)

	require.NoError(t, storage.SaveContractState(store.DB(), storage.ContractState{Block: 55, EonNumber: 2, IsCheckpointSubmittedForCurrentEon: true}))
	require.ErrorIs(t, op.checkpoint(ctx), hub.ErrAlreadyPerformed)

	require.NoError(t, storage.SaveContractState(store.DB(), storage.ContractState{Block: 56}))
	require.ErrorIs(t, op.checkpoint(ctx), hub.ErrAlreadyPerformed)

	var commitments int64
	require.NoError(t, store.DB().Model(&storage.TokenCommitment{}).Count(&commitments).Error)
	require.Zero(t, commitments)
	require.Empty(t, rec.steps)
}

func TestAdminServerFailureStopsScheduler(t *testing.T) {
	contract := chain.NewMockContract(gomock.NewController(t))
	contract.EXPECT().GenesisBlock(gomock.Any()).Return(uint64(0), errors.New("dial tcp: connection refused")).AnyTimes()
	op, _ := newOperator(t, contract, &alerts{})

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	op.server.Addr = busy.Addr().String()

	done := make(chan error, 1)
	go func() { done <- op.Run(context.Background()) }()
	select {
	case err := <-done:
		require.ErrorContains(t, err, "admin server")
	case <-time.After(5 * time.Second):
		t.Fatal("operator kept running after the admin server failed")
	}
}
