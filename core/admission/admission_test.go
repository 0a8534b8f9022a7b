package admission

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"commitchain/core/ledger"
	hubcrypto "commitchain/crypto"
	"commitchain/storage"
	"commitchain/storage/storagetest"
)

func newService(t *testing.T) (*Service, *hubcrypto.KeySigner) {
	t.Helper()
	key, err := hubcrypto.GeneratePrivateKey()
	require.NoError(t, err)
	signer, err := hubcrypto.NewKeySigner(key)
	require.NoError(t, err)
	store := storagetest.Open(t)
	return New(store, ledger.New(store, signer), signer, nil), signer
}

func TestAdmitCountersignsWallet(t *testing.T) {
	svc, signer := newService(t)
	ctx := context.Background()
	token := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	addr := common.HexToAddress("0x00000000000000000000000000000000000000a1")

	_, err := svc.Request(ctx, token, addr, []byte{0xde})
	require.NoError(t, err)
	_, err = svc.Request(ctx, token, addr, []byte{0xad})
	require.NoError(t, err)

	admitted, err := svc.Admit(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, 1, admitted)

	admitted, err = svc.Admit(ctx, 4)
	require.NoError(t, err)
	require.Zero(t, admitted)

	wallet, err := storage.WalletByAddress(svc.store.DB(), storage.HexAddress(token), storage.HexAddress(addr))
	require.NoError(t, err)
	require.Equal(t, uint64(4), wallet.RegistrationEon)
	require.NoError(t, VerifyAuthorization(signer.Address(), wallet))
	require.Error(t, VerifyAuthorization(common.Address{1}, wallet))
}

func TestCreditDepositsOnce(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	wallet := storagetest.Wallet(t, svc.store, storagetest.DefaultToken, 1, 1)
	for i, amount := range []uint64{100, 25} {
		dep := storage.Deposit{WalletID: wallet.ID, Amount: storage.AmountFromUint64(amount), Block: uint64(10 + i), EonNumber: 2, ChainTxID: common.Hash{byte(i + 1)}.Hex()}
		require.NoError(t, svc.store.DB().Create(&dep).Error)
	}
	future := storage.Deposit{WalletID: wallet.ID, Amount: storage.AmountFromUint64(7), EonNumber: 3, ChainTxID: "later"}
	require.NoError(t, svc.store.DB().Create(&future).Error)

	credited, err := svc.CreditDeposits(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 2, credited)

	credited, err = svc.CreditDeposits(ctx, 2)
	require.NoError(t, err)
	require.Zero(t, credited)

	state, err := svc.ledger.Latest(ctx, wallet.ID, 2)
	require.NoError(t, err)
	require.Equal(t, "125", state.Gains.String())
	require.Equal(t, uint64(2), state.Sequence)
}

func TestAdmissionClaimsDepositsMadeBeforeRegistration(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	token := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	addr := common.HexToAddress("0x00000000000000000000000000000000000000a2")
	other := common.HexToAddress("0x00000000000000000000000000000000000000a3")
	for i, owner := range []common.Address{addr, addr, other} {
		held := storage.UnclaimedDeposit{
			Token:     storage.HexAddress(token),
			Address:   storage.HexAddress(owner),
			Amount:    storage.AmountFromUint64(uint64(10 * (i + 1))),
			Block:     uint64(50 + i),
			EonNumber: 2,
			ChainTxID: common.Hash{byte(0x10 + i)}.Hex(),
		}
		require.NoError(t, svc.store.DB().Create(&held).Error)
	}

	_, err := svc.Request(ctx, token, addr, nil)
	require.NoError(t, err)
	admitted, err := svc.Admit(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 1, admitted)

	credited, err := svc.CreditDeposits(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 2, credited)

	wallet, err := storage.WalletByAddress(svc.store.DB(), storage.HexAddress(token), storage.HexAddress(addr))
	require.NoError(t, err)
	state, err := svc.ledger.Latest(ctx, wallet.ID, 3)
	require.NoError(t, err)
	require.Equal(t, "30", state.Gains.String())

	var unclaimed int64
	require.NoError(t, svc.store.DB().Model(&storage.UnclaimedDeposit{}).Where("claimed = ?", false).Count(&unclaimed).Error)
	require.Equal(t, int64(1), unclaimed, "only the unregistered owner's deposit stays held")

	_, err = svc.Request(ctx, token, addr, nil)
	require.NoError(t, err)
	admitted, err = svc.Admit(ctx, 3)
	require.NoError(t, err)
	require.Zero(t, admitted)
	var deposits int64
	require.NoError(t, svc.store.DB().Model(&storage.Deposit{}).Count(&deposits).Error)
	require.Equal(t, int64(2), deposits)
}
