package main

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"commitchain/core/merkle"
	hubsync "commitchain/core/sync"
	"commitchain/storage"
	"commitchain/storage/storagetest"
)

func viewFixture(t *testing.T) hubsync.WalletView {
	t.Helper()
	var leaves []merkle.Leaf
	bounds := [][2]int64{{0, 10}, {10, 25}, {25, 25}}
	for i, b := range bounds {
		addr, err := storage.ParseHexAddress(storagetest.Address(uint64(i + 1)))
		require.NoError(t, err)
		leaf, err := merkle.NewAllotmentLeaf(addr, big.NewInt(b[0]), big.NewInt(b[1]))
		require.NoError(t, err)
		leaves = append(leaves, leaf)
	}
	tree := merkle.Build(leaves)
	proof, err := tree.Proof(1)
	require.NoError(t, err)
	return hubsync.WalletView{
		Token:   storagetest.DefaultToken,
		Address: storagetest.Address(2),
		Allotment: &hubsync.Allotment{
			Eon:   3,
			Left:  "10",
			Right: "25",
			Proof: proof,
		},
	}
}

func TestCheckAllotment(t *testing.T) {
	view := viewFixture(t)
	require.NoError(t, checkAllotment(view, ""))
	require.NoError(t, checkAllotment(view, view.Allotment.Proof.Root.Hex()))
	require.Error(t, checkAllotment(view, "0x01"))

	tampered := view
	allotment := *view.Allotment
	allotment.Right = "26"
	tampered.Allotment = &allotment
	require.ErrorContains(t, checkAllotment(tampered, ""), "leaf mismatch")

	require.Error(t, checkAllotment(hubsync.WalletView{Address: storagetest.Address(2)}, ""))
}
