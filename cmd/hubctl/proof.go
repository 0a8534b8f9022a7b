package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"commitchain/core/merkle"
	hubsync "commitchain/core/sync"
	"commitchain/storage"
)

var VerifyProof = cli.Command{
	Action:    verifyProof,
	Name:      "verify-proof",
	Usage:     "checks the allotment proof of a wallet view against a checkpoint root",
	ArgsUsage: "<wallet-view.json>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "root",
			Usage: "checkpoint root read from the verifier; defaults to the root carried by the proof",
		},
	},
}

func verifyProof(ctx *cli.Context) error {
	if ctx.Args().Len() != 1 {
		return fmt.Errorf("missing wallet view file")
	}
	raw, err := os.ReadFile(ctx.Args().Get(0))
	if err != nil {
		return err
	}
	var view hubsync.WalletView
	if err := json.Unmarshal(raw, &view); err != nil {
		return fmt.Errorf("decode wallet view: %w", err)
	}
	if err := checkAllotment(view, ctx.String("root")); err != nil {
		return err
	}
	fmt.Fprintf(ctx.App.Writer, "proof valid: wallet %s eon %d interval [%s, %s)\n",
		view.Address, view.Allotment.Eon, view.Allotment.Left, view.Allotment.Right)
	return nil
}

// checkAllotment rebuilds the allotment leaf from the view and walks its
// proof up to root. An empty root trusts the root stored in the proof.
func checkAllotment(view hubsync.WalletView, root string) error {
	if view.Allotment == nil {
		return errors.New("wallet view carries no allotment")
	}
	addr, err := storage.ParseHexAddress(view.Address)
	if err != nil {
		return err
	}
	left, ok := new(big.Int).SetString(view.Allotment.Left, 10)
	if !ok {
		return fmt.Errorf("invalid left bound %q", view.Allotment.Left)
	}
	right, ok := new(big.Int).SetString(view.Allotment.Right, 10)
	if !ok {
		return fmt.Errorf("invalid right bound %q", view.Allotment.Right)
	}
	leaf, err := merkle.NewAllotmentLeaf(addr, left, right)
	if err != nil {
		return err
	}
	proof := view.Allotment.Proof
	if leaf.Hash() != proof.Leaf {
		return fmt.Errorf("leaf mismatch: interval hashes to %s, proof carries %s", leaf.Hash().Hex(), proof.Leaf.Hex())
	}
	expected := proof.Root
	if trimmed := strings.TrimSpace(root); trimmed != "" {
		expected = common.HexToHash(trimmed)
	}
	if !merkle.Verify(expected, leaf.Hash(), proof) {
		return fmt.Errorf("proof does not reach root %s", expected.Hex())
	}
	return nil
}
