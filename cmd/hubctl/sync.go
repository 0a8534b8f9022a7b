package main

import (
	"encoding/json"

	"github.com/urfave/cli/v2"

	hubsync "commitchain/core/sync"
)

var Sync = cli.Command{
	Action: syncWallet,
	Name:   "sync",
	Usage:  "prints the standing of a wallet as JSON",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "token", Required: true, Usage: "token address"},
		&cli.StringFlag{Name: "address", Required: true, Usage: "wallet address"},
	},
}

func syncWallet(ctx *cli.Context) error {
	_, store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	view, err := hubsync.NewReader(store).Wallet(ctx.Context, ctx.String("token"), ctx.String("address"))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(ctx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}
