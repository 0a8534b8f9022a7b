package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"commitchain/config"
	"commitchain/storage"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Value:   "./operator.toml",
	Usage:   "path to the operator configuration file",
}

func main() {
	app := &cli.App{
		Name:  "hubctl",
		Usage: "operator tooling for the commit-chain hub",
		Flags: []cli.Flag{configFlag},
		Commands: []*cli.Command{
			&Init,
			&VerifyProof,
			&Export,
			&Sync,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "hubctl: %v\n", err)
		os.Exit(1)
	}
}

func openStore(ctx *cli.Context) (config.Config, *storage.Store, error) {
	cfg, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		return config.Config{}, nil, err
	}
	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, store, nil
}
