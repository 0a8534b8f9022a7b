package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"commitchain/cmd/internal/passphrase"
	"commitchain/config"
)

var Init = cli.Command{
	Action: initConfig,
	Name:   "init",
	Usage:  "writes a default configuration and a fresh operator keystore",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "pass-env",
			Value: "HUB_OPERATOR_PASSPHRASE",
			Usage: "environment variable holding the keystore passphrase",
		},
	},
}

func initConfig(ctx *cli.Context) error {
	pass, err := passphrase.NewSource(ctx.String("pass-env")).Get()
	if err != nil {
		return err
	}
	path := ctx.String(configFlag.Name)
	cfg, err := config.Init(path, pass)
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.App.Writer, "wrote %s\nkeystore %s\n", path, cfg.Operator.Keystore)
	return nil
}
