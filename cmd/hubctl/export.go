package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"commitchain/core/audit"
	"commitchain/observability/logging"
)

var Export = cli.Command{
	Action: export,
	Name:   "export",
	Usage:  "re-verifies a checkpoint and writes its allotments as CSV and Parquet",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "token", Required: true, Usage: "token address of the checkpoint"},
		&cli.Uint64Flag{Name: "eon", Required: true, Usage: "eon of the checkpoint"},
		&cli.StringFlag{Name: "out", Value: ".", Usage: "output directory"},
	},
}

func export(ctx *cli.Context) error {
	cfg, store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	logger, closer := logging.Setup("hubctl", cfg.Environment, logging.Options{Level: cfg.Log.Level, Output: ctx.App.ErrWriter})
	defer closer.Close()

	auditor := audit.New(store, logger)
	report, err := auditor.Check(ctx.Context, ctx.String("token"), ctx.Uint64("eon"))
	if err != nil {
		return err
	}
	csvPath, parquetPath, err := auditor.Export(report, ctx.String("out"))
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.App.Writer, "root %s upper bound %s wallets %d\n", report.Root.Hex(), report.UpperBound, len(report.Rows))
	fmt.Fprintf(ctx.App.Writer, "wrote %s\nwrote %s\n", csvPath, parquetPath)
	if !report.Solvent() {
		for _, issue := range report.Issues {
			fmt.Fprintf(ctx.App.ErrWriter, "issue: %s\n", issue)
		}
		return fmt.Errorf("checkpoint %s/%d failed %d checks", report.Token, report.Eon, len(report.Issues))
	}
	return nil
}
