// cmd/rdso/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Simple tool to apply Reed-Solomon encoding to files. Provides facilities
// to check the integrity of encoded files and to recover corrupt files.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mmp/vbk/rdso"
	u "github.com/mmp/vbk/util"
	"github.com/urfave/cli/v3"
)

const rsSuffix = ".rs"

func main() {
	app := &cli.Command{
		Name:  "rdso",
		Usage: "Reed-Solomon parity files",
		Commands: []*cli.Command{
			{
				Name:      "encode",
				Usage:     "write a .rs parity file next to each file",
				ArgsUsage: "<files...>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "nshards", Value: rdso.DefaultDataShards,
						Usage: "number of data shards"},
					&cli.IntFlag{Name: "nparity", Value: rdso.DefaultParityShards,
						Usage: "number of parity shards"},
					&cli.IntFlag{Name: "hashrate", Value: rdso.DefaultHashRate,
						Usage: "chunk size for file hashes"},
				},
				Action: encodeAction,
			},
			{
				Name:      "check",
				Usage:     "check files against their parity files",
				ArgsUsage: "<files...>",
				Action:    checkAction,
			},
			{
				Name:      "restore",
				Usage:     "recover corrupt files using their parity files",
				ArgsUsage: "<files...>",
				Action:    restoreAction,
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func encodeAction(_ context.Context, cmd *cli.Command) error {
	nShards, nParity := int(cmd.Int("nshards")), int(cmd.Int("nparity"))
	hashRate := int(cmd.Int("hashrate"))

	for _, fn := range cmd.Args().Slice() {
		if strings.HasSuffix(fn, rsSuffix) {
			fmt.Println(fn, ": skipping Reed-Solomon encoding of .rs file")
			continue
		}
		rsfn := fn + rsSuffix
		if err := rdso.EncodeFile(fn, rsfn, nShards, nParity, hashRate); err != nil {
			return fmt.Errorf("%s: %w", fn, err)
		}
		fmt.Printf("%s: created Reed-Solomon encoding file\n", rsfn)
	}
	return nil
}

func checkAction(_ context.Context, cmd *cli.Command) error {
	log := u.NewLogger(true /*verbose*/, false /*debug*/)
	files := cmd.Args().Slice()
	nCorrupt := 0
	for _, fn := range files {
		err := rdso.CheckFile(fn, fn+rsSuffix, log)
		if errors.Is(err, rdso.ErrFileCorrupt) {
			log.Error("%s: %s", fn, err)
			nCorrupt++
		} else if err != nil {
			return fmt.Errorf("%s: %w", fn, err)
		}
	}
	if nCorrupt > 0 {
		return fmt.Errorf("%d of %d files are corrupt", nCorrupt, len(files))
	}
	return nil
}

func restoreAction(_ context.Context, cmd *cli.Command) error {
	log := u.NewLogger(true /*verbose*/, false /*debug*/)
	for _, fn := range cmd.Args().Slice() {
		if err := rdso.RestoreFile(fn, fn+rsSuffix, log); err != nil {
			return fmt.Errorf("%s: %w", fn, err)
		}
	}
	return nil
}
