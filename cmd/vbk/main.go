// cmd/vbk/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// vbk computes incremental, deduplicated backups of a set of directories
// and writes them to a series of fixed-size volumes.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mmp/vbk/archive"
	"github.com/mmp/vbk/catalog"
	"github.com/mmp/vbk/item"
	"github.com/mmp/vbk/pack"
	"github.com/mmp/vbk/plan"
	"github.com/mmp/vbk/scan"
	"github.com/mmp/vbk/storage"
	u "github.com/mmp/vbk/util"
	"github.com/urfave/cli/v3"
)

var log *u.Logger

// Commands:
// init
//   creates the destination, the catalog and, if encryption is enabled,
//   the archive key
//
// plan
//   prints the instructions that the next backup would carry out
//
// backup
//   writes one or more volumes and updates the catalog
//
// catalog
//   lists the catalog's contents or the volumes needed to restore them
//
// fsck
//   checks the destination's files and that the volumes' process logs
//   reproduce the catalog
//
// readme
//   describes the format of the volumes

func main() {
	app := &cli.Command{
		Name:  "vbk",
		Usage: "volume backup",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "configuration file (default $VBK_DIR/vbk.toml)",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "report progress in detail",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "print debugging output",
			},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			initCommand(),
			planCommand(),
			backupCommand(),
			catalogCommand(),
			fsckCommand(),
			readmeCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Error("%s", err)
		os.Exit(1)
	}
}

func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	log = u.NewLogger(cmd.Bool("verbose"), cmd.Bool("debug"))
	archive.SetLogger(log)
	catalog.SetLogger(log)
	item.SetLogger(log)
	pack.SetLogger(log)
	plan.SetLogger(log)
	scan.SetLogger(log)
	storage.SetLogger(log)
	return ctx, nil
}

func checkNoArgs(cmd *cli.Command) error {
	if cmd.Args().Len() > 0 {
		return fmt.Errorf("%s does not accept arguments", cmd.Name)
	}
	return nil
}
