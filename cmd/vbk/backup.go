// cmd/vbk/backup.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmp/vbk/catalog"
	"github.com/mmp/vbk/config"
	"github.com/mmp/vbk/pack"
	u "github.com/mmp/vbk/util"
	"github.com/urfave/cli/v3"
)

func backupCommand() *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "back up changes since the last backup to new volumes",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "volumes",
				Value: 1,
				Usage: "maximum number of volumes to write; 0 means as many as needed",
			},
		},
		Action: backupAction,
	}
}

func backupAction(_ context.Context, cmd *cli.Command) error {
	if err := checkNoArgs(cmd); err != nil {
		return err
	}
	maxVolumes := int(cmd.Int("volumes"))
	if maxVolumes < 0 {
		return fmt.Errorf("%d: invalid number of volumes", maxVolumes)
	}

	e, err := openEnv(cmd, true)
	if err != nil {
		return err
	}
	catPath := e.cfg.CatalogPath()
	cat, err := catalog.Load(catPath)
	if err != nil {
		return err
	}
	opts := e.cfg.PackOptions(e.key)

	for n := 0; maxVolumes == 0 || n < maxVolumes; n++ {
		start := time.Now()
		insts, err := compile(e.cfg, cat)
		if err != nil {
			return err
		}
		if len(insts) == 0 {
			fmt.Printf("%s: up to date (version %d)\n", catPath, cat.Version)
			return nil
		}

		// If Pack fails, the catalog isn't saved and the partially
		// written volume is ignored by later runs.
		res, err := pack.Pack(e.fs, cat, insts, opts)
		if errors.Is(err, pack.ErrCapacity) {
			return fmt.Errorf("%w; increase capacity or decrease min_slack in %s", err,
				config.FileName)
		} else if err != nil {
			return fmt.Errorf("volume %d: %w", res.Volume, err)
		}
		if res.Applied == 0 {
			return fmt.Errorf("volume %d: no progress made", res.Volume)
		}
		if err := cat.Save(catPath); err != nil {
			return err
		}

		fmt.Printf("volume %d (%s): %d instructions, %s archived, %s used, %s\n",
			res.Volume, res.Dir, res.Applied, u.FmtBytes(res.Payload), u.FmtBytes(res.Used),
			time.Since(start).Round(time.Second))
		if res.Truncated != nil {
			log.Verbose("volume %d: partially archived %s", res.Volume, res.Truncated)
		}
		if res.Complete {
			return nil
		}
		if n+1 == maxVolumes {
			fmt.Printf("%d instructions remain for the next volume\n", res.Deferred)
		}
	}
	return nil
}
