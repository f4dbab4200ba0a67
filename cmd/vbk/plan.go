// cmd/vbk/plan.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"fmt"

	"github.com/mmp/vbk/catalog"
	"github.com/mmp/vbk/plan"
	u "github.com/mmp/vbk/util"
	"github.com/urfave/cli/v3"
)

func planCommand() *cli.Command {
	return &cli.Command{
		Name:   "plan",
		Usage:  "print what the next backup would do without writing anything",
		Action: planAction,
	}
}

// archivedBytes returns the number of bytes of file contents that the
// instruction writes to a volume.
func archivedBytes(inst plan.Instruction) int64 {
	switch i := inst.(type) {
	case *plan.Append:
		return i.Size - i.From
	case *plan.Store:
		return i.Size
	}
	return 0
}

func planAction(_ context.Context, cmd *cli.Command) error {
	if err := checkNoArgs(cmd); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cat, err := catalog.Load(cfg.CatalogPath())
	if err != nil {
		return err
	}
	insts, err := compile(cfg, cat)
	if err != nil {
		return err
	}

	counts := make(map[plan.Kind]int)
	var total int64
	for _, inst := range insts {
		fmt.Printf("%s\n", inst)
		counts[inst.Kind()]++
		total += archivedBytes(inst)
	}
	fmt.Printf("%d instructions (%d touch, %d rotate, %d copy, %d delete, %d append, "+
		"%d store), %s to archive\n", len(insts), counts[plan.KindTouch],
		counts[plan.KindRotate], counts[plan.KindCopy], counts[plan.KindDelete],
		counts[plan.KindAppend], counts[plan.KindStore], u.FmtBytes(total))
	return nil
}
