// cmd/vbk/catalog.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/disiqueira/gotree/v3"
	"github.com/mmp/vbk/catalog"
	u "github.com/mmp/vbk/util"
	"github.com/urfave/cli/v3"
)

func catalogCommand() *cli.Command {
	return &cli.Command{
		Name:      "catalog",
		Usage:     "list the files in the catalog",
		ArgsUsage: "[prefix]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "tree",
				Usage: "print the files as a directory tree",
			},
			&cli.BoolFlag{
				Name:  "volumes",
				Usage: "print only the volumes needed to restore the files",
			},
		},
		Action: catalogAction,
	}
}

// fileTree renders logical paths as a tree, creating nodes for
// directories as they're first seen.
type fileTree struct {
	tree gotree.Tree
	dirs map[string]gotree.Tree
}

func newFileTree(root string) fileTree {
	return fileTree{tree: gotree.New(root), dirs: make(map[string]gotree.Tree)}
}

func (t fileTree) dir(p string) gotree.Tree {
	if p == "/" {
		return t.tree
	}
	d, ok := t.dirs[p]
	if !ok {
		d = t.dir(path.Dir(p)).Add(path.Base(p))
		t.dirs[p] = d
	}
	return d
}

func (t fileTree) insert(p, label string) {
	t.dir(path.Dir(p)).Add(label)
}

func catalogAction(_ context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() > 1 {
		return fmt.Errorf("catalog accepts at most one prefix")
	}
	prefix := cmd.Args().First()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cat, err := catalog.Load(cfg.CatalogPath())
	if err != nil {
		return err
	}

	sub := catalog.New()
	sub.Version = cat.Version
	for _, n := range cat.Names() {
		if strings.HasPrefix(n, prefix) {
			it, _ := cat.Get(n)
			if err := sub.Add(it); err != nil {
				return err
			}
		}
	}

	if cmd.Bool("volumes") {
		var v []string
		for _, n := range sub.Volumes() {
			v = append(v, fmt.Sprintf("%d", n))
		}
		fmt.Println(strings.Join(v, " "))
		return nil
	}

	if cmd.Bool("tree") {
		t := newFileTree(fmt.Sprintf("/ (version %d)", cat.Version))
		for _, n := range sub.Names() {
			it, _ := sub.Get(n)
			t.insert(n, fmt.Sprintf("%s (%s)", path.Base(n), u.FmtBytes(it.Size())))
		}
		fmt.Print(t.tree.Print())
	} else {
		for _, n := range sub.Names() {
			it, _ := sub.Get(n)
			ts := time.Unix(it.Metadata().Timestamp, 0).Format(time.DateTime)
			fmt.Printf("%12d  %s  %v  %s\n", it.Size(), ts, it.Volumes(), n)
		}
	}
	fmt.Printf("%d files, %s\n", sub.Len(), u.FmtBytes(sub.Size()))
	return nil
}
