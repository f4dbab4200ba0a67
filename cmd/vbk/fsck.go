// cmd/vbk/fsck.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/mmp/vbk/archive"
	"github.com/mmp/vbk/catalog"
	"github.com/mmp/vbk/pack"
	"github.com/mmp/vbk/storage"
	"github.com/urfave/cli/v3"
)

func fsckCommand() *cli.Command {
	return &cli.Command{
		Name:  "fsck",
		Usage: "check the integrity of the volumes and the catalog",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "containers",
				Value: true,
				Usage: "read every archived file in the volumes' containers",
			},
		},
		Action: fsckAction,
	}
}

func fsckAction(_ context.Context, cmd *cli.Command) error {
	if err := checkNoArgs(cmd); err != nil {
		return err
	}
	readContainers := cmd.Bool("containers")
	e, err := openEnv(cmd, readContainers)
	if err != nil {
		return err
	}
	cat, err := catalog.Load(e.cfg.CatalogPath())
	if err != nil {
		return err
	}

	log.Verbose("%s: checking stored files", e.fs)
	if err := e.fs.Fsck(); err != nil {
		return err
	}

	vols, err := pack.FindVolumes(e.fs)
	if err != nil {
		return err
	}
	for _, v := range vols {
		for _, d := range v.Superseded {
			log.Warning("%s: superseded by %s", d, v.Dir)
		}
		if readContainers {
			checkContainers(e.fs, v, e.key)
		}
	}

	rebuilt, err := pack.Rebuild(vols)
	if err != nil {
		log.Error("%s", err)
	} else {
		compareCatalogs(cat, rebuilt)
	}

	if log.NErrors > 0 {
		return fmt.Errorf("%d errors found", log.NErrors)
	}
	fmt.Printf("%s: %d volumes, %d files: no errors found\n", e.fs, len(vols), cat.Len())
	return nil
}

// checkContainers reads all of the entries in the volume's containers and
// checks that they match the process log.
func checkContainers(fs storage.FileStorage, v *pack.Volume, key []byte) {
	type expected struct {
		name string
		size int64
	}
	var containers []string
	entries := make(map[string][]expected)
	for _, le := range v.Log {
		if le.Container == "" {
			continue
		}
		c := le.Change
		if _, ok := entries[le.Container]; !ok {
			containers = append(containers, le.Container)
		}
		entries[le.Container] = append(entries[le.Container],
			expected{name: c.Name, size: c.Size - c.From})
	}

	for _, cn := range containers {
		p := path.Join(v.Dir, cn)
		r, err := storage.NewReader(fs, p)
		if err != nil {
			log.Error("%s: %s", p, err)
			continue
		}
		ar, err := archive.NewReader(r, key)
		if err != nil {
			r.Close()
			log.Error("%s: %s", p, err)
			continue
		}

		for _, exp := range entries[cn] {
			name, size, err := ar.Next()
			if err != nil {
				log.Error("%s: %s: %s", p, exp.name, err)
				break
			}
			if name != exp.name || size != exp.size {
				log.Error("%s: found %s (%d bytes), expected %s (%d bytes)", p, name,
					size, exp.name, exp.size)
				break
			}
			if _, err := io.Copy(io.Discard, ar); err != nil {
				log.Error("%s: %s: %s", p, name, err)
				break
			}
		}
		ar.Close()
		r.Close()
		log.Verbose("%s: checked %d entries", p, len(entries[cn]))
	}
}

func compareCatalogs(cat, rebuilt *catalog.State) {
	if cat.Version != rebuilt.Version {
		log.Error("catalog is at version %d but the volumes reach version %d",
			cat.Version, rebuilt.Version)
		return
	}

	var want, got bytes.Buffer
	if err := cat.Write(&want); err != nil {
		log.Error("%s", err)
		return
	}
	if err := rebuilt.Write(&got); err != nil {
		log.Error("%s", err)
		return
	}
	if bytes.Equal(want.Bytes(), got.Bytes()) {
		return
	}

	for _, n := range cat.Names() {
		a, _ := cat.Get(n)
		b, ok := rebuilt.Get(n)
		if !ok {
			log.Error("%s: missing from the volumes", n)
		} else if a.String() != b.String() {
			log.Error("%s: catalog has %s, volumes have %s", n, a, b)
		}
	}
	for _, n := range rebuilt.Names() {
		if _, ok := cat.Get(n); !ok {
			log.Error("%s: in the volumes but not the catalog", n)
		}
	}
	log.Error("the volumes' process logs don't reproduce the catalog")
}
