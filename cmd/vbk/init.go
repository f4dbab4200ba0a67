// cmd/vbk/init.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mmp/vbk/archive"
	"github.com/mmp/vbk/catalog"
	"github.com/mmp/vbk/storage"
	"github.com/urfave/cli/v3"
)

func initCommand() *cli.Command {
	return &cli.Command{
		Name:   "init",
		Usage:  "create the destination and an empty catalog",
		Action: initAction,
	}
}

func initAction(_ context.Context, cmd *cli.Command) error {
	if err := checkNoArgs(cmd); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	catPath := cfg.CatalogPath()
	if _, err := os.Stat(catPath); err == nil {
		return fmt.Errorf("%s: catalog already exists", catPath)
	}

	dest := cfg.DestinationPath()
	if !strings.HasPrefix(dest, "gs://") {
		if err := os.MkdirAll(dest, 0700); err != nil {
			return err
		}
	}
	fs, err := storage.Open(dest, cfg.StorageOptions())
	if err != nil {
		return err
	}

	if cfg.Volume.Encrypt {
		exists, err := storage.Exists(fs, archive.KeyFileName)
		if err != nil {
			return err
		}
		if exists {
			fmt.Printf("%s: using existing encryption key\n", fs)
		} else {
			pass, err := getPassphrase(true)
			if err != nil {
				return err
			}
			_, keyFile, err := archive.GenerateKey(pass)
			if err != nil {
				return err
			}
			if err := storage.WriteFile(fs, archive.KeyFileName, keyFile); err != nil {
				return err
			}
			log.Verbose("%s: wrote %s", fs, archive.KeyFileName)
		}
	}

	if err := catalog.New().Save(catPath); err != nil {
		return err
	}
	fmt.Printf("initialized %s, backing up to %s\n", catPath, fs)
	return nil
}
