// cmd/vbk/env.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mmp/vbk/archive"
	"github.com/mmp/vbk/catalog"
	"github.com/mmp/vbk/config"
	"github.com/mmp/vbk/plan"
	"github.com/mmp/vbk/scan"
	"github.com/mmp/vbk/storage"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

// env holds what most commands need: the configuration, the
// destination, and the archive key if encryption is enabled.
type env struct {
	cfg *config.Config
	fs  storage.FileStorage
	key []byte
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	return config.Load(cmd.Root().String("config"))
}

func openEnv(cmd *cli.Command, needKey bool) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg}
	if e.fs, err = storage.Open(cfg.DestinationPath(), cfg.StorageOptions()); err != nil {
		return nil, err
	}

	if needKey && cfg.Volume.Encrypt {
		keyFile, err := storage.ReadAll(e.fs, archive.KeyFileName)
		if err != nil {
			return nil, fmt.Errorf("%s: %w (has \"vbk init\" been run?)", archive.KeyFileName, err)
		}
		pass, err := getPassphrase(false)
		if err != nil {
			return nil, err
		}
		if e.key, err = archive.DecodeKey(keyFile, pass); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// getPassphrase returns the passphrase from $VBK_PASSPHRASE or, failing
// that, from the terminal.
func getPassphrase(confirm bool) (string, error) {
	if p := os.Getenv("VBK_PASSPHRASE"); p != "" {
		return p, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("VBK_PASSPHRASE not set and stdin is not a terminal")
	}
	read := func(prompt string) (string, error) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(string(b)), err
	}

	p, err := read("Passphrase: ")
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", errors.New("empty passphrase")
	}
	if confirm {
		again, err := read("Passphrase again: ")
		if err != nil {
			return "", err
		}
		if again != p {
			return "", errors.New("passphrases don't match")
		}
	}
	return p, nil
}

// compile scans the configured mounts and returns the instructions that
// bring the catalog up to date.
func compile(cfg *config.Config, cat *catalog.State) ([]plan.Instruction, error) {
	res, err := scan.Scan(cfg.ScanMounts())
	if err != nil {
		return nil, err
	}
	res.MarkUnreadable(cat.Names())

	insts, create, err := plan.Diff(cat, res.Items, res.Unreadable)
	if err != nil {
		return nil, err
	}
	if insts, err = plan.Deloop(insts); err != nil {
		return nil, err
	}
	return plan.Sort(create, insts)
}
