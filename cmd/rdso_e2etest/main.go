// cmd/rdso_e2etest/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Writes a randomly-sized volume file to a disk destination with parity
// sidecars, corrupts it, and checks that it's detected by fsck and can be
// restored.

package main

import (
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/mmp/vbk/rdso"
	"github.com/mmp/vbk/storage"
	u "github.com/mmp/vbk/util"
)

func main() {
	log := u.NewLogger(true /*verbose*/, false /*debug*/)
	storage.SetLogger(log)

	seed := int64(os.Getpid())
	log.Verbose("Seed = %d", seed)
	r := rand.New(rand.NewSource(seed))

	dir, err := os.MkdirTemp("", "rdso_e2e")
	if err != nil {
		log.Fatal("%s", err)
	}
	defer os.RemoveAll(dir)

	nParity := 1 + r.Intn(8)
	fs, err := storage.NewDisk(dir, nParity)
	if err != nil {
		log.Fatal("%s", err)
	}

	// Make a container full of random bytes.
	length := 64 + r.Intn(128*1024*1024)
	log.Verbose("File length %d, %d parity shards", length, nParity)
	const name = "0001/000.store"
	w, err := fs.CreateFile(name)
	if err != nil {
		log.Fatal("%s", err)
	}
	if _, err := io.CopyN(w, r, int64(length)); err != nil {
		log.Fatal("%s", err)
	}
	if err := w.Close(); err != nil {
		log.Fatal("%s", err)
	}

	if err := fs.Fsck(); err != nil || log.NErrors > 0 {
		log.Fatal("fsck of new volume failed: %v", err)
	}

	nErrors := r.Intn(nParity)
	if nErrors < nParity {
		nErrors++
	}

	path := filepath.Join(dir, filepath.FromSlash(name))
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		log.Fatal("%s: %s", path, err)
	}
	for i := 0; i < nErrors; i++ {
		offset := r.Int63n(int64(length))
		var b [1]byte
		if _, err := f.ReadAt(b[:], offset); err != nil {
			log.Fatal("%s", err)
		}

		delta := 1 + r.Intn(254)
		b[0] = byte((int(b[0]) + delta) % 255)

		if _, err := f.WriteAt(b[:], offset); err != nil {
			log.Fatal("%s", err)
		}
	}
	f.Close()

	if err := fs.Fsck(); err != nil {
		log.Fatal("%s", err)
	}
	if log.NErrors == 0 {
		log.Fatal("fsck of corrupted volume didn't fail?")
	}
	log.NErrors = 0

	if err := rdso.RestoreFile(path, path+".rs", log); err != nil || log.NErrors > 0 {
		log.Fatal("restore failed: %v", err)
	}

	if err := rdso.CheckFile(path+".recovered", path+".rs.recovered", log); err != nil {
		log.Fatal("%s", err)
	} else if log.NErrors > 0 {
		log.Fatal("check of recovered failed?")
	}
	log.Verbose("%s: corrupted %d bytes and restored", path, nErrors)
}
