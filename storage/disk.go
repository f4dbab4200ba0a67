// storage/disk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mmp/vbk/rdso"
)

// The Reed-Solomon encoding of a file is computed once the file has been
// written; these suffixes are used for the encoding and for files that
// are still being written.
const (
	rsSuffix  = ".rs"
	tmpSuffix = ".tmp"
)

type disk struct {
	dir          string
	parityShards int
}

// NewDisk returns a FileStorage that stores files in the given directory,
// which must exist. If parityShards is greater than zero, a Reed-Solomon
// encoding with that many parity shards is written next to each file.
func NewDisk(dir string, parityShards int) (FileStorage, error) {
	// Make sure that the backup directory exists and is in fact a directory.
	stat, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("%s: is a regular file", dir)
	}
	return &disk{dir: dir, parityShards: parityShards}, nil
}

func (d *disk) String() string {
	return "disk: " + d.dir
}

func (d *disk) path(name string) string {
	return filepath.Join(d.dir, filepath.FromSlash(name))
}

func (d *disk) CreateFile(name string) (io.WriteCloser, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	p := d.path(name)
	if _, err := os.Stat(p); err == nil {
		return nil, fmt.Errorf("%s: %w", p, ErrFileExists)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return nil, err
	}

	// A temporary file may have been left behind by an interrupted run.
	if err := os.Remove(p + tmpSuffix); err == nil {
		log.Warning("%s: removed stale %s file", p, tmpSuffix)
	}
	f, err := os.OpenFile(p+tmpSuffix, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, err
	}
	return &diskWriter{f: f, path: p, d: d}, nil
}

// diskWriter writes to a temporary file that is renamed to its final name
// once it has been closed successfully.
type diskWriter struct {
	f    *os.File
	path string
	d    *disk
}

func (w *diskWriter) Write(b []byte) (int, error) {
	return w.f.Write(b)
}

func (w *diskWriter) Close() error {
	tmp := w.f.Name()
	err := w.f.Sync()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	// The parity sidecar is written before the file becomes visible so
	// that every visible file has one.
	if err == nil && w.d.parityShards > 0 {
		log.Debug("%s: computing Reed-Solomon encoding", w.path)
		err = rdso.EncodeFile(tmp, w.path+rsSuffix, rdso.DefaultDataShards,
			w.d.parityShards, rdso.DefaultHashRate)
	}
	if err == nil {
		err = os.Rename(tmp, w.path)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (d *disk) ReadFile(name string, offset, length int64) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(d.path(name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", name, ErrFileNotFound)
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	if length == 0 {
		return io.ReadAll(f)
	}
	b := make([]byte, length)
	if _, err := f.ReadAt(b, offset); err != nil {
		return nil, err
	}
	return b, nil
}

// The Reed-Solomon sidecars and partially-written files aren't reported.
func (d *disk) ForFiles(prefix string, f func(path string, created time.Time)) error {
	return filepath.Walk(d.dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, rsSuffix) || strings.HasSuffix(p, tmpSuffix) {
			return nil
		}
		rel, err := filepath.Rel(d.dir, p)
		if err != nil {
			return err
		}
		if rel = filepath.ToSlash(rel); strings.HasPrefix(rel, prefix) {
			f(rel, info.ModTime())
		}
		return nil
	})
}

// Fsck checks the Reed-Solomon encoding of all of the files.
func (d *disk) Fsck() error {
	var names []string
	if err := d.ForFiles("", func(n string, created time.Time) {
		names = append(names, n)
	}); err != nil {
		return err
	}

	log.Verbose("Checking Reed-Solomon codes of %d files", len(names))
	for _, n := range names {
		p := d.path(n)
		if _, err := os.Stat(p + rsSuffix); os.IsNotExist(err) {
			if d.parityShards > 0 {
				log.Error("%s: no Reed-Solomon encoding", p)
			}
			continue
		}
		if err := rdso.CheckFile(p, p+rsSuffix, log); err != nil {
			log.Error("%s: %s", p, err)
		}
	}
	return nil
}
