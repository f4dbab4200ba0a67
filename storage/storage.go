// storage/storage.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package storage provides the destinations that backup volumes are
// written to: a local directory (e.g., a mounted removable drive), Google
// Cloud Storage, and memory, for testing.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	u "github.com/mmp/vbk/util"
)

var (
	ErrFileExists   = errors.New("file exists")
	ErrFileNotFound = errors.New("file not found")
	ErrBadName      = errors.New("invalid file name")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////

// FileStorage is a simple abstraction for a storage system that backup
// volumes are written to. Files are write-once: they are created, written
// sequentially, and never modified afterward.
//
// Names are slash-separated paths relative to the root of the storage.
type FileStorage interface {
	// CreateFile returns an io.WriteCloser for a new file with the given
	// name; it is an error if a file with that name already exists. The
	// file's contents are only guaranteed to have been committed to
	// storage once Close returns without error.
	CreateFile(name string) (io.WriteCloser, error)

	// ReadFile returns the contents of the given file. If length is zero,
	// the whole file contents are returned; otherwise the segment
	// starting at offset with given length is returned.
	ReadFile(name string, offset int64, length int64) ([]byte, error)

	// ForFiles calls the given callback function for all files whose
	// names start with the given prefix, providing the file path and its
	// creation time.
	ForFiles(prefix string, f func(path string, created time.Time)) error

	String() string

	// Fsck checks the integrity of the stored files and reports any
	// problems via the logger specified by SetLogger.
	Fsck() error
}

// Options holds the settings used by Open to create a FileStorage.
type Options struct {
	// Number of Reed-Solomon parity shards written alongside each file
	// stored on disk; zero disables parity sidecars.
	ParityShards int

	GCS GCSOptions
}

// Open returns the FileStorage for the given destination, which is either
// a "gs://bucket" URL or a local directory.
func Open(dest string, opts Options) (FileStorage, error) {
	if bucket, ok := strings.CutPrefix(dest, "gs://"); ok {
		gopts := opts.GCS
		gopts.BucketName = strings.TrimSuffix(bucket, "/")
		return NewGCS(gopts)
	}
	return NewDisk(dest, opts.ParityShards)
}

///////////////////////////////////////////////////////////////////////////
// Some utility stuff

func checkName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || path.Clean(name) != name ||
		strings.HasPrefix(name, "../") || name == ".." {
		return fmt.Errorf("%q: %w", name, ErrBadName)
	}
	return nil
}

// ReadAll returns the full contents of the given file.
func ReadAll(fs FileStorage, name string) ([]byte, error) {
	return fs.ReadFile(name, 0, 0)
}

// WriteFile creates a new file with the given contents.
func WriteFile(fs FileStorage, name string, contents []byte) error {
	w, err := fs.CreateFile(name)
	if err != nil {
		return err
	}
	if _, err := w.Write(contents); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Exists reports whether the given file is present.
func Exists(fs FileStorage, name string) (bool, error) {
	found := false
	err := fs.ForFiles(name, func(n string, created time.Time) {
		found = found || n == name
	})
	return found, err
}

// List returns the sorted names of the files with the given prefix.
func List(fs FileStorage, prefix string) ([]string, error) {
	var names []string
	err := fs.ForFiles(prefix, func(n string, created time.Time) {
		names = append(names, n)
	})
	sort.Strings(names)
	return names, err
}

// NewReader returns an io.ReadCloser for the contents of a file,
// reporting the progress of reading it via the logger.
func NewReader(fs FileStorage, name string) (io.ReadCloser, error) {
	b, err := ReadAll(fs, name)
	if err != nil {
		return nil, err
	}
	return &u.ReportingReader{R: bytes.NewReader(b), Msg: name, Log: log}, nil
}
