// storage/memory.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"
)

type memFile struct {
	data    []byte
	created time.Time
}

type memory struct {
	files map[string]memFile
}

// NewMemory returns a FileStorage that stores all files in RAM. It's
// really only useful for testing code built on top of FileStorage.
func NewMemory() FileStorage {
	return &memory{files: make(map[string]memFile)}
}

func (m *memory) String() string {
	return "memory"
}

func (m *memory) Fsck() error {
	return nil
}

func (m *memory) CreateFile(name string) (io.WriteCloser, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	if _, ok := m.files[name]; ok {
		return nil, fmt.Errorf("%s: %w", name, ErrFileExists)
	}
	return &memWriter{name: name, m: m}, nil
}

// memWriter buffers the file's contents and adds the file in Close.
type memWriter struct {
	buf  bytes.Buffer
	name string
	m    *memory
}

func (w *memWriter) Write(b []byte) (int, error) {
	return w.buf.Write(b)
}

func (w *memWriter) Close() error {
	if _, ok := w.m.files[w.name]; ok {
		return fmt.Errorf("%s: %w", w.name, ErrFileExists)
	}
	w.m.files[w.name] = memFile{w.buf.Bytes(), time.Now()}
	return nil
}

func (m *memory) ReadFile(name string, offset, length int64) ([]byte, error) {
	f, ok := m.files[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrFileNotFound)
	}
	if length == 0 {
		return bytes.Clone(f.data), nil
	}
	if offset < 0 || offset+length > int64(len(f.data)) {
		return nil, fmt.Errorf("%s: range [%d,%d) beyond end of %d byte file: %w",
			name, offset, offset+length, len(f.data), io.ErrUnexpectedEOF)
	}
	return bytes.Clone(f.data[offset : offset+length]), nil
}

func (m *memory) ForFiles(prefix string, f func(path string, created time.Time)) error {
	for name, mf := range m.files {
		if strings.HasPrefix(name, prefix) {
			f(name, mf.created)
		}
	}
	return nil
}
