// catalog/catalog.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package catalog maintains the record of which files have been backed
// up: for each logical path, its size, metadata, checksum, and the
// volumes that must be replayed to reconstruct its contents.
package catalog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/mmp/vbk/item"
	"github.com/mmp/vbk/kv"
	u "github.com/mmp/vbk/util"
)

var (
	ErrInconsistent = errors.New("catalog change is inconsistent with its current state")
	ErrStaleWip     = errors.New("an interrupted catalog save was found")
	ErrVersion      = errors.New("unsupported catalog record")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// State

// State is the catalog: a map from logical path to the Original item
// recorded for it.
type State struct {
	// Version is the number of the last volume written.
	Version int
	files   map[string]*item.Item
}

func New() *State {
	return &State{files: make(map[string]*item.Item)}
}

// Get returns the item recorded for the given path.
func (s *State) Get(name string) (*item.Item, bool) {
	it, ok := s.files[name]
	return it, ok
}

func (s *State) Len() int {
	return len(s.files)
}

// Names returns the paths in the catalog in sorted order.
func (s *State) Names() []string {
	names := make([]string, 0, len(s.files))
	for n := range s.files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Add records the given Original item, which must not already be present.
func (s *State) Add(it *item.Item) error {
	if it.Kind() != item.Original {
		return fmt.Errorf("%s: adding %s item: %w", it.Name(), it.Kind(), ErrInconsistent)
	}
	if _, ok := s.files[it.Name()]; ok {
		return fmt.Errorf("%s: already present: %w", it.Name(), ErrInconsistent)
	}
	s.files[it.Name()] = it
	return nil
}

// Volumes returns the sorted set of volumes that must be replayed to
// reconstruct everything in the catalog.
func (s *State) Volumes() []int {
	m := make(map[int]struct{})
	for _, it := range s.files {
		for _, v := range it.Volumes() {
			m[v] = struct{}{}
		}
	}
	v := make([]int, 0, len(m))
	for n := range m {
		v = append(v, n)
	}
	sort.Ints(v)
	return v
}

// Size returns the total size of all of the files in the catalog.
func (s *State) Size() int64 {
	var n int64
	for _, it := range s.files {
		n += it.Size()
	}
	return n
}

///////////////////////////////////////////////////////////////////////////
// Persistence

const formatVersion = 1

// Read returns the catalog stored in the given reader.
func Read(r io.Reader) (*State, error) {
	s := New()
	kr := kv.NewReader(r)
	first := true
	for {
		rec, err := kr.Next()
		if err == io.EOF {
			return s, nil
		} else if err != nil {
			return nil, err
		}

		switch rec.Category {
		case "catalog":
			if !first {
				return nil, fmt.Errorf("catalog header after files: %w", ErrVersion)
			}
			if err := s.readHeader(rec); err != nil {
				return nil, err
			}
		case "file":
			it, err := readFile(rec)
			if err != nil {
				return nil, err
			}
			if err := s.Add(it); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%q: %w", rec.Category, ErrVersion)
		}
		first = false
	}
}

func (s *State) readHeader(rec *kv.Record) error {
	f, err := consumeInt(rec, "format")
	if err != nil {
		return err
	}
	if f != formatVersion {
		return fmt.Errorf("format %d: %w", f, ErrVersion)
	}
	v, err := consumeInt(rec, "version")
	if err != nil {
		return err
	}
	s.Version = int(v)
	return rec.Done()
}

func readFile(rec *kv.Record) (*item.Item, error) {
	name, err := rec.Consume("name")
	if err != nil {
		return nil, err
	}
	size, err := consumeInt(rec, "size")
	if err != nil {
		return nil, err
	}
	ts, err := consumeInt(rec, "timestamp")
	if err != nil {
		return nil, err
	}
	cs, err := rec.Consume("checksum")
	if err != nil {
		return nil, err
	}
	sum, err := item.ParseChecksum(cs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	var vols []int
	for _, d := range rec.ConsumeAll("dependencies") {
		v, err := strconv.Atoi(d)
		if err != nil {
			return nil, fmt.Errorf("%s: dependencies: %w", name, err)
		}
		vols = append(vols, v)
	}
	if err := rec.Done(); err != nil {
		return nil, err
	}
	return item.NewOriginal(name, size, item.Metadata{Timestamp: ts}, sum, vols), nil
}

func consumeInt(rec *kv.Record, key string) (int64, error) {
	s, err := rec.Consume(key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q: %w", rec.Category, key, err)
	}
	return v, nil
}

// FileRecord returns the record used to store the given item.
func FileRecord(it *item.Item) *kv.Record {
	sum, err := it.Checksum()
	log.CheckError(err)

	rec := kv.NewRecord("file").Add("name", it.Name())
	rec.Addf("size", "%d", it.Size())
	rec.Addf("timestamp", "%d", it.Metadata().Timestamp)
	rec.Add("checksum", sum.String())
	for _, v := range it.Volumes() {
		rec.Addf("dependencies", "%d", v)
	}
	return rec
}

// Write writes the catalog to the given writer with files sorted by name.
func (s *State) Write(w io.Writer) error {
	kw := kv.NewWriter(w)
	hdr := kv.NewRecord("catalog").Addf("format", "%d", formatVersion)
	hdr.Addf("version", "%d", s.Version)
	if err := kw.Write(hdr); err != nil {
		return err
	}
	for _, name := range s.Names() {
		if err := kw.Write(FileRecord(s.files[name])); err != nil {
			return err
		}
	}
	return kw.Flush()
}

// Load reads the catalog stored at the given path. It refuses to do so
// if a previous Save was interrupted.
func Load(path string) (*State, error) {
	if _, err := os.Stat(path + ".wip"); err == nil {
		return nil, fmt.Errorf("%s.wip: %w", path, ErrStaleWip)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Debug("%s: loaded %d files, version %d", path, s.Len(), s.Version)
	return s, nil
}

// Save atomically replaces the catalog at the given path: it's written in
// full to a temporary file that is then renamed.
func (s *State) Save(path string) error {
	wip := path + ".wip"
	f, err := os.OpenFile(wip, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if err = s.Write(f); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(wip)
		return fmt.Errorf("%s: %w", wip, err)
	}
	if err := os.Rename(wip, path); err != nil {
		return err
	}
	log.Verbose("%s: saved %d files, version %d", path, s.Len(), s.Version)
	return nil
}
