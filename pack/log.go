// pack/log.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package pack

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/mmp/vbk/catalog"
	"github.com/mmp/vbk/item"
	"github.com/mmp/vbk/kv"
)

// Each volume has a process log that records, in order, the changes that
// were applied to the catalog while it was written. Replaying the logs of
// all volumes, in order, reproduces the catalog.

// LogName is the name of the process log within a volume's directory.
const LogName = "log.txt"

var ErrLogFormat = errors.New("malformed process log")

// VolumeHeader is the first record of a process log.
type VolumeHeader struct {
	Number int
	// Version of the catalog that the volume's changes apply to.
	CatalogVersion int
}

// LogEntry is a change recorded in a process log along with the name of
// the container, relative to the volume's directory, that holds the
// contents that it archived, if any.
type LogEntry struct {
	Change    catalog.Change
	Container string
}

func headerRecord(h VolumeHeader) *kv.Record {
	return kv.NewRecord("volume").Addf("number", "%d", h.Number).
		Addf("catalog_version", "%d", h.CatalogVersion)
}

func sourceVersion(isNew bool) string {
	if isNew {
		return "new"
	}
	return "old"
}

// changeRecord returns the process log record for the given change.
func changeRecord(c catalog.Change, container string) *kv.Record {
	rec := kv.NewRecord(c.Op.String())
	switch c.Op {
	case catalog.OpRotate:
		for _, st := range c.Steps {
			rec.Add("source", st.Source).Add("dest", st.Dest)
			rec.Addf("timestamp", "%d", st.Meta.Timestamp)
		}
	case catalog.OpDelete:
		rec.Add("name", c.Name)
	case catalog.OpCopy:
		rec.Add("source", c.Source).Add("source_version", sourceVersion(c.SourceNew))
		rec.Add("name", c.Name).Addf("timestamp", "%d", c.Meta.Timestamp)
		rec.Addf("size", "%d", c.Size).Add("checksum", c.Checksum.String())
	case catalog.OpAppend:
		rec.Add("name", c.Name).Addf("from", "%d", c.From).Addf("size", "%d", c.Size)
		rec.Addf("timestamp", "%d", c.Meta.Timestamp).Add("checksum", c.Checksum.String())
		rec.Add("archive", container)
	case catalog.OpStore:
		rec.Add("name", c.Name).Addf("size", "%d", c.Size)
		rec.Addf("timestamp", "%d", c.Meta.Timestamp).Add("checksum", c.Checksum.String())
		rec.Add("archive", container)
	case catalog.OpTouch:
		rec.Add("name", c.Name).Addf("size", "%d", c.Size)
		rec.Addf("timestamp", "%d", c.Meta.Timestamp)
	}
	return rec
}

///////////////////////////////////////////////////////////////////////////
// Reading

// fieldReader consumes fields from a record, remembering the first error.
type fieldReader struct {
	rec *kv.Record
	err error
}

func (f *fieldReader) str(key string) string {
	if f.err != nil {
		return ""
	}
	var s string
	s, f.err = f.rec.Consume(key)
	return s
}

func (f *fieldReader) int(key string) int64 {
	s := f.str(key)
	if f.err != nil {
		return 0
	}
	var v int64
	if v, f.err = strconv.ParseInt(s, 10, 64); f.err != nil {
		f.err = fmt.Errorf("%s: %w", key, f.err)
	}
	return v
}

func (f *fieldReader) checksum() item.Checksum {
	s := f.str("checksum")
	if f.err != nil {
		return item.Checksum{}
	}
	var c item.Checksum
	c, f.err = item.ParseChecksum(s)
	return c
}

func (f *fieldReader) done() error {
	if f.err == nil {
		f.err = f.rec.Done()
	}
	if f.err != nil {
		return fmt.Errorf("%s record: %w", f.rec.Category, f.err)
	}
	return nil
}

func parseEntry(rec *kv.Record) (LogEntry, error) {
	f := &fieldReader{rec: rec}
	var e LogEntry
	c := &e.Change

	switch rec.Category {
	case "rotate":
		c.Op = catalog.OpRotate
		srcs, dests := rec.ConsumeAll("source"), rec.ConsumeAll("dest")
		ts := rec.ConsumeAll("timestamp")
		if len(srcs) != len(dests) || len(srcs) != len(ts) || len(srcs) == 0 {
			return e, fmt.Errorf("rotate: %d sources, %d destinations, %d timestamps: %w",
				len(srcs), len(dests), len(ts), ErrLogFormat)
		}
		for i := range srcs {
			t, err := strconv.ParseInt(ts[i], 10, 64)
			if err != nil {
				return e, fmt.Errorf("rotate: %w", err)
			}
			c.Steps = append(c.Steps, catalog.Step{Source: srcs[i], Dest: dests[i],
				Meta: item.Metadata{Timestamp: t}})
		}
	case "delete":
		c.Op = catalog.OpDelete
		c.Name = f.str("name")
	case "copy":
		c.Op = catalog.OpCopy
		c.Source = f.str("source")
		switch v := f.str("source_version"); v {
		case "new":
			c.SourceNew = true
		case "old", "":
		default:
			return e, fmt.Errorf("copy: source_version %q: %w", v, ErrLogFormat)
		}
		c.Name = f.str("name")
		c.Meta.Timestamp = f.int("timestamp")
		c.Size = f.int("size")
		c.Checksum = f.checksum()
	case "append":
		c.Op = catalog.OpAppend
		c.Name = f.str("name")
		c.From = f.int("from")
		c.Size = f.int("size")
		c.Meta.Timestamp = f.int("timestamp")
		c.Checksum = f.checksum()
		e.Container = f.str("archive")
	case "store":
		c.Op = catalog.OpStore
		c.Name = f.str("name")
		c.Size = f.int("size")
		c.Meta.Timestamp = f.int("timestamp")
		c.Checksum = f.checksum()
		e.Container = f.str("archive")
	case "touch":
		c.Op = catalog.OpTouch
		c.Name = f.str("name")
		c.Size = f.int("size")
		c.Meta.Timestamp = f.int("timestamp")
	default:
		return e, fmt.Errorf("%q: unknown record: %w", rec.Category, ErrLogFormat)
	}
	return e, f.done()
}

// ReadLog parses the process log provided by r.
func ReadLog(r io.Reader) (VolumeHeader, []LogEntry, error) {
	var h VolumeHeader
	kr := kv.NewReader(r)

	rec, err := kr.Next()
	if err == io.EOF {
		return h, nil, fmt.Errorf("empty log: %w", ErrLogFormat)
	} else if err != nil {
		return h, nil, err
	}
	if rec.Category != "volume" {
		return h, nil, fmt.Errorf("%q: expected volume header: %w", rec.Category,
			ErrLogFormat)
	}
	f := &fieldReader{rec: rec}
	h.Number = int(f.int("number"))
	h.CatalogVersion = int(f.int("catalog_version"))
	if err := f.done(); err != nil {
		return h, nil, err
	}

	var entries []LogEntry
	for {
		rec, err := kr.Next()
		if err == io.EOF {
			return h, entries, nil
		} else if err != nil {
			return h, nil, err
		}
		e, err := parseEntry(rec)
		if err != nil {
			return h, nil, err
		}
		entries = append(entries, e)
	}
}

// Replay applies the changes recorded in a volume's process log to the
// given catalog, which must be at the version that the volume was
// written against.
func Replay(cat *catalog.State, h VolumeHeader, entries []LogEntry) error {
	if cat.Version != h.CatalogVersion {
		return fmt.Errorf("volume %d applies to catalog version %d, not %d: %w",
			h.Number, h.CatalogVersion, cat.Version, catalog.ErrInconsistent)
	}
	for _, e := range entries {
		if err := cat.Process(e.Change, h.Number); err != nil {
			return err
		}
	}
	cat.Version = h.Number
	return nil
}
