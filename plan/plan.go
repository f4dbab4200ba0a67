// plan/plan.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package plan turns the difference between a catalog and a freshly
// scanned set of files into an ordered list of instructions that, when
// replayed against the catalog, produce the new set of files.
//
// Instructions are connected through identity keys: an old key names a
// path's contents as recorded in the catalog, and a new key names its
// contents once the backup has run. Each instruction lists the keys it
// needs, the keys it retires, and the keys it brings into existence.
package plan

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mmp/vbk/catalog"
	"github.com/mmp/vbk/item"
	u "github.com/mmp/vbk/util"
)

var (
	ErrDeadlock          = errors.New("no instruction can be scheduled")
	ErrMalformedCycle    = errors.New("instruction cycle is not a chain of copies")
	ErrDuplicateIdentity = errors.New("identity created or listed more than once")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Keys

// Key identifies a path's contents either before (New == false) or after
// (New == true) the backup.
type Key struct {
	New  bool
	Path string
}

func OldKey(path string) Key {
	return Key{New: false, Path: path}
}

func NewKey(path string) Key {
	return Key{New: true, Path: path}
}

func (k Key) String() string {
	if k.New {
		return "new:" + k.Path
	}
	return "old:" + k.Path
}

// Edges holds the keys that an instruction is connected to.
type Edges struct {
	// Keys that must exist before the instruction runs.
	Depends []Key
	// Keys that no longer exist after it runs.
	Removes []Key
	// Keys that exist after it runs.
	Creates []Key
}

// Graph returns the instruction's edges.
func (e *Edges) Graph() *Edges {
	return e
}

func (e *Edges) check() error {
	for _, keys := range [][]Key{e.Depends, e.Removes, e.Creates} {
		seen := make(map[Key]bool)
		for _, k := range keys {
			if seen[k] {
				return fmt.Errorf("%s: %w", k, ErrDuplicateIdentity)
			}
			seen[k] = true
		}
	}
	return nil
}

func contains(keys []Key, k Key) bool {
	for _, kk := range keys {
		if kk == k {
			return true
		}
	}
	return false
}

///////////////////////////////////////////////////////////////////////////
// Instructions

// Kind enumerates the instruction types, in the order that the scheduler
// considers them.
type Kind int

const (
	KindCreate Kind = iota
	KindTouch
	KindRotate
	KindCopy
	KindDelete
	KindAppend
	KindStore
	numKinds
)

func (k Kind) String() string {
	return [...]string{"create", "touch", "rotate", "copy", "delete", "append",
		"store"}[k]
}

// Expensive reports whether instructions of this kind write file contents
// to the archive.
func (k Kind) Expensive() bool {
	return k == KindAppend || k == KindStore
}

// Instruction is implemented by *Create, *Touch, *Rotate, *Copy, *Delete,
// *Append, and *Store.
type Instruction interface {
	Graph() *Edges
	Kind() Kind
	String() string
}

// Create declares the keys that exist before anything else runs: the old
// keys of everything in the catalog and the new keys of files that are
// unchanged. There is exactly one per plan and it is never archived.
type Create struct {
	Edges
	Preserved []string
}

// Touch updates a file's metadata without changing its contents.
type Touch struct {
	Edges
	Path string
	Size int64
	Meta item.Metadata
}

// RotateStep moves the contents that Source had before a Rotate to Dest,
// giving it the metadata Meta.
type RotateStep struct {
	Source, Dest string
	Meta         item.Metadata
	Size         int64
	Checksum     item.Checksum
}

// Rotate permutes the contents of a set of files. It replaces cycles of
// copies that can't otherwise be ordered.
type Rotate struct {
	Edges
	Steps []RotateStep
}

// Copy gives Dest the contents of the file identified by Source.
type Copy struct {
	Edges
	Source   Key
	Dest     string
	Meta     item.Metadata
	Size     int64
	Checksum item.Checksum
}

// Delete removes a file.
type Delete struct {
	Edges
	Path string
}

// Append archives the bytes [From, Size) of Item, which extend contents
// that have already been backed up.
type Append struct {
	Edges
	Item     *item.Item
	From     int64
	Size     int64
	Checksum item.Checksum
}

// Store archives the first Size bytes of Item.
type Store struct {
	Edges
	Item     *item.Item
	Size     int64
	Checksum item.Checksum
}

func (*Create) Kind() Kind { return KindCreate }
func (*Touch) Kind() Kind  { return KindTouch }
func (*Rotate) Kind() Kind { return KindRotate }
func (*Copy) Kind() Kind   { return KindCopy }
func (*Delete) Kind() Kind { return KindDelete }
func (*Append) Kind() Kind { return KindAppend }
func (*Store) Kind() Kind  { return KindStore }

func (c *Create) String() string {
	return fmt.Sprintf("create (%d existing, %d unchanged)", len(c.Creates)-len(c.Preserved),
		len(c.Preserved))
}

func (t *Touch) String() string {
	return fmt.Sprintf("touch %s", t.Path)
}

func (r *Rotate) String() string {
	var s []string
	for _, st := range r.Steps {
		s = append(s, st.Source+" -> "+st.Dest)
	}
	return "rotate " + strings.Join(s, ", ")
}

func (c *Copy) String() string {
	return fmt.Sprintf("copy %s -> %s", c.Source, c.Dest)
}

func (d *Delete) String() string {
	return "delete " + d.Path
}

func (a *Append) String() string {
	return fmt.Sprintf("append %s [%s, %s)", a.Item.Name(), u.FmtBytes(a.From),
		u.FmtBytes(a.Size))
}

func (s *Store) String() string {
	return fmt.Sprintf("store %s (%s)", s.Item.Name(), u.FmtBytes(s.Size))
}

///////////////////////////////////////////////////////////////////////////
// Catalog changes

func (t *Touch) Change() catalog.Change {
	return catalog.Change{Op: catalog.OpTouch, Name: t.Path, Size: t.Size, Meta: t.Meta}
}

func (r *Rotate) Change() catalog.Change {
	c := catalog.Change{Op: catalog.OpRotate}
	for _, st := range r.Steps {
		c.Steps = append(c.Steps, catalog.Step{Source: st.Source, Dest: st.Dest,
			Meta: st.Meta})
	}
	return c
}

func (c *Copy) Change() catalog.Change {
	return catalog.Change{Op: catalog.OpCopy, Name: c.Dest, Meta: c.Meta,
		Source: c.Source.Path, SourceNew: c.Source.New, Size: c.Size,
		Checksum: c.Checksum}
}

func (d *Delete) Change() catalog.Change {
	return catalog.Change{Op: catalog.OpDelete, Name: d.Path}
}

func (a *Append) Change() catalog.Change {
	return catalog.Change{Op: catalog.OpAppend, Name: a.Item.Name(),
		Meta: a.Item.Metadata(), From: a.From, Size: a.Size, Checksum: a.Checksum}
}

func (s *Store) Change() catalog.Change {
	return catalog.Change{Op: catalog.OpStore, Name: s.Item.Name(),
		Meta: s.Item.Metadata(), Size: s.Size, Checksum: s.Checksum}
}

// Changer is implemented by every instruction other than Create.
type Changer interface {
	Instruction
	Change() catalog.Change
}
