// pack/pack.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package pack writes scheduled backup instructions to a volume of
// bounded capacity, storing the contents of appended and stored files in
// sequential archive containers and updating the catalog as each
// instruction is applied.
package pack

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/mmp/vbk/archive"
	"github.com/mmp/vbk/catalog"
	"github.com/mmp/vbk/item"
	"github.com/mmp/vbk/kv"
	"github.com/mmp/vbk/plan"
	"github.com/mmp/vbk/storage"
	u "github.com/mmp/vbk/util"
)

var (
	ErrChecksumMismatch = errors.New("archived contents don't match checksum")
	ErrCapacity         = errors.New("volume capacity too small")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

const (
	DefaultMinSlack         = 1 * u.MiB
	DefaultMaxContainerSize = 1 * u.GiB
	DefaultFlushMargin      = 64 * u.KiB
)

// Options control how a volume is packed.
type Options struct {
	// Total number of bytes that may be written to the volume.
	Capacity int64
	// An instruction that doesn't fit is truncated if at least this many
	// bytes are available for it; otherwise it's deferred to the next
	// volume.
	MinSlack int64
	// Containers are closed and a new one started once they reach this
	// size.
	MaxContainerSize int64
	// Bytes reserved for data buffered in an open container that haven't
	// reached the volume yet.
	FlushMargin int64

	Archive archive.Options
}

func (o *Options) setDefaults() {
	if o.MinSlack == 0 {
		o.MinSlack = DefaultMinSlack
	}
	if o.MaxContainerSize == 0 {
		o.MaxContainerSize = DefaultMaxContainerSize
	}
	if o.FlushMargin == 0 {
		o.FlushMargin = DefaultFlushMargin
	}
}

// Result summarizes the packing of a volume.
type Result struct {
	Volume int
	// Directory in the FileStorage that holds the volume.
	Dir string
	// Complete is true if every instruction was applied; otherwise the
	// volume's capacity was exhausted and the rest are left for the next
	// run.
	Complete bool
	Applied  int
	Deferred int
	// If non-nil, the instruction that was cut short to fill the volume.
	Truncated  plan.Instruction
	Containers int
	// Number of bytes of file contents archived.
	Payload int64
	// Number of bytes written to the volume.
	Used int64
}

type containerKind int

const (
	appendContainer containerKind = iota
	storeContainer
)

func (k containerKind) String() string {
	return [...]string{"append", "store"}[k]
}

type container struct {
	kind containerKind
	name string
	wc   io.WriteCloser
	cw   *u.CountingWriter
	aw   *archive.Writer
	// Entry bytes written, including headers.
	written int64
}

// Packer applies instructions to a single volume.
type Packer struct {
	fs   storage.FileStorage
	cat  *catalog.State
	opts Options
	res  Result

	cur *container
	// Realized size of the containers that have been closed.
	closed int64

	plog    bytes.Buffer
	plogw   *kv.Writer
	started time.Time
}

// NewPacker returns a Packer that writes the next volume after the
// catalog's current version to fs. The catalog is updated as instructions
// are applied.
func NewPacker(fs storage.FileStorage, cat *catalog.State, opts Options) (*Packer, error) {
	opts.setDefaults()
	hdr := headerRecord(VolumeHeader{Number: cat.Version + 1, CatalogVersion: cat.Version})
	// The log header and a container's header are written to any volume
	// that archives something.
	fixed := kv.EncodedSize(hdr) + containerOverhead(opts.Archive)
	if opts.Capacity < opts.MinSlack+opts.FlushMargin+fixed {
		return nil, fmt.Errorf("capacity %s: %w", u.FmtBytes(opts.Capacity), ErrCapacity)
	}

	p := &Packer{fs: fs, cat: cat, opts: opts, started: time.Now()}
	p.res.Volume = cat.Version + 1
	var err error
	if p.res.Dir, err = volumeDir(fs, p.res.Volume); err != nil {
		return nil, err
	}
	p.plogw = kv.NewWriter(&p.plog)
	if err := p.plogw.Write(hdr); err != nil {
		return nil, err
	}
	return p, nil
}

// VolumeName returns the name of the directory that the given volume is
// stored in.
func VolumeName(volume int) string {
	return fmt.Sprintf("%04d", volume)
}

// Returns the directory for a new volume: an earlier run that failed
// partway through may have left files behind in the volume's usual
// directory, in which case a suffix is added.
func volumeDir(fs storage.FileStorage, volume int) (string, error) {
	base := VolumeName(volume)
	used := make(map[string]bool)
	err := fs.ForFiles(base, func(n string, created time.Time) {
		if d, _, ok := strings.Cut(n, "/"); ok {
			used[d] = true
		}
	})
	if err != nil {
		return "", err
	}
	dir := base
	for i := 1; used[dir]; i++ {
		dir = fmt.Sprintf("%s.%d", base, i)
	}
	if dir != base {
		log.Warning("%s: using %s for volume %d; files from an interrupted run are present",
			fs, dir, volume)
	}
	return dir, nil
}

///////////////////////////////////////////////////////////////////////////

// Pack applies the given instructions, in order, to a new volume in fs
// and the catalog, stopping if the volume's capacity is exhausted. The
// volume is closed before returning; if no instructions are given,
// nothing is written. If not even the first instruction fits, ErrCapacity
// is returned and neither the volume nor the catalog is written.
func Pack(fs storage.FileStorage, cat *catalog.State, insts []plan.Instruction,
	opts Options) (Result, error) {
	if len(insts) == 0 {
		return Result{Volume: cat.Version, Complete: true}, nil
	}

	p, err := NewPacker(fs, cat, opts)
	if err != nil {
		return Result{}, err
	}
	for _, inst := range insts {
		ok, err := p.Apply(inst)
		if err != nil {
			p.abort()
			return p.res, err
		}
		if !ok {
			break
		}
	}
	if p.res.Applied == 0 {
		p.abort()
		return p.res, fmt.Errorf("%s: doesn't fit in %s volume: %w", insts[0],
			u.FmtBytes(p.opts.Capacity), ErrCapacity)
	}
	p.res.Deferred = len(insts) - p.res.Applied
	p.res.Complete = p.res.Deferred == 0 && p.res.Truncated == nil
	if err := p.Close(); err != nil {
		return p.res, err
	}
	return p.res, nil
}

// The bytes used on the volume so far.
func (p *Packer) used() int64 {
	used := p.closed + p.plogw.Size()
	if p.cur != nil {
		used += p.cur.written + p.opts.FlushMargin
	}
	return used
}

func entryOverhead(name string) int64 {
	return int64(len(archive.EntryMagic) + 2*binary.MaxVarintLen64 + len(name))
}

// Apply applies a single instruction. It returns false if the volume is
// full, in which case no further instructions should be given to it; the
// instruction may have been truncated and applied, or not applied at all.
func (p *Packer) Apply(inst plan.Instruction) (bool, error) {
	switch in := inst.(type) {
	case *plan.Store:
		return p.archive(in, in.Item, 0, in.Size, in.Checksum, storeContainer)
	case *plan.Append:
		return p.archive(in, in.Item, in.From, in.Size, in.Checksum, appendContainer)
	case plan.Changer:
		c := in.Change()
		rec := changeRecord(c, "")
		if p.used()+kv.EncodedSize(rec) > p.opts.Capacity {
			log.Verbose("%s: deferred; volume full", inst)
			return false, nil
		}
		return true, p.commit(inst, c, rec)
	default:
		return false, fmt.Errorf("%s: can't be packed", inst)
	}
}

// commit records an applied instruction in the catalog and process log.
func (p *Packer) commit(inst plan.Instruction, c catalog.Change, rec *kv.Record) error {
	if err := p.cat.Process(c, p.res.Volume); err != nil {
		return err
	}
	if err := p.plogw.Write(rec); err != nil {
		return err
	}
	log.Debug("%s: applied", inst)
	p.res.Applied++
	return nil
}

// archive writes the bytes [from, to) of it to a container. want is the
// checksum of it's first to bytes.
func (p *Packer) archive(inst plan.Changer, it *item.Item, from, to int64,
	want item.Checksum, kind containerKind) (bool, error) {
	name := it.Name()
	n := to - from

	// Close the current container first if this one can't go in it, so
	// that its realized size is known.
	need := n + entryOverhead(name)
	if c := p.cur; c != nil && (c.kind != kind ||
		(c.written > 0 && c.written+need > p.opts.MaxContainerSize)) {
		if err := p.closeContainer(); err != nil {
			return false, err
		}
	}
	if p.cur == nil {
		need += p.opts.FlushMargin + containerOverhead(p.opts.Archive)
	}
	need += kv.EncodedSize(changeRecord(inst.Change(), p.nextContainerName(kind)))

	full := false
	if used := p.used(); used+need > p.opts.Capacity {
		avail := p.opts.Capacity - used - (need - n)
		if avail < p.opts.MinSlack {
			log.Verbose("%s: deferred; %s available on volume", inst,
				u.FmtBytes(max(avail, 0)))
			return false, nil
		}

		// Truncate it to fill the volume.
		to = from + avail
		sum, err := checksumPart(it, to)
		if err != nil {
			return false, err
		}
		switch in := inst.(type) {
		case *plan.Store:
			t := *in
			t.Size, t.Checksum = to, sum
			inst = &t
		case *plan.Append:
			t := *in
			t.Size, t.Checksum = to, sum
			inst = &t
		}
		log.Verbose("%s: truncated to %s to fill volume", inst, u.FmtBytes(to))
		want, full = sum, true
		p.res.Truncated = inst
	}

	if p.cur == nil {
		if err := p.openContainer(kind); err != nil {
			return false, err
		}
	}
	if err := p.write(it, from, to, want); err != nil {
		return false, err
	}
	return !full, p.commit(inst, inst.Change(), changeRecord(inst.Change(), p.cur.name))
}

// Bytes of a container's header: magic, flags and the IV if encrypted.
func containerOverhead(opts archive.Options) int64 {
	n := int64(len(archive.ContainerMagic) + 1)
	if opts.Key != nil {
		n += 16
	}
	return n
}

func checksumPart(it *item.Item, n int64) (item.Checksum, error) {
	h, err := it.ChecksumPart(n)
	if err != nil {
		return item.Checksum{}, err
	}
	s, err := it.SignaturePart(n)
	if err != nil {
		return item.Checksum{}, err
	}
	return item.Checksum{Hash: h, Signature: s}, nil
}

// write streams the bytes [from, to) of it into the current container,
// checking that the hash of its first to bytes matches want.
func (p *Packer) write(it *item.Item, from, to int64, want item.Checksum) error {
	hasher := item.NewHasher()
	if from > 0 {
		// The hash covers the contents that were archived earlier, too.
		r, err := it.NewRangeReader(0, from)
		if err != nil {
			return err
		}
		_, err = io.Copy(hasher, r)
		if cerr := r.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("%s: %w", it.Name(), err)
		}
	}

	c := p.cur
	if err := c.aw.Create(it.Name(), to-from); err != nil {
		return err
	}
	r, err := it.NewRangeReader(from, to)
	if err != nil {
		return err
	}
	_, err = io.Copy(io.MultiWriter(c.aw, hasher), r)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%s: %w", it.Name(), err)
	}
	c.written += entryOverhead(it.Name()) + (to - from)
	p.res.Payload += to - from

	if got := item.SumHash(hasher); got != want.Hash {
		return fmt.Errorf("%s: got %s, expected %s: %w", it.Name(), got, want.Hash,
			ErrChecksumMismatch)
	}
	return nil
}

func (p *Packer) nextContainerName(kind containerKind) string {
	if p.cur != nil {
		return p.cur.name
	}
	return fmt.Sprintf("%03d.%s", p.res.Containers, kind)
}

func (p *Packer) openContainer(kind containerKind) error {
	name := p.nextContainerName(kind)
	wc, err := p.fs.CreateFile(path.Join(p.res.Dir, name))
	if err != nil {
		return err
	}
	cw := &u.CountingWriter{W: wc}
	aw, err := archive.NewWriter(cw, p.opts.Archive)
	if err != nil {
		wc.Close()
		return err
	}
	log.Debug("%s/%s: opened container", p.res.Dir, name)
	p.cur = &container{kind: kind, name: name, wc: wc, cw: cw, aw: aw}
	p.res.Containers++
	return nil
}

func (p *Packer) closeContainer() error {
	c := p.cur
	p.cur = nil
	err := c.aw.Close()
	if cerr := c.wc.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%s/%s: %w", p.res.Dir, c.name, err)
	}
	// The realized size replaces the estimate.
	p.closed += c.cw.N
	log.Verbose("%s/%s: %s of entries, %s written", p.res.Dir, c.name,
		u.FmtBytes(c.written), u.FmtBytes(c.cw.N))
	return nil
}

// abort closes any open container after a failure; the volume's process
// log is never written, so the volume will be ignored.
func (p *Packer) abort() {
	if p.cur != nil {
		p.cur.aw.Close()
		p.cur.wc.Close()
		p.cur = nil
	}
}

// Close finishes the volume: the open container, if any, is closed and
// then the process log is written. The catalog's version is updated to
// the volume's number.
func (p *Packer) Close() error {
	if p.cur != nil {
		if err := p.closeContainer(); err != nil {
			return err
		}
	}
	if err := p.plogw.Flush(); err != nil {
		return err
	}
	if err := storage.WriteFile(p.fs, path.Join(p.res.Dir, LogName), p.plog.Bytes()); err != nil {
		return err
	}
	p.cat.Version = p.res.Volume
	p.res.Used = p.closed + int64(p.plog.Len())

	log.Verbose("volume %d: %d instructions applied, %s of contents in %d containers, %s used (%s)",
		p.res.Volume, p.res.Applied, u.FmtBytes(p.res.Payload), p.res.Containers,
		u.FmtBytes(p.res.Used), time.Since(p.started).Round(time.Millisecond))
	return nil
}

// Result returns the current summary of the volume.
func (p *Packer) Result() Result {
	return p.res
}
