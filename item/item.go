// item/item.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package item describes the files that are backed up: either ones found
// on the local filesystem, ones that are already recorded in a catalog,
// or ones that don't exist. Content hashes are computed lazily and cached
// per length, so that a file is never read more than once for a given
// question about its contents.
package item

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	u "github.com/mmp/vbk/util"
	"golang.org/x/crypto/sha3"
)

var (
	ErrUnreadable  = errors.New("item contents are not readable")
	ErrOutOfRange  = errors.New("length is past the end of the item")
	ErrBadChecksum = errors.New("malformed checksum")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Checksums

const (
	HashSize      = 20
	SignatureSize = 32
)

// Hash is the SHAKE256 hash of some prefix of a file's contents.
type Hash [HashSize]byte

// Signature is a small probe of a file's contents, taken from its middle.
// It is only ever used to quickly reject candidate matches.
type Signature [SignatureSize]byte

// Checksum identifies the entire contents of a file.
type Checksum struct {
	Hash      Hash
	Signature Signature
}

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// NewHasher returns a hash.Hash-like writer whose output, once all bytes
// have been written, can be turned into a Hash with SumHash.
func NewHasher() sha3.ShakeHash {
	return sha3.NewShake256()
}

// SumHash reads the Hash out of a hasher returned by NewHasher.
func SumHash(h sha3.ShakeHash) Hash {
	var hash Hash
	_, _ = h.Read(hash[:])
	return hash
}

// SignatureBytes computes the signature of a file whose contents are given
// by b.
func SignatureBytes(b []byte) Signature {
	var s Signature
	off, n := signatureRange(int64(len(b)))
	copy(s[:], b[off:off+n])
	return s
}

// signatureRange returns the offset and length of the probe taken from a
// file of the given length.
func signatureRange(length int64) (int64, int64) {
	if length <= SignatureSize {
		return 0, length
	}
	return (length - SignatureSize) / 2, SignatureSize
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (c Checksum) String() string {
	return hex.EncodeToString(c.Hash[:]) + ":" + hex.EncodeToString(c.Signature[:])
}

// ParseChecksum parses the format returned by Checksum.String.
func ParseChecksum(s string) (Checksum, error) {
	var c Checksum
	hs, ss, ok := strings.Cut(s, ":")
	if !ok {
		return c, fmt.Errorf("%q: %w", s, ErrBadChecksum)
	}
	h, err := hex.DecodeString(hs)
	if err != nil || len(h) != HashSize {
		return c, fmt.Errorf("%q: %w", s, ErrBadChecksum)
	}
	sig, err := hex.DecodeString(ss)
	if err != nil || len(sig) != SignatureSize {
		return c, fmt.Errorf("%q: %w", s, ErrBadChecksum)
	}
	copy(c.Hash[:], h)
	copy(c.Signature[:], sig)
	return c, nil
}

// Metadata is everything about a file other than its contents that is
// preserved by a backup.
type Metadata struct {
	// Modification time, in seconds since the Unix epoch.
	Timestamp int64
}

///////////////////////////////////////////////////////////////////////////
// Item

type Kind int

const (
	Nonexistent Kind = iota
	Local
	Original
)

func (k Kind) String() string {
	switch k {
	case Local:
		return "local"
	case Original:
		return "original"
	default:
		return "nonexistent"
	}
}

// Content provides random access to the bytes of a Local item.
type Content interface {
	io.ReaderAt
	io.Closer
}

// Opener returns a new Content for reading a Local item.
type Opener func() (Content, error)

// Item is a single logical file. It isn't safe for concurrent use.
type Item struct {
	name    string
	kind    Kind
	size    int64
	meta    Metadata
	open    Opener
	volumes map[int]struct{}

	// Hashes and signatures of prefixes of the contents, keyed by the
	// prefix length.
	hashes     map[int64]Hash
	signatures map[int64]Signature

	readableKnown, readable bool
}

// NewLocal returns a Local item whose contents are provided by open.
func NewLocal(name string, size int64, meta Metadata, open Opener) *Item {
	return &Item{
		name:       name,
		kind:       Local,
		size:       size,
		meta:       meta,
		open:       open,
		hashes:     make(map[int64]Hash),
		signatures: make(map[int64]Signature),
	}
}

// NewFile returns a Local item for the file at the given path on the
// filesystem; name is its logical path in the backup.
func NewFile(name, path string, fi os.FileInfo) *Item {
	return NewLocal(name, fi.Size(), Metadata{Timestamp: fi.ModTime().Unix()},
		func() (Content, error) { return os.Open(path) })
}

// NewBytes returns a Local item with the given contents.
func NewBytes(name string, b []byte, meta Metadata) *Item {
	return NewLocal(name, int64(len(b)), meta, func() (Content, error) {
		return bytesContent{b}, nil
	})
}

type bytesContent struct {
	b []byte
}

func (bc bytesContent) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(bc.b)) {
		return 0, io.EOF
	}
	n := copy(p, bc.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (bc bytesContent) Close() error {
	return nil
}

// NewOriginal returns an item as recorded in a catalog: its contents are
// available in the given volumes.
func NewOriginal(name string, size int64, meta Metadata, sum Checksum,
	volumes []int) *Item {
	it := &Item{
		name:       name,
		kind:       Original,
		size:       size,
		meta:       meta,
		volumes:    make(map[int]struct{}),
		hashes:     map[int64]Hash{size: sum.Hash},
		signatures: map[int64]Signature{size: sum.Signature},
	}
	for _, v := range volumes {
		it.volumes[v] = struct{}{}
	}
	return it
}

func NewNonexistent(name string) *Item {
	return &Item{name: name, kind: Nonexistent}
}

func (it *Item) Name() string {
	return it.name
}

func (it *Item) Kind() Kind {
	return it.kind
}

func (it *Item) Size() int64 {
	return it.size
}

func (it *Item) Metadata() Metadata {
	return it.meta
}

func (it *Item) String() string {
	return fmt.Sprintf("%s (%s, %d bytes)", it.name, it.kind, it.size)
}

// Volumes returns the sorted volume numbers that must be replayed to
// reconstruct an Original item's contents.
func (it *Item) Volumes() []int {
	v := make([]int, 0, len(it.volumes))
	for n := range it.volumes {
		v = append(v, n)
	}
	sort.Ints(v)
	return v
}

// Readable reports whether the item's contents can be read. It's only
// ever true for Local items, and the answer is computed at most once.
func (it *Item) Readable() bool {
	if it.kind != Local {
		return false
	}
	if !it.readableKnown {
		it.readableKnown = true
		c, err := it.open()
		if err != nil {
			log.Debug("%s: %s", it.name, err)
		} else {
			it.readable = true
			c.Close()
		}
	}
	return it.readable
}

// Checksum returns the checksum of the item's full contents.
func (it *Item) Checksum() (Checksum, error) {
	h, err := it.ChecksumPart(it.size)
	if err != nil {
		return Checksum{}, err
	}
	s, err := it.SignaturePart(it.size)
	if err != nil {
		return Checksum{}, err
	}
	return Checksum{Hash: h, Signature: s}, nil
}

// ChecksumPart returns the hash of the first n bytes of the item. Each
// distinct n is only computed once.
func (it *Item) ChecksumPart(n int64) (Hash, error) {
	if h, ok := it.hashes[n]; ok {
		return h, nil
	}
	if n < 0 || n > it.size {
		return Hash{}, fmt.Errorf("%s: %d: %w", it.name, n, ErrOutOfRange)
	}
	if !it.Readable() {
		return Hash{}, fmt.Errorf("%s: %w", it.name, ErrUnreadable)
	}

	r, err := it.NewRangeReader(0, n)
	if err != nil {
		return Hash{}, err
	}
	hasher := NewHasher()
	_, err = io.Copy(hasher, r)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Hash{}, fmt.Errorf("%s: %w", it.name, err)
	}

	h := SumHash(hasher)
	it.hashes[n] = h
	return h, nil
}

// SignaturePart returns the signature that the item would have if it
// were only n bytes long.
func (it *Item) SignaturePart(n int64) (Signature, error) {
	if s, ok := it.signatures[n]; ok {
		return s, nil
	}
	if n < 0 || n > it.size {
		return Signature{}, fmt.Errorf("%s: %d: %w", it.name, n, ErrOutOfRange)
	}
	if !it.Readable() {
		return Signature{}, fmt.Errorf("%s: %w", it.name, ErrUnreadable)
	}

	c, err := it.open()
	if err != nil {
		return Signature{}, fmt.Errorf("%s: %w", it.name, err)
	}
	defer c.Close()

	var s Signature
	off, sz := signatureRange(n)
	if _, err := c.ReadAt(s[:sz], off); err != nil && err != io.EOF {
		return Signature{}, fmt.Errorf("%s: %w", it.name, err)
	}
	it.signatures[n] = s
	return s, nil
}

// NewRangeReader returns an io.ReadCloser that provides the item's bytes
// in [from, to). Large reads report their progress via the verbose log.
func (it *Item) NewRangeReader(from, to int64) (io.ReadCloser, error) {
	if it.kind != Local {
		return nil, fmt.Errorf("%s: %w", it.name, ErrUnreadable)
	}
	if from < 0 || from > to || to > it.size {
		return nil, fmt.Errorf("%s: [%d,%d): %w", it.name, from, to, ErrOutOfRange)
	}
	c, err := it.open()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", it.name, err)
	}
	return &u.ReportingReader{
		R: struct {
			io.Reader
			io.Closer
		}{io.NewSectionReader(c, from, to-from), c},
		Msg: it.name,
		Log: log,
	}, nil
}

///////////////////////////////////////////////////////////////////////////
// Comparison

// Identical reports whether a and b have the same contents. Sizes are
// compared first, then signatures, and only then full hashes; a matching
// signature alone never makes two items identical.
func Identical(a, b *Item) (bool, error) {
	if a.size != b.size {
		return false, nil
	}
	return IdenticalPrefix(a, b, a.size)
}

// IdenticalPrefix reports whether the first n bytes of a and b are the
// same. It's false if either is shorter than n.
func IdenticalPrefix(a, b *Item, n int64) (bool, error) {
	if n > a.size || n > b.size {
		return false, nil
	}

	sa, err := a.SignaturePart(n)
	if err != nil {
		return false, err
	}
	sb, err := b.SignaturePart(n)
	if err != nil {
		return false, err
	}
	if sa != sb {
		return false, nil
	}

	ha, err := a.ChecksumPart(n)
	if err != nil {
		return false, err
	}
	hb, err := b.ChecksumPart(n)
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}
