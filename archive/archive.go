// archive/archive.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package archive implements the container files that hold the contents
// of stored and appended files in a backup volume.
//
// A container starts with ContainerMagic and a flags byte. If the
// container is encrypted, a random AES initialization vector follows and
// everything after it is encrypted with AES-CFB; if it's compressed, the
// rest is a zstd stream. The (decrypted, decompressed) body is a sequence
// of entries, each one EntryMagic, the length of the entry's name as a
// varint, the name, the length of its data as a varint, and then the
// data itself.
package archive

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	u "github.com/mmp/vbk/util"
)

var (
	ContainerMagic = [4]byte{'V', 'B', 'K', 'C'}
	EntryMagic     = [4]byte{'V', 'B', 'K', '1'}
)

var (
	ErrContainerMagicWrong = errors.New("container has incorrect magic number")
	ErrEntryMagicWrong     = errors.New("entry has incorrect magic number")
	ErrPrematureEndOfData  = errors.New("premature end of data")
	ErrEntrySize           = errors.New("entry size doesn't match the data written")
	ErrNoKey               = errors.New("container is encrypted but no key was given")
	ErrIncorrectPassphrase = errors.New("incorrect passphrase")
)

const (
	flagCompressed = 1 << iota
	flagEncrypted
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// Options control how containers are written.
type Options struct {
	// Compress the container contents with zstd.
	Compress bool
	// If non-nil, the 32-byte AES key used to encrypt the container.
	Key []byte
}

///////////////////////////////////////////////////////////////////////////
// Writer

// Writer writes entries to a container.
type Writer struct {
	out io.Writer
	zw  *zstd.Encoder
	// Remaining bytes in the current entry.
	remaining int64
	name      string
	// Total entry data bytes written.
	written int64
	err     error
}

// NewWriter starts a new container that is written to w. Close must be
// called once all entries have been written; w itself isn't closed.
func NewWriter(w io.Writer, opts Options) (*Writer, error) {
	var flags byte
	if opts.Compress {
		flags |= flagCompressed
	}
	if opts.Key != nil {
		flags |= flagEncrypted
	}
	hdr := append(ContainerMagic[:], flags)
	if _, err := w.Write(hdr); err != nil {
		return nil, err
	}

	aw := &Writer{out: w}
	if opts.Key != nil {
		iv, err := randomBytes(ivLength)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(iv); err != nil {
			return nil, err
		}
		stream, err := newStream(opts.Key, iv, true)
		if err != nil {
			return nil, err
		}
		aw.out = &cipher.StreamWriter{S: stream, W: w}
	}
	if opts.Compress {
		zw, err := zstd.NewWriter(aw.out, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		aw.zw = zw
		aw.out = zw
	}
	return aw, nil
}

// Create starts a new entry with the given name that will hold exactly
// size bytes, which are then provided via Write.
func (w *Writer) Create(name string, size int64) error {
	if w.err != nil {
		return w.err
	}
	if w.remaining != 0 {
		return fmt.Errorf("%s: %d bytes missing: %w", w.name, w.remaining, ErrEntrySize)
	}

	hdr := make([]byte, 0, len(EntryMagic)+2*binary.MaxVarintLen64+len(name))
	hdr = append(hdr, EntryMagic[:]...)
	hdr = binary.AppendUvarint(hdr, uint64(len(name)))
	hdr = append(hdr, name...)
	hdr = binary.AppendUvarint(hdr, uint64(size))
	if _, w.err = w.out.Write(hdr); w.err != nil {
		return w.err
	}
	w.name, w.remaining = name, size
	return nil
}

// Write writes data for the current entry.
func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if int64(len(p)) > w.remaining {
		return 0, fmt.Errorf("%s: %d extra bytes: %w", w.name,
			int64(len(p))-w.remaining, ErrEntrySize)
	}
	n, err := w.out.Write(p)
	w.remaining -= int64(n)
	w.written += int64(n)
	w.err = err
	return n, err
}

// Written returns the total number of entry data bytes written so far.
func (w *Writer) Written() int64 {
	return w.written
}

// Close finishes the container.
func (w *Writer) Close() error {
	if w.err == nil && w.remaining != 0 {
		w.err = fmt.Errorf("%s: %d bytes missing: %w", w.name, w.remaining, ErrEntrySize)
	}
	if w.zw != nil {
		if err := w.zw.Close(); w.err == nil {
			w.err = err
		}
	}
	return w.err
}

///////////////////////////////////////////////////////////////////////////
// Reader

// Reader returns the entries of a container in sequence.
type Reader struct {
	br        *bufio.Reader
	zr        *zstd.Decoder
	remaining int64
}

// NewReader returns a Reader for the container provided by r. key must be
// non-nil if the container is encrypted.
func NewReader(r io.Reader, key []byte) (*Reader, error) {
	var hdr [len(ContainerMagic) + 1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if [4]byte(hdr[:4]) != ContainerMagic {
		return nil, ErrContainerMagicWrong
	}
	flags := hdr[4]

	if flags&flagEncrypted != 0 {
		if key == nil {
			return nil, ErrNoKey
		}
		var iv [ivLength]byte
		if _, err := io.ReadFull(r, iv[:]); err != nil {
			return nil, err
		}
		stream, err := newStream(key, iv[:], false)
		if err != nil {
			return nil, err
		}
		r = &cipher.StreamReader{S: stream, R: r}
	}

	ar := &Reader{}
	if flags&flagCompressed != 0 {
		zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		ar.zr = zr
		r = zr
	}
	ar.br = bufio.NewReader(r)
	return ar, nil
}

// Next advances to the next entry, skipping over any unread data in the
// current one. It returns io.EOF when there are no more entries.
func (r *Reader) Next() (name string, size int64, err error) {
	if r.remaining > 0 {
		if _, err = io.CopyN(io.Discard, r.br, r.remaining); err != nil {
			return "", 0, premature(err)
		}
		r.remaining = 0
	}

	var magic [4]byte
	if _, err = io.ReadFull(r.br, magic[:]); err != nil {
		if err == io.EOF {
			return "", 0, io.EOF
		}
		return "", 0, premature(err)
	}
	if magic != EntryMagic {
		return "", 0, ErrEntryMagicWrong
	}

	nameLen, err := binary.ReadUvarint(r.br)
	if err != nil {
		return "", 0, premature(err)
	}
	nb := make([]byte, nameLen)
	if _, err = io.ReadFull(r.br, nb); err != nil {
		return "", 0, premature(err)
	}
	sz, err := binary.ReadUvarint(r.br)
	if err != nil {
		return "", 0, premature(err)
	}
	r.remaining = int64(sz)
	return string(nb), int64(sz), nil
}

// Read reads data from the current entry.
func (r *Reader) Read(p []byte) (int, error) {
	if r.remaining == 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.br.Read(p)
	r.remaining -= int64(n)
	if err == io.EOF && r.remaining > 0 {
		err = ErrPrematureEndOfData
	}
	return n, err
}

// Close releases the resources used by the reader.
func (r *Reader) Close() error {
	if r.zr != nil {
		r.zr.Close()
	}
	return nil
}

func premature(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrPrematureEndOfData
	}
	return err
}

func newStream(key, iv []byte, encrypt bool) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != ivLength {
		return nil, fmt.Errorf("IV length %d", len(iv))
	}
	if encrypt {
		return cipher.NewCFBEncrypter(block, iv), nil
	}
	return cipher.NewCFBDecrypter(block, iv), nil
}
