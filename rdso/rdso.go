// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package rdso applies Reed-Solomon encoding to streams of data, based on
// github.com/klauspost/reedsolomon. It provides facilities to check the
// integrity of encoded data and to recover corrupt data.
//
// Data is processed in segments of NDataShards*HashRate bytes; each
// segment is split into NDataShards data shards, the final one zero
// padded, and NParityShards parity shards are computed for it. The
// encoding is a gob stream holding an rsFileHeader followed by one
// rsFileSegment per segment, which stores a hash of each data and parity
// shard along with the parity shards themselves.
package rdso

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/reedsolomon"
	u "github.com/mmp/vbk/util"
	"golang.org/x/crypto/sha3"
)

// Default encoding parameters, used for the sidecar files written for
// backup volumes.
const (
	DefaultDataShards   = 17
	DefaultParityShards = 3
	DefaultHashRate     = 1024 * 1024
)

var ErrFileCorrupt = errors.New("file corrupt")

const hashSize = 64

type hash [hashSize]byte

func hashBytes(b []byte) hash {
	var h hash
	sha3.ShakeSum256(h[:], b)
	return h
}

type rsFileHeader struct {
	// Size of the original data
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int
}

type rsFileSegment struct {
	// First the data shard hashes, then the parity hashes.
	Hashes []hash
	Parity [][]byte
}

func (h rsFileHeader) segmentSize() int64 {
	return int64(h.NDataShards) * int64(h.HashRate)
}

// Reads the next segment's worth of data from r and splits it into
// equally-sized data shards.
func readShards(r io.Reader, n int64, nShards int) ([][]byte, error) {
	shardSize := (n + int64(nShards) - 1) / int64(nShards)
	// Allocate extra space so all shards can be the same size.
	buf := make([]byte, int64(nShards)*shardSize)
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return nil, err
	}

	shards := make([][]byte, nShards)
	for i := range shards {
		shards[i] = buf[int64(i)*shardSize : int64(i+1)*shardSize]
	}
	return shards, nil
}

// Encode computes the Reed-Solomon encoding of the size bytes of data
// provided by r and writes it to w.
func Encode(r io.Reader, size int64, w io.Writer, nShards, nParity, hashRate int) error {
	if nShards <= 0 || nParity <= 0 || hashRate <= 0 {
		return fmt.Errorf("invalid encoding parameters %d/%d/%d", nShards, nParity,
			hashRate)
	}
	enc, err := reedsolomon.New(nShards, nParity)
	if err != nil {
		return err
	}

	h := rsFileHeader{
		FileSize:      size,
		NDataShards:   nShards,
		NParityShards: nParity,
		HashRate:      hashRate,
	}
	genc := gob.NewEncoder(w)
	if err := genc.Encode(h); err != nil {
		return err
	}

	for remaining := size; remaining > 0; {
		n := min(remaining, h.segmentSize())
		remaining -= n

		shards, err := readShards(r, n, nShards)
		if err != nil {
			return err
		}
		for i := 0; i < nParity; i++ {
			shards = append(shards, make([]byte, len(shards[0])))
		}
		if err := enc.Encode(shards); err != nil {
			return err
		}

		var seg rsFileSegment
		for _, s := range shards {
			seg.Hashes = append(seg.Hashes, hashBytes(s))
		}
		seg.Parity = shards[nShards:]
		if err := genc.Encode(seg); err != nil {
			return err
		}
	}
	return nil
}

// forEachSegment reads the encoding from rs and calls the given function
// for each segment with its stored hashes and the data and parity shards.
func forEachSegment(data, rs io.Reader, log *u.Logger,
	f func(h rsFileHeader, hashes []hash, shards [][]byte) error) error {
	dec := gob.NewDecoder(rs)
	var h rsFileHeader
	if err := dec.Decode(&h); err != nil {
		return err
	}
	if h.NDataShards <= 0 || h.NParityShards <= 0 || h.HashRate <= 0 {
		return fmt.Errorf("invalid encoding header %+v", h)
	}
	log.Debug("rdso header %+v", h)

	for remaining := h.FileSize; remaining > 0; {
		n := min(remaining, h.segmentSize())
		remaining -= n

		var seg rsFileSegment
		if err := dec.Decode(&seg); err != nil {
			return err
		}
		if len(seg.Hashes) != h.NDataShards+h.NParityShards ||
			len(seg.Parity) != h.NParityShards {
			return fmt.Errorf("malformed segment: %d hashes, %d parity shards",
				len(seg.Hashes), len(seg.Parity))
		}

		shards, err := readShards(data, n, h.NDataShards)
		if err != nil {
			return err
		}
		if err := f(h, seg.Hashes, append(shards, seg.Parity...)); err != nil {
			return err
		}
	}
	return nil
}

// Returns the indices of shards whose hashes don't match.
func mismatches(hashes []hash, shards [][]byte) []int {
	var bad []int
	for i, s := range shards {
		if hashBytes(s) != hashes[i] {
			bad = append(bad, i)
		}
	}
	return bad
}

// Check verifies the data provided by data against its encoding in rs,
// returning ErrFileCorrupt if any shard doesn't match its hash.
func Check(data, rs io.Reader, log *u.Logger) error {
	nBad, segment := 0, 0
	err := forEachSegment(data, rs, log, func(h rsFileHeader, hashes []hash, shards [][]byte) error {
		for _, i := range mismatches(hashes, shards) {
			if i < h.NDataShards {
				log.Error("segment %d: data shard %d hash mismatch", segment, i)
			} else {
				log.Error("segment %d: parity shard %d hash mismatch", segment,
					i-h.NDataShards)
			}
			nBad++
		}
		segment++
		return nil
	})
	if err != nil {
		return err
	}
	if nBad > 0 {
		return ErrFileCorrupt
	}
	return nil
}

// Restore reconstructs the size bytes of data provided by data using its
// encoding from rs. The recovered data is written to w and the recovered
// encoding to wrs.
func Restore(data, rs io.Reader, size int64, w, wrs io.Writer, log *u.Logger) error {
	genc := gob.NewEncoder(wrs)
	var enc reedsolomon.Encoder
	segment := 0
	remaining := size

	err := forEachSegment(data, rs, log, func(h rsFileHeader, hashes []hash, shards [][]byte) error {
		if enc == nil {
			if h.FileSize != size {
				return fmt.Errorf("encoding is for %d bytes, but %d given", h.FileSize, size)
			}
			var err error
			if enc, err = reedsolomon.New(h.NDataShards, h.NParityShards); err != nil {
				return err
			}
			if err := genc.Encode(h); err != nil {
				return err
			}
		}

		if bad := mismatches(hashes, shards); len(bad) > 0 {
			if len(bad) > h.NParityShards {
				return fmt.Errorf("segment %d: %d bad shards, only %d can be restored: %w",
					segment, len(bad), h.NParityShards, ErrFileCorrupt)
			}
			log.Warning("segment %d: restoring %d shards", segment, len(bad))
			for _, i := range bad {
				shards[i] = nil
			}
			if err := enc.Reconstruct(shards); err != nil {
				return err
			}
		}

		for _, s := range shards[:h.NDataShards] {
			n := min(int64(len(s)), remaining)
			if _, err := w.Write(s[:n]); err != nil {
				return err
			}
			remaining -= n
		}
		segment++
		return genc.Encode(rsFileSegment{hashes, shards[h.NDataShards:]})
	})
	if err != nil {
		return err
	}
	if enc == nil && size > 0 {
		return fmt.Errorf("encoding is empty, but %d bytes given", size)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Files

// EncodeFile writes the Reed-Solomon encoding of the file fn to rsfn.
func EncodeFile(fn, rsfn string, nShards, nParity, hashRate int) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	out, err := os.Create(rsfn)
	if err != nil {
		return err
	}
	if err := Encode(f, fi.Size(), out, nShards, nParity, hashRate); err != nil {
		out.Close()
		os.Remove(rsfn)
		return err
	}
	return out.Close()
}

// CheckFile checks the file fn against its encoding in rsfn.
func CheckFile(fn, rsfn string, log *u.Logger) error {
	f, rs, err := openPair(fn, rsfn)
	if err != nil {
		return err
	}
	defer f.Close()
	defer rs.Close()
	return Check(f, rs, log)
}

// RestoreFile recovers the file fn using its encoding in rsfn. The
// recovered data and encoding are written to files with a ".recovered"
// suffix.
func RestoreFile(fn, rsfn string, log *u.Logger) error {
	f, rs, err := openPair(fn, rsfn)
	if err != nil {
		return err
	}
	defer f.Close()
	defer rs.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	w, err := os.Create(fn + ".recovered")
	if err != nil {
		return err
	}
	wrs, err := os.Create(rsfn + ".recovered")
	if err != nil {
		w.Close()
		return err
	}
	if err = Restore(f, rs, fi.Size(), w, wrs, log); err != nil {
		w.Close()
		wrs.Close()
		return err
	}
	if err = w.Close(); err != nil {
		wrs.Close()
		return err
	}
	return wrs.Close()
}

func openPair(fn, rsfn string) (*os.File, *os.File, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, nil, err
	}
	rs, err := os.Open(rsfn)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, rs, nil
}
