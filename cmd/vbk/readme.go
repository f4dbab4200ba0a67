// cmd/vbk/readme.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

func readmeCommand() *cli.Command {
	return &cli.Command{
		Name:  "readme",
		Usage: "describe the format of the volumes",
		Action: func(_ context.Context, cmd *cli.Command) error {
			fmt.Print(readmeText)
			return nil
		},
	}
}

var readmeText = `
This document is an attempt to document the way that vbk writes backup
volumes in sufficient detail so that (if ever necessary), it's possible to
restore files from a set of volumes even without the existing vbk source
code. We'll proceed in bottom-up fashion from the text records up to the
volumes built from them.

# Records

The catalog and the per-volume process logs are text files holding a
series of records:

	category {
	  key=value
	  key=value
	}

Keys may repeat; their values are kept in order. Anything following a '#'
is a comment. In values, '%', '#', spaces and control characters are
written as '%' followed by two hex digits.

# Checksums

Files are identified by a checksum written as 40 hex digits, a colon, and
64 more hex digits. The first part is the first 20 bytes of the SHAKE256
hash of the file's contents. The second part is 32 bytes of the file
itself, starting at offset (size-32)/2; files of 32 bytes or less are
padded with zeros.

# Volumes

Volume N is stored in a directory named with four digits, e.g. 0001/. If a
run was interrupted after it started writing a volume, the next attempt
uses 0001.1/, 0001.2/, and so forth; a volume directory without a log.txt
file is incomplete and should be ignored. If more than one directory for
the same volume has a log.txt, the one with the highest suffix is the one
the catalog was built from.

Each volume has a log.txt file. It starts with the record

	volume {
	  number=N
	  catalog_version=N-1
	}

followed by one record per change, in the order they were made:

	rotate { source= dest= timestamp= ... }
	   Each (source, dest, timestamp) triple, taken together, moves the
	   contents that source had before the rotate to dest. All of the
	   moves happen at once.
	delete { name= }
	copy { source= source_version= name= timestamp= size= checksum= }
	   name gets the contents of source. If source_version is "old", the
	   contents are those source had before this volume's changes began.
	append { name= from= size= timestamp= checksum= archive= }
	   The first 'from' bytes of name are unchanged; bytes [from, size)
	   are the next entry in the container 'archive'.
	store { name= size= timestamp= checksum= archive= }
	   The contents of name are the next entry in 'archive'. size may be
	   less than the file's actual size if it didn't fit in the volume;
	   the rest is appended by a later volume.
	touch { name= size= timestamp= }

Timestamps are in seconds since the Unix epoch. Replaying the logs of
volumes 1, 2, ... in order reproduces the catalog.

# Containers

File contents are stored in containers named 000.append, 001.store, and
so forth in the volume's directory. A container starts with the 4 bytes
"VBKC" and a flags byte: bit 0 is set if the rest is compressed and bit 1
if it's encrypted. If encrypted, 16 bytes of AES initialization vector
follow and everything after it is encrypted with AES in CFB mode.
Decryption should be done before decompression. Compression uses zstd.

After that (and after decryption and decompression) come the entries,
each of which is the 4 bytes "VBK1", the length of the file name as a
uvarint (as written by Go's binary.AppendUvarint), the name, the number
of bytes of data as a uvarint, and then the data.

# Encryption key

To get the decryption key: the file encrypt.txt at the top of the
destination has four hex-encoded values. In order: a salt, the hash of the
passphrase, the encrypted key, and the IV used to encrypt the encryption
key.

Given the passphrase from the user, a 64-byte derived key is computed using
65536 rounds of pbkdf2:

	derivedKey := pbkdf2.Key([]byte(passphrase), salt, 65536, 64, sha256.New)

The first 32 bytes of the result should match the passphrase hash in
encrypt.txt. The last 32 bytes give the key to use to decrypt the
encrypted key from encrypt.txt (AES in CFB mode, again).

# Reed-Solomon encoding

When parity shards are enabled for a disk destination, every file has a
corresponding .rs file that stores Reed-Solomon parity information. The
.rs files are a stream of values encoded with the Go "gob" encoding
package: first

type rsFileHeader struct {
	// Size of the original file
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int
}

and then, for each NDataShards*HashRate bytes of the file,

type rsFileSegment struct {
	// First the data shard hashes, then the parity hashes.
	Hashes [][64]byte
	Parity [][]byte
}

The hashes are 64 bytes of SHAKE256.

# The catalog

The catalog starts with a record catalog { format=1 version=N }, where N
is the number of the last volume written. Then for each file:

	file {
	  name=/logical/path
	  size=
	  timestamp=
	  checksum=
	  dependencies=N   # repeated: the volumes holding the file's contents
	}
`
