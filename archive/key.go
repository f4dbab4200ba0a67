// archive/key.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Portions derived from skicka, (c) 2016 Google, Inc. (BSD licensed).

package archive

import (
	"bytes"
	"crypto/aes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// KeyFileName is the name of the file in a backup destination that
// stores the encrypted container key.
const KeyFileName = "encrypt.txt"

const (
	ivLength    = aes.BlockSize
	pbkdf2Iters = 65536
)

// Return the given number of bytes of random values, using a
// cryptographically-strong random number source.
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := io.ReadFull(rand.Reader, b)
	return b, err
}

func cryptBytes(key, iv, b []byte, encrypt bool) ([]byte, error) {
	stream, err := newStream(key, iv, encrypt)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	stream.XORKeyStream(out, b)
	return out, nil
}

// GenerateKey creates a new random container key and returns it along
// with the contents of a key file that stores it, encrypted using a key
// derived from the given passphrase.
func GenerateKey(passphrase string) (key []byte, keyFile []byte, err error) {
	// Derive a 64-byte hash from the passphrase using PBKDF2 with 65536
	// rounds of SHA256.
	salt, err := randomBytes(32)
	if err != nil {
		return nil, nil, err
	}
	hash := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iters, 64, sha256.New)

	// The first 32 bytes of the hash are stored so that the passphrase can
	// be confirmed on subsequent runs; the remaining 32 bytes encrypt the
	// actual key and aren't stored.
	passHash, keyEncryptKey := hash[:32], hash[32:]

	if key, err = randomBytes(32); err != nil {
		return nil, nil, err
	}
	iv, err := randomBytes(ivLength)
	if err != nil {
		return nil, nil, err
	}
	encKey, err := cryptBytes(keyEncryptKey, iv, key, true)
	if err != nil {
		return nil, nil, err
	}

	var buf bytes.Buffer
	for _, b := range [][]byte{salt, passHash, encKey, iv} {
		fmt.Fprintf(&buf, "%s\n", hex.EncodeToString(b))
	}
	return key, buf.Bytes(), nil
}

// DecodeKey returns the container key stored in the given key file
// contents. ErrIncorrectPassphrase is returned if the passphrase doesn't
// match the one the key file was created with.
func DecodeKey(keyFile []byte, passphrase string) ([]byte, error) {
	var saltHex, passHashHex, encKeyHex, ivHex string
	n, err := fmt.Sscanf(string(keyFile), "%s\n%s\n%s\n%s", &saltHex, &passHashHex,
		&encKeyHex, &ivHex)
	if err != nil || n != 4 {
		return nil, fmt.Errorf("%s: malformed (%v)", KeyFileName, err)
	}

	var vals [4][]byte
	for i, s := range []string{saltHex, passHashHex, encKeyHex, ivHex} {
		if vals[i], err = hex.DecodeString(s); err != nil {
			return nil, fmt.Errorf("%s: %w", KeyFileName, err)
		}
	}
	salt, passHash, encKey, iv := vals[0], vals[1], vals[2], vals[3]

	// Run the salted passphrase through PBKDF2 to (slowly) generate a
	// 64-byte derived key.
	derived := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iters, 64, sha256.New)
	if !bytes.Equal(derived[:32], passHash) {
		return nil, ErrIncorrectPassphrase
	}
	return cryptBytes(derived[32:], iv, encKey, false)
}
