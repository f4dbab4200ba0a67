// storage/storage_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmp/vbk/rdso"
)

func TestSimple(t *testing.T) {
	for _, fs := range getStorage(t) {
		// Write something simple and get it back.
		simple := []byte{0, 1, 2, 3, 4, 5}
		if err := WriteFile(fs, "0001/log.txt", simple); err != nil {
			t.Fatalf("%s: %v", fs, err)
		}

		b, err := ReadAll(fs, "0001/log.txt")
		if err != nil {
			t.Errorf("%s: read: %v", fs, err)
		}
		if !bytes.Equal(simple, b) {
			t.Errorf("%s: bytes mismatch: wrote %+v, read %+v", fs, simple, b)
		}

		b, err = fs.ReadFile("0001/log.txt", 2, 3)
		if err != nil {
			t.Errorf("%s: read range: %v", fs, err)
		}
		if !bytes.Equal(simple[2:5], b) {
			t.Errorf("%s: range mismatch: got %+v", fs, b)
		}

		if ok, err := Exists(fs, "0001/log.txt"); !ok || err != nil {
			t.Errorf("%s: file doesn't exist even though just written? %v", fs, err)
		}
		if ok, _ := Exists(fs, "0001/log"); ok {
			t.Errorf("%s: prefix of a name reported as existing", fs)
		}
	}
}

func TestWriteOnce(t *testing.T) {
	for _, fs := range getStorage(t) {
		if err := WriteFile(fs, "foo", []byte("hello")); err != nil {
			t.Fatalf("%s: %v", fs, err)
		}
		if _, err := fs.CreateFile("foo"); !errors.Is(err, ErrFileExists) {
			t.Errorf("%s: expected ErrFileExists, got %v", fs, err)
		}
		if _, err := ReadAll(fs, "bar"); !errors.Is(err, ErrFileNotFound) {
			t.Errorf("%s: expected ErrFileNotFound, got %v", fs, err)
		}
		for _, n := range []string{"", "/abs", "../up", "a//b"} {
			if _, err := fs.CreateFile(n); !errors.Is(err, ErrBadName) {
				t.Errorf("%s: %q: expected ErrBadName, got %v", fs, n, err)
			}
		}
	}
}

func TestUnclosedInvisible(t *testing.T) {
	for _, fs := range getStorage(t) {
		w, err := fs.CreateFile("0002/000.store")
		if err != nil {
			t.Fatalf("%s: %v", fs, err)
		}
		w.Write([]byte("partial"))

		if ok, _ := Exists(fs, "0002/000.store"); ok {
			t.Errorf("%s: file visible before Close", fs)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("%s: %v", fs, err)
		}
		if ok, _ := Exists(fs, "0002/000.store"); !ok {
			t.Errorf("%s: file not visible after Close", fs)
		}
	}
}

func genRandom(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func TestManyRandom(t *testing.T) {
	for _, fs := range getStorage(t) {
		const count = 200
		var names []string
		var contents [][]byte

		for i := 0; i < count; i++ {
			name := fmt.Sprintf("%04d/%03d.store", i%7, i)
			buf := genRandom(rand.Intn(32 * 1024))
			if err := WriteFile(fs, name, buf); err != nil {
				t.Fatalf("%s: %v", fs, err)
			}
			names = append(names, name)
			contents = append(contents, buf)
		}

		listed, err := List(fs, "0003/")
		if err != nil {
			t.Fatalf("%s: %v", fs, err)
		}
		expected := 0
		for _, n := range names {
			if n[:5] == "0003/" {
				expected++
			}
		}
		if len(listed) != expected {
			t.Errorf("%s: listed %d files, expected %d", fs, len(listed), expected)
		}

		for _, i := range rand.Perm(count) {
			r, err := NewReader(fs, names[i])
			if err != nil {
				t.Fatalf("%s: %d: %v", fs, i, err)
			}
			c, err := io.ReadAll(r)
			r.Close()
			if err != nil {
				t.Fatalf("%s: %d: %v", fs, i, err)
			}
			if !bytes.Equal(c, contents[i]) {
				t.Errorf("%s: %d: didn't get same bytes back!", fs, i)
			}
		}
	}
}

func TestDiskParity(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewDisk(dir, 2)
	if err != nil {
		t.Fatalf("%v", err)
	}
	b := genRandom(100000)
	if err := WriteFile(fs, "0001/000.store", b); err != nil {
		t.Fatalf("%v", err)
	}

	p := filepath.Join(dir, "0001", "000.store")
	if _, err := os.Stat(p + rsSuffix); err != nil {
		t.Fatalf("no parity sidecar: %v", err)
	}
	if err := rdso.CheckFile(p, p+rsSuffix, nil); err != nil {
		t.Errorf("parity check failed: %v", err)
	}

	// The sidecar isn't reported as a file of its own.
	names, _ := List(fs, "")
	if len(names) != 1 || names[0] != "0001/000.store" {
		t.Errorf("unexpected files %v", names)
	}
}

func TestBandwidthLimit(t *testing.T) {
	if newBandwidthLimiter(0) != nil {
		t.Errorf("expected nil limiter for unlimited bandwidth")
	}

	l := newBandwidthLimiter(64 * 1024)
	b := genRandom(24 * 1024)
	start := time.Now()
	got, err := io.ReadAll(l.Reader(bytes.NewReader(b)))
	if err != nil {
		t.Fatalf("%v", err)
	}
	if !bytes.Equal(got, b) {
		t.Errorf("rate limited reader changed the data")
	}
	// 24k at 60k/s of released budget should take at least a few ticks.
	if time.Since(start) < 250*time.Millisecond {
		t.Errorf("read finished too quickly: %s", time.Since(start))
	}
}

func getStorage(t *testing.T) []FileStorage {
	var fss []FileStorage

	fss = append(fss, NewMemory())

	d, err := NewDisk(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("%v", err)
	}
	fss = append(fss, d)

	return fss
}

func TestDiskStaleTemporary(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewDisk(dir, 0)
	if err != nil {
		t.Fatalf("%v", err)
	}
	// As left by a process that was killed while writing.
	if err := os.MkdirAll(filepath.Join(dir, "0001"), 0700); err != nil {
		t.Fatalf("%v", err)
	}
	stale := filepath.Join(dir, "0001", "000.store"+tmpSuffix)
	if err := os.WriteFile(stale, []byte("partial"), 0600); err != nil {
		t.Fatalf("%v", err)
	}

	if ok, err := Exists(fs, "0001/000.store"); ok || err != nil {
		t.Errorf("temporary file visible (%v)", err)
	}
	if err := WriteFile(fs, "0001/000.store", []byte("complete")); err != nil {
		t.Fatalf("%v", err)
	}
	if b, err := ReadAll(fs, "0001/000.store"); err != nil || string(b) != "complete" {
		t.Errorf("read %q (%v)", b, err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("temporary file still present")
	}
}
