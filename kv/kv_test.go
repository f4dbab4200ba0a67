// kv/kv_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package kv

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	a := NewRecord("file").Add("name", "/home/a file#1.txt").Addf("size", "%d", 150)
	a.Add("dependencies", "1").Add("dependencies", "3")
	b := NewRecord("delete").Add("name", "100%\ttabbed\nnewline")
	for _, r := range []*Record{a, b} {
		if err := w.Write(r); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if w.Size() != int64(buf.Len()) {
		t.Errorf("Size() %d, wrote %d bytes", w.Size(), buf.Len())
	}
	if EncodedSize(a)+EncodedSize(b) != int64(buf.Len()) {
		t.Errorf("EncodedSize mismatch: %d + %d vs %d", EncodedSize(a),
			EncodedSize(b), buf.Len())
	}

	r := NewReader(&buf)
	ra, err := r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ra.Category != "file" {
		t.Errorf("got category %q", ra.Category)
	}
	if name, err := ra.Consume("name"); err != nil || name != "/home/a file#1.txt" {
		t.Errorf("name %q, err %v", name, err)
	}
	if deps := ra.ConsumeAll("dependencies"); len(deps) != 2 || deps[0] != "1" || deps[1] != "3" {
		t.Errorf("dependencies %v", deps)
	}
	if err := ra.Done(); !errors.Is(err, ErrLeftover) {
		t.Errorf("expected leftover size key, got %v", err)
	}

	rb, err := r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if name, _ := rb.Consume("name"); name != "100%\ttabbed\nnewline" {
		t.Errorf("escaped name came back as %q", name)
	}
	if err := rb.Done(); err != nil {
		t.Errorf("done: %v", err)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestCommentsAndBlankLines(t *testing.T) {
	in := `# catalog written by hand

catalog {   # trailing comment
  version=2
}
file {
  name=/a
  empty=
}
`
	r := NewReader(strings.NewReader(in))
	c, err := r.Next()
	if err != nil {
		t.Fatalf("%v", err)
	}
	if v, err := c.Consume("version"); err != nil || v != "2" {
		t.Errorf("version %q %v", v, err)
	}
	f, err := r.Next()
	if err != nil {
		t.Fatalf("%v", err)
	}
	if v := f.Get("empty"); len(v) != 1 || v[0] != "" {
		t.Errorf("empty value: %v", v)
	}
	if _, err := f.Consume("missing"); !errors.Is(err, ErrMissingKey) {
		t.Errorf("expected ErrMissingKey, got %v", err)
	}
}

func TestMalformed(t *testing.T) {
	for _, in := range []string{
		"file\n  name=a\n}\n",
		"file {\n  name=a\n",
		"file {\n  =a\n}\n",
		"file {\n  name=%zz\n}\n",
		"file {\n  name=abc%4\n}\n",
	} {
		r := NewReader(strings.NewReader(in))
		if _, err := r.Next(); !errors.Is(err, ErrMalformed) {
			t.Errorf("%q: expected ErrMalformed, got %v", in, err)
		}
	}
}

func TestRepeatedKey(t *testing.T) {
	r := NewRecord("x").Add("k", "1").Add("k", "2")
	if _, err := r.Consume("k"); !errors.Is(err, ErrRepeatedKey) {
		t.Errorf("expected ErrRepeatedKey, got %v", err)
	}
}
