// util/util_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"bytes"
	"io/ioutil"
	"strings"
	"testing"
)

func TestFmtBytes(t *testing.T) {
	if s := FmtBytes(100); s != "100 B" {
		t.Errorf("got %q", s)
	}
	if s := FmtBytes(3 * MiB); s != "3.00 MiB" {
		t.Errorf("got %q", s)
	}
	if s := FmtBytes(GiB); s != "1.00 GiB" {
		t.Errorf("got %q", s)
	}
}

func TestLoggerLevels(t *testing.T) {
	var out, diag bytes.Buffer
	l := NewLoggerTo(&out, &diag, false, false)
	l.Debug("hidden debug")
	l.Verbose("hidden verbose")
	l.Warning("careful %d", 1)
	l.Print("hello")

	if strings.Contains(diag.String(), "hidden") {
		t.Errorf("suppressed output was printed: %s", diag.String())
	}
	if !strings.Contains(diag.String(), "careful 1") {
		t.Errorf("warning missing: %s", diag.String())
	}
	if !strings.Contains(out.String(), "hello") {
		t.Errorf("print output missing: %s", out.String())
	}
	if l.NWarnings != 1 {
		t.Errorf("expected one warning, got %d", l.NWarnings)
	}

	// A nil logger drops debugging output rather than crashing.
	var nl *Logger
	nl.Debug("nothing")
	nl.Verbose("nothing")
}

func TestCountingWriter(t *testing.T) {
	cw := &CountingWriter{W: ioutil.Discard}
	cw.Write([]byte("hello"))
	cw.Write([]byte(", world"))
	if cw.N != 12 {
		t.Errorf("counted %d bytes, expected 12", cw.N)
	}
}
