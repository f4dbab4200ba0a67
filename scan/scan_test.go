// scan/scan_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package scan

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func writeFile(t *testing.T, p string, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		t.Fatalf("%v", err)
	}
	if err := os.WriteFile(p, []byte(contents), 0600); err != nil {
		t.Fatalf("%v", err)
	}
}

func TestScan(t *testing.T) {
	home, photos := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(home, "a.txt"), "hello")
	writeFile(t, filepath.Join(home, "src", "main.go"), "package main")
	writeFile(t, filepath.Join(home, "src", ".git", "HEAD"), "ref")
	// Masked by the photos mount.
	writeFile(t, filepath.Join(home, "pics", "old.jpg"), "old")
	writeFile(t, filepath.Join(photos, "2017", "x.jpg"), "jpeg!")
	if err := os.Symlink("a.txt", filepath.Join(home, "link")); err != nil {
		t.Fatalf("%v", err)
	}

	res, err := Scan([]Mount{
		{Path: "/home", Source: home, Exclude: []string{".git"}},
		{Path: "/home/pics", Source: photos},
	})
	if err != nil {
		t.Fatalf("%v", err)
	}

	expected := map[string]int64{
		"/home/a.txt":           5,
		"/home/src/main.go":     12,
		"/home/pics/2017/x.jpg": 5,
	}
	if len(res.Items) != len(expected) {
		t.Errorf("got %d items, expected %d", len(res.Items), len(expected))
	}
	for n, sz := range expected {
		it, ok := res.Items[n]
		if !ok {
			t.Errorf("%s: missing", n)
			continue
		}
		if it.Size() != sz || it.Name() != n {
			t.Errorf("%s: got %s", n, it)
		}
		if !it.Readable() {
			t.Errorf("%s: not readable", n)
		}
	}
	if len(res.Unreadable) != 0 || len(res.UnreadableDirs) != 0 {
		t.Errorf("unexpected unreadable %v %v", res.Unreadable, res.UnreadableDirs)
	}
}

func TestUnreadableDir(t *testing.T) {
	if runtime.GOOS == "windows" || os.Getuid() == 0 {
		t.Skip("permissions aren't enforced")
	}
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ok", "f"), "f")
	writeFile(t, filepath.Join(dir, "locked", "g"), "g")
	locked := filepath.Join(dir, "locked")
	if err := os.Chmod(locked, 0); err != nil {
		t.Fatalf("%v", err)
	}
	defer os.Chmod(locked, 0700)

	res, err := Scan([]Mount{{Path: "/d", Source: dir}})
	if err != nil {
		t.Fatalf("%v", err)
	}
	if len(res.UnreadableDirs) != 1 || res.UnreadableDirs[0] != "/d/locked" {
		t.Errorf("unreadable dirs %v", res.UnreadableDirs)
	}
	res.MarkUnreadable([]string{"/d/locked/g", "/d/lockedx", "/d/ok/f"})
	if !res.Unreadable["/d/locked/g"] || len(res.Unreadable) != 1 {
		t.Errorf("unreadable %v", res.Unreadable)
	}
}

func TestBadMounts(t *testing.T) {
	dir := t.TempDir()
	for _, m := range [][]Mount{
		{{Path: "relative", Source: dir}},
		{{Path: "/a/../b", Source: dir}},
		{{Path: "/a", Source: ""}},
		{{Path: "/a", Source: dir}, {Path: "/a", Source: dir}},
	} {
		if _, err := Scan(m); !errors.Is(err, ErrBadMount) {
			t.Errorf("%+v: expected ErrBadMount, got %v", m, err)
		}
	}

	// A missing source is unreadable rather than an error.
	res, err := Scan([]Mount{{Path: "/gone", Source: filepath.Join(dir, "nope")}})
	if err != nil {
		t.Fatalf("%v", err)
	}
	if len(res.UnreadableDirs) != 1 || res.UnreadableDirs[0] != "/gone" {
		t.Errorf("unreadable dirs %v", res.UnreadableDirs)
	}
}
