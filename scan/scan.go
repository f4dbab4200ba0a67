// scan/scan.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package scan builds the set of files to be backed up from a collection
// of mounts, each of which maps a local directory to a logical path in the
// backup.
package scan

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mmp/vbk/item"
	u "github.com/mmp/vbk/util"
)

var ErrBadMount = errors.New("invalid mount")

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// Mount makes the contents of the local directory Source available at
// the logical path Path.
type Mount struct {
	Path   string
	Source string
	// Files and directories whose local path contains any of these
	// strings are skipped.
	Exclude []string
}

// Result is the outcome of a scan.
type Result struct {
	// Logical path to file.
	Items map[string]*item.Item
	// Logical paths of files that are known to exist but couldn't be
	// examined; their previous backups are kept as they are.
	Unreadable map[string]bool
	// Logical paths of directories whose contents couldn't be listed.
	UnreadableDirs []string
}

// MarkUnreadable adds the given files, typically the contents of the
// catalog, to r.Unreadable if they are inside a directory that couldn't
// be read, so that they aren't taken to have been deleted.
func (r *Result) MarkUnreadable(names []string) {
	for _, n := range names {
		for _, d := range r.UnreadableDirs {
			if within(n, d) {
				r.Unreadable[n] = true
				break
			}
		}
	}
}

// within reports whether the logical path p is dir or is inside it.
func within(p, dir string) bool {
	return p == dir || dir == "/" || strings.HasPrefix(p, dir+"/")
}

func checkMounts(mounts []Mount) error {
	seen := make(map[string]bool)
	for _, m := range mounts {
		if !strings.HasPrefix(m.Path, "/") || path.Clean(m.Path) != m.Path {
			return fmt.Errorf("%q: mount point must be a clean absolute path: %w",
				m.Path, ErrBadMount)
		}
		if m.Source == "" {
			return fmt.Errorf("%s: no source directory: %w", m.Path, ErrBadMount)
		}
		if seen[m.Path] {
			return fmt.Errorf("%s: mounted twice: %w", m.Path, ErrBadMount)
		}
		seen[m.Path] = true
	}
	return nil
}

// Scan walks all of the mounts. A mount whose path is inside another
// mount replaces whatever the outer mount has at that path.
func Scan(mounts []Mount) (*Result, error) {
	if err := checkMounts(mounts); err != nil {
		return nil, err
	}
	s := &scanner{
		mounts: make(map[string]bool),
		res: &Result{
			Items:      make(map[string]*item.Item),
			Unreadable: make(map[string]bool),
		},
	}
	for _, m := range mounts {
		s.mounts[m.Path] = true
	}

	for _, m := range mounts {
		fi, err := os.Stat(m.Source)
		if err != nil {
			log.Warning("%s: %s", m.Source, err)
			s.res.UnreadableDirs = append(s.res.UnreadableDirs, m.Path)
			continue
		}
		if !fi.IsDir() {
			return nil, fmt.Errorf("%s: not a directory: %w", m.Source, ErrBadMount)
		}
		s.walk(m, m.Source, m.Path)
	}
	sort.Strings(s.res.UnreadableDirs)

	log.Verbose("scanned %d files in %d mounts (%d unreadable)", len(s.res.Items),
		len(mounts), len(s.res.Unreadable)+len(s.res.UnreadableDirs))
	return s.res, nil
}

type scanner struct {
	// Logical paths of all mount points.
	mounts map[string]bool
	res    *Result
}

func isExcluded(p string, excluded []string) bool {
	for _, excl := range excluded {
		if strings.Contains(p, excl) {
			return true
		}
	}
	return false
}

func (s *scanner) walk(m Mount, dir, logical string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warning("%s: %s", dir, err)
		s.res.UnreadableDirs = append(s.res.UnreadableDirs, logical)
		return
	}

	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		lp := path.Join(logical, e.Name())

		if s.mounts[lp] {
			log.Debug("%s: masked by mount", p)
			continue
		}
		if isExcluded(p, m.Exclude) {
			log.Verbose("%s: excluding from backup", p)
			continue
		}

		fi, err := e.Info()
		if err != nil {
			log.Warning("%s: %s", p, err)
			s.res.Unreadable[lp] = true
			continue
		}

		switch {
		case fi.IsDir():
			s.walk(m, p, lp)
		case fi.Mode().IsRegular():
			log.Debug("%s: found %d bytes", p, fi.Size())
			s.res.Items[lp] = item.NewFile(lp, p, fi)
		default:
			log.Verbose("%s: skipping %s", p, fi.Mode().Type())
		}
	}
}
