// pack/volumes.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package pack

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mmp/vbk/catalog"
	"github.com/mmp/vbk/storage"
)

// Volume describes a complete volume found in a FileStorage.
type Volume struct {
	Header VolumeHeader
	Dir    string
	Log    []LogEntry
	// Earlier directories holding the same volume number; these are left
	// over from runs that failed after the volume was written but before
	// the catalog was saved.
	Superseded []string
}

// parseVolumeDir parses directory names of the form NNNN or NNNN.S.
func parseVolumeDir(dir string) (number, suffix int, ok bool) {
	base, sfx, hasSuffix := strings.Cut(dir, ".")
	n, err := strconv.Atoi(base)
	if err != nil || n <= 0 {
		return 0, 0, false
	}
	if hasSuffix {
		if suffix, err = strconv.Atoi(sfx); err != nil || suffix <= 0 {
			return 0, 0, false
		}
	}
	return n, suffix, true
}

// ReadVolume reads and parses the process log in the given directory.
func ReadVolume(fs storage.FileStorage, dir string) (*Volume, error) {
	r, err := storage.NewReader(fs, path.Join(dir, LogName))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	h, entries, err := ReadLog(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	if n, _, ok := parseVolumeDir(dir); !ok || n != h.Number {
		return nil, fmt.Errorf("%s: log is for volume %d: %w", dir, h.Number, ErrLogFormat)
	}
	return &Volume{Header: h, Dir: dir, Log: entries}, nil
}

// FindVolumes returns all of the complete volumes in fs, sorted by
// number. When a volume number was written more than once, the most
// recent directory is used. Directories without a process log are
// incomplete and are ignored.
func FindVolumes(fs storage.FileStorage) ([]*Volume, error) {
	type candidate struct {
		dir    string
		suffix int
	}
	found := make(map[int][]candidate)
	err := fs.ForFiles("", func(n string, created time.Time) {
		dir, file, ok := strings.Cut(n, "/")
		if !ok || file != LogName {
			return
		}
		if num, sfx, ok := parseVolumeDir(dir); ok {
			found[num] = append(found[num], candidate{dir, sfx})
		}
	})
	if err != nil {
		return nil, err
	}

	var vols []*Volume
	for _, c := range found {
		sort.Slice(c, func(i, j int) bool { return c[i].suffix < c[j].suffix })
		v, err := ReadVolume(fs, c[len(c)-1].dir)
		if err != nil {
			return nil, err
		}
		for _, old := range c[:len(c)-1] {
			v.Superseded = append(v.Superseded, old.dir)
		}
		vols = append(vols, v)
	}
	sort.Slice(vols, func(i, j int) bool { return vols[i].Header.Number < vols[j].Header.Number })
	return vols, nil
}

// Rebuild reconstructs a catalog by replaying the process logs of the
// given volumes, which must form an unbroken sequence starting at
// volume 1.
func Rebuild(vols []*Volume) (*catalog.State, error) {
	cat := catalog.New()
	for _, v := range vols {
		if v.Header.Number != cat.Version+1 {
			return nil, fmt.Errorf("volume %d missing: %w", cat.Version+1,
				catalog.ErrInconsistent)
		}
		if err := Replay(cat, v.Header, v.Log); err != nil {
			return nil, fmt.Errorf("%s: %w", v.Dir, err)
		}
	}
	return cat, nil
}
