// catalog/process.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package catalog

import (
	"fmt"

	"github.com/mmp/vbk/item"
)

type Op int

const (
	OpDelete Op = iota
	OpCopy
	OpAppend
	OpStore
	OpTouch
	OpRotate
)

func (op Op) String() string {
	return [...]string{"delete", "copy", "append", "store", "touch", "rotate"}[op]
}

// Step is one element of a rotation: Dest takes on Source's contents,
// as they were before the rotation started, along with Meta.
type Step struct {
	Source, Dest string
	Meta         item.Metadata
}

// Change describes the effect of a single backup instruction on the
// catalog. Which fields are meaningful depends on Op.
type Change struct {
	Op   Op
	Name string
	Meta item.Metadata

	// Copy
	Source    string
	SourceNew bool

	// Append and Store. For appends, From is the size of the contents
	// that are already recorded.
	From     int64
	Size     int64
	Checksum item.Checksum

	// Rotate
	Steps []Step
}

func (c Change) String() string {
	switch c.Op {
	case OpCopy:
		return fmt.Sprintf("copy %s -> %s", c.Source, c.Name)
	case OpAppend:
		return fmt.Sprintf("append %s [%d,%d)", c.Name, c.From, c.Size)
	case OpStore:
		return fmt.Sprintf("store %s (%d bytes)", c.Name, c.Size)
	case OpRotate:
		return fmt.Sprintf("rotate %d files", len(c.Steps))
	default:
		return fmt.Sprintf("%s %s", c.Op, c.Name)
	}
}

func inconsistent(c Change, f string, args ...interface{}) error {
	return fmt.Errorf("%s: %s: %w", c, fmt.Sprintf(f, args...), ErrInconsistent)
}

// Process applies the given change to the catalog; the contents of
// appended and stored files are recorded as being in the given volume.
// The catalog is unmodified if an error is returned.
func (s *State) Process(c Change, volume int) error {
	switch c.Op {
	case OpDelete:
		if _, ok := s.files[c.Name]; !ok {
			return inconsistent(c, "not present")
		}
		delete(s.files, c.Name)

	case OpCopy:
		src, ok := s.files[c.Source]
		if !ok {
			return inconsistent(c, "source not present")
		}
		if dst, ok := s.files[c.Name]; ok && c.Name != c.Source {
			log.Debug("%s: replacing %d byte file", c.Name, dst.Size())
		}
		s.files[c.Name] = derive(src, c.Name, c.Meta)

	case OpAppend:
		old, ok := s.files[c.Name]
		if !ok {
			return inconsistent(c, "not present")
		}
		if old.Size() >= c.Size || old.Size() != c.From {
			return inconsistent(c, "recorded size %d", old.Size())
		}
		s.files[c.Name] = item.NewOriginal(c.Name, c.Size, c.Meta, c.Checksum,
			append(old.Volumes(), volume))

	case OpStore:
		if old, ok := s.files[c.Name]; ok {
			log.Debug("%s: replacing %d byte file", c.Name, old.Size())
		}
		s.files[c.Name] = item.NewOriginal(c.Name, c.Size, c.Meta, c.Checksum,
			[]int{volume})

	case OpTouch:
		old, ok := s.files[c.Name]
		if !ok {
			return inconsistent(c, "not present")
		}
		if old.Size() != c.Size {
			return inconsistent(c, "recorded size %d", old.Size())
		}
		s.files[c.Name] = derive(old, c.Name, c.Meta)

	case OpRotate:
		// Everything reads from the catalog as it was before the rotation.
		srcs := make([]*item.Item, len(c.Steps))
		dests := make(map[string]bool)
		for i, st := range c.Steps {
			src, ok := s.files[st.Source]
			if !ok {
				return inconsistent(c, "%s: source not present", st.Source)
			}
			if dests[st.Dest] {
				return inconsistent(c, "%s: destination given twice", st.Dest)
			}
			dests[st.Dest] = true
			srcs[i] = src
		}
		for i, st := range c.Steps {
			s.files[st.Dest] = derive(srcs[i], st.Dest, st.Meta)
		}

	default:
		return inconsistent(c, "unknown operation")
	}
	return nil
}

// derive returns a new Original item named name with the contents of src
// and the given metadata.
func derive(src *item.Item, name string, meta item.Metadata) *item.Item {
	sum, err := src.Checksum()
	log.CheckError(err)
	return item.NewOriginal(name, src.Size(), meta, sum, src.Volumes())
}
