// plan/diff.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package plan

import (
	"sort"

	"github.com/mmp/vbk/catalog"
	"github.com/mmp/vbk/item"
)

// dedupIndex records every known set of contents, bucketed by size, so
// that new files whose contents are already available can be copied
// rather than stored again.
type dedupIndex map[int64][]candidate

type candidate struct {
	key Key
	it  *item.Item
}

func (d dedupIndex) add(k Key, it *item.Item) {
	d[it.Size()] = append(d[it.Size()], candidate{k, it})
}

// find returns the first key added whose contents are the same as it's.
func (d dedupIndex) find(it *item.Item) (Key, bool, error) {
	for _, c := range d[it.Size()] {
		same, err := item.Identical(c.it, it)
		if err != nil {
			return Key{}, false, err
		}
		if same {
			return c.key, true, nil
		}
	}
	return Key{}, false, nil
}

// Diff compares the catalog with the current set of files and returns
// the instructions that bring the catalog up to date, along with the
// Create instruction that declares what exists beforehand. Paths in
// unreadable are known to exist but couldn't be read; their catalog
// entries are kept as they are.
//
// Instructions are returned in path order, with old contents preferred
// when choosing the source of a copy.
func Diff(old *catalog.State, cur map[string]*item.Item,
	unreadable map[string]bool) ([]Instruction, *Create, error) {
	index := make(dedupIndex)
	create := &Create{}
	for _, name := range old.Names() {
		it, _ := old.Get(name)
		index.add(OldKey(name), it)
		create.Creates = append(create.Creates, OldKey(name))
	}

	paths := old.Names()
	for p := range cur {
		if _, ok := old.Get(p); !ok {
			paths = append(paths, p)
		}
	}
	for p := range unreadable {
		_, inOld := old.Get(p)
		if _, inNew := cur[p]; !inOld && !inNew {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	var insts []Instruction
	for _, p := range paths {
		o, inOld := old.Get(p)
		n, inNew := cur[p]

		if !inNew && !unreadable[p] {
			insts = append(insts, &Delete{Edges: Edges{Removes: []Key{OldKey(p)}}, Path: p})
			continue
		}

		preserve := func() {
			create.Creates = append(create.Creates, NewKey(p))
			create.Preserved = append(create.Preserved, p)
			index.add(NewKey(p), o)
		}

		if inOld && (unreadable[p] || (o.Size() == n.Size() && o.Metadata() == n.Metadata())) {
			preserve()
			continue
		}

		if !inNew {
			log.Warning("%s: unable to read; skipping", p)
			continue
		}

		if !n.Readable() {
			if inOld {
				log.Warning("%s: unable to read; keeping the previous backup", p)
				preserve()
			} else {
				log.Warning("%s: unable to read; skipping", p)
			}
			continue
		}

		inst, err := diffOne(p, o, n, index)
		if err != nil {
			return nil, nil, err
		}
		insts = append(insts, inst)
		index.add(NewKey(p), n)
	}

	log.Verbose("%d instructions, %d files unchanged", len(insts), len(create.Preserved))
	return insts, create, nil
}

// diffOne returns the instruction that gives path p the contents of the
// readable item n; o is p's catalog entry, or nil if there isn't one.
func diffOne(p string, o, n *item.Item, index dedupIndex) (Instruction, error) {
	var removes []Key
	if o != nil {
		removes = []Key{OldKey(p)}

		// Same contents, different metadata.
		if o.Size() == n.Size() {
			same, err := item.Identical(o, n)
			if err != nil {
				return nil, err
			}
			if same {
				return &Touch{
					Edges: Edges{Depends: []Key{OldKey(p)}, Removes: removes,
						Creates: []Key{NewKey(p)}},
					Path: p,
					Size: n.Size(),
					Meta: n.Metadata(),
				}, nil
			}
		}

		// Grown, with the old contents at the start.
		if n.Size() > o.Size() && o.Size() > 0 {
			same, err := item.IdenticalPrefix(o, n, o.Size())
			if err != nil {
				return nil, err
			}
			if same {
				sum, err := n.Checksum()
				if err != nil {
					return nil, err
				}
				return &Append{
					Edges: Edges{Depends: []Key{OldKey(p)}, Removes: removes,
						Creates: []Key{NewKey(p)}},
					Item:     n,
					From:     o.Size(),
					Size:     n.Size(),
					Checksum: sum,
				}, nil
			}
		}
	}

	sum, err := n.Checksum()
	if err != nil {
		return nil, err
	}

	src, found, err := index.find(n)
	if err != nil {
		return nil, err
	}
	if found {
		return &Copy{
			Edges: Edges{Depends: []Key{src}, Removes: removes,
				Creates: []Key{NewKey(p)}},
			Source:   src,
			Dest:     p,
			Meta:     n.Metadata(),
			Size:     n.Size(),
			Checksum: sum,
		}, nil
	}

	return &Store{
		Edges:    Edges{Removes: removes, Creates: []Key{NewKey(p)}},
		Item:     n,
		Size:     n.Size(),
		Checksum: sum,
	}, nil
}
