// plan/sort.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package plan

import (
	"fmt"
)

type scheduler struct {
	live map[Key]bool
	// Number of instructions that haven't run yet that depend on each key.
	refs map[Key]int
}

func (s *scheduler) runnable(inst Instruction) bool {
	e := inst.Graph()
	for _, k := range e.Depends {
		if !s.live[k] {
			return false
		}
	}
	for _, k := range e.Removes {
		if !s.live[k] {
			return false
		}
		if n := s.refs[k]; n > 1 || (n == 1 && !contains(e.Depends, k)) {
			return false
		}
	}
	return true
}

func (s *scheduler) run(inst Instruction) error {
	e := inst.Graph()
	for _, k := range e.Depends {
		s.refs[k]--
	}
	for _, k := range e.Removes {
		delete(s.live, k)
	}
	for _, k := range e.Creates {
		if s.live[k] {
			return fmt.Errorf("%s: %s: %w", inst, k, ErrDuplicateIdentity)
		}
		s.live[k] = true
	}
	return nil
}

// Sort returns the given instructions in an order in which they can be
// run one after another: nothing runs before the keys it depends on
// exist, and nothing removes a key that a later instruction depends on.
// create runs first but isn't included in the result.
//
// Instructions that don't write to the archive are preferred; each pass
// over the remaining instructions only considers Append and Store if
// nothing cheaper could run.
func Sort(create *Create, insts []Instruction) ([]Instruction, error) {
	s := &scheduler{live: make(map[Key]bool), refs: make(map[Key]int)}

	var buckets [numKinds][]Instruction
	buckets[KindCreate] = []Instruction{create}
	for _, inst := range append([]Instruction{create}, insts...) {
		if err := inst.Graph().check(); err != nil {
			return nil, fmt.Errorf("%s: %w", inst, err)
		}
		for _, k := range inst.Graph().Depends {
			s.refs[k]++
		}
		if inst != Instruction(create) {
			buckets[inst.Kind()] = append(buckets[inst.Kind()], inst)
		}
	}

	remaining := len(insts) + 1
	var sorted []Instruction
	for pass := 0; remaining > 0; pass++ {
		ranCheap, progress := false, false
		for kind := KindCreate; kind < numKinds; kind++ {
			if kind.Expensive() && ranCheap {
				continue
			}

			var left []Instruction
			for _, inst := range buckets[kind] {
				if !s.runnable(inst) {
					left = append(left, inst)
					continue
				}
				if err := s.run(inst); err != nil {
					return nil, err
				}
				if inst != Instruction(create) {
					sorted = append(sorted, inst)
				}
				remaining--
				progress = true
				if !kind.Expensive() {
					ranCheap = true
				}
			}
			buckets[kind] = left
		}

		if !progress {
			var stuck []string
			for _, b := range buckets {
				for _, inst := range b {
					stuck = append(stuck, inst.String())
				}
			}
			return nil, fmt.Errorf("%d instructions left after %d passes (%v): %w",
				remaining, pass, stuck, ErrDeadlock)
		}
	}
	return sorted, nil
}
