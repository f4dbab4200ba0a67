// plan/deloop.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package plan

import (
	"fmt"
	"sort"
)

// graph records which instructions must run before which others: an
// instruction runs after the one that creates each of its dependencies
// and after every other instruction that depends on something it
// removes.
type graph struct {
	insts []Instruction
	after [][]int
}

func newGraph(insts []Instruction) *graph {
	creator := make(map[Key]int)
	dependents := make(map[Key][]int)
	for i, inst := range insts {
		e := inst.Graph()
		for _, k := range e.Creates {
			creator[k] = i
		}
		for _, k := range e.Depends {
			dependents[k] = append(dependents[k], i)
		}
	}

	g := &graph{insts: insts, after: make([][]int, len(insts))}
	for i, inst := range insts {
		e := inst.Graph()
		succ := make(map[int]bool)
		for _, k := range e.Depends {
			if c, ok := creator[k]; ok && c != i {
				succ[c] = true
			}
		}
		for _, k := range e.Removes {
			for _, d := range dependents[k] {
				if d != i {
					succ[d] = true
				}
			}
		}
		for s := range succ {
			g.after[i] = append(g.after[i], s)
		}
		sort.Ints(g.after[i])
	}
	return g
}

// findCycle returns the instructions along a cycle in the graph, each one
// required to run after the next, or nil if there are none.
func (g *graph) findCycle() []int {
	const (
		unvisited = iota
		onStack
		acyclic
	)
	state := make([]int, len(g.insts))
	var stack []int

	var visit func(i int) []int
	visit = func(i int) []int {
		state[i] = onStack
		stack = append(stack, i)
		for _, s := range g.after[i] {
			switch state[s] {
			case onStack:
				for j := len(stack) - 1; j >= 0; j-- {
					if stack[j] == s {
						return append([]int{}, stack[j:]...)
					}
				}
			case unvisited:
				if c := visit(s); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[i] = acyclic
		return nil
	}

	for i := range g.insts {
		if state[i] == unvisited {
			if c := visit(i); c != nil {
				return c
			}
		}
	}
	return nil
}

// Deloop replaces each cycle of instructions that can't be ordered with a
// single Rotate. Such cycles arise when files' contents are swapped or
// rotated between paths; every instruction in them must be a Copy from
// the old contents of the next path in the cycle. The returned slice is
// insts itself if there were no cycles.
func Deloop(insts []Instruction) ([]Instruction, error) {
	for {
		cycle := newGraph(insts).findCycle()
		if cycle == nil {
			return insts, nil
		}

		rot, err := rotation(insts, cycle)
		if err != nil {
			return nil, err
		}
		log.Debug("%s", rot)

		// The rotation takes the place of the first instruction in the
		// cycle.
		first := cycle[0]
		in := make(map[int]bool)
		for _, i := range cycle {
			in[i] = true
			if i < first {
				first = i
			}
		}
		var next []Instruction
		for i, inst := range insts {
			if i == first {
				next = append(next, rot)
			} else if !in[i] {
				next = append(next, inst)
			}
		}
		insts = next
	}
}

// rotation returns the Rotate that is equivalent to the given cycle.
func rotation(insts []Instruction, cycle []int) (*Rotate, error) {
	var copies []*Copy
	for _, i := range cycle {
		c, ok := insts[i].(*Copy)
		if !ok {
			return nil, fmt.Errorf("%s: %w", insts[i], ErrMalformedCycle)
		}
		copies = append(copies, c)
	}

	rot := &Rotate{}
	for i, c := range copies {
		next := copies[(i+1)%len(copies)]
		if c.Dest != next.Source.Path || next.Source.New {
			return nil, fmt.Errorf("%s then %s: %w", c, next, ErrMalformedCycle)
		}

		rot.Depends = append(rot.Depends, c.Depends...)
		rot.Removes = append(rot.Removes, c.Removes...)
		rot.Creates = append(rot.Creates, c.Creates...)
		rot.Steps = append(rot.Steps, RotateStep{
			Source:   c.Source.Path,
			Dest:     c.Dest,
			Meta:     c.Meta,
			Size:     c.Size,
			Checksum: c.Checksum,
		})
	}
	if err := rot.check(); err != nil {
		return nil, fmt.Errorf("%s: %w", rot, err)
	}
	return rot, nil
}
