// Package plan builds execution plans: ordered groups of systems that share
// one snapshot and are merged together.
//
// Builders are interchangeable. Every builder returns groups in the order
// they must run and keeps registration order inside each group, because
// registration order decides merge outcomes.
package plan

import (
	"fmt"
	"strings"

	"github.com/kelindar/bitmap"

	"github.com/extensivelabs/agentecs/internal/system"
)

// Group is an ordered list of descriptors run against one snapshot.
type Group []*system.Descriptor

// Names lists the system names in group order.
func (g Group) Names() []string {
	names := make([]string, len(g))
	for i, d := range g {
		names[i] = d.Name
	}
	return names
}

// Plan is an ordered list of groups. Groups run strictly sequentially.
type Plan []Group

// Len returns the number of descriptors across all groups.
func (p Plan) Len() int {
	n := 0
	for _, g := range p {
		n += len(g)
	}
	return n
}

// String renders the plan as "[a b] [c]".
func (p Plan) String() string {
	parts := make([]string, len(p))
	for i, g := range p {
		parts[i] = "[" + strings.Join(g.Names(), " ") + "]"
	}
	return strings.Join(parts, " ")
}

// Builder turns descriptors in registration order into a plan.
type Builder interface {
	Build(descriptors []*system.Descriptor) Plan
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(descriptors []*system.Descriptor) Plan

// Build implements Builder.
func (f BuilderFunc) Build(descriptors []*system.Descriptor) Plan {
	return f(descriptors)
}

// DevIsolating is the default builder. Each dev descriptor runs in its own
// group, in registration order, before one group holding every other
// descriptor.
type DevIsolating struct{}

// Build implements Builder.
func (DevIsolating) Build(descriptors []*system.Descriptor) Plan {
	var out Plan
	var rest Group
	for _, d := range descriptors {
		if d.Dev {
			out = append(out, Group{d})
			continue
		}
		rest = append(rest, d)
	}
	if len(rest) > 0 {
		out = append(out, rest)
	}
	return out
}

// Sequential runs every descriptor in its own group.
type Sequential struct{}

// Build implements Builder.
func (Sequential) Build(descriptors []*system.Descriptor) Plan {
	out := make(Plan, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, Group{d})
	}
	return out
}

// ConflictGraph packs non-dev descriptors into as few groups as possible
// while keeping conflicting descriptors apart. Two descriptors conflict when
// one writes a type the other reads or writes. A descriptor is placed in the
// first group after the last earlier group it conflicts with, so a later
// system always observes the effects of any earlier conflicting system.
// Dev descriptors are singleton groups placed first.
type ConflictGraph struct{}

type footprint struct {
	reads, writes       bitmap.Bitmap
	allReads, allWrites bool
}

func footprintOf(d *system.Descriptor) footprint {
	var f footprint
	readable := d.Rights().Readable()
	f.allReads = readable.IsAll()
	f.allWrites = d.Writes.IsAll()
	for _, t := range readable.List() {
		f.reads.Set(uint32(t))
	}
	for _, t := range d.Writes.List() {
		f.writes.Set(uint32(t))
	}
	return f
}

func intersects(a, b bitmap.Bitmap) bool {
	hit := false
	a.Range(func(x uint32) {
		if !hit && b.Contains(x) {
			hit = true
		}
	})
	return hit
}

func (f footprint) writesInto(reads bitmap.Bitmap, allReads bool) bool {
	if f.allWrites {
		return allReads || reads.Count() > 0
	}
	if allReads {
		return f.writes.Count() > 0
	}
	return intersects(f.writes, reads)
}

func (f footprint) conflicts(g footprint) bool {
	return f.writesInto(g.reads, g.allReads) || g.writesInto(f.reads, f.allReads)
}

// Build implements Builder.
func (ConflictGraph) Build(descriptors []*system.Descriptor) Plan {
	var out Plan
	var groups []Group
	var prints [][]footprint

	for _, d := range descriptors {
		if d.Dev {
			out = append(out, Group{d})
			continue
		}
		fp := footprintOf(d)
		target := 0
		for i := len(groups) - 1; i >= 0; i-- {
			if conflictsAny(fp, prints[i]) {
				target = i + 1
				break
			}
		}
		if target == len(groups) {
			groups = append(groups, nil)
			prints = append(prints, nil)
		}
		groups[target] = append(groups[target], d)
		prints[target] = append(prints[target], fp)
	}
	return append(out, groups...)
}

func conflictsAny(fp footprint, others []footprint) bool {
	for _, o := range others {
		if fp.conflicts(o) {
			return true
		}
	}
	return false
}

// ByName returns the builder registered under name: "dev-isolating" (or ""),
// "sequential" or "conflict-graph".
func ByName(name string) (Builder, error) {
	switch name {
	case "", "dev-isolating":
		return DevIsolating{}, nil
	case "sequential":
		return Sequential{}, nil
	case "conflict-graph":
		return ConflictGraph{}, nil
	}
	return nil, fmt.Errorf("unknown group builder %q", name)
}
