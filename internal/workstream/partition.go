// Package workstream partitions a project's sections into parallel
// workstreams and runs them: the Launcher plans the split, provisions a
// clone per workstream, claims leases, and spawns detached runner
// children; the Runner is the body of such a child.
package workstream

import (
	"sort"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
)

// Partition strategies.
const (
	StrategyPerSection = "per-section"
	StrategyPartition  = "partition"
)

// Candidate is one planned workstream: the ordered section ids a single
// clone will work through.
type Candidate struct {
	SectionIDs []string
}

// sectionNode is the planner's view of one section.
type sectionNode struct {
	id       string
	position int
	skipped  bool
	open     int // tasks a runner would pick up
	blocking int // tasks that keep dependents waiting
	deps     []string
}

// Plan computes the workstream candidates for a project under the given
// strategy. Candidates come back in section-position order so clipping to
// a clone budget keeps the earliest sections.
//
// Both strategies refuse a cyclic dependency graph: per-section scheduling
// would silently starve the sections on the cycle, and component
// partitioning cannot order them at all.
func Plan(store *db.ProjectDB, strategy string, maxClones int) ([]Candidate, error) {
	sections, err := store.ListSections()
	if err != nil {
		return nil, err
	}
	edges, err := store.AllSectionDependencies()
	if err != nil {
		return nil, err
	}
	counts, err := store.SectionWorkCounts()
	if err != nil {
		return nil, err
	}

	nodes := make([]*sectionNode, 0, len(sections))
	byID := make(map[string]*sectionNode, len(sections))
	for _, s := range sections {
		n := &sectionNode{
			id:       s.ID,
			position: s.Position,
			skipped:  s.Skipped,
			open:     counts[s.ID].Open,
			blocking: counts[s.ID].Blocking,
			deps:     edges[s.ID],
		}
		nodes = append(nodes, n)
		byID[s.ID] = n
	}

	if err := detectCycle(nodes, byID); err != nil {
		return nil, err
	}

	var candidates []Candidate
	switch strategy {
	case StrategyPartition:
		candidates = partitionComponents(nodes, byID)
	default:
		candidates = perSection(nodes, byID)
	}

	if maxClones > 0 && len(candidates) > maxClones {
		candidates = candidates[:maxClones]
	}
	return candidates, nil
}

// perSection gives every section with open work and satisfied dependencies
// its own candidate. Sections whose dependencies still have unfinished
// tasks simply wait for a later launch.
func perSection(nodes []*sectionNode, byID map[string]*sectionNode) []Candidate {
	var candidates []Candidate
	for _, n := range nodes {
		if n.skipped || n.open == 0 {
			continue
		}
		if !depsMet(n, byID) {
			continue
		}
		candidates = append(candidates, Candidate{SectionIDs: []string{n.id}})
	}
	return candidates
}

// depsMet mirrors ProjectDB.DependenciesMet on the loaded snapshot: every
// dependency section must have zero tasks that are not completed. A
// dependency with no tasks at all counts as met.
func depsMet(n *sectionNode, byID map[string]*sectionNode) bool {
	for _, dep := range n.deps {
		if d, ok := byID[dep]; ok && d.blocking > 0 {
			return false
		}
	}
	return true
}

// partitionComponents groups sections into weakly-connected components of
// the dependency graph; each component with open work becomes one
// candidate. Sections inside a candidate come out in dependency order, so
// the runner drains prerequisites before dependents.
func partitionComponents(nodes []*sectionNode, byID map[string]*sectionNode) []Candidate {
	// Union-find over the undirected view of the dependency edges.
	parent := make(map[string]string, len(nodes))
	var find func(string) string
	find = func(id string) string {
		if parent[id] != id {
			parent[id] = find(parent[id])
		}
		return parent[id]
	}
	union := func(a, b string) {
		parent[find(a)] = find(b)
	}
	for _, n := range nodes {
		parent[n.id] = n.id
	}
	for _, n := range nodes {
		for _, dep := range n.deps {
			if _, ok := byID[dep]; ok {
				union(n.id, dep)
			}
		}
	}

	members := make(map[string][]*sectionNode)
	for _, n := range nodes {
		root := find(n.id)
		members[root] = append(members[root], n)
	}

	type component struct {
		minPos int
		order  []string
	}
	var comps []component
	for _, ms := range members {
		ordered := topoOrder(ms, byID)
		if len(ordered) == 0 {
			continue
		}
		minPos := ms[0].position
		for _, m := range ms[1:] {
			if m.position < minPos {
				minPos = m.position
			}
		}
		comps = append(comps, component{minPos: minPos, order: ordered})
	}
	sort.Slice(comps, func(i, j int) bool {
		if comps[i].minPos != comps[j].minPos {
			return comps[i].minPos < comps[j].minPos
		}
		return comps[i].order[0] < comps[j].order[0]
	})

	candidates := make([]Candidate, 0, len(comps))
	for _, c := range comps {
		candidates = append(candidates, Candidate{SectionIDs: c.order})
	}
	return candidates
}

// topoOrder returns the component's sections with open work, dependencies
// first, ties broken by position then id. Skipped sections and sections
// with nothing open are dropped from the result but still count as
// ordering constraints. Assumes detectCycle already passed.
func topoOrder(members []*sectionNode, byID map[string]*sectionNode) []string {
	inComponent := make(map[string]bool, len(members))
	for _, m := range members {
		inComponent[m.id] = true
	}
	remaining := make(map[string]int, len(members))
	for _, m := range members {
		deg := 0
		for _, dep := range m.deps {
			if inComponent[dep] {
				deg++
			}
		}
		remaining[m.id] = deg
	}

	emitted := make(map[string]bool, len(members))
	var order []string
	for len(emitted) < len(members) {
		var next *sectionNode
		for _, m := range members {
			if emitted[m.id] || remaining[m.id] > 0 {
				continue
			}
			if next == nil || m.position < next.position ||
				(m.position == next.position && m.id < next.id) {
				next = m
			}
		}
		if next == nil {
			// Unreachable after detectCycle; bail rather than spin.
			break
		}
		emitted[next.id] = true
		if !next.skipped && next.open > 0 {
			order = append(order, next.id)
		}
		for _, m := range members {
			if emitted[m.id] {
				continue
			}
			for _, dep := range m.deps {
				if dep == next.id {
					remaining[m.id]--
				}
			}
		}
	}
	return order
}

// detectCycle walks the directed dependency graph and reports the first
// back edge found. AddSectionDependency refuses cycle-closing edges at
// insert time, but rows written by older versions or by hand still reach
// the planner, and scheduling must not trust them.
func detectCycle(nodes []*sectionNode, byID map[string]*sectionNode) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))

	var visit func(n *sectionNode) error
	visit = func(n *sectionNode) error {
		color[n.id] = gray
		for _, dep := range n.deps {
			d, ok := byID[dep]
			if !ok {
				continue
			}
			switch color[dep] {
			case gray:
				return steroidserrors.ErrCyclicDependency(n.id, dep)
			case white:
				if err := visit(d); err != nil {
					return err
				}
			}
		}
		color[n.id] = black
		return nil
	}

	for _, n := range nodes {
		if color[n.id] == white {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}
