package graph

import (
	"slices"

	"github.com/WessleyAI/safetygraph/engine/domain"
)

// Index holds the reverse lookups of one model version. It is rebuilt on every
// commit and never mutated afterwards.
type Index struct {
	failureModesByComponent map[string][]string
	malfunctionsByFunction  map[string][]string
	malfunctionsByHazop     map[string][]string
	rowsByGoal              map[string][]string
	rowsByMalfunction       map[string][]string
	requirementsByGoal      map[string][]string
	topEventsByGoal         map[string][]string
	nodesByFailureMode      map[string][]string
	elementsByRequirement   map[string][]string
	reviewsByTarget         map[string][]string
	parentsOfNode           map[string][]string
	childComponents         map[string][]string
}

// BuildIndex indexes m. Every list is sorted.
func BuildIndex(m *domain.Model) *Index {
	ix := &Index{
		failureModesByComponent: map[string][]string{},
		malfunctionsByFunction:  map[string][]string{},
		malfunctionsByHazop:     map[string][]string{},
		rowsByGoal:              map[string][]string{},
		rowsByMalfunction:       map[string][]string{},
		requirementsByGoal:      map[string][]string{},
		topEventsByGoal:         map[string][]string{},
		nodesByFailureMode:      map[string][]string{},
		elementsByRequirement:   map[string][]string{},
		reviewsByTarget:         map[string][]string{},
		parentsOfNode:           map[string][]string{},
		childComponents:         map[string][]string{},
	}
	for _, id := range sortedKeys(m.Malfunctions) {
		v := m.Malfunctions[id]
		appendIf(ix.malfunctionsByFunction, v.FunctionID, id)
		appendIf(ix.malfunctionsByHazop, v.HazopID, id)
	}
	for _, id := range sortedKeys(m.HaraRows) {
		v := m.HaraRows[id]
		appendIf(ix.rowsByGoal, v.SafetyGoalID, id)
		appendIf(ix.rowsByMalfunction, v.MalfunctionID, id)
	}
	for _, id := range sortedKeys(m.Components) {
		appendIf(ix.childComponents, m.Components[id].ParentID, id)
	}
	for _, id := range sortedKeys(m.FailureModes) {
		v := m.FailureModes[id]
		appendIf(ix.failureModesByComponent, v.ComponentID, id)
		for _, r := range v.RequirementIDs {
			appendIf(ix.elementsByRequirement, r, id)
		}
	}
	for _, id := range sortedKeys(m.FaultTreeNodes) {
		v := m.FaultTreeNodes[id]
		if v.Type == domain.NodeTopEvent {
			appendIf(ix.topEventsByGoal, v.SafetyGoalID, id)
		}
		appendIf(ix.nodesByFailureMode, v.FailureModeID, id)
		for _, r := range v.RequirementIDs {
			appendIf(ix.elementsByRequirement, r, id)
		}
		for _, ch := range v.Children {
			appendIf(ix.parentsOfNode, ch, id)
		}
	}
	for _, id := range sortedKeys(m.Requirements) {
		for _, g := range m.Requirements[id].SafetyGoalIDs {
			appendIf(ix.requirementsByGoal, g, id)
		}
	}
	for _, id := range sortedKeys(m.Reviews) {
		for _, t := range m.Reviews[id].Scope {
			appendIf(ix.reviewsByTarget, t, id)
		}
	}
	for k, v := range ix.elementsByRequirement {
		slices.Sort(v)
		ix.elementsByRequirement[k] = slices.Compact(v)
	}
	return ix
}

func appendIf(m map[string][]string, key, id string) {
	if key == "" {
		return
	}
	if slices.Contains(m[key], id) {
		return
	}
	m[key] = append(m[key], id)
}

// FailureModesOf returns the failure modes of a component.
func (ix *Index) FailureModesOf(componentID string) []string {
	return slices.Clone(ix.failureModesByComponent[componentID])
}

// MalfunctionsOf returns the malfunctions raised against a function.
func (ix *Index) MalfunctionsOf(functionID string) []string {
	return slices.Clone(ix.malfunctionsByFunction[functionID])
}

// MalfunctionsInHazop returns the malfunctions owned by a HAZOP document.
func (ix *Index) MalfunctionsInHazop(hazopID string) []string {
	return slices.Clone(ix.malfunctionsByHazop[hazopID])
}

// RowsForGoal returns the HARA rows referencing a safety goal.
func (ix *Index) RowsForGoal(goalID string) []string {
	return slices.Clone(ix.rowsByGoal[goalID])
}

// RowsForMalfunction returns the HARA rows rating a malfunction.
func (ix *Index) RowsForMalfunction(malfunctionID string) []string {
	return slices.Clone(ix.rowsByMalfunction[malfunctionID])
}

// RequirementsForGoal returns the requirements traced to a safety goal.
func (ix *Index) RequirementsForGoal(goalID string) []string {
	return slices.Clone(ix.requirementsByGoal[goalID])
}

// TopEventsForGoal returns the fault-tree top events tied to a safety goal.
func (ix *Index) TopEventsForGoal(goalID string) []string {
	return slices.Clone(ix.topEventsByGoal[goalID])
}

// NodesUsingFailureMode returns the fault-tree nodes drawing their FIT from a
// failure mode.
func (ix *Index) NodesUsingFailureMode(failureModeID string) []string {
	return slices.Clone(ix.nodesByFailureMode[failureModeID])
}

// AllocationsOf returns the basic events and FMEA rows a requirement is
// allocated to.
func (ix *Index) AllocationsOf(requirementID string) []string {
	return slices.Clone(ix.elementsByRequirement[requirementID])
}

// ReviewsIncluding returns the reviews whose declared scope lists id.
func (ix *Index) ReviewsIncluding(id string) []string {
	return slices.Clone(ix.reviewsByTarget[id])
}

// ParentsOf returns the fault-tree nodes listing id as a child.
func (ix *Index) ParentsOf(nodeID string) []string {
	return slices.Clone(ix.parentsOfNode[nodeID])
}

// ChildComponents returns the direct BOM children of a component.
func (ix *Index) ChildComponents(componentID string) []string {
	return slices.Clone(ix.childComponents[componentID])
}

// Subtree returns root and every fault-tree node below it, depth first.
func Subtree(m *domain.Model, root string) []string {
	var out []string
	seen := map[string]bool{}
	var walk func(id string)
	walk = func(id string) {
		if seen[id] {
			return
		}
		if _, ok := m.FaultTreeNodes[id]; !ok {
			return
		}
		seen[id] = true
		out = append(out, id)
		for _, ch := range m.FaultTreeNodes[id].Children {
			walk(ch)
		}
	}
	walk(root)
	return out
}

// Ancestors returns every fault-tree node above id, nearest first.
func (ix *Index) Ancestors(id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, p := range ix.parentsOfNode[cur] {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
				queue = append(queue, p)
			}
		}
	}
	return out
}
