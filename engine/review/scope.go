package review

import (
	"maps"
	"slices"

	"github.com/WessleyAI/safetygraph/engine/domain"
	"github.com/WessleyAI/safetygraph/engine/graph"
)

// Closure resolves a declared scope to every id a review covers: a fault-tree
// node brings its subtree, a component its failure modes, and every resolved
// element brings the requirements allocated to it. The result is sorted.
func Closure(m *domain.Model, scope []string) []string {
	in := map[string]bool{}
	for _, id := range scope {
		switch m.KindOf(id) {
		case domain.KindFaultTreeNode:
			for _, n := range graph.Subtree(m, id) {
				in[n] = true
			}
		case domain.KindComponent:
			in[id] = true
			for fid, fm := range m.FailureModes {
				if fm.ComponentID == id {
					in[fid] = true
				}
			}
		case domain.KindFailureMode, domain.KindRequirement:
			in[id] = true
		}
	}
	for id := range maps.Clone(in) {
		var reqs []string
		if n, ok := m.FaultTreeNodes[id]; ok {
			reqs = n.RequirementIDs
		} else if fm, ok := m.FailureModes[id]; ok {
			reqs = fm.RequirementIDs
		}
		for _, r := range reqs {
			in[r] = true
		}
	}
	return slices.Sorted(maps.Keys(in))
}

// Extract copies the part of m named by closure. An empty closure copies the
// whole analysis.
func Extract(m *domain.Model, closure []string) domain.Analysis {
	if len(closure) == 0 {
		return m.Analysis.Clone()
	}
	out := domain.NewAnalysis()
	for _, id := range closure {
		if v, ok := m.FaultTreeNodes[id]; ok {
			out.FaultTreeNodes[id] = v.Clone()
		}
		if v, ok := m.FailureModes[id]; ok {
			out.FailureModes[id] = v.Clone()
		}
		if v, ok := m.Components[id]; ok {
			out.Components[id] = v.Clone()
		}
		if v, ok := m.Requirements[id]; ok {
			out.Requirements[id] = v.Clone()
		}
	}
	return out
}

// covers reports whether every id of inner is in outer.
func covers(outer, inner []string) bool {
	for _, id := range inner {
		if _, ok := slices.BinarySearch(outer, id); !ok {
			return false
		}
	}
	return true
}
