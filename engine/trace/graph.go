package trace

import (
	"cmp"
	"slices"

	"github.com/WessleyAI/safetygraph/engine/domain"
	"github.com/WessleyAI/safetygraph/pkg/repo"
)

// Node is the projected form of one entity.
type Node struct {
	ID          string
	Kind        domain.Kind
	Name        string
	ASIL        domain.ASIL
	Status      string
	FIT         float64
	Probability *float64
}

// Relationship types written to the projection.
const (
	RelContains      = "CONTAINS"
	RelAffects       = "AFFECTS"
	RelCoveredBy     = "COVERED_BY"
	RelSelects       = "SELECTS"
	RelRates         = "RATES"
	RelAssigns       = "ASSIGNS"
	RelTraces        = "TRACES"
	RelDecomposes    = "DECOMPOSES_INTO"
	RelAllocatedTo   = "ALLOCATED_TO"
	RelPartOf        = "PART_OF"
	RelOf            = "OF"
	RelCausedBy      = "CAUSED_BY"
	RelViolates      = "VIOLATES"
	RelAllocates     = "ALLOCATES"
	RelChild         = "CHILD"
	RelTopOf         = "TOP_OF"
	RelDrawsFIT      = "DRAWS_FIT"
	RelScopes        = "SCOPES"
	RelBaselinedWith = "BASELINED_WITH"
)

var labels = map[domain.Kind]string{
	domain.KindHazopDoc:       "HazopDoc",
	domain.KindFunction:       "Function",
	domain.KindMalfunction:    "Malfunction",
	domain.KindHaraDoc:        "HaraDoc",
	domain.KindHaraRow:        "HaraRow",
	domain.KindSafetyGoal:     "SafetyGoal",
	domain.KindComponent:      "Component",
	domain.KindFailureMode:    "FailureMode",
	domain.KindFaultTreeNode:  "FaultTreeNode",
	domain.KindRequirement:    "Requirement",
	domain.KindMissionProfile: "MissionProfile",
	domain.KindReview:         "Review",
	domain.KindSnapshot:       "Snapshot",
}

// Label returns the node label of kind.
func Label(kind domain.Kind) string { return labels[kind] }

// Labels lists every projected label in a stable order.
func Labels() []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		out = append(out, l)
	}
	slices.Sort(out)
	return out
}

type relKey struct {
	From, Rel, To string
}

// plan is the projection of one model revision.
type plan struct {
	nodes map[string][]Node
	edges map[relKey][]repo.Pair[string]
	rels  map[string][]string // from label -> relationship types it owns
}

func newPlan() *plan {
	return &plan{
		nodes: make(map[string][]Node),
		edges: make(map[relKey][]repo.Pair[string]),
		rels:  make(map[string][]string),
	}
}

func (p *plan) node(n Node) {
	l := Label(n.Kind)
	p.nodes[l] = append(p.nodes[l], n)
}

func (p *plan) edge(fromKind domain.Kind, from, rel string, toKind domain.Kind, to string) {
	if from == "" || to == "" || toKind == "" {
		return
	}
	k := relKey{From: Label(fromKind), Rel: rel, To: Label(toKind)}
	p.edges[k] = append(p.edges[k], repo.Pair[string]{From: from, To: to})
}

func (p *plan) edgesTo(fromKind domain.Kind, from, rel string, toKind domain.Kind, to []string) {
	for _, t := range to {
		p.edge(fromKind, from, rel, toKind, t)
	}
}

// owned declares the relationship types each label owns. Every owned type is
// cleared before it is rewritten, so edges removed from the model disappear
// from the projection.
var owned = map[string][]string{
	"HazopDoc":      {RelContains},
	"HaraDoc":       {RelContains, RelSelects},
	"Malfunction":   {RelAffects, RelCoveredBy},
	"Function":      {RelAllocatedTo},
	"HaraRow":       {RelRates, RelAssigns},
	"Requirement":   {RelTraces, RelDecomposes},
	"Component":     {RelPartOf},
	"FailureMode":   {RelOf, RelCausedBy, RelViolates, RelAllocates},
	"FaultTreeNode": {RelChild, RelTopOf, RelDrawsFIT, RelAllocates},
	"Review":        {RelScopes, RelBaselinedWith},
}

func sortedValues[V any](m map[string]V) []V {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]V, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out
}

// build flattens the model into nodes and typed edges.
func build(m *domain.Model) *plan {
	p := newPlan()
	for l, rels := range owned {
		p.rels[l] = rels
	}

	for _, v := range sortedValues(m.HazopDocs) {
		p.node(Node{ID: v.ID, Kind: domain.KindHazopDoc, Name: v.Name})
	}
	for _, v := range sortedValues(m.Functions) {
		p.node(Node{ID: v.ID, Kind: domain.KindFunction, Name: v.Name})
		p.edge(domain.KindFunction, v.ID, RelAllocatedTo, domain.KindComponent, v.Allocation)
	}
	for _, v := range sortedValues(m.Malfunctions) {
		p.node(Node{ID: v.ID, Kind: domain.KindMalfunction, Name: string(v.Guideword) + " " + v.Hazard})
		p.edge(domain.KindHazopDoc, v.HazopID, RelContains, domain.KindMalfunction, v.ID)
		p.edge(domain.KindMalfunction, v.ID, RelAffects, domain.KindFunction, v.FunctionID)
		p.edge(domain.KindMalfunction, v.ID, RelCoveredBy, domain.KindMalfunction, v.CoveredBy)
	}
	for _, v := range sortedValues(m.HaraDocs) {
		p.node(Node{ID: v.ID, Kind: domain.KindHaraDoc, Name: v.Name})
		p.edgesTo(domain.KindHaraDoc, v.ID, RelSelects, domain.KindHazopDoc, v.HazopIDs)
	}
	for _, v := range sortedValues(m.HaraRows) {
		p.node(Node{ID: v.ID, Kind: domain.KindHaraRow, Name: v.Hazard, ASIL: v.ASIL})
		p.edge(domain.KindHaraDoc, v.HaraID, RelContains, domain.KindHaraRow, v.ID)
		p.edge(domain.KindHaraRow, v.ID, RelRates, domain.KindMalfunction, v.MalfunctionID)
		p.edge(domain.KindHaraRow, v.ID, RelAssigns, domain.KindSafetyGoal, v.SafetyGoalID)
	}
	for _, v := range sortedValues(m.SafetyGoals) {
		p.node(Node{ID: v.ID, Kind: domain.KindSafetyGoal, Name: v.Name, ASIL: v.ASIL})
	}
	for _, v := range sortedValues(m.Components) {
		p.node(Node{ID: v.ID, Kind: domain.KindComponent, Name: v.Name, FIT: v.FIT})
		p.edge(domain.KindComponent, v.ID, RelPartOf, domain.KindComponent, v.ParentID)
	}
	for _, v := range sortedValues(m.FailureModes) {
		p.node(Node{ID: v.ID, Kind: domain.KindFailureMode, Name: v.Description, FIT: v.FIT})
		p.edge(domain.KindFailureMode, v.ID, RelOf, domain.KindComponent, v.ComponentID)
		p.edgesTo(domain.KindFailureMode, v.ID, RelCausedBy, domain.KindMalfunction, v.MalfunctionIDs)
		p.edge(domain.KindFailureMode, v.ID, RelViolates, domain.KindSafetyGoal, v.SafetyGoalID)
		p.edgesTo(domain.KindFailureMode, v.ID, RelAllocates, domain.KindRequirement, v.RequirementIDs)
	}
	for _, v := range sortedValues(m.FaultTreeNodes) {
		p.node(Node{ID: v.ID, Kind: domain.KindFaultTreeNode, Name: v.Name, ASIL: v.ASIL, FIT: v.FIT, Probability: v.Probability})
		p.edgesTo(domain.KindFaultTreeNode, v.ID, RelChild, domain.KindFaultTreeNode, v.Children)
		p.edge(domain.KindFaultTreeNode, v.ID, RelTopOf, domain.KindSafetyGoal, v.SafetyGoalID)
		p.edge(domain.KindFaultTreeNode, v.ID, RelDrawsFIT, domain.KindFailureMode, v.FailureModeID)
		p.edgesTo(domain.KindFaultTreeNode, v.ID, RelAllocates, domain.KindRequirement, v.RequirementIDs)
	}
	for _, v := range sortedValues(m.Requirements) {
		p.node(Node{ID: v.ID, Kind: domain.KindRequirement, Name: v.Text, ASIL: v.ASIL, Status: string(v.Status)})
		p.edgesTo(domain.KindRequirement, v.ID, RelTraces, domain.KindSafetyGoal, v.SafetyGoalIDs)
		p.edgesTo(domain.KindRequirement, v.ID, RelDecomposes, domain.KindRequirement, v.DecomposedInto)
	}
	for _, v := range sortedValues(m.MissionProfiles) {
		p.node(Node{ID: v.ID, Kind: domain.KindMissionProfile, Name: v.Name})
	}
	for _, v := range sortedValues(m.Reviews) {
		p.node(Node{ID: v.ID, Kind: domain.KindReview, Name: v.Name, Status: string(v.Status)})
		for _, id := range v.Scope {
			p.edge(domain.KindReview, v.ID, RelScopes, m.KindOf(id), id)
		}
		p.edge(domain.KindReview, v.ID, RelBaselinedWith, domain.KindSnapshot, v.BaselineID)
	}
	for _, v := range sortedValues(m.Snapshots) {
		p.node(Node{ID: v.ID, Kind: domain.KindSnapshot, Name: v.Label})
	}
	return p
}

// edgeGroups returns the edge groups owned by label in a stable order.
func (p *plan) edgeGroups(label string) []relKey {
	var keys []relKey
	for k := range p.edges {
		if k.From == label {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b relKey) int {
		return cmp.Or(cmp.Compare(a.Rel, b.Rel), cmp.Compare(a.To, b.To))
	})
	return keys
}

func (p *plan) counts() (nodes, edges int) {
	for _, ns := range p.nodes {
		nodes += len(ns)
	}
	for _, es := range p.edges {
		edges += len(es)
	}
	return nodes, edges
}
