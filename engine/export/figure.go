package export

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/WessleyAI/safetygraph/engine/domain"
	"github.com/WessleyAI/safetygraph/engine/review"
)

// Status marks how an element or edge changed between two states.
type Status string

const (
	StatusUnchanged Status = "unchanged"
	StatusAdded     Status = "added"
	StatusRemoved   Status = "removed"
	StatusModified  Status = "modified"
)

// FigureNode is an element of the merged before/after graph.
type FigureNode struct {
	review.Element
	Status             Status               `json:"status"`
	Changes            []review.FieldChange `json:"changes,omitempty"`
	AllocationsAdded   []string             `json:"allocations_added,omitempty"`
	AllocationsRemoved []string             `json:"allocations_removed,omitempty"`
}

// FigureEdge is an edge of the merged graph.
type FigureEdge struct {
	review.Edge
	Status Status `json:"status"`
}

// Figure is the data a diff drawing is made from: both states merged into
// one graph with every node and edge tagged.
type Figure struct {
	From  string       `json:"from"`
	To    string       `json:"to"`
	Nodes []FigureNode `json:"nodes"`
	Edges []FigureEdge `json:"edges"`
}

// NewFigure merges before and after using res for the tags. A nil res is
// computed from the two analyses.
func NewFigure(before, after domain.Analysis, res *review.Result) Figure {
	if res == nil {
		res = review.Compare(before, after)
	}
	bg, ag := review.Flatten(before), review.Flatten(after)
	f := Figure{From: res.From, To: res.To}

	added := map[string]bool{}
	for _, r := range res.Added {
		added[r.ID] = true
	}
	removed := map[string]bool{}
	for _, r := range res.Removed {
		removed[r.ID] = true
	}
	modified := map[string][]review.FieldChange{}
	for _, m := range res.Modified {
		modified[m.ID] = m.Changes
	}
	allocs := map[string]review.AllocationChange{}
	for _, a := range res.Allocations {
		allocs[a.ElementID] = a
	}

	ids := slices.Collect(maps.Keys(ag.Elements))
	for id := range bg.Elements {
		if _, ok := ag.Elements[id]; !ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	for _, id := range ids {
		el, ok := ag.Elements[id]
		if !ok {
			el = bg.Elements[id]
		}
		n := FigureNode{Element: el, Status: StatusUnchanged}
		switch {
		case added[id]:
			n.Status = StatusAdded
		case removed[id]:
			n.Status = StatusRemoved
		case modified[id] != nil:
			n.Status, n.Changes = StatusModified, modified[id]
		}
		if a, ok := allocs[id]; ok {
			n.AllocationsAdded, n.AllocationsRemoved = a.Added, a.Removed
			if n.Status == StatusUnchanged {
				n.Status = StatusModified
			}
		}
		f.Nodes = append(f.Nodes, n)
	}

	key := func(e review.Edge) string { return e.From + "\x00" + e.Label + "\x00" + e.To }
	tag := map[string]Status{}
	for _, e := range res.AddedEdges {
		tag[key(e)] = StatusAdded
	}
	for _, e := range res.RemovedEdges {
		tag[key(e)] = StatusRemoved
	}
	seen := map[string]bool{}
	for _, e := range append(slices.Clone(ag.Edges), bg.Edges...) {
		k := key(e)
		if seen[k] {
			continue
		}
		seen[k] = true
		s, ok := tag[k]
		if !ok {
			s = StatusUnchanged
		}
		f.Edges = append(f.Edges, FigureEdge{Edge: e, Status: s})
	}
	slices.SortFunc(f.Edges, func(a, b FigureEdge) int { return strings.Compare(key(a.Edge), key(b.Edge)) })
	return f
}

// Changed reports whether any node or edge is tagged other than unchanged.
func (f Figure) Changed() bool {
	for _, n := range f.Nodes {
		if n.Status != StatusUnchanged {
			return true
		}
	}
	for _, e := range f.Edges {
		if e.Status != StatusUnchanged {
			return true
		}
	}
	return false
}

var dotColor = map[Status]string{
	StatusUnchanged: "black",
	StatusAdded:     "darkgreen",
	StatusRemoved:   "red",
	StatusModified:  "orange",
}

// WriteDOT renders the figure as a Graphviz digraph.
func (f Figure) WriteDOT(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "digraph %q {\n  rankdir=LR;\n  node [shape=box];\n", f.From+" -> "+f.To)
	for _, n := range f.Nodes {
		label := n.Name
		if label == "" {
			label = n.ID
		}
		style := ""
		if n.Status == StatusRemoved {
			style = ", style=dashed"
		}
		fmt.Fprintf(&b, "  %q [label=%q, color=%s%s];\n", n.ID, string(n.Kind)+"\n"+label, dotColor[n.Status], style)
	}
	for _, e := range f.Edges {
		fmt.Fprintf(&b, "  %q -> %q [label=%q, color=%s];\n", e.From, e.To, e.Label, dotColor[e.Status])
	}
	b.WriteString("}\n")
	_, err := io.WriteString(w, b.String())
	return err
}
