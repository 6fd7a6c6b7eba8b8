package review

import (
	"bytes"
	"encoding/json"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/WessleyAI/safetygraph/engine/domain"
)

// Fields compared word by word rather than as whole values.
var textFields = map[string]bool{
	"name":                      true,
	"description":               true,
	"text":                      true,
	"scenario":                  true,
	"hazard":                    true,
	"effect":                    true,
	"severity_rationale":        true,
	"exposure_rationale":        true,
	"controllability_rationale": true,
	"notes":                     true,
	"safe_state":                true,
	"driving_condition":         true,
}

// Reference fields rendered as edges, and the label each edge carries.
var edgeFields = map[string]string{
	"children":        "child",
	"parent_id":       "part_of",
	"component_id":    "failure_mode_of",
	"decomposed_into": "decomposes",
}

const allocationField = "requirement_ids"

// Element is one flattened entity.
type Element struct {
	Kind        domain.Kind       `json:"kind"`
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	Fields      map[string]string `json:"fields"`
	Allocations []string          `json:"allocations,omitempty"`
}

// Edge is a directed structural link between two elements.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label"`
}

// Graph is the flattened form of an analysis that diffs and figures are
// built from.
type Graph struct {
	Elements map[string]Element `json:"elements"`
	Edges    []Edge             `json:"edges"`
}

// Flatten breaks an analysis into comparable elements and edges. Scalar
// fields keep their JSON encoding; text fields hold the decoded string.
func Flatten(a domain.Analysis) Graph {
	g := Graph{Elements: map[string]Element{}}
	add := func(kind domain.Kind, id string, v any) {
		raw, err := json.Marshal(v)
		if err != nil {
			return
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return
		}
		el := Element{Kind: kind, ID: id, Fields: map[string]string{}}
		for k, val := range fields {
			switch {
			case k == "id":
			case k == allocationField:
				_ = json.Unmarshal(val, &el.Allocations)
				slices.Sort(el.Allocations)
			case edgeFields[k] != "":
				for _, to := range decodeRefs(val) {
					if k == "parent_id" || k == "component_id" {
						g.Edges = append(g.Edges, Edge{From: to, To: id, Label: edgeFields[k]})
					} else {
						g.Edges = append(g.Edges, Edge{From: id, To: to, Label: edgeFields[k]})
					}
				}
			default:
				el.Fields[k] = renderValue(val)
			}
		}
		el.Name = el.Fields["name"]
		g.Elements[id] = el
	}
	for id, v := range a.HazopDocs {
		add(domain.KindHazopDoc, id, v)
	}
	for id, v := range a.Functions {
		add(domain.KindFunction, id, v)
	}
	for id, v := range a.Malfunctions {
		add(domain.KindMalfunction, id, v)
	}
	for id, v := range a.HaraDocs {
		add(domain.KindHaraDoc, id, v)
	}
	for id, v := range a.HaraRows {
		add(domain.KindHaraRow, id, v)
	}
	for id, v := range a.SafetyGoals {
		add(domain.KindSafetyGoal, id, v)
	}
	for id, v := range a.Components {
		add(domain.KindComponent, id, v)
	}
	for id, v := range a.FailureModes {
		add(domain.KindFailureMode, id, v)
	}
	for id, v := range a.FaultTreeNodes {
		add(domain.KindFaultTreeNode, id, v)
	}
	for id, v := range a.Requirements {
		add(domain.KindRequirement, id, v)
		// requirements are named by their text
		if el := g.Elements[id]; el.Name == "" {
			el.Name = v.Text
			g.Elements[id] = el
		}
	}
	for id, v := range a.MissionProfiles {
		add(domain.KindMissionProfile, id, v)
	}
	slices.SortFunc(g.Edges, compareEdges)
	return g
}

func decodeRefs(raw json.RawMessage) []string {
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil && one != "" {
		return []string{one}
	}
	return nil
}

func renderValue(raw json.RawMessage) string {
	var s string
	if len(raw) > 0 && raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func compareEdges(a, b Edge) int {
	if c := strings.Compare(a.From, b.From); c != 0 {
		return c
	}
	if c := strings.Compare(a.To, b.To); c != 0 {
		return c
	}
	return strings.Compare(a.Label, b.Label)
}

// SpanOp marks a run of words as kept, inserted or deleted.
type SpanOp string

const (
	SpanEqual  SpanOp = "equal"
	SpanInsert SpanOp = "insert"
	SpanDelete SpanOp = "delete"
)

// Span is a run of text in a word-level change.
type Span struct {
	Op   SpanOp `json:"op"`
	Text string `json:"text"`
}

// FieldChange is the old and new value of one field. Text fields also carry
// word spans.
type FieldChange struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
	Spans []Span `json:"spans,omitempty"`
}

// ElementRef names an added or removed element.
type ElementRef struct {
	Kind domain.Kind `json:"kind"`
	ID   string      `json:"id"`
	Name string      `json:"name,omitempty"`
}

// Modification lists the field changes of an element present on both sides.
type Modification struct {
	Kind    domain.Kind   `json:"kind"`
	ID      string        `json:"id"`
	Name    string        `json:"name,omitempty"`
	Changes []FieldChange `json:"changes"`
}

// AllocationChange reports requirements newly allocated to or removed from
// an element.
type AllocationChange struct {
	ElementID string   `json:"element_id"`
	Added     []string `json:"added,omitempty"`
	Removed   []string `json:"removed,omitempty"`
}

// Result is the difference between two states of a scope.
type Result struct {
	From         string             `json:"from"`
	To           string             `json:"to"`
	FromRevision uint64             `json:"from_revision"`
	ToRevision   uint64             `json:"to_revision"`
	Identical    bool               `json:"identical"`
	Unchanged    bool               `json:"unchanged"`
	Added        []ElementRef       `json:"added,omitempty"`
	Removed      []ElementRef       `json:"removed,omitempty"`
	Modified     []Modification     `json:"modified,omitempty"`
	AddedEdges   []Edge             `json:"added_edges,omitempty"`
	RemovedEdges []Edge             `json:"removed_edges,omitempty"`
	Allocations  []AllocationChange `json:"allocations,omitempty"`
}

// Empty reports whether the two sides differ in nothing.
func (r *Result) Empty() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0 && len(r.Modified) == 0 &&
		len(r.AddedEdges) == 0 && len(r.RemovedEdges) == 0 && len(r.Allocations) == 0
}

// Compare diffs two analyses. Elements are matched by id.
func Compare(before, after domain.Analysis) *Result {
	return compareGraphs(Flatten(before), Flatten(after))
}

func compareGraphs(before, after Graph) *Result {
	r := &Result{}
	for _, id := range slices.Sorted(maps.Keys(after.Elements)) {
		el := after.Elements[id]
		old, ok := before.Elements[id]
		if !ok {
			r.Added = append(r.Added, ElementRef{Kind: el.Kind, ID: id, Name: el.Name})
			continue
		}
		if changes := compareFields(old.Fields, el.Fields); len(changes) > 0 {
			r.Modified = append(r.Modified, Modification{Kind: el.Kind, ID: id, Name: el.Name, Changes: changes})
		}
	}
	for _, id := range slices.Sorted(maps.Keys(before.Elements)) {
		if _, ok := after.Elements[id]; !ok {
			el := before.Elements[id]
			r.Removed = append(r.Removed, ElementRef{Kind: el.Kind, ID: id, Name: el.Name})
		}
	}
	r.AddedEdges, r.RemovedEdges = edgeDelta(before.Edges, after.Edges)
	r.Allocations = allocationDelta(before.Elements, after.Elements)
	r.Identical = r.Empty()
	return r
}

func compareFields(old, cur map[string]string) []FieldChange {
	keys := map[string]bool{}
	for k := range old {
		keys[k] = true
	}
	for k := range cur {
		keys[k] = true
	}
	var out []FieldChange
	for _, k := range slices.Sorted(maps.Keys(keys)) {
		a, b := old[k], cur[k]
		if a == b {
			continue
		}
		fc := FieldChange{Field: k, Old: a, New: b}
		if textFields[k] {
			fc.Spans = WordSpans(a, b)
		}
		out = append(out, fc)
	}
	return out
}

func edgeDelta(before, after []Edge) (added, removed []Edge) {
	for _, e := range after {
		if !slices.Contains(before, e) {
			added = append(added, e)
		}
	}
	for _, e := range before {
		if !slices.Contains(after, e) {
			removed = append(removed, e)
		}
	}
	return added, removed
}

// allocationDelta compares the requirement allocation of every element on
// either side. A missing side counts as allocating nothing.
func allocationDelta(before, after map[string]Element) []AllocationChange {
	ids := map[string]bool{}
	for id, el := range before {
		if len(el.Allocations) > 0 {
			ids[id] = true
		}
	}
	for id, el := range after {
		if len(el.Allocations) > 0 {
			ids[id] = true
		}
	}
	var out []AllocationChange
	for _, id := range slices.Sorted(maps.Keys(ids)) {
		old, cur := before[id].Allocations, after[id].Allocations
		var ch AllocationChange
		for _, r := range cur {
			if !slices.Contains(old, r) {
				ch.Added = append(ch.Added, r)
			}
		}
		for _, r := range old {
			if !slices.Contains(cur, r) {
				ch.Removed = append(ch.Removed, r)
			}
		}
		if len(ch.Added) > 0 || len(ch.Removed) > 0 {
			ch.ElementID = id
			out = append(out, ch)
		}
	}
	return out
}

var wordRe = regexp.MustCompile(`\s+|[^\s]+`)

// WordSpans returns the word-level edit of old into new. Whitespace runs are
// tokens too, so joining the equal and insert spans yields new. The edit keeps
// a longest common subsequence of tokens, so no shorter edit exists.
func WordSpans(old, cur string) []Span {
	a, b := wordRe.FindAllString(old, -1), wordRe.FindAllString(cur, -1)
	var out []Span
	emit := func(op SpanOp, word string) {
		if n := len(out); n > 0 && out[n-1].Op == op {
			out[n-1].Text += word
			return
		}
		out = append(out, Span{Op: op, Text: word})
	}
	// lcs[i][j] is the common subsequence length of a[i:] and b[j:].
	lcs := make([][]int, len(a)+1)
	for i := range lcs {
		lcs[i] = make([]int, len(b)+1)
	}
	for i := len(a) - 1; i >= 0; i-- {
		for j := len(b) - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case i < len(a) && j < len(b) && a[i] == b[j]:
			emit(SpanEqual, a[i])
			i++
			j++
		case i < len(a) && (j == len(b) || lcs[i+1][j] >= lcs[i][j+1]):
			emit(SpanDelete, a[i])
			i++
		default:
			emit(SpanInsert, b[j])
			j++
		}
	}
	return out
}
