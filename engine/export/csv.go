// Package export renders analyses for readers outside the store: CSV tables,
// review diff figures and review summary mail.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/WessleyAI/safetygraph/engine/domain"
)

// Table is a named CSV table.
type Table struct {
	Name   string
	Header []string
	Rows   [][]string
}

// WriteCSV writes the header then every row.
func (t Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return fmt.Errorf("export: %s: %w", t.Name, err)
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("export: %s: %w", t.Name, err)
	}
	return nil
}

// Bytes returns the CSV encoding of t.
func (t Table) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := t.WriteCSV(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func num(f float64) string { return strconv.FormatFloat(f, 'f', 2, 64) }

func sortedIDs[V any](m map[string]V) []string { return slices.Sorted(maps.Keys(m)) }

// malfunctionLabel reads as "<guideword> <function>", e.g. "Unintended braking".
func malfunctionLabel(a domain.Analysis, id string) string {
	mf, ok := a.Malfunctions[id]
	if !ok {
		return id
	}
	if fn, ok := a.Functions[mf.FunctionID]; ok {
		return string(mf.Guideword) + " " + fn.Name
	}
	return string(mf.Guideword)
}

func goalName(a domain.Analysis, id string) string {
	if g, ok := a.SafetyGoals[id]; ok {
		return g.Name
	}
	return id
}

// HazopTable lists the malfunctions of one HAZOP document.
func HazopTable(a domain.Analysis, hazopID string) (Table, error) {
	doc, ok := a.HazopDocs[hazopID]
	if !ok {
		return Table{}, domain.NotFound(domain.KindHazopDoc, hazopID)
	}
	t := Table{
		Name:   "hazop_" + doc.Name,
		Header: []string{"Function", "Malfunction", "Scenario", "Conditions", "Hazard", "Safety", "Covered", "Covered By"},
	}
	for _, id := range sortedIDs(a.Malfunctions) {
		mf := a.Malfunctions[id]
		if mf.HazopID != hazopID {
			continue
		}
		fn := mf.FunctionID
		if f, ok := a.Functions[fn]; ok {
			fn = f.Name
		}
		coveredBy := ""
		if mf.CoveredBy != "" {
			coveredBy = malfunctionLabel(a, mf.CoveredBy)
		}
		t.Rows = append(t.Rows, []string{
			fn, string(mf.Guideword), mf.Scenario, mf.DrivingCondition, mf.Hazard,
			yesNo(mf.SafetyRelevant), yesNo(mf.CoveredBy != ""), coveredBy,
		})
	}
	return t, nil
}

// HaraTable lists the rows of one HARA document with their risk rating.
func HaraTable(a domain.Analysis, haraID string) (Table, error) {
	doc, ok := a.HaraDocs[haraID]
	if !ok {
		return Table{}, domain.NotFound(domain.KindHaraDoc, haraID)
	}
	t := Table{
		Name: "hara_" + doc.Name,
		Header: []string{
			"Malfunction", "Severity", "Severity Rationale", "Controllability", "Cont. Rationale",
			"Exposure", "Exp. Rationale", "ASIL", "Safety Goal",
		},
	}
	for _, id := range sortedIDs(a.HaraRows) {
		row := a.HaraRows[id]
		if row.HaraID != haraID {
			continue
		}
		t.Rows = append(t.Rows, []string{
			malfunctionLabel(a, row.MalfunctionID),
			strconv.Itoa(row.Severity), row.SeverityRationale,
			strconv.Itoa(row.Controllability), row.ControllabilityRationale,
			strconv.Itoa(row.Exposure), row.ExposureRationale,
			string(row.ASIL), goalName(a, row.SafetyGoalID),
		})
	}
	return t, nil
}

// HazardTable lists every rated hazard across HARA documents.
func HazardTable(a domain.Analysis) Table {
	t := Table{
		Name:   "hazards",
		Header: []string{"HARA", "Row", "Hazard", "Malfunction", "S", "C", "E", "ASIL", "Safety Goal"},
	}
	for _, id := range sortedIDs(a.HaraRows) {
		row := a.HaraRows[id]
		hara := row.HaraID
		if d, ok := a.HaraDocs[hara]; ok {
			hara = d.Name
		}
		hazard := row.Hazard
		if hazard == "" {
			hazard = a.Malfunctions[row.MalfunctionID].Hazard
		}
		mf := ""
		if row.MalfunctionID != "" {
			mf = malfunctionLabel(a, row.MalfunctionID)
		}
		t.Rows = append(t.Rows, []string{
			hara, id, hazard, mf,
			strconv.Itoa(row.Severity), strconv.Itoa(row.Controllability), strconv.Itoa(row.Exposure),
			string(row.ASIL), goalName(a, row.SafetyGoalID),
		})
	}
	return t
}

// FMEDATable lists failure modes with their derived FIT and diagnostic
// attributes.
func FMEDATable(a domain.Analysis) Table {
	t := Table{
		Name: "fmeda",
		Header: []string{
			"Component", "Parent", "Failure Mode", "Malfunction", "Safety Goal",
			"FaultType", "Fraction", "FIT", "DiagCov", "Requirements",
		},
	}
	for _, id := range sortedIDs(a.FailureModes) {
		fm := a.FailureModes[id]
		comp := a.Components[fm.ComponentID]
		parent := ""
		if p, ok := a.Components[comp.ParentID]; ok {
			parent = p.Name
		}
		mfs := make([]string, 0, len(fm.MalfunctionIDs))
		for _, m := range fm.MalfunctionIDs {
			mfs = append(mfs, malfunctionLabel(a, m))
		}
		desc := fm.Description
		if desc == "" {
			desc = id
		}
		t.Rows = append(t.Rows, []string{
			comp.Name, parent, desc, strings.Join(mfs, ";"), goalName(a, fm.SafetyGoalID),
			string(fm.FaultType), num(fm.FaultFraction), num(fm.FIT), num(fm.DiagnosticCoverage),
			strings.Join(fm.RequirementIDs, ";"),
		})
	}
	return t
}

// RequirementTable lists requirements with their level, status and
// decomposition lineage.
func RequirementTable(a domain.Analysis) Table {
	t := Table{
		Name:   "requirements",
		Header: []string{"ID", "Type", "ASIL", "Status", "Text", "Safety Goals", "Decomposed From", "Partner"},
	}
	for _, id := range sortedIDs(a.Requirements) {
		r := a.Requirements[id]
		goals := make([]string, 0, len(r.SafetyGoalIDs))
		for _, g := range r.SafetyGoalIDs {
			goals = append(goals, goalName(a, g))
		}
		t.Rows = append(t.Rows, []string{
			id, string(r.Type), string(r.ASIL), string(r.Status), r.Text,
			strings.Join(goals, ";"), r.DecomposedFrom, r.DecompositionPartner,
		})
	}
	return t
}

// AllocationTable lists, per safety goal, the requirements traced to it and
// the fault-tree nodes and failure modes each is allocated to.
func AllocationTable(a domain.Analysis) Table {
	t := Table{
		Name:   "allocations",
		Header: []string{"Safety Goal", "Goal ASIL", "Requirement", "Requirement ASIL", "Status", "Allocated To"},
	}
	alloc := map[string][]string{}
	for _, id := range sortedIDs(a.FaultTreeNodes) {
		for _, r := range a.FaultTreeNodes[id].RequirementIDs {
			alloc[r] = append(alloc[r], a.FaultTreeNodes[id].Name)
		}
	}
	for _, id := range sortedIDs(a.FailureModes) {
		for _, r := range a.FailureModes[id].RequirementIDs {
			alloc[r] = append(alloc[r], id)
		}
	}
	for _, gid := range sortedIDs(a.SafetyGoals) {
		g := a.SafetyGoals[gid]
		for _, rid := range sortedIDs(a.Requirements) {
			r := a.Requirements[rid]
			if !slices.Contains(r.SafetyGoalIDs, gid) {
				continue
			}
			t.Rows = append(t.Rows, []string{
				g.Name, string(g.ASIL), rid, string(r.ASIL), string(r.Status), strings.Join(alloc[rid], ";"),
			})
		}
	}
	return t
}
