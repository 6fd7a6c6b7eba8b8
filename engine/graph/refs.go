package graph

import (
	"fmt"
	"slices"
	"sort"

	"github.com/WessleyAI/safetygraph/engine/domain"
)

// reference is an inbound edge to an entity. Owned references delete the
// referencing record on cascade; the rest are unlinked.
type reference struct {
	domain.Ref
	owned bool
}

// referencesTo lists every record pointing at id, sorted for stable errors.
func referencesTo(m *domain.Model, id string) []reference {
	var refs []reference
	add := func(kind domain.Kind, from, field string, owned bool) {
		refs = append(refs, reference{Ref: domain.Ref{Kind: kind, ID: from, Field: field}, owned: owned})
	}
	for _, v := range m.Functions {
		if v.Allocation == id {
			add(domain.KindFunction, v.ID, "allocation", false)
		}
	}
	for _, v := range m.Malfunctions {
		if v.HazopID == id {
			add(domain.KindMalfunction, v.ID, "hazop_id", true)
		}
		if v.FunctionID == id {
			add(domain.KindMalfunction, v.ID, "function_id", false)
		}
		if v.CoveredBy == id {
			add(domain.KindMalfunction, v.ID, "covered_by", false)
		}
	}
	for _, v := range m.HaraDocs {
		if slices.Contains(v.HazopIDs, id) {
			add(domain.KindHaraDoc, v.ID, "hazop_ids", false)
		}
	}
	for _, v := range m.HaraRows {
		if v.HaraID == id {
			add(domain.KindHaraRow, v.ID, "hara_id", true)
		}
		if v.MalfunctionID == id {
			add(domain.KindHaraRow, v.ID, "malfunction_id", false)
		}
		if v.SafetyGoalID == id {
			add(domain.KindHaraRow, v.ID, "safety_goal_id", false)
		}
	}
	for _, v := range m.Components {
		if v.ParentID == id {
			add(domain.KindComponent, v.ID, "parent_id", false)
		}
	}
	for _, v := range m.FailureModes {
		if v.ComponentID == id {
			add(domain.KindFailureMode, v.ID, "component_id", true)
		}
		if v.FunctionID == id {
			add(domain.KindFailureMode, v.ID, "function_id", false)
		}
		if v.SafetyGoalID == id {
			add(domain.KindFailureMode, v.ID, "safety_goal_id", false)
		}
		if slices.Contains(v.MalfunctionIDs, id) {
			add(domain.KindFailureMode, v.ID, "malfunction_ids", false)
		}
		if slices.Contains(v.RequirementIDs, id) {
			add(domain.KindFailureMode, v.ID, "requirement_ids", false)
		}
	}
	for _, v := range m.FaultTreeNodes {
		if slices.Contains(v.Children, id) {
			add(domain.KindFaultTreeNode, v.ID, "children", false)
		}
		if v.SafetyGoalID == id {
			add(domain.KindFaultTreeNode, v.ID, "safety_goal_id", false)
		}
		if v.FailureModeID == id {
			add(domain.KindFaultTreeNode, v.ID, "failure_mode_id", false)
		}
		if slices.Contains(v.RequirementIDs, id) {
			add(domain.KindFaultTreeNode, v.ID, "requirement_ids", false)
		}
	}
	for _, v := range m.Requirements {
		if slices.Contains(v.SafetyGoalIDs, id) {
			add(domain.KindRequirement, v.ID, "safety_goal_ids", false)
		}
		if v.DecomposedFrom == id {
			add(domain.KindRequirement, v.ID, "decomposed_from", true)
		}
		if v.DecompositionPartner == id {
			add(domain.KindRequirement, v.ID, "decomposition_partner", false)
		}
		if slices.Contains(v.DecomposedInto, id) {
			add(domain.KindRequirement, v.ID, "decomposed_into", false)
		}
	}
	for _, v := range m.Reviews {
		if slices.Contains(v.Scope, id) {
			add(domain.KindReview, v.ID, "scope", false)
		}
	}
	if m.ActiveMissionProfile != "" && m.ActiveMissionProfile == id {
		add(KindProject, ProjectID, "active_mission_profile", false)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].ID != refs[j].ID {
			return refs[i].ID < refs[j].ID
		}
		return refs[i].Field < refs[j].Field
	})
	return refs
}

func without(ids []string, id string) []string {
	out := slices.DeleteFunc(slices.Clone(ids), func(s string) bool { return s == id })
	if len(out) == 0 {
		return nil
	}
	return out
}

// unlink removes the reference r to target, deleting the referencing record
// when it is owned by target.
func (tx *Tx) unlink(r reference, target string) error {
	if r.Kind != KindProject && tx.m.KindOf(r.ID) == "" {
		return nil // already removed by an earlier cascade step
	}
	if r.owned {
		return tx.Delete(r.ID, true)
	}
	m := tx.m
	switch r.Kind {
	case domain.KindFunction:
		v := m.Functions[r.ID]
		v.Allocation = ""
		return tx.PutFunction(v)
	case domain.KindMalfunction:
		v := m.Malfunctions[r.ID]
		if v.FunctionID == target {
			v.FunctionID = ""
		}
		if v.CoveredBy == target {
			v.CoveredBy = ""
		}
		return tx.PutMalfunction(v)
	case domain.KindHaraDoc:
		v := m.HaraDocs[r.ID].Clone()
		v.HazopIDs = without(v.HazopIDs, target)
		return tx.PutHaraDoc(v)
	case domain.KindHaraRow:
		v := m.HaraRows[r.ID]
		if v.MalfunctionID == target {
			v.MalfunctionID = ""
		}
		if v.SafetyGoalID == target {
			v.SafetyGoalID = ""
		}
		return tx.PutHaraRow(v)
	case domain.KindComponent:
		v := m.Components[r.ID].Clone()
		v.ParentID = ""
		return tx.PutComponent(v)
	case domain.KindFailureMode:
		v := m.FailureModes[r.ID].Clone()
		if v.FunctionID == target {
			v.FunctionID = ""
		}
		if v.SafetyGoalID == target {
			v.SafetyGoalID = ""
		}
		v.MalfunctionIDs = without(v.MalfunctionIDs, target)
		v.RequirementIDs = without(v.RequirementIDs, target)
		return tx.PutFailureMode(v)
	case domain.KindFaultTreeNode:
		v := m.FaultTreeNodes[r.ID].Clone()
		v.Children = without(v.Children, target)
		if v.SafetyGoalID == target {
			v.SafetyGoalID = ""
		}
		if v.FailureModeID == target {
			v.FailureModeID = ""
		}
		v.RequirementIDs = without(v.RequirementIDs, target)
		return tx.PutFaultTreeNode(v)
	case domain.KindRequirement:
		return tx.unlinkRequirement(r, target)
	case domain.KindReview:
		v := m.Reviews[r.ID].Clone()
		v.Scope = without(v.Scope, target)
		return tx.PutReview(v)
	case KindProject:
		m.ActiveMissionProfile = ""
		tx.record(KindProject, ProjectID, OpUpdated)
		return nil
	}
	return fmt.Errorf("graph: no unlink rule for %s", r)
}

// unlinkRequirement dissolves a decomposition when one of its members goes
// away: the parent loses its children list and the surviving sibling becomes
// an ordinary requirement again.
func (tx *Tx) unlinkRequirement(r reference, target string) error {
	v := tx.m.Requirements[r.ID].Clone()
	v.SafetyGoalIDs = without(v.SafetyGoalIDs, target)
	switch r.Field {
	case "decomposed_into":
		v.DecomposedInto = nil
	case "decomposition_partner":
		v.DecompositionPartner = ""
		v.DecomposedFrom = ""
	}
	return tx.PutRequirement(v)
}

// check validates the outgoing references of every entity touched by the
// transaction, plus the cross-entity rules those entities take part in.
func (tx *Tx) check() error {
	if tx.full {
		return CheckModel(tx.m)
	}
	c := checker{m: tx.m}
	rows := map[string]bool{}
	for _, ch := range tx.changes {
		if ch.Op == OpDeleted {
			continue
		}
		if err := c.entity(ch.Kind, ch.ID); err != nil {
			return err
		}
		switch ch.Kind {
		case domain.KindHaraRow:
			rows[ch.ID] = true
		case domain.KindHaraDoc:
			for _, row := range tx.m.HaraRows {
				if row.HaraID == ch.ID {
					rows[row.ID] = true
				}
			}
		case domain.KindMalfunction:
			for _, row := range tx.m.HaraRows {
				if row.MalfunctionID == ch.ID {
					rows[row.ID] = true
				}
			}
		}
	}
	for _, id := range sortedKeys(rows) {
		if err := c.haraRowSource(tx.m.HaraRows[id]); err != nil {
			return err
		}
	}
	if err := c.acyclicTree(); err != nil {
		return err
	}
	return c.acyclicBOM()
}

// CheckModel validates every record of m, as done on load.
func CheckModel(m *domain.Model) error {
	c := checker{m: m}
	for _, kind := range []domain.Kind{
		domain.KindHazopDoc, domain.KindFunction, domain.KindMalfunction, domain.KindHaraDoc,
		domain.KindHaraRow, domain.KindSafetyGoal, domain.KindComponent, domain.KindFailureMode,
		domain.KindFaultTreeNode, domain.KindRequirement, domain.KindMissionProfile,
		domain.KindReview, domain.KindSnapshot,
	} {
		for _, id := range idsOf(m, kind) {
			if err := c.fields(kind, id); err != nil {
				return err
			}
			if err := c.entity(kind, id); err != nil {
				return err
			}
		}
	}
	for _, id := range sortedKeys(m.HaraRows) {
		if err := c.haraRowSource(m.HaraRows[id]); err != nil {
			return err
		}
	}
	if err := c.acyclicTree(); err != nil {
		return err
	}
	if err := c.acyclicBOM(); err != nil {
		return err
	}
	if m.ActiveMissionProfile != "" {
		if _, ok := m.MissionProfiles[m.ActiveMissionProfile]; !ok {
			return &domain.ReferentialIntegrityError{Entity: KindProject, ID: ProjectID, Field: "active_mission_profile", Missing: m.ActiveMissionProfile}
		}
	}
	return nil
}

type checker struct{ m *domain.Model }

func (c checker) missing(kind domain.Kind, id, field, target string) error {
	return &domain.ReferentialIntegrityError{Entity: kind, ID: id, Field: field, Missing: fmt.Sprintf("%s (%s)", target, field)}
}

func (c checker) want(kind domain.Kind, id, field, target string, wantKind domain.Kind) error {
	if target == "" {
		return nil
	}
	if got := c.m.KindOf(target); got != wantKind {
		return c.missing(kind, id, field, target)
	}
	return nil
}

func (c checker) wantAll(kind domain.Kind, id, field string, targets []string, wantKind domain.Kind) error {
	for _, t := range targets {
		if err := c.want(kind, id, field, t, wantKind); err != nil {
			return err
		}
	}
	return nil
}

// fields re-runs tag validation; used when records did not enter via Put.
func (c checker) fields(kind domain.Kind, id string) error {
	m := c.m
	var v any
	switch kind {
	case domain.KindHazopDoc:
		v = m.HazopDocs[id]
	case domain.KindFunction:
		v = m.Functions[id]
	case domain.KindMalfunction:
		v = m.Malfunctions[id]
	case domain.KindHaraDoc:
		v = m.HaraDocs[id]
	case domain.KindHaraRow:
		v = m.HaraRows[id]
	case domain.KindSafetyGoal:
		v = m.SafetyGoals[id]
	case domain.KindComponent:
		v = m.Components[id]
	case domain.KindFailureMode:
		v = m.FailureModes[id]
	case domain.KindFaultTreeNode:
		v = m.FaultTreeNodes[id]
	case domain.KindRequirement:
		v = m.Requirements[id]
	case domain.KindMissionProfile:
		v = m.MissionProfiles[id]
	case domain.KindReview:
		v = m.Reviews[id]
	default:
		return nil
	}
	return domain.Validate(kind, id, v)
}

func (c checker) entity(kind domain.Kind, id string) error {
	m := c.m
	switch kind {
	case domain.KindFunction:
		v := m.Functions[id]
		return c.want(kind, id, "allocation", v.Allocation, domain.KindComponent)
	case domain.KindMalfunction:
		v := m.Malfunctions[id]
		if err := c.want(kind, id, "hazop_id", v.HazopID, domain.KindHazopDoc); err != nil {
			return err
		}
		if err := c.want(kind, id, "function_id", v.FunctionID, domain.KindFunction); err != nil {
			return err
		}
		return c.want(kind, id, "covered_by", v.CoveredBy, domain.KindMalfunction)
	case domain.KindHaraDoc:
		v := m.HaraDocs[id]
		return c.wantAll(kind, id, "hazop_ids", v.HazopIDs, domain.KindHazopDoc)
	case domain.KindHaraRow:
		v := m.HaraRows[id]
		if err := c.want(kind, id, "hara_id", v.HaraID, domain.KindHaraDoc); err != nil {
			return err
		}
		if err := c.want(kind, id, "malfunction_id", v.MalfunctionID, domain.KindMalfunction); err != nil {
			return err
		}
		return c.want(kind, id, "safety_goal_id", v.SafetyGoalID, domain.KindSafetyGoal)
	case domain.KindComponent:
		v := m.Components[id]
		if v.ParentID == id {
			return domain.NewValidationError(kind, id, "parent_id", id, fmt.Errorf("%w: component is its own parent", domain.ErrValidation))
		}
		return c.want(kind, id, "parent_id", v.ParentID, domain.KindComponent)
	case domain.KindFailureMode:
		v := m.FailureModes[id]
		if err := c.want(kind, id, "component_id", v.ComponentID, domain.KindComponent); err != nil {
			return err
		}
		if err := c.want(kind, id, "function_id", v.FunctionID, domain.KindFunction); err != nil {
			return err
		}
		if err := c.want(kind, id, "safety_goal_id", v.SafetyGoalID, domain.KindSafetyGoal); err != nil {
			return err
		}
		if err := c.wantAll(kind, id, "malfunction_ids", v.MalfunctionIDs, domain.KindMalfunction); err != nil {
			return err
		}
		return c.wantAll(kind, id, "requirement_ids", v.RequirementIDs, domain.KindRequirement)
	case domain.KindFaultTreeNode:
		return c.faultTreeNode(m.FaultTreeNodes[id])
	case domain.KindRequirement:
		return c.requirement(m.Requirements[id])
	case domain.KindReview:
		v := m.Reviews[id]
		for _, t := range v.Scope {
			switch m.KindOf(t) {
			case domain.KindFaultTreeNode, domain.KindFailureMode, domain.KindComponent, domain.KindRequirement:
			default:
				return c.missing(kind, id, "scope", t)
			}
		}
		return nil
	}
	return nil
}

func (c checker) faultTreeNode(v domain.FaultTreeNode) error {
	kind := domain.KindFaultTreeNode
	if v.Type.IsLeaf() && len(v.Children) > 0 {
		return domain.NewValidationError(kind, v.ID, "children", fmt.Sprint(v.Children), fmt.Errorf("%w: %s cannot have children", domain.ErrValidation, v.Type))
	}
	if slices.Contains(v.Children, v.ID) {
		return domain.NewValidationError(kind, v.ID, "children", v.ID, fmt.Errorf("%w: node is its own child", domain.ErrValidation))
	}
	if err := c.wantAll(kind, v.ID, "children", v.Children, domain.KindFaultTreeNode); err != nil {
		return err
	}
	if err := c.want(kind, v.ID, "safety_goal_id", v.SafetyGoalID, domain.KindSafetyGoal); err != nil {
		return err
	}
	if err := c.want(kind, v.ID, "failure_mode_id", v.FailureModeID, domain.KindFailureMode); err != nil {
		return err
	}
	return c.wantAll(kind, v.ID, "requirement_ids", v.RequirementIDs, domain.KindRequirement)
}

func (c checker) requirement(v domain.Requirement) error {
	kind := domain.KindRequirement
	m := c.m
	if err := c.wantAll(kind, v.ID, "safety_goal_ids", v.SafetyGoalIDs, domain.KindSafetyGoal); err != nil {
		return err
	}
	if v.DecomposedFrom != "" {
		parent, ok := m.Requirements[v.DecomposedFrom]
		if !ok {
			return c.missing(kind, v.ID, "decomposed_from", v.DecomposedFrom)
		}
		if !slices.Contains(parent.DecomposedInto, v.ID) {
			return domain.NewValidationError(kind, v.ID, "decomposed_from", v.DecomposedFrom, fmt.Errorf("%w: parent does not list child", domain.ErrValidation))
		}
		partner, ok := m.Requirements[v.DecompositionPartner]
		if !ok {
			return c.missing(kind, v.ID, "decomposition_partner", v.DecompositionPartner)
		}
		if partner.DecomposedFrom != v.DecomposedFrom || partner.DecompositionPartner != v.ID {
			return domain.NewValidationError(kind, v.ID, "decomposition_partner", partner.ID, fmt.Errorf("%w: partner link is not mutual", domain.ErrValidation))
		}
	} else if v.DecompositionPartner != "" {
		return domain.NewValidationError(kind, v.ID, "decomposition_partner", v.DecompositionPartner, fmt.Errorf("%w: partner without parent", domain.ErrValidation))
	}
	if len(v.DecomposedInto) > 0 {
		if len(v.DecomposedInto) != 2 {
			return domain.NewValidationError(kind, v.ID, "decomposed_into", fmt.Sprint(v.DecomposedInto), fmt.Errorf("%w: decomposition needs exactly two children", domain.ErrValidation))
		}
		for _, child := range v.DecomposedInto {
			ch, ok := m.Requirements[child]
			if !ok {
				return c.missing(kind, v.ID, "decomposed_into", child)
			}
			if ch.DecomposedFrom != v.ID {
				return domain.NewValidationError(kind, v.ID, "decomposed_into", child, fmt.Errorf("%w: child does not point back", domain.ErrValidation))
			}
		}
	}
	return nil
}

// haraRowSource enforces that a row's malfunction is safety relevant and comes
// from a HAZOP document selected by the row's HARA.
func (c checker) haraRowSource(row domain.HaraRow) error {
	if row.MalfunctionID == "" {
		return nil
	}
	mal := c.m.Malfunctions[row.MalfunctionID]
	hara := c.m.HaraDocs[row.HaraID]
	if !slices.Contains(hara.HazopIDs, mal.HazopID) {
		return domain.NewValidationError(domain.KindHaraRow, row.ID, "malfunction_id", row.MalfunctionID,
			fmt.Errorf("%w: malfunction belongs to HAZOP %s which HARA %s does not select", domain.ErrValidation, mal.HazopID, row.HaraID))
	}
	if !mal.SafetyRelevant {
		return domain.NewValidationError(domain.KindHaraRow, row.ID, "malfunction_id", row.MalfunctionID,
			fmt.Errorf("%w: malfunction is not safety relevant", domain.ErrValidation))
	}
	return nil
}

func (c checker) acyclicTree() error {
	state := map[string]int{} // 1 visiting, 2 done
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case 1:
			return domain.NewValidationError(domain.KindFaultTreeNode, id, "children", id, fmt.Errorf("%w: fault tree cycle", domain.ErrValidation))
		case 2:
			return nil
		}
		state[id] = 1
		for _, ch := range c.m.FaultTreeNodes[id].Children {
			if err := visit(ch); err != nil {
				return err
			}
		}
		state[id] = 2
		return nil
	}
	for _, id := range sortedKeys(c.m.FaultTreeNodes) {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

func (c checker) acyclicBOM() error {
	for _, id := range sortedKeys(c.m.Components) {
		seen := map[string]bool{id: true}
		for p := c.m.Components[id].ParentID; p != ""; p = c.m.Components[p].ParentID {
			if seen[p] {
				return domain.NewValidationError(domain.KindComponent, id, "parent_id", p, fmt.Errorf("%w: component hierarchy cycle", domain.ErrValidation))
			}
			seen[p] = true
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func idsOf(m *domain.Model, kind domain.Kind) []string {
	switch kind {
	case domain.KindHazopDoc:
		return sortedKeys(m.HazopDocs)
	case domain.KindFunction:
		return sortedKeys(m.Functions)
	case domain.KindMalfunction:
		return sortedKeys(m.Malfunctions)
	case domain.KindHaraDoc:
		return sortedKeys(m.HaraDocs)
	case domain.KindHaraRow:
		return sortedKeys(m.HaraRows)
	case domain.KindSafetyGoal:
		return sortedKeys(m.SafetyGoals)
	case domain.KindComponent:
		return sortedKeys(m.Components)
	case domain.KindFailureMode:
		return sortedKeys(m.FailureModes)
	case domain.KindFaultTreeNode:
		return sortedKeys(m.FaultTreeNodes)
	case domain.KindRequirement:
		return sortedKeys(m.Requirements)
	case domain.KindMissionProfile:
		return sortedKeys(m.MissionProfiles)
	case domain.KindReview:
		return sortedKeys(m.Reviews)
	case domain.KindSnapshot:
		return sortedKeys(m.Snapshots)
	}
	return nil
}
