package domain

import (
	"maps"
	"slices"
	"time"
)

// HazopDoc is a HAZOP analysis owning a set of malfunctions.
type HazopDoc struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name" validate:"required"`
}

// Function is a system function, optionally allocated to a component.
type Function struct {
	ID         string `json:"id" validate:"required"`
	Name       string `json:"name" validate:"required"`
	Allocation string `json:"allocation,omitempty"` // component id
}

// Malfunction is a HAZOP finding against a function.
type Malfunction struct {
	ID               string    `json:"id" validate:"required"`
	HazopID          string    `json:"hazop_id" validate:"required"`
	FunctionID       string    `json:"function_id,omitempty"`
	Guideword        Guideword `json:"guideword" validate:"required,oneof=No/Not Unintended Excessive Insufficient Reverse"`
	Scenario         string    `json:"scenario,omitempty"`
	DrivingCondition string    `json:"driving_condition,omitempty"`
	Hazard           string    `json:"hazard,omitempty"`
	SafetyRelevant   bool      `json:"safety_relevant"`
	CoveredBy        string    `json:"covered_by,omitempty"` // mitigating malfunction id
}

// HaraDoc is a HARA analysis drawing rows from the selected HAZOP documents.
type HaraDoc struct {
	ID       string   `json:"id" validate:"required"`
	Name     string   `json:"name" validate:"required"`
	HazopIDs []string `json:"hazop_ids,omitempty"`
}

// Clone returns a deep copy.
func (d HaraDoc) Clone() HaraDoc {
	d.HazopIDs = slices.Clone(d.HazopIDs)
	return d
}

// HaraRow rates one safety-relevant malfunction. ASIL is derived.
type HaraRow struct {
	ID                       string `json:"id" validate:"required"`
	HaraID                   string `json:"hara_id" validate:"required"`
	MalfunctionID            string `json:"malfunction_id,omitempty"`
	Hazard                   string `json:"hazard,omitempty"`
	Severity                 int    `json:"severity" validate:"min=1,max=3"`
	SeverityRationale        string `json:"severity_rationale,omitempty"`
	Controllability          int    `json:"controllability" validate:"min=1,max=3"`
	ControllabilityRationale string `json:"controllability_rationale,omitempty"`
	Exposure                 int    `json:"exposure" validate:"min=1,max=4"`
	ExposureRationale        string `json:"exposure_rationale,omitempty"`
	ASIL                     ASIL   `json:"asil,omitempty"`
	SafetyGoalID             string `json:"safety_goal_id,omitempty"`
}

// SafetyGoal accumulates the maximum ASIL of the HARA rows referencing it.
// ContributingRows holds the row ids achieving that maximum.
type SafetyGoal struct {
	ID               string   `json:"id" validate:"required"`
	Name             string   `json:"name" validate:"required"`
	Description      string   `json:"description,omitempty"`
	SafeState        string   `json:"safe_state,omitempty"`
	FTTI             string   `json:"ftti,omitempty"`
	ASIL             ASIL     `json:"asil,omitempty"`
	ContributingRows []string `json:"contributing_rows,omitempty"`
}

// Clone returns a deep copy.
func (g SafetyGoal) Clone() SafetyGoal {
	g.ContributingRows = slices.Clone(g.ContributingRows)
	return g
}

// Component is a hardware part or circuit. Components nest through ParentID to
// form a bill of materials. FIT is derived from BaseFIT and Qualification.
type Component struct {
	ID            string            `json:"id" validate:"required"`
	Name          string            `json:"name" validate:"required"`
	Type          string            `json:"type,omitempty"`
	Passive       bool              `json:"passive"`
	Qualification Certificate       `json:"qualification,omitempty"`
	BaseFIT       float64           `json:"base_fit" validate:"gte=0"`
	Quantity      int               `json:"quantity,omitempty" validate:"gte=0"`
	ParentID      string            `json:"parent_id,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	FIT           float64           `json:"fit"`
}

// Count is the number fitted; zero means one.
func (c Component) Count() int {
	if c.Quantity <= 0 {
		return 1
	}
	return c.Quantity
}

// Clone returns a deep copy.
func (c Component) Clone() Component {
	c.Attributes = maps.Clone(c.Attributes)
	return c
}

// FailureMode is an FMEA/FMEDA entry of a component.
type FailureMode struct {
	ID                 string    `json:"id" validate:"required"`
	ComponentID        string    `json:"component_id" validate:"required"`
	Description        string    `json:"description,omitempty"`
	Effect             string    `json:"effect,omitempty"`
	FunctionID         string    `json:"function_id,omitempty"` // inherited from this function
	MalfunctionIDs     []string  `json:"malfunction_ids,omitempty"`
	FaultFraction      float64   `json:"fault_fraction" validate:"gte=0,lte=1"`
	DiagnosticCoverage float64   `json:"diagnostic_coverage" validate:"gte=0,lte=1"`
	FaultType          FaultType `json:"fault_type,omitempty" validate:"omitempty,oneof=permanent transient"`
	SafetyGoalID       string    `json:"safety_goal_id,omitempty"`
	RequirementIDs     []string  `json:"requirement_ids,omitempty"`
	FIT                float64   `json:"fit"`
}

// Clone returns a deep copy.
func (f FailureMode) Clone() FailureMode {
	f.MalfunctionIDs = slices.Clone(f.MalfunctionIDs)
	f.RequirementIDs = slices.Clone(f.RequirementIDs)
	return f
}

// FaultTreeNode is an event or gate of a fault tree. Leaf nodes carry a
// probability mode and either a failure mode, an entered FIT or an entered
// probability; FIT and Probability are derived. A nil Probability is undefined.
type FaultTreeNode struct {
	ID                 string          `json:"id" validate:"required"`
	Name               string          `json:"name" validate:"required"`
	Description        string          `json:"description,omitempty"`
	Type               NodeType        `json:"type" validate:"required,oneof=top_event gate basic_event triggering_condition functional_insufficiency"`
	Gate               GateKind        `json:"gate,omitempty" validate:"omitempty,oneof=AND OR"`
	Children           []string        `json:"children,omitempty"`
	SafetyGoalID       string          `json:"safety_goal_id,omitempty"`
	ASIL               ASIL            `json:"asil,omitempty"`
	ProbabilityMode    ProbabilityMode `json:"probability_mode,omitempty" validate:"omitempty,oneof=linear exponential constant"`
	FailureModeID      string          `json:"failure_mode_id,omitempty"`
	EnteredFIT         float64         `json:"entered_fit,omitempty" validate:"gte=0"`
	EnteredProbability float64         `json:"entered_probability,omitempty" validate:"gte=0,lte=1"`
	FIT                float64         `json:"fit,omitempty"`
	Probability        *float64        `json:"probability,omitempty"`
	RequirementIDs     []string        `json:"requirement_ids,omitempty"`
}

// Clone returns a deep copy.
func (n FaultTreeNode) Clone() FaultTreeNode {
	n.Children = slices.Clone(n.Children)
	n.RequirementIDs = slices.Clone(n.RequirementIDs)
	if n.Probability != nil {
		p := *n.Probability
		n.Probability = &p
	}
	return n
}

// Requirement is a registry entry referenced by id from every element using it.
// DecomposedFrom and DecompositionPartner are set on decomposition children;
// DecomposedInto lists the ordered children on the parent.
type Requirement struct {
	ID                   string            `json:"id" validate:"required"`
	Type                 RequirementType   `json:"type" validate:"required,oneof=vehicle operational"`
	Text                 string            `json:"text"`
	ASIL                 ASIL              `json:"asil" validate:"required,oneof=QM A B C D"`
	ManualASIL           bool              `json:"manual_asil,omitempty"`
	Status               RequirementStatus `json:"status" validate:"required,oneof=draft in_review peer_reviewed pending_approval approved"`
	SafetyGoalIDs        []string          `json:"safety_goal_ids,omitempty"`
	DecomposedFrom       string            `json:"decomposed_from,omitempty"`
	DecompositionPartner string            `json:"decomposition_partner,omitempty"`
	DecomposedInto       []string          `json:"decomposed_into,omitempty"`
}

// Clone returns a deep copy.
func (r Requirement) Clone() Requirement {
	r.SafetyGoalIDs = slices.Clone(r.SafetyGoalIDs)
	r.DecomposedInto = slices.Clone(r.DecomposedInto)
	return r
}

// Segment is one phase of a mission profile.
type Segment struct {
	Name           string  `json:"name,omitempty"`
	OnHours        float64 `json:"on_hours" validate:"gte=0"`
	OffHours       float64 `json:"off_hours" validate:"gte=0"`
	BoardTempMin   float64 `json:"board_temp_min,omitempty"`
	BoardTempMax   float64 `json:"board_temp_max,omitempty" validate:"gtefield=BoardTempMin"`
	AmbientTempMin float64 `json:"ambient_temp_min,omitempty"`
	AmbientTempMax float64 `json:"ambient_temp_max,omitempty" validate:"gtefield=AmbientTempMin"`
	Humidity       float64 `json:"humidity,omitempty" validate:"gte=0,lte=100"`
}

// MissionProfile aggregates operating segments into a total exposure time.
type MissionProfile struct {
	ID       string    `json:"id" validate:"required"`
	Name     string    `json:"name" validate:"required"`
	Notes    string    `json:"notes,omitempty"`
	Segments []Segment `json:"segments,omitempty" validate:"dive"`
}

// TauOn is the total powered time in hours.
func (p MissionProfile) TauOn() float64 {
	var t float64
	for _, s := range p.Segments {
		t += s.OnHours
	}
	return t
}

// TauOff is the total unpowered time in hours.
func (p MissionProfile) TauOff() float64 {
	var t float64
	for _, s := range p.Segments {
		t += s.OffHours
	}
	return t
}

// Tau is the total exposure time TAU in hours.
func (p MissionProfile) Tau() float64 { return p.TauOn() + p.TauOff() }

// DutyCycle is the powered share of TAU, zero for an empty profile.
func (p MissionProfile) DutyCycle() float64 {
	tau := p.Tau()
	if tau == 0 {
		return 0
	}
	return p.TauOn() / tau
}

// Clone returns a deep copy.
func (p MissionProfile) Clone() MissionProfile {
	p.Segments = slices.Clone(p.Segments)
	return p
}

// Participant is a member of a review.
type Participant struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
	Role  Role   `json:"role" validate:"required,oneof=moderator reviewer approver"`
	Done  bool   `json:"done,omitempty"`
}

// Comment is bound to one in-scope element or requirement. Resolved comments
// keep their original text next to the resolution.
type Comment struct {
	ID         int       `json:"id"`
	TargetID   string    `json:"target_id"`
	Author     string    `json:"author"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
	Resolved   bool      `json:"resolved,omitempty"`
	Resolution string    `json:"resolution,omitempty"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
}

// Review is a peer or joint review of a fixed element scope.
type Review struct {
	ID           string        `json:"id" validate:"required"`
	Name         string        `json:"name" validate:"required"`
	Description  string        `json:"description,omitempty"`
	Type         ReviewType    `json:"type" validate:"required,oneof=peer joint"`
	Participants []Participant `json:"participants" validate:"dive"`
	Scope        []string      `json:"scope"`
	DueDate      time.Time     `json:"due_date"`
	Status       ReviewStatus  `json:"status" validate:"required,oneof=open closed closed_readonly approved"`
	Completed    bool          `json:"completed,omitempty"`
	BaselineID   string        `json:"baseline_id,omitempty"`
	BaselineRev  uint64        `json:"baseline_revision,omitempty"`
	Comments     []Comment     `json:"comments,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Clone returns a deep copy.
func (r Review) Clone() Review {
	r.Participants = slices.Clone(r.Participants)
	r.Scope = slices.Clone(r.Scope)
	r.Comments = slices.Clone(r.Comments)
	return r
}

// Participant returns the named participant.
func (r Review) Participant(name string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.Name == name {
			return p, true
		}
	}
	return Participant{}, false
}

// Snapshot is an immutable scoped copy of the analysis taken as a diff baseline.
type Snapshot struct {
	ID       string    `json:"id"`
	Label    string    `json:"label,omitempty"`
	ReviewID string    `json:"review_id,omitempty"`
	Revision uint64    `json:"revision"`
	TakenAt  time.Time `json:"taken_at"`
	Scope    []string  `json:"scope,omitempty"`
	Digest   string    `json:"digest"`
	Content  Analysis  `json:"content"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	s.Scope = slices.Clone(s.Scope)
	s.Content = s.Content.Clone()
	return s
}
