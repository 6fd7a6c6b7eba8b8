package domain

// Analysis holds every safety-analysis entity keyed by id. Snapshots freeze a
// scoped Analysis.
type Analysis struct {
	HazopDocs       map[string]HazopDoc       `json:"hazop_docs,omitempty"`
	Functions       map[string]Function       `json:"functions,omitempty"`
	Malfunctions    map[string]Malfunction    `json:"malfunctions,omitempty"`
	HaraDocs        map[string]HaraDoc        `json:"hara_docs,omitempty"`
	HaraRows        map[string]HaraRow        `json:"hara_rows,omitempty"`
	SafetyGoals     map[string]SafetyGoal     `json:"safety_goals,omitempty"`
	Components      map[string]Component      `json:"components,omitempty"`
	FailureModes    map[string]FailureMode    `json:"failure_modes,omitempty"`
	FaultTreeNodes  map[string]FaultTreeNode  `json:"fault_tree_nodes,omitempty"`
	Requirements    map[string]Requirement    `json:"requirements,omitempty"`
	MissionProfiles map[string]MissionProfile `json:"mission_profiles,omitempty"`
}

// NewAnalysis returns an Analysis with every map allocated.
func NewAnalysis() Analysis {
	return Analysis{
		HazopDocs:       map[string]HazopDoc{},
		Functions:       map[string]Function{},
		Malfunctions:    map[string]Malfunction{},
		HaraDocs:        map[string]HaraDoc{},
		HaraRows:        map[string]HaraRow{},
		SafetyGoals:     map[string]SafetyGoal{},
		Components:      map[string]Component{},
		FailureModes:    map[string]FailureMode{},
		FaultTreeNodes:  map[string]FaultTreeNode{},
		Requirements:    map[string]Requirement{},
		MissionProfiles: map[string]MissionProfile{},
	}
}

// Normalize allocates nil maps so a decoded Analysis can be mutated.
func (a *Analysis) Normalize() {
	if a.HazopDocs == nil {
		a.HazopDocs = map[string]HazopDoc{}
	}
	if a.Functions == nil {
		a.Functions = map[string]Function{}
	}
	if a.Malfunctions == nil {
		a.Malfunctions = map[string]Malfunction{}
	}
	if a.HaraDocs == nil {
		a.HaraDocs = map[string]HaraDoc{}
	}
	if a.HaraRows == nil {
		a.HaraRows = map[string]HaraRow{}
	}
	if a.SafetyGoals == nil {
		a.SafetyGoals = map[string]SafetyGoal{}
	}
	if a.Components == nil {
		a.Components = map[string]Component{}
	}
	if a.FailureModes == nil {
		a.FailureModes = map[string]FailureMode{}
	}
	if a.FaultTreeNodes == nil {
		a.FaultTreeNodes = map[string]FaultTreeNode{}
	}
	if a.Requirements == nil {
		a.Requirements = map[string]Requirement{}
	}
	if a.MissionProfiles == nil {
		a.MissionProfiles = map[string]MissionProfile{}
	}
}

// Clone returns a deep copy with every map allocated.
func (a Analysis) Clone() Analysis {
	out := NewAnalysis()
	for k, v := range a.HazopDocs {
		out.HazopDocs[k] = v
	}
	for k, v := range a.Functions {
		out.Functions[k] = v
	}
	for k, v := range a.Malfunctions {
		out.Malfunctions[k] = v
	}
	for k, v := range a.HaraDocs {
		out.HaraDocs[k] = v.Clone()
	}
	for k, v := range a.HaraRows {
		out.HaraRows[k] = v
	}
	for k, v := range a.SafetyGoals {
		out.SafetyGoals[k] = v.Clone()
	}
	for k, v := range a.Components {
		out.Components[k] = v.Clone()
	}
	for k, v := range a.FailureModes {
		out.FailureModes[k] = v.Clone()
	}
	for k, v := range a.FaultTreeNodes {
		out.FaultTreeNodes[k] = v.Clone()
	}
	for k, v := range a.Requirements {
		out.Requirements[k] = v.Clone()
	}
	for k, v := range a.MissionProfiles {
		out.MissionProfiles[k] = v.Clone()
	}
	return out
}

// KindOf returns the entity kind stored under id, or "" when absent.
func (a Analysis) KindOf(id string) Kind {
	switch {
	case has(a.HazopDocs, id):
		return KindHazopDoc
	case has(a.Functions, id):
		return KindFunction
	case has(a.Malfunctions, id):
		return KindMalfunction
	case has(a.HaraDocs, id):
		return KindHaraDoc
	case has(a.HaraRows, id):
		return KindHaraRow
	case has(a.SafetyGoals, id):
		return KindSafetyGoal
	case has(a.Components, id):
		return KindComponent
	case has(a.FailureModes, id):
		return KindFailureMode
	case has(a.FaultTreeNodes, id):
		return KindFaultTreeNode
	case has(a.Requirements, id):
		return KindRequirement
	case has(a.MissionProfiles, id):
		return KindMissionProfile
	}
	return ""
}

func has[V any](m map[string]V, id string) bool {
	_, ok := m[id]
	return ok
}

// Model is the whole project graph: the analysis plus review history,
// snapshots and the active mission profile.
type Model struct {
	Analysis
	ActiveMissionProfile string              `json:"active_mission_profile,omitempty"`
	Reviews              map[string]Review   `json:"reviews,omitempty"`
	Snapshots            map[string]Snapshot `json:"snapshots,omitempty"`
}

// NewModel returns an empty model with every map allocated.
func NewModel() *Model {
	return &Model{
		Analysis:  NewAnalysis(),
		Reviews:   map[string]Review{},
		Snapshots: map[string]Snapshot{},
	}
}

// Normalize allocates nil maps.
func (m *Model) Normalize() {
	m.Analysis.Normalize()
	if m.Reviews == nil {
		m.Reviews = map[string]Review{}
	}
	if m.Snapshots == nil {
		m.Snapshots = map[string]Snapshot{}
	}
	for id, snap := range m.Snapshots {
		snap.Content.Normalize()
		m.Snapshots[id] = snap
	}
}

// Clone returns a deep copy.
func (m *Model) Clone() *Model {
	out := &Model{
		Analysis:             m.Analysis.Clone(),
		ActiveMissionProfile: m.ActiveMissionProfile,
		Reviews:              make(map[string]Review, len(m.Reviews)),
		Snapshots:            make(map[string]Snapshot, len(m.Snapshots)),
	}
	for k, v := range m.Reviews {
		out.Reviews[k] = v.Clone()
	}
	for k, v := range m.Snapshots {
		out.Snapshots[k] = v.Clone()
	}
	return out
}

// KindOf extends Analysis.KindOf with reviews and snapshots.
func (m *Model) KindOf(id string) Kind {
	if k := m.Analysis.KindOf(id); k != "" {
		return k
	}
	if has(m.Reviews, id) {
		return KindReview
	}
	if has(m.Snapshots, id) {
		return KindSnapshot
	}
	return ""
}
