package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/WessleyAI/safetygraph/engine/domain"
	"github.com/WessleyAI/safetygraph/engine/review"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0  = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	due = time.Date(2026, 5, 1, 17, 0, 0, 0, time.UTC)
)

// fullModel carries at least one record of every kind, a decomposed
// requirement and a resolved comment.
func fullModel(t *testing.T) *domain.Model {
	t.Helper()
	p := 4.2e-5
	m := domain.NewModel()
	m.HazopDocs["hz-1"] = domain.HazopDoc{ID: "hz-1", Name: "Braking HAZOP"}
	m.Components["c-ecu"] = domain.Component{ID: "c-ecu", Name: "Brake ECU", Type: "ECU", Qualification: domain.CertAECQ100, BaseFIT: 20, Quantity: 1, FIT: 20}
	m.Components["c-r1"] = domain.Component{ID: "c-r1", Name: "R1", Passive: true, BaseFIT: 0.5, Quantity: 4, ParentID: "c-ecu", Attributes: map[string]string{"package": "0603"}, FIT: 0.5}
	m.Functions["fn-brake"] = domain.Function{ID: "fn-brake", Name: "Apply brake", Allocation: "c-ecu"}
	m.Malfunctions["mf-1"] = domain.Malfunction{ID: "mf-1", HazopID: "hz-1", FunctionID: "fn-brake", Guideword: domain.GuidewordNoNot,
		Scenario: "Highway", DrivingCondition: "Wet", Hazard: "Loss of braking", SafetyRelevant: true}
	m.Malfunctions["mf-2"] = domain.Malfunction{ID: "mf-2", HazopID: "hz-1", Guideword: domain.GuidewordExcessive, CoveredBy: "mf-1"}
	m.HaraDocs["ha-1"] = domain.HaraDoc{ID: "ha-1", Name: "HARA", HazopIDs: []string{"hz-1"}}
	m.SafetyGoals["sg-1"] = domain.SafetyGoal{ID: "sg-1", Name: "Avoid loss of braking", SafeState: "Hold", FTTI: "100ms", ASIL: domain.ASILD, ContributingRows: []string{"row-1"}}
	m.HaraRows["row-1"] = domain.HaraRow{ID: "row-1", HaraID: "ha-1", MalfunctionID: "mf-1", Hazard: "Collision", Severity: 3, Controllability: 3, Exposure: 4,
		SeverityRationale: "Fatal", ASIL: domain.ASILD, SafetyGoalID: "sg-1"}
	m.Requirements["req-1"] = domain.Requirement{ID: "req-1", Type: domain.RequirementVehicle, Text: "Detect loss of pressure", ASIL: domain.ASILD,
		Status: domain.StatusApproved, SafetyGoalIDs: []string{"sg-1"}, DecomposedInto: []string{"req-1a", "req-1b"}}
	m.Requirements["req-1a"] = domain.Requirement{ID: "req-1a", Type: domain.RequirementVehicle, Text: "Primary monitor", ASIL: domain.ASILC,
		Status: domain.StatusDraft, DecomposedFrom: "req-1", DecompositionPartner: "req-1b"}
	m.Requirements["req-1b"] = domain.Requirement{ID: "req-1b", Type: domain.RequirementOperational, Text: "Driver warning", ASIL: domain.ASILA,
		Status: domain.StatusDraft, DecomposedFrom: "req-1", DecompositionPartner: "req-1a"}
	m.FailureModes["fm-1"] = domain.FailureMode{ID: "fm-1", ComponentID: "c-r1", Description: "Open", Effect: "No signal", FunctionID: "fn-brake",
		MalfunctionIDs: []string{"mf-1"}, FaultFraction: 0.3, DiagnosticCoverage: 0.9, FaultType: domain.FaultPermanent, SafetyGoalID: "sg-1",
		RequirementIDs: []string{"req-1a"}, FIT: 0.6}
	m.FaultTreeNodes["be-1"] = domain.FaultTreeNode{ID: "be-1", Name: "R1 open", Type: domain.NodeBasicEvent, ProbabilityMode: domain.ProbabilityExponential,
		FailureModeID: "fm-1", FIT: 0.6, Probability: &p, RequirementIDs: []string{"req-1a"}}
	m.FaultTreeNodes["te-1"] = domain.FaultTreeNode{ID: "te-1", Name: "No braking", Type: domain.NodeTopEvent, Gate: domain.GateOR,
		Children: []string{"be-1"}, SafetyGoalID: "sg-1", ASIL: domain.ASILD, Probability: &p}
	m.MissionProfiles["mp-1"] = domain.MissionProfile{ID: "mp-1", Name: "Passenger car", Segments: []domain.Segment{
		{Name: "Drive", OnHours: 8000, OffHours: 0, BoardTempMin: -40, BoardTempMax: 85, Humidity: 60},
		{Name: "Parked", OffHours: 123400},
	}}
	m.ActiveMissionProfile = "mp-1"

	content := review.Extract(m, review.Closure(m, []string{"te-1"}))
	digest, err := review.Digest(content)
	require.NoError(t, err)
	m.Snapshots["snap-1"] = domain.Snapshot{ID: "snap-1", Label: "baseline", ReviewID: "rev-1", Revision: 3, TakenAt: t0,
		Scope: []string{"te-1"}, Digest: digest, Content: content}
	m.Reviews["rev-1"] = domain.Review{
		ID: "rev-1", Name: "Brake peer review", Type: domain.ReviewPeer, Scope: []string{"te-1"}, DueDate: due,
		Status: domain.ReviewOpen, BaselineID: "snap-1", BaselineRev: 3, CreatedAt: t0,
		Participants: []domain.Participant{
			{Name: "mod", Email: "mod@example.com", Role: domain.RoleModerator},
			{Name: "rita", Role: domain.RoleReviewer, Done: true},
		},
		Comments: []domain.Comment{
			{ID: 1, TargetID: "be-1", Author: "rita", Text: "FIT source?", CreatedAt: t0,
				Resolved: true, Resolution: "Taken from fm-1", ResolvedBy: "mod", ResolvedAt: t0.Add(time.Hour)},
			{ID: 2, TargetID: "req-1a", Author: "rita", Text: "Wording", CreatedAt: t0},
		},
	}
	return m
}

func TestRoundTripJSON(t *testing.T) {
	m := fullModel(t)
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, NewDocument(m, 12, t0)))

	doc, err := Decode(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, doc.FormatVersion)
	assert.Equal(t, uint64(12), doc.Revision)
	assert.Equal(t, t0, doc.SavedAt)
	assert.Equal(t, m, doc.Model)
}

func TestRoundTripYAMLFile(t *testing.T) {
	m := fullModel(t)
	path := filepath.Join(t.TempDir(), "project.yaml")
	require.NoError(t, SaveFile(path, NewDocument(m, 4, t0)))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "format_version: 1.0.0")

	doc, err := LoadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, m, doc.Model)
}

func TestSaveFileLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "project.json")
	require.NoError(t, SaveFile(path, NewDocument(domain.NewModel(), 0, t0)))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "project.json", entries[0].Name())
}

// mutate edits the encoded document as a generic tree.
func mutate(t *testing.T, m *domain.Model, edit func(doc map[string]any)) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, NewDocument(m, 1, t0)))
	var tree map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &tree))
	edit(tree)
	out, err := json.Marshal(tree)
	require.NoError(t, err)
	return out
}

func table(doc map[string]any, name string) map[string]any {
	return doc["model"].(map[string]any)[name].(map[string]any)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name   string
		edit   func(doc map[string]any)
		stage  string
		entity domain.Kind
		id     string
		field  string
		is     error
	}{
		{
			name:   "unknown ASIL",
			edit:   func(doc map[string]any) { table(doc, "requirements")["req-1"].(map[string]any)["asil"] = "E" },
			stage:  "schema",
			entity: domain.KindRequirement, id: "req-1", field: "asil",
			is: domain.ErrValidation,
		},
		{
			name:   "severity out of range",
			edit:   func(doc map[string]any) { table(doc, "hara_rows")["row-1"].(map[string]any)["severity"] = 5 },
			stage:  "schema",
			entity: domain.KindHaraRow, id: "row-1", field: "severity",
			is: domain.ErrValidation,
		},
		{
			name:  "future major version",
			edit:  func(doc map[string]any) { doc["format_version"] = "2.0.0" },
			stage: "version", field: "format_version",
			is: domain.ErrFormat,
		},
		{
			name:  "unparsable version",
			edit:  func(doc map[string]any) { doc["format_version"] = "one" },
			stage: "version", field: "format_version",
			is: domain.ErrFormat,
		},
		{
			name:   "dangling component",
			edit:   func(doc map[string]any) { table(doc, "failure_modes")["fm-1"].(map[string]any)["component_id"] = "c-missing" },
			stage:  "check",
			entity: domain.KindFailureMode, id: "fm-1", field: "component_id",
			is: domain.ErrReferentialIntegrity,
		},
		{
			name: "row from unselected HAZOP",
			edit: func(doc map[string]any) {
				table(doc, "hara_docs")["ha-1"].(map[string]any)["hazop_ids"] = []any{}
			},
			stage:  "check",
			entity: domain.KindHaraRow, id: "row-1", field: "malfunction_id",
			is: domain.ErrValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := mutate(t, fullModel(t), tt.edit)
			_, err := Decode(context.Background(), bytes.NewReader(raw))
			require.Error(t, err)
			var le *domain.LoadError
			require.True(t, errors.As(err, &le), "got %T: %v", err, err)
			assert.Equal(t, tt.stage, le.Stage)
			assert.Equal(t, tt.entity, le.Entity)
			assert.Equal(t, tt.id, le.ID)
			assert.Equal(t, tt.field, le.Field)
			assert.ErrorIs(t, err, tt.is)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode(context.Background(), strings.NewReader(`{"format_version": `))
	var le *domain.LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "decode", le.Stage)
	assert.ErrorIs(t, err, domain.ErrFormat)

	_, err = Decode(context.Background(), strings.NewReader(`{"revision": 1, "model": {}}`))
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "schema", le.Stage)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(context.Background(), filepath.Join(t.TempDir(), "absent.json"))
	var le *domain.LoadError
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLocate(t *testing.T) {
	le := locate("/model/fault_tree_nodes/be~11/children/0")
	assert.Equal(t, domain.KindFaultTreeNode, le.Entity)
	assert.Equal(t, "be/1", le.ID)
	assert.Equal(t, "children.0", le.Field)

	le = locate("/revision")
	assert.Equal(t, domain.Kind(""), le.Entity)
	assert.Equal(t, "revision", le.Field)
}
