package asil

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/WessleyAI/safetygraph/engine/domain"
	"github.com/WessleyAI/safetygraph/engine/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) (*graph.Store, *Engine) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := graph.New(graph.WithLogger(logger))
	e := New(s, logger)
	s.Use(e)
	_, err := s.Update(context.Background(), func(tx *graph.Tx) error {
		return errors.Join(
			tx.PutHazopDoc(domain.HazopDoc{ID: "hz", Name: "HAZOP"}),
			tx.PutMalfunction(domain.Malfunction{ID: "mf-1", HazopID: "hz", Guideword: domain.GuidewordNoNot, SafetyRelevant: true}),
			tx.PutMalfunction(domain.Malfunction{ID: "mf-2", HazopID: "hz", Guideword: domain.GuidewordExcessive, SafetyRelevant: true}),
			tx.PutHaraDoc(domain.HaraDoc{ID: "ha", Name: "HARA", HazopIDs: []string{"hz"}}),
			tx.PutSafetyGoal(domain.SafetyGoal{ID: "sg", Name: "Prevent unintended braking"}),
			tx.PutHaraRow(domain.HaraRow{ID: "row-1", HaraID: "ha", MalfunctionID: "mf-1", Severity: 3, Controllability: 2, Exposure: 4, SafetyGoalID: "sg"}),
			tx.PutHaraRow(domain.HaraRow{ID: "row-2", HaraID: "ha", MalfunctionID: "mf-2", Severity: 2, Controllability: 2, Exposure: 3, SafetyGoalID: "sg"}),
			tx.PutFaultTreeNode(domain.FaultTreeNode{ID: "te", Name: "Unintended braking", Type: domain.NodeTopEvent, Gate: domain.GateOR, SafetyGoalID: "sg"}),
			tx.PutRequirement(domain.Requirement{ID: "req", Type: domain.RequirementVehicle, Text: "Monitor brake demand", ASIL: domain.QM, Status: domain.StatusDraft, SafetyGoalIDs: []string{"sg"}}),
		)
	})
	require.NoError(t, err)
	return s, e
}

func editRow(t *testing.T, s *graph.Store, id string, fn func(*domain.HaraRow)) {
	t.Helper()
	_, err := s.Update(context.Background(), func(tx *graph.Tx) error {
		row := tx.Model().HaraRows[id]
		fn(&row)
		return tx.PutHaraRow(row)
	})
	require.NoError(t, err)
}

func TestPropagationFromRowsToRequirements(t *testing.T) {
	s, _ := newEngine(t)

	row, _ := s.HaraRow("row-1")
	assert.Equal(t, domain.ASILC, row.ASIL)
	goal, _ := s.SafetyGoal("sg")
	assert.Equal(t, domain.ASILC, goal.ASIL)
	assert.Equal(t, []string{"row-1"}, goal.ContributingRows)
	te, _ := s.FaultTreeNode("te")
	assert.Equal(t, domain.ASILC, te.ASIL)
	req, _ := s.Requirement("req")
	assert.Equal(t, domain.ASILC, req.ASIL)

	editRow(t, s, "row-1", func(r *domain.HaraRow) { r.Controllability = 3 })
	goal, _ = s.SafetyGoal("sg")
	assert.Equal(t, domain.ASILD, goal.ASIL)
	req, _ = s.Requirement("req")
	assert.Equal(t, domain.ASILD, req.ASIL)

	// removing the dominating row drops the goal to the remaining row
	_, err := s.Update(context.Background(), func(tx *graph.Tx) error { return tx.Delete("row-1", false) })
	require.NoError(t, err)
	goal, _ = s.SafetyGoal("sg")
	assert.Equal(t, domain.ASILA, goal.ASIL)
	te, _ = s.FaultTreeNode("te")
	assert.Equal(t, domain.ASILA, te.ASIL)
}

func TestContributingRowsKeepTies(t *testing.T) {
	s, _ := newEngine(t)
	editRow(t, s, "row-2", func(r *domain.HaraRow) { r.Severity, r.Controllability, r.Exposure = 2, 3, 4 })
	goal, _ := s.SafetyGoal("sg")
	assert.Equal(t, domain.ASILC, goal.ASIL)
	assert.Equal(t, []string{"row-1", "row-2"}, goal.ContributingRows)
}

func TestDerivedEditIsOverwritten(t *testing.T) {
	s, _ := newEngine(t)
	editRow(t, s, "row-1", func(r *domain.HaraRow) { r.ASIL = domain.QM })
	row, _ := s.HaraRow("row-1")
	assert.Equal(t, domain.ASILC, row.ASIL)
}

func TestDecomposeAndReselectKeepIdentity(t *testing.T) {
	s, e := newEngine(t)
	editRow(t, s, "row-1", func(r *domain.HaraRow) { r.Controllability = 3 })
	ctx := context.Background()

	ids, err := e.Decompose(ctx, "req", Pair{domain.ASILC, domain.ASILA})
	require.NoError(t, err)
	a, _ := s.Requirement(ids[0])
	b, _ := s.Requirement(ids[1])
	assert.Equal(t, domain.ASILC, a.ASIL)
	assert.Equal(t, domain.ASILA, b.ASIL)
	assert.Equal(t, ids[1], a.DecompositionPartner)
	assert.Equal(t, "req", b.DecomposedFrom)

	require.NoError(t, e.Reselect(ctx, "req", Pair{domain.ASILB, domain.ASILB}))
	a, err = s.Requirement(ids[0])
	require.NoError(t, err)
	b, err = s.Requirement(ids[1])
	require.NoError(t, err)
	assert.Equal(t, domain.ASILB, a.ASIL)
	assert.Equal(t, domain.ASILB, b.ASIL)
	parent, _ := s.Requirement("req")
	assert.Equal(t, ids[:], parent.DecomposedInto)

	err = e.Reselect(ctx, "req", Pair{domain.ASILC, domain.ASILC})
	assert.ErrorIs(t, err, domain.ErrDecomposition)
	a, _ = s.Requirement(ids[0])
	assert.Equal(t, domain.ASILB, a.ASIL, "rejected reselect leaves children alone")

	_, err = e.Decompose(ctx, "req", Pair{domain.ASILB, domain.ASILB})
	assert.ErrorIs(t, err, domain.ErrDecomposition)
}

func TestDecomposedChildrenSkipPropagation(t *testing.T) {
	s, e := newEngine(t)
	ids, err := e.Decompose(context.Background(), "req", Pair{domain.ASILC, domain.QM})
	require.NoError(t, err)
	editRow(t, s, "row-2", func(r *domain.HaraRow) { r.Exposure = 4 })
	b, _ := s.Requirement(ids[1])
	assert.Equal(t, domain.QM, b.ASIL)
}

func TestParentChangeResetsIllegalPair(t *testing.T) {
	s, e := newEngine(t)
	ids, err := e.Decompose(context.Background(), "req", Pair{domain.ASILB, domain.ASILA})
	require.NoError(t, err)

	// C -> D makes B+A illegal; the children fall back to the first D pair
	editRow(t, s, "row-1", func(r *domain.HaraRow) { r.Controllability = 3 })
	a, _ := s.Requirement(ids[0])
	b, _ := s.Requirement(ids[1])
	assert.Equal(t, Pair{domain.ASILC, domain.ASILA}, Pair{a.ASIL, b.ASIL})
	assert.Equal(t, ids[0], a.ID)
}

func TestDirectChildEditMustStayLegal(t *testing.T) {
	s, e := newEngine(t)
	ids, err := e.Decompose(context.Background(), "req", Pair{domain.ASILB, domain.ASILA})
	require.NoError(t, err)
	_, err = s.Update(context.Background(), func(tx *graph.Tx) error {
		child := tx.Model().Requirements[ids[0]]
		child.ASIL = domain.ASILD
		return tx.PutRequirement(child)
	})
	assert.ErrorIs(t, err, domain.ErrDecomposition)
}

func TestManualASILIsPinned(t *testing.T) {
	s, e := newEngine(t)
	require.NoError(t, e.SetManual(context.Background(), "req", domain.ASILA, true))
	editRow(t, s, "row-1", func(r *domain.HaraRow) { r.Controllability = 3 })
	req, _ := s.Requirement("req")
	assert.Equal(t, domain.ASILA, req.ASIL)

	require.NoError(t, e.SetManual(context.Background(), "req", "", false))
	req, _ = s.Requirement("req")
	assert.Equal(t, domain.ASILD, req.ASIL)

	pairs, err := e.PairsFor("req")
	require.NoError(t, err)
	assert.Len(t, pairs, 3)
}
