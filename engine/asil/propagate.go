package asil

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"

	"github.com/WessleyAI/safetygraph/engine/domain"
	"github.com/WessleyAI/safetygraph/engine/graph"
)

// Engine propagates ASILs inside every store mutation and offers the
// decomposition operations.
type Engine struct {
	store  *graph.Store
	logger *slog.Logger
}

// New creates an Engine. Register it with store.Use so propagation runs on
// every mutation.
func New(store *graph.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger}
}

// Name implements graph.Hook.
func (e *Engine) Name() string { return "asil" }

// Apply implements graph.Hook. Derived levels are rewritten only where they
// differ, so an edit that changes no level records no extra changes.
func (e *Engine) Apply(_ context.Context, tx *graph.Tx) error {
	m := tx.Model()
	var n int

	byGoal := map[string][]domain.HaraRow{}
	for _, id := range slices.Sorted(maps.Keys(m.HaraRows)) {
		row := m.HaraRows[id]
		lvl, err := Risk(row.Severity, row.Controllability, row.Exposure)
		if err != nil {
			var ve *domain.ValidationError
			if errors.As(err, &ve) {
				ve.ID = id
			}
			return err
		}
		if row.ASIL != lvl {
			row.ASIL = lvl
			if err := tx.PutHaraRow(row); err != nil {
				return err
			}
			n++
		}
		if row.SafetyGoalID != "" {
			byGoal[row.SafetyGoalID] = append(byGoal[row.SafetyGoalID], row)
		}
	}

	for _, id := range slices.Sorted(maps.Keys(m.SafetyGoals)) {
		g := m.SafetyGoals[id]
		lvl, rows := goalLevel(byGoal[id])
		if g.ASIL == lvl && slices.Equal(g.ContributingRows, rows) {
			continue
		}
		g.ASIL, g.ContributingRows = lvl, rows
		if err := tx.PutSafetyGoal(g); err != nil {
			return err
		}
		n++
	}

	for _, id := range slices.Sorted(maps.Keys(m.FaultTreeNodes)) {
		node := m.FaultTreeNodes[id]
		if node.Type != domain.NodeTopEvent || node.SafetyGoalID == "" {
			continue
		}
		lvl := m.SafetyGoals[node.SafetyGoalID].ASIL
		if node.ASIL == lvl {
			continue
		}
		node = node.Clone()
		node.ASIL = lvl
		if err := tx.PutFaultTreeNode(node); err != nil {
			return err
		}
		n++
	}

	for _, id := range slices.Sorted(maps.Keys(m.Requirements)) {
		req := m.Requirements[id]
		if req.DecomposedFrom != "" || req.ManualASIL || len(req.SafetyGoalIDs) == 0 {
			continue
		}
		lvl := domain.QM
		for _, g := range req.SafetyGoalIDs {
			lvl = domain.MaxASIL(lvl, m.SafetyGoals[g].ASIL)
		}
		if req.ASIL == lvl {
			continue
		}
		req = req.Clone()
		req.ASIL = lvl
		if err := tx.PutRequirement(req); err != nil {
			return err
		}
		n++
	}

	fixed, err := e.checkDecompositions(tx)
	if err != nil {
		return err
	}
	n += fixed
	if n > 0 {
		e.logger.Debug("asil propagated", "updates", n, "full", tx.Full())
	}
	return nil
}

// goalLevel is the maximum row level and the ids of every row reaching it.
func goalLevel(rows []domain.HaraRow) (domain.ASIL, []string) {
	lvl := domain.QM
	for _, r := range rows {
		lvl = domain.MaxASIL(lvl, r.ASIL)
	}
	var ids []string
	for _, r := range rows {
		if r.ASIL == lvl {
			ids = append(ids, r.ID)
		}
	}
	return lvl, ids
}

// settled reports whether p is an acceptable state for a decomposition of
// parent. A QM parent keeps QM children.
func settled(parent domain.ASIL, p Pair) bool {
	if parent == domain.QM {
		return p == Pair{domain.QM, domain.QM}
	}
	return IsLegal(parent, p)
}

// checkDecompositions keeps every decomposition legal. When the parent level
// moved in this mutation, children that no longer fit are reset to the first
// permitted pair. When a child level was edited directly into an illegal
// pair, the mutation is rejected.
func (e *Engine) checkDecompositions(tx *graph.Tx) (int, error) {
	m, base := tx.Model(), tx.Base()
	var n int
	for _, id := range slices.Sorted(maps.Keys(m.Requirements)) {
		parent := m.Requirements[id]
		if len(parent.DecomposedInto) != 2 {
			continue
		}
		first, second := m.Requirements[parent.DecomposedInto[0]], m.Requirements[parent.DecomposedInto[1]]
		p := Pair{first.ASIL, second.ASIL}
		if settled(parent.ASIL, p) {
			continue
		}
		if old, ok := base.Requirements[id]; !ok || old.ASIL == parent.ASIL {
			if levelEdited(base, first) || levelEdited(base, second) {
				return n, CheckPair(id, parent.ASIL, p)
			}
			continue
		}
		reset := Pair{domain.QM, domain.QM}
		if legal := LegalPairs(parent.ASIL); len(legal) > 0 {
			reset = legal[0]
		}
		for i, child := range []domain.Requirement{first, second} {
			if child.ASIL == reset[i] {
				continue
			}
			child = child.Clone()
			child.ASIL = reset[i]
			if err := tx.PutRequirement(child); err != nil {
				return n, err
			}
			n++
		}
		e.logger.Info("decomposition reset", "requirement_id", id, "asil", parent.ASIL, "pair", reset.String())
	}
	return n, nil
}

func levelEdited(base *domain.Model, r domain.Requirement) bool {
	old, ok := base.Requirements[r.ID]
	return !ok || old.ASIL != r.ASIL
}
