package review

import (
	"context"
	"maps"
	"slices"

	"github.com/WessleyAI/safetygraph/engine/domain"
	"github.com/WessleyAI/safetygraph/engine/graph"
)

// Name implements graph.Hook.
func (e *Engine) Name() string { return "review" }

// Apply implements graph.Hook. A change of text, ASIL or allocation to a
// requirement that got past peer review sends it back to in_review and
// reopens every finished review that covered it before or after the change,
// so dropping an allocation out of scope still reopens the review.
func (e *Engine) Apply(_ context.Context, tx *graph.Tx) error {
	base, m := tx.Base(), tx.Model()
	before, after := allocations(base), allocations(m)
	var edited []string
	for _, id := range slices.Sorted(maps.Keys(m.Requirements)) {
		cur := m.Requirements[id]
		old, ok := base.Requirements[id]
		if !ok || cur.Status.Rank() < domain.StatusPeerReviewed.Rank() {
			continue
		}
		if old.Text == cur.Text && old.ASIL == cur.ASIL && slices.Equal(before[id], after[id]) {
			continue
		}
		to, err := NextRequirementStatus(id, cur.Status, EventEdit)
		if err != nil {
			return err
		}
		cur = cur.Clone()
		cur.Status = to
		if err := tx.PutRequirement(cur); err != nil {
			return err
		}
		edited = append(edited, id)
	}
	if len(edited) == 0 {
		return nil
	}
	now := e.now()
	for _, rid := range slices.Sorted(maps.Keys(m.Reviews)) {
		r := m.Reviews[rid].Clone()
		if !r.Completed && r.Status != domain.ReviewApproved {
			continue
		}
		closure := append(Closure(base, r.Scope), Closure(m, r.Scope)...)
		if !slices.ContainsFunc(edited, func(id string) bool {
			return slices.Contains(closure, id)
		}) {
			continue
		}
		if err := reopen(tx, &r, now); err != nil {
			return err
		}
		if err := tx.PutReview(r); err != nil {
			return err
		}
		e.logger.Info("review reopened by edit", "review", rid, "requirements", edited)
	}
	return nil
}

// allocations maps each requirement to the sorted elements it is allocated to.
func allocations(m *domain.Model) map[string][]string {
	out := map[string][]string{}
	for id, n := range m.FaultTreeNodes {
		for _, r := range n.RequirementIDs {
			out[r] = append(out[r], id)
		}
	}
	for id, fm := range m.FailureModes {
		for _, r := range fm.RequirementIDs {
			out[r] = append(out[r], id)
		}
	}
	for _, ids := range out {
		slices.Sort(ids)
	}
	return out
}
