package asil

import (
	"context"
	"fmt"

	"github.com/WessleyAI/safetygraph/engine/domain"
	"github.com/WessleyAI/safetygraph/engine/graph"
)

// Decompose splits a requirement into two children carrying the levels of p.
// The children start as drafts with the parent's text and traces and are
// linked to each other as decomposition partners.
func (e *Engine) Decompose(ctx context.Context, parentID string, p Pair) ([2]string, error) {
	ids := [2]string{domain.NewID(domain.KindRequirement), domain.NewID(domain.KindRequirement)}
	_, err := e.store.Update(ctx, func(tx *graph.Tx) error {
		parent, ok := tx.Model().Requirements[parentID]
		if !ok {
			return domain.NotFound(domain.KindRequirement, parentID)
		}
		if len(parent.DecomposedInto) > 0 {
			return &domain.DecompositionError{
				RequirementID: parentID, Parent: parent.ASIL, Requested: [2]domain.ASIL(p),
				Reason: "requirement is already decomposed",
			}
		}
		if err := CheckPair(parentID, parent.ASIL, p); err != nil {
			return err
		}
		for i, id := range ids {
			child := domain.Requirement{
				ID:                   id,
				Type:                 parent.Type,
				Text:                 parent.Text,
				ASIL:                 p[i],
				Status:               domain.StatusDraft,
				SafetyGoalIDs:        append([]string(nil), parent.SafetyGoalIDs...),
				DecomposedFrom:       parentID,
				DecompositionPartner: ids[1-i],
			}
			if err := tx.PutRequirement(child); err != nil {
				return err
			}
		}
		parent = parent.Clone()
		parent.DecomposedInto = ids[:]
		return tx.PutRequirement(parent)
	})
	if err != nil {
		return [2]string{}, fmt.Errorf("asil: decompose %s: %w", parentID, err)
	}
	e.logger.Info("requirement decomposed", "requirement_id", parentID, "pair", p.String())
	return ids, nil
}

// Reselect assigns a different permitted pair to an existing decomposition.
// The children keep their ids.
func (e *Engine) Reselect(ctx context.Context, parentID string, p Pair) error {
	_, err := e.store.Update(ctx, func(tx *graph.Tx) error {
		m := tx.Model()
		parent, ok := m.Requirements[parentID]
		if !ok {
			return domain.NotFound(domain.KindRequirement, parentID)
		}
		if len(parent.DecomposedInto) != 2 {
			return &domain.DecompositionError{
				RequirementID: parentID, Parent: parent.ASIL, Requested: [2]domain.ASIL(p),
				Reason: "requirement is not decomposed",
			}
		}
		if err := CheckPair(parentID, parent.ASIL, p); err != nil {
			return err
		}
		for i, id := range parent.DecomposedInto {
			child := m.Requirements[id].Clone()
			if child.ASIL == p[i] {
				continue
			}
			child.ASIL = p[i]
			if err := tx.PutRequirement(child); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("asil: reselect %s: %w", parentID, err)
	}
	return nil
}

// SetManual pins a requirement to level so propagation leaves it alone.
// Passing manual=false hands the level back to propagation.
func (e *Engine) SetManual(ctx context.Context, id string, level domain.ASIL, manual bool) error {
	_, err := e.store.Update(ctx, func(tx *graph.Tx) error {
		req, ok := tx.Model().Requirements[id]
		if !ok {
			return domain.NotFound(domain.KindRequirement, id)
		}
		req = req.Clone()
		req.ManualASIL = manual
		if manual {
			req.ASIL = level
		}
		return tx.PutRequirement(req)
	})
	if err != nil {
		return fmt.Errorf("asil: set manual %s: %w", id, err)
	}
	return nil
}

// PairsFor returns the permitted pairs for a stored requirement.
func (e *Engine) PairsFor(id string) ([]Pair, error) {
	req, err := e.store.Requirement(id)
	if err != nil {
		return nil, err
	}
	return LegalPairs(req.ASIL), nil
}
