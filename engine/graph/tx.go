package graph

import (
	"fmt"
	"slices"

	"github.com/WessleyAI/safetygraph/engine/domain"
)

// Tx is a mutation in progress. It writes to a private copy of the model and
// records every entity it touches.
type Tx struct {
	base    *domain.Model
	rev     uint64
	m       *domain.Model
	full    bool
	changes []Change
	pos     map[string]int
	index   *Index
}

func newTx(base *domain.Model, rev uint64, full bool) *Tx {
	return &Tx{
		base: base,
		rev:  rev,
		m:    base.Clone(),
		full: full,
		pos:  make(map[string]int),
	}
}

// Base is the committed model the transaction started from. Read only.
func (tx *Tx) Base() *domain.Model { return tx.base }

// Revision is the revision this transaction commits as if it changes
// anything.
func (tx *Tx) Revision() uint64 { return tx.rev + 1 }

// Model is the working model. Reads are free; writes must go through Put and
// Delete so they are recorded and checked.
func (tx *Tx) Model() *domain.Model { return tx.m }

// Full reports whether this is a whole-model recomputation.
func (tx *Tx) Full() bool { return tx.full }

// Changes returns the changes recorded so far.
func (tx *Tx) Changes() []Change { return slices.Clone(tx.changes) }

// ChangedOf returns the ids of kind touched so far, in first-touch order,
// skipping deletions.
func (tx *Tx) ChangedOf(kind domain.Kind) []string {
	var ids []string
	for _, c := range tx.changes {
		if c.Kind == kind && c.Op != OpDeleted {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// Deleted returns the ids deleted so far.
func (tx *Tx) Deleted() []Change {
	var out []Change
	for _, c := range tx.changes {
		if c.Op == OpDeleted {
			out = append(out, c)
		}
	}
	return out
}

// Index returns an index over the working model, rebuilt after writes.
func (tx *Tx) Index() *Index {
	if tx.index == nil {
		tx.index = BuildIndex(tx.m)
	}
	return tx.index
}

func (tx *Tx) record(kind domain.Kind, id string, op Op) {
	tx.index = nil
	if i, ok := tx.pos[id]; ok {
		prev := tx.changes[i].Op
		switch {
		case op == OpDeleted && prev == OpCreated:
			// created and deleted in one transaction: nothing happened
			tx.changes = slices.Delete(tx.changes, i, i+1)
			delete(tx.pos, id)
			for j := i; j < len(tx.changes); j++ {
				tx.pos[tx.changes[j].ID] = j
			}
		case op == OpDeleted:
			tx.changes[i].Op = OpDeleted
		case prev == OpDeleted:
			tx.changes[i].Op = OpUpdated
		}
		return
	}
	tx.pos[id] = len(tx.changes)
	tx.changes = append(tx.changes, Change{Kind: kind, ID: id, Op: op})
}

func put[T any](tx *Tx, kind domain.Kind, table map[string]T, id string, v T) error {
	if id == "" {
		return domain.NewValidationError(kind, "", "id", "", nil)
	}
	if err := domain.Validate(kind, id, v); err != nil {
		return err
	}
	if k := tx.m.KindOf(id); k != "" && k != kind {
		return domain.NewValidationError(kind, id, "id", id, fmt.Errorf("%w: already used by %s", domain.ErrDuplicate, k))
	}
	op := OpCreated
	if _, ok := table[id]; ok {
		op = OpUpdated
	}
	table[id] = v
	tx.record(kind, id, op)
	return nil
}

// PutHazopDoc creates or replaces a HAZOP document.
func (tx *Tx) PutHazopDoc(v domain.HazopDoc) error {
	return put(tx, domain.KindHazopDoc, tx.m.HazopDocs, v.ID, v)
}

// PutFunction creates or replaces a function.
func (tx *Tx) PutFunction(v domain.Function) error {
	return put(tx, domain.KindFunction, tx.m.Functions, v.ID, v)
}

// PutMalfunction creates or replaces a malfunction.
func (tx *Tx) PutMalfunction(v domain.Malfunction) error {
	return put(tx, domain.KindMalfunction, tx.m.Malfunctions, v.ID, v)
}

// PutHaraDoc creates or replaces a HARA document.
func (tx *Tx) PutHaraDoc(v domain.HaraDoc) error {
	return put(tx, domain.KindHaraDoc, tx.m.HaraDocs, v.ID, v.Clone())
}

// PutHaraRow creates or replaces a HARA row.
func (tx *Tx) PutHaraRow(v domain.HaraRow) error {
	return put(tx, domain.KindHaraRow, tx.m.HaraRows, v.ID, v)
}

// PutSafetyGoal creates or replaces a safety goal.
func (tx *Tx) PutSafetyGoal(v domain.SafetyGoal) error {
	return put(tx, domain.KindSafetyGoal, tx.m.SafetyGoals, v.ID, v.Clone())
}

// PutComponent creates or replaces a component.
func (tx *Tx) PutComponent(v domain.Component) error {
	return put(tx, domain.KindComponent, tx.m.Components, v.ID, v.Clone())
}

// PutFailureMode creates or replaces a failure mode.
func (tx *Tx) PutFailureMode(v domain.FailureMode) error {
	return put(tx, domain.KindFailureMode, tx.m.FailureModes, v.ID, v.Clone())
}

// PutFaultTreeNode creates or replaces a fault-tree node.
func (tx *Tx) PutFaultTreeNode(v domain.FaultTreeNode) error {
	return put(tx, domain.KindFaultTreeNode, tx.m.FaultTreeNodes, v.ID, v.Clone())
}

// PutRequirement creates or replaces a requirement.
func (tx *Tx) PutRequirement(v domain.Requirement) error {
	return put(tx, domain.KindRequirement, tx.m.Requirements, v.ID, v.Clone())
}

// PutMissionProfile creates or replaces a mission profile.
func (tx *Tx) PutMissionProfile(v domain.MissionProfile) error {
	return put(tx, domain.KindMissionProfile, tx.m.MissionProfiles, v.ID, v.Clone())
}

// PutReview creates or replaces a review.
func (tx *Tx) PutReview(v domain.Review) error {
	return put(tx, domain.KindReview, tx.m.Reviews, v.ID, v.Clone())
}

// PutSnapshot stores a new snapshot. Snapshots are immutable once stored.
func (tx *Tx) PutSnapshot(v domain.Snapshot) error {
	if _, ok := tx.m.Snapshots[v.ID]; ok {
		return domain.NewValidationError(domain.KindSnapshot, v.ID, "id", v.ID, fmt.Errorf("%w: snapshots are immutable", domain.ErrDuplicate))
	}
	return put(tx, domain.KindSnapshot, tx.m.Snapshots, v.ID, v.Clone())
}

// SetActiveMissionProfile selects the mission profile driving probabilities.
// An empty id clears the selection.
func (tx *Tx) SetActiveMissionProfile(id string) error {
	if id != "" {
		if _, ok := tx.m.MissionProfiles[id]; !ok {
			return domain.NotFound(domain.KindMissionProfile, id)
		}
	}
	if tx.m.ActiveMissionProfile == id {
		return nil
	}
	tx.m.ActiveMissionProfile = id
	tx.record(KindProject, ProjectID, OpUpdated)
	return nil
}

// KindProject and ProjectID name project-level settings in change sets.
const (
	KindProject domain.Kind = "project"
	ProjectID               = "project"
)

// Delete removes an entity. Without cascade, an entity still referenced
// elsewhere is rejected with a ReferentialIntegrityError. With cascade,
// optional references are unlinked and owned records are deleted in turn.
func (tx *Tx) Delete(id string, cascade bool) error {
	kind := tx.m.KindOf(id)
	if kind == "" {
		return domain.NotFound("entity", id)
	}
	refs := referencesTo(tx.m, id)
	if len(refs) > 0 && !cascade {
		out := make([]domain.Ref, len(refs))
		for i, r := range refs {
			out[i] = r.Ref
		}
		return &domain.ReferentialIntegrityError{Entity: kind, ID: id, ReferencedBy: out}
	}
	for _, r := range refs {
		if err := tx.unlink(r, id); err != nil {
			return err
		}
	}
	tx.remove(kind, id)
	return nil
}

func (tx *Tx) remove(kind domain.Kind, id string) {
	switch kind {
	case domain.KindHazopDoc:
		delete(tx.m.HazopDocs, id)
	case domain.KindFunction:
		delete(tx.m.Functions, id)
	case domain.KindMalfunction:
		delete(tx.m.Malfunctions, id)
	case domain.KindHaraDoc:
		delete(tx.m.HaraDocs, id)
	case domain.KindHaraRow:
		delete(tx.m.HaraRows, id)
	case domain.KindSafetyGoal:
		delete(tx.m.SafetyGoals, id)
	case domain.KindComponent:
		delete(tx.m.Components, id)
	case domain.KindFailureMode:
		delete(tx.m.FailureModes, id)
	case domain.KindFaultTreeNode:
		delete(tx.m.FaultTreeNodes, id)
	case domain.KindRequirement:
		delete(tx.m.Requirements, id)
	case domain.KindMissionProfile:
		delete(tx.m.MissionProfiles, id)
	case domain.KindReview:
		delete(tx.m.Reviews, id)
	case domain.KindSnapshot:
		delete(tx.m.Snapshots, id)
	}
	tx.record(kind, id, OpDeleted)
}
