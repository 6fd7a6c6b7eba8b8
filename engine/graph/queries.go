package graph

import (
	"github.com/WessleyAI/safetygraph/engine/domain"
)

func get[T any](s *Store, kind domain.Kind, id string, pick func(*domain.Model) map[string]T) (T, error) {
	var (
		v  T
		ok bool
	)
	s.Read(func(m *domain.Model, _ *Index) { v, ok = pick(m)[id] })
	if !ok {
		var zero T
		return zero, domain.NotFound(kind, id)
	}
	return v, nil
}

func list[T any](s *Store, pick func(*domain.Model) map[string]T) []T {
	var out []T
	s.Read(func(m *domain.Model, _ *Index) {
		table := pick(m)
		for _, id := range sortedKeys(table) {
			out = append(out, table[id])
		}
	})
	return out
}

// HaraRow returns a HARA row.
func (s *Store) HaraRow(id string) (domain.HaraRow, error) {
	return get(s, domain.KindHaraRow, id, func(m *domain.Model) map[string]domain.HaraRow { return m.HaraRows })
}

// SafetyGoal returns a safety goal.
func (s *Store) SafetyGoal(id string) (domain.SafetyGoal, error) {
	g, err := get(s, domain.KindSafetyGoal, id, func(m *domain.Model) map[string]domain.SafetyGoal { return m.SafetyGoals })
	return g.Clone(), err
}

// Component returns a component.
func (s *Store) Component(id string) (domain.Component, error) {
	c, err := get(s, domain.KindComponent, id, func(m *domain.Model) map[string]domain.Component { return m.Components })
	return c.Clone(), err
}

// FailureMode returns a failure mode.
func (s *Store) FailureMode(id string) (domain.FailureMode, error) {
	f, err := get(s, domain.KindFailureMode, id, func(m *domain.Model) map[string]domain.FailureMode { return m.FailureModes })
	return f.Clone(), err
}

// FaultTreeNode returns a fault-tree node.
func (s *Store) FaultTreeNode(id string) (domain.FaultTreeNode, error) {
	n, err := get(s, domain.KindFaultTreeNode, id, func(m *domain.Model) map[string]domain.FaultTreeNode { return m.FaultTreeNodes })
	return n.Clone(), err
}

// Requirement returns a requirement.
func (s *Store) Requirement(id string) (domain.Requirement, error) {
	r, err := get(s, domain.KindRequirement, id, func(m *domain.Model) map[string]domain.Requirement { return m.Requirements })
	return r.Clone(), err
}

// MissionProfile returns a mission profile.
func (s *Store) MissionProfile(id string) (domain.MissionProfile, error) {
	p, err := get(s, domain.KindMissionProfile, id, func(m *domain.Model) map[string]domain.MissionProfile { return m.MissionProfiles })
	return p.Clone(), err
}

// Review returns a review.
func (s *Store) Review(id string) (domain.Review, error) {
	r, err := get(s, domain.KindReview, id, func(m *domain.Model) map[string]domain.Review { return m.Reviews })
	return r.Clone(), err
}

// Snapshot returns a snapshot.
func (s *Store) Snapshot(id string) (domain.Snapshot, error) {
	sn, err := get(s, domain.KindSnapshot, id, func(m *domain.Model) map[string]domain.Snapshot { return m.Snapshots })
	return sn.Clone(), err
}

// HaraRows lists every HARA row by id.
func (s *Store) HaraRows() []domain.HaraRow {
	return list(s, func(m *domain.Model) map[string]domain.HaraRow { return m.HaraRows })
}

// Requirements lists every requirement by id.
func (s *Store) Requirements() []domain.Requirement {
	return list(s, func(m *domain.Model) map[string]domain.Requirement { return m.Requirements })
}

// Reviews lists every review by id.
func (s *Store) Reviews() []domain.Review {
	return list(s, func(m *domain.Model) map[string]domain.Review { return m.Reviews })
}

// Snapshots lists every snapshot by id.
func (s *Store) Snapshots() []domain.Snapshot {
	return list(s, func(m *domain.Model) map[string]domain.Snapshot { return m.Snapshots })
}

// FailureModesOf returns the failure modes of a component.
func (s *Store) FailureModesOf(componentID string) []domain.FailureMode {
	var out []domain.FailureMode
	s.Read(func(m *domain.Model, ix *Index) {
		for _, id := range ix.FailureModesOf(componentID) {
			out = append(out, m.FailureModes[id].Clone())
		}
	})
	return out
}

// RequirementsAllocatedTo returns the requirements allocated to a basic event
// or FMEA row.
func (s *Store) RequirementsAllocatedTo(elementID string) []domain.Requirement {
	var out []domain.Requirement
	s.Read(func(m *domain.Model, _ *Index) {
		var ids []string
		if n, ok := m.FaultTreeNodes[elementID]; ok {
			ids = n.RequirementIDs
		} else if f, ok := m.FailureModes[elementID]; ok {
			ids = f.RequirementIDs
		}
		for _, id := range ids {
			out = append(out, m.Requirements[id].Clone())
		}
	})
	return out
}

// AllocationsOf returns the elements a requirement is allocated to.
func (s *Store) AllocationsOf(requirementID string) []string {
	var out []string
	s.Read(func(_ *domain.Model, ix *Index) { out = ix.AllocationsOf(requirementID) })
	return out
}

// RowsForGoal returns the HARA rows referencing a safety goal.
func (s *Store) RowsForGoal(goalID string) []domain.HaraRow {
	var out []domain.HaraRow
	s.Read(func(m *domain.Model, ix *Index) {
		for _, id := range ix.RowsForGoal(goalID) {
			out = append(out, m.HaraRows[id])
		}
	})
	return out
}

// ReviewsIncluding returns the reviews whose declared scope lists id.
func (s *Store) ReviewsIncluding(id string) []string {
	var out []string
	s.Read(func(_ *domain.Model, ix *Index) { out = ix.ReviewsIncluding(id) })
	return out
}

// MalfunctionsOf returns the malfunctions raised against a function.
func (s *Store) MalfunctionsOf(functionID string) []domain.Malfunction {
	var out []domain.Malfunction
	s.Read(func(m *domain.Model, ix *Index) {
		for _, id := range ix.MalfunctionsOf(functionID) {
			out = append(out, m.Malfunctions[id])
		}
	})
	return out
}

// MalfunctionsInHazop returns the malfunctions owned by a HAZOP document.
func (s *Store) MalfunctionsInHazop(hazopID string) []domain.Malfunction {
	var out []domain.Malfunction
	s.Read(func(m *domain.Model, ix *Index) {
		for _, id := range ix.MalfunctionsInHazop(hazopID) {
			out = append(out, m.Malfunctions[id])
		}
	})
	return out
}

// RowsForMalfunction returns the HARA rows rating a malfunction.
func (s *Store) RowsForMalfunction(malfunctionID string) []domain.HaraRow {
	var out []domain.HaraRow
	s.Read(func(m *domain.Model, ix *Index) {
		for _, id := range ix.RowsForMalfunction(malfunctionID) {
			out = append(out, m.HaraRows[id])
		}
	})
	return out
}

// RequirementsForGoal returns the requirements traced to a safety goal.
func (s *Store) RequirementsForGoal(goalID string) []domain.Requirement {
	var out []domain.Requirement
	s.Read(func(m *domain.Model, ix *Index) {
		for _, id := range ix.RequirementsForGoal(goalID) {
			out = append(out, m.Requirements[id].Clone())
		}
	})
	return out
}

// NodesUsingFailureMode returns the fault-tree nodes drawing their FIT from a
// failure mode.
func (s *Store) NodesUsingFailureMode(failureModeID string) []domain.FaultTreeNode {
	var out []domain.FaultTreeNode
	s.Read(func(m *domain.Model, ix *Index) {
		for _, id := range ix.NodesUsingFailureMode(failureModeID) {
			out = append(out, m.FaultTreeNodes[id].Clone())
		}
	})
	return out
}

// ParentsOf returns the fault-tree nodes listing nodeID as a child.
func (s *Store) ParentsOf(nodeID string) []string {
	var out []string
	s.Read(func(_ *domain.Model, ix *Index) { out = ix.ParentsOf(nodeID) })
	return out
}
