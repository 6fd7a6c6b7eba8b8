// Package domain defines the safety-analysis entities, their enumerations and
// error kinds, and the field validation gate applied at every mutation
// boundary of the graph store.
package domain

import (
	"fmt"
	"strings"
)

// ASIL is an Automotive Safety Integrity Level.
type ASIL string

const (
	QM    ASIL = "QM"
	ASILA ASIL = "A"
	ASILB ASIL = "B"
	ASILC ASIL = "C"
	ASILD ASIL = "D"
)

// ASILs lists every level from lowest to highest.
var ASILs = []ASIL{QM, ASILA, ASILB, ASILC, ASILD}

var asilRank = map[ASIL]int{QM: 0, ASILA: 1, ASILB: 2, ASILC: 3, ASILD: 4}

// Rank orders levels: QM=0 .. D=4. Unknown levels rank below QM.
func (a ASIL) Rank() int {
	if r, ok := asilRank[a]; ok {
		return r
	}
	return -1
}

// IsValid reports whether a is one of the five levels.
func (a ASIL) IsValid() bool { return a.Rank() >= 0 }

// MaxASIL returns the higher of two levels.
func MaxASIL(a, b ASIL) ASIL {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseASIL accepts "QM", "A".."D" and the "ASIL D" spelling.
func ParseASIL(s string) (ASIL, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "ASIL ")
	a := ASIL(s)
	if !a.IsValid() {
		return "", fmt.Errorf("domain: unknown ASIL %q: %w", s, ErrValidation)
	}
	return a, nil
}

// Guideword classifies a HAZOP malfunction.
type Guideword string

const (
	GuidewordNoNot        Guideword = "No/Not"
	GuidewordUnintended   Guideword = "Unintended"
	GuidewordExcessive    Guideword = "Excessive"
	GuidewordInsufficient Guideword = "Insufficient"
	GuidewordReverse      Guideword = "Reverse"
)

// RequirementType distinguishes vehicle-level from operational requirements.
type RequirementType string

const (
	RequirementVehicle     RequirementType = "vehicle"
	RequirementOperational RequirementType = "operational"
)

// RequirementStatus is the review progress of a requirement.
type RequirementStatus string

const (
	StatusDraft           RequirementStatus = "draft"
	StatusInReview        RequirementStatus = "in_review"
	StatusPeerReviewed    RequirementStatus = "peer_reviewed"
	StatusPendingApproval RequirementStatus = "pending_approval"
	StatusApproved        RequirementStatus = "approved"
)

var requirementStatusRank = map[RequirementStatus]int{
	StatusDraft:           0,
	StatusInReview:        1,
	StatusPeerReviewed:    2,
	StatusPendingApproval: 3,
	StatusApproved:        4,
}

// Rank orders statuses along the forward review progression.
func (s RequirementStatus) Rank() int {
	if r, ok := requirementStatusRank[s]; ok {
		return r
	}
	return -1
}

// IsValid reports whether s is a known status.
func (s RequirementStatus) IsValid() bool { return s.Rank() >= 0 }

// NodeType is the kind of a fault-tree node.
type NodeType string

const (
	NodeTopEvent                NodeType = "top_event"
	NodeGate                    NodeType = "gate"
	NodeBasicEvent              NodeType = "basic_event"
	NodeTriggeringCondition     NodeType = "triggering_condition"
	NodeFunctionalInsufficiency NodeType = "functional_insufficiency"
)

// IsLeaf reports whether nodes of this type carry their own probability.
func (t NodeType) IsLeaf() bool {
	switch t {
	case NodeBasicEvent, NodeTriggeringCondition, NodeFunctionalInsufficiency:
		return true
	}
	return false
}

// GateKind is the boolean combinator of a gate or top event.
type GateKind string

const (
	GateAND GateKind = "AND"
	GateOR  GateKind = "OR"
)

// ProbabilityMode selects the formula turning a FIT rate into a probability.
type ProbabilityMode string

const (
	ProbabilityLinear      ProbabilityMode = "linear"
	ProbabilityExponential ProbabilityMode = "exponential"
	ProbabilityConstant    ProbabilityMode = "constant"
)

// Certificate is a component qualification standard.
type Certificate string

const (
	CertNone        Certificate = "None"
	CertAECQ100     Certificate = "AEC-Q100"
	CertAECQ101     Certificate = "AEC-Q101"
	CertAECQ200     Certificate = "AEC-Q200"
	CertIECQ        Certificate = "IECQ"
	CertMILSTD883   Certificate = "MIL-STD-883"
	CertMILPRF38534 Certificate = "MIL-PRF-38534"
	CertMILPRF38535 Certificate = "MIL-PRF-38535"
	CertSpace       Certificate = "Space"
)

// FaultType is the FMEDA fault classification of a failure mode.
type FaultType string

const (
	FaultPermanent FaultType = "permanent"
	FaultTransient FaultType = "transient"
)

// ReviewType is peer or joint.
type ReviewType string

const (
	ReviewPeer  ReviewType = "peer"
	ReviewJoint ReviewType = "joint"
)

// Role of a review participant.
type Role string

const (
	RoleModerator Role = "moderator"
	RoleReviewer  Role = "reviewer"
	RoleApprover  Role = "approver"
)

// ReviewStatus is the lifecycle state of a review.
type ReviewStatus string

const (
	ReviewOpen           ReviewStatus = "open"
	ReviewClosed         ReviewStatus = "closed"
	ReviewClosedReadOnly ReviewStatus = "closed_readonly"
	ReviewApproved       ReviewStatus = "approved"
)

// Kind names an entity type. It prefixes generated identifiers and appears in
// errors so corrupt or conflicting records can be located.
type Kind string

const (
	KindHazopDoc       Kind = "hazop"
	KindFunction       Kind = "function"
	KindMalfunction    Kind = "malfunction"
	KindHaraDoc        Kind = "hara"
	KindHaraRow        Kind = "hara_row"
	KindSafetyGoal     Kind = "safety_goal"
	KindComponent      Kind = "component"
	KindFailureMode    Kind = "failure_mode"
	KindFaultTreeNode  Kind = "ft_node"
	KindRequirement    Kind = "requirement"
	KindMissionProfile Kind = "mission_profile"
	KindReview         Kind = "review"
	KindSnapshot       Kind = "snapshot"
)
