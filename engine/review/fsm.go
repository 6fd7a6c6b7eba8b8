// Package review runs peer and joint reviews over a scoped part of the
// safety analysis. It owns the requirement and review state machines, the
// scoped snapshots used as diff baselines, the structural, textual and
// allocation diff, and review comments.
package review

import (
	"github.com/WessleyAI/safetygraph/engine/domain"
)

// RequirementEvent drives the requirement state machine.
type RequirementEvent string

const (
	// EventSubmit puts a draft in front of a review.
	EventSubmit RequirementEvent = "submit"
	// EventPeerComplete closes the peer review of a requirement.
	EventPeerComplete RequirementEvent = "peer_complete"
	// EventJointReady marks a requirement as reviewed in a joint review.
	EventJointReady RequirementEvent = "joint_ready"
	// EventApprove records the approver's sign-off.
	EventApprove RequirementEvent = "approve"
	// EventEdit is a change of text, ASIL or allocation.
	EventEdit RequirementEvent = "edit"
)

type reqEdge struct {
	from domain.RequirementStatus
	ev   RequirementEvent
}

var requirementTransitions = map[reqEdge]domain.RequirementStatus{
	{domain.StatusDraft, EventSubmit}:            domain.StatusInReview,
	{domain.StatusInReview, EventSubmit}:         domain.StatusInReview,
	{domain.StatusInReview, EventPeerComplete}:   domain.StatusPeerReviewed,
	{domain.StatusPeerReviewed, EventJointReady}: domain.StatusPendingApproval,
	{domain.StatusPendingApproval, EventApprove}: domain.StatusApproved,
	{domain.StatusPeerReviewed, EventApprove}:    domain.StatusApproved,
	{domain.StatusInReview, EventApprove}:        domain.StatusApproved,
	{domain.StatusDraft, EventEdit}:              domain.StatusDraft,
	{domain.StatusInReview, EventEdit}:           domain.StatusInReview,
	{domain.StatusPeerReviewed, EventEdit}:       domain.StatusInReview,
	{domain.StatusPendingApproval, EventEdit}:    domain.StatusInReview,
	{domain.StatusApproved, EventEdit}:           domain.StatusInReview,
}

// NextRequirementStatus applies ev to from. Review progress only moves
// forward; an approval covers any requirement already in review. An edit of
// a reviewed requirement sends it back to in_review.
func NextRequirementStatus(id string, from domain.RequirementStatus, ev RequirementEvent) (domain.RequirementStatus, error) {
	to, ok := requirementTransitions[reqEdge{from, ev}]
	if !ok {
		return from, &domain.TransitionError{Machine: "requirement", ID: id, From: string(from), To: string(ev)}
	}
	return to, nil
}

// ReviewEvent drives the review state machine.
type ReviewEvent string

const (
	EventExpire  ReviewEvent = "expire"
	EventExtend  ReviewEvent = "extend"
	EventClose   ReviewEvent = "close"
	EventSignOff ReviewEvent = "sign_off"
	EventReopen  ReviewEvent = "reopen"
)

type revEdge struct {
	from domain.ReviewStatus
	ev   ReviewEvent
}

var reviewTransitions = map[revEdge]domain.ReviewStatus{
	{domain.ReviewOpen, EventExpire}:           domain.ReviewClosedReadOnly,
	{domain.ReviewOpen, EventExtend}:           domain.ReviewOpen,
	{domain.ReviewClosedReadOnly, EventExtend}: domain.ReviewOpen,
	{domain.ReviewOpen, EventClose}:            domain.ReviewClosed,
	{domain.ReviewOpen, EventSignOff}:          domain.ReviewApproved,
	{domain.ReviewOpen, EventReopen}:           domain.ReviewOpen,
	{domain.ReviewClosed, EventReopen}:         domain.ReviewOpen,
	{domain.ReviewApproved, EventReopen}:       domain.ReviewOpen,
	{domain.ReviewClosedReadOnly, EventReopen}: domain.ReviewClosedReadOnly,
}

// NextReviewStatus applies ev to from. A read-only review stays read-only
// when reopened; only a moderator's extension makes it writable again.
func NextReviewStatus(id string, from domain.ReviewStatus, ev ReviewEvent) (domain.ReviewStatus, error) {
	to, ok := reviewTransitions[revEdge{from, ev}]
	if !ok {
		return from, &domain.TransitionError{Machine: "review", ID: id, From: string(from), To: string(ev)}
	}
	return to, nil
}
