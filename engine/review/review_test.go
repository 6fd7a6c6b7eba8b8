package review

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/WessleyAI/safetygraph/engine/domain"
	"github.com/WessleyAI/safetygraph/engine/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// newEngine seeds a fault tree te -> be with req-2 allocated to be, and a
// component c-1 whose failure mode fm-1 carries req-1. req-3 is allocated
// nowhere.
func newEngine(t *testing.T) (*graph.Store, *Engine, *fakeClock) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	s := graph.New(graph.WithLogger(logger))
	e := New(s, logger, WithClock(clk.Now))
	s.Use(e)
	_, err := s.Update(context.Background(), func(tx *graph.Tx) error {
		return errors.Join(
			tx.PutRequirement(domain.Requirement{ID: "req-1", Type: domain.RequirementVehicle, Text: "Detect open circuit", ASIL: domain.ASILB, Status: domain.StatusDraft}),
			tx.PutRequirement(domain.Requirement{ID: "req-2", Type: domain.RequirementVehicle, Text: "Enter safe state within 50 ms", ASIL: domain.ASILB, Status: domain.StatusDraft}),
			tx.PutRequirement(domain.Requirement{ID: "req-3", Type: domain.RequirementOperational, Text: "Warn the driver", ASIL: domain.ASILA, Status: domain.StatusDraft}),
			tx.PutComponent(domain.Component{ID: "c-1", Name: "Shunt", Passive: true, BaseFIT: 1}),
			tx.PutFailureMode(domain.FailureMode{ID: "fm-1", ComponentID: "c-1", FaultFraction: 1, RequirementIDs: []string{"req-1"}}),
			tx.PutFaultTreeNode(domain.FaultTreeNode{ID: "be", Name: "R1 open", Type: domain.NodeBasicEvent, RequirementIDs: []string{"req-2"}}),
			tx.PutFaultTreeNode(domain.FaultTreeNode{ID: "te", Name: "Loss of braking", Type: domain.NodeTopEvent, Gate: domain.GateOR, Children: []string{"be"}}),
		)
	})
	require.NoError(t, err)
	return s, e, clk
}

func peer(clk *fakeClock, scope ...string) NewReview {
	return NewReview{
		Name: "peer",
		Type: domain.ReviewPeer,
		Participants: []domain.Participant{
			{Name: "mod", Role: domain.RoleModerator},
			{Name: "alice", Role: domain.RoleReviewer},
			{Name: "bob", Role: domain.RoleReviewer},
		},
		Scope:   scope,
		DueDate: clk.Now().Add(72 * time.Hour),
	}
}

func joint(clk *fakeClock, scope ...string) NewReview {
	return NewReview{
		Name: "joint",
		Type: domain.ReviewJoint,
		Participants: []domain.Participant{
			{Name: "mod", Role: domain.RoleModerator},
			{Name: "alice", Role: domain.RoleReviewer},
			{Name: "carol", Role: domain.RoleApprover},
		},
		Scope:   scope,
		DueDate: clk.Now().Add(72 * time.Hour),
	}
}

func status(t *testing.T, s *graph.Store, id string) domain.RequirementStatus {
	t.Helper()
	r, err := s.Requirement(id)
	require.NoError(t, err)
	return r.Status
}

func TestClosure(t *testing.T) {
	s, _, _ := newEngine(t)
	m := s.Model()
	assert.Equal(t, []string{"be", "c-1", "fm-1", "req-1", "req-2", "te"}, Closure(m, []string{"te", "c-1"}))
	assert.Equal(t, []string{"be", "req-2"}, Closure(m, []string{"be"}))
	assert.Equal(t, []string{"req-3"}, Closure(m, []string{"req-3"}))

	a := Extract(m, Closure(m, []string{"be"}))
	assert.Len(t, a.FaultTreeNodes, 1)
	assert.Len(t, a.Requirements, 1)
	assert.Empty(t, a.Components)
	assert.Len(t, Extract(m, nil).Requirements, 3)
}

func TestCreateSnapshotsScopeAndSubmitsDrafts(t *testing.T) {
	s, e, clk := newEngine(t)
	r, err := e.Create(context.Background(), peer(clk, "te", "c-1"))
	require.NoError(t, err)

	assert.Equal(t, domain.ReviewOpen, r.Status)
	snap, err := s.Snapshot(r.BaselineID)
	require.NoError(t, err)
	assert.Equal(t, s.Revision(), snap.Revision)
	assert.Equal(t, r.BaselineRev, snap.Revision)
	assert.Equal(t, r.ID, snap.ReviewID)
	assert.Len(t, snap.Content.Requirements, 2)
	assert.Equal(t, domain.StatusInReview, snap.Content.Requirements["req-1"].Status)

	assert.Equal(t, domain.StatusInReview, status(t, s, "req-1"))
	assert.Equal(t, domain.StatusInReview, status(t, s, "req-2"))
	assert.Equal(t, domain.StatusDraft, status(t, s, "req-3"))
}

func TestCreateRejectsBadReviews(t *testing.T) {
	_, e, clk := newEngine(t)
	ctx := context.Background()

	nr := peer(clk)
	_, err := e.Create(ctx, nr)
	assert.ErrorIs(t, err, domain.ErrValidation, "empty scope")

	nr = peer(clk, "te")
	nr.DueDate = clk.Now().Add(-time.Hour)
	_, err = e.Create(ctx, nr)
	assert.ErrorIs(t, err, domain.ErrValidation, "past due date")

	nr = peer(clk, "te")
	nr.Participants = nr.Participants[1:]
	_, err = e.Create(ctx, nr)
	assert.ErrorIs(t, err, domain.ErrValidation, "no moderator")

	nj := joint(clk, "te")
	nj.Participants = nj.Participants[:2]
	_, err = e.Create(ctx, nj)
	assert.ErrorIs(t, err, domain.ErrValidation, "joint without approver")

	_, err = e.Create(ctx, joint(clk, "te"))
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr, "joint without a completed peer review")
	assert.Equal(t, "scope", verr.Field)

	_, err = e.Create(ctx, peer(clk, "nope"))
	assert.ErrorIs(t, err, domain.ErrReferentialIntegrity)
}

// lifecycle runs a peer review over te and c-1 and a joint review over te to
// approval.
func lifecycle(t *testing.T, s *graph.Store, e *Engine, clk *fakeClock) (domain.Review, domain.Review) {
	t.Helper()
	ctx := context.Background()
	p, err := e.Create(ctx, peer(clk, "te", "c-1"))
	require.NoError(t, err)
	firstBaseline := p.BaselineID

	require.NoError(t, e.MarkDone(ctx, p.ID, "alice"))
	assert.Equal(t, domain.StatusInReview, status(t, s, "req-2"), "one reviewer left")
	require.NoError(t, e.MarkDone(ctx, p.ID, "bob"))
	p, _ = s.Review(p.ID)
	assert.True(t, p.Completed)
	assert.Equal(t, domain.ReviewClosed, p.Status, "peer reviews close without an approver")
	assert.NotEqual(t, firstBaseline, p.BaselineID)
	assert.Equal(t, domain.StatusPeerReviewed, status(t, s, "req-1"))
	assert.Equal(t, domain.StatusPeerReviewed, status(t, s, "req-2"))

	j, err := e.Create(ctx, joint(clk, "te"))
	require.NoError(t, err)
	err = e.Approve(ctx, j.ID, "carol")
	assert.ErrorIs(t, err, domain.ErrIllegalTransition, "reviewers not done")

	require.NoError(t, e.MarkDone(ctx, j.ID, "alice"))
	assert.Equal(t, domain.StatusPendingApproval, status(t, s, "req-2"))
	assert.Equal(t, domain.StatusPeerReviewed, status(t, s, "req-1"), "outside the joint scope")

	c, err := e.AddComment(ctx, j.ID, "carol", "be", "name the resistor")
	require.NoError(t, err)
	err = e.Approve(ctx, j.ID, "carol")
	assert.ErrorIs(t, err, domain.ErrIllegalTransition, "open comment")
	require.NoError(t, e.Resolve(ctx, j.ID, c.ID, "alice", "renamed in rev B"))

	err = e.Approve(ctx, j.ID, "alice")
	assert.ErrorIs(t, err, domain.ErrPermission)
	require.NoError(t, e.Approve(ctx, j.ID, "carol"))

	j, _ = s.Review(j.ID)
	assert.Equal(t, domain.ReviewApproved, j.Status)
	assert.Equal(t, domain.StatusApproved, status(t, s, "req-2"))
	return p, j
}

func TestPeerAndJointReviewToApproval(t *testing.T) {
	s, e, clk := newEngine(t)
	_, j := lifecycle(t, s, e, clk)
	snap, err := s.Snapshot(j.BaselineID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, snap.Content.Requirements["req-2"].Status)

	err = e.Approve(context.Background(), j.ID, "carol")
	assert.ErrorIs(t, err, domain.ErrIllegalTransition, "already approved")
}

// requirementEdits change req-2 after approval. Dropping its allocation to be
// moves it out of the joint scope.
var requirementEdits = []struct {
	name    string
	edit    func(tx *graph.Tx) error
	inScope bool
}{
	{"text", func(tx *graph.Tx) error {
		r := tx.Model().Requirements["req-2"].Clone()
		r.Text = "Enter safe state within 20 ms"
		return tx.PutRequirement(r)
	}, true},
	{"asil", func(tx *graph.Tx) error {
		r := tx.Model().Requirements["req-2"].Clone()
		r.ASIL = domain.ASILC
		return tx.PutRequirement(r)
	}, true},
	{"allocation", func(tx *graph.Tx) error {
		fm := tx.Model().FailureModes["fm-1"].Clone()
		fm.RequirementIDs = append(fm.RequirementIDs, "req-2")
		return tx.PutFailureMode(fm)
	}, true},
	{"deallocation", func(tx *graph.Tx) error {
		n := tx.Model().FaultTreeNodes["be"].Clone()
		n.RequirementIDs = nil
		return tx.PutFaultTreeNode(n)
	}, false},
}

func TestEditOfApprovedRequirementReopensReviews(t *testing.T) {
	for _, tt := range requirementEdits {
		t.Run(tt.name, func(t *testing.T) {
			s, e, clk := newEngine(t)
			p, j := lifecycle(t, s, e, clk)

			_, err := s.Update(context.Background(), tt.edit)
			require.NoError(t, err)

			assert.Equal(t, domain.StatusInReview, status(t, s, "req-2"))
			assert.Equal(t, domain.StatusPeerReviewed, status(t, s, "req-1"), "untouched requirement keeps its status")
			j, _ = s.Review(j.ID)
			assert.Equal(t, domain.ReviewOpen, j.Status)
			assert.False(t, j.Completed)
			p, _ = s.Review(p.ID)
			assert.Equal(t, domain.ReviewOpen, p.Status)
			assert.False(t, p.Completed)
			for _, part := range p.Participants {
				assert.False(t, part.Done, part.Name)
			}
		})
	}
}

func TestReapprovalAfterEdit(t *testing.T) {
	for _, tt := range requirementEdits {
		t.Run(tt.name, func(t *testing.T) {
			s, e, clk := newEngine(t)
			ctx := context.Background()
			_, j := lifecycle(t, s, e, clk)
			_, err := s.Update(ctx, tt.edit)
			require.NoError(t, err)

			require.NoError(t, e.MarkDone(ctx, j.ID, "alice"))
			assert.Equal(t, domain.StatusInReview, status(t, s, "req-2"), "an edited requirement skips joint_ready")
			require.NoError(t, e.Approve(ctx, j.ID, "carol"))

			j, _ = s.Review(j.ID)
			assert.Equal(t, domain.ReviewApproved, j.Status)
			want := domain.StatusApproved
			if !tt.inScope {
				want = domain.StatusInReview
			}
			assert.Equal(t, want, status(t, s, "req-2"))
			assert.Equal(t, domain.StatusPeerReviewed, status(t, s, "req-1"), "outside the joint scope")

			snap, err := s.Snapshot(j.BaselineID)
			require.NoError(t, err)
			if tt.inScope {
				assert.Equal(t, domain.StatusApproved, snap.Content.Requirements["req-2"].Status)
			} else {
				assert.NotContains(t, snap.Content.Requirements, "req-2")
			}
		})
	}
}

func TestJointApprovalAdvancesEveryReviewedStatus(t *testing.T) {
	tests := []struct {
		from domain.RequirementStatus
		want domain.RequirementStatus
	}{
		{domain.StatusDraft, domain.StatusDraft},
		{domain.StatusInReview, domain.StatusApproved},
		{domain.StatusPeerReviewed, domain.StatusApproved},
		{domain.StatusPendingApproval, domain.StatusApproved},
		{domain.StatusApproved, domain.StatusApproved},
	}
	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			s, e, clk := newEngine(t)
			ctx := context.Background()
			p, err := e.Create(ctx, peer(clk, "req-3"))
			require.NoError(t, err)
			require.NoError(t, e.MarkDone(ctx, p.ID, "alice"))
			require.NoError(t, e.MarkDone(ctx, p.ID, "bob"))
			j, err := e.Create(ctx, joint(clk, "req-3"))
			require.NoError(t, err)
			require.NoError(t, e.MarkDone(ctx, j.ID, "alice"))
			assert.Equal(t, domain.StatusPendingApproval, status(t, s, "req-3"))

			_, err = s.Update(ctx, func(tx *graph.Tx) error {
				r := tx.Model().Requirements["req-3"].Clone()
				r.Status = tt.from
				return tx.PutRequirement(r)
			})
			require.NoError(t, err)
			require.NoError(t, e.Approve(ctx, j.ID, "carol"))
			assert.Equal(t, tt.want, status(t, s, "req-3"))
		})
	}
}

func TestEditOfDraftDoesNotReopen(t *testing.T) {
	s, e, clk := newEngine(t)
	r, err := e.Create(context.Background(), peer(clk, "be"))
	require.NoError(t, err)
	_, err = s.Update(context.Background(), func(tx *graph.Tx) error {
		req := tx.Model().Requirements["req-2"].Clone()
		req.Text = "changed"
		return tx.PutRequirement(req)
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInReview, status(t, s, "req-2"))
	got, _ := s.Review(r.ID)
	assert.Equal(t, r.Status, got.Status)
}

func TestComments(t *testing.T) {
	s, e, clk := newEngine(t)
	ctx := context.Background()
	r, err := e.Create(ctx, peer(clk, "te", "c-1"))
	require.NoError(t, err)

	_, err = e.AddComment(ctx, r.ID, "alice", "req-3", "out of scope")
	var serr *domain.ScopeError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "req-3", serr.TargetID)
	_, err = e.AddComment(ctx, r.ID, "eve", "fm-1", "who am I")
	assert.ErrorIs(t, err, domain.ErrPermission)
	_, err = e.AddComment(ctx, r.ID, "alice", "fm-1", "  ")
	assert.ErrorIs(t, err, domain.ErrValidation)

	c1, err := e.AddComment(ctx, r.ID, "alice", "fm-1", "fraction looks high")
	require.NoError(t, err)
	c2, err := e.AddComment(ctx, r.ID, "bob", "req-2", "which safe state?")
	require.NoError(t, err)
	assert.Equal(t, 1, c1.ID)
	assert.Equal(t, 2, c2.ID)

	err = e.Resolve(ctx, r.ID, c1.ID, "bob", "")
	assert.ErrorIs(t, err, domain.ErrValidation)
	require.NoError(t, e.Resolve(ctx, r.ID, c1.ID, "bob", "per datasheet"))
	err = e.Resolve(ctx, r.ID, c1.ID, "bob", "again")
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	assert.ErrorIs(t, e.Resolve(ctx, r.ID, 99, "bob", "x"), domain.ErrNotFound)

	open, err := e.Unresolved(r.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, c2.ID, open[0].ID)

	got, _ := s.Review(r.ID)
	require.Len(t, got.Comments, 2)
	assert.Equal(t, "fraction looks high", got.Comments[0].Text, "resolution keeps the comment")
	assert.Equal(t, "per datasheet", got.Comments[0].Resolution)
	assert.Equal(t, clk.Now(), got.Comments[0].ResolvedAt)
}

func TestDueDateExpiryAndExtension(t *testing.T) {
	s, e, clk := newEngine(t)
	ctx := context.Background()
	r, err := e.Create(ctx, peer(clk, "te"))
	require.NoError(t, err)

	clk.Advance(73 * time.Hour)
	_, err = e.AddComment(ctx, r.ID, "alice", "be", "late")
	assert.ErrorIs(t, err, domain.ErrReadOnly)

	closed, err := e.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{r.ID}, closed)
	got, _ := s.Review(r.ID)
	assert.Equal(t, domain.ReviewClosedReadOnly, got.Status)

	require.NoError(t, e.Reopen(ctx, r.ID))
	got, _ = s.Review(r.ID)
	assert.Equal(t, domain.ReviewClosedReadOnly, got.Status, "reopen does not lift the deadline")

	due := clk.Now().Add(24 * time.Hour)
	assert.ErrorIs(t, e.Extend(ctx, r.ID, "alice", due), domain.ErrPermission)
	assert.ErrorIs(t, e.Extend(ctx, r.ID, "mod", clk.Now().Add(-time.Minute)), domain.ErrValidation)
	require.NoError(t, e.Extend(ctx, r.ID, "mod", due))
	got, _ = s.Review(r.ID)
	assert.Equal(t, domain.ReviewOpen, got.Status)
	assert.Equal(t, due, got.DueDate)

	_, err = e.AddComment(ctx, r.ID, "alice", "be", "back in time")
	assert.NoError(t, err)
}

func TestMergeAppendsOnlyNewInScopeComments(t *testing.T) {
	s, e, clk := newEngine(t)
	ctx := context.Background()
	r, err := e.Create(ctx, peer(clk, "te"))
	require.NoError(t, err)
	_, err = e.AddComment(ctx, r.ID, "alice", "be", "rename")
	require.NoError(t, err)

	other := s.Model()
	or := other.Reviews[r.ID]
	or.Comments[0].Resolved = true
	or.Comments[0].Resolution = "done elsewhere"
	or.Comments = append(or.Comments,
		domain.Comment{ID: 7, TargetID: "req-2", Author: "bob", Text: "tighten the timing", CreatedAt: clk.Now()},
		domain.Comment{ID: 8, TargetID: "req-3", Author: "bob", Text: "not ours", CreatedAt: clk.Now()},
	)
	other.Reviews[r.ID] = or
	other.Reviews["review:elsewhere"] = domain.Review{ID: "review:elsewhere", Name: "unknown", Comments: []domain.Comment{{ID: 1, TargetID: "be"}}}

	rep, err := e.Merge(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, MergeReport{Appended: 1, Skipped: 3}, rep)

	got, _ := s.Review(r.ID)
	require.Len(t, got.Comments, 2)
	assert.False(t, got.Comments[0].Resolved, "existing comments are never re-resolved")
	assert.Equal(t, 2, got.Comments[1].ID)
	assert.Equal(t, "tighten the timing", got.Comments[1].Text)

	rep, err = e.Merge(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Appended, "merging twice appends nothing")
}

func TestDiffForReview(t *testing.T) {
	s, e, clk := newEngine(t)
	ctx := context.Background()
	r, err := e.Create(ctx, peer(clk, "te"))
	require.NoError(t, err)

	d, err := e.DiffForReview(r.ID)
	require.NoError(t, err)
	assert.True(t, d.Identical)
	assert.False(t, d.Unchanged)
	assert.Equal(t, r.BaselineID, d.From)
	assert.Equal(t, LiveRef, d.To)

	d, err = e.DiffForReview(r.ID)
	require.NoError(t, err)
	assert.True(t, d.Unchanged, "no mutation since the last compare")

	_, err = s.Update(ctx, func(tx *graph.Tx) error {
		n := tx.Model().FaultTreeNodes["be"].Clone()
		n.Name = "R1 open circuit"
		n.RequirementIDs = append(n.RequirementIDs, "req-3")
		return tx.PutFaultTreeNode(n)
	})
	require.NoError(t, err)

	d, err = e.DiffForReview(r.ID)
	require.NoError(t, err)
	assert.False(t, d.Unchanged)
	assert.False(t, d.Identical)
	assert.Equal(t, []ElementRef{{Kind: domain.KindRequirement, ID: "req-3", Name: "Warn the driver"}}, d.Added)
	require.Len(t, d.Modified, 1)
	assert.Equal(t, "be", d.Modified[0].ID)
	assert.Equal(t, []FieldChange{{
		Field: "name",
		Old:   "R1 open",
		New:   "R1 open circuit",
		Spans: []Span{{Op: SpanEqual, Text: "R1 open"}, {Op: SpanInsert, Text: " circuit"}},
	}}, d.Modified[0].Changes)
	assert.Equal(t, []AllocationChange{{ElementID: "be", Added: []string{"req-3"}}}, d.Allocations)

	pruned, err := e.PruneSnapshots(ctx, 0)
	require.NoError(t, err)
	assert.Contains(t, pruned, r.BaselineID)
	_, err = e.DiffForReview(r.ID)
	var stale *domain.StaleSnapshotError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, r.BaselineID, stale.SnapshotID)
	assert.Equal(t, r.BaselineRev, stale.Revision)
}

func TestDiffSnapshots(t *testing.T) {
	s, e, _ := newEngine(t)
	ctx := context.Background()
	a, err := e.TakeSnapshot(ctx, "before", nil)
	require.NoError(t, err)
	_, err = s.Update(ctx, func(tx *graph.Tx) error {
		n := tx.Model().FaultTreeNodes["te"].Clone()
		n.Children = nil
		if err := tx.PutFaultTreeNode(n); err != nil {
			return err
		}
		return tx.Delete("req-3", false)
	})
	require.NoError(t, err)
	b, err := e.TakeSnapshot(ctx, "after", nil)
	require.NoError(t, err)

	d, err := e.DiffSnapshots(a.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []Edge{{From: "te", To: "be", Label: "child"}}, d.RemovedEdges)
	assert.Equal(t, []ElementRef{{Kind: domain.KindRequirement, ID: "req-3", Name: "Warn the driver"}}, d.Removed)
	assert.Equal(t, a.Revision, d.FromRevision)
	assert.Equal(t, b.Revision, d.ToRevision)

	same, err := e.DiffSnapshots(a.ID, a.ID)
	require.NoError(t, err)
	assert.True(t, same.Identical)

	_, err = e.DiffSnapshots(a.ID, "snapshot:gone")
	assert.ErrorIs(t, err, domain.ErrStaleSnapshot)

	_, err = e.TakeSnapshot(ctx, "bad", []string{"nope"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPruneKeepsNewest(t *testing.T) {
	_, e, clk := newEngine(t)
	ctx := context.Background()
	var ids []string
	for range 3 {
		sn, err := e.TakeSnapshot(ctx, "s", nil)
		require.NoError(t, err)
		ids = append(ids, sn.ID)
		clk.Advance(time.Minute)
	}
	pruned, err := e.PruneSnapshots(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0]}, pruned)
}

func TestDigestIgnoresMapOrder(t *testing.T) {
	s, _, _ := newEngine(t)
	a := s.Model().Analysis
	d1, err := Digest(a)
	require.NoError(t, err)
	d2, err := Digest(a.Clone())
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64)

	b := a.Clone()
	r := b.Requirements["req-1"]
	r.Text += "."
	b.Requirements["req-1"] = r
	d3, _ := Digest(b)
	assert.NotEqual(t, d1, d3)
}

func TestWordSpans(t *testing.T) {
	spans := WordSpans("Detect open circuit", "Detect short circuit")
	assert.Equal(t, []Span{
		{Op: SpanEqual, Text: "Detect "},
		{Op: SpanDelete, Text: "open"},
		{Op: SpanInsert, Text: "short"},
		{Op: SpanEqual, Text: " circuit"},
	}, spans)
	assert.Equal(t, []Span{{Op: SpanInsert, Text: "new text"}}, WordSpans("", "new text"))
	assert.Nil(t, WordSpans("", ""))
}

// rebuild joins the spans that survive on each side and the words kept equal.
func rebuild(spans []Span) (old, cur string, kept []string) {
	var o, c strings.Builder
	for _, s := range spans {
		switch s.Op {
		case SpanEqual:
			o.WriteString(s.Text)
			c.WriteString(s.Text)
			kept = append(kept, strings.Fields(s.Text)...)
		case SpanDelete:
			o.WriteString(s.Text)
		case SpanInsert:
			c.WriteString(s.Text)
		}
	}
	return o.String(), c.String(), kept
}

func TestWordSpansKeepLongestCommonWords(t *testing.T) {
	tests := []struct {
		name     string
		old, cur string
		kept     []string
	}{
		{
			name: "moved block",
			old:  "l1 l2 l3 l4 s1 s2 s3 y t1 t2 t3",
			cur:  "s1 s2 s3 z t1 t2 t3 l1 l2 l3 l4",
			kept: []string{"s1", "s2", "s3", "t1", "t2", "t3"},
		},
		{
			name: "moved word",
			old:  "detect open circuit open",
			cur:  "open circuit detect",
			kept: []string{"open", "circuit"},
		},
		{
			name: "unchanged",
			old:  "Enter safe state",
			cur:  "Enter safe state",
			kept: []string{"Enter", "safe", "state"},
		},
		{
			name: "disjoint",
			old:  "left",
			cur:  "right",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spans := WordSpans(tt.old, tt.cur)
			old, cur, kept := rebuild(spans)
			assert.Equal(t, tt.old, old)
			assert.Equal(t, tt.cur, cur)
			assert.Equal(t, tt.kept, kept)
			for i := 1; i < len(spans); i++ {
				assert.NotEqual(t, spans[i-1].Op, spans[i].Op, "adjacent spans of one kind are merged")
			}
		})
	}
}
