package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/WessleyAI/safetygraph/engine/domain"
	"github.com/WessleyAI/safetygraph/engine/graph"
)

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock used for due dates and timestamps.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// Engine runs the review lifecycle on top of a graph store. It is also a
// store hook that sends edited requirements back into review.
type Engine struct {
	store  *graph.Store
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedDiff
}

type cachedDiff struct {
	baseline string
	revision uint64
	result   *Result
}

// New creates an Engine.
func New(store *graph.Store, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{store: store, logger: logger, now: time.Now, cache: map[string]cachedDiff{}}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewReview describes a review to open.
type NewReview struct {
	Name         string
	Description  string
	Type         domain.ReviewType
	Participants []domain.Participant
	Scope        []string
	DueDate      time.Time
}

// Create opens a review and freezes its scope as the diff baseline. Draft
// requirements in scope move to in_review. A joint review needs a completed
// peer review covering its whole scope.
func (e *Engine) Create(ctx context.Context, nr NewReview) (domain.Review, error) {
	now := e.now()
	r := domain.Review{
		ID:           domain.NewID(domain.KindReview),
		Name:         nr.Name,
		Description:  nr.Description,
		Type:         nr.Type,
		Participants: slices.Clone(nr.Participants),
		Scope:        slices.Clone(nr.Scope),
		DueDate:      nr.DueDate,
		Status:       domain.ReviewOpen,
		CreatedAt:    now,
	}
	if err := checkNew(r, now); err != nil {
		return domain.Review{}, fmt.Errorf("review: create: %w", err)
	}
	_, err := e.store.Update(ctx, func(tx *graph.Tx) error {
		m := tx.Model()
		closure := Closure(m, r.Scope)
		if r.Type == domain.ReviewJoint && !peerCovered(m, closure) {
			return domain.NewValidationError(domain.KindReview, r.ID, "scope", strings.Join(r.Scope, ","),
				fmt.Errorf("%w: no completed peer review covers the scope", domain.ErrValidation))
		}
		if err := advance(tx, closure, domain.StatusDraft, EventSubmit); err != nil {
			return err
		}
		snap, err := snapshotIn(tx, "baseline: "+r.Name, r.ID, r.Scope, now)
		if err != nil {
			return err
		}
		r.BaselineID, r.BaselineRev = snap.ID, snap.Revision
		return tx.PutReview(r)
	})
	if err != nil {
		return domain.Review{}, fmt.Errorf("review: create: %w", err)
	}
	e.logger.Info("review opened", "review", r.ID, "type", r.Type, "scope", len(r.Scope))
	return r, nil
}

func checkNew(r domain.Review, now time.Time) error {
	if len(r.Scope) == 0 {
		return domain.NewValidationError(domain.KindReview, r.ID, "scope", "", fmt.Errorf("%w: empty scope", domain.ErrValidation))
	}
	if !r.DueDate.After(now) {
		return domain.NewValidationError(domain.KindReview, r.ID, "due_date", r.DueDate.Format(time.RFC3339), fmt.Errorf("%w: due date has passed", domain.ErrValidation))
	}
	if !hasRole(r, domain.RoleModerator) {
		return domain.NewValidationError(domain.KindReview, r.ID, "participants", "", fmt.Errorf("%w: a moderator is required", domain.ErrValidation))
	}
	if r.Type == domain.ReviewJoint && !hasRole(r, domain.RoleApprover) {
		return domain.NewValidationError(domain.KindReview, r.ID, "participants", "", fmt.Errorf("%w: a joint review needs an approver", domain.ErrValidation))
	}
	seen := map[string]bool{}
	for _, p := range r.Participants {
		if seen[p.Name] {
			return domain.NewValidationError(domain.KindReview, r.ID, "participants", p.Name, domain.ErrDuplicate)
		}
		seen[p.Name] = true
	}
	return nil
}

func hasRole(r domain.Review, role domain.Role) bool {
	return slices.ContainsFunc(r.Participants, func(p domain.Participant) bool { return p.Role == role })
}

func peerCovered(m *domain.Model, closure []string) bool {
	for _, p := range m.Reviews {
		if p.Type == domain.ReviewPeer && p.Completed && covers(Closure(m, p.Scope), closure) {
			return true
		}
	}
	return false
}

// advance moves every requirement of ids that is in status from by ev.
func advance(tx *graph.Tx, ids []string, from domain.RequirementStatus, ev RequirementEvent) error {
	m := tx.Model()
	for _, id := range ids {
		req, ok := m.Requirements[id]
		if !ok || req.Status != from {
			continue
		}
		to, err := NextRequirementStatus(id, req.Status, ev)
		if err != nil {
			return err
		}
		req = req.Clone()
		req.Status = to
		if err := tx.PutRequirement(req); err != nil {
			return err
		}
	}
	return nil
}

// mutate runs fn on a copy of one review after expiring overdue reviews.
func (e *Engine) mutate(ctx context.Context, op, id string, fn func(tx *graph.Tx, r *domain.Review) error) error {
	_, err := e.store.Update(ctx, func(tx *graph.Tx) error {
		now := e.now()
		if _, err := expireIn(tx, now); err != nil {
			return err
		}
		cur, ok := tx.Model().Reviews[id]
		if !ok {
			return domain.NotFound(domain.KindReview, id)
		}
		r := cur.Clone()
		if err := fn(tx, &r); err != nil {
			return err
		}
		return tx.PutReview(r)
	})
	if err != nil {
		return fmt.Errorf("review: %s %s: %w", op, id, err)
	}
	return nil
}

func writable(r *domain.Review) error {
	if r.Status != domain.ReviewOpen {
		return fmt.Errorf("%w: status %s", domain.ErrReadOnly, r.Status)
	}
	return nil
}

func requireRole(r *domain.Review, name string, role domain.Role) error {
	p, ok := r.Participant(name)
	if !ok || p.Role != role {
		return fmt.Errorf("%w: %q is not the %s of %s", domain.ErrPermission, name, role, r.ID)
	}
	return nil
}

// approvable lists the requirement statuses a joint sign-off moves to approved.
var approvable = []domain.RequirementStatus{domain.StatusInReview, domain.StatusPeerReviewed, domain.StatusPendingApproval}

func allDone(r *domain.Review) bool {
	var reviewers int
	for _, p := range r.Participants {
		if p.Role == domain.RoleReviewer {
			reviewers++
			if !p.Done {
				return false
			}
		}
	}
	return reviewers > 0
}

// MarkDone records that a reviewer finished. Once every reviewer of a peer
// review is done the review completes and closes: a new baseline is taken and
// its requirements become peer_reviewed. In a joint review they become
// pending_approval and the review waits for its approver.
func (e *Engine) MarkDone(ctx context.Context, reviewID, participant string) error {
	return e.mutate(ctx, "mark done", reviewID, func(tx *graph.Tx, r *domain.Review) error {
		if err := writable(r); err != nil {
			return err
		}
		i := slices.IndexFunc(r.Participants, func(p domain.Participant) bool { return p.Name == participant })
		if i < 0 {
			return fmt.Errorf("%w: %q is not a participant", domain.ErrPermission, participant)
		}
		r.Participants[i].Done = true
		if r.Completed || !allDone(r) {
			return nil
		}
		r.Completed = true
		closure := Closure(tx.Model(), r.Scope)
		if r.Type == domain.ReviewJoint {
			return advance(tx, closure, domain.StatusPeerReviewed, EventJointReady)
		}
		if err := advance(tx, closure, domain.StatusInReview, EventPeerComplete); err != nil {
			return err
		}
		snap, err := snapshotIn(tx, "peer reviewed: "+r.Name, r.ID, r.Scope, e.now())
		if err != nil {
			return err
		}
		to, err := NextReviewStatus(r.ID, r.Status, EventClose)
		if err != nil {
			return err
		}
		r.Status = to
		r.BaselineID, r.BaselineRev = snap.ID, snap.Revision
		e.logger.Info("peer review complete", "review", r.ID, "baseline", snap.ID)
		return nil
	})
}

// Approve signs off a joint review. Only its approver may do so, after every
// reviewer is done and every comment is resolved. Every requirement in scope
// that is still in review becomes approved, including one sent back by an
// edit after the joint review first finished. The approved state becomes the
// new baseline.
func (e *Engine) Approve(ctx context.Context, reviewID, approver string) error {
	return e.mutate(ctx, "approve", reviewID, func(tx *graph.Tx, r *domain.Review) error {
		if err := requireRole(r, approver, domain.RoleApprover); err != nil {
			return err
		}
		if r.Type != domain.ReviewJoint {
			return &domain.TransitionError{Machine: "review", ID: r.ID, From: string(r.Type), To: string(EventSignOff)}
		}
		if !allDone(r) {
			return fmt.Errorf("%w: reviewers have not finished", domain.ErrIllegalTransition)
		}
		if n := len(unresolved(r)); n > 0 {
			return fmt.Errorf("%w: %d unresolved comments", domain.ErrIllegalTransition, n)
		}
		to, err := NextReviewStatus(r.ID, r.Status, EventSignOff)
		if err != nil {
			return err
		}
		r.Status = to
		closure := Closure(tx.Model(), r.Scope)
		for _, from := range approvable {
			if err := advance(tx, closure, from, EventApprove); err != nil {
				return err
			}
		}
		snap, err := snapshotIn(tx, "approved: "+r.Name, r.ID, r.Scope, e.now())
		if err != nil {
			return err
		}
		r.BaselineID, r.BaselineRev = snap.ID, snap.Revision
		e.logger.Info("review approved", "review", r.ID, "approver", approver, "baseline", snap.ID)
		return nil
	})
}

// Extend moves the due date of a review and makes a read-only review
// writable again. Only the moderator may extend.
func (e *Engine) Extend(ctx context.Context, reviewID, moderator string, due time.Time) error {
	return e.mutate(ctx, "extend", reviewID, func(_ *graph.Tx, r *domain.Review) error {
		if err := requireRole(r, moderator, domain.RoleModerator); err != nil {
			return err
		}
		if !due.After(e.now()) {
			return domain.NewValidationError(domain.KindReview, r.ID, "due_date", due.Format(time.RFC3339), fmt.Errorf("%w: due date has passed", domain.ErrValidation))
		}
		to, err := NextReviewStatus(r.ID, r.Status, EventExtend)
		if err != nil {
			return err
		}
		r.Status, r.DueDate = to, due
		return nil
	})
}

// Reopen puts a review back in progress: the reviewers start over and draft
// requirements in scope enter review.
func (e *Engine) Reopen(ctx context.Context, reviewID string) error {
	return e.mutate(ctx, "reopen", reviewID, func(tx *graph.Tx, r *domain.Review) error {
		return reopen(tx, r, e.now())
	})
}

func reopen(tx *graph.Tx, r *domain.Review, now time.Time) error {
	to, err := NextReviewStatus(r.ID, r.Status, EventReopen)
	if err != nil {
		return err
	}
	if to == domain.ReviewOpen && now.After(r.DueDate) {
		to = domain.ReviewClosedReadOnly
	}
	r.Status = to
	r.Completed = false
	for i := range r.Participants {
		r.Participants[i].Done = false
	}
	return advance(tx, Closure(tx.Model(), r.Scope), domain.StatusDraft, EventSubmit)
}

// ExpireOverdue closes every open review past its due date and returns the
// ids it closed.
func (e *Engine) ExpireOverdue(ctx context.Context) ([]string, error) {
	var closed []string
	_, err := e.store.Update(ctx, func(tx *graph.Tx) error {
		var err error
		closed, err = expireIn(tx, e.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("review: expire: %w", err)
	}
	if len(closed) > 0 {
		e.logger.Info("reviews expired", "reviews", closed)
	}
	return closed, nil
}

func expireIn(tx *graph.Tx, now time.Time) ([]string, error) {
	var closed []string
	m := tx.Model()
	for _, id := range slices.Sorted(maps.Keys(m.Reviews)) {
		r := m.Reviews[id]
		if r.Status != domain.ReviewOpen || !now.After(r.DueDate) {
			continue
		}
		to, err := NextReviewStatus(id, r.Status, EventExpire)
		if err != nil {
			return nil, err
		}
		r = r.Clone()
		r.Status = to
		if err := tx.PutReview(r); err != nil {
			return nil, err
		}
		closed = append(closed, id)
	}
	return closed, nil
}

// AddComment attaches a comment to an element in the review's scope.
func (e *Engine) AddComment(ctx context.Context, reviewID, author, targetID, text string) (domain.Comment, error) {
	var c domain.Comment
	err := e.mutate(ctx, "comment", reviewID, func(tx *graph.Tx, r *domain.Review) error {
		if err := writable(r); err != nil {
			return err
		}
		if _, ok := r.Participant(author); !ok {
			return fmt.Errorf("%w: %q is not a participant", domain.ErrPermission, author)
		}
		if strings.TrimSpace(text) == "" {
			return domain.NewValidationError(domain.KindReview, r.ID, "comments.text", "", nil)
		}
		if !inScope(tx.Model(), r, targetID) {
			return &domain.ScopeError{ReviewID: r.ID, TargetID: targetID}
		}
		c = domain.Comment{ID: nextCommentID(r), TargetID: targetID, Author: author, Text: text, CreatedAt: e.now()}
		r.Comments = append(r.Comments, c)
		return nil
	})
	return c, err
}

func inScope(m *domain.Model, r *domain.Review, id string) bool {
	_, ok := slices.BinarySearch(Closure(m, r.Scope), id)
	return ok
}

func nextCommentID(r *domain.Review) int {
	n := 0
	for _, c := range r.Comments {
		n = max(n, c.ID)
	}
	return n + 1
}

// Resolve closes a comment with an explanation. The comment text stays.
func (e *Engine) Resolve(ctx context.Context, reviewID string, commentID int, by, explanation string) error {
	return e.mutate(ctx, "resolve", reviewID, func(_ *graph.Tx, r *domain.Review) error {
		if err := writable(r); err != nil {
			return err
		}
		if strings.TrimSpace(explanation) == "" {
			return domain.NewValidationError(domain.KindReview, r.ID, "comments.resolution", "", fmt.Errorf("%w: an explanation is required", domain.ErrValidation))
		}
		i := slices.IndexFunc(r.Comments, func(c domain.Comment) bool { return c.ID == commentID })
		if i < 0 {
			return domain.NotFound("comment", fmt.Sprint(commentID))
		}
		c := &r.Comments[i]
		if c.Resolved {
			return &domain.TransitionError{Machine: "comment", ID: fmt.Sprint(commentID), From: "resolved", To: "resolved"}
		}
		c.Resolved, c.Resolution, c.ResolvedBy, c.ResolvedAt = true, explanation, by, e.now()
		return nil
	})
}

func unresolved(r *domain.Review) []domain.Comment {
	var out []domain.Comment
	for _, c := range r.Comments {
		if !c.Resolved {
			out = append(out, c)
		}
	}
	return out
}

// Unresolved returns the open comments of a review.
func (e *Engine) Unresolved(reviewID string) ([]domain.Comment, error) {
	r, err := e.store.Review(reviewID)
	if err != nil {
		return nil, err
	}
	return unresolved(&r), nil
}

// MergeReport counts the comments a merge appended and skipped.
type MergeReport struct {
	Appended int `json:"appended"`
	Skipped  int `json:"skipped"`
}

// Merge appends the comments of reviews in another copy of the project.
// Reviews are matched by id, then by name. Comments already present, aimed
// outside the scope, or bound for a read-only review are skipped; existing
// comments are never changed.
func (e *Engine) Merge(ctx context.Context, other *domain.Model) (MergeReport, error) {
	var rep MergeReport
	_, err := e.store.Update(ctx, func(tx *graph.Tx) error {
		rep = MergeReport{}
		m := tx.Model()
		for _, oid := range slices.Sorted(maps.Keys(other.Reviews)) {
			src := other.Reviews[oid]
			id, ok := matchReview(m, src)
			if !ok {
				rep.Skipped += len(src.Comments)
				continue
			}
			r := m.Reviews[id].Clone()
			if r.Status != domain.ReviewOpen {
				rep.Skipped += len(src.Comments)
				continue
			}
			closure := Closure(m, r.Scope)
			var n int
			for _, c := range src.Comments {
				_, in := slices.BinarySearch(closure, c.TargetID)
				if !in || hasComment(r.Comments, c) {
					rep.Skipped++
					continue
				}
				c.ID = nextCommentID(&r)
				r.Comments = append(r.Comments, c)
				n++
			}
			if n == 0 {
				continue
			}
			rep.Appended += n
			if err := tx.PutReview(r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return MergeReport{}, fmt.Errorf("review: merge: %w", err)
	}
	e.logger.Info("comments merged", "appended", rep.Appended, "skipped", rep.Skipped)
	return rep, nil
}

func matchReview(m *domain.Model, src domain.Review) (string, bool) {
	if _, ok := m.Reviews[src.ID]; ok {
		return src.ID, true
	}
	for _, id := range slices.Sorted(maps.Keys(m.Reviews)) {
		if m.Reviews[id].Name == src.Name {
			return id, true
		}
	}
	return "", false
}

func hasComment(cs []domain.Comment, c domain.Comment) bool {
	return slices.ContainsFunc(cs, func(x domain.Comment) bool {
		return x.TargetID == c.TargetID && x.Author == c.Author && x.Text == c.Text && x.CreatedAt.Equal(c.CreatedAt)
	})
}

// TakeSnapshot freezes the given scope, or the whole analysis when scope is
// empty.
func (e *Engine) TakeSnapshot(ctx context.Context, label string, scope []string) (domain.Snapshot, error) {
	var s domain.Snapshot
	_, err := e.store.Update(ctx, func(tx *graph.Tx) error {
		for _, id := range scope {
			if tx.Model().KindOf(id) == "" {
				return domain.NotFound("entity", id)
			}
		}
		var err error
		s, err = snapshotIn(tx, label, "", slices.Clone(scope), e.now())
		return err
	})
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("review: snapshot: %w", err)
	}
	return s, nil
}

// PruneSnapshots keeps the newest keep snapshots and deletes the rest,
// returning the deleted ids. Reviews whose baseline is pruned can no longer
// be diffed.
func (e *Engine) PruneSnapshots(ctx context.Context, keep int) ([]string, error) {
	var pruned []string
	_, err := e.store.Update(ctx, func(tx *graph.Tx) error {
		pruned = nil
		all := slices.Collect(maps.Values(tx.Model().Snapshots))
		slices.SortFunc(all, func(a, b domain.Snapshot) int {
			if c := b.TakenAt.Compare(a.TakenAt); c != 0 {
				return c
			}
			if a.Revision != b.Revision {
				return int(b.Revision) - int(a.Revision)
			}
			return strings.Compare(a.ID, b.ID)
		})
		for _, s := range all[min(max(keep, 0), len(all)):] {
			if err := tx.Delete(s.ID, true); err != nil {
				return err
			}
			pruned = append(pruned, s.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("review: prune: %w", err)
	}
	slices.Sort(pruned)
	return pruned, nil
}

// DiffSnapshots compares two stored snapshots.
func (e *Engine) DiffSnapshots(fromID, toID string) (*Result, error) {
	from, err := e.snapshot(fromID, 0)
	if err != nil {
		return nil, err
	}
	to, err := e.snapshot(toID, 0)
	if err != nil {
		return nil, err
	}
	return diffSnapshots(from, to.ID, to.Revision, to.Digest, to.Content), nil
}

func (e *Engine) snapshot(id string, rev uint64) (domain.Snapshot, error) {
	s, err := e.store.Snapshot(id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Snapshot{}, &domain.StaleSnapshotError{SnapshotID: id, Revision: rev}
	}
	return s, err
}

func diffSnapshots(from domain.Snapshot, toID string, toRev uint64, toDigest string, to domain.Analysis) *Result {
	var r *Result
	if from.Digest != "" && from.Digest == toDigest {
		r = &Result{Identical: true}
	} else {
		r = Compare(from.Content, to)
	}
	r.From, r.FromRevision = from.ID, from.Revision
	r.To, r.ToRevision = toID, toRev
	return r
}

// LiveRef names the current state of the store in a Result.
const LiveRef = "live"

// DiffForReview compares a review's baseline with the current state of its
// scope. Asking again without an intervening mutation returns the previous
// result flagged Unchanged.
func (e *Engine) DiffForReview(reviewID string) (*Result, error) {
	r, err := e.store.Review(reviewID)
	if err != nil {
		return nil, err
	}
	rev := e.store.Revision()
	e.mu.Lock()
	c, ok := e.cache[reviewID]
	e.mu.Unlock()
	if ok && c.baseline == r.BaselineID && c.revision == rev {
		out := *c.result
		out.Unchanged = true
		return &out, nil
	}
	base, err := e.snapshot(r.BaselineID, r.BaselineRev)
	if err != nil {
		return nil, err
	}
	var current domain.Analysis
	e.store.Read(func(m *domain.Model, _ *graph.Index) {
		current = Extract(m, Closure(m, r.Scope))
	})
	digest, err := Digest(current)
	if err != nil {
		return nil, err
	}
	res := diffSnapshots(base, LiveRef, rev, digest, current)
	e.mu.Lock()
	e.cache[reviewID] = cachedDiff{baseline: r.BaselineID, revision: rev, result: res}
	e.mu.Unlock()
	out := *res
	return &out, nil
}
