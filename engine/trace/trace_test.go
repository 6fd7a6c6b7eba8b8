package trace

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/WessleyAI/safetygraph/engine/domain"
	"github.com/WessleyAI/safetygraph/engine/graph"
	"github.com/WessleyAI/safetygraph/pkg/repo"
	"github.com/WessleyAI/safetygraph/pkg/resilience"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relCall struct {
	From, Rel, To string
	Pairs         []repo.Pair[string]
}

// recorder captures everything written through the per-label fakes.
type recorder struct {
	mu      sync.Mutex
	nodes   map[string][]Node
	pruned  map[string][]string
	cleared map[string][]string
	rels    []relCall
	fail    error
	calls   int
}

func newRecorder() *recorder {
	return &recorder{nodes: map[string][]Node{}, pruned: map[string][]string{}, cleared: map[string][]string{}}
}

type fakeStore struct {
	label string
	rec   *recorder
}

func (f fakeStore) err() error {
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	f.rec.calls++
	return f.rec.fail
}

func (f fakeStore) All(context.Context) ([]Node, error) {
	if err := f.err(); err != nil {
		return nil, err
	}
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	return slices.Clone(f.rec.nodes[f.label]), nil
}

func (f fakeStore) UpsertBatch(_ context.Context, nodes []Node) error {
	if err := f.err(); err != nil {
		return err
	}
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	f.rec.nodes[f.label] = append(f.rec.nodes[f.label], nodes...)
	return nil
}

func (f fakeStore) Prune(_ context.Context, keep []string) error {
	if err := f.err(); err != nil {
		return err
	}
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	f.rec.pruned[f.label] = keep
	return nil
}

func (f fakeStore) Relate(_ context.Context, rel, to string, pairs []repo.Pair[string]) error {
	if err := f.err(); err != nil {
		return err
	}
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	f.rec.rels = append(f.rec.rels, relCall{From: f.label, Rel: rel, To: to, Pairs: pairs})
	return nil
}

func (f fakeStore) ClearRelations(_ context.Context, rel string) error {
	if err := f.err(); err != nil {
		return err
	}
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	f.rec.cleared[f.label] = append(f.rec.cleared[f.label], rel)
	return nil
}

func (r *recorder) relation(from, rel, to string) []repo.Pair[string] {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []repo.Pair[string]
	for _, c := range r.rels {
		if c.From == from && c.Rel == rel && c.To == to {
			out = append(out, c.Pairs...)
		}
	}
	return out
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newProjector(rec *recorder, opts Options) *Projector {
	return New(func(label string) NodeStore { return fakeStore{label: label, rec: rec} }, opts, quietLogger())
}

func model() *domain.Model {
	p := 1e-6
	m := domain.NewModel()
	m.SafetyGoals["sg-1"] = domain.SafetyGoal{ID: "sg-1", Name: "Avoid loss of braking", ASIL: domain.ASILD}
	m.Components["c-1"] = domain.Component{ID: "c-1", Name: "Brake ECU", FIT: 10}
	m.FailureModes["fm-1"] = domain.FailureMode{ID: "fm-1", ComponentID: "c-1", Description: "Short", FIT: 5, RequirementIDs: []string{"req-1"}}
	m.Requirements["req-1"] = domain.Requirement{ID: "req-1", Text: "Detect short", ASIL: domain.ASILD, Status: domain.StatusDraft, SafetyGoalIDs: []string{"sg-1"}}
	m.FaultTreeNodes["be-1"] = domain.FaultTreeNode{ID: "be-1", Name: "ECU short", Type: domain.NodeBasicEvent, FailureModeID: "fm-1", Probability: &p}
	m.FaultTreeNodes["te-1"] = domain.FaultTreeNode{ID: "te-1", Name: "No braking", Type: domain.NodeTopEvent, Gate: domain.GateOR, Children: []string{"be-1"}, SafetyGoalID: "sg-1"}
	return m
}

func TestSyncProjectsNodesAndRelationships(t *testing.T) {
	rec := newRecorder()
	st, err := newProjector(rec, Options{}).Sync(context.Background(), model(), 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), st.Revision)
	assert.Equal(t, 6, st.Nodes)

	require.Len(t, rec.nodes["FaultTreeNode"], 2)
	assert.Equal(t, []string{"be-1", "te-1"}, rec.pruned["FaultTreeNode"])
	assert.Empty(t, rec.pruned["Review"])

	assert.Equal(t, []repo.Pair[string]{{From: "req-1", To: "sg-1"}}, rec.relation("Requirement", RelTraces, "SafetyGoal"))
	assert.Equal(t, []repo.Pair[string]{{From: "te-1", To: "be-1"}}, rec.relation("FaultTreeNode", RelChild, "FaultTreeNode"))
	assert.Equal(t, []repo.Pair[string]{{From: "be-1", To: "fm-1"}}, rec.relation("FaultTreeNode", RelDrawsFIT, "FailureMode"))
	assert.Equal(t, []repo.Pair[string]{{From: "fm-1", To: "req-1"}}, rec.relation("FailureMode", RelAllocates, "Requirement"))
	assert.Equal(t, []repo.Pair[string]{{From: "fm-1", To: "c-1"}}, rec.relation("FailureMode", RelOf, "Component"))

	// owned relationship types are cleared even when no edge of that type remains
	assert.ElementsMatch(t, owned["FaultTreeNode"], rec.cleared["FaultTreeNode"])
	assert.ElementsMatch(t, owned["Review"], rec.cleared["Review"])
}

func TestSyncChunksBatches(t *testing.T) {
	rec := newRecorder()
	m := model()
	for _, id := range []string{"req-2", "req-3", "req-4"} {
		m.Requirements[id] = domain.Requirement{ID: id, ASIL: domain.QM, Status: domain.StatusDraft, SafetyGoalIDs: []string{"sg-1"}}
	}
	_, err := newProjector(rec, Options{BatchSize: 2}).Sync(context.Background(), m, 1)
	require.NoError(t, err)

	assert.Len(t, rec.nodes["Requirement"], 4)
	traces := 0
	for _, c := range rec.rels {
		if c.Rel == RelTraces {
			traces++
			assert.LessOrEqual(t, len(c.Pairs), 2)
		}
	}
	assert.Equal(t, 2, traces)
}

func TestSyncTripsBreaker(t *testing.T) {
	rec := newRecorder()
	rec.fail = errors.New("neo4j unavailable")
	var transitions []resilience.State
	opts := Options{Workers: 1, Breaker: resilience.BreakerOpts{
		FailThreshold: 2,
		Timeout:       time.Hour,
		OnStateChange: func(_, to resilience.State) { transitions = append(transitions, to) },
	}}
	p := newProjector(rec, opts)

	_, err := p.Sync(context.Background(), model(), 1)
	require.Error(t, err)
	assert.Equal(t, resilience.StateOpen, p.breaker.State())
	assert.Equal(t, []resilience.State{resilience.StateOpen}, transitions)

	before := rec.calls
	_, err = p.Sync(context.Background(), model(), 2)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, before, rec.calls)
}

func TestWatchFollowsCommits(t *testing.T) {
	rec := newRecorder()
	p := newProjector(rec, Options{})
	s := graph.New(graph.WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx, s) }()

	_, err := s.Update(context.Background(), func(tx *graph.Tx) error {
		return tx.PutSafetyGoal(domain.SafetyGoal{ID: "sg-9", Name: "Keep lane"})
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return slices.ContainsFunc(rec.nodes["SafetyGoal"], func(n Node) bool { return n.ID == "sg-9" })
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestNodeRoundTrip(t *testing.T) {
	p := 0.25
	in := Node{ID: "be-1", Kind: domain.KindFaultTreeNode, Name: "ECU short", ASIL: domain.ASILB, FIT: 3, Probability: &p}
	out, err := nodeFromNeo4j(neo4j.Node{Labels: []string{"FaultTreeNode"}, Props: nodeProps(in)})
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = nodeFromNeo4j(neo4j.Node{Props: map[string]any{"name": "orphan"}})
	assert.Error(t, err)

	assert.NotContains(t, nodeProps(Node{ID: "x", Kind: domain.KindHazopDoc}), "probability")
}

func TestNodesReadsBack(t *testing.T) {
	rec := newRecorder()
	p := newProjector(rec, Options{})
	_, err := p.Sync(context.Background(), model(), 3)
	require.NoError(t, err)

	goals, err := p.Nodes(context.Background(), "SafetyGoal")
	require.NoError(t, err)
	require.Len(t, goals, 1)
	assert.Equal(t, "sg-1", goals[0].ID)

	_, err = p.Nodes(context.Background(), "Vehicle")
	assert.ErrorContains(t, err, "unknown label")
}
