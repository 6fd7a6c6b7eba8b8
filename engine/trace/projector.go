// Package trace projects the safety graph into Neo4j so traceability can be
// queried with Cypher: requirements back to safety goals, basic events down
// to the failure modes and components they draw their FIT from.
package trace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/WessleyAI/safetygraph/engine/domain"
	"github.com/WessleyAI/safetygraph/engine/graph"
	"github.com/WessleyAI/safetygraph/pkg/fn"
	"github.com/WessleyAI/safetygraph/pkg/repo"
	"github.com/WessleyAI/safetygraph/pkg/resilience"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
)

// NodeStore persists projected nodes of one label and the relationships
// leaving them. *repo.Neo4jStore[Node, string] implements it.
type NodeStore interface {
	All(ctx context.Context) ([]Node, error)
	UpsertBatch(ctx context.Context, nodes []Node) error
	Prune(ctx context.Context, keep []string) error
	Relate(ctx context.Context, relType, toLabel string, pairs []repo.Pair[string]) error
	ClearRelations(ctx context.Context, relType string) error
}

// Options tunes a Projector.
type Options struct {
	BatchSize int
	Workers   int
	Breaker   resilience.BreakerOpts
}

// DefaultOptions returns the projection defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize: 500,
		Workers:   4,
		Breaker:   resilience.DefaultBreakerOpts,
	}
}

// Stats summarises one sync.
type Stats struct {
	Revision uint64
	Nodes    int
	Edges    int
	Duration time.Duration
}

// Projector mirrors a model into per-label node stores.
type Projector struct {
	stores  map[string]NodeStore
	opts    Options
	breaker *resilience.Breaker
	logger  *slog.Logger
}

// New creates a projector. open is called once per label.
func New(open func(label string) NodeStore, opts Options, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = d.BatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = d.Workers
	}
	p := &Projector{stores: make(map[string]NodeStore), opts: opts, logger: logger}
	bo := opts.Breaker
	prev := bo.OnStateChange
	bo.OnStateChange = func(from, to resilience.State) {
		logger.Warn("projection breaker", "from", from.String(), "to", to.String())
		if prev != nil {
			prev(from, to)
		}
	}
	p.breaker = resilience.NewBreaker(bo)
	for _, l := range Labels() {
		p.stores[l] = open(l)
	}
	return p
}

// NewNeo4j creates a projector writing through one repo.Neo4jStore per label.
func NewNeo4j(driver neo4j.DriverWithContext, opts Options, logger *slog.Logger) *Projector {
	return New(func(label string) NodeStore {
		return repo.NewNeo4jStore[Node, string](driver, label, repo.Codec[Node]{Props: nodeProps, Decode: nodeFromNeo4j})
	}, opts, logger)
}

func nodeProps(n Node) map[string]any {
	props := map[string]any{
		"id":   n.ID,
		"kind": string(n.Kind),
		"name": n.Name,
	}
	if n.ASIL != "" {
		props["asil"] = string(n.ASIL)
	}
	if n.Status != "" {
		props["status"] = n.Status
	}
	if n.FIT != 0 {
		props["fit"] = n.FIT
	}
	if n.Probability != nil {
		props["probability"] = *n.Probability
	}
	return props
}

func nodeFromNeo4j(nn neo4j.Node) (Node, error) {
	if _, ok := nn.Props["id"].(string); !ok {
		return Node{}, errors.New("trace: node without id")
	}
	str := func(k string) string {
		s, _ := nn.Props[k].(string)
		return s
	}
	n := Node{
		ID:     str("id"),
		Kind:   domain.Kind(str("kind")),
		Name:   str("name"),
		ASIL:   domain.ASIL(str("asil")),
		Status: str("status"),
	}
	n.FIT, _ = nn.Props["fit"].(float64)
	if p, ok := nn.Props["probability"].(float64); ok {
		n.Probability = &p
	}
	return n, nil
}

// Nodes reads back what the projection currently holds for label.
func (p *Projector) Nodes(ctx context.Context, label string) ([]Node, error) {
	store, ok := p.stores[label]
	if !ok {
		return nil, fmt.Errorf("trace: unknown label %q (have %s)", label, strings.Join(Labels(), ", "))
	}
	var nodes []Node
	r := p.guarded(ctx, func(ctx context.Context) error {
		var err error
		nodes, err = store.All(ctx)
		return err
	})
	return nodes, r.Err()
}

// Sync writes the model to the projection: nodes first, then relationships.
// Nodes whose entity no longer exists are removed.
func (p *Projector) Sync(ctx context.Context, m *domain.Model, revision uint64) (Stats, error) {
	start := time.Now()
	pl := build(m)
	run := fn.Pipeline(
		fn.Traced[*plan, *plan]("trace.nodes", p.syncNodes, attribute.Int64("revision", int64(revision))),
		fn.Traced[*plan, *plan]("trace.edges", p.syncEdges, attribute.Int64("revision", int64(revision))),
	)
	if err := run(ctx, pl).Err(); err != nil {
		return Stats{}, fmt.Errorf("trace: sync revision %d: %w", revision, err)
	}
	nodes, edges := pl.counts()
	st := Stats{Revision: revision, Nodes: nodes, Edges: edges, Duration: time.Since(start)}
	p.logger.Info("projection synced", "revision", revision, "nodes", nodes, "edges", edges, "duration", st.Duration)
	return st, nil
}

func (p *Projector) guarded(ctx context.Context, f func(context.Context) error) fn.Result[fn.Void] {
	return resilience.CallResult(p.breaker, ctx, func(ctx context.Context) fn.Result[fn.Void] {
		return fn.Check(f(ctx))
	})
}

func (p *Projector) syncNodes(ctx context.Context, pl *plan) fn.Result[*plan] {
	results := fn.ParMap(ctx, Labels(), p.opts.Workers, func(ctx context.Context, label string) fn.Result[fn.Void] {
		store := p.stores[label]
		nodes := pl.nodes[label]
		for _, batch := range fn.Batches(nodes, p.opts.BatchSize) {
			if r := p.guarded(ctx, func(ctx context.Context) error { return store.UpsertBatch(ctx, batch) }); r.IsErr() {
				return r
			}
		}
		keep := fn.Keys(nodes, func(n Node) string { return n.ID })
		return p.guarded(ctx, func(ctx context.Context) error { return store.Prune(ctx, keep) })
	})
	if err := fn.Collect(results).Err(); err != nil {
		return fn.Err[*plan](err)
	}
	return fn.Ok(pl)
}

func (p *Projector) syncEdges(ctx context.Context, pl *plan) fn.Result[*plan] {
	results := fn.ParMap(ctx, Labels(), p.opts.Workers, func(ctx context.Context, label string) fn.Result[fn.Void] {
		store := p.stores[label]
		for _, rel := range pl.rels[label] {
			if r := p.guarded(ctx, func(ctx context.Context) error { return store.ClearRelations(ctx, rel) }); r.IsErr() {
				return r
			}
		}
		for _, k := range pl.edgeGroups(label) {
			for _, batch := range fn.Batches(pl.edges[k], p.opts.BatchSize) {
				if r := p.guarded(ctx, func(ctx context.Context) error { return store.Relate(ctx, k.Rel, k.To, batch) }); r.IsErr() {
					return r
				}
			}
		}
		return fn.Ok(fn.Void{})
	})
	if err := fn.Collect(results).Err(); err != nil {
		return fn.Err[*plan](err)
	}
	return fn.Ok(pl)
}

// Watch re-syncs after every committed change until ctx is done. Bursts of
// commits collapse into one sync of the latest model.
func (p *Projector) Watch(ctx context.Context, store *graph.Store) error {
	pending := make(chan struct{}, 1)
	cancel := store.Subscribe(func(graph.ChangeSet) {
		select {
		case pending <- struct{}{}:
		default:
		}
	})
	defer cancel()

	pending <- struct{}{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pending:
			m, rev := store.Current()
			if _, err := p.Sync(ctx, m, rev); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.logger.Error("projection failed", "revision", rev, "err", err)
			}
		}
	}
}
