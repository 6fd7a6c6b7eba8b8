package repo

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type cursor interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Err() error
}

type session interface {
	Run(ctx context.Context, cypher string, params map[string]any) (cursor, error)
	Close(ctx context.Context) error
}

type driverSession struct{ s neo4j.SessionWithContext }

func (d driverSession) Run(ctx context.Context, cypher string, params map[string]any) (cursor, error) {
	return d.s.Run(ctx, cypher, params)
}

func (d driverSession) Close(ctx context.Context) error { return d.s.Close(ctx) }

// Neo4jStore manages the nodes of one label.
type Neo4jStore[T any, ID comparable] struct {
	label string
	codec Codec[T]
	open  func(ctx context.Context) session
}

// NewNeo4jStore returns a store for label. It panics if label is not a plain
// identifier.
func NewNeo4jStore[T any, ID comparable](driver neo4j.DriverWithContext, label string, codec Codec[T]) *Neo4jStore[T, ID] {
	if err := checkIdent("label", label); err != nil {
		panic(err)
	}
	return &Neo4jStore[T, ID]{
		label: label,
		codec: codec,
		open: func(ctx context.Context) session {
			return driverSession{driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})}
		},
	}
}

func (s *Neo4jStore[T, ID]) run(ctx context.Context, params map[string]any, cypher string, args ...any) error {
	sess := s.open(ctx)
	defer sess.Close(ctx)
	res, err := sess.Run(ctx, fmt.Sprintf(cypher, args...), params)
	if err != nil {
		return fmt.Errorf("%s: %w", s.label, err)
	}
	for res.Next(ctx) {
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("%s: %w", s.label, err)
	}
	return nil
}

// UpsertBatch merges nodes by id and replaces their properties.
func (s *Neo4jStore[T, ID]) UpsertBatch(ctx context.Context, items []T) error {
	if len(items) == 0 {
		return nil
	}
	rows := make([]any, 0, len(items))
	for _, it := range items {
		rows = append(rows, s.codec.Props(it))
	}
	return s.run(ctx, map[string]any{"rows": rows},
		"UNWIND $rows AS row MERGE (n:%s {id: row.id}) SET n = row", s.label)
}

// Prune detaches and deletes every node of the label whose id is not kept.
func (s *Neo4jStore[T, ID]) Prune(ctx context.Context, keep []ID) error {
	ids := make([]any, 0, len(keep))
	for _, id := range keep {
		ids = append(ids, id)
	}
	return s.run(ctx, map[string]any{"keep": ids},
		"MATCH (n:%s) WHERE NOT n.id IN $keep DETACH DELETE n", s.label)
}

// Relate merges relType edges from this label to toLabel. Pairs naming a
// missing endpoint match nothing and are skipped.
func (s *Neo4jStore[T, ID]) Relate(ctx context.Context, relType, toLabel string, pairs []Pair[ID]) error {
	if err := checkIdent("relationship", relType); err != nil {
		return err
	}
	if err := checkIdent("label", toLabel); err != nil {
		return err
	}
	if len(pairs) == 0 {
		return nil
	}
	rows := make([]any, 0, len(pairs))
	for _, p := range pairs {
		rows = append(rows, map[string]any{"from": p.From, "to": p.To})
	}
	return s.run(ctx, map[string]any{"pairs": rows},
		"UNWIND $pairs AS p MATCH (a:%s {id: p.from}) MATCH (b:%s {id: p.to}) MERGE (a)-[:%s]->(b)",
		s.label, toLabel, relType)
}

// ClearRelations deletes every outgoing relType edge of the label.
func (s *Neo4jStore[T, ID]) ClearRelations(ctx context.Context, relType string) error {
	if err := checkIdent("relationship", relType); err != nil {
		return err
	}
	return s.run(ctx, nil, "MATCH (:%s)-[e:%s]->() DELETE e", s.label, relType)
}

// All reads back every node of the label ordered by id.
func (s *Neo4jStore[T, ID]) All(ctx context.Context) ([]T, error) {
	sess := s.open(ctx)
	defer sess.Close(ctx)
	res, err := sess.Run(ctx, fmt.Sprintf("MATCH (n:%s) RETURN n ORDER BY n.id", s.label), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.label, err)
	}
	var out []T
	for res.Next(ctx) {
		rec := res.Record()
		node, ok := rec.Values[0].(neo4j.Node)
		if !ok {
			return nil, fmt.Errorf("%s: unexpected value %T", s.label, rec.Values[0])
		}
		v, err := s.codec.Decode(node)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.label, err)
		}
		out = append(out, v)
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", s.label, err)
	}
	return out, nil
}
