package repo

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type fakeCursor struct {
	records []*neo4j.Record
	pos     int
	err     error
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.pos >= len(c.records) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Record() *neo4j.Record { return c.records[c.pos-1] }
func (c *fakeCursor) Err() error { return c.err }

type query struct {
	cypher string
	params map[string]any
}

type fakeSession struct {
	cursor  *fakeCursor
	runErr  error
	queries []query
	closed  int
}

func (s *fakeSession) Run(_ context.Context, cypher string, params map[string]any) (cursor, error) {
	s.queries = append(s.queries, query{cypher, params})
	if s.runErr != nil {
		return nil, s.runErr
	}
	if s.cursor == nil {
		return &fakeCursor{}, nil
	}
	return s.cursor, nil
}

func (s *fakeSession) Close(context.Context) error { s.closed++; return nil }

type hazard struct {
	ID, Name string
}

var hazardCodec = Codec[hazard]{
	Props: func(h hazard) map[string]any { return map[string]any{"id": h.ID, "name": h.Name} },
	Decode: func(n neo4j.Node) (hazard, error) {
		id, ok := n.Props["id"].(string)
		if !ok {
			return hazard{}, errors.New("missing id")
		}
		name, _ := n.Props["name"].(string)
		return hazard{ID: id, Name: name}, nil
	},
}

func newTestStore(s *fakeSession) *Neo4jStore[hazard, string] {
	st := NewNeo4jStore[hazard, string](nil, "Hazard", hazardCodec)
	st.open = func(context.Context) session { return s }
	return st
}

func nodeRecord(props map[string]any) *neo4j.Record {
	return &neo4j.Record{Keys: []string{"n"}, Values: []any{neo4j.Node{Labels: []string{"Hazard"}, Props: props}}}
}

func TestNewNeo4jStoreRejectsInjectedLabel(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for injected label")
		}
	}()
	NewNeo4jStore[hazard, string](nil, "Hazard) DETACH DELETE (m", hazardCodec)
}

func TestUpsertBatch(t *testing.T) {
	s := &fakeSession{}
	st := newTestStore(s)
	if err := st.UpsertBatch(context.Background(), nil); err != nil || len(s.queries) != 0 {
		t.Fatalf("empty batch should not run: %v %v", err, s.queries)
	}
	err := st.UpsertBatch(context.Background(), []hazard{{"h-1", "Loss of braking"}, {"h-2", "Unintended braking"}})
	if err != nil {
		t.Fatal(err)
	}
	q := s.queries[0]
	if q.cypher != "UNWIND $rows AS row MERGE (n:Hazard {id: row.id}) SET n = row" {
		t.Fatalf("cypher %q", q.cypher)
	}
	rows := q.params["rows"].([]any)
	if len(rows) != 2 || rows[1].(map[string]any)["name"] != "Unintended braking" {
		t.Fatalf("rows %v", rows)
	}
	if s.closed != 1 {
		t.Fatalf("session closed %d times", s.closed)
	}
}

func TestPrune(t *testing.T) {
	s := &fakeSession{}
	if err := newTestStore(s).Prune(context.Background(), []string{"h-1", "h-2"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(s.queries[0].cypher, "WHERE NOT n.id IN $keep DETACH DELETE n") {
		t.Fatalf("cypher %q", s.queries[0].cypher)
	}
	if keep := s.queries[0].params["keep"].([]any); len(keep) != 2 {
		t.Fatalf("keep %v", keep)
	}
}

func TestRelate(t *testing.T) {
	s := &fakeSession{}
	st := newTestStore(s)
	err := st.Relate(context.Background(), "MITIGATED_BY", "SafetyGoal", []Pair[string]{{From: "h-1", To: "sg-1"}})
	if err != nil {
		t.Fatal(err)
	}
	c := s.queries[0].cypher
	if !strings.Contains(c, "MATCH (a:Hazard {id: p.from}) MATCH (b:SafetyGoal {id: p.to}) MERGE (a)-[:MITIGATED_BY]->(b)") {
		t.Fatalf("cypher %q", c)
	}
	if err := st.Relate(context.Background(), "X]->(m) DELETE m//", "SafetyGoal", nil); err == nil {
		t.Fatal("expected invalid relationship error")
	}
	if err := st.Relate(context.Background(), "MITIGATED_BY", "Safety Goal", nil); err == nil {
		t.Fatal("expected invalid label error")
	}
	if err := st.Relate(context.Background(), "MITIGATED_BY", "SafetyGoal", nil); err != nil || len(s.queries) != 1 {
		t.Fatalf("empty pairs should not run: %v", err)
	}
}

func TestClearRelations(t *testing.T) {
	s := &fakeSession{}
	st := newTestStore(s)
	if err := st.ClearRelations(context.Background(), "CHILD"); err != nil {
		t.Fatal(err)
	}
	if s.queries[0].cypher != "MATCH (:Hazard)-[e:CHILD]->() DELETE e" {
		t.Fatalf("cypher %q", s.queries[0].cypher)
	}
	if err := st.ClearRelations(context.Background(), "bad rel"); err == nil {
		t.Fatal("expected invalid relationship error")
	}
}

func TestAll(t *testing.T) {
	s := &fakeSession{cursor: &fakeCursor{records: []*neo4j.Record{
		nodeRecord(map[string]any{"id": "h-1", "name": "Loss of braking"}),
		nodeRecord(map[string]any{"id": "h-2"}),
	}}}
	got, err := newTestStore(s).All(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != (hazard{"h-1", "Loss of braking"}) || got[1].ID != "h-2" {
		t.Fatalf("got %+v", got)
	}
	if !strings.HasSuffix(s.queries[0].cypher, "ORDER BY n.id") {
		t.Fatalf("cypher %q", s.queries[0].cypher)
	}
}

func TestAllDecodeFailures(t *testing.T) {
	tests := []struct {
		name   string
		record *neo4j.Record
		want   string
	}{
		{"not a node", &neo4j.Record{Values: []any{"h-1"}}, "unexpected value string"},
		{"codec error", nodeRecord(map[string]any{"name": "no id"}), "missing id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSession{cursor: &fakeCursor{records: []*neo4j.Record{tt.record}}}
			_, err := newTestStore(s).All(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("got %v", err)
			}
		})
	}
}

func TestErrorsNameTheLabel(t *testing.T) {
	s := &fakeSession{runErr: errors.New("db down")}
	err := newTestStore(s).UpsertBatch(context.Background(), []hazard{{ID: "h-1"}})
	if err == nil || err.Error() != "Hazard: db down" {
		t.Fatalf("got %v", err)
	}

	s = &fakeSession{cursor: &fakeCursor{err: errors.New("constraint violated")}}
	err = newTestStore(s).Prune(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "Hazard: constraint violated") {
		t.Fatalf("cursor error should surface, got %v", err)
	}
}
