// Package repo writes labelled nodes and their outgoing relationships to
// Neo4j in batches. The safety-graph projection keeps one store per label.
package repo

import (
	"fmt"
	"regexp"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Pair is one relationship to merge, by node id.
type Pair[ID comparable] struct {
	From ID
	To   ID
}

// Codec maps an entity to node properties and back. Props must carry the
// entity id under "id".
type Codec[T any] struct {
	Props  func(T) map[string]any
	Decode func(neo4j.Node) (T, error)
}

// Labels and relationship types end up in Cypher text rather than in
// parameters, so only identifiers are accepted.
var ident = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

func checkIdent(what, s string) error {
	if !ident.MatchString(s) {
		return fmt.Errorf("repo: invalid %s %q", what, s)
	}
	return nil
}
