package review

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/WessleyAI/safetygraph/engine/domain"
	"github.com/WessleyAI/safetygraph/engine/graph"
	"github.com/gowebpki/jcs"
)

// Digest hashes the canonical JSON form of an analysis. Equal content gives
// an equal digest regardless of map order.
func Digest(a domain.Analysis) (string, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("digest: marshal: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("digest: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// snapshotIn freezes the scoped content of the working model. The snapshot
// carries the revision the transaction commits as.
func snapshotIn(tx *graph.Tx, label, reviewID string, scope []string, now time.Time) (domain.Snapshot, error) {
	m := tx.Model()
	content := Extract(m, Closure(m, scope))
	digest, err := Digest(content)
	if err != nil {
		return domain.Snapshot{}, err
	}
	s := domain.Snapshot{
		ID:       domain.NewID(domain.KindSnapshot),
		Label:    label,
		ReviewID: reviewID,
		Revision: tx.Revision(),
		TakenAt:  now,
		Scope:    scope,
		Digest:   digest,
		Content:  content,
	}
	return s, tx.PutSnapshot(s)
}
