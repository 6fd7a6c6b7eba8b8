// Package asil derives Automotive Safety Integrity Levels. It holds the
// ISO 26262-3 risk graph and the ISO 26262-9 decomposition schemes as plain
// data tables, propagates levels from HARA rows through safety goals to top
// events and requirements, and decomposes requirements into ASIL pairs.
package asil

import (
	"fmt"
	"strings"

	"github.com/WessleyAI/safetygraph/engine/domain"
)

const (
	qm = domain.QM
	a  = domain.ASILA
	b  = domain.ASILB
	c  = domain.ASILC
	d  = domain.ASILD
)

// riskGraph is indexed [severity-1][controllability-1][exposure-1].
var riskGraph = [3][3][4]domain.ASIL{
	// S1
	{
		{qm, qm, qm, qm}, // C1
		{qm, qm, qm, a},  // C2
		{qm, qm, a, b},   // C3
	},
	// S2
	{
		{qm, qm, qm, a},
		{qm, qm, a, b},
		{qm, a, b, c},
	},
	// S3
	{
		{qm, qm, a, b},
		{qm, a, b, c},
		{a, b, c, d},
	},
}

// Risk looks up the ASIL of a severity (1-3), controllability (1-3) and
// exposure (1-4) rating.
func Risk(severity, controllability, exposure int) (domain.ASIL, error) {
	if err := domain.ValidateRisk(severity, controllability, exposure); err != nil {
		return "", err
	}
	return riskGraph[severity-1][controllability-1][exposure-1], nil
}

// Pair is the ASIL assignment of the two children of a decomposition.
type Pair [2]domain.ASIL

func (p Pair) String() string { return fmt.Sprintf("%s+%s", p[0], p[1]) }

// ParsePair reads the String form, e.g. "B+B" or "QM+D".
func ParsePair(s string) (Pair, error) {
	l, r, ok := strings.Cut(s, "+")
	if !ok {
		return Pair{}, fmt.Errorf("%w: pair %q is not of the form X+Y", domain.ErrValidation, s)
	}
	a, err := domain.ParseASIL(strings.TrimSpace(l))
	if err != nil {
		return Pair{}, err
	}
	b, err := domain.ParseASIL(strings.TrimSpace(r))
	if err != nil {
		return Pair{}, err
	}
	return Pair{a, b}, nil
}

// Reverse swaps the children.
func (p Pair) Reverse() Pair { return Pair{p[1], p[0]} }

// schemes lists the permitted decompositions per parent level, most balanced
// first. Either child order is accepted.
var schemes = map[domain.ASIL][]Pair{
	d:  {{c, a}, {b, b}, {d, qm}},
	c:  {{b, a}, {c, qm}},
	b:  {{a, a}, {b, qm}},
	a:  {{a, qm}},
	qm: nil,
}

// LegalPairs returns the decompositions permitted for parent. QM cannot be
// decomposed.
func LegalPairs(parent domain.ASIL) []Pair {
	out := make([]Pair, len(schemes[parent]))
	copy(out, schemes[parent])
	return out
}

// IsLegal reports whether p, in either order, decomposes parent.
func IsLegal(parent domain.ASIL, p Pair) bool {
	for _, s := range schemes[parent] {
		if s == p || s == p.Reverse() {
			return true
		}
	}
	return false
}

// CheckPair returns a DecompositionError when p does not decompose parent.
func CheckPair(requirementID string, parent domain.ASIL, p Pair) error {
	if IsLegal(parent, p) {
		return nil
	}
	reason := fmt.Sprintf("permitted: %v", LegalPairs(parent))
	if len(schemes[parent]) == 0 {
		reason = fmt.Sprintf("ASIL %s cannot be decomposed", parent)
	}
	return &domain.DecompositionError{RequirementID: requirementID, Parent: parent, Requested: [2]domain.ASIL(p), Reason: reason}
}
