package reliability

import (
	"math"

	"github.com/WessleyAI/safetygraph/engine/domain"
)

// HoursPerFIT converts FIT (failures per 1e9 hours) to failures per hour.
const HoursPerFIT = 1e9

// Lambda is the failure rate in failures per hour.
func Lambda(fit float64) float64 { return fit / HoursPerFIT }

// Probability evaluates a leaf event. tau is nil when no mission profile is
// active, in which case linear and exponential events are undefined (nil).
// Constant events return entered whatever the rate or profile.
func Probability(mode domain.ProbabilityMode, fit float64, tau *float64, entered float64) *float64 {
	var p float64
	switch mode {
	case domain.ProbabilityConstant:
		p = entered
	case domain.ProbabilityExponential:
		if tau == nil {
			return nil
		}
		p = -math.Expm1(-Lambda(fit) * *tau)
	default: // linear
		if tau == nil {
			return nil
		}
		p = Lambda(fit) * *tau
	}
	return &p
}

// Gate combines child probabilities. AND multiplies them; OR is the
// complement of no child occurring. Any undefined child, or no children at
// all, leaves the gate undefined.
func Gate(kind domain.GateKind, children []*float64) *float64 {
	if len(children) == 0 {
		return nil
	}
	var p float64
	switch kind {
	case domain.GateAND:
		p = 1
		for _, c := range children {
			if c == nil {
				return nil
			}
			p *= *c
		}
	default: // OR
		none := 1.0
		for _, c := range children {
			if c == nil {
				return nil
			}
			none *= 1 - *c
		}
		p = 1 - none
	}
	return &p
}

func sameProbability(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
