// Package reliability turns component failure rates into fault-tree
// probabilities and FMEDA metrics. Component FIT is the base rate scaled by a
// qualification factor; basic events draw FIT from a failure mode or an
// entered value and convert it to a probability over the active mission
// profile's TAU.
package reliability

import (
	"github.com/WessleyAI/safetygraph/engine/domain"
)

// passiveFactors scale the base FIT of passive parts by certificate.
// Certificates not listed use 1.0, as do all active parts.
var passiveFactors = map[domain.Certificate]float64{
	domain.CertAECQ200:     0.8,
	domain.CertIECQ:        0.9,
	domain.CertMILSTD883:   0.85,
	domain.CertMILPRF38534: 0.85,
	domain.CertMILPRF38535: 0.85,
	domain.CertSpace:       0.75,
	domain.CertAECQ100:     1.0,
	domain.CertAECQ101:     1.0,
	domain.CertNone:        1.0,
}

// QualificationFactor returns the FIT multiplier for a part.
func QualificationFactor(passive bool, cert domain.Certificate) float64 {
	if !passive {
		return 1.0
	}
	if f, ok := passiveFactors[cert]; ok {
		return f
	}
	return 1.0
}

// ComponentFIT is the per-unit FIT of a part.
func ComponentFIT(c domain.Component) float64 {
	return c.BaseFIT * QualificationFactor(c.Passive, c.Qualification)
}

// ComponentFITMap flattens the bill of materials: each component's entry is
// its derived FIT times its own quantity and the quantity of every ancestor.
func ComponentFITMap(m *domain.Model) map[string]float64 {
	out := make(map[string]float64, len(m.Components))
	for id, c := range m.Components {
		mult := float64(c.Count())
		seen := map[string]bool{id: true}
		for p := c.ParentID; p != "" && !seen[p]; p = m.Components[p].ParentID {
			seen[p] = true
			mult *= float64(m.Components[p].Count())
		}
		out[id] = ComponentFIT(c) * mult
	}
	return out
}

// FailureModeFIT is the share of the component's effective FIT attributed to
// one failure mode.
func FailureModeFIT(componentFIT float64, fm domain.FailureMode) float64 {
	return componentFIT * fm.FaultFraction
}
