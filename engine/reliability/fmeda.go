package reliability

import (
	"maps"
	"slices"

	"github.com/WessleyAI/safetygraph/engine/domain"
)

// Target is the FMEDA hardware metric threshold for an ASIL.
type Target struct {
	SPFM float64 `json:"spfm"`
	LPFM float64 `json:"lpfm"`
	DC   float64 `json:"dc"`
}

var targets = map[domain.ASIL]Target{
	domain.ASILD: {SPFM: 0.99, LPFM: 0.90, DC: 0.99},
	domain.ASILC: {SPFM: 0.97, LPFM: 0.90, DC: 0.97},
	domain.ASILB: {SPFM: 0.90, LPFM: 0.60, DC: 0.90},
	domain.ASILA: {},
	domain.QM:    {},
}

// TargetFor returns the thresholds for a level. Unknown levels get QM's.
func TargetFor(a domain.ASIL) Target { return targets[a] }

// Metrics are the FMEDA figures of one safety goal, or of the whole design
// when Goal is empty.
type Metrics struct {
	Goal   string      `json:"goal,omitempty"`
	ASIL   domain.ASIL `json:"asil"`
	Total  float64     `json:"total_fit"`
	SPF    float64     `json:"spf_fit"`
	LPF    float64     `json:"lpf_fit"`
	SPFM   float64     `json:"spfm"`
	LPFM   float64     `json:"lpfm"`
	DC     float64     `json:"dc"`
	Target Target      `json:"target"`
	OKSPFM bool        `json:"ok_spfm"`
	OKLPFM bool        `json:"ok_lpfm"`
	OKDC   bool        `json:"ok_dc"`
}

// OK reports whether every metric meets its target.
func (m Metrics) OK() bool { return m.OKSPFM && m.OKLPFM && m.OKDC }

func (m *Metrics) add(value float64, fm domain.FailureMode) {
	m.Total += value
	residual := value * (1 - fm.DiagnosticCoverage)
	if fm.FaultType == domain.FaultTransient {
		m.LPF += residual
	} else {
		m.SPF += residual
	}
}

func (m *Metrics) finish() {
	if m.Total > 0 {
		m.DC = (m.Total - (m.SPF + m.LPF)) / m.Total
		m.SPFM = 1 - m.SPF/m.Total
	}
	if m.Total > m.SPF {
		m.LPFM = 1 - m.LPF/(m.Total-m.SPF)
	}
	m.Target = TargetFor(m.ASIL)
	m.OKSPFM = m.SPFM >= m.Target.SPFM
	m.OKLPFM = m.LPFM >= m.Target.LPFM
	m.OKDC = m.DC >= m.Target.DC
}

// Report holds per-goal metrics and the design-wide aggregate, which is
// judged against the highest goal ASIL.
type Report struct {
	Goals     []Metrics `json:"goals"`
	Aggregate Metrics   `json:"aggregate"`
}

// FMEDA computes the hardware metrics of m. Each failure mode contributes the
// effective FIT of its component times its fault fraction to its safety goal;
// failure modes without a goal are grouped under the empty goal.
func FMEDA(m *domain.Model) Report {
	fits := ComponentFITMap(m)
	byGoal := map[string]*Metrics{}
	agg := Metrics{ASIL: domain.QM}
	for _, id := range slices.Sorted(maps.Keys(m.FailureModes)) {
		fm := m.FailureModes[id]
		gm, ok := byGoal[fm.SafetyGoalID]
		if !ok {
			lvl := domain.QM
			if g, ok := m.SafetyGoals[fm.SafetyGoalID]; ok && g.ASIL != "" {
				lvl = g.ASIL
			}
			gm = &Metrics{Goal: fm.SafetyGoalID, ASIL: lvl}
			byGoal[fm.SafetyGoalID] = gm
			agg.ASIL = domain.MaxASIL(agg.ASIL, lvl)
		}
		value := FailureModeFIT(fits[fm.ComponentID], fm)
		gm.add(value, fm)
		agg.add(value, fm)
	}
	var r Report
	for _, g := range slices.Sorted(maps.Keys(byGoal)) {
		gm := byGoal[g]
		gm.finish()
		r.Goals = append(r.Goals, *gm)
	}
	agg.finish()
	r.Aggregate = agg
	return r
}

// Goal returns the metrics of one safety goal.
func (r Report) Goal(id string) (Metrics, bool) {
	for _, g := range r.Goals {
		if g.Goal == id {
			return g, true
		}
	}
	return Metrics{}, false
}
