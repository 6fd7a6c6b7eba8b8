package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/WessleyAI/safetygraph/engine/domain"
	"github.com/WessleyAI/safetygraph/engine/graph"
	"github.com/WessleyAI/safetygraph/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Engine keeps derived FIT rates and probabilities current. It runs as a
// store hook and recomputes the whole reliability picture on each mutation,
// writing back only the values that moved.
type Engine struct {
	store  *graph.Store
	logger *slog.Logger

	topEvent *prometheus.GaugeVec
	spfm     *prometheus.GaugeVec
}

// New creates an Engine. reg may be nil.
func New(store *graph.Store, reg *metrics.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{store: store, logger: logger}
	if reg != nil {
		e.topEvent = reg.GaugeVec("reliability_top_event_probability", "Evaluated top event probability.", "node")
		e.spfm = reg.GaugeVec("reliability_fmeda_spfm", "Single point fault metric per safety goal.", "goal")
		store.Subscribe(func(graph.ChangeSet) {
			store.Read(func(m *domain.Model, _ *graph.Index) { e.observe(m) })
		})
	}
	return e
}

// Name implements graph.Hook.
func (e *Engine) Name() string { return "reliability" }

// Apply implements graph.Hook.
func (e *Engine) Apply(_ context.Context, tx *graph.Tx) error {
	m := tx.Model()
	var n int

	for _, id := range slices.Sorted(maps.Keys(m.Components)) {
		c := m.Components[id]
		if fit := ComponentFIT(c); fit != c.FIT {
			c = c.Clone()
			c.FIT = fit
			if err := tx.PutComponent(c); err != nil {
				return err
			}
			n++
		}
	}

	fits := ComponentFITMap(m)
	for _, id := range slices.Sorted(maps.Keys(m.FailureModes)) {
		fm := m.FailureModes[id]
		if fit := FailureModeFIT(fits[fm.ComponentID], fm); fit != fm.FIT {
			fm = fm.Clone()
			fm.FIT = fit
			if err := tx.PutFailureMode(fm); err != nil {
				return err
			}
			n++
		}
	}

	ev := newEvaluator(m, Tau(m))
	for _, id := range slices.Sorted(maps.Keys(m.FaultTreeNodes)) {
		node := m.FaultTreeNodes[id]
		fit, p := ev.eval(id)
		if fit == node.FIT && sameProbability(p, node.Probability) {
			continue
		}
		node = node.Clone()
		node.FIT, node.Probability = fit, p
		if err := tx.PutFaultTreeNode(node); err != nil {
			return err
		}
		n++
	}

	if n > 0 {
		e.logger.Debug("reliability recomputed", "updates", n, "full", tx.Full())
	}
	return nil
}

func (e *Engine) observe(m *domain.Model) {
	if e.topEvent == nil {
		return
	}
	for id, node := range m.FaultTreeNodes {
		if node.Type != domain.NodeTopEvent {
			continue
		}
		if node.Probability != nil {
			e.topEvent.WithLabelValues(id).Set(*node.Probability)
		} else {
			e.topEvent.DeleteLabelValues(id)
		}
	}
	for _, g := range FMEDA(m).Goals {
		if g.Goal != "" {
			e.spfm.WithLabelValues(g.Goal).Set(g.SPFM)
		}
	}
}

// Tau returns the TAU of the active mission profile, or nil when none is
// active.
func Tau(m *domain.Model) *float64 {
	p, ok := m.MissionProfiles[m.ActiveMissionProfile]
	if !ok {
		return nil
	}
	t := p.Tau()
	return &t
}

type evaluator struct {
	m     *domain.Model
	tau   *float64
	fit   map[string]float64
	prob  map[string]*float64
	state map[string]int
}

func newEvaluator(m *domain.Model, tau *float64) *evaluator {
	return &evaluator{
		m:     m,
		tau:   tau,
		fit:   map[string]float64{},
		prob:  map[string]*float64{},
		state: map[string]int{},
	}
}

// eval returns the FIT and probability of a node, memoized. Gates carry no
// FIT of their own. A cycle evaluates as undefined; the store rejects it
// after the hooks ran.
func (ev *evaluator) eval(id string) (float64, *float64) {
	switch ev.state[id] {
	case 1:
		return 0, nil
	case 2:
		return ev.fit[id], ev.prob[id]
	}
	ev.state[id] = 1
	node := ev.m.FaultTreeNodes[id]
	var (
		fit float64
		p   *float64
	)
	if node.Type.IsLeaf() {
		fit = node.EnteredFIT
		if fm, ok := ev.m.FailureModes[node.FailureModeID]; ok {
			fit = fm.FIT
		}
		p = Probability(node.ProbabilityMode, fit, ev.tau, node.EnteredProbability)
	} else {
		children := make([]*float64, 0, len(node.Children))
		for _, ch := range node.Children {
			_, cp := ev.eval(ch)
			children = append(children, cp)
		}
		p = Gate(node.Gate, children)
	}
	ev.fit[id], ev.prob[id], ev.state[id] = fit, p, 2
	return fit, p
}

// Activate selects the mission profile driving linear and exponential
// events. An empty id deactivates profiles.
func (e *Engine) Activate(ctx context.Context, profileID string) error {
	_, err := e.store.Update(ctx, func(tx *graph.Tx) error { return tx.SetActiveMissionProfile(profileID) })
	if err != nil {
		return fmt.Errorf("reliability: activate %s: %w", profileID, err)
	}
	return nil
}

// FMEDA computes the hardware metrics of the committed model.
func (e *Engine) FMEDA() Report {
	var r Report
	e.store.Read(func(m *domain.Model, _ *graph.Index) { r = FMEDA(m) })
	return r
}

// ComponentFITs returns the flattened BOM FIT of the committed model.
func (e *Engine) ComponentFITs() map[string]float64 {
	var out map[string]float64
	e.store.Read(func(m *domain.Model, _ *graph.Index) { out = ComponentFITMap(m) })
	return out
}
