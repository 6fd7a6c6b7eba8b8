// Package project assembles a graph store and its derivation engines over a
// persisted document.
package project

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/WessleyAI/safetygraph/engine/asil"
	"github.com/WessleyAI/safetygraph/engine/domain"
	"github.com/WessleyAI/safetygraph/engine/export"
	"github.com/WessleyAI/safetygraph/engine/graph"
	"github.com/WessleyAI/safetygraph/engine/persist"
	"github.com/WessleyAI/safetygraph/engine/reliability"
	"github.com/WessleyAI/safetygraph/engine/review"
	"github.com/WessleyAI/safetygraph/pkg/metrics"
)

// Options configures a Project. Every field is optional.
type Options struct {
	Logger   *slog.Logger
	Registry *metrics.Registry
	Clock    func() time.Time
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Project is a store with the ASIL, reliability and review engines
// registered in that order.
type Project struct {
	Store       *graph.Store
	ASIL        *asil.Engine
	Reliability *reliability.Engine
	Reviews     *review.Engine

	path   string
	opts   Options
	logger *slog.Logger
}

// New creates an empty project.
func New(opts Options) *Project {
	opts.defaults()
	return assemble(graph.New(storeOptions(opts)...), opts)
}

func storeOptions(opts Options) []graph.Option {
	so := []graph.Option{graph.WithLogger(opts.Logger), graph.WithClock(opts.Clock)}
	if opts.Registry != nil {
		so = append(so, graph.WithMetrics(graph.NewMetrics(opts.Registry)))
	}
	return so
}

func assemble(s *graph.Store, opts Options) *Project {
	p := &Project{
		Store:       s,
		ASIL:        asil.New(s, opts.Logger),
		Reliability: reliability.New(s, opts.Registry, opts.Logger),
		Reviews:     review.New(s, opts.Logger, review.WithClock(opts.Clock)),
		opts:        opts,
		logger:      opts.Logger,
	}
	s.Use(p.ASIL)
	s.Use(p.Reliability)
	s.Use(p.Reviews)
	return p
}

// Open builds a project over a decoded document and recomputes every derived
// value, so stale derived fields in the document are corrected on load.
func Open(ctx context.Context, doc persist.Document, opts Options) (*Project, error) {
	opts.defaults()
	s, err := graph.Open(doc.Model, doc.Revision, storeOptions(opts)...)
	if err != nil {
		return nil, fmt.Errorf("project: open: %w", err)
	}
	p := assemble(s, opts)
	if _, err := s.Recompute(ctx); err != nil {
		return nil, fmt.Errorf("project: recompute: %w", err)
	}
	return p, nil
}

// Load opens the document at path. Save and Reload default to the same path.
func Load(ctx context.Context, path string, opts Options) (*Project, error) {
	doc, err := persist.LoadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	p, err := Open(ctx, doc, opts)
	if err != nil {
		return nil, err
	}
	p.path = path
	p.logger.Info("project loaded", "path", path, "revision", p.Store.Revision())
	return p, nil
}

// Path is the document the project was loaded from or last saved to.
func (p *Project) Path() string { return p.path }

// Document captures the committed model and revision.
func (p *Project) Document() persist.Document {
	m, rev := p.Store.Current()
	return persist.NewDocument(m, rev, p.opts.Clock())
}

// Save writes the document to path, or to Path when path is empty.
func (p *Project) Save(path string) error {
	if path == "" {
		path = p.path
	}
	if path == "" {
		return fmt.Errorf("project: save: no path")
	}
	if err := persist.SaveFile(path, p.Document()); err != nil {
		return err
	}
	p.path = path
	p.logger.Info("project saved", "path", path, "revision", p.Store.Revision())
	return nil
}

// Reload replaces the model with the current content of Path. A document
// that fails to load leaves the project untouched.
func (p *Project) Reload(ctx context.Context) (graph.ChangeSet, error) {
	if p.path == "" {
		return graph.ChangeSet{}, fmt.Errorf("project: reload: no path")
	}
	doc, err := persist.LoadFile(ctx, p.path)
	if err != nil {
		return graph.ChangeSet{}, err
	}
	cs, err := p.Store.Reset(ctx, doc.Model, doc.Revision)
	if err != nil {
		return graph.ChangeSet{}, fmt.Errorf("project: reload: %w", err)
	}
	p.logger.Info("project reloaded", "path", p.path, "revision", cs.Revision)
	return cs, nil
}

// Tables returns every CSV table of the committed model: hazards,
// requirements, allocations, FMEDA and one table per HAZOP and HARA.
func (p *Project) Tables() ([]export.Table, error) {
	m := p.Store.Model()
	tables := []export.Table{
		export.HazardTable(m.Analysis),
		export.RequirementTable(m.Analysis),
		export.AllocationTable(m.Analysis),
		export.FMEDATable(m.Analysis),
	}
	for _, id := range sortedKeys(m.HazopDocs) {
		t, err := export.HazopTable(m.Analysis, id)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	for _, id := range sortedKeys(m.HaraDocs) {
		t, err := export.HaraTable(m.Analysis, id)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

// ExportCSV writes every table into dir and returns the file paths.
func (p *Project) ExportCSV(dir string) ([]string, error) {
	tables, err := p.Tables()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("project: export: %w", err)
	}
	var paths []string
	for _, t := range tables {
		data, err := t.Bytes()
		if err != nil {
			return paths, err
		}
		path := filepath.Join(dir, fileName(t.Name)+".csv")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return paths, fmt.Errorf("project: export: %w", err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// scoped returns the current content of a review's scope.
func (p *Project) scoped(r domain.Review) domain.Analysis {
	var a domain.Analysis
	p.Store.Read(func(m *domain.Model, _ *graph.Index) {
		a = review.Extract(m, review.Closure(m, r.Scope))
	})
	return a
}

// Figure merges a review's baseline with the current state of its scope.
func (p *Project) Figure(reviewID string) (export.Figure, error) {
	r, err := p.Store.Review(reviewID)
	if err != nil {
		return export.Figure{}, err
	}
	res, err := p.Reviews.DiffForReview(reviewID)
	if err != nil {
		return export.Figure{}, err
	}
	base, err := p.Store.Snapshot(r.BaselineID)
	if err != nil {
		return export.Figure{}, err
	}
	return export.NewFigure(base.Content, p.scoped(r), res), nil
}

// FigureBetween merges two stored snapshots.
func (p *Project) FigureBetween(fromID, toID string) (export.Figure, error) {
	res, err := p.Reviews.DiffSnapshots(fromID, toID)
	if err != nil {
		return export.Figure{}, err
	}
	from, err := p.Store.Snapshot(fromID)
	if err != nil {
		return export.Figure{}, err
	}
	to, err := p.Store.Snapshot(toID)
	if err != nil {
		return export.Figure{}, err
	}
	return export.NewFigure(from.Content, to.Content, res), nil
}

// ReviewMail builds the summary mail of a review with its diff figure
// attached. A review whose baseline is gone is summarised without a diff.
func (p *Project) ReviewMail(reviewID, from string) (export.Message, error) {
	r, err := p.Store.Review(reviewID)
	if err != nil {
		return export.Message{}, err
	}
	scoped := p.scoped(r)
	var res *review.Result
	var fig *export.Figure
	if base, err := p.Store.Snapshot(r.BaselineID); err == nil {
		if res, err = p.Reviews.DiffForReview(reviewID); err != nil {
			return export.Message{}, err
		}
		f := export.NewFigure(base.Content, scoped, res)
		fig = &f
	} else {
		p.logger.Warn("review baseline missing", "review", reviewID, "baseline", r.BaselineID)
	}
	msg, err := export.ReviewMessage(r, scoped, res, from)
	if err != nil {
		return export.Message{}, err
	}
	if fig != nil {
		var dot bytes.Buffer
		if err := fig.WriteDOT(&dot); err != nil {
			return export.Message{}, err
		}
		msg.Attach("diff.dot", dot.Bytes())
	}
	return msg, nil
}

func sortedKeys[V any](m map[string]V) []string { return slices.Sorted(maps.Keys(m)) }

// fileName keeps letters, digits, dashes and underscores.
func fileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}
