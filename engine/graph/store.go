// Package graph is the single owner of the safety-analysis graph. All
// mutations go through Store.Update, which applies them to a private copy,
// runs the registered derivation hooks in the same transaction and swaps the
// copy in only when every step succeeded.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/WessleyAI/safetygraph/engine/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Op is the kind of change applied to an entity.
type Op string

const (
	OpCreated Op = "created"
	OpUpdated Op = "updated"
	OpDeleted Op = "deleted"
)

// Change records one entity touched by a mutation.
type Change struct {
	Kind domain.Kind `json:"kind"`
	ID   string      `json:"id"`
	Op   Op          `json:"op"`
}

// ChangeSet is everything one committed mutation touched, derived updates
// included. Full is set for whole-model recomputation.
type ChangeSet struct {
	Revision uint64    `json:"revision"`
	Changes  []Change  `json:"changes"`
	Full     bool      `json:"full,omitempty"`
	At       time.Time `json:"at"`
}

// Touched reports whether id was changed with any op.
func (cs ChangeSet) Touched(id string) bool {
	for _, c := range cs.Changes {
		if c.ID == id {
			return true
		}
	}
	return false
}

// Hook derives state inside a mutation. Hooks run in registration order and
// see the changes recorded so far, including those of earlier hooks.
type Hook interface {
	Name() string
	Apply(ctx context.Context, tx *Tx) error
}

// HookFunc adapts a function to Hook.
type HookFunc struct {
	ID string
	Fn func(ctx context.Context, tx *Tx) error
}

func (h HookFunc) Name() string { return h.ID }

func (h HookFunc) Apply(ctx context.Context, tx *Tx) error { return h.Fn(ctx, tx) }

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithMetrics attaches store collectors.
func WithMetrics(m *Metrics) Option { return func(s *Store) { s.metrics = m } }

// WithClock overrides the commit timestamp source.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// Store owns the model. One mutation runs at a time.
type Store struct {
	mu       sync.RWMutex
	model    *domain.Model
	index    *Index
	revision uint64
	hooks    []Hook

	subMu   sync.Mutex
	subs    map[int]func(ChangeSet)
	nextSub int

	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		model: domain.NewModel(),
		subs:  make(map[int]func(ChangeSet)),
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.index = BuildIndex(s.model)
	return s
}

// Open creates a store over a decoded model. The model is checked for
// referential integrity as a whole and rejected if any record is invalid.
func Open(m *domain.Model, revision uint64, opts ...Option) (*Store, error) {
	m.Normalize()
	if err := CheckModel(m); err != nil {
		return nil, err
	}
	s := New(opts...)
	s.model = m
	s.revision = revision
	s.index = BuildIndex(m)
	s.metrics.setRevision(revision)
	return s, nil
}

// Use registers a derivation hook. Hooks must be registered before the
// store is shared.
func (s *Store) Use(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// Subscribe registers fn to receive every committed ChangeSet. Subscribers run
// after the write lock is released, in the committing goroutine.
func (s *Store) Subscribe(fn func(ChangeSet)) (cancel func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Revision returns the committed revision.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Model returns a deep copy of the committed model.
func (s *Store) Model() *domain.Model {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model.Clone()
}

// Current returns a deep copy of the committed model with its revision.
func (s *Store) Current() (*domain.Model, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model.Clone(), s.revision
}

// Read runs fn under the read lock with the committed model and its index.
// fn must not retain or modify either.
func (s *Store) Read(fn func(m *domain.Model, idx *Index)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.model, s.index)
}

// Update applies fn and every hook to a copy of the model and commits the copy
// only if all of them succeed. A mutation that changes nothing does not bump
// the revision.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) (ChangeSet, error) {
	return s.update(ctx, false, fn)
}

// Recompute re-runs every hook over the whole model, for example after load
// or after the derivation tables changed.
func (s *Store) Recompute(ctx context.Context) (ChangeSet, error) {
	return s.update(ctx, true, func(*Tx) error { return nil })
}

// Reset replaces the whole model with m, for example after the document it
// was loaded from changed on disk. Every hook runs over m. The revision never
// goes backwards: the commit takes the larger of the current revision and
// revision, plus one.
func (s *Store) Reset(ctx context.Context, m *domain.Model, revision uint64) (ChangeSet, error) {
	m = m.Clone()
	if err := CheckModel(m); err != nil {
		return ChangeSet{}, err
	}
	return s.update(ctx, true, func(tx *Tx) error {
		tx.m = m
		tx.rev = max(tx.rev, revision)
		return nil
	})
}

func (s *Store) update(ctx context.Context, full bool, fn func(tx *Tx) error) (ChangeSet, error) {
	ctx, span := otel.Tracer("engine/graph").Start(ctx, "graph.update")
	defer span.End()
	start := s.now()

	s.mu.Lock()
	tx := newTx(s.model, s.revision, full)
	err := fn(tx)
	if err == nil {
		err = s.runHooks(ctx, tx)
	}
	if err == nil {
		err = tx.check()
	}
	if err != nil {
		s.mu.Unlock()
		s.metrics.observe("rejected", start, s.now())
		s.logger.Warn("mutation rejected", "revision", s.Revision(), "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ChangeSet{}, err
	}
	if len(tx.changes) == 0 && !full {
		s.mu.Unlock()
		s.metrics.observe("noop", start, s.now())
		return ChangeSet{Revision: s.Revision()}, nil
	}

	s.revision = tx.Revision()
	s.model = tx.m
	s.index = BuildIndex(tx.m)
	cs := ChangeSet{Revision: s.revision, Changes: tx.changes, Full: full, At: s.now().UTC()}
	s.mu.Unlock()

	s.metrics.observe("committed", start, s.now())
	s.metrics.setRevision(cs.Revision)
	span.SetAttributes(attribute.Int64("revision", int64(cs.Revision)), attribute.Int("changes", len(cs.Changes)))
	s.logger.Info("mutation committed", "revision", cs.Revision, "changes", len(cs.Changes), "full", full)

	s.notify(cs)
	return cs, nil
}

func (s *Store) runHooks(ctx context.Context, tx *Tx) error {
	for _, h := range s.hooks {
		hctx, span := otel.Tracer("engine/graph").Start(ctx, "hook."+h.Name())
		err := h.Apply(hctx, tx)
		span.End()
		if err != nil {
			return fmt.Errorf("graph: hook %s: %w", h.Name(), err)
		}
	}
	return nil
}

func (s *Store) notify(cs ChangeSet) {
	s.subMu.Lock()
	fns := make([]func(ChangeSet), 0, len(s.subs))
	for i := 0; i < s.nextSub; i++ {
		if fn, ok := s.subs[i]; ok {
			fns = append(fns, fn)
		}
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(cs)
	}
}
