// Package archive keeps snapshots in an embedded key-value store so that
// baselines survive pruning from the working document.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/WessleyAI/safetygraph/engine/domain"
	"github.com/WessleyAI/safetygraph/engine/graph"
	"github.com/WessleyAI/safetygraph/engine/review"
	"github.com/dgraph-io/badger/v4"
)

// ErrCorrupt is returned when archived content no longer matches its digest.
var ErrCorrupt = errors.New("archive: digest mismatch")

const prefix = "snapshot/"

func key(id string) []byte { return []byte(prefix + id) }

// Config configures the underlying database.
type Config struct {
	// Dir holds the database files. Ignored when InMemory is set.
	Dir        string
	InMemory   bool
	SyncWrites bool
	// GCInterval is how often Run collects the value log. Zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DefaultConfig is a durable on-disk archive under dir.
func DefaultConfig(dir string) Config {
	return Config{Dir: dir, SyncWrites: true, GCInterval: 5 * time.Minute, GCDiscardRatio: 0.5}
}

// Entry describes an archived snapshot without its content.
type Entry struct {
	ID       string    `json:"id"`
	Label    string    `json:"label,omitempty"`
	ReviewID string    `json:"review_id,omitempty"`
	Revision uint64    `json:"revision"`
	TakenAt  time.Time `json:"taken_at"`
	Digest   string    `json:"digest"`
}

// Archive stores snapshots by id.
type Archive struct {
	db     *badger.DB
	cfg    Config
	logger *slog.Logger
}

type badgerLogger struct{ l *slog.Logger }

func (b badgerLogger) Errorf(f string, a ...any)   { b.l.Error(fmt.Sprintf(f, a...)) }
func (b badgerLogger) Warningf(f string, a ...any) { b.l.Warn(fmt.Sprintf(f, a...)) }
func (b badgerLogger) Infof(f string, a ...any)    { b.l.Debug(fmt.Sprintf(f, a...)) }
func (b badgerLogger) Debugf(f string, a ...any)   { b.l.Debug(fmt.Sprintf(f, a...)) }

// Open opens or creates the archive.
func Open(cfg Config, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, errors.New("archive: dir is required")
		}
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("archive: create %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{l: logger.With("component", "badger")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	return &Archive{db: db, cfg: cfg, logger: logger}, nil
}

// Close closes the database.
func (a *Archive) Close() error { return a.db.Close() }

func verify(s domain.Snapshot) error {
	d, err := review.Digest(s.Content)
	if err != nil {
		return err
	}
	if d != s.Digest {
		return fmt.Errorf("%w: snapshot %s", ErrCorrupt, s.ID)
	}
	return nil
}

// Put archives s after checking its digest. Archiving the same id again
// replaces the entry.
func (a *Archive) Put(s domain.Snapshot) error {
	if err := verify(s); err != nil {
		return err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("archive: encode %s: %w", s.ID, err)
	}
	if err := a.db.Update(func(txn *badger.Txn) error { return txn.Set(key(s.ID), raw) }); err != nil {
		return fmt.Errorf("archive: put %s: %w", s.ID, err)
	}
	a.logger.Debug("snapshot archived", "snapshot", s.ID, "revision", s.Revision)
	return nil
}

// Has reports whether id is archived.
func (a *Archive) Has(id string) (bool, error) {
	err := a.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key(id))
		return err
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("archive: has %s: %w", id, err)
	}
	return true, nil
}

// Get returns an archived snapshot. Content that fails its digest check is
// reported as ErrCorrupt.
func (a *Archive) Get(id string) (domain.Snapshot, error) {
	var s domain.Snapshot
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &s) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.Snapshot{}, domain.NotFound(domain.KindSnapshot, id)
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("archive: get %s: %w", id, err)
	}
	s.Content.Normalize()
	if err := verify(s); err != nil {
		return domain.Snapshot{}, err
	}
	return s, nil
}

// List returns every entry, oldest first.
func (a *Archive) List() ([]Entry, error) {
	var out []Entry
	err := a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			var e Entry
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	slices.SortFunc(out, func(x, y Entry) int {
		if c := x.TakenAt.Compare(y.TakenAt); c != 0 {
			return c
		}
		return int(x.Revision) - int(y.Revision)
	})
	return out, nil
}

// Delete removes id. Deleting a missing id is not an error.
func (a *Archive) Delete(id string) error {
	if err := a.db.Update(func(txn *badger.Txn) error { return txn.Delete(key(id)) }); err != nil {
		return fmt.Errorf("archive: delete %s: %w", id, err)
	}
	return nil
}

// Sync archives every snapshot in the store that is not archived yet and
// returns the ids it added.
func (a *Archive) Sync(store *graph.Store) ([]string, error) {
	var added []string
	for _, s := range store.Snapshots() {
		ok, err := a.Has(s.ID)
		if err != nil {
			return added, err
		}
		if ok {
			continue
		}
		if err := a.Put(s); err != nil {
			return added, err
		}
		added = append(added, s.ID)
	}
	return added, nil
}

// Attach archives snapshots as the store commits them.
func (a *Archive) Attach(store *graph.Store) (cancel func()) {
	return store.Subscribe(func(cs graph.ChangeSet) {
		for _, c := range cs.Changes {
			if c.Kind != domain.KindSnapshot || c.Op == graph.OpDeleted {
				continue
			}
			s, err := store.Snapshot(c.ID)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err == nil {
				err = a.Put(s)
			}
			if err != nil {
				a.logger.Warn("archive snapshot", "snapshot", c.ID, "revision", cs.Revision, "err", err)
			}
		}
	})
}

// Restore puts an archived snapshot back into the store, for example a
// review baseline that was pruned.
func (a *Archive) Restore(ctx context.Context, store *graph.Store, id string) error {
	s, err := a.Get(id)
	if err != nil {
		return err
	}
	if _, err := store.Update(ctx, func(tx *graph.Tx) error { return tx.PutSnapshot(s) }); err != nil {
		return fmt.Errorf("archive: restore %s: %w", id, err)
	}
	return nil
}

// Run collects the value log every GCInterval until ctx is done.
func (a *Archive) Run(ctx context.Context) error {
	if a.cfg.InMemory || a.cfg.GCInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ratio := a.cfg.GCDiscardRatio
	if ratio <= 0 {
		ratio = 0.5
	}
	t := time.NewTicker(a.cfg.GCInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			for {
				err := a.db.RunValueLogGC(ratio)
				if err == nil {
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) {
					a.logger.Warn("archive gc", "err", err)
				}
				break
			}
		}
	}
}
