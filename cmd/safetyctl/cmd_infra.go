package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/WessleyAI/safetygraph/engine/archive"
	"github.com/WessleyAI/safetygraph/engine/events"
	"github.com/WessleyAI/safetygraph/engine/graph"
	"github.com/WessleyAI/safetygraph/engine/persist"
	"github.com/WessleyAI/safetygraph/engine/project"
	"github.com/WessleyAI/safetygraph/engine/trace"
	"github.com/WessleyAI/safetygraph/pkg/mid"
	"github.com/WessleyAI/safetygraph/pkg/natsutil"
	"github.com/WessleyAI/safetygraph/pkg/resilience"
	"github.com/fsnotify/fsnotify"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func (a *app) openArchive() (*archive.Archive, error) {
	if a.cfg.Archive.Dir == "" {
		return nil, errors.New("no archive: set archive.dir or SAFETYGRAPH_ARCHIVE_DIR")
	}
	cfg := archive.DefaultConfig(a.cfg.Archive.Dir)
	cfg.GCInterval = a.cfg.Archive.GCInterval
	return archive.Open(cfg, a.logger)
}

func (a *app) archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Keep snapshots in the on-disk archive",
	}
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Archive every snapshot of the project not archived yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			arc, err := a.openArchive()
			if err != nil {
				return err
			}
			defer arc.Close()
			added, err := arc.Sync(p.Store)
			if err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).line("%d snapshots archived", len(added))
			return nil
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List archived snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			arc, err := a.openArchive()
			if err != nil {
				return err
			}
			defer arc.Close()
			entries, err := arc.List()
			if err != nil {
				return err
			}
			var rows [][]string
			for _, e := range entries {
				rows = append(rows, []string{e.ID, e.Label, e.ReviewID, strconv.FormatUint(e.Revision, 10), e.TakenAt.Format(time.RFC3339)})
			}
			newPrinter(cmd.OutOrStdout()).table([]string{"ID", "Label", "Review", "Revision", "Taken"}, rows)
			return nil
		},
	}
	restore := &cobra.Command{
		Use:   "restore <snapshot>",
		Short: "Put an archived snapshot back into the project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arc, err := a.openArchive()
			if err != nil {
				return err
			}
			defer arc.Close()
			if _, err := a.mutate(cmd.Context(), func(p *project.Project) error {
				return arc.Restore(cmd.Context(), p.Store, args[0])
			}); err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).line("%s restored", args[0])
			return nil
		},
	}
	cmd.AddCommand(sync, list, restore)
	return cmd
}

func (a *app) neo4jDriver(ctx context.Context) (neo4j.DriverWithContext, error) {
	if a.cfg.Neo4j.URL == "" {
		return nil, errors.New("no neo4j: set neo4j.url or NEO4J_URL")
	}
	driver, err := neo4j.NewDriverWithContext(a.cfg.Neo4j.URL, neo4j.BasicAuth(a.cfg.Neo4j.User, a.cfg.Neo4j.Pass, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connect %s: %w", a.cfg.Neo4j.URL, err)
	}
	return driver, nil
}

func (a *app) projector(driver neo4j.DriverWithContext) *trace.Projector {
	return trace.NewNeo4j(driver, trace.Options{
		BatchSize: a.cfg.Neo4j.BatchSize,
		Workers:   a.cfg.Neo4j.Workers,
		Breaker:   resilience.DefaultBreakerOpts,
	}, a.logger)
}

func (a *app) projectCmd() *cobra.Command {
	var show string
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Project the analysis into Neo4j once",
		Long:  "Project the analysis into Neo4j once. With --show, list what the projection holds for a label instead.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			driver, err := a.neo4jDriver(cmd.Context())
			if err != nil {
				return err
			}
			defer driver.Close(context.Background())
			out := newPrinter(cmd.OutOrStdout())
			if show != "" {
				nodes, err := a.projector(driver).Nodes(cmd.Context(), show)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(nodes))
				for _, n := range nodes {
					rows = append(rows, []string{n.ID, string(n.Kind), n.Name, string(n.ASIL), n.Status})
				}
				out.table([]string{"ID", "KIND", "NAME", "ASIL", "STATUS"}, rows)
				return nil
			}
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			m, rev := p.Store.Current()
			st, err := a.projector(driver).Sync(cmd.Context(), m, rev)
			if err != nil {
				return err
			}
			out.line("revision %d: %d nodes, %d relationships in %s", st.Revision, st.Nodes, st.Edges, st.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&show, "show", "", "list projected nodes of this label (e.g. Requirement)")
	return cmd
}

func (a *app) connectNATS() (*nats.Conn, error) {
	if a.cfg.NATS.URL == "" {
		return nil, errors.New("no nats: set nats.url or NATS_URL")
	}
	return natsutil.Connect(a.cfg.NATS.URL, "safetyctl", a.logger)
}

func (a *app) bridge(nc *nats.Conn) *events.Bridge {
	opts := events.DefaultOptions()
	opts.Prefix = a.cfg.NATS.Prefix
	opts.QueueSize = a.cfg.NATS.QueueSize
	opts.Limiter = resilience.LimiterOpts{Rate: a.cfg.NATS.Rate, Burst: a.cfg.NATS.Burst}
	return events.NewBridge(events.NewNATSPublisher(nc), opts, a.reg, a.logger)
}

func (a *app) publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Announce the current revision on NATS as a full recomputation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			nc, err := a.connectNATS()
			if err != nil {
				return err
			}
			defer nc.Close()
			b := a.bridge(nc)
			rev := p.Store.Revision()
			b.Enqueue(graph.ChangeSet{Revision: rev, Full: true, At: a.now()})
			if err := b.Flush(cmd.Context()); err != nil {
				return err
			}
			if err := nc.FlushWithContext(cmd.Context()); err != nil {
				return fmt.Errorf("nats flush: %w", err)
			}
			newPrinter(cmd.OutOrStdout()).line("revision %d published under %s", rev, a.cfg.NATS.Prefix)
			return nil
		},
	}
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Follow the project file and keep Neo4j, NATS, the archive and metrics current",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

// serve runs until ctx is done. Each configured backend is optional.
func (a *app) serve(ctx context.Context) error {
	p, err := a.open(ctx)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Archive.Dir != "" {
		arc, err := a.openArchive()
		if err != nil {
			return err
		}
		defer arc.Close()
		if _, err := arc.Sync(p.Store); err != nil {
			return err
		}
		defer arc.Attach(p.Store)()
		g.Go(func() error { return arc.Run(ctx) })
	}

	if a.cfg.NATS.URL != "" {
		nc, err := a.connectNATS()
		if err != nil {
			return err
		}
		defer nc.Close()
		b := a.bridge(nc)
		defer b.Attach(p.Store)()
		g.Go(func() error { return b.Run(ctx) })
	}

	if a.cfg.Neo4j.URL != "" {
		driver, err := a.neo4jDriver(ctx)
		if err != nil {
			return err
		}
		defer driver.Close(context.Background())
		proj := a.projector(driver)
		g.Go(func() error { return proj.Watch(ctx, p.Store) })
	}

	if a.cfg.Metrics.Addr != "" {
		srv := a.httpServer(p)
		g.Go(func() error {
			a.logger.Info("metrics server starting", "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	g.Go(func() error { return a.watchFile(ctx, p) })
	g.Go(func() error { return a.expireLoop(ctx, p, time.Minute) })

	a.logger.Info("serving", "project", p.Path(), "revision", p.Store.Revision())
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		a.logger.Info("shutdown signal received")
		return nil
	}
	return err
}

func (a *app) httpServer(p *project.Project) *http.Server {
	mux := a.reg.Mux()
	mux.HandleFunc("GET /model", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := persist.Encode(w, p.Document()); err != nil {
			a.logger.Warn("encode model", "err", err)
		}
	})
	handler := mid.Chain(mux,
		mid.Recover(a.logger),
		mid.Logger(a.logger),
		mid.ReadOnly(),
		mid.OTel("safetyctl"),
	)
	return &http.Server{
		Addr:         a.cfg.Metrics.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// watchFile reloads the project when its file changes. The directory is
// watched so that editors replacing the file by rename are seen too.
func (a *app) watchFile(ctx context.Context, p *project.Project) error {
	path, err := filepath.Abs(p.Path())
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			debounce.Reset(a.cfg.Debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn("watch error", "path", path, "err", err)
		case <-debounce.C:
			if _, err := p.Reload(ctx); err != nil {
				a.logger.Error("reload failed", "path", path, "err", err)
			}
		}
	}
}

// expireLoop closes overdue reviews every interval and saves when any closed.
func (a *app) expireLoop(ctx context.Context, p *project.Project, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			expired, err := p.Reviews.ExpireOverdue(ctx)
			if err != nil {
				a.logger.Error("expire reviews", "err", err)
				continue
			}
			if len(expired) == 0 {
				continue
			}
			a.logger.Info("reviews expired", "reviews", expired)
			if err := p.Save(""); err != nil {
				a.logger.Error("save after expiry", "err", err)
			}
		}
	}
}
