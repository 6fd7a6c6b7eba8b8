// Command safetyctl inspects and edits safety analysis projects and serves
// their derived state to Neo4j, NATS and Prometheus.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/safetygraph/engine/project"
	"github.com/WessleyAI/safetygraph/pkg/metrics"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const version = "0.4.0"

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newApp(logger, level).execute(ctx, os.Args[1:])
	stop()
	if err != nil {
		logger.Error("safetyctl failed", "err", err)
		os.Exit(1)
	}
}

// app carries what every command shares: configuration, logger, metrics and
// the tracing lifecycle.
type app struct {
	cfgFile     string
	projectPath string

	cfg    Config
	level  *slog.LevelVar
	logger *slog.Logger
	reg    *metrics.Registry
	now    func() time.Time

	shutdown func(context.Context) error
	span     oteltrace.Span
}

func newApp(logger *slog.Logger, level *slog.LevelVar) *app {
	if level == nil {
		level = new(slog.LevelVar)
	}
	return &app{logger: logger, level: level, reg: metrics.New(), now: time.Now}
}

// execute runs the command line in args and flushes telemetry afterwards.
func (a *app) execute(ctx context.Context, args []string) error {
	root := a.rootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return errors.Join(err, a.close())
}

func (a *app) close() error {
	if a.span != nil {
		a.span.End()
	}
	if a.shutdown == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.shutdown(ctx)
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "safetyctl",
		Short:         "Safety analysis graph: ASIL derivation, reliability and reviews",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVarP(&a.projectPath, "project", "p", "", "project document (JSON or YAML)")

	root.AddCommand(
		a.inspectCmd(),
		a.pairsCmd(),
		a.decomposeCmd(),
		a.reselectCmd(),
		a.activateCmd(),
		a.reviewCmd(),
		a.snapshotCmd(),
		a.diffCmd(),
		a.exportCmd(),
		a.emailCmd(),
		a.archiveCmd(),
		a.projectCmd(),
		a.publishCmd(),
		a.serveCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := loadConfig(a.cfgFile)
	if err != nil {
		return err
	}
	if a.projectPath != "" {
		cfg.Project = a.projectPath
	}
	a.cfg = cfg
	if err := a.level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return err
	}
	shutdown, err := setupTracing(cmd.Context(), cfg, a.logger)
	if err != nil {
		return err
	}
	a.shutdown = shutdown
	ctx, span := otel.Tracer("safetyctl").Start(cmd.Context(), cmd.CommandPath(),
		oteltrace.WithAttributes(attribute.String("project", cfg.Project)))
	a.span = span
	cmd.SetContext(ctx)
	return nil
}

// open loads the configured project.
func (a *app) open(ctx context.Context) (*project.Project, error) {
	if a.cfg.Project == "" {
		return nil, errors.New("no project: pass --project or set SAFETYGRAPH_PROJECT")
	}
	return project.Load(ctx, a.cfg.Project, project.Options{
		Logger:   a.logger,
		Registry: a.reg,
		Clock:    a.now,
	})
}

// mutate loads the project, applies fn and saves the result in place.
func (a *app) mutate(ctx context.Context, fn func(p *project.Project) error) (*project.Project, error) {
	p, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	if err := p.Save(""); err != nil {
		return nil, err
	}
	return p, nil
}
