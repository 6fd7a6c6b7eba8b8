package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/WessleyAI/safetygraph/engine/asil"
	"github.com/WessleyAI/safetygraph/engine/domain"
	"github.com/WessleyAI/safetygraph/engine/project"
	"github.com/WessleyAI/safetygraph/engine/reliability"
	"github.com/spf13/cobra"
)

type topEvent struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Goal        string   `json:"safety_goal,omitempty"`
	ASIL        string   `json:"asil,omitempty"`
	Probability *float64 `json:"probability"`
}

type inspection struct {
	Revision       uint64               `json:"revision"`
	MissionProfile string               `json:"mission_profile,omitempty"`
	Goals          []domain.SafetyGoal  `json:"safety_goals"`
	Requirements   []domain.Requirement `json:"requirements"`
	TopEvents      []topEvent           `json:"top_events"`
	FMEDA          reliability.Report   `json:"fmeda"`
}

func inspect(p *project.Project) inspection {
	m, rev := p.Store.Current()
	in := inspection{
		Revision:       rev,
		MissionProfile: m.ActiveMissionProfile,
		Requirements:   p.Store.Requirements(),
		FMEDA:          reliability.FMEDA(m),
	}
	for _, id := range slices.Sorted(maps.Keys(m.SafetyGoals)) {
		in.Goals = append(in.Goals, m.SafetyGoals[id])
	}
	for _, id := range slices.Sorted(maps.Keys(m.FaultTreeNodes)) {
		n := m.FaultTreeNodes[id]
		if n.Type != domain.NodeTopEvent {
			continue
		}
		in.TopEvents = append(in.TopEvents, topEvent{
			ID: n.ID, Name: n.Name, Goal: n.SafetyGoalID, ASIL: string(n.ASIL), Probability: n.Probability,
		})
	}
	return in
}

func (a *app) inspectCmd() *cobra.Command {
	var (
		asJSON      bool
		metricsFile string
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show safety goals, requirements, top events and FMEDA metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			in := inspect(p)
			if metricsFile != "" {
				if err := a.reg.WriteTextfile(metricsFile); err != nil {
					return fmt.Errorf("write metrics: %w", err)
				}
			}
			out := newPrinter(cmd.OutOrStdout())
			if asJSON {
				return out.json(in)
			}
			renderInspection(out, in)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "also write metrics in Prometheus text format (node_exporter textfile collector)")
	return cmd
}

func renderInspection(out *printer, in inspection) {
	profile := in.MissionProfile
	if profile == "" {
		profile = "none"
	}
	out.line("revision %d, mission profile %s", in.Revision, profile)

	out.heading("Safety goals")
	var rows [][]string
	for _, g := range in.Goals {
		row := []string{g.ID, g.Name, string(g.ASIL), strings.Join(g.ContributingRows, " "), "", "", "", ""}
		if fm, ok := in.FMEDA.Goal(g.ID); ok {
			row[4], row[5], row[6], row[7] = percent(fm.SPFM), percent(fm.LPFM), percent(fm.DC), out.verdict(fm.OK())
		}
		rows = append(rows, row)
	}
	out.table([]string{"ID", "Name", "ASIL", "From rows", "SPFM", "LPFM", "DC", "Targets"}, rows)

	agg := in.FMEDA.Aggregate
	out.line("aggregate (%s): SPFM %s, LPFM %s, DC %s, %s",
		agg.ASIL, percent(agg.SPFM), percent(agg.LPFM), percent(agg.DC), out.verdict(agg.OK()))

	out.heading("Requirements")
	rows = rows[:0]
	for _, r := range in.Requirements {
		level := string(r.ASIL)
		if r.ManualASIL {
			level += " (manual)"
		}
		rows = append(rows, []string{r.ID, level, string(r.Status), r.DecomposedFrom, r.Text})
	}
	out.table([]string{"ID", "ASIL", "Status", "Decomposed From", "Text"}, rows)

	out.heading("Top events")
	rows = rows[:0]
	for _, t := range in.TopEvents {
		rows = append(rows, []string{t.ID, t.Name, t.Goal, t.ASIL, probability(t.Probability)})
	}
	out.table([]string{"ID", "Name", "Safety Goal", "ASIL", "Probability"}, rows)
}

func (a *app) pairsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pairs <requirement>",
		Short: "List the decomposition pairs permitted for a requirement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			pairs, err := p.ASIL.PairsFor(args[0])
			if err != nil {
				return err
			}
			out := newPrinter(cmd.OutOrStdout())
			if len(pairs) == 0 {
				out.line("%s cannot be decomposed", args[0])
				return nil
			}
			names := make([]string, len(pairs))
			for i, pr := range pairs {
				names[i] = pr.String()
			}
			out.line("%s", strings.Join(names, "\n"))
			return nil
		},
	}
}

func (a *app) decomposeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decompose <requirement> <pair>",
		Short: "Split a requirement into two children, e.g. decompose req-1 B+B",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pair, err := asil.ParsePair(args[1])
			if err != nil {
				return err
			}
			var children [2]string
			if _, err := a.mutate(cmd.Context(), func(p *project.Project) error {
				children, err = p.ASIL.Decompose(cmd.Context(), args[0], pair)
				return err
			}); err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).line("%s decomposed as %s into %s and %s", args[0], pair, children[0], children[1])
			return nil
		},
	}
}

func (a *app) reselectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reselect <requirement> <pair>",
		Short: "Choose another pair for a decomposed requirement",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pair, err := asil.ParsePair(args[1])
			if err != nil {
				return err
			}
			if _, err := a.mutate(cmd.Context(), func(p *project.Project) error {
				return p.ASIL.Reselect(cmd.Context(), args[0], pair)
			}); err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).line("%s now decomposed as %s", args[0], pair)
			return nil
		},
	}
}

func (a *app) activateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate [mission-profile]",
		Short: "Select the mission profile for probability evaluation; no argument clears it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			if _, err := a.mutate(cmd.Context(), func(p *project.Project) error {
				return p.Reliability.Activate(cmd.Context(), id)
			}); err != nil {
				return err
			}
			if id == "" {
				id = "none"
			}
			newPrinter(cmd.OutOrStdout()).line("mission profile: %s", id)
			return nil
		},
	}
}
