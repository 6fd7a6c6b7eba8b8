package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/safetygraph/engine/domain"
	"github.com/WessleyAI/safetygraph/engine/export"
	"github.com/WessleyAI/safetygraph/engine/persist"
	"github.com/WessleyAI/safetygraph/engine/project"
	"github.com/WessleyAI/safetygraph/engine/review"
	"github.com/spf13/cobra"
)

// parseParticipant reads name:role[:email].
func parseParticipant(s string) (domain.Participant, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || parts[0] == "" {
		return domain.Participant{}, fmt.Errorf("participant %q: want name:role[:email]", s)
	}
	p := domain.Participant{Name: parts[0], Role: domain.Role(parts[1])}
	switch p.Role {
	case domain.RoleModerator, domain.RoleReviewer, domain.RoleApprover:
	default:
		return domain.Participant{}, fmt.Errorf("participant %q: unknown role %q", s, parts[1])
	}
	if len(parts) == 3 {
		p.Email = parts[2]
	}
	return p, nil
}

func (a *app) reviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Open, comment on and approve reviews",
	}
	cmd.AddCommand(
		a.reviewCreateCmd(),
		a.reviewListCmd(),
		a.reviewSimpleCmd("done <review> <participant>", "Mark a participant done", func(p *project.Project, cmd *cobra.Command, args []string) error {
			return p.Reviews.MarkDone(cmd.Context(), args[0], args[1])
		}),
		a.reviewSimpleCmd("approve <review> <approver>", "Approve a completed joint review", func(p *project.Project, cmd *cobra.Command, args []string) error {
			return p.Reviews.Approve(cmd.Context(), args[0], args[1])
		}),
		a.reviewCommentCmd(),
		a.reviewResolveCmd(),
		a.reviewExtendCmd(),
		a.reviewExpireCmd(),
		a.reviewMergeCmd(),
	)
	return cmd
}

type reviewAction func(p *project.Project, cmd *cobra.Command, args []string) error

func (a *app) reviewSimpleCmd(use, short string, fn reviewAction) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.mutate(cmd.Context(), func(p *project.Project) error { return fn(p, cmd, args) })
			if err != nil {
				return err
			}
			r, err := p.Store.Review(args[0])
			if err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).line("%s: %s", r.ID, r.Status)
			return nil
		},
	}
}

func (a *app) reviewCreateCmd() *cobra.Command {
	var (
		nr           review.NewReview
		kind         string
		participants []string
		due          time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create <name> <scope>...",
		Short: "Open a review over the given elements",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			nr.Name, nr.Scope = args[0], args[1:]
			nr.Type = domain.ReviewType(kind)
			nr.DueDate = a.now().Add(due)
			for _, s := range participants {
				p, err := parseParticipant(s)
				if err != nil {
					return err
				}
				nr.Participants = append(nr.Participants, p)
			}
			var r domain.Review
			if _, err := a.mutate(cmd.Context(), func(p *project.Project) error {
				var err error
				r, err = p.Reviews.Create(cmd.Context(), nr)
				return err
			}); err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).line("%s opened, baseline %s, due %s", r.ID, r.BaselineID, r.DueDate.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "type", string(domain.ReviewPeer), "peer or joint")
	cmd.Flags().StringVar(&nr.Description, "description", "", "review description")
	cmd.Flags().StringArrayVar(&participants, "participant", nil, "name:role[:email], repeatable")
	cmd.Flags().DurationVar(&due, "due", 7*24*time.Hour, "time until the due date")
	return cmd
}

func (a *app) reviewListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List reviews",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			out := newPrinter(cmd.OutOrStdout())
			var rows [][]string
			for _, r := range p.Store.Reviews() {
				open := 0
				for _, c := range r.Comments {
					if !c.Resolved {
						open++
					}
				}
				due := r.DueDate.Format(time.DateOnly)
				if r.Status == domain.ReviewOpen && r.DueDate.Before(a.now()) {
					due = out.warn.Render(due)
				}
				rows = append(rows, []string{r.ID, r.Name, string(r.Type), string(r.Status), due, strconv.Itoa(open)})
			}
			out.table([]string{"ID", "Name", "Type", "Status", "Due", "Open Comments"}, rows)
			return nil
		},
	}
}

func (a *app) reviewCommentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "comment <review> <author> <target> <text>",
		Short: "Comment on an element in a review's scope",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c domain.Comment
			if _, err := a.mutate(cmd.Context(), func(p *project.Project) error {
				var err error
				c, err = p.Reviews.AddComment(cmd.Context(), args[0], args[1], args[2], args[3])
				return err
			}); err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).line("comment %d on %s", c.ID, c.TargetID)
			return nil
		},
	}
}

func (a *app) reviewResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <review> <comment> <by> <explanation>",
		Short: "Resolve a comment",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("comment id %q: %w", args[1], err)
			}
			if _, err := a.mutate(cmd.Context(), func(p *project.Project) error {
				return p.Reviews.Resolve(cmd.Context(), args[0], id, args[2], args[3])
			}); err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).line("comment %d resolved", id)
			return nil
		},
	}
}

func (a *app) reviewExtendCmd() *cobra.Command {
	var due time.Duration
	cmd := &cobra.Command{
		Use:   "extend <review> <moderator>",
		Short: "Move the due date and reopen an expired review",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			at := a.now().Add(due)
			if _, err := a.mutate(cmd.Context(), func(p *project.Project) error {
				return p.Reviews.Extend(cmd.Context(), args[0], args[1], at)
			}); err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).line("%s due %s", args[0], at.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&due, "due", 7*24*time.Hour, "time until the new due date")
	return cmd
}

func (a *app) reviewExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Close every open review past its due date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var expired []string
			if _, err := a.mutate(cmd.Context(), func(p *project.Project) error {
				var err error
				expired, err = p.Reviews.ExpireOverdue(cmd.Context())
				return err
			}); err != nil {
				return err
			}
			out := newPrinter(cmd.OutOrStdout())
			for _, id := range expired {
				out.line("%s closed", id)
			}
			return nil
		},
	}
}

func (a *app) reviewMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <other-project>",
		Short: "Append review comments made in another copy of the project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			other, err := persist.LoadFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			var rep review.MergeReport
			if _, err := a.mutate(cmd.Context(), func(p *project.Project) error {
				rep, err = p.Reviews.Merge(cmd.Context(), other.Model)
				return err
			}); err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).line("%d comments appended, %d skipped", rep.Appended, rep.Skipped)
			return nil
		},
	}
}

func (a *app) snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Take, list and prune snapshots",
	}
	take := &cobra.Command{
		Use:   "take <label> [scope]...",
		Short: "Freeze the given elements, or the whole analysis",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s domain.Snapshot
			if _, err := a.mutate(cmd.Context(), func(p *project.Project) error {
				var err error
				s, err = p.Reviews.TakeSnapshot(cmd.Context(), args[0], args[1:])
				return err
			}); err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).line("%s at revision %d", s.ID, s.Revision)
			return nil
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			var rows [][]string
			for _, s := range p.Store.Snapshots() {
				rows = append(rows, []string{s.ID, s.Label, s.ReviewID, strconv.FormatUint(s.Revision, 10), s.TakenAt.Format(time.RFC3339)})
			}
			newPrinter(cmd.OutOrStdout()).table([]string{"ID", "Label", "Review", "Revision", "Taken"}, rows)
			return nil
		},
	}
	var keep int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var pruned []string
			if _, err := a.mutate(cmd.Context(), func(p *project.Project) error {
				var err error
				pruned, err = p.Reviews.PruneSnapshots(cmd.Context(), keep)
				return err
			}); err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).line("%d snapshots pruned", len(pruned))
			return nil
		},
	}
	prune.Flags().IntVar(&keep, "keep", 10, "snapshots to keep")
	cmd.AddCommand(take, list, prune)
	return cmd
}

func (a *app) diffCmd() *cobra.Command {
	var (
		reviewID string
		dot      bool
		text     bool
	)
	cmd := &cobra.Command{
		Use:   "diff [<from> <to>]",
		Short: "Compare two snapshots, or a review's baseline with its current scope",
		Args: func(cmd *cobra.Command, args []string) error {
			if reviewID != "" {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			var (
				res *review.Result
				fig export.Figure
			)
			if reviewID != "" {
				if res, err = p.Reviews.DiffForReview(reviewID); err == nil && dot {
					fig, err = p.Figure(reviewID)
				}
			} else {
				if res, err = p.Reviews.DiffSnapshots(args[0], args[1]); err == nil && dot {
					fig, err = p.FigureBetween(args[0], args[1])
				}
			}
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			switch {
			case dot:
				return fig.WriteDOT(w)
			case text:
				d, err := export.TextDiff(res)
				if err != nil {
					return err
				}
				_, err = io.WriteString(w, d)
				return err
			}
			renderResult(newPrinter(w), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&reviewID, "review", "", "diff a review against its baseline")
	cmd.Flags().BoolVar(&dot, "dot", false, "print a Graphviz figure")
	cmd.Flags().BoolVar(&text, "text", false, "print a unified diff of text fields")
	cmd.MarkFlagsMutuallyExclusive("dot", "text")
	return cmd
}

func renderResult(out *printer, res *review.Result) {
	out.line("%s@%d -> %s@%d", res.From, res.FromRevision, res.To, res.ToRevision)
	if res.Identical || res.Empty() {
		out.line("no changes")
		return
	}
	for _, e := range res.Added {
		out.line("%s %s %s %s", out.good.Render("+"), e.Kind, e.ID, e.Name)
	}
	for _, e := range res.Removed {
		out.line("%s %s %s %s", out.bad.Render("-"), e.Kind, e.ID, e.Name)
	}
	for _, m := range res.Modified {
		out.line("%s %s %s %s", out.warn.Render("~"), m.Kind, m.ID, m.Name)
		for _, c := range m.Changes {
			out.line("    %s: %q -> %q", c.Field, c.Old, c.New)
		}
	}
	for _, al := range res.Allocations {
		if len(al.Added) > 0 {
			out.line("%s %s allocated %s", out.good.Render("+"), al.ElementID, strings.Join(al.Added, ", "))
		}
		if len(al.Removed) > 0 {
			out.line("%s %s unallocated %s", out.bad.Render("-"), al.ElementID, strings.Join(al.Removed, ", "))
		}
	}
	if res.Unchanged {
		out.line("%s", out.muted.Render("unchanged since the last diff"))
	}
}

func (a *app) exportCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write HAZOP, HARA, FMEDA, requirement and allocation tables as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			paths, err := p.ExportCSV(dir)
			if err != nil {
				return err
			}
			out := newPrinter(cmd.OutOrStdout())
			for _, path := range paths {
				out.line("%s", path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "export", "output directory")
	return cmd
}

func (a *app) emailCmd() *cobra.Command {
	var (
		from string
		path string
	)
	cmd := &cobra.Command{
		Use:   "email <review>",
		Short: "Render a review summary mail with tables and diff attached",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" {
				from = a.cfg.Mail.From
			}
			if from == "" {
				from = "safetyctl@localhost"
			}
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			msg, err := p.ReviewMail(args[0], from)
			if err != nil {
				return err
			}
			if path == "" {
				_, err = msg.WriteTo(cmd.OutOrStdout())
				return err
			}
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			if _, err := msg.WriteTo(f); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender address (default from config)")
	cmd.Flags().StringVarP(&path, "out", "o", "", "write the message to a file")
	return cmd
}
