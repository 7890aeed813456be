package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildline/internal/app"
	"buildline/internal/domain"
	"buildline/internal/engine"
	"buildline/internal/repo"
)

func buildCmd() *cobra.Command {
	var cardID, workflowID, trigger string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a finalized card or every card of a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (cardID == "") == (workflowID == "") {
				return fmt.Errorf("exactly one of --card or --workflow is required")
			}
			opts := engine.BuildOptions{CardID: cardID, WorkflowID: workflowID, TriggerType: trigger, ActorID: actorID()}
			opts.Scope = domain.ScopeCard
			if workflowID != "" {
				opts.Scope = domain.ScopeWorkflow
			}
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				opts.ProjectID = projectID
				res, err := rt.Engine.TriggerBuild(ctx, opts)
				var be *engine.BuildError
				if errors.As(err, &be) && !viper.GetBool("json") {
					printFailures(be.Failures)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s\nrun %s\n", res.Message, res.RunID)
				tw := newTable("Assignment")
				for _, id := range res.AssignmentIDs {
					tw.AppendRow(table.Row{id})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cardID, "card", "", "card id")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger type (card, workflow, manual)")
	return cmd
}

func printFailures(failures []engine.CardFailure) {
	tw := newTable("Card", "Assignment", "Stage", "Error")
	for _, f := range failures {
		tw.AppendRow(table.Row{f.CardID, f.AssignmentID, f.Stage, f.Error})
	}
	tw.Render()
}

func runCmd() *cobra.Command {
	r := &cobra.Command{Use: "run", Short: "Inspect and control runs"}
	r.AddCommand(runListCmd())
	r.AddCommand(runShowCmd())
	r.AddCommand(runChecksCmd())
	r.AddCommand(runCancelCmd())
	return r
}

func runListCmd() *cobra.Command {
	var f repo.RunFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				f.ProjectID = projectID
				runs, err := rt.Engine.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := newTable("ID", "Scope", "Status", "Trigger", "Initiated by", "Created", "Failure")
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.Scope, r.Status, r.TriggerType, r.InitiatedBy, r.CreatedAt, r.FailureReason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Scope, "scope", "", "scope filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum runs")
	return cmd
}

func runShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its assignments, checks and approvals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), nil, func(ctx context.Context, rt *app.Runtime) error {
				d, err := rt.Engine.GetRunDetail(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("run %s  %s  scope=%s  base=%s\n", d.Run.ID, d.Run.Status, d.Run.Scope, d.Run.BaseBranch)
				if d.Run.FailureReason != "" {
					fmt.Printf("failure: %s\n", d.Run.FailureReason)
				}
				at := newTable("Assignment", "Card", "Branch", "Status", "Error")
				for _, a := range d.Assignments {
					at.AppendRow(table.Row{a.ID, a.CardID, a.FeatureBranch, a.Status, a.Error})
				}
				at.Render()
				renderChecks(d.Checks)
				if len(d.Approvals) > 0 {
					ap := newTable("Approval", "Type", "Status", "Requested by", "Resolved by")
					for _, a := range d.Approvals {
						ap.AppendRow(table.Row{a.ID, a.ApprovalType, a.Status, a.RequestedBy, deref(a.ResolvedBy)})
					}
					ap.Render()
				}
				if d.PRCandidate != nil {
					fmt.Printf("pr candidate %s  %s  %s -> %s  %s\n", d.PRCandidate.ID, d.PRCandidate.Status,
						d.PRCandidate.HeadBranch, d.PRCandidate.BaseBranch, d.PRCandidate.PRURL)
				}
				return nil
			})
		},
	}
}

func renderChecks(checks []domain.RunCheck) {
	tw := newTable("Check", "Status", "Executed", "Log")
	for _, c := range checks {
		tw.AppendRow(table.Row{c.CheckType, c.Status, c.ExecutedAt, c.LogURI})
	}
	tw.Render()
}

func runChecksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checks <run-id>",
		Short: "Execute the run's required checks that have not run yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), nil, func(ctx context.Context, rt *app.Runtime) error {
				checks, err := rt.Engine.ExecuteRequiredChecks(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(checks)
				}
				renderChecks(checks)
				return nil
			})
		},
	}
}

func runCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a queued or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), nil, func(ctx context.Context, rt *app.Runtime) error {
				run, err := rt.Engine.CancelRun(ctx, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func assignmentCmd() *cobra.Command {
	a := &cobra.Command{Use: "assignment", Short: "Control assignments"}
	a.AddCommand(&cobra.Command{
		Use:   "dispatch <assignment-id>",
		Short: "Dispatch a queued assignment to the agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), nil, func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.DispatchAssignment(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})
	a.AddCommand(&cobra.Command{
		Use:   "resume <assignment-id>",
		Short: "Requeue a blocked assignment and dispatch it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), nil, func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.ResumeAssignment(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})
	var reason string
	block := &cobra.Command{
		Use:   "block <assignment-id>",
		Short: "Block an assignment and stop its execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), nil, func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.BlockAssignment(ctx, args[0], reason, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	block.Flags().StringVar(&reason, "reason", "", "why the assignment is blocked")
	_ = block.MarkFlagRequired("reason")
	a.AddCommand(block)
	return a
}

func approvalCmd() *cobra.Command {
	a := &cobra.Command{Use: "approval", Short: "Request and resolve approvals"}
	var approvalType string
	request := &cobra.Command{
		Use:   "request <run-id>",
		Short: "Request approval for a run whose checks passed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), nil, func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.CreateApprovalRequest(ctx, engine.ApprovalCreateOptions{
					RunID:        args[0],
					ApprovalType: approvalType,
					RequestedBy:  actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	request.Flags().StringVar(&approvalType, "type", domain.ApprovalCreatePR, "approval type (create_pr, merge_pr)")
	a.AddCommand(request)

	var decision, notes string
	resolve := &cobra.Command{
		Use:   "resolve <approval-id>",
		Short: "Approve or reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), nil, func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.ResolveApprovalRequest(ctx, args[0], decision, actorID(), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	resolve.Flags().StringVar(&decision, "decision", "", "approved or rejected")
	resolve.Flags().StringVar(&notes, "notes", "", "resolution notes")
	_ = resolve.MarkFlagRequired("decision")
	a.AddCommand(resolve)
	return a
}

func prCmd() *cobra.Command {
	p := &cobra.Command{Use: "pr", Short: "Manage pull request candidates"}
	var opts engine.PRCandidateCreateOptions
	create := &cobra.Command{
		Use:   "create <run-id>",
		Short: "Record the run's pull request candidate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), nil, func(ctx context.Context, rt *app.Runtime) error {
				opts.RunID = args[0]
				opts.ActorID = actorID()
				res, err := rt.Engine.CreatePullRequestCandidate(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	create.Flags().StringVar(&opts.Title, "title", "", "pull request title")
	create.Flags().StringVar(&opts.Description, "description", "", "pull request description")
	create.Flags().StringVar(&opts.HeadBranch, "head", "", "head branch (defaults to the single assignment's branch)")
	create.Flags().StringVar(&opts.BaseBranch, "base", "", "base branch (defaults to the run's)")
	create.Flags().BoolVar(&opts.Push, "push", false, "push the head branch first")
	p.AddCommand(create)

	var status, prURL string
	update := &cobra.Command{
		Use:   "update <candidate-id>",
		Short: "Move a candidate to its next status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), nil, func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.ResolvePullRequestCandidate(ctx, args[0], status, prURL, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	update.Flags().StringVar(&status, "status", "", "draft_open, open, merged or closed")
	update.Flags().StringVar(&prURL, "url", "", "pull request URL")
	_ = update.MarkFlagRequired("status")
	p.AddCommand(update)
	return p
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Fail runs that exceeded the stale-run timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), nil, func(ctx context.Context, rt *app.Runtime) error {
				if rt.Config.StaleRunTimeout <= 0 {
					fmt.Println("stale-run recovery is disabled; set BUILDLINE_STALE_RUN_TIMEOUT")
					return nil
				}
				ids, err := rt.Engine.RecoverStaleRuns(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ids)
				}
				fmt.Printf("failed %d stale runs\n", len(ids))
				for _, id := range ids {
					fmt.Println(id)
				}
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var runID, evtType string
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				f := repo.EventFilters{ProjectID: projectID, RunID: runID, Type: evtType, Limit: n}
				items, err := rt.Engine.Repo.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				// Newest first without a cursor; print oldest first.
				for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
					items[i], items[j] = items[j], items[i]
				}
				if err := printEvents(items); err != nil || !follow {
					return err
				}
				for _, evt := range items {
					if evt.ID > f.After {
						f.After = evt.ID
					}
				}
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					items, err := rt.Engine.Repo.ListEvents(ctx, f)
					if err != nil {
						return err
					}
					if len(items) == 0 {
						continue
					}
					f.After = items[len(items)-1].ID
					if err := printEvents(items); err != nil {
						return err
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new events")
	return cmd
}

func printEvents(items []domain.Event) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	if len(items) == 0 {
		return nil
	}
	tw := newTable("ID", "Time", "Type", "Entity", "Actor", "Payload")
	for _, e := range items {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID, e.Payload})
	}
	tw.Render()
	return nil
}
