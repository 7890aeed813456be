package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"buildline/internal/app"
	"buildline/internal/engine"
	"buildline/internal/policy"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectConnectCmd())
	prj.AddCommand(projectListCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project seeded with the default policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), nil, func(ctx context.Context, rt *app.Runtime) error {
				opts.ActorID = actorID()
				p, err := rt.Engine.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.RepoURL, "repo-url", "", "repository clone URL")
	cmd.Flags().StringVar(&opts.DefaultBranch, "default-branch", "main", "default branch")
	cmd.Flags().StringVar(&opts.RepoToken, "repo-token", "", "token used to clone and push")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectConnectCmd() *cobra.Command {
	var repoURL, branch, token string
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect a repository to the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				p, err := rt.Engine.ConnectRepository(ctx, projectID, repoURL, branch, token)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&repoURL, "repo-url", "", "repository clone URL")
	cmd.Flags().StringVar(&branch, "default-branch", "", "default branch")
	cmd.Flags().StringVar(&token, "repo-token", "", "token used to clone and push")
	_ = cmd.MarkFlagRequired("repo-url")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), nil, func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Repository", "Default branch")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.RepoURL, p.DefaultBranch})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func cardCmd() *cobra.Command {
	c := &cobra.Command{Use: "card", Short: "Manage cards"}
	c.AddCommand(cardImportCmd())
	c.AddCommand(cardListCmd())
	return c
}

func cardImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import cards and planned files from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			specs, err := engine.ParseCardFile(data)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				cards, err := rt.Engine.ImportCards(ctx, projectID, specs, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cards)
				}
				fmt.Printf("imported %d cards into %s\n", len(cards), projectID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "cards YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func cardListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cards with their build state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				cards, err := rt.Engine.Repo.ListCards(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cards)
				}
				tw := newTable("ID", "Workflow", "Title", "Finalized", "Build state", "Last error")
				for _, c := range cards {
					tw.AppendRow(table.Row{c.ID, deref(c.WorkflowID), c.Title, c.FinalizedAt != nil, c.BuildState, c.LastBuildError})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func policyCmd() *cobra.Command {
	p := &cobra.Command{Use: "policy", Short: "Manage the project policy profile"}
	p.AddCommand(policyImportCmd())
	p.AddCommand(policyShowCmd())
	p.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default policy profile",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(policy.GenerateDefault())
		},
	})
	return p
}

func policyImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the project policy from a YAML profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := policy.FromFile(file)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				if err := rt.Engine.ImportPolicy(ctx, projectID, profile, actorID()); err != nil {
					return err
				}
				fmt.Printf("policy %q imported into %s\n", profile.Name, projectID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "policy YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func policyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active policy profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				profile, err := rt.Engine.GetPolicy(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(profile)
				}
				out, err := yaml.Marshal(profile)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
}
