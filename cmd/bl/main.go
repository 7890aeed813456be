package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildline/internal/app"
	"buildline/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Buildline CLI",
	Long: `Buildline turns finalized cards into agent builds.
- Project: a repository plus the policy profile every run freezes at creation.
- Cards: units of work with planned files; only finalized cards can be built.
- Build: one run per trigger, one assignment per card, each on its own feature branch.
  A project has at most one running build at a time.
- Checks: the policy's required checks run when an agent reports completion.
- Approvals and PR candidates: gated on passing checks and the policy's approval rules.
- Event log: every state change, view with 'bl log tail'.`,
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BUILDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	config.SetDefaults(viper.GetViper())
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("project", "", "project id (defaults to the only project)")
	flags.String("db-driver", "sqlite", "database driver (sqlite or postgres)")
	flags.String("database-url", "", "postgres connection string")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "db-driver", "database-url"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(cardCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(buildCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(assignmentCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(prCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apiKeyCmd())
}

// --- helpers ---

func loadConfig() (config.Config, error) {
	return config.FromViper(viper.GetViper())
}

func withRuntime(ctx context.Context, reg prometheus.Registerer, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.Open(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

// withProject is withRuntime plus the resolved --project.
func withProject(ctx context.Context, fn func(context.Context, *app.Runtime, string) error) error {
	return withRuntime(ctx, nil, func(ctx context.Context, rt *app.Runtime) error {
		projectID, err := app.ResolveProject(ctx, rt.Engine.Repo, viper.GetString("project"))
		if err != nil {
			return err
		}
		return fn(ctx, rt, projectID)
	})
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
