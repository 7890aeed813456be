package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"buildline/internal/app"
	"buildline/internal/domain"
	"buildline/internal/engine"
	"buildline/internal/observability"
	"buildline/internal/repo"
	"buildline/internal/server"
	buildlinesdk "buildline/sdk/go"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and the stale-run sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), prometheus.DefaultRegisterer, func(ctx context.Context, rt *app.Runtime) error {
				if rt.Config.JWTSecret == "" && !allowActorHeader {
					return fmt.Errorf("BUILDLINE_JWT_SECRET is required for bearer auth (or pass --allow-actor-header for local use)")
				}
				logger := observability.NewLogger("server")
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret:        rt.Config.JWTSecret,
						AllowActorHeader: allowActorHeader,
						Logger:           logger,
					},
					WebhookSecret: rt.Config.WebhookSecret,
				})
				if err != nil {
					return err
				}
				go runSweeper(ctx, rt.Engine, rt.Config.SweepInterval(), logger)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving buildline api", "addr", addr, "base_path", basePath, "sweep_interval", rt.Config.SweepInterval().String())
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without credentials")
	return cmd
}

// runSweeper fails stale runs every interval until ctx ends. A zero interval
// means recovery is disabled.
func runSweeper(ctx context.Context, e engine.Engine, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ids, err := e.RecoverStaleRuns(ctx)
		if err != nil {
			logger.Error("stale-run sweep failed", "err", err)
			continue
		}
		if len(ids) > 0 {
			logger.Info("stale runs failed", "count", len(ids), "run_ids", ids)
		}
	}
}

func webhookCmd() *cobra.Command {
	w := &cobra.Command{Use: "webhook", Short: "Agent webhook tools"}
	var (
		url, secret string
		evt         buildlinesdk.AgentEvent
	)
	send := &cobra.Command{
		Use:   "send",
		Short: "Send a signed agent lifecycle event to a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				secret = cfg.WebhookSecret
			}
			if secret == "" {
				return fmt.Errorf("--secret or BUILDLINE_WEBHOOK_SECRET is required")
			}
			res, err := buildlinesdk.New(url, "").PostAgentEvent(cmd.Context(), secret, evt)
			if err != nil {
				return err
			}
			return printJSONOrTable(res)
		},
	}
	send.Flags().StringVar(&url, "url", "http://127.0.0.1:8080", "server base URL")
	send.Flags().StringVar(&secret, "secret", "", "webhook secret")
	send.Flags().StringVar(&evt.Type, "type", "", "execution_started, commit_created, execution_completed or execution_failed")
	send.Flags().StringVar(&evt.AssignmentID, "assignment", "", "assignment id")
	send.Flags().StringVar(&evt.ExecutionID, "execution", "", "execution id")
	send.Flags().StringVar(&evt.Summary, "summary", "", "execution summary")
	send.Flags().StringVar(&evt.Error, "error", "", "failure message")
	send.Flags().StringVar(&evt.CommitSHA, "commit-sha", "", "commit sha")
	send.Flags().StringVar(&evt.CommitMsg, "commit-message", "", "commit message")
	send.Flags().StringSliceVar(&evt.Learnings, "learning", nil, "learning to remember (repeatable)")
	_ = send.MarkFlagRequired("type")
	_ = send.MarkFlagRequired("assignment")
	w.AddCommand(send)
	return w
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the acting actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := server.IssueToken(cfg.JWTSecret, actorID(), ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting actor; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := "bl_" + hex.EncodeToString(raw)
			return withRuntime(cmd.Context(), nil, func(ctx context.Context, rt *app.Runtime) error {
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID(),
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := rt.Engine.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	k.AddCommand(create)
	k.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the acting actor's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), nil, func(ctx context.Context, rt *app.Runtime) error {
				keys, err := rt.Engine.Repo.ListAPIKeys(ctx, actorID())
				if err != nil {
					return err
				}
				tw := newTable("ID", "Name", "Created")
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	k.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), nil, func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return k
}
