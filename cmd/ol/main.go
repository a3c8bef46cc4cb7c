package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"orgline/internal/app"
	"orgline/internal/archive"
	"orgline/internal/config"
	"orgline/internal/db"
	"orgline/internal/deadlock"
	"orgline/internal/domain"
	"orgline/internal/engine"
	"orgline/internal/hierarchy"
	"orgline/internal/lifecycle"
	"orgline/internal/repo"
	"orgline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ol",
	Short: "Orgline CLI",
	Long: `Orgline runs a hierarchy of agents and the tasks they own.
- Agents: created as roots or hired by a manager whose role permits hiring, within its subordinate and budget limits.
- Fire: removes an agent; its direct reports are reassigned to the grandparent, promoted, or fired in cascade.
- Pause/resume: a paused agent's active tasks carry a pause blocker until it resumes.
- Tasks: blocked while any blocker token remains; completing a task releases the tasks it blocked.
- Deadlocks: cycles among blocked tasks are detected and each owner is alerted once per cycle.
- Audit log: every operation is recorded, view with 'ol log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ORGLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("jwt-secret", rootCmd.PersistentFlags().Lookup("jwt-secret"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(deadlockCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and a default orgline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if org == "" {
					cfg, err := app.ResolveConfig(workspace)
					if err != nil {
						return err
					}
					org = cfg.Org.ID
				}
				if err := os.WriteFile(path, []byte(config.GenerateDefault(org)), 0o644); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services) error {
				return printJSONOrTable(map[string]any{"workspace": workspace, "config": path, "org": s.Config.Get().Org.ID})
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization id (defaults to the workspace directory name)")
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Manage agents"}
	agent.AddCommand(agentCreateRootCmd())
	agent.AddCommand(agentHireCmd())
	agent.AddCommand(agentCheckHireCmd())
	agent.AddCommand(agentFireCmd())
	agent.AddCommand(agentPauseCmd())
	agent.AddCommand(agentResumeCmd())
	agent.AddCommand(agentShowCmd())
	agent.AddCommand(agentListCmd())
	return agent
}

func agentCreateRootCmd() *cobra.Command {
	var req lifecycle.CreateRootRequest
	cmd := &cobra.Command{
		Use:   "create-root <agent-id>",
		Short: "Create an agent with no manager",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.AgentID = args[0]
			req.ActorID = viper.GetString("actor-id")
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services) error {
				a, err := s.Orchestrator.CreateRoot(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&req.Role, "role", "ceo", "role")
	cmd.Flags().StringVar(&req.DisplayName, "name", "", "display name")
	return cmd
}

func agentHireCmd() *cobra.Command {
	var req lifecycle.HireRequest
	cmd := &cobra.Command{
		Use:   "hire <agent-id>",
		Short: "Hire an agent under a manager",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.AgentID = args[0]
			req.ActorID = viper.GetString("actor-id")
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services) error {
				res, err := s.Orchestrator.Hire(ctx, req)
				var agg *hierarchy.AggregateError
				if errors.As(err, &agg) {
					printIssues(agg.Errors, agg.Warnings)
				}
				if err != nil {
					return err
				}
				if len(res.Warnings) > 0 && !viper.GetBool("json") {
					printIssues(nil, res.Warnings)
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&req.ManagerID, "manager", "", "hiring manager id")
	cmd.Flags().StringVar(&req.Role, "role", "", "role")
	cmd.Flags().StringVar(&req.DisplayName, "name", "", "display name")
	_ = cmd.MarkFlagRequired("manager")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func agentCheckHireCmd() *cobra.Command {
	var managerID string
	cmd := &cobra.Command{
		Use:   "check-hire <agent-id>",
		Short: "Validate a hire without performing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services) error {
				res, err := s.Validator.ValidateHire(ctx, managerID, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Valid {
					fmt.Println("hire is valid")
				}
				printIssues(res.Errors, res.Warnings)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&managerID, "manager", "", "hiring manager id")
	_ = cmd.MarkFlagRequired("manager")
	return cmd
}

func agentFireCmd() *cobra.Command {
	var strategy, reason string
	cmd := &cobra.Command{
		Use:   "fire <agent-id>",
		Short: "Fire an agent and handle its direct reports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := lifecycle.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services) error {
				res, err := s.Orchestrator.Fire(ctx, lifecycle.FireRequest{
					AgentID:  args[0],
					Strategy: st,
					ActorID:  viper.GetString("actor-id"),
					Reason:   reason,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "reassign", "orphan strategy (reassign, promote, cascade)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	return cmd
}

func agentPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <agent-id>",
		Short: "Pause an agent and block its active tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services) error {
				res, err := s.Orchestrator.Pause(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func agentResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <agent-id>",
		Short: "Resume a paused agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services) error {
				res, err := s.Orchestrator.Resume(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func agentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func agentListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				agents, err := r.ListAgents(ctx, domain.AgentStatus(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Role", "Manager", "Status", "Can hire", "Max subs", "Budget"})
				for _, a := range agents {
					tw.AppendRow(table.Row{a.ID, a.Role, a.ManagerID(), a.Status, a.Permissions.CanHire, a.Permissions.MaxSubordinates, a.Permissions.HiringBudget})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, paused, fired)")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskBlockCmd())
	task.AddCommand(taskCompleteCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services) error {
				t, err := s.Tasks.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.AgentID, "agent", "", "owning agent")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent task id")
	cmd.Flags().StringSliceVar(&opts.BlockedBy, "blocked-by", nil, "initial blocker tokens")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var (
		f        repo.TaskFilter
		statuses []string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range statuses {
				f.Statuses = append(f.Statuses, domain.TaskStatus(s))
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Agent", "Status", "Blocked by"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.AgentID, t.Status, strings.Join(t.BlockedBy, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "owner filter")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max tasks")
	return cmd
}

func taskStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <task-id>",
		Short: "Move a pending task to in_progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services) error {
				t, err := s.Tasks.StartTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskBlockCmd() *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "block <task-id> <token>",
		Short: "Add a blocker token to a task, or remove it with --remove",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services) error {
				actorID := viper.GetString("actor-id")
				var (
					t   domain.Task
					err error
				)
				if remove {
					t, err = s.Tasks.RemoveBlocker(ctx, args[0], args[1], actorID)
				} else {
					t, err = s.Tasks.AddBlocker(ctx, args[0], args[1], actorID)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().BoolVar(&remove, "remove", false, "remove the token instead of adding it")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Complete a task and release the tasks it blocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services) error {
				res, err := s.Tasks.CompleteTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func deadlockCmd() *cobra.Command {
	dl := &cobra.Command{Use: "deadlock", Short: "Detect blocking cycles"}
	dl.AddCommand(deadlockScanCmd())
	dl.AddCommand(deadlockWatchCmd())
	return dl
}

func deadlockScanCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan once and alert the owners of deadlocked tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services) error {
				m := s.Monitor
				m.Force = force
				m.ActorID = viper.GetString("actor-id")
				res, err := m.Scan(ctx)
				if err != nil {
					return err
				}
				return printScan(res)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "alert agents that opted out of deadlock alerts")
	return cmd
}

func deadlockWatchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Scan periodically until interrupted, reloading orgline.yml on change",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services) error {
				every := interval
				if every <= 0 {
					every = s.Config.Get().MonitorInterval()
				}
				go func() {
					if err := config.Watch(ctx, s.Workspace, s.Config, s.Logger); err != nil {
						s.Logger.Warn("config watch stopped", "error", err)
					}
				}()
				return s.Monitor.Run(ctx, every, func(res deadlock.ScanResult) {
					if res.DeadlocksDetected > 0 {
						_ = printScan(res)
					}
				})
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "scan interval (defaults to monitor.interval from config)")
	return cmd
}

func inboxCmd() *cobra.Command {
	inbox := &cobra.Command{Use: "inbox", Short: "Read agent messages"}
	inbox.AddCommand(inboxListCmd())
	inbox.AddCommand(inboxReadCmd())
	return inbox
}

func inboxListCmd() *cobra.Command {
	var unread bool
	cmd := &cobra.Command{
		Use:   "list <agent-id>",
		Short: "List an agent's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services) error {
				msgs, err := s.Inbox.List(ctx, args[0], unread)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Kind", "Subject", "Created", "Read"})
				for _, m := range msgs {
					tw.AppendRow(table.Row{m.ID, m.Kind, m.Subject, m.CreatedAt, m.ReadAt != nil})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread messages")
	return cmd
}

func inboxReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <agent-id> <message-id>",
		Short: "Mark a message as read",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services) error {
				return s.Inbox.MarkRead(ctx, args[0], args[1])
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Audit log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.AuditFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var (
					entries []domain.AuditEntry
					err     error
				)
				if f == (repo.AuditFilter{}) {
					entries, err = r.TailAudit(ctx, n)
				} else {
					entries, err = r.ListAudit(ctx, f)
					if err == nil && len(entries) > n {
						entries = entries[len(entries)-n:]
					}
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Action", "Actor", "Target", "OK"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Action, e.ActorID, e.TargetID, e.Success})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&f.Action, "action", "", "action filter")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	cmd.Flags().StringVar(&f.TargetID, "target", "", "target filter")
	return cmd
}

func archiveCmd() *cobra.Command {
	a := &cobra.Command{Use: "archive", Short: "Fired agent backups"}
	a.AddCommand(&cobra.Command{
		Use:   "restore <archive> <dest>",
		Short: "Extract an agent backup into dest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := archive.Restore(args[0], args[1])
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{"files": n, "dest": args[1]})
		},
	})
	return a
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create <actor-id>",
		Short: "Create an API key for an actor; the key is shown once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := "olk_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   args[0],
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": secret})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label")
	k.AddCommand(create)
	k.AddCommand(&cobra.Command{
		Use:   "list [actor-id]",
		Short: "List API keys",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := ""
			if len(args) == 1 {
				actor = args[0]
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	})
	k.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return k
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for --actor-id using ORGLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), viper.GetString("actor-id"), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 never expires)")
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		addr, basePath   string
		allowActorHeader bool
		monitor          bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), AllowActorHeader: allowActorHeader}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("ORGLINE_JWT_SECRET is required for bearer auth")
			}
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services) error {
				authCfg.Logger = s.Logger.With("component", "auth")
				handler, err := server.New(server.Config{Services: s, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				go func() {
					if err := config.Watch(ctx, s.Workspace, s.Config, s.Logger); err != nil {
						s.Logger.Warn("config watch stopped", "error", err)
					}
				}()
				server.StartWebhookDispatcher(ctx, s.Repo, s.Config.Get(), s.Logger)
				if monitor {
					go s.Monitor.Run(ctx, s.Config.Get().MonitorInterval(), nil)
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving orgline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without credentials (local development only)")
	cmd.Flags().BoolVar(&monitor, "monitor", true, "run the deadlock monitor in the background")
	return cmd
}

// --- helpers ---

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func withServices(ctx context.Context, fn func(context.Context, app.Services) error) error {
	s, closeFn, err := app.Open(ctx, viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, s)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withServices(ctx, func(ctx context.Context, s app.Services) error {
		return fn(ctx, s.Repo)
	})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printScan(res deadlock.ScanResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Printf("deadlocks: %d  notified: %d  skipped: %d\n", res.DeadlocksDetected, res.NotificationsSent, res.NotificationsSkipped)
	for _, c := range res.Cycles {
		fmt.Printf("  cycle %s: %s\n", deadlock.ThreadID(c), strings.Join(c, " -> "))
	}
	for _, e := range res.Errors {
		fmt.Printf("  error %s: %s\n", e.ID, e.Message)
	}
	return nil
}

func printIssues(errs, warnings []hierarchy.ValidationError) {
	if viper.GetBool("json") {
		return
	}
	for _, e := range errs {
		fmt.Printf("error   %s: %s\n", e.Code, e.Message)
	}
	for _, w := range warnings {
		fmt.Printf("warning %s: %s\n", w.Code, w.Message)
	}
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
