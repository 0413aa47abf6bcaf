package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"forgeline/internal/app"
	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/migrate"
	"forgeline/internal/orchestrator"
	"forgeline/internal/repo"
	"forgeline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Forgeline CLI",
	Long: `Forgeline orchestrates multi-agent software projects through a fixed
development pipeline: architecture, task breakdown, assignment, coding,
testing, QA and deployment.
- Workspace: your .forgeline directory holding only the database; project
  configs are stored in the DB and imported explicitly.
- Project: a software project owning its agents, tasks, deliverables and
  lifecycle state machine (created -> planning -> ... -> completed).
- Workflow: a durable run of the seven pipeline steps with retries; cancel
  pauses the project and resume continues where it stopped.
- Agents: a fixed pool per type (architect, coder, tester, ...) claimed one
  task at a time through bounded-concurrency queues.
- Event log: diary of every change, view with 'fl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FORGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (defaults to the single project)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(deliverableCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(cleanupCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectHistoryCmd())
	prj.AddCommand(projectAbandonCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var name, desc, techStack, configFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project with its agent pool and deliverables",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			var cfg *config.Config
			if configFile != "" {
				loaded, err := config.FromFile(configFile)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			return withOrchestrator(cmd.Context(), "", func(ctx context.Context, o *orchestrator.Orchestrator) error {
				p, err := o.CreateProject(ctx, orchestrator.CreateProjectOptions{
					Name:        name,
					Description: desc,
					TechStack:   techStack,
					Config:      cfg,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&techStack, "tech-stack", "", "tech stack summary")
	cmd.Flags().StringVar(&configFile, "config", "", "path to YAML config (defaults otherwise)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "State", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.State, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, projectID string) error {
				p, err := o.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show lifecycle state history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, projectID string) error {
				items, err := o.Repo.ListStateHistory(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "State", "Entered", "Reason", "By"})
				for _, h := range items {
					tw.AppendRow(table.Row{h.Seq, h.State, h.EnteredAt, h.Reason, h.TriggeredBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectAbandonCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abandon",
		Short: "Cancel any active run and mark the project cancelled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, projectID string) error {
				return o.AbandonProject(ctx, projectID, reason, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "abandon reason")
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage project config"}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	cfg.AddCommand(projectConfigInitCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the project config stored in the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, projectID string) error {
				cfg, err := o.Repo.GetProjectConfig(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	return cmd
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, projectID string) error {
				cfg.Project.ID = projectID
				if err := o.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func projectConfigInitCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Print a default forgeline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				projectID = "my-project"
			}
			fmt.Print(config.GenerateDefault(projectID))
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "id", "", "project id to embed")
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Run the development pipeline",
		Long:  "Workflows run the seven pipeline steps in order with per-step retries. Cancel pauses the project; resume reuses the same run, skipping steps that already succeeded.",
	}
	wf.AddCommand(workflowStartCmd())
	wf.AddCommand(workflowCancelCmd())
	wf.AddCommand(workflowResumeCmd())
	wf.AddCommand(workflowShowCmd())
	return wf
}

// waitAndReport blocks until the driver finishes, then prints final progress.
// The CLI owns the driver goroutines, so exiting early would kill the run.
func waitAndReport(ctx context.Context, o *orchestrator.Orchestrator, runID string) error {
	select {
	case <-o.Engine.Wait(runID):
	case <-ctx.Done():
		return ctx.Err()
	}
	progress, err := o.Engine.Progress(ctx, runID)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(progress)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Step", "Status", "Attempts", "Error"})
	for _, s := range progress.Steps {
		errMsg := ""
		if s.LastError != nil {
			errMsg = *s.LastError
		}
		tw.AppendRow(table.Row{s.Name, s.Status, s.Attempts, errMsg})
	}
	tw.Render()
	fmt.Printf("Run %s: %s (%.0f%%)\n", progress.RunID, progress.Status, progress.Percentage)
	return nil
}

func workflowStartCmd() *cobra.Command {
	var parallel bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the workflow and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, projectID string) error {
				opts := orchestrator.StartWorkflowOptions{ActorID: viper.GetString("actor-id")}
				if cmd.Flags().Changed("parallel") {
					opts.Parallel = &parallel
				}
				run, err := o.StartWorkflow(ctx, projectID, opts)
				if err != nil {
					return err
				}
				fmt.Printf("Started run %s\n", run.ID)
				return waitAndReport(ctx, o, run.ID)
			})
		},
	}
	cmd.Flags().BoolVar(&parallel, "parallel", false, "run coding tasks in parallel waves")
	return cmd
}

func workflowCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the active run and pause the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, projectID string) error {
				run, err := o.CancelWorkflow(ctx, projectID, reason, viper.GetString("actor-id"))
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

func workflowResumeCmd() *cobra.Command {
	var fromStep string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused workflow and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, projectID string) error {
				run, err := o.ResumeWorkflow(ctx, projectID, fromStep, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("Resumed run %s\n", run.ID)
				return waitAndReport(ctx, o, run.ID)
			})
		},
	}
	cmd.Flags().StringVar(&fromStep, "from-step", "", "restart from this step even if it succeeded")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [run-id]",
		Short: "Show run progress and step outputs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, projectID string) error {
				var runID string
				if len(args) == 1 {
					runID = args[0]
				} else {
					run, err := o.Repo.LatestWorkflowRun(ctx, projectID)
					if err != nil {
						return err
					}
					runID = run.ID
				}
				progress, err := o.Engine.Progress(ctx, runID)
				if err != nil {
					return err
				}
				outputs, err := o.Engine.Outputs(ctx, runID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"progress": progress,
					"outputs":  outputs,
				})
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long:  "The scoreboard: lifecycle state, task counts, deliverable progress and the latest run.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				return withOrchestrator(cmd.Context(), "", func(ctx context.Context, o *orchestrator.Orchestrator) error {
					status, err := o.CoordinatorStatus(ctx)
					if err != nil {
						return err
					}
					return printJSONOrTable(status)
				})
			}
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, projectID string) error {
				status, err := o.Status(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(status)
				}
				fmt.Printf("Project: %s (%s)\n", status.Project.Name, status.Project.State)
				fmt.Printf("Deliverables: %d/%d complete (%.0f%%)\n",
					status.Metrics.DeliverablesComplete, status.Metrics.DeliverablesTotal, status.Metrics.ProgressPercent)
				fmt.Println("Tasks:")
				for state, c := range status.Metrics.TasksByStatus {
					fmt.Printf("  %s: %d\n", state, c)
				}
				if status.Run != nil {
					fmt.Printf("Run %s: %s, %d/%d steps (%.0f%%)\n",
						status.Run.RunID, status.Run.Status, status.Run.Completed, status.Run.TotalSteps, status.Run.Percentage)
				} else {
					fmt.Println("Run: none")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "show coordinator-wide counters")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Inspect and drive tasks",
		Long:  "Tasks are the planner's work items. The workflow schedules them itself; assign/complete exist for manual intervention and external workers.",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskCompleteCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, projectID string) error {
				f.ProjectID = projectID
				tasks, err := o.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Capability", "Priority", "Status", "Assignee"})
				for _, t := range tasks {
					assignee := ""
					if t.AssigneeID != nil {
						assignee = *t.AssigneeID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Capability, t.Priority, t.Status, assignee})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Capability, "capability", "", "capability filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, projectID string) error {
				t, err := o.Repo.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskAssignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Match and claim an agent for a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, projectID string) error {
				task, agent, err := o.AssignTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task": task, "agent": agent})
			})
		},
	}
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var output, failure string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Record a task result and release its agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, projectID string) error {
				var failErr error
				if failure != "" {
					failErr = errors.New(failure)
				}
				t, err := o.CompleteTask(ctx, id, output, failErr)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&output, "output-json", "", "result payload JSON")
	cmd.Flags().StringVar(&failure, "failure", "", "failure message (marks the task failed)")
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Inspect agents"}
	agent.AddCommand(agentListCmd())
	return agent
}

func agentListCmd() *cobra.Command {
	var agentType, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, projectID string) error {
				agents, err := o.Repo.ListAgents(ctx, repo.AgentFilters{
					ProjectID: projectID,
					Type:      agentType,
					Status:    status,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Task", "Last activity"})
				for _, a := range agents {
					task := ""
					if a.CurrentTaskID != nil {
						task = *a.CurrentTaskID
					}
					tw.AppendRow(table.Row{a.ID, a.Type, a.Status, task, a.LastActivity})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentType, "type", "", "agent type filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func deliverableCmd() *cobra.Command {
	del := &cobra.Command{Use: "deliverable", Short: "Inspect deliverables"}
	del.AddCommand(deliverableListCmd())
	return del
}

func deliverableListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deliverables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, projectID string) error {
				items, err := o.Repo.ListDeliverables(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Agent type"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Title, d.Status, d.AgentType})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: state changes, step results, claims and releases.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, projectID string) error {
				events, err := o.Repo.LatestEvents(ctx, n, projectID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete terminal runs older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), "", func(ctx context.Context, o *orchestrator.Orchestrator) error {
				deleted, err := o.CleanupRuns(ctx, olderThan)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int64{"deleted": deleted})
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "delete runs completed before now minus this")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowAnonymous bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), viper.GetString("project"), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				authCfg := server.AuthConfig{
					JWTSecret:      os.Getenv("FORGELINE_JWT_SECRET"),
					AllowAnonymous: allowAnonymous,
				}
				if authCfg.JWTSecret == "" && !allowAnonymous {
					return fmt.Errorf("FORGELINE_JWT_SECRET is required unless --allow-anonymous is set")
				}
				handler, err := server.New(server.Config{Orch: o, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(ctx, o)
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Forgeline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowAnonymous, "allow-anonymous", false, "serve without authentication (local use)")
	return cmd
}

// --- helpers ---

// withOrchestrator opens the workspace database and wires the full stack.
// projectOverride is only needed by commands that require a resolved project
// config; pass "" to run with defaults.
func withOrchestrator(ctx context.Context, projectOverride string, fn func(context.Context, *orchestrator.Orchestrator) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg := config.Default("")
	if projectOverride != "" {
		if _, resolved, err := app.ResolveProjectAndConfig(ctx, projectOverride, r); err == nil {
			cfg = resolved
		}
	} else if p, err := r.SingleProject(ctx); err == nil {
		if _, resolved, err := app.ResolveProjectAndConfig(ctx, p.ID, r); err == nil {
			cfg = resolved
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o := orchestrator.New(runCtx, conn, cfg)
	return fn(ctx, o)
}

// withProject resolves the active project before running the command.
func withProject(ctx context.Context, fn func(context.Context, *orchestrator.Orchestrator, string) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	projectID, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), r)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o := orchestrator.New(runCtx, conn, cfg)
	return fn(ctx, o, projectID)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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
