package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/modelodev/scrumbringer/internal/app"
	"github.com/modelodev/scrumbringer/internal/config"
	"github.com/modelodev/scrumbringer/internal/db"
	"github.com/modelodev/scrumbringer/internal/domain"
	"github.com/modelodev/scrumbringer/internal/engine"
	"github.com/modelodev/scrumbringer/internal/migrate"
	"github.com/modelodev/scrumbringer/internal/repo"
	"github.com/modelodev/scrumbringer/internal/rules"
	"github.com/modelodev/scrumbringer/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sb",
	Short: "Scrumbringer CLI",
	Long: `Scrumbringer manages Scrum/Kanban work with automation rules.
- Workspace: your .scrumbringer directory holding the database; scrumbringer.yml beside it configures the project.
- Project: owns cards, tasks, task types, templates and workflows.
- Cards: board-level items that move across columns (backlog, doing, done, ...).
- Tasks: work items that flow pending -> claimed -> completed (canceled is an exit).
- Workflows: containers of automation rules; a rule fires when a task or card reaches its target state.
- Templates: parameterized tasks a rule materializes, with {{father}}, {{from_state}}, {{to_state}}, {{project}} and {{user}} tokens.
- Ledger: every rule firing is recorded once per origin, so retries never duplicate work. See 'sb rule executions'.`,
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
	viper.SetEnvPrefix("SCRUMBRINGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "user identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmdGroup())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(cardCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create scrumbringer.yml and bootstrap the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("%s already exists", cfgPath)
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				_, _, err := app.ResolveProjectAndConfig(ctx, workspace, id, viper.GetString("user-id"), r)
				if err != nil {
					return err
				}
				fmt.Printf("Initialized project %s (config at %s)\n", id, cfgPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectArchiveCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.UpdateProjectStatus(ctx, e.Config.Project.ID, "archived")
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "SCRUMBRINGER_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set SCRUMBRINGER_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	return cmd
}

func configCmdGroup() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate scrumbringer.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := e.Config.Project.ID
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByState(ctx, projectID)
				if err != nil {
					return err
				}
				metrics, err := e.Repo.ProjectRuleMetrics(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"project_id":  p.ID,
						"status":      p.Status,
						"task_counts": counts,
						"automation":  metrics,
					})
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				fmt.Println("Tasks:")
				for state, c := range counts {
					fmt.Printf("  %s: %d\n", state, c)
				}
				fmt.Printf("Automation: %d evaluated, %d applied, %d suppressed\n",
					metrics.Evaluated, metrics.Applied, metrics.Suppressed)
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow pending -> claimed -> completed; canceling is allowed from pending or claimed. Completing a task can trigger automation rules that create follow-up tasks.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskStateCmd("claim", "claimed", "Claim a pending task"))
	task.AddCommand(taskStateCmd("done", "completed", "Complete a claimed task"))
	task.AddCommand(taskStateCmd("cancel", "canceled", "Cancel a task"))
	task.AddCommand(taskSetStateCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.UserID = viper.GetString("user-id")
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				t, results, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				printAutomation(results)
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.CardID, "card", "", "card id")
	cmd.Flags().StringVar(&opts.TypeName, "type", "", "task type name")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee id")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (lower is higher)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "State", "Assignee", "Card"})
				for _, t := range tasks {
					assignee := ""
					if t.AssigneeID != nil {
						assignee = *t.AssigneeID
					}
					card := ""
					if t.CardID != nil {
						card = *t.CardID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.State, assignee, card})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.CardID, "card", "", "card filter")
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
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskStateCmd(use, state, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskState(cmd.Context(), args[0], state)
		},
	}
}

func taskSetStateCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "set-state <id>",
		Short: "Set task state explicitly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskState(cmd.Context(), args[0], state)
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "new state")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

func runTaskState(ctx context.Context, id, state string) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		t, results, err := e.SetTaskState(ctx, engine.TaskStateOptions{
			ID:     id,
			State:  state,
			UserID: viper.GetString("user-id"),
			Force:  viper.GetBool("force"),
		})
		if err != nil {
			var ae *engine.AutomationError
			if !errors.As(err, &ae) {
				return err
			}
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
		printAutomation(results)
		return printJSONOrTable(t)
	})
}

func cardCmd() *cobra.Command {
	card := &cobra.Command{
		Use:   "card",
		Short: "Manage board cards",
	}
	card.AddCommand(cardCreateCmd())
	card.AddCommand(cardListCmd())
	card.AddCommand(cardMoveCmd())
	return card
}

func cardCreateCmd() *cobra.Command {
	var opts engine.CardCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a card",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.UserID = viper.GetString("user-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				c, results, err := e.CreateCard(ctx, opts)
				if err != nil {
					return err
				}
				printAutomation(results)
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "card id (optional)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.State, "state", "", "initial column (default backlog)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func cardListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cards, err := e.Repo.ListCards(ctx, e.Config.Project.ID, state)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cards)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "State"})
				for _, c := range cards {
					tw.AppendRow(table.Row{c.ID, c.Title, c.State})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	return cmd
}

func cardMoveCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Move a card to another column",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, results, err := e.SetCardState(ctx, engine.CardStateOptions{
					ID:     args[0],
					State:  state,
					UserID: viper.GetString("user-id"),
				})
				if err != nil {
					var ae *engine.AutomationError
					if !errors.As(err, &ae) {
						return err
					}
					fmt.Fprintf(os.Stderr, "warning: %v\n", err)
				}
				printAutomation(results)
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "target column")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Manage automation workflows",
	}
	wf.AddCommand(workflowCreateCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowActiveCmd("enable", "Enable a workflow", true))
	wf.AddCommand(workflowActiveCmd("disable", "Disable a workflow", false))
	return wf
}

func workflowCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CreateWorkflow(ctx, engine.WorkflowCreateOptions{
					ProjectID: e.Config.Project.ID,
					Name:      name,
					UserID:    viper.GetString("user-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "workflow name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func workflowListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows with their rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				workflows, err := e.Repo.ListWorkflows(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(workflows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Workflow", "Active", "Rule", "Resource", "To state", "Rule active"})
				for _, w := range workflows {
					if len(w.Rules) == 0 {
						tw.AppendRow(table.Row{w.Name, w.Active, "", "", "", ""})
						continue
					}
					for _, r := range w.Rules {
						tw.AppendRow(table.Row{w.Name, w.Active, r.Name, r.ResourceType, r.ToState, r.Active})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func workflowActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.SetWorkflowActive(ctx, args[0], active, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func ruleCmd() *cobra.Command {
	rule := &cobra.Command{
		Use:   "rule",
		Short: "Manage automation rules",
		Long:  "A rule fires when its resource reaches the target state. Attach templates to decide what gets created; the execution ledger guarantees each rule fires at most once per origin.",
	}
	rule.AddCommand(ruleCreateCmd())
	rule.AddCommand(ruleActiveCmd("enable", "Enable a rule", true))
	rule.AddCommand(ruleActiveCmd("disable", "Disable a rule", false))
	rule.AddCommand(ruleAttachCmd())
	rule.AddCommand(ruleDetachCmd())
	rule.AddCommand(ruleExecutionsCmd())
	return rule
}

func ruleCreateCmd() *cobra.Command {
	var opts engine.RuleCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.UserID = viper.GetString("user-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.CreateRule(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&opts.WorkflowID, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "rule name")
	cmd.Flags().StringVar(&opts.Goal, "goal", "", "goal description")
	cmd.Flags().StringVar(&opts.ResourceType, "resource", "task", "resource type (task or card)")
	cmd.Flags().StringVar(&opts.TaskTypeName, "task-type", "", "task type filter (task rules only)")
	cmd.Flags().StringVar(&opts.ToState, "to-state", "", "target state")
	_ = cmd.MarkFlagRequired("workflow")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("to-state")
	return cmd
}

func ruleActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.SetRuleActive(ctx, args[0], active, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
}

func ruleAttachCmd() *cobra.Command {
	var templateID string
	var order int
	cmd := &cobra.Command{
		Use:   "attach <rule-id>",
		Short: "Attach a template to a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AttachTemplate(ctx, args[0], templateID, order, viper.GetString("user-id"))
			})
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	cmd.Flags().IntVar(&order, "order", 0, "execution order")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func ruleDetachCmd() *cobra.Command {
	var templateID string
	cmd := &cobra.Command{
		Use:   "detach <rule-id>",
		Short: "Detach a template from a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DetachTemplate(ctx, args[0], templateID, viper.GetString("user-id"))
			})
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func ruleExecutionsCmd() *cobra.Command {
	var f repo.ExecutionFilters
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "Show the execution ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" && f.RuleID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				items, err := e.Repo.ListRuleExecutions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Rule", "Origin", "Outcome", "Reason", "At"})
				for _, exec := range items {
					reason := ""
					if exec.SuppressionReason != nil {
						reason = *exec.SuppressionReason
					}
					tw.AppendRow(table.Row{exec.ID, exec.RuleID, exec.OriginType + ":" + exec.OriginID, exec.Outcome, reason, exec.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.RuleID, "rule", "", "rule id filter")
	cmd.Flags().StringVar(&f.Outcome, "outcome", "", "outcome filter (applied, suppressed)")
	cmd.Flags().IntVar(&f.Limit, "n", 50, "number of rows")
	return cmd
}

func metricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show automation metrics for the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Repo.ProjectRuleMetrics(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				fmt.Printf("Evaluated:  %d\nApplied:    %d\nSuppressed: %d\n", m.Evaluated, m.Applied, m.Suppressed)
				for reason, count := range m.Reasons {
					fmt.Printf("  %s: %d\n", reason, count)
				}
				return nil
			})
		},
	}
	return cmd
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{
		Use:   "template",
		Short: "Manage task templates",
	}
	tpl.AddCommand(templateCreateCmd())
	tpl.AddCommand(templateListCmd())
	return tpl
}

func templateCreateCmd() *cobra.Command {
	var opts engine.TemplateCreateOptions
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create template",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.UserID = viper.GetString("user-id")
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				t, err := e.CreateTemplate(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.TypeName, "type", "", "task type name")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title (supports {{tokens}})")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description (supports {{tokens}})")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func templateListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTemplates(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					UserID:    viper.GetString("user-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "secret": secret})
				}
				fmt.Printf("API key %s created. Secret (save it now):\n%s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
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
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, 0, e.Config.Project.ID, evtType, entityKind, entityID)
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

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), viper.GetString("user-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret: cfg.Auth.JWTSecret,
				DevLogin:  cfg.Auth.DevLogin,
			}
			if env := os.Getenv("SCRUMBRINGER_JWT_SECRET"); env != "" {
				authCfg.JWTSecret = env
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("jwt secret required: set auth.jwt_secret in scrumbringer.yml or SCRUMBRINGER_JWT_SECRET")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Scrumbringer API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
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
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), viper.GetString("user-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
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

func printAutomation(results []rules.Result) {
	for _, res := range results {
		switch res.Outcome {
		case rules.OutcomeApplied:
			fmt.Fprintf(os.Stderr, "rule %s applied (%d tasks created)\n", res.RuleID, res.CreatedTasks)
		case rules.OutcomeSuppressed:
			fmt.Fprintf(os.Stderr, "rule %s suppressed (%s)\n", res.RuleID, res.SuppressionReason)
		}
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	data, err := os.ReadFile(path)
	if err == nil {
		for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else if line != "" {
				lines = append(lines, line)
			}
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}
