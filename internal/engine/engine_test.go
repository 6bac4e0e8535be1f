package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/modelodev/scrumbringer/internal/config"
	"github.com/modelodev/scrumbringer/internal/db"
	"github.com/modelodev/scrumbringer/internal/domain"
	"github.com/modelodev/scrumbringer/internal/engine"
	"github.com/modelodev/scrumbringer/internal/migrate"
	"github.com/modelodev/scrumbringer/internal/repo"
	"github.com/modelodev/scrumbringer/internal/rules"
)

type testEnv struct {
	DB     *sql.DB
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	cfg.Project.Name = "Apollo"
	eng := engine.New(conn, cfg)
	fixed := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Now = fixed
	eng.Events.Now = fixed
	eng.Rules.Now = fixed
	return testEnv{DB: conn, Engine: eng, Ctx: context.Background()}
}

func (env testEnv) initProject(t *testing.T) domain.Project {
	t.Helper()
	p, err := env.Engine.InitProject(env.Ctx, engine.InitProjectOptions{
		ProjectID: "proj-1",
		Name:      "Apollo",
		OrgID:     "org-1",
		UserID:    "user-1",
		UserEmail: "dev@example.com",
	})
	if err != nil {
		t.Fatalf("init project: %v", err)
	}
	return p
}

func (env testEnv) eventTypes(t *testing.T) []string {
	t.Helper()
	rows, err := env.DB.Query(`SELECT type FROM events ORDER BY id`)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var types []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			t.Fatalf("scan event: %v", err)
		}
		types = append(types, s)
	}
	return types
}

func hasEvent(types []string, want string) bool {
	for _, s := range types {
		if s == want {
			return true
		}
	}
	return false
}

func TestInitProjectSeedsTaskTypes(t *testing.T) {
	env := newTestEnv(t)
	p := env.initProject(t)

	if p.Status != "active" {
		t.Fatalf("expected active project, got %q", p.Status)
	}
	types, err := env.Engine.Repo.ListTaskTypes(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("list task types: %v", err)
	}
	if len(types) != len(env.Engine.Config.TaskTypes) {
		t.Fatalf("expected %d seeded task types, got %d", len(env.Engine.Config.TaskTypes), len(types))
	}
	role, err := env.Engine.Repo.MembershipRole(env.Ctx, "org-1", "user-1")
	if err != nil {
		t.Fatalf("membership role: %v", err)
	}
	if role != domain.RoleAdmin {
		t.Fatalf("first user must be admin, got %q", role)
	}
	if !hasEvent(env.eventTypes(t), "project.created") {
		t.Fatalf("expected project.created event")
	}
}

func TestCreateTaskAppliesDefaultPriority(t *testing.T) {
	env := newTestEnv(t)
	env.initProject(t)

	task, _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1",
		TypeName:  "bug",
		Title:     "Login broken",
		UserID:    "user-1",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.State != "pending" {
		t.Fatalf("new task must be pending, got %q", task.State)
	}
	want, ok := env.Engine.Config.Defaults.Priority["bug"]
	if !ok {
		t.Fatalf("fixture config lacks bug priority")
	}
	if task.Priority == nil || *task.Priority != want {
		t.Fatalf("expected default priority %d, got %v", want, task.Priority)
	}
	if task.TypeID == nil {
		t.Fatalf("expected type to resolve")
	}
}

func TestCreateTaskUnknownType(t *testing.T) {
	env := newTestEnv(t)
	env.initProject(t)

	_, _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1",
		TypeName:  "spike",
		Title:     "Investigate",
		UserID:    "user-1",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown type, got %v", err)
	}
}

func TestTaskStateTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.initProject(t)
	task, _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1",
		Title:     "Ship it",
		UserID:    "user-1",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if _, _, err := env.Engine.SetTaskState(env.Ctx, engine.TaskStateOptions{ID: task.ID, State: "completed", UserID: "user-1"}); err == nil {
		t.Fatalf("pending -> completed must be rejected without force")
	}
	claimed, _, err := env.Engine.SetTaskState(env.Ctx, engine.TaskStateOptions{ID: task.ID, State: "claimed", UserID: "user-1"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.State != "claimed" {
		t.Fatalf("expected claimed, got %q", claimed.State)
	}
	if _, _, err := env.Engine.SetTaskState(env.Ctx, engine.TaskStateOptions{ID: task.ID, State: "claimed", UserID: "user-1"}); err == nil {
		t.Fatalf("no-op transition must be rejected")
	}
	done, _, err := env.Engine.SetTaskState(env.Ctx, engine.TaskStateOptions{ID: task.ID, State: "completed", UserID: "user-1"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.State != "completed" {
		t.Fatalf("expected completed, got %q", done.State)
	}
	if _, _, err := env.Engine.SetTaskState(env.Ctx, engine.TaskStateOptions{ID: task.ID, State: "pending", UserID: "user-1"}); err == nil {
		t.Fatalf("completed -> pending must be rejected without force")
	}
	reopened, _, err := env.Engine.SetTaskState(env.Ctx, engine.TaskStateOptions{ID: task.ID, State: "pending", UserID: "user-1", Force: true})
	if err != nil {
		t.Fatalf("force reopen: %v", err)
	}
	if reopened.State != "pending" {
		t.Fatalf("expected pending after force, got %q", reopened.State)
	}
	if !hasEvent(env.eventTypes(t), "task.state_changed") {
		t.Fatalf("expected task.state_changed events")
	}
}

// seedAutomation wires a workflow/rule/template chain through the admin
// operations themselves, then exercises the full transition path.
func seedAutomation(t *testing.T, env testEnv, resourceType, toState, templateTitle string) domain.Rule {
	t.Helper()
	w, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowCreateOptions{ProjectID: "proj-1", Name: "automation", UserID: "user-1"})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	rule, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		WorkflowID:   w.ID,
		Name:         "follow-up",
		ResourceType: resourceType,
		ToState:      toState,
		UserID:       "user-1",
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	tpl, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		ProjectID: "proj-1",
		Title:     templateTitle,
		UserID:    "user-1",
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	if err := env.Engine.AttachTemplate(env.Ctx, rule.ID, tpl.ID, 0, "user-1"); err != nil {
		t.Fatalf("attach template: %v", err)
	}
	return rule
}

func TestSetTaskStateTriggersAutomation(t *testing.T) {
	env := newTestEnv(t)
	env.initProject(t)
	seedAutomation(t, env, domain.ResourceTask, "completed", "Review {{father}} from {{project}}")

	task, _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "Ship it", UserID: "user-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, _, err := env.Engine.SetTaskState(env.Ctx, engine.TaskStateOptions{ID: task.ID, State: "claimed", UserID: "user-1"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, results, err := env.Engine.SetTaskState(env.Ctx, engine.TaskStateOptions{ID: task.ID, State: "completed", UserID: "user-1"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(results) != 1 || results[0].Outcome != rules.OutcomeApplied || results[0].CreatedTasks != 1 {
		t.Fatalf("expected one applied rule creating one task, got %+v", results)
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "proj-1", State: "pending"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected one pending follow-up task, got %d", len(tasks))
	}
	if !strings.Contains(tasks[0].Title, "[Task #"+task.ID+"]") || !strings.Contains(tasks[0].Title, "Apollo") {
		t.Fatalf("unresolved template title %q", tasks[0].Title)
	}
	if !hasEvent(env.eventTypes(t), "automation.evaluated") {
		t.Fatalf("expected automation.evaluated event")
	}
}

func TestSystemTransitionSkipsAutomation(t *testing.T) {
	env := newTestEnv(t)
	env.initProject(t)
	seedAutomation(t, env, domain.ResourceTask, "claimed", "Check {{father}}")

	task, _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "Ship it", UserID: "user-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	_, results, err := env.Engine.SetTaskState(env.Ctx, engine.TaskStateOptions{ID: task.ID, State: "claimed", UserID: "user-1", System: true})
	if err != nil {
		t.Fatalf("system claim: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("system transitions must not match rules, got %+v", results)
	}
	var ledgerRows int
	if err := env.DB.QueryRow(`SELECT count(*) FROM rule_executions`).Scan(&ledgerRows); err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	if ledgerRows != 0 {
		t.Fatalf("system transition wrote %d ledger rows", ledgerRows)
	}
}

func TestCardStateTriggersCardRule(t *testing.T) {
	env := newTestEnv(t)
	env.initProject(t)
	seedAutomation(t, env, domain.ResourceCard, "done", "Archive {{father}}")

	card, _, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{ProjectID: "proj-1", Title: "Checkout flow", UserID: "user-1"})
	if err != nil {
		t.Fatalf("create card: %v", err)
	}
	if card.State != "backlog" {
		t.Fatalf("expected backlog default, got %q", card.State)
	}
	_, results, err := env.Engine.SetCardState(env.Ctx, engine.CardStateOptions{ID: card.ID, State: "done", UserID: "user-1"})
	if err != nil {
		t.Fatalf("move card: %v", err)
	}
	if len(results) != 1 || results[0].CreatedTasks != 1 {
		t.Fatalf("expected card rule to fire once, got %+v", results)
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || !strings.Contains(tasks[0].Title, "[Card #"+card.ID+"]") {
		t.Fatalf("expected card origin link, got %+v", tasks)
	}
}

func TestCreateRuleValidation(t *testing.T) {
	env := newTestEnv(t)
	env.initProject(t)
	w, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowCreateOptions{ProjectID: "proj-1", Name: "automation", UserID: "user-1"})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	if _, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{WorkflowID: w.ID, Name: "x", ResourceType: "sprint", ToState: "done", UserID: "user-1"}); err == nil {
		t.Fatalf("unknown resource type must be rejected")
	}
	if _, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{WorkflowID: w.ID, Name: "x", ResourceType: domain.ResourceTask, UserID: "user-1"}); err == nil {
		t.Fatalf("missing to_state must be rejected")
	}
	if _, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{WorkflowID: w.ID, Name: "x", ResourceType: domain.ResourceCard, TaskTypeName: "bug", ToState: "done", UserID: "user-1"}); err == nil {
		t.Fatalf("task type filter on card rule must be rejected")
	}
	if _, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{WorkflowID: "missing", Name: "x", ResourceType: domain.ResourceTask, ToState: "done", UserID: "user-1"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing workflow, got %v", err)
	}
}

func TestDisabledRuleStopsFiring(t *testing.T) {
	env := newTestEnv(t)
	env.initProject(t)
	rule := seedAutomation(t, env, domain.ResourceTask, "claimed", "Check {{father}}")
	if _, err := env.Engine.SetRuleActive(env.Ctx, rule.ID, false, "user-1"); err != nil {
		t.Fatalf("disable rule: %v", err)
	}

	task, _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "Ship it", UserID: "user-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	_, results, err := env.Engine.SetTaskState(env.Ctx, engine.TaskStateOptions{ID: task.ID, State: "claimed", UserID: "user-1"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("disabled rule fired: %+v", results)
	}
}

func TestAttachTemplateCrossProject(t *testing.T) {
	env := newTestEnv(t)
	env.initProject(t)
	rule := seedAutomation(t, env, domain.ResourceTask, "completed", "Review {{father}}")

	other, err := env.Engine.InitProject(env.Ctx, engine.InitProjectOptions{ProjectID: "proj-2", Name: "Zephyr", OrgID: "org-1", UserID: "user-1", UserEmail: "dev@example.com"})
	if err != nil {
		t.Fatalf("init second project: %v", err)
	}
	tpl, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{ProjectID: other.ID, Title: "Foreign", UserID: "user-1"})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	if err := env.Engine.AttachTemplate(env.Ctx, rule.ID, tpl.ID, 0, "user-1"); err == nil {
		t.Fatalf("cross-project attach must be rejected")
	}
}

func TestCreateTaskTriggersCreationRule(t *testing.T) {
	env := newTestEnv(t)
	env.initProject(t)
	seedAutomation(t, env, domain.ResourceTask, "pending", "Triage {{father}} {{from_state}}")

	_, results, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "New work", UserID: "user-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if len(results) != 1 || results[0].CreatedTasks != 1 {
		t.Fatalf("expected creation rule to fire, got %+v", results)
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	var found bool
	for _, task := range tasks {
		if strings.Contains(task.Title, "(created)") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected (created) placeholder in a materialized title, got %+v", tasks)
	}
}
