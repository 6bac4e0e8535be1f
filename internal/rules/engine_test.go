package rules_test

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelodev/scrumbringer/internal/db"
	"github.com/modelodev/scrumbringer/internal/domain"
	"github.com/modelodev/scrumbringer/internal/migrate"
	"github.com/modelodev/scrumbringer/internal/repo"
	"github.com/modelodev/scrumbringer/internal/rules"
)

type testEnv struct {
	DB     *sql.DB
	Engine rules.Engine
	Repo   repo.Repo
	Ctx    context.Context
	BugID  string
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
	eng := rules.New(conn)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	env := testEnv{DB: conn, Engine: eng, Repo: repo.Repo{DB: conn}, Ctx: context.Background()}

	now := "2024-01-01T00:00:00Z"
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := env.Repo.EnsureOrg(env.Ctx, tx, "org-1", "Acme", now); err != nil {
		t.Fatalf("seed org: %v", err)
	}
	if err := env.Repo.EnsureUser(env.Ctx, tx, domain.User{ID: "user-1", OrgID: "org-1", Email: "dev@example.com", CreatedAt: now}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := env.Repo.InsertProjectTx(env.Ctx, tx, domain.Project{ID: "proj-1", OrgID: "org-1", Name: "Apollo", Status: "active", CreatedAt: now}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	env.BugID = "type-bug"
	if err := env.Repo.InsertTaskTypeTx(env.Ctx, tx, domain.TaskType{ID: env.BugID, ProjectID: "proj-1", Name: "bug", CreatedAt: now}); err != nil {
		t.Fatalf("seed task type: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed: %v", err)
	}
	return env
}

func (env testEnv) seedRule(t *testing.T, ruleID string, taskTypeID *string, toState string, templateTitles ...string) {
	t.Helper()
	now := "2024-01-01T00:00:00Z"
	tx, err := env.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	wfID := "wf-" + ruleID
	if err := env.Repo.InsertWorkflowTx(env.Ctx, tx, domain.Workflow{ID: wfID, ProjectID: "proj-1", Name: "automation", Active: true, CreatedAt: now}); err != nil {
		t.Fatalf("seed workflow: %v", err)
	}
	rule := domain.Rule{
		ID:           ruleID,
		WorkflowID:   wfID,
		Name:         "follow-up",
		ResourceType: domain.ResourceTask,
		TaskTypeID:   taskTypeID,
		ToState:      toState,
		Active:       true,
		CreatedAt:    now,
	}
	if err := env.Repo.InsertRuleTx(env.Ctx, tx, rule); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	for i, title := range templateTitles {
		tplID := ruleID + "-tpl-" + title
		tpl := domain.TaskTemplate{ID: tplID, ProjectID: "proj-1", TypeID: &env.BugID, Title: title, CreatedAt: now}
		if err := env.Repo.InsertTemplateTx(env.Ctx, tx, tpl); err != nil {
			t.Fatalf("seed template: %v", err)
		}
		if err := env.Repo.AttachTemplateTx(env.Ctx, tx, domain.RuleTemplate{RuleID: ruleID, TemplateID: tplID, ExecutionOrder: i}); err != nil {
			t.Fatalf("attach template: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit rule seed: %v", err)
	}
}

func (env testEnv) taskCount(t *testing.T) int {
	t.Helper()
	var n int
	if err := env.DB.QueryRow(`SELECT count(*) FROM tasks WHERE project_id='proj-1'`).Scan(&n); err != nil {
		t.Fatalf("count tasks: %v", err)
	}
	return n
}

func bugEvent(env testEnv, toState string) rules.StateChangeEvent {
	from := "claimed"
	return rules.StateChangeEvent{
		ResourceType:  domain.ResourceTask,
		ResourceID:    "42",
		FromState:     &from,
		ToState:       toState,
		ProjectID:     "proj-1",
		OrgID:         "org-1",
		UserID:        "user-1",
		UserTriggered: true,
		TaskTypeID:    &env.BugID,
	}
}

func TestEvaluateAppliesMatchingRule(t *testing.T) {
	env := newTestEnv(t)
	env.seedRule(t, "rule-1", &env.BugID, "completed", "Review {{father}}")

	results, err := env.Engine.Evaluate(env.Ctx, bugEvent(env, "completed"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	if results[0].Outcome != rules.OutcomeApplied || results[0].CreatedTasks != 1 {
		t.Fatalf("expected Applied(1), got %+v", results[0])
	}
	tasks, err := env.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected one materialized task, got %d", len(tasks))
	}
	if !strings.Contains(tasks[0].Title, "[Task #42]") {
		t.Fatalf("expected resolved origin link in title, got %q", tasks[0].Title)
	}
}

func TestEvaluateNoMatchForOtherState(t *testing.T) {
	env := newTestEnv(t)
	env.seedRule(t, "rule-1", &env.BugID, "completed", "Review {{father}}")

	results, err := env.Engine.Evaluate(env.Ctx, bugEvent(env, "claimed"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %v", results)
	}
	if env.taskCount(t) != 0 {
		t.Fatalf("expected no tasks created")
	}
}

func TestEvaluateIdempotence(t *testing.T) {
	env := newTestEnv(t)
	env.seedRule(t, "rule-1", &env.BugID, "completed", "Review {{father}}")
	ev := bugEvent(env, "completed")

	first, err := env.Engine.Evaluate(env.Ctx, ev)
	if err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	if first[0].Outcome != rules.OutcomeApplied {
		t.Fatalf("expected applied first, got %+v", first[0])
	}
	second, err := env.Engine.Evaluate(env.Ctx, ev)
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if second[0].Outcome != rules.OutcomeSuppressed || second[0].SuppressionReason != rules.ReasonIdempotent {
		t.Fatalf("expected idempotent suppression, got %+v", second[0])
	}
	if env.taskCount(t) != 1 {
		t.Fatalf("expected task count to stay at 1, got %d", env.taskCount(t))
	}
	var ledgerRows int
	if err := env.DB.QueryRow(`SELECT count(*) FROM rule_executions`).Scan(&ledgerRows); err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	if ledgerRows != 1 {
		t.Fatalf("ledger must hold exactly one row, got %d", ledgerRows)
	}
}

func TestEvaluateConcurrentCallers(t *testing.T) {
	env := newTestEnv(t)
	env.seedRule(t, "rule-1", &env.BugID, "completed", "Review {{father}}")
	ev := bugEvent(env, "completed")

	var wg sync.WaitGroup
	outcomes := make([][]rules.Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = env.Engine.Evaluate(env.Ctx, ev)
		}(i)
	}
	wg.Wait()

	appliedCount, suppressedCount := 0, 0
	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		for _, res := range outcomes[i] {
			switch res.Outcome {
			case rules.OutcomeApplied:
				appliedCount++
			case rules.OutcomeSuppressed:
				suppressedCount++
			}
		}
	}
	if appliedCount != 1 || suppressedCount != 1 {
		t.Fatalf("expected exactly one applied and one suppressed, got %d/%d", appliedCount, suppressedCount)
	}
	if env.taskCount(t) != 1 {
		t.Fatalf("expected one task despite concurrent callers, got %d", env.taskCount(t))
	}
}

func TestEvaluateZeroTemplates(t *testing.T) {
	env := newTestEnv(t)
	env.seedRule(t, "rule-1", nil, "completed")

	results, err := env.Engine.Evaluate(env.Ctx, bugEvent(env, "completed"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if results[0].Outcome != rules.OutcomeApplied || results[0].CreatedTasks != 0 {
		t.Fatalf("expected Applied(0), got %+v", results[0])
	}
	if env.taskCount(t) != 0 {
		t.Fatalf("expected no tasks for zero templates")
	}
}

func TestEvaluateMultipleTemplates(t *testing.T) {
	env := newTestEnv(t)
	env.seedRule(t, "rule-1", nil, "completed", "First {{father}}", "Second {{father}}", "Third {{father}}")

	results, err := env.Engine.Evaluate(env.Ctx, bugEvent(env, "completed"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if results[0].CreatedTasks != 3 {
		t.Fatalf("expected Applied(3), got %+v", results[0])
	}
	if env.taskCount(t) != 3 {
		t.Fatalf("expected three tasks, got %d", env.taskCount(t))
	}
}

func TestEvaluateSystemEventWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.seedRule(t, "rule-1", &env.BugID, "completed", "Review {{father}}")
	ev := bugEvent(env, "completed")
	ev.UserTriggered = false

	results, err := env.Engine.Evaluate(env.Ctx, ev)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty results for system event, got %v", results)
	}
	var ledgerRows int
	if err := env.DB.QueryRow(`SELECT count(*) FROM rule_executions`).Scan(&ledgerRows); err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	if ledgerRows != 0 {
		t.Fatalf("system events must not touch the ledger, got %d rows", ledgerRows)
	}
}

func TestEvaluateProjectScoping(t *testing.T) {
	env := newTestEnv(t)
	env.seedRule(t, "rule-1", nil, "completed", "Review {{father}}")

	now := "2024-01-01T00:00:00Z"
	tx, err := env.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := env.Repo.InsertProjectTx(env.Ctx, tx, domain.Project{ID: "proj-2", OrgID: "org-1", Name: "Zephyr", Status: "active", CreatedAt: now}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	ev := bugEvent(env, "completed")
	ev.ProjectID = "proj-2"
	ev.TaskTypeID = nil
	results, err := env.Engine.Evaluate(env.Ctx, ev)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("rule bound to proj-1 must not fire for proj-2, got %v", results)
	}
}

func TestEvaluateResolvesLookupTokens(t *testing.T) {
	env := newTestEnv(t)
	env.seedRule(t, "rule-1", nil, "completed", "{{project}} / {{user}} / {{from_state}}")

	results, err := env.Engine.Evaluate(env.Ctx, bugEvent(env, "completed"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if results[0].CreatedTasks != 1 {
		t.Fatalf("expected one task, got %+v", results[0])
	}
	tasks, err := env.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	want := "Apollo / dev@example.com / claimed"
	if tasks[0].Title != want {
		t.Fatalf("expected %q, got %q", want, tasks[0].Title)
	}
}
