package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/modelodev/scrumbringer/internal/domain"
	"github.com/modelodev/scrumbringer/internal/repo"
)

// Engine evaluates workflow rules against state-change events. It holds no
// locks: two callers racing to apply the same rule to the same origin are
// arbitrated entirely by the ledger's unique insert, so exactly one sees
// "applied" and the other "suppressed".
type Engine struct {
	DB   *sql.DB
	Repo repo.Repo
	Now  func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:   db,
		Repo: repo.Repo{DB: db},
		Now:  time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Evaluate runs the event against the project's workflows and returns one
// Result per matched rule, in ascending rule-id order. Each rule executes
// in its own transaction; a rule that fails leaves siblings untouched and
// its error is joined into the returned error while results for the other
// rules are still returned.
func (e Engine) Evaluate(ctx context.Context, ev StateChangeEvent) ([]Result, error) {
	if !ev.UserTriggered {
		return nil, nil
	}
	workflows, err := e.Repo.ListWorkflows(ctx, ev.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load workflows: %w", err)
	}
	matched := Match(ev, workflows)
	if len(matched) == 0 {
		return nil, nil
	}
	vars, err := e.eventVariables(ctx, ev)
	if err != nil {
		return nil, err
	}
	var results []Result
	var errs []error
	for _, rule := range matched {
		res, err := e.applyRule(ctx, rule, ev, vars)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// eventVariables resolves the lookup-backed tokens once per event.
// Templates never see a dangling project or user; missing rows resolve to
// empty text rather than failing the whole evaluation.
func (e Engine) eventVariables(ctx context.Context, ev StateChangeEvent) (Variables, error) {
	projectName, err := e.Repo.ProjectName(ctx, ev.ProjectID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return Variables{}, fmt.Errorf("resolve project name: %w", err)
	}
	userEmail, err := e.Repo.UserEmail(ctx, ev.UserID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return Variables{}, fmt.Errorf("resolve user email: %w", err)
	}
	return NewVariables(ev, projectName, userEmail), nil
}

// applyRule records the execution and materializes the rule's templates in
// a single transaction. The ledger insert is the first write: if the
// unique key (rule, origin type, origin id) already exists nothing is
// inserted, materialization is skipped and the rule reports idempotent
// suppression, leaving the prior row untouched.
func (e Engine) applyRule(ctx context.Context, rule domain.Rule, ev StateChangeEvent, vars Variables) (Result, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `INSERT INTO rule_executions(rule_id,origin_type,origin_id,outcome,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(rule_id,origin_type,origin_id) DO NOTHING`,
		rule.ID, ev.ResourceType, ev.ResourceID, string(OutcomeApplied), now)
	if err != nil {
		return Result{}, fmt.Errorf("record execution: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return Result{}, err
	}
	if inserted == 0 {
		// The rule already fired for this origin. Nothing was written,
		// so the rollback is a no-op.
		return suppressed(rule.ID, ReasonIdempotent), nil
	}

	templates, err := e.Repo.RuleTemplatesTx(ctx, tx, rule.ID)
	if err != nil {
		return Result{}, fmt.Errorf("load templates: %w", err)
	}
	for _, tpl := range templates {
		task := domain.Task{
			ID:          uuid.New().String(),
			ProjectID:   ev.ProjectID,
			TypeID:      tpl.TypeID,
			Title:       vars.Expand(tpl.Title),
			Description: vars.Expand(tpl.Description),
			State:       "pending",
			Priority:    tpl.Priority,
			CreatedBy:   ev.UserID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.Repo.InsertTaskTx(ctx, tx, task); err != nil {
			return Result{}, fmt.Errorf("materialize template %s: %w", tpl.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return applied(rule.ID, len(templates)), nil
}
