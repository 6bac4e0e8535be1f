package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/modelodev/scrumbringer/internal/domain"
)

// RuleMetrics aggregates a project's execution ledger for reporting.
type RuleMetrics struct {
	Evaluated  int            `json:"evaluated"`
	Applied    int            `json:"applied"`
	Suppressed int            `json:"suppressed"`
	Reasons    map[string]int `json:"reasons,omitempty"`
}

// ProjectRuleMetrics counts ledger rows for all rules under a project.
func (r Repo) ProjectRuleMetrics(ctx context.Context, projectID string) (RuleMetrics, error) {
	m := RuleMetrics{Reasons: map[string]int{}}
	rows, err := r.DB.QueryContext(ctx, `
SELECT e.outcome, COALESCE(e.suppression_reason,''), count(*)
FROM rule_executions e
JOIN workflow_rules r ON r.id=e.rule_id
JOIN workflows w ON w.id=r.workflow_id
WHERE w.project_id=?
GROUP BY e.outcome, e.suppression_reason`, projectID)
	if err != nil {
		return m, err
	}
	defer rows.Close()
	for rows.Next() {
		var outcome, reason string
		var count int
		if err := rows.Scan(&outcome, &reason, &count); err != nil {
			return m, err
		}
		m.Evaluated += count
		switch outcome {
		case "applied":
			m.Applied += count
		case "suppressed":
			m.Suppressed += count
			if reason != "" {
				m.Reasons[reason] += count
			}
		}
	}
	return m, rows.Err()
}

type ExecutionFilters struct {
	ProjectID string
	RuleID    string
	Outcome   string
	Limit     int
	CursorID  int64
}

// ListRuleExecutions pages through ledger rows, newest first.
func (r Repo) ListRuleExecutions(ctx context.Context, f ExecutionFilters) ([]domain.RuleExecution, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, `rule_id IN (
SELECT r.id FROM workflow_rules r JOIN workflows w ON w.id=r.workflow_id WHERE w.project_id=?)`)
		args = append(args, f.ProjectID)
	}
	if f.RuleID != "" {
		clauses = append(clauses, "rule_id=?")
		args = append(args, f.RuleID)
	}
	if f.Outcome != "" {
		clauses = append(clauses, "outcome=?")
		args = append(args, f.Outcome)
	}
	if f.CursorID > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.CursorID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,rule_id,origin_type,origin_id,outcome,suppression_reason,created_at FROM rule_executions WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RuleExecution
	for rows.Next() {
		var e domain.RuleExecution
		var reason sql.NullString
		if err := rows.Scan(&e.ID, &e.RuleID, &e.OriginType, &e.OriginID, &e.Outcome, &reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		if reason.Valid {
			e.SuppressionReason = &reason.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountExecutions returns the number of ledger rows for a rule.
func (r Repo) CountExecutions(ctx context.Context, ruleID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM rule_executions WHERE rule_id=?`, ruleID).Scan(&n)
	return n, err
}
